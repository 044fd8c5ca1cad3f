package radio

type waitState int

const (
	waitPending waitState = iota
	waitAdmitted
	waitAborted
)

// waiter is shared by every submission parked on the same parent. state is
// guarded by the radio mutex; done only wakes the sleepers.
type waiter struct {
	state   waitState
	done    chan struct{}
	waiting int
}

type waitRegistry map[string]*waiter

func (w waitRegistry) join(parentID string) *waiter {
	wt, ok := w[parentID]
	if !ok {
		wt = &waiter{done: make(chan struct{})}
		w[parentID] = wt
	}
	wt.waiting++
	return wt
}

// resolve wakes everyone parked on uploadID. It reports whether anyone was.
func (w waitRegistry) resolve(uploadID string) bool {
	wt, ok := w[uploadID]
	if !ok {
		return false
	}
	wt.state = waitAdmitted
	close(wt.done)
	delete(w, uploadID)
	return true
}

func (w waitRegistry) abortAll() int {
	n := 0
	for parentID, wt := range w {
		wt.state = waitAborted
		close(wt.done)
		n += wt.waiting
		delete(w, parentID)
	}
	return n
}

// leave is called by a sleeper that gave up. The record is dropped with its
// last sleeper unless it was already resolved or replaced.
func (w waitRegistry) leave(parentID string, wt *waiter) {
	wt.waiting--
	if wt.waiting > 0 || wt.state != waitPending {
		return
	}
	if cur, ok := w[parentID]; ok && cur == wt {
		delete(w, parentID)
	}
}

func (w waitRegistry) sleepers() int {
	n := 0
	for _, wt := range w {
		n += wt.waiting
	}
	return n
}
