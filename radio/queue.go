package radio

// queue holds admitted entries. Index 0 belongs to the engine; the rest is
// ordered by priority, ties kept in arrival order.
type queue struct {
	entries []*Entry
}

func (q *queue) len() int {
	return len(q.entries)
}

func (q *queue) head() *Entry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

func (q *queue) at(i int) *Entry {
	return q.entries[i]
}

// insert places e before the first entry behind the head whose priority is
// strictly greater, and returns the index it landed on.
func (q *queue) insert(e *Entry) int {
	idx := len(q.entries)
	if idx > 0 {
		for i := 1; i < len(q.entries); i++ {
			if q.entries[i].Priority > e.Priority {
				idx = i
				break
			}
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	return idx
}

func (q *queue) indexOf(id string) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// findUpload searches newest first, so the most recent admission with a
// reused token wins.
func (q *queue) findUpload(uploadID string) int {
	for i := len(q.entries) - 1; i >= 0; i-- {
		if q.entries[i].UploadID == uploadID {
			return i
		}
	}
	return -1
}

func (q *queue) removeAt(i int) *Entry {
	e := q.entries[i]
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
	return e
}
