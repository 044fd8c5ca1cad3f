package radio

// skew is the number of queued tracks a submitter gets at priority 0
// before further submissions start to sink.
const skew = 3

// fairness counts live entries per submitter.
type fairness map[string]int

// admit bumps the submitter's count and returns the priority for the entry
// being admitted.
func (f fairness) admit(submitterID string) int {
	f[submitterID]++
	p := f[submitterID] - skew
	if p < 0 {
		return 0
	}
	return p
}

func (f fairness) retire(submitterID string) {
	if f[submitterID] <= 1 {
		delete(f, submitterID)
		return
	}
	f[submitterID]--
}

func (f fairness) count(submitterID string) int {
	return f[submitterID]
}
