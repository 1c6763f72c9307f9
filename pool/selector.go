package pool

// Selector chooses which of the candidate slots should serve a waiter
// requesting the given weight. It runs synchronously on the pool's
// executor and must never suspend or call back into the pool; it is pure
// selection logic over a stable, momentary snapshot.
//
// Returning nil (or a Candidate that does not match any slot in the
// snapshot) is treated the same as "none available": the pool falls
// through to opening a new connection or queuing the waiter.
type Selector func(weight int, candidates []Candidate) *Candidate

// DefaultSelector returns the first candidate with enough free capacity to
// serve weight, in the order the slots were supplied (slot creation
// order). This is the "first fit" policy the pool uses unless a different
// Selector is installed with Pool.ConnectionSelector.
func DefaultSelector(weight int, candidates []Candidate) *Candidate {
	for i := range candidates {
		if candidates[i].Capacity >= weight {
			return &candidates[i]
		}
	}

	return nil
}
