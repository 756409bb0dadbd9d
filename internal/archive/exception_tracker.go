package archive

import "time"

// Verification exception defaults.
const (
	defaultExceptionThreshold = 3
	defaultRetryDelay         = 10 * time.Second
)

// exceptionTracker counts consecutive polling exceptions per verification
// record. Success or escalation clears the record. Not safe for concurrent
// use; a verification pass is single-threaded.
type exceptionTracker struct {
	threshold int
	counts    map[int64]int
}

func newExceptionTracker(threshold int) *exceptionTracker {
	if threshold <= 0 {
		threshold = defaultExceptionThreshold
	}

	return &exceptionTracker{
		threshold: threshold,
		counts:    make(map[int64]int),
	}
}

// recordException increments the counter for entryID and reports whether the
// threshold has been reached.
func (t *exceptionTracker) recordException(entryID int64) (int, bool) {
	t.counts[entryID]++
	n := t.counts[entryID]

	return n, n >= t.threshold
}

// clear forgets the record's exceptions.
func (t *exceptionTracker) clear(entryID int64) {
	delete(t.counts, entryID)
}
