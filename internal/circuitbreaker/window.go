package circuitbreaker

// slidingWindow is a ring of the last N call outcomes with a running failure count.
type slidingWindow struct {
	failed   []bool
	next     int
	count    int
	failures int
}

func newSlidingWindow(size int) *slidingWindow {
	if size <= 0 {
		size = 1
	}
	return &slidingWindow{failed: make([]bool, size)}
}

// record appends an outcome, overwriting the oldest once the ring is full.
func (w *slidingWindow) record(success bool) {
	if w.count == len(w.failed) {
		if w.failed[w.next] {
			w.failures--
		}
	} else {
		w.count++
	}

	w.failed[w.next] = !success
	if !success {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.failed)
}

// failureRate is the failed share of recorded outcomes as a percentage.
func (w *slidingWindow) failureRate() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.failures) * 100 / float64(w.count)
}

func (w *slidingWindow) reset() {
	clear(w.failed)
	w.next = 0
	w.count = 0
	w.failures = 0
}
