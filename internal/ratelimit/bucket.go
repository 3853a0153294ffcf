package ratelimit

// Bucket is the persisted state for one rate-limit key.
type Bucket struct {
	Tokens     int64
	LastRefill int64 // unix milliseconds
}

// Policy is the refill rule a Store applies inside its atomic step.
type Policy struct {
	Capacity   int64
	RefillRate int64 // tokens per second
}

// Advance credits the tokens earned between b.LastRefill and nowMs and, if debit is
// set, takes one. LastRefill only moves forward by the time actually converted into
// tokens, so callers arriving faster than one token interval still accumulate refill.
// A full bucket pins LastRefill to now so idle time never banks tokens past capacity.
func (p Policy) Advance(b Bucket, nowMs int64, debit bool) (Bucket, bool) {
	tokens := min(max(b.Tokens, 0), p.Capacity)
	last := b.LastRefill

	elapsed := nowMs - last
	if elapsed < 0 {
		// another instance with a faster clock wrote the record
		elapsed = 0
	}

	if tokens < p.Capacity && elapsed > 0 {
		fullAfter := (p.Capacity - tokens) * 1000 / p.RefillRate
		if elapsed > fullAfter {
			tokens = p.Capacity
		} else {
			refill := elapsed * p.RefillRate / 1000
			tokens += refill
			last += refill * 1000 / p.RefillRate
		}
	}
	if tokens >= p.Capacity {
		tokens = p.Capacity
		last = max(nowMs, b.LastRefill)
	}

	if debit && tokens >= 1 {
		return Bucket{Tokens: tokens - 1, LastRefill: last}, true
	}
	return Bucket{Tokens: tokens, LastRefill: last}, false
}
