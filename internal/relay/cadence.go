package relay

import (
	"regexp"
	"time"
)

// CadenceConfig tunes the token release policy. Upstream delivery swings
// between rapid bursts of tiny fragments and sparse large ones; the buffer
// batches bursts to keep framing overhead bounded and forwards sparse
// fragments near-instantly to keep the stream feeling live.
type CadenceConfig struct {
	// FlushMin is the baseline delay between flushes (~30fps).
	FlushMin time.Duration
	// FlushDense is the longer delay used while the stream is bursty.
	FlushDense time.Duration
	// SparseImmediate: once this long has passed since the last upstream
	// fragment, pending text flushes with no delay at all.
	SparseImmediate time.Duration
	// MaxBufferChars forces a flush regardless of timing.
	MaxBufferChars int
}

// DefaultCadence mirrors the production tuning: 33ms baseline, 70ms under
// bursts, 140ms sparse cutoff, 900-char ceiling.
func DefaultCadence() CadenceConfig {
	return CadenceConfig{
		FlushMin:        33 * time.Millisecond,
		FlushDense:      70 * time.Millisecond,
		SparseImmediate: 140 * time.Millisecond,
		MaxBufferChars:  900,
	}
}

func (c CadenceConfig) withDefaults() CadenceConfig {
	d := DefaultCadence()
	if c.FlushMin <= 0 {
		c.FlushMin = d.FlushMin
	}
	if c.FlushDense <= 0 {
		c.FlushDense = d.FlushDense
	}
	if c.SparseImmediate <= 0 {
		c.SparseImmediate = d.SparseImmediate
	}
	if c.MaxBufferChars <= 0 {
		c.MaxBufferChars = d.MaxBufferChars
	}
	return c
}

const (
	// Inter-arrival gaps below this count as a burst.
	denseArrivalGap = 18 * time.Millisecond
	// Density score bounds and the threshold for the burst regime.
	densityCeiling = 12
	densityDense   = 6
)

// Flushing early at sentence or line boundaries gives the stream a
// natural reading rhythm.
var punctFlushRe = regexp.MustCompile(`[.!?。！？…\n:;，,)]\s?$`)

// cadenceState is the per-job buffer state, owned by the job mutex.
type cadenceState struct {
	pending     string
	lastArrival time.Time
	lastFlush   time.Time
	density     int
	timer       *time.Timer
}

// observeArrival updates the density score for a new fragment.
// mu held.
func (st *cadenceState) observeArrival(now time.Time) {
	if st.lastArrival.IsZero() {
		st.lastArrival = now
	}
	if now.Sub(st.lastArrival) < denseArrivalGap {
		if st.density < densityCeiling {
			st.density++
		}
	} else if st.density > 0 {
		st.density--
	}
	st.lastArrival = now
}

// targetDelay picks the flush delay tier: zero once the stream has gone
// sparse, the dense delay during bursts, the baseline otherwise.
// mu held.
func (st *cadenceState) targetDelay(now time.Time, cfg CadenceConfig) time.Duration {
	if now.Sub(st.lastArrival) >= cfg.SparseImmediate {
		return 0
	}
	if st.density >= densityDense {
		return cfg.FlushDense
	}
	return cfg.FlushMin
}

// wantsImmediateFlush reports whether the pending text itself demands a
// flush: over the size ceiling or ending at a reading boundary.
// mu held.
func (st *cadenceState) wantsImmediateFlush(cfg CadenceConfig) bool {
	if st.pending == "" {
		return false
	}
	if len(st.pending) >= cfg.MaxBufferChars {
		return true
	}
	return punctFlushRe.MatchString(st.pending)
}

// stopTimer disarms a pending one-shot flush timer. mu held.
func (st *cadenceState) stopTimer() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}
