package relay

import (
	"log"
	"sync"
	"time"

	"github.com/promptrelay/promptrelay/internal/metrics"
)

// DefaultGrace is how long a finished job stays readable for late or
// racing subscribers before it is discarded.
const DefaultGrace = 2 * time.Minute

// Registry owns all live jobs. Every mutation of job state funnels
// through its methods: the upstream side writes text and cadence state,
// attach/detach writes the subscriber set, and nothing else touches
// either.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	cadence CadenceConfig
	grace   time.Duration
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewRegistry builds a registry with the supplied cadence tuning.
// logger and collector may be nil.
func NewRegistry(cadence CadenceConfig, logger *log.Logger, collector *metrics.Collector) *Registry {
	return &Registry{
		jobs:    make(map[string]*Job),
		cadence: cadence.withDefaults(),
		grace:   DefaultGrace,
		logger:  logger,
		metrics: collector,
	}
}

// SetGrace overrides the retention window applied after finalize.
func (r *Registry) SetGrace(grace time.Duration) {
	if grace > 0 {
		r.grace = grace
	}
}

// Register adds a job to the registry.
func (r *Registry) Register(job *Job) {
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.JobRegistered(job.Model)
	}
}

// Lookup returns the job for id, or nil if unknown or already discarded.
func (r *Registry) Lookup(id string) *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[id]
}

// Attach adds a subscriber to a job's fan-out set. Attaching to an
// unknown or discarded job returns NotFound. Attaching to a finished job
// replays the terminal event with the complete reply and closes the
// subscriber; "join late, get the whole answer" is defined behavior, not
// a race.
func (r *Registry) Attach(id string, sub Subscriber) error {
	job := r.Lookup(id)
	if job == nil {
		return NewError(CodeNotFound, "job %s not found", id)
	}

	job.mu.Lock()
	if job.finalized {
		reply := job.reply
		termErr := job.termErr
		job.mu.Unlock()
		if termErr != nil {
			_ = sub.Send(EventError, ErrorPayload{Error: termErr.Message, Code: termErr.Code})
		} else {
			_ = sub.Send(EventDone, DonePayload{Done: true, Reply: reply})
		}
		sub.Close()
		return nil
	}
	job.subscribers[sub] = struct{}{}
	n := len(job.subscribers)
	job.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SubscriberAttached()
	}
	r.logf("stream attach sid=%s subs=%d", id, n)
	return nil
}

// Detach removes a subscriber from a job. Detaching the last subscriber
// does not cancel the upstream fetch; the job runs to completion so a
// reconnecting subscriber can still receive the full answer.
func (r *Registry) Detach(id string, sub Subscriber) {
	job := r.Lookup(id)
	if job == nil {
		return
	}
	job.mu.Lock()
	_, present := job.subscribers[sub]
	delete(job.subscribers, sub)
	n := len(job.subscribers)
	job.mu.Unlock()
	if present && r.metrics != nil {
		r.metrics.SubscriberDetached()
	}
	r.logf("stream detach sid=%s subs=%d", id, n)
}

// Broadcast writes one framed event to every subscriber of a job. A send
// failure removes only the failing subscriber and has no effect on the
// others or on the job.
func (r *Registry) Broadcast(id string, event EventType, payload any) {
	job := r.Lookup(id)
	if job == nil {
		return
	}
	job.mu.Lock()
	r.broadcastLocked(job, event, payload)
	job.mu.Unlock()
}

// broadcastLocked fans one event out to the subscriber set. job.mu held.
func (r *Registry) broadcastLocked(job *Job, event EventType, payload any) {
	var failed []Subscriber
	for sub := range job.subscribers {
		if err := sub.Send(event, payload); err != nil {
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		delete(job.subscribers, sub)
		sub.Close()
		if r.metrics != nil {
			r.metrics.SubscriberDetached()
		}
		r.logf("subscriber dropped sid=%s event=%s", job.ID, event)
	}
}

// AppendDelta ingests an incremental text fragment from the upstream
// parser. The first delta fixes the delivery mode to incremental;
// snapshots are ignored from then on.
func (r *Registry) AppendDelta(id, delta string) {
	job := r.Lookup(id)
	if job == nil || delta == "" {
		return
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.finalized {
		return
	}
	job.mode = ModeIncremental
	job.reply += delta
	r.enqueueLocked(job, delta)
}

// ApplySnapshot reconciles a full-so-far text snapshot. Honored only
// while no incremental delta has been observed: adopted verbatim when the
// job has no text yet, emitted as a suffix delta when it strictly extends
// the current text, and ignored (counted) otherwise so an out-of-order or
// duplicate snapshot cannot corrupt state.
func (r *Registry) ApplySnapshot(id, snapshot string) {
	job := r.Lookup(id)
	if job == nil || snapshot == "" {
		return
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.finalized || job.mode == ModeIncremental {
		if job.mode == ModeIncremental && r.metrics != nil {
			r.metrics.SnapshotIgnored()
		}
		return
	}
	switch {
	case job.reply == "":
		job.mode = ModeSnapshot
		job.reply = snapshot
		r.enqueueLocked(job, snapshot)
	case len(snapshot) > len(job.reply) && snapshot[:len(job.reply)] == job.reply:
		add := snapshot[len(job.reply):]
		job.mode = ModeSnapshot
		job.reply = snapshot
		r.enqueueLocked(job, add)
	default:
		if r.metrics != nil {
			r.metrics.SnapshotIgnored()
		}
	}
}

// enqueueLocked appends a fragment to the cadence buffer and applies the
// flush policy. job.mu held.
func (r *Registry) enqueueLocked(job *Job, delta string) {
	st := &job.cadence
	now := time.Now()
	st.observeArrival(now)
	st.pending += delta

	if st.wantsImmediateFlush(r.cadence) {
		r.flushLocked(job, false)
		return
	}
	r.scheduleFlushLocked(job)
}

// flushLocked releases the pending buffer as one token event unless the
// delay policy says to wait longer. A forced flush bypasses the policy
// but performs the same clear-and-broadcast. job.mu held.
func (r *Registry) flushLocked(job *Job, force bool) {
	st := &job.cadence
	if st.pending == "" {
		return
	}
	now := time.Now()
	target := st.targetDelay(now, r.cadence)
	if !force && target > 0 && now.Sub(st.lastFlush) < target && !st.wantsImmediateFlush(r.cadence) {
		r.scheduleFlushLocked(job)
		return
	}

	st.lastFlush = now
	chunk := st.pending
	st.pending = ""
	r.broadcastLocked(job, EventToken, TokenPayload{T: chunk})
	if r.metrics != nil {
		r.metrics.TokenEventEmitted(len(chunk))
	}
}

// scheduleFlushLocked arms the one-shot flush timer if it is not armed
// already. job.mu held.
func (r *Registry) scheduleFlushLocked(job *Job) {
	st := &job.cadence
	if st.timer != nil {
		return
	}
	now := time.Now()
	target := st.targetDelay(now, r.cadence)
	wait := time.Duration(0)
	if target > 0 {
		if remaining := target - now.Sub(st.lastFlush); remaining > 0 {
			wait = remaining
		}
	}
	st.timer = time.AfterFunc(wait, func() {
		job.mu.Lock()
		defer job.mu.Unlock()
		st.timer = nil
		if job.finalized {
			return
		}
		r.flushLocked(job, false)
	})
}

// Finalize drives a job to its terminal state: one mandatory flush of any
// pending text, a single terminal broadcast (done on success, error
// otherwise), then every attached connection is closed. It is idempotent;
// only the first call has any effect.
func (r *Registry) Finalize(id string, relayErr *Error) {
	job := r.Lookup(id)
	if job == nil {
		return
	}

	job.mu.Lock()
	if job.finalized {
		job.mu.Unlock()
		return
	}
	job.finalized = true
	job.termErr = relayErr
	if job.state != StateFinalizing {
		_ = job.transitionLocked(StateFinalizing)
	}

	job.cadence.stopTimer()
	// Mandatory final flush so the tail of the reply is never lost.
	st := &job.cadence
	if st.pending != "" {
		chunk := st.pending
		st.pending = ""
		st.lastFlush = time.Now()
		r.broadcastLocked(job, EventToken, TokenPayload{T: chunk})
		if r.metrics != nil {
			r.metrics.TokenEventEmitted(len(chunk))
		}
	}

	if relayErr != nil {
		r.broadcastLocked(job, EventError, ErrorPayload{Error: relayErr.Message, Code: relayErr.Code})
	} else {
		r.broadcastLocked(job, EventDone, DonePayload{Done: true, Reply: job.reply})
	}

	for sub := range job.subscribers {
		sub.Close()
		if r.metrics != nil {
			r.metrics.SubscriberDetached()
		}
	}
	job.subscribers = make(map[Subscriber]struct{})
	_ = job.transitionLocked(StateDone)
	job.mu.Unlock()

	if r.metrics != nil {
		outcome := "done"
		if relayErr != nil {
			outcome = string(relayErr.Code)
		}
		r.metrics.JobFinalized(outcome)
	}
	r.DiscardAfter(id, r.grace)
}

// DiscardAfter schedules removal of the job once the grace window for
// late subscribers has passed.
func (r *Registry) DiscardAfter(id string, grace time.Duration) {
	time.AfterFunc(grace, func() {
		r.mu.Lock()
		job := r.jobs[id]
		delete(r.jobs, id)
		r.mu.Unlock()
		if job != nil {
			_ = job.Transition(StateDiscarded)
			r.logf("job discarded sid=%s", id)
		}
	})
}

// ActiveJobs returns the number of registered (not yet discarded) jobs.
func (r *Registry) ActiveJobs() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
