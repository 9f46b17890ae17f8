package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/promptrelay/promptrelay/internal/openai"
)

// State tracks a job through its lifecycle. Transitions are one-way and
// validated; see transition.
type State string

const (
	StateCreated    State = "created"
	StateRequesting State = "requesting"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateDiscarded  State = "discarded"
)

var validTransitions = map[State][]State{
	StateCreated:    {StateRequesting, StateFinalizing},
	StateRequesting: {StateStreaming, StateFinalizing},
	StateStreaming:  {StateFinalizing},
	StateFinalizing: {StateDone},
	StateDone:       {StateDiscarded},
}

// DeliveryMode records how upstream data is reconciled into the reply.
// Incremental wins permanently once a delta has been observed.
type DeliveryMode string

const (
	ModeUnknown     DeliveryMode = "unknown"
	ModeIncremental DeliveryMode = "incremental"
	ModeSnapshot    DeliveryMode = "snapshot"
)

// Job is the unit of work for one prompt/response exchange. The upstream
// side (via Registry.AppendDelta/ApplySnapshot) is the only writer to the
// reply and cadence state; the Registry is the only writer to the
// subscriber set.
type Job struct {
	ID        string
	CreatedAt time.Time
	// OwnerSubject is the opaque caller identity that created the job.
	// Attach requires an equality match; the relay never interprets it.
	OwnerSubject string
	OwnerID      int64
	Model        string
	// Request is the constructed upstream payload, immutable once the
	// upstream call starts.
	Request openai.ResponsesRequest

	// lastActivity is refreshed on every inbound upstream byte, unix nanos.
	lastActivity atomic.Int64

	mu          sync.Mutex
	state       State
	mode        DeliveryMode
	reply       string
	subscribers map[Subscriber]struct{}
	cadence     cadenceState
	finalized   bool
	termErr     *Error
}

// NewJob allocates a registered-ready job with a fresh unguessable id.
func NewJob(ownerSubject string, ownerID int64, model string, req openai.ResponsesRequest) *Job {
	j := &Job{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now(),
		OwnerSubject: ownerSubject,
		OwnerID:      ownerID,
		Model:        model,
		Request:      req,
		state:        StateCreated,
		mode:         ModeUnknown,
		subscribers:  make(map[Subscriber]struct{}),
	}
	j.Touch()
	return j
}

// Touch refreshes the activity timestamp. Called for every upstream byte,
// so it must stay cheap and lock-free.
func (j *Job) Touch() {
	j.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent upstream byte.
func (j *Job) LastActivity() time.Time {
	return time.Unix(0, j.lastActivity.Load())
}

// Transition advances the job state, rejecting moves the lifecycle state
// machine does not allow.
func (j *Job) Transition(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(to)
}

func (j *Job) transitionLocked(to State) error {
	for _, allowed := range validTransitions[j.state] {
		if allowed == to {
			j.state = to
			return nil
		}
	}
	return fmt.Errorf("relay: invalid job transition %s -> %s", j.state, to)
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done reports whether the job has reached a terminal state.
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finalized
}

// Reply returns the accumulated response text so far.
func (j *Job) Reply() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reply
}

// Mode returns the reconciliation mode observed so far.
func (j *Job) Mode() DeliveryMode {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.mode
}

// SubscriberCount returns the number of currently attached connections.
func (j *Job) SubscriberCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.subscribers)
}
