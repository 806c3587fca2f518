package bus

import "time"

// Boundary event topics. This is the closed set emitted by the control plane;
// collaborators subscribe by topic prefix (e.g. "apply." for all apply events).
const (
	TopicDecisionCreated  = "decision.created"
	TopicApplyBefore      = "apply.before"
	TopicApplyAfter       = "apply.after"
	TopicApplyError       = "apply.error"
	TopicPaused           = "autopilot.paused"
	TopicResumed          = "autopilot.resumed"
	TopicAutoApplied      = "autopilot.auto_applied"
	TopicSnapshotRestored = "snapshot.restored"
	TopicTaskEnqueued     = "task.enqueued"
	TopicJobApproved      = "job.approved"
	TopicJobCompleted     = "job.completed"
)

// DecisionCreatedEvent is published when a decision is recorded.
type DecisionCreatedEvent struct {
	Hash       string
	EntityID   int64
	Score      float64
	Confidence float64
	RiskLevel  string
}

// ApplyEvent is published before and after an executor run for one decision.
type ApplyEvent struct {
	DecisionHash string
	EntityID     int64
	SnapshotID   int64
	IntentID     string
	Actions      int
}

// ApplyErrorEvent is published when an executor run fails.
type ApplyErrorEvent struct {
	DecisionHash string
	EntityID     int64
	SnapshotID   int64
	Reason       string
	Err          string
}

// PauseEvent is published when autonomous execution is paused or resumed.
type PauseEvent struct {
	Reason string
	By     string
	Since  time.Time
}

// AutoAppliedEvent is published after a successful guarded auto-apply.
type AutoAppliedEvent struct {
	DecisionHash string
	EntityID     int64
	SnapshotID   int64
	Confidence   float64
}

// SnapshotRestoredEvent signals downstream caches that an entity was
// overwritten from a snapshot.
type SnapshotRestoredEvent struct {
	SnapshotID int64
	EntityType string
	EntityID   int64
	Label      string
}

// TaskEnqueuedEvent is published when the queue accepts a new task.
type TaskEnqueuedEvent struct {
	TaskID     string
	ActionType string
	DedupKey   string
}

// JobApprovedEvent is published when a bulk job passes its approval gate.
type JobApprovedEvent struct {
	JobID      string
	ApprovedBy string
	Until      time.Time
}

// JobCompletedEvent is published when a bulk job reaches a terminal status.
type JobCompletedEvent struct {
	JobID     string
	Status    string
	Processed int64
	Succeeded int64
	Failed    int64
}
