// Package model defines the records, status state machine, and configuration
// shared by the scheduler and worker daemons.
package model

import "time"

// Task is the unit of work. A non-mirror task is owned by its submitter and
// may be deleted by them at any time; the mirror is the permanent record
// execution runs on. Claims, heartbeats, and outcomes land on the mirror,
// and the submitter's record receives relayed status so they can follow
// along and cancel.
type Task struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	IsMirror     bool   `json:"isMirror"`
	MirrorOfID   string `json:"mirrorOfId,omitempty"`
	MirrorTaskID string `json:"mirrorTaskId,omitempty"`

	// SubmittedBy carries the submitter's identity onto the mirror, whose
	// Owner is the system identity. Empty on non-mirror tasks.
	SubmittedBy string `json:"submittedBy,omitempty"`

	Status Status `json:"status"`

	Input  TaskInput `json:"input"`
	Output *Output   `json:"output,omitempty"`

	AssignedHostID string `json:"assignedHostId,omitempty"`

	// VersionToken is the optimistic-concurrency precondition. It changes on
	// every write; success of a conditional update against it is the only
	// proof of ownership.
	VersionToken string `json:"versionToken"`

	LastHeartbeat time.Time `json:"lastHeartbeat,omitzero"`
	CreatedAt     time.Time `json:"createdAt,omitzero"`
	UpdatedAt     time.Time `json:"updatedAt,omitzero"`
}

// TaskInput is immutable after creation.
type TaskInput struct {
	Description     string   `json:"description"`
	SuccessCriteria []string `json:"successCriteria,omitempty"`
	RepoURL         string   `json:"repoUrl,omitempty"`
	Branch          string   `json:"branch,omitempty"`
}

// Output is written exactly once, at a terminal transition.
type Output struct {
	Summary    string      `json:"summary"`
	Artifacts  []string    `json:"artifacts,omitempty"`
	Verdict    *Verdict    `json:"verdict,omitempty"`
	Iterations []Iteration `json:"iterations,omitempty"`
}

// ExecutionHost represents a worker machine. OwnerUserID empty means the
// host belongs to the shared pool.
type ExecutionHost struct {
	ID            string     `json:"id"`
	OwnerUserID   string     `json:"ownerUserId,omitempty"`
	Status        HostStatus `json:"status"`
	CurrentTaskID string     `json:"currentTaskId,omitempty"`
	LastSeen      time.Time  `json:"lastSeen,omitzero"`
	VersionToken  string     `json:"versionToken"`
}

// ProgressEvent is an append-only log entry consumed by the external relay.
type ProgressEvent struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Verdict is the verification phase's judgment. The verifier must exercise
// the deliverable, not just read it; Approved without TestingDone is invalid.
type Verdict struct {
	Approved       bool     `json:"approved"`
	Feedback       string   `json:"feedback,omitempty"`
	TestingDone    string   `json:"testingDone,omitempty"`
	CriteriaMet    []string `json:"criteriaMet,omitempty"`
	CriteriaFailed []string `json:"criteriaFailed,omitempty"`
}

// ExecResult is the outcome of one execution phase.
type ExecResult struct {
	Summary     string `json:"summary,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Blocked     bool   `json:"blocked,omitempty"`
	BlockReason string `json:"blockReason,omitempty"`
	Failed      bool   `json:"failed,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Iteration records one execution/verification round for audit. The sequence
// is stored on the task output rather than recomputed, so runs can be
// replayed deterministically.
type Iteration struct {
	Index   int        `json:"index"`
	Exec    ExecResult `json:"exec"`
	Verdict *Verdict   `json:"verdict,omitempty"`
}
