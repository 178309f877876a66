// Package store provides typed access to the shared record store. All
// cross-instance coordination goes through UpdateTask's version-token
// precondition; the store exposes no locks or queues.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sagikat/shraga/internal/model"
)

// ErrConflict is returned when a conditional update's expected version no
// longer matches: another writer won the race. Callers treat this as routine
// contention, not a failure.
var ErrConflict = errors.New("version token mismatch")

// ErrNotFound is returned when the referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// Fields is a partial update; keys are record field names.
type Fields map[string]any

// TaskFilter selects tasks in ListTasks. Zero-valued fields are ignored.
type TaskFilter struct {
	Status          model.Status
	IsMirror        *bool
	Owner           string
	ExcludeOwner    string
	Unmirrored      bool // mirrorTaskId unset
	MirroredOnly    bool // mirrorTaskId set
	MirrorOfID      string
	AssignedHostID  string
	Unassigned      bool
	HeartbeatBefore time.Time
	OrderByCreated  bool
	Top             int
}

// HostFilter selects execution hosts in ListHosts.
type HostFilter struct {
	Status      model.HostStatus
	OwnerUserID string
	SharedOnly  bool
}

// Store is the narrow surface the daemons depend on. UpdateTask with a
// non-empty expectedVersion is the compare-and-swap primitive; an empty
// expectedVersion is an unconditioned write, reserved for heartbeats and the
// stale-task monitor.
type Store interface {
	ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	CreateTask(ctx context.Context, t model.Task) (model.Task, error)
	UpdateTask(ctx context.Context, id string, fields Fields, expectedVersion string) (model.Task, error)

	ListHosts(ctx context.Context, f HostFilter) ([]model.ExecutionHost, error)
	GetHost(ctx context.Context, id string) (model.ExecutionHost, error)
	UpdateHost(ctx context.Context, id string, fields Fields) (model.ExecutionHost, error)

	AppendProgress(ctx context.Context, ev model.ProgressEvent) (model.ProgressEvent, error)
}
