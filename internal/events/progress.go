package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sagikat/shraga/internal/model"
	"github.com/sagikat/shraga/internal/store"
)

// ProgressRecorder appends ProgressEvents to the record store for the
// external relay. Only append order per task is guaranteed; delivery is the
// relay's problem. Append failures are returned so callers can log them, but
// they must never abort execution.
type ProgressRecorder struct {
	store  store.Store
	hostID string
}

func NewProgressRecorder(st store.Store, hostID string) *ProgressRecorder {
	return &ProgressRecorder{store: st, hostID: hostID}
}

// Append writes one event for the task.
func (r *ProgressRecorder) Append(ctx context.Context, taskID, kind, message string, iteration int) error {
	_, err := r.store.AppendProgress(ctx, model.ProgressEvent{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Kind:      kind,
		Message:   message,
		Iteration: iteration,
		CreatedAt: time.Now().UTC(),
	})
	return err
}
