package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sagikat/shraga/internal/events"
	"github.com/sagikat/shraga/internal/model"
	"github.com/sagikat/shraga/internal/store"
)

// ClaimOutcome reports how a claim attempt resolved.
type ClaimOutcome int

const (
	// ClaimLost means another scheduler instance won the task, or it was no
	// longer pending. Not an error.
	ClaimLost ClaimOutcome = iota
	// ClaimWon means the task is now running and assigned to the host.
	ClaimWon
	// ClaimQueued means the host was busy and the task was parked behind it.
	ClaimQueued
)

// Claimer performs the conditional write that establishes ownership of a
// task. A write rejected on the version token means somebody else got there
// first; the claimer reports ClaimLost and the caller skips the task.
type Claimer struct {
	store    store.Store
	bus      *events.Bus
	logger   *log.Logger
	logLevel LogLevel
	now      func() time.Time
}

func NewClaimer(st store.Store, bus *events.Bus, logger *log.Logger, logLevel string) *Claimer {
	return &Claimer{
		store:    st,
		bus:      bus,
		logger:   logger,
		logLevel: parseLogLevel(logLevel),
		now:      time.Now,
	}
}

// Claim writes the assignment conditioned on the version token read at
// discovery time. Busy hosts get the task queued instead of running; the
// worker on that host promotes it once its current task finishes. Claims land
// on the mirror; the submitter's record receives the same status as a relay.
func (c *Claimer) Claim(ctx context.Context, task model.Task, host model.ExecutionHost) (ClaimOutcome, error) {
	if task.Status != model.StatusPending {
		return ClaimLost, nil
	}

	if host.Status == model.HostStatusBusy || host.CurrentTaskID != "" {
		_, err := c.store.UpdateTask(ctx, task.ID, store.Fields{
			"status":         model.StatusQueued,
			"assignedHostId": host.ID,
		}, task.VersionToken)
		if errors.Is(err, store.ErrConflict) {
			c.log(LogLevelDebug, "claim_lost task_id=%s host_id=%s", task.ID, host.ID)
			return ClaimLost, nil
		}
		if err != nil {
			return ClaimLost, fmt.Errorf("queue task %s: %w", task.ID, err)
		}
		c.relaySource(ctx, task, model.StatusQueued)
		c.log(LogLevelInfo, "task_queued task_id=%s host_id=%s owner=%s", task.ID, host.ID, submitter(task))
		c.bus.Publish(events.EventTaskQueued, map[string]any{
			"task_id": task.ID,
			"host_id": host.ID,
			"owner":   submitter(task),
		})
		return ClaimQueued, nil
	}

	_, err := c.store.UpdateTask(ctx, task.ID, store.Fields{
		"status":         model.StatusRunning,
		"assignedHostId": host.ID,
		"lastHeartbeat":  c.now().UTC(),
	}, task.VersionToken)
	if errors.Is(err, store.ErrConflict) {
		c.log(LogLevelDebug, "claim_lost task_id=%s host_id=%s", task.ID, host.ID)
		return ClaimLost, nil
	}
	if err != nil {
		return ClaimLost, fmt.Errorf("claim task %s: %w", task.ID, err)
	}
	c.relaySource(ctx, task, model.StatusRunning)
	c.log(LogLevelInfo, "task_claimed task_id=%s host_id=%s owner=%s", task.ID, host.ID, submitter(task))
	c.bus.Publish(events.EventTaskClaimed, map[string]any{
		"task_id": task.ID,
		"host_id": host.ID,
		"owner":   submitter(task),
	})
	return ClaimWon, nil
}

// relaySource copies the claimed status onto the submitter's record. The
// write is unconditioned and only the status travels; assignment stays on
// the mirror. A deleted source is tolerated.
func (c *Claimer) relaySource(ctx context.Context, task model.Task, status model.Status) {
	if task.MirrorOfID == "" {
		return
	}
	_, err := c.store.UpdateTask(ctx, task.MirrorOfID, store.Fields{"status": status}, "")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log(LogLevelWarn, "source_relay_failed task_id=%s source_id=%s error=%v", task.ID, task.MirrorOfID, err)
	}
}

func (c *Claimer) log(level LogLevel, format string, args ...any) {
	if level < c.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
