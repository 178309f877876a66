// Package mirror maintains the owner-controlled copy of every externally
// submitted task. The mirror is the record execution runs on: the scheduler
// claims it, the worker heartbeats and writes outcomes to it, and the
// submitter's own record only ever receives relayed status. A submitter
// deleting their record cannot touch a run in flight.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sagikat/shraga/internal/events"
	"github.com/sagikat/shraga/internal/model"
	"github.com/sagikat/shraga/internal/store"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Manager discovers unmirrored submitter tasks and creates their mirrors.
type Manager struct {
	store        store.Store
	bus          *events.Bus
	systemOwner  string
	linkAttempts int
	linkDelay    time.Duration
	logger       *log.Logger
	logLevel     LogLevel
}

func NewManager(st store.Store, bus *events.Bus, cfg model.SchedulerConfig, logger *log.Logger, logLevel string) *Manager {
	return &Manager{
		store:        st,
		bus:          bus,
		systemOwner:  cfg.SystemOwner,
		linkAttempts: cfg.LinkRetryAttempts,
		linkDelay:    time.Duration(cfg.LinkRetryDelayMs) * time.Millisecond,
		logger:       logger,
		logLevel:     parseLogLevel(logLevel),
	}
}

// DiscoverUnmirrored lists pending submitter tasks that have no mirror yet.
// Tasks owned by the system identity are excluded so mirrors are never
// mirrored again.
func (m *Manager) DiscoverUnmirrored(ctx context.Context) ([]model.Task, error) {
	isMirror := false
	tasks, err := m.store.ListTasks(ctx, store.TaskFilter{
		Status:       model.StatusPending,
		IsMirror:     &isMirror,
		Unmirrored:   true,
		ExcludeOwner: m.systemOwner,
	})
	if err != nil {
		return nil, fmt.Errorf("list unmirrored tasks: %w", err)
	}
	return tasks, nil
}

// EnsureMirror creates the mirror for a submitter task and links the two
// records. It is idempotent: an existing mirror for the same source task is
// reused, never duplicated, even when an earlier link-back failed.
func (m *Manager) EnsureMirror(ctx context.Context, userTask model.Task) (model.Task, error) {
	mirror, created, err := m.findOrCreate(ctx, userTask)
	if err != nil {
		return model.Task{}, err
	}
	if created {
		m.log(LogLevelInfo, "mirror_create source_id=%s mirror_id=%s owner=%s",
			userTask.ID, mirror.ID, userTask.Owner)
		if m.bus != nil {
			m.bus.Publish(events.EventTaskMirrored, map[string]any{
				"task_id":   mirror.ID,
				"source_id": userTask.ID,
				"owner":     userTask.Owner,
			})
		}
	}

	if userTask.MirrorTaskID == mirror.ID {
		return mirror, nil
	}
	if err := m.linkBack(ctx, userTask, mirror.ID); err != nil {
		return model.Task{}, err
	}
	return mirror, nil
}

func (m *Manager) findOrCreate(ctx context.Context, userTask model.Task) (model.Task, bool, error) {
	// Re-query first: a crash after creation but before link-back must not
	// produce a second mirror.
	isMirror := true
	existing, err := m.store.ListTasks(ctx, store.TaskFilter{
		IsMirror:   &isMirror,
		MirrorOfID: userTask.ID,
	})
	if err != nil {
		return model.Task{}, false, fmt.Errorf("query existing mirror of %s: %w", userTask.ID, err)
	}
	if len(existing) > 0 {
		return existing[0], false, nil
	}

	mirror, err := m.store.CreateTask(ctx, model.Task{
		Owner:       m.systemOwner,
		IsMirror:    true,
		MirrorOfID:  userTask.ID,
		SubmittedBy: userTask.Owner,
		Status:      model.StatusPending,
		Input:       userTask.Input,
	})
	if err != nil {
		return model.Task{}, false, fmt.Errorf("create mirror of %s: %w", userTask.ID, err)
	}
	return mirror, true, nil
}

// linkBack writes mirrorTaskId on the submitter task, retrying a few times.
// A submitter task deleted mid-link is tolerated; the mirror stands on its
// own.
func (m *Manager) linkBack(ctx context.Context, userTask model.Task, mirrorID string) error {
	expected := userTask.VersionToken
	var lastErr error
	for attempt := 1; attempt <= m.linkAttempts; attempt++ {
		_, err := m.store.UpdateTask(ctx, userTask.ID, store.Fields{"mirrorTaskId": mirrorID}, expected)
		if err == nil {
			m.log(LogLevelDebug, "mirror_link source_id=%s mirror_id=%s attempt=%d",
				userTask.ID, mirrorID, attempt)
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			m.log(LogLevelWarn, "mirror_link_skipped source_id=%s mirror_id=%s reason=source_deleted",
				userTask.ID, mirrorID)
			return nil
		}
		if errors.Is(err, store.ErrConflict) {
			// Someone else wrote the submitter task; refresh the token and
			// try again with the new version.
			fresh, gerr := m.store.GetTask(ctx, userTask.ID)
			if gerr == nil {
				if fresh.MirrorTaskID == mirrorID {
					return nil
				}
				expected = fresh.VersionToken
			}
		}
		lastErr = err
		m.log(LogLevelWarn, "mirror_link_retry source_id=%s attempt=%d/%d error=%v",
			userTask.ID, attempt, m.linkAttempts, err)
		if attempt < m.linkAttempts {
			if serr := sleepCtx(ctx, m.linkDelay); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("link mirror %s to %s after %d attempts: %w",
		mirrorID, userTask.ID, m.linkAttempts, lastErr)
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) log(level LogLevel, format string, args ...any) {
	if level < m.logLevel {
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
	m.logger.Printf("%s %s mirror: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
