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

// staleSummary is written to tasks whose worker stopped heartbeating.
const staleSummary = "no progress detected: host likely crashed or restarted"

// Monitor force-fails running mirrors whose heartbeat went silent past the
// threshold. The failing write is unconditioned on the version token and is
// relayed to the submitter's record.
type Monitor struct {
	store     store.Store
	bus       *events.Bus
	threshold time.Duration
	logger    *log.Logger
	logLevel  LogLevel
	now       func() time.Time
}

func NewMonitor(st store.Store, bus *events.Bus, threshold time.Duration, logger *log.Logger, logLevel string) *Monitor {
	return &Monitor{
		store:     st,
		bus:       bus,
		threshold: threshold,
		logger:    logger,
		logLevel:  parseLogLevel(logLevel),
		now:       time.Now,
	}
}

// Sweep fails every running mirror whose last heartbeat predates the cutoff
// and returns how many were reclaimed. Only mirrors carry heartbeats; a
// submitter record relayed to running would otherwise always look stale.
// Individual task failures are logged and skipped so one bad row cannot
// block the rest of the sweep.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.threshold)
	isMirror := true
	stale, err := m.store.ListTasks(ctx, store.TaskFilter{
		Status:          model.StatusRunning,
		IsMirror:        &isMirror,
		HeartbeatBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}

	reclaimed := 0
	for _, t := range stale {
		// Re-read before the unconditioned write: a heartbeat may have
		// landed between the list and now.
		fresh, err := m.store.GetTask(ctx, t.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			m.log(LogLevelWarn, "stale_reread_failed task_id=%s error=%v", t.ID, err)
			continue
		}
		if fresh.Status != model.StatusRunning || fresh.LastHeartbeat.After(cutoff) {
			continue
		}

		_, err = m.store.UpdateTask(ctx, t.ID, store.Fields{
			"status": model.StatusFailed,
			"output": model.Output{Summary: staleSummary},
		}, "")
		if err != nil {
			m.log(LogLevelWarn, "stale_reclaim_failed task_id=%s error=%v", t.ID, err)
			continue
		}
		if fresh.MirrorOfID != "" {
			_, rerr := m.store.UpdateTask(ctx, fresh.MirrorOfID, store.Fields{
				"status": model.StatusFailed,
				"output": model.Output{Summary: staleSummary},
			}, "")
			if rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
				m.log(LogLevelWarn, "source_relay_failed task_id=%s source_id=%s error=%v", t.ID, fresh.MirrorOfID, rerr)
			}
		}
		reclaimed++
		m.log(LogLevelInfo, "task_reclaimed task_id=%s host_id=%s last_heartbeat=%s",
			t.ID, t.AssignedHostID, t.LastHeartbeat.Format(time.RFC3339))
		m.bus.Publish(events.EventTaskReclaimed, map[string]any{
			"task_id": t.ID,
			"host_id": t.AssignedHostID,
		})
	}
	return reclaimed, nil
}

func (m *Monitor) log(level LogLevel, format string, args ...any) {
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
	m.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
