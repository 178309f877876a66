// Package worker runs the host-side daemon: it executes the tasks claimed
// for its host and promotes queued ones when the host frees up.
package worker

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

// Promoter moves the oldest task queued behind a host back to pending, where
// the scheduler's next cycle can claim it afresh. Queued tasks never jump
// straight to running.
type Promoter struct {
	store    store.Store
	bus      *events.Bus
	logger   *log.Logger
	logLevel LogLevel
}

func NewPromoter(st store.Store, bus *events.Bus, logger *log.Logger, logLevel string) *Promoter {
	return &Promoter{
		store:    st,
		bus:      bus,
		logger:   logger,
		logLevel: parseLogLevel(logLevel),
	}
}

// PromoteNext promotes the head of the host's queue, FIFO by creation time.
// It returns false when the queue is empty or another writer touched the
// task first.
func (p *Promoter) PromoteNext(ctx context.Context, hostID string) (bool, error) {
	queued, err := p.store.ListTasks(ctx, store.TaskFilter{
		Status:         model.StatusQueued,
		AssignedHostID: hostID,
		OrderByCreated: true,
		Top:            1,
	})
	if err != nil {
		return false, fmt.Errorf("list queued tasks for host %s: %w", hostID, err)
	}
	if len(queued) == 0 {
		return false, nil
	}

	t := queued[0]
	_, err = p.store.UpdateTask(ctx, t.ID, store.Fields{
		"status":         model.StatusPending,
		"assignedHostId": "",
	}, t.VersionToken)
	if errors.Is(err, store.ErrConflict) {
		p.log(LogLevelDebug, "promote_lost task_id=%s host_id=%s", t.ID, hostID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("promote task %s: %w", t.ID, err)
	}

	// Relay is unconditioned and best effort; a deleted source is tolerated.
	if t.MirrorOfID != "" {
		_, rerr := p.store.UpdateTask(ctx, t.MirrorOfID, store.Fields{"status": model.StatusPending}, "")
		if rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
			p.log(LogLevelWarn, "source_relay_failed task_id=%s source_id=%s error=%v", t.ID, t.MirrorOfID, rerr)
		}
	}

	p.log(LogLevelInfo, "task_promoted task_id=%s host_id=%s", t.ID, hostID)
	if p.bus != nil {
		p.bus.Publish(events.EventTaskPromoted, map[string]any{
			"task_id": t.ID,
			"host_id": hostID,
		})
	}
	return true, nil
}

func (p *Promoter) log(level LogLevel, format string, args ...any) {
	if level < p.logLevel {
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
	p.logger.Printf("%s %s worker: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
