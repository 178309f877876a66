// Package scheduler runs the discovery side of the system: mirroring,
// host assignment, claiming, stale-task reclaim, and the poll daemon that
// drives them.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sagikat/shraga/internal/model"
	"github.com/sagikat/shraga/internal/provision"
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

// provisionCooldown suppresses repeat provisioning requests for an owner.
const provisionCooldown = time.Hour

// Scheduler decides which execution host serves a task. It holds the
// round-robin cursor over the shared pool; the host list itself is re-read
// every call, so pool changes take effect without restart.
type Scheduler struct {
	store       store.Store
	provisioner provision.Requester
	cfg         model.SchedulerConfig
	cursor      int
	requested   map[string]time.Time
	logger      *log.Logger
	logLevel    LogLevel
	now         func() time.Time
}

func NewScheduler(st store.Store, prov provision.Requester, cfg model.SchedulerConfig, logger *log.Logger, logLevel string) *Scheduler {
	return &Scheduler{
		store:       st,
		provisioner: prov,
		cfg:         cfg,
		requested:   make(map[string]time.Time),
		logger:      logger,
		logLevel:    parseLogLevel(logLevel),
		now:         time.Now,
	}
}

// Cursor returns the current round-robin position, for state snapshots.
func (s *Scheduler) Cursor() int { return s.cursor }

// SetCursor restores a snapshotted position.
func (s *Scheduler) SetCursor(c int) {
	if c < 0 {
		c = 0
	}
	s.cursor = c
}

// submitter resolves the identity a mirror task runs on behalf of. Mirrors
// are owned by the system identity; the submitter travels in SubmittedBy.
func submitter(t model.Task) string {
	if t.SubmittedBy != "" {
		return t.SubmittedBy
	}
	return t.Owner
}

// nextHost picks the host at the cursor and returns the advanced cursor.
// Pure: the cursor is only mutated by the caller applying the result.
func nextHost(cursor int, hosts []model.ExecutionHost) (model.ExecutionHost, int, bool) {
	if len(hosts) == 0 {
		return model.ExecutionHost{}, cursor, false
	}
	idx := cursor % len(hosts)
	return hosts[idx], (idx + 1) % len(hosts), true
}

// Assign selects the execution host for a task: the submitter's ready
// dedicated host when one exists, else the next shared-pool host by
// round-robin. ok is false when the shared pool is empty; the task then
// remains pending and the cycle moves on.
func (s *Scheduler) Assign(ctx context.Context, task model.Task) (model.ExecutionHost, bool, error) {
	owner := submitter(task)
	dedicated, err := s.store.ListHosts(ctx, store.HostFilter{OwnerUserID: owner})
	if err != nil {
		return model.ExecutionHost{}, false, fmt.Errorf("list dedicated hosts for %s: %w", owner, err)
	}
	for _, h := range dedicated {
		if h.Status == model.HostStatusReady {
			s.log(LogLevelDebug, "assign_dedicated task_id=%s host_id=%s owner=%s", task.ID, h.ID, owner)
			return h, true, nil
		}
	}

	shared, err := s.store.ListHosts(ctx, store.HostFilter{SharedOnly: true})
	if err != nil {
		return model.ExecutionHost{}, false, fmt.Errorf("list shared hosts: %w", err)
	}
	pool := shared[:0:0]
	for _, h := range shared {
		// Busy hosts stay in rotation: the claim path queues to them.
		if h.Status == model.HostStatusReady || h.Status == model.HostStatusBusy {
			pool = append(pool, h)
		}
	}
	host, next, ok := nextHost(s.cursor, pool)
	if !ok {
		s.log(LogLevelDebug, "assign_pool_empty task_id=%s", task.ID)
		return model.ExecutionHost{}, false, nil
	}
	s.cursor = next
	s.log(LogLevelDebug, "assign_shared task_id=%s host_id=%s cursor=%d", task.ID, host.ID, next)
	return host, true, nil
}

// CheckProvision fires provisioning requests for submitters whose pending
// volume crossed the threshold and who have no dedicated host. Requests are
// fire-and-forget; completion shows up later as a new ExecutionHost record.
func (s *Scheduler) CheckProvision(ctx context.Context, pending []model.Task) {
	counts := make(map[string]int)
	for _, t := range pending {
		counts[submitter(t)]++
	}
	for owner, n := range counts {
		if n < s.cfg.ProvisionThreshold {
			continue
		}
		if at, ok := s.requested[owner]; ok && s.now().Sub(at) < provisionCooldown {
			continue
		}
		owned, err := s.store.ListHosts(ctx, store.HostFilter{OwnerUserID: owner})
		if err != nil {
			s.log(LogLevelWarn, "provision_check_failed owner=%s error=%v", owner, err)
			continue
		}
		if len(owned) > 0 {
			// A dedicated host exists or is already provisioning.
			continue
		}
		hostID, err := s.provisioner.RequestProvision(ctx, owner)
		if err != nil {
			s.log(LogLevelWarn, "provision_request_failed owner=%s pending=%d error=%v", owner, n, err)
			continue
		}
		s.requested[owner] = s.now()
		s.log(LogLevelInfo, "provision_requested owner=%s pending=%d host_id=%s", owner, n, hostID)
	}
}

func (s *Scheduler) log(level LogLevel, format string, args ...any) {
	if level < s.logLevel {
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
	s.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
