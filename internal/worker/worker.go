package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sagikat/shraga/internal/agent"
	"github.com/sagikat/shraga/internal/engine"
	"github.com/sagikat/shraga/internal/events"
	"github.com/sagikat/shraga/internal/lock"
	"github.com/sagikat/shraga/internal/model"
	"github.com/sagikat/shraga/internal/store"
)

// Daemon is the worker process for one execution host. It processes the
// running tasks claimed for its host one at a time and promotes queued tasks
// when idle.
type Daemon struct {
	dataDir string
	config  model.Config
	hostID  string

	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	st       store.Store
	bus      *events.Bus
	audit    *events.AuditLogger
	engine   *engine.Engine
	promoter *Promoter

	fileLock *lock.FileLock
	lockMap  *lock.MutexMap
	ticker   *time.Ticker

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a worker daemon logging to dataDir/logs/worker.log.
func New(dataDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dataDir, "logs", "worker.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}

	tokens := store.NewCachingTokenSource(store.StaticTokenSource{Value: cfg.Store.AuthToken}, time.Hour)
	st := store.NewClient(cfg.Store, tokens, logFile, cfg.Logging.Level)
	logger := log.New(logFile, "", 0)
	runner := agent.NewCLIRunner(cfg.Agent, logger, cfg.Logging.Level)

	return newDaemon(dataDir, cfg, st, runner, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dataDir string, cfg model.Config, st store.Store, runner engine.Runner, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	auditPath := filepath.Join(dataDir, "logs", "audit.jsonl")
	audit, err := events.NewAuditLogger(auditPath, 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	pollInterval := cfg.Worker.PollIntervalSec
	if pollInterval <= 0 {
		pollInterval = 10
	}
	heartbeatEvery := time.Duration(cfg.Worker.HeartbeatIntervalSec) * time.Second
	if heartbeatEvery <= 0 {
		heartbeatEvery = time.Minute
	}

	logger := log.New(w, "", 0)
	bus := events.NewBus(0)
	recorder := events.NewProgressRecorder(st, cfg.Worker.HostID)

	d := &Daemon{
		dataDir:  dataDir,
		config:   cfg,
		hostID:   cfg.Worker.HostID,
		logLevel: parseLogLevel(cfg.Logging.Level),
		logger:   logger,
		logFile:  closer,
		st:       st,
		bus:      bus,
		audit:    audit,
		engine:   engine.New(st, runner, recorder, bus, cfg.Agent, heartbeatEvery, logger, cfg.Logging.Level),
		promoter: NewPromoter(st, bus, logger, cfg.Logging.Level),
		fileLock: lock.NewFileLock(filepath.Join(dataDir, "locks", "worker.lock")),
		lockMap:  lock.NewMutexMap(),
		ticker:   time.NewTicker(time.Duration(pollInterval) * time.Second),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, et := range []events.EventType{
		events.EventTaskPromoted,
		events.EventTaskTerminal,
		events.EventPhaseTransition,
	} {
		bus.Subscribe(et, audit.Record(et))
	}

	return d, nil
}

// Run starts the worker and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("worker lock: %w", err)
	}
	d.log(LogLevelInfo, "worker starting pid=%d host_id=%s", os.Getpid(), d.hostID)

	if err := d.markReady(d.ctx); err != nil {
		d.log(LogLevelWarn, "host_ready_failed error=%v", err)
	}

	d.wg.Add(1)
	go d.tickerLoop()

	d.runCycle(d.ctx)
	d.log(LogLevelInfo, "worker ready")

	d.waitSignals()

	return nil
}

// markReady announces the host at startup. A previous crash may have left it
// busy with a currentTaskId that no longer runs anywhere.
func (d *Daemon) markReady(ctx context.Context) error {
	_, err := d.st.UpdateHost(ctx, d.hostID, store.Fields{
		"status":        model.HostStatusReady,
		"currentTaskId": "",
		"lastSeen":      time.Now().UTC(),
	})
	return err
}

// runCycle performs one poll: refresh presence, run the first claimed task
// if any, otherwise promote the queue head.
func (d *Daemon) runCycle(ctx context.Context) {
	if _, err := d.st.UpdateHost(ctx, d.hostID, store.Fields{"lastSeen": time.Now().UTC()}); err != nil {
		d.log(LogLevelWarn, "host_seen_failed error=%v", err)
	}

	running, err := d.st.ListTasks(ctx, store.TaskFilter{
		Status:         model.StatusRunning,
		AssignedHostID: d.hostID,
		OrderByCreated: true,
	})
	if err != nil {
		d.log(LogLevelError, "cycle_aborted error=%v", err)
		return
	}

	if len(running) == 0 {
		if _, err := d.promoter.PromoteNext(ctx, d.hostID); err != nil {
			d.log(LogLevelWarn, "promote_failed error=%v", err)
		}
		return
	}

	d.process(ctx, running[0])
}

// process runs one task to its outcome and writes it back.
func (d *Daemon) process(ctx context.Context, task model.Task) {
	d.lockMap.Lock(task.ID)
	defer d.lockMap.Unlock(task.ID)

	if _, err := d.st.UpdateHost(ctx, d.hostID, store.Fields{
		"status":        model.HostStatusBusy,
		"currentTaskId": task.ID,
	}); err != nil {
		d.log(LogLevelWarn, "host_busy_failed task_id=%s error=%v", task.ID, err)
	}

	d.log(LogLevelInfo, "task_start task_id=%s submitted_by=%s", task.ID, task.SubmittedBy)
	outcome, err := d.engine.Run(ctx, task)
	if err != nil {
		// Interrupted by shutdown. The task stays running; the stale
		// monitor or a restarted worker picks it up.
		d.log(LogLevelWarn, "task_interrupted task_id=%s error=%v", task.ID, err)
		d.releaseHost(context.WithoutCancel(ctx))
		return
	}

	d.writeOutcome(ctx, task, outcome)
	d.releaseHost(ctx)

	if _, err := d.promoter.PromoteNext(ctx, d.hostID); err != nil {
		d.log(LogLevelWarn, "promote_failed error=%v", err)
	}
}

func (d *Daemon) releaseHost(ctx context.Context) {
	if _, err := d.st.UpdateHost(ctx, d.hostID, store.Fields{
		"status":        model.HostStatusReady,
		"currentTaskId": "",
	}); err != nil {
		d.log(LogLevelWarn, "host_release_failed error=%v", err)
	}
}

// writeOutcome records the loop's result on the mirror being executed, then
// relays it to the submitter's record. The mirror write is conditioned on a
// fresh version token; on conflict it is re-read and retried once, because
// the only legitimate concurrent writers are heartbeats and a cancellation.
func (d *Daemon) writeOutcome(ctx context.Context, task model.Task, outcome engine.Outcome) {
	output := &model.Output{
		Summary:    outcome.Summary,
		Verdict:    outcome.Verdict,
		Iterations: outcome.Iterations,
	}

	status := outcome.Status
	landed := false
	fresh, err := d.st.GetTask(ctx, task.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// The execution record was deleted out from under the run. The
		// submitter's record still gets whatever we can relay.
		d.log(LogLevelWarn, "task_vanished task_id=%s", task.ID)
		landed = true
	case err != nil:
		d.log(LogLevelError, "outcome_read_failed task_id=%s error=%v", task.ID, err)
	default:
		landed = d.writeTaskOutcome(ctx, fresh, status, output)
	}

	// Relay only a status the mirror actually carries. A reclaimed mirror
	// already relayed its own verdict.
	switch {
	case !landed:
	case status == model.StatusWaitingForInput:
		d.relaySource(ctx, task, store.Fields{"status": status})
	case model.IsTerminal(status):
		d.relaySource(ctx, task, store.Fields{"status": status, "output": output})
		d.bus.Publish(events.EventTaskTerminal, map[string]any{
			"task_id": task.ID,
			"host_id": d.hostID,
			"status":  string(status),
		})
	}
	d.log(LogLevelInfo, "task_done task_id=%s status=%s iterations=%d", task.ID, status, len(outcome.Iterations))
}

// writeTaskOutcome writes the outcome onto the mirror and reports whether the
// mirror now carries status.
func (d *Daemon) writeTaskOutcome(ctx context.Context, fresh model.Task, status model.Status, output *model.Output) bool {
	for attempt := 0; attempt < 2; attempt++ {
		fields := store.Fields{}
		carries := true
		switch {
		case model.IsTerminal(fresh.Status):
			// Already finalized elsewhere (cancel or stale reclaim). The
			// output slot belongs to whoever wrote the terminal status,
			// except a cancellation, which leaves it empty for us.
			if fresh.Status != model.StatusCanceled || fresh.Output != nil {
				return fresh.Status == status
			}
			fields["output"] = output
			carries = fresh.Status == status
		case status == model.StatusWaitingForInput:
			// The parked task must be assignable again once the submitter
			// answers and it flips back to pending.
			fields["status"] = status
			fields["assignedHostId"] = ""
		default:
			fields["status"] = status
			fields["output"] = output
		}

		_, err := d.st.UpdateTask(ctx, fresh.ID, fields, fresh.VersionToken)
		if err == nil {
			return carries
		}
		if !errors.Is(err, store.ErrConflict) {
			d.log(LogLevelError, "outcome_write_failed task_id=%s error=%v", fresh.ID, err)
			return false
		}
		refreshed, rerr := d.st.GetTask(ctx, fresh.ID)
		if rerr != nil {
			d.log(LogLevelError, "outcome_reread_failed task_id=%s error=%v", fresh.ID, rerr)
			return false
		}
		fresh = refreshed
	}
	d.log(LogLevelWarn, "outcome_write_conflict task_id=%s", fresh.ID)
	return false
}

// relaySource copies status (and output, on terminal outcomes) back onto the
// submitter's record. The write is unconditioned; the source record is a
// view, not a coordination point. A deleted source is tolerated.
func (d *Daemon) relaySource(ctx context.Context, task model.Task, fields store.Fields) {
	if task.MirrorOfID == "" {
		d.log(LogLevelDebug, "source_relay_skipped task_id=%s reason=unlinked", task.ID)
		return
	}
	_, err := d.st.UpdateTask(ctx, task.MirrorOfID, fields, "")
	if errors.Is(err, store.ErrNotFound) {
		d.log(LogLevelDebug, "source_relay_skipped task_id=%s source_id=%s reason=deleted", task.ID, task.MirrorOfID)
		return
	}
	if err != nil {
		d.log(LogLevelError, "source_relay_failed task_id=%s source_id=%s error=%v", task.ID, task.MirrorOfID, err)
	}
}

// tickerLoop triggers poll cycles at the configured interval.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.runCycle(d.ctx)
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.log(LogLevelInfo, "worker stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	d.bus.Close()
	if d.audit != nil {
		d.audit.Close()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
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
	d.logger.Printf("%s %s worker: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
