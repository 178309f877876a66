package scheduler

import (
	"context"
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

	"github.com/fsnotify/fsnotify"

	"github.com/sagikat/shraga/internal/events"
	"github.com/sagikat/shraga/internal/lock"
	"github.com/sagikat/shraga/internal/mirror"
	"github.com/sagikat/shraga/internal/model"
	"github.com/sagikat/shraga/internal/provision"
	"github.com/sagikat/shraga/internal/store"
	yamlutil "github.com/sagikat/shraga/internal/yaml"
)

// Daemon is the scheduler process. Each tick it discovers new submitter
// tasks, mirrors them, reclaims stale runners, and assigns pending work to
// execution hosts. Multiple instances may run against the same store; the
// version-token claim keeps them from double-assigning.
type Daemon struct {
	dataDir    string
	configPath string

	cfgMu    sync.RWMutex
	config   model.Config
	reloaded bool
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	st    store.Store
	bus   *events.Bus
	audit *events.AuditLogger

	mirrors *mirror.Manager
	sched   *Scheduler
	claimer *Claimer
	monitor *Monitor

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	statePath string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a scheduler daemon logging to dataDir/logs/scheduler.log.
func New(dataDir, configPath string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dataDir, "logs", "scheduler.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open scheduler log: %w", err)
	}

	tokens := store.NewCachingTokenSource(store.StaticTokenSource{Value: cfg.Store.AuthToken}, time.Hour)
	st := store.NewClient(cfg.Store, tokens, logFile, cfg.Logging.Level)

	var prov provision.Requester = provision.NopRequester{}
	if cfg.Provision.BaseURL != "" {
		prov = provision.NewHTTPRequester(cfg.Provision.BaseURL)
	}

	return newDaemon(dataDir, configPath, cfg, st, prov, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dataDir, configPath string, cfg model.Config, st store.Store, prov provision.Requester, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	auditPath := filepath.Join(dataDir, "logs", "audit.jsonl")
	if err := os.MkdirAll(filepath.Dir(auditPath), 0755); err != nil {
		cancel()
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	audit, err := events.NewAuditLogger(auditPath, 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	pollInterval := cfg.Scheduler.PollIntervalSec
	if pollInterval <= 0 {
		pollInterval = 10
	}

	logger := log.New(w, "", 0)
	logLevel := parseLogLevel(cfg.Logging.Level)
	bus := events.NewBus(0)

	d := &Daemon{
		dataDir:    dataDir,
		configPath: configPath,
		config:     cfg,
		logLevel:   logLevel,
		logger:     logger,
		logFile:    closer,
		st:         st,
		bus:        bus,
		audit:      audit,
		mirrors:    mirror.NewManager(st, bus, cfg.Scheduler, logger, cfg.Logging.Level),
		sched:      NewScheduler(st, prov, cfg.Scheduler, logger, cfg.Logging.Level),
		claimer:    NewClaimer(st, bus, logger, cfg.Logging.Level),
		monitor:    NewMonitor(st, bus, time.Duration(cfg.Scheduler.StaleThresholdMin)*time.Minute, logger, cfg.Logging.Level),
		fileLock:   lock.NewFileLock(filepath.Join(dataDir, "locks", "scheduler.lock")),
		ticker:     time.NewTicker(time.Duration(pollInterval) * time.Second),
		statePath:  cfg.Scheduler.StatePath,
		ctx:        ctx,
		cancel:     cancel,
	}
	if d.statePath == "" {
		d.statePath = filepath.Join(dataDir, "scheduler_state.yaml")
	}

	for _, et := range []events.EventType{
		events.EventTaskMirrored,
		events.EventTaskClaimed,
		events.EventTaskQueued,
		events.EventTaskReclaimed,
	} {
		bus.Subscribe(et, audit.Record(et))
	}

	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("scheduler lock: %w", err)
	}
	d.log(LogLevelInfo, "scheduler starting pid=%d", os.Getpid())

	state, err := LoadState(d.statePath)
	if err != nil {
		d.log(LogLevelWarn, "state_load_failed path=%s error=%v", d.statePath, err)
	}
	d.sched.SetCursor(state.Cursor)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(filepath.Dir(d.configPath)); err != nil {
		watcher.Close()
		d.watcher = nil
		d.cleanup()
		return fmt.Errorf("watch config dir: %w", err)
	}

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	d.runCycle(d.ctx)
	d.log(LogLevelInfo, "scheduler ready")

	d.waitSignals()

	return nil
}

// runCycle performs one full poll: discovery and mirroring, stale reclaim,
// then assignment and claiming. Errors within a phase are logged and the
// cycle continues; a store listing failure aborts the cycle.
func (d *Daemon) runCycle(ctx context.Context) {
	d.applyReload()
	d.cfgMu.RLock()
	systemOwner := d.config.Scheduler.SystemOwner
	d.cfgMu.RUnlock()

	tasks, err := d.mirrors.DiscoverUnmirrored(ctx)
	if err != nil {
		d.log(LogLevelError, "cycle_aborted phase=discovery error=%v", err)
		return
	}
	for _, t := range tasks {
		if _, err := d.mirrors.EnsureMirror(ctx, t); err != nil {
			d.log(LogLevelWarn, "mirror_failed task_id=%s error=%v", t.ID, err)
		}
	}

	if reclaimed, err := d.monitor.Sweep(ctx); err != nil {
		d.log(LogLevelWarn, "stale_sweep_failed error=%v", err)
	} else if reclaimed > 0 {
		d.log(LogLevelInfo, "stale_sweep reclaimed=%d", reclaimed)
	}

	// Assignment operates on the mirrors. The submitter's record never
	// carries an assignment; it only receives relayed status.
	isMirror := true
	pending, err := d.st.ListTasks(ctx, store.TaskFilter{
		Status:         model.StatusPending,
		IsMirror:       &isMirror,
		Owner:          systemOwner,
		Unassigned:     true,
		OrderByCreated: true,
	})
	if err != nil {
		d.log(LogLevelError, "cycle_aborted phase=assignment error=%v", err)
		return
	}

	d.sched.CheckProvision(ctx, pending)

	// A host claimed this cycle is busy for the rest of it even though its
	// stored status has not caught up yet.
	busyThisCycle := make(map[string]bool)
	for _, task := range pending {
		if ctx.Err() != nil {
			return
		}
		host, ok, err := d.sched.Assign(ctx, task)
		if err != nil {
			d.log(LogLevelWarn, "assign_failed task_id=%s error=%v", task.ID, err)
			continue
		}
		if !ok {
			continue
		}
		if busyThisCycle[host.ID] {
			host.Status = model.HostStatusBusy
		}
		outcome, err := d.claimer.Claim(ctx, task, host)
		if err != nil {
			d.log(LogLevelWarn, "claim_failed task_id=%s error=%v", task.ID, err)
			continue
		}
		if outcome == ClaimWon {
			busyThisCycle[host.ID] = true
		}
	}

	if err := SaveState(d.statePath, State{Cursor: d.sched.Cursor()}); err != nil {
		d.log(LogLevelWarn, "state_save_failed path=%s error=%v", d.statePath, err)
	}
}

// fsnotifyLoop reloads configuration when the config file changes on disk.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Name != d.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.reloadConfig()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// reloadConfig re-reads the config file and stages the reloadable subset:
// poll interval, stale threshold, provisioning threshold, and log level.
// Store connection settings require a restart. The staged config takes
// effect at the start of the next poll cycle, which is the only place the
// scheduler components are touched.
func (d *Daemon) reloadConfig() {
	var cfg model.Config
	if err := yamlutil.ReadInto(d.configPath, &cfg); err != nil {
		d.log(LogLevelWarn, "config_reload_failed error=%v", err)
		return
	}
	cfg = model.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		d.log(LogLevelWarn, "config_reload_rejected error=%v", err)
		return
	}

	d.cfgMu.Lock()
	d.config = cfg
	d.logLevel = parseLogLevel(cfg.Logging.Level)
	d.reloaded = true
	d.cfgMu.Unlock()

	d.log(LogLevelInfo, "config_reloaded poll_interval=%ds stale_threshold=%dm",
		cfg.Scheduler.PollIntervalSec, cfg.Scheduler.StaleThresholdMin)
}

// applyReload pushes a staged config into the cycle's components.
func (d *Daemon) applyReload() {
	d.cfgMu.Lock()
	if !d.reloaded {
		d.cfgMu.Unlock()
		return
	}
	cfg := d.config
	d.reloaded = false
	d.cfgMu.Unlock()

	d.ticker.Reset(time.Duration(cfg.Scheduler.PollIntervalSec) * time.Second)
	d.monitor.threshold = time.Duration(cfg.Scheduler.StaleThresholdMin) * time.Minute
	d.sched.cfg = cfg.Scheduler
}

// tickerLoop triggers poll cycles at the configured interval.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(LogLevelDebug, "poll cycle triggered")
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
		if d.watcher != nil {
			d.watcher.Close()
		}

		d.cfgMu.RLock()
		timeout := d.config.Daemon.ShutdownTimeoutSec
		d.cfgMu.RUnlock()
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

		if err := SaveState(d.statePath, State{Cursor: d.sched.Cursor()}); err != nil {
			d.log(LogLevelWarn, "state_save_failed path=%s error=%v", d.statePath, err)
		}

		d.cleanup()
		d.log(LogLevelInfo, "scheduler stopped")
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
	d.cfgMu.RLock()
	minLevel := d.logLevel
	d.cfgMu.RUnlock()
	if level < minLevel {
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
	d.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
