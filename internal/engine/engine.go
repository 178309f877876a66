// Package engine drives the bounded worker/verifier loop for one claimed
// task: alternate execution and verification until the verifier approves,
// the agent blocks on missing input, or the iteration budget runs out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
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

// ExecRequest carries one execution phase's input. Feedback is empty on the
// first iteration and the previous verdict's feedback afterwards.
type ExecRequest struct {
	Task      model.Task
	Feedback  string
	Iteration int
	SessionID string
}

// VerifyRequest carries one verification phase's input.
type VerifyRequest struct {
	Task      model.Task
	Exec      model.ExecResult
	Iteration int
}

// Runner performs the two agent phases. Implementations must honor ctx
// cancellation and return rather than hang; the engine applies a per-phase
// timeout.
type Runner interface {
	Execute(ctx context.Context, req ExecRequest) (model.ExecResult, error)
	Verify(ctx context.Context, req VerifyRequest) (model.Verdict, error)
}

// Checkpoint reports whether the task has been canceled. It is consulted at
// exactly two points per iteration: before execution starts and after it
// finishes. A checkpoint error is logged and treated as not canceled.
type Checkpoint func(ctx context.Context, task model.Task) (bool, error)

// Outcome is the loop's verdict on the whole task.
type Outcome struct {
	Status     model.Status
	Summary    string
	Verdict    *model.Verdict
	Iterations []model.Iteration
}

// Engine runs the iteration loop and the heartbeat that keeps the task from
// being reclaimed as stale.
type Engine struct {
	store          store.Store
	runner         Runner
	recorder       *events.ProgressRecorder
	bus            *events.Bus
	checkpoint     Checkpoint
	maxIterations  int
	phaseTimeout   time.Duration
	heartbeatEvery time.Duration
	logger         *log.Logger
	logLevel       LogLevel
	now            func() time.Time
}

func New(st store.Store, runner Runner, recorder *events.ProgressRecorder, bus *events.Bus, cfg model.AgentConfig, heartbeatEvery time.Duration, logger *log.Logger, logLevel string) *Engine {
	e := &Engine{
		store:          st,
		runner:         runner,
		recorder:       recorder,
		bus:            bus,
		maxIterations:  cfg.MaxIterations,
		phaseTimeout:   time.Duration(cfg.PhaseTimeoutMin) * time.Minute,
		heartbeatEvery: heartbeatEvery,
		logger:         logger,
		logLevel:       parseLogLevel(logLevel),
		now:            time.Now,
	}
	if e.heartbeatEvery <= 0 {
		e.heartbeatEvery = time.Minute
	}
	if e.maxIterations <= 0 {
		e.maxIterations = 10
	}
	if e.phaseTimeout <= 0 {
		e.phaseTimeout = 20 * time.Minute
	}
	e.checkpoint = e.storeCheckpoint
	return e
}

// SetCheckpoint replaces the cancellation check. Must be called before Run.
func (e *Engine) SetCheckpoint(cp Checkpoint) {
	e.checkpoint = cp
}

// storeCheckpoint re-reads both records a run answers to: the mirror being
// executed and, when linked, the submitter's record behind it. A cancel on
// either stops the run. A deleted submitter record does not; the mirror
// exists precisely so that deletion cannot touch a run in flight.
func (e *Engine) storeCheckpoint(ctx context.Context, task model.Task) (bool, error) {
	t, err := e.store.GetTask(ctx, task.ID)
	if errors.Is(err, store.ErrNotFound) {
		// The execution record itself is gone; nothing left to run against.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status == model.StatusCanceled {
		return true, nil
	}
	if task.MirrorOfID == "" {
		return false, nil
	}
	src, err := e.store.GetTask(ctx, task.MirrorOfID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return src.Status == model.StatusCanceled, nil
}

// Run executes the loop for a claimed running task and returns the terminal
// outcome. It does not write task status; the caller owns the final store
// write. A non-nil error means the run was interrupted (daemon shutdown) and
// the task should be left as is.
func (e *Engine) Run(ctx context.Context, task model.Task) (Outcome, error) {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWg sync.WaitGroup
	hbWg.Add(1)
	go func() {
		defer hbWg.Done()
		e.heartbeatLoop(hbCtx, task.ID)
	}()
	defer func() {
		hbCancel()
		hbWg.Wait()
	}()

	var iterations []model.Iteration
	feedback := ""
	sessionID := ""

	for i := 1; i <= e.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		canceled, err := e.checkpoint(ctx, task)
		if err != nil {
			e.log(LogLevelWarn, "checkpoint_failed task_id=%s iteration=%d error=%v", task.ID, i, err)
		}
		if canceled {
			e.log(LogLevelInfo, "task_canceled task_id=%s iteration=%d point=pre_exec", task.ID, i)
			return Outcome{
				Status:     model.StatusCanceled,
				Summary:    fmt.Sprintf("canceled before iteration %d", i),
				Iterations: iterations,
			}, nil
		}

		e.phase(ctx, task.ID, "exec", i)
		execCtx, cancelExec := context.WithTimeout(ctx, e.phaseTimeout)
		res, execErr := e.runner.Execute(execCtx, ExecRequest{
			Task:      task,
			Feedback:  feedback,
			Iteration: i,
			SessionID: sessionID,
		})
		cancelExec()
		if res.SessionID != "" {
			sessionID = res.SessionID
		}

		it := model.Iteration{Index: i, Exec: res}

		// A blocked phase parks the task before the second checkpoint looks;
		// the submitter gets asked for input rather than a cancel racing it.
		if execErr == nil && res.Blocked {
			iterations = append(iterations, it)
			e.log(LogLevelInfo, "task_blocked task_id=%s iteration=%d reason=%s", task.ID, i, res.BlockReason)
			e.record(ctx, task.ID, "blocked", res.BlockReason, i)
			return Outcome{
				Status:     model.StatusWaitingForInput,
				Summary:    res.Summary,
				Iterations: iterations,
			}, nil
		}

		// Second cancellation point. It runs even when execution failed so
		// a cancel issued mid-phase is honored before any retry.
		canceled, err = e.checkpoint(ctx, task)
		if err != nil {
			e.log(LogLevelWarn, "checkpoint_failed task_id=%s iteration=%d error=%v", task.ID, i, err)
		}
		if canceled {
			iterations = append(iterations, it)
			e.log(LogLevelInfo, "task_canceled task_id=%s iteration=%d point=post_exec", task.ID, i)
			return Outcome{
				Status:     model.StatusCanceled,
				Summary:    fmt.Sprintf("canceled during iteration %d", i),
				Iterations: iterations,
			}, nil
		}

		if execErr != nil || res.Failed {
			reason := res.Error
			if execErr != nil {
				reason = execErr.Error()
			}
			it.Exec.Failed = true
			if it.Exec.Error == "" {
				it.Exec.Error = reason
			}
			iterations = append(iterations, it)
			feedback = fmt.Sprintf("previous attempt failed before producing a result: %s", reason)
			e.log(LogLevelWarn, "exec_failed task_id=%s iteration=%d error=%s", task.ID, i, reason)
			e.record(ctx, task.ID, "exec_failed", reason, i)
			continue
		}

		e.phase(ctx, task.ID, "verify", i)
		verifyCtx, cancelVerify := context.WithTimeout(ctx, e.phaseTimeout)
		verdict, verifyErr := e.runner.Verify(verifyCtx, VerifyRequest{
			Task:      task,
			Exec:      res,
			Iteration: i,
		})
		cancelVerify()

		if verifyErr != nil {
			iterations = append(iterations, it)
			feedback = fmt.Sprintf("verification did not complete: %s", verifyErr)
			e.log(LogLevelWarn, "verify_failed task_id=%s iteration=%d error=%v", task.ID, i, verifyErr)
			e.record(ctx, task.ID, "verify_failed", verifyErr.Error(), i)
			continue
		}

		it.Verdict = &verdict
		iterations = append(iterations, it)

		if verdict.Approved {
			e.log(LogLevelInfo, "task_approved task_id=%s iteration=%d", task.ID, i)
			e.record(ctx, task.ID, "approved", verdict.TestingDone, i)
			return Outcome{
				Status:     model.StatusCompleted,
				Summary:    res.Summary,
				Verdict:    &verdict,
				Iterations: iterations,
			}, nil
		}

		feedback = verdict.Feedback
		if len(verdict.CriteriaFailed) > 0 {
			feedback = fmt.Sprintf("%s (unmet criteria: %s)", feedback, strings.Join(verdict.CriteriaFailed, "; "))
		}
		e.log(LogLevelInfo, "verdict_rejected task_id=%s iteration=%d", task.ID, i)
		e.record(ctx, task.ID, "rejected", feedback, i)
	}

	e.log(LogLevelWarn, "iterations_exhausted task_id=%s max=%d", task.ID, e.maxIterations)
	return Outcome{
		Status:     model.StatusFailed,
		Summary:    fmt.Sprintf("no approved result after %d iterations", e.maxIterations),
		Iterations: iterations,
	}, nil
}

// heartbeatLoop refreshes lastHeartbeat until the run finishes. The write is
// unconditioned on the version token; a heartbeat must never lose to its own
// task's writes.
func (e *Engine) heartbeatLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(e.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := e.store.UpdateTask(ctx, taskID, store.Fields{"lastHeartbeat": e.now().UTC()}, "")
			if err != nil && !errors.Is(err, context.Canceled) {
				e.log(LogLevelWarn, "heartbeat_failed task_id=%s error=%v", taskID, err)
			}
		}
	}
}

func (e *Engine) phase(ctx context.Context, taskID, phase string, iteration int) {
	if e.bus != nil {
		e.bus.Publish(events.EventPhaseTransition, map[string]any{
			"task_id":   taskID,
			"phase":     phase,
			"iteration": iteration,
		})
	}
	e.record(ctx, taskID, "phase", phase, iteration)
}

func (e *Engine) record(ctx context.Context, taskID, kind, message string, iteration int) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Append(ctx, taskID, kind, message, iteration); err != nil {
		e.log(LogLevelWarn, "progress_append_failed task_id=%s kind=%s error=%v", taskID, kind, err)
	}
}

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
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
	e.logger.Printf("%s %s engine: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
