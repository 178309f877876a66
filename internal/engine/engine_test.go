package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagikat/shraga/internal/model"
	"github.com/sagikat/shraga/internal/store"
)

// scriptedRunner returns canned results per iteration.
type scriptedRunner struct {
	mu        sync.Mutex
	execs     []model.ExecResult
	execErrs  []error
	verdicts  []model.Verdict
	verdErrs  []error
	execCalls int
	verfCalls int
	feedbacks []string
	onExecute func(iteration int)
	execDelay time.Duration
}

func (r *scriptedRunner) Execute(ctx context.Context, req ExecRequest) (model.ExecResult, error) {
	r.mu.Lock()
	i := r.execCalls
	r.execCalls++
	r.feedbacks = append(r.feedbacks, req.Feedback)
	onExec := r.onExecute
	r.mu.Unlock()

	if onExec != nil {
		onExec(req.Iteration)
	}
	if r.execDelay > 0 {
		select {
		case <-time.After(r.execDelay):
		case <-ctx.Done():
			return model.ExecResult{}, ctx.Err()
		}
	}
	var err error
	if i < len(r.execErrs) {
		err = r.execErrs[i]
	}
	var res model.ExecResult
	if i < len(r.execs) {
		res = r.execs[i]
	}
	return res, err
}

func (r *scriptedRunner) Verify(ctx context.Context, req VerifyRequest) (model.Verdict, error) {
	r.mu.Lock()
	i := r.verfCalls
	r.verfCalls++
	r.mu.Unlock()

	var err error
	if i < len(r.verdErrs) {
		err = r.verdErrs[i]
	}
	var v model.Verdict
	if i < len(r.verdicts) {
		v = r.verdicts[i]
	}
	return v, err
}

func testEngine(st store.Store, r Runner) *Engine {
	cfg := model.AgentConfig{MaxIterations: 10, PhaseTimeoutMin: 1}
	return New(st, r, nil, nil, cfg, time.Hour, log.New(io.Discard, "", 0), "error")
}

func neverCanceled(ctx context.Context, task model.Task) (bool, error) { return false, nil }

func seedRunning(ms *store.MemStore) model.Task {
	return ms.SeedTask(model.Task{
		Owner:          "alice",
		Status:         model.StatusRunning,
		AssignedHostID: "h1",
		LastHeartbeat:  time.Now().UTC(),
	})
}

func TestRunApprovedFirstIteration(t *testing.T) {
	ms := store.NewMemStore()
	task := seedRunning(ms)

	r := &scriptedRunner{
		execs:    []model.ExecResult{{Summary: "implemented the retry flag"}},
		verdicts: []model.Verdict{{Approved: true, TestingDone: "ran the new test"}},
	}
	e := testEngine(ms, r)
	e.SetCheckpoint(neverCanceled)

	out, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Equal(t, "implemented the retry flag", out.Summary)
	require.Len(t, out.Iterations, 1)
	require.NotNil(t, out.Iterations[0].Verdict)
	assert.True(t, out.Iterations[0].Verdict.Approved)
	assert.Equal(t, 1, r.execCalls)
	assert.Equal(t, 1, r.verfCalls)
}

func TestRunFeedbackReachesNextIteration(t *testing.T) {
	ms := store.NewMemStore()
	task := seedRunning(ms)

	r := &scriptedRunner{
		execs: []model.ExecResult{{Summary: "first try"}, {Summary: "second try"}},
		verdicts: []model.Verdict{
			{Approved: false, Feedback: "edge case for empty input is missing"},
			{Approved: true, TestingDone: "covered empty input"},
		},
	}
	e := testEngine(ms, r)
	e.SetCheckpoint(neverCanceled)

	out, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)
	require.Len(t, r.feedbacks, 2)
	assert.Empty(t, r.feedbacks[0])
	assert.Contains(t, r.feedbacks[1], "empty input is missing")
}

func TestRunStopsAtIterationBudget(t *testing.T) {
	ms := store.NewMemStore()
	task := seedRunning(ms)

	verdicts := make([]model.Verdict, 12)
	execs := make([]model.ExecResult, 12)
	for i := range verdicts {
		verdicts[i] = model.Verdict{Approved: false, Feedback: "still not right"}
		execs[i] = model.ExecResult{Summary: "attempt"}
	}
	r := &scriptedRunner{execs: execs, verdicts: verdicts}
	e := testEngine(ms, r)
	e.SetCheckpoint(neverCanceled)

	out, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, 10, r.execCalls)
	assert.Equal(t, 10, r.verfCalls)
	assert.Len(t, out.Iterations, 10)
	assert.Contains(t, out.Summary, "10 iterations")
}

func TestRunBlockedSkipsVerification(t *testing.T) {
	ms := store.NewMemStore()
	task := seedRunning(ms)

	r := &scriptedRunner{
		execs: []model.ExecResult{{Blocked: true, BlockReason: "need repo credentials"}},
	}
	e := testEngine(ms, r)
	e.SetCheckpoint(neverCanceled)

	out, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitingForInput, out.Status)
	assert.Equal(t, 0, r.verfCalls)
}

func TestRunExecFailureConsumesIteration(t *testing.T) {
	ms := store.NewMemStore()
	task := seedRunning(ms)

	r := &scriptedRunner{
		execs:    []model.ExecResult{{}, {Summary: "recovered"}},
		execErrs: []error{errors.New("agent exited 1"), nil},
		verdicts: []model.Verdict{{Approved: true, TestingDone: "verified"}},
	}
	e := testEngine(ms, r)
	e.SetCheckpoint(neverCanceled)

	out, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)
	require.Len(t, out.Iterations, 2)
	assert.True(t, out.Iterations[0].Exec.Failed)
	assert.Contains(t, r.feedbacks[1], "agent exited 1")
	assert.Equal(t, 1, r.verfCalls)
}

func TestRunCanceledBeforeFirstExecution(t *testing.T) {
	ms := store.NewMemStore()
	task := seedRunning(ms)

	r := &scriptedRunner{}
	e := testEngine(ms, r)
	e.SetCheckpoint(func(ctx context.Context, task model.Task) (bool, error) { return true, nil })

	out, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, out.Status)
	assert.Equal(t, 0, r.execCalls)
}

func TestRunCancelMidExecutionHonoredAfterPhase(t *testing.T) {
	ms := store.NewMemStore()
	task := seedRunning(ms)

	var canceled bool
	var mu sync.Mutex
	r := &scriptedRunner{
		execs: []model.ExecResult{{Summary: "finished anyway"}},
	}
	// The cancel lands while the phase runs. The phase still completes;
	// only the post-execution checkpoint observes it.
	r.onExecute = func(iteration int) {
		mu.Lock()
		canceled = true
		mu.Unlock()
	}
	e := testEngine(ms, r)
	e.SetCheckpoint(func(ctx context.Context, task model.Task) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return canceled, nil
	})

	out, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, out.Status)
	assert.Equal(t, 1, r.execCalls)
	assert.Equal(t, 0, r.verfCalls)
	require.Len(t, out.Iterations, 1)
	assert.Equal(t, "finished anyway", out.Iterations[0].Exec.Summary)
}

func TestDefaultCheckpointTreatsDeletedExecutionRecordAsCanceled(t *testing.T) {
	ms := store.NewMemStore()
	e := testEngine(ms, &scriptedRunner{})

	canceled, err := e.storeCheckpoint(context.Background(), model.Task{ID: "missing-task"})
	require.NoError(t, err)
	assert.True(t, canceled)
}

func TestDefaultCheckpointSeesCancelOnSourceRecord(t *testing.T) {
	ms := store.NewMemStore()
	source := ms.SeedTask(model.Task{Owner: "alice", Status: model.StatusCanceled})
	mirror := ms.SeedTask(model.Task{
		Owner:      "shraga-admin",
		IsMirror:   true,
		MirrorOfID: source.ID,
		Status:     model.StatusRunning,
	})
	e := testEngine(ms, &scriptedRunner{})

	canceled, err := e.storeCheckpoint(context.Background(), mirror)
	require.NoError(t, err)
	assert.True(t, canceled)
}

func TestDefaultCheckpointIgnoresDeletedSourceRecord(t *testing.T) {
	ms := store.NewMemStore()
	mirror := ms.SeedTask(model.Task{
		Owner:      "shraga-admin",
		IsMirror:   true,
		MirrorOfID: "source-gone",
		Status:     model.StatusRunning,
	})
	e := testEngine(ms, &scriptedRunner{})

	canceled, err := e.storeCheckpoint(context.Background(), mirror)
	require.NoError(t, err)
	assert.False(t, canceled)
}

func TestRunBlockedWinsOverMidPhaseCancel(t *testing.T) {
	ms := store.NewMemStore()
	task := seedRunning(ms)

	var canceled bool
	var mu sync.Mutex
	r := &scriptedRunner{
		execs: []model.ExecResult{{Blocked: true, BlockReason: "need repo credentials", Summary: "stuck on credentials"}},
	}
	r.onExecute = func(iteration int) {
		mu.Lock()
		canceled = true
		mu.Unlock()
	}
	e := testEngine(ms, r)
	e.SetCheckpoint(func(ctx context.Context, task model.Task) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return canceled, nil
	})

	out, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitingForInput, out.Status)
	assert.Equal(t, "stuck on credentials", out.Summary)
	assert.Equal(t, 0, r.verfCalls)
}

func TestRunHeartbeatsWhilePhaseRuns(t *testing.T) {
	ms := store.NewMemStore()
	task := seedRunning(ms)
	start, err := ms.GetTask(context.Background(), task.ID)
	require.NoError(t, err)

	r := &scriptedRunner{
		execs:     []model.ExecResult{{Summary: "slow work"}},
		verdicts:  []model.Verdict{{Approved: true, TestingDone: "checked"}},
		execDelay: 80 * time.Millisecond,
	}
	cfg := model.AgentConfig{MaxIterations: 10, PhaseTimeoutMin: 1}
	e := New(ms, r, nil, nil, cfg, 10*time.Millisecond, log.New(io.Discard, "", 0), "error")
	e.SetCheckpoint(neverCanceled)

	_, err = e.Run(context.Background(), task)
	require.NoError(t, err)

	got, err := ms.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeat.After(start.LastHeartbeat))
}
