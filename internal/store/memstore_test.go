package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagikat/shraga/internal/model"
)

func TestMemStoreConditionalUpdate(t *testing.T) {
	m := NewMemStore()
	seeded := m.SeedTask(model.Task{Status: model.StatusPending})

	updated, err := m.UpdateTask(context.Background(), seeded.ID,
		Fields{"status": model.StatusRunning, "assignedHostId": "h1", "lastHeartbeat": time.Now()},
		seeded.VersionToken)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, updated.Status)
	assert.NotEqual(t, seeded.VersionToken, updated.VersionToken)

	// The original token is now stale.
	_, err = m.UpdateTask(context.Background(), seeded.ID,
		Fields{"status": model.StatusCompleted}, seeded.VersionToken)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemStoreUnconditionedUpdate(t *testing.T) {
	m := NewMemStore()
	seeded := m.SeedTask(model.Task{Status: model.StatusRunning})

	hb := time.Now()
	updated, err := m.UpdateTask(context.Background(), seeded.ID,
		Fields{"lastHeartbeat": hb}, "")
	require.NoError(t, err)
	assert.Equal(t, hb, updated.LastHeartbeat)
}

func TestMemStoreRejectsInvalidTransition(t *testing.T) {
	m := NewMemStore()
	seeded := m.SeedTask(model.Task{Status: model.StatusCompleted})

	_, err := m.UpdateTask(context.Background(), seeded.ID,
		Fields{"status": model.StatusRunning}, seeded.VersionToken)
	assert.Error(t, err)
}

func TestMemStoreListTasksFilters(t *testing.T) {
	m := NewMemStore()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	m.SeedTask(model.Task{ID: "user-1", Owner: "alice", Status: model.StatusPending, CreatedAt: base})
	m.SeedTask(model.Task{ID: "user-2", Owner: "alice", Status: model.StatusPending, MirrorTaskID: "mir-2", CreatedAt: base.Add(time.Minute)})
	m.SeedTask(model.Task{ID: "admin-1", Owner: "shraga-admin", Status: model.StatusPending, CreatedAt: base})

	tasks, err := m.ListTasks(context.Background(), TaskFilter{
		Status:       model.StatusPending,
		ExcludeOwner: "shraga-admin",
		Unmirrored:   true,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "user-1", tasks[0].ID)
}

func TestMemStoreListTasksOrderAndTop(t *testing.T) {
	m := NewMemStore()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.SeedTask(model.Task{ID: "c", Status: model.StatusQueued, CreatedAt: base.Add(2 * time.Minute)})
	m.SeedTask(model.Task{ID: "a", Status: model.StatusQueued, CreatedAt: base})
	m.SeedTask(model.Task{ID: "b", Status: model.StatusQueued, CreatedAt: base.Add(time.Minute)})

	tasks, err := m.ListTasks(context.Background(), TaskFilter{
		Status:         model.StatusQueued,
		OrderByCreated: true,
		Top:            2,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, "b", tasks[1].ID)
}

func TestMemStoreHeartbeatBefore(t *testing.T) {
	m := NewMemStore()
	now := time.Now()
	m.SeedTask(model.Task{ID: "stale", Status: model.StatusRunning, LastHeartbeat: now.Add(-31 * time.Minute)})
	m.SeedTask(model.Task{ID: "fresh", Status: model.StatusRunning, LastHeartbeat: now.Add(-29 * time.Minute)})

	tasks, err := m.ListTasks(context.Background(), TaskFilter{
		Status:          model.StatusRunning,
		HeartbeatBefore: now.Add(-30 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "stale", tasks[0].ID)
}

func TestMemStoreHosts(t *testing.T) {
	m := NewMemStore()
	m.SeedHost(model.ExecutionHost{ID: "shared-1", Status: model.HostStatusReady})
	m.SeedHost(model.ExecutionHost{ID: "dedicated-1", OwnerUserID: "alice", Status: model.HostStatusReady})

	shared, err := m.ListHosts(context.Background(), HostFilter{Status: model.HostStatusReady, SharedOnly: true})
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, "shared-1", shared[0].ID)

	h, err := m.UpdateHost(context.Background(), "shared-1",
		Fields{"status": model.HostStatusBusy, "currentTaskId": "t1"})
	require.NoError(t, err)
	assert.Equal(t, model.HostStatusBusy, h.Status)
	assert.Equal(t, "t1", h.CurrentTaskID)
}

func TestMemStoreProgressAppendOrder(t *testing.T) {
	m := NewMemStore()
	for _, kind := range []string{"claimed", "exec_started", "exec_finished"} {
		_, err := m.AppendProgress(context.Background(), model.ProgressEvent{TaskID: "t1", Kind: kind})
		require.NoError(t, err)
	}
	events := m.ProgressForTask("t1")
	require.Len(t, events, 3)
	assert.Equal(t, "claimed", events[0].Kind)
	assert.Equal(t, "exec_finished", events[2].Kind)
}
