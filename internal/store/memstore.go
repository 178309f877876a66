package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagikat/shraga/internal/model"
)

// MemStore is an in-memory Store with real version-token semantics. It backs
// package tests so claim races and promotion ordering can be exercised
// without a live store.
type MemStore struct {
	mu       sync.Mutex
	tasks    map[string]*model.Task
	hosts    map[string]*model.ExecutionHost
	progress []model.ProgressEvent
	now      func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		tasks: make(map[string]*model.Task),
		hosts: make(map[string]*model.ExecutionHost),
		now:   time.Now,
	}
}

// SetNow overrides the clock used for timestamps.
func (m *MemStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SeedTask inserts a task directly, filling ID, version, and creation time if
// unset.
func (m *MemStore) SeedTask(t model.Task) model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.VersionToken == "" {
		t.VersionToken = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	cp := t
	m.tasks[t.ID] = &cp
	return t
}

// SeedHost inserts an execution host directly.
func (m *MemStore) SeedHost(h model.ExecutionHost) model.ExecutionHost {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.VersionToken == "" {
		h.VersionToken = uuid.NewString()
	}
	cp := h
	m.hosts[h.ID] = &cp
	return h
}

func (m *MemStore) ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Task
	for _, t := range m.tasks {
		if matchTask(*t, f) {
			out = append(out, *t)
		}
	}
	if f.OrderByCreated {
		sort.Slice(out, func(i, j int) bool {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	}
	if f.Top > 0 && len(out) > f.Top {
		out = out[:f.Top]
	}
	return out, nil
}

func matchTask(t model.Task, f TaskFilter) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.IsMirror != nil && t.IsMirror != *f.IsMirror {
		return false
	}
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if f.ExcludeOwner != "" && t.Owner == f.ExcludeOwner {
		return false
	}
	if f.Unmirrored && t.MirrorTaskID != "" {
		return false
	}
	if f.MirroredOnly && t.MirrorTaskID == "" {
		return false
	}
	if f.MirrorOfID != "" && t.MirrorOfID != f.MirrorOfID {
		return false
	}
	if f.AssignedHostID != "" && t.AssignedHostID != f.AssignedHostID {
		return false
	}
	if f.Unassigned && t.AssignedHostID != "" {
		return false
	}
	if !f.HeartbeatBefore.IsZero() && !t.LastHeartbeat.Before(f.HeartbeatBefore) {
		return false
	}
	return true
}

func (m *MemStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return *t, nil
}

func (m *MemStore) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	t.VersionToken = uuid.NewString()
	t.CreatedAt = m.now()
	t.UpdatedAt = t.CreatedAt
	cp := t
	m.tasks[t.ID] = &cp
	return t, nil
}

func (m *MemStore) UpdateTask(ctx context.Context, id string, fields Fields, expectedVersion string) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	if expectedVersion != "" && expectedVersion != t.VersionToken {
		return model.Task{}, ErrConflict
	}
	if err := applyTaskFields(t, fields); err != nil {
		return model.Task{}, err
	}
	t.VersionToken = uuid.NewString()
	t.UpdatedAt = m.now()
	return *t, nil
}

func applyTaskFields(t *model.Task, fields Fields) error {
	if v, ok := fields["status"]; ok {
		next, err := toStatus(v)
		if err != nil {
			return err
		}
		if next != t.Status {
			if err := model.ValidateTaskTransition(t.Status, next); err != nil {
				return err
			}
		}
		t.Status = next
	}
	for k, v := range fields {
		switch k {
		case "status":
			// handled above
		case "assignedHostId":
			s, ok := v.(string)
			if !ok && v != nil {
				return fmt.Errorf("assignedHostId: expected string, got %T", v)
			}
			t.AssignedHostID = s
		case "mirrorTaskId":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("mirrorTaskId: expected string, got %T", v)
			}
			t.MirrorTaskID = s
		case "lastHeartbeat":
			ts, ok := v.(time.Time)
			if !ok {
				return fmt.Errorf("lastHeartbeat: expected time.Time, got %T", v)
			}
			t.LastHeartbeat = ts
		case "output":
			switch out := v.(type) {
			case *model.Output:
				t.Output = out
			case model.Output:
				cp := out
				t.Output = &cp
			default:
				return fmt.Errorf("output: expected model.Output, got %T", v)
			}
		default:
			return fmt.Errorf("unknown task field %q", k)
		}
	}
	return nil
}

func toStatus(v any) (model.Status, error) {
	switch s := v.(type) {
	case model.Status:
		return s, nil
	case string:
		return model.Status(s), nil
	default:
		return "", fmt.Errorf("status: expected model.Status, got %T", v)
	}
}

func (m *MemStore) ListHosts(ctx context.Context, f HostFilter) ([]model.ExecutionHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ExecutionHost
	for _, h := range m.hosts {
		if f.Status != "" && h.Status != f.Status {
			continue
		}
		if f.OwnerUserID != "" && h.OwnerUserID != f.OwnerUserID {
			continue
		}
		if f.SharedOnly && h.OwnerUserID != "" {
			continue
		}
		out = append(out, *h)
	}
	// Stable order keeps round-robin assignment deterministic in tests.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) GetHost(ctx context.Context, id string) (model.ExecutionHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return model.ExecutionHost{}, ErrNotFound
	}
	return *h, nil
}

func (m *MemStore) UpdateHost(ctx context.Context, id string, fields Fields) (model.ExecutionHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hosts[id]
	if !ok {
		return model.ExecutionHost{}, ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "status":
			switch s := v.(type) {
			case model.HostStatus:
				h.Status = s
			case string:
				h.Status = model.HostStatus(s)
			default:
				return model.ExecutionHost{}, fmt.Errorf("status: expected model.HostStatus, got %T", v)
			}
		case "currentTaskId":
			s, ok := v.(string)
			if !ok && v != nil {
				return model.ExecutionHost{}, fmt.Errorf("currentTaskId: expected string, got %T", v)
			}
			h.CurrentTaskID = s
		case "lastSeen":
			ts, ok := v.(time.Time)
			if !ok {
				return model.ExecutionHost{}, fmt.Errorf("lastSeen: expected time.Time, got %T", v)
			}
			h.LastSeen = ts
		default:
			return model.ExecutionHost{}, fmt.Errorf("unknown host field %q", k)
		}
	}
	h.VersionToken = uuid.NewString()
	return *h, nil
}

func (m *MemStore) AppendProgress(ctx context.Context, ev model.ProgressEvent) (model.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.progress = append(m.progress, ev)
	return ev, nil
}

// ProgressForTask returns the appended events for a task in append order.
func (m *MemStore) ProgressForTask(taskID string) []model.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ProgressEvent
	for _, ev := range m.progress {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}
