package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voluntix/coordinator/internal/client"
	"github.com/voluntix/coordinator/internal/store"
	"github.com/voluntix/coordinator/internal/token"
)

// fakeBus captures publishes for assertions.
type fakeBus struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	Channel string
	Data    map[string]any
	Config  client.PublishConfig
}

func (b *fakeBus) Publish(_ context.Context, channelName string, data map[string]any, opts ...client.PublishOption) (string, error) {
	var cfg client.PublishConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{Channel: channelName, Data: data, Config: cfg})
	id := cfg.RequestID
	if id == "" {
		id = fmt.Sprintf("req-%d", len(b.published))
	}
	return id, nil
}

// on returns the last message published on a channel.
func (b *fakeBus) on(channelName string) *publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.published) - 1; i >= 0; i-- {
		if b.published[i].Channel == channelName {
			return &b.published[i]
		}
	}
	return nil
}

func (b *fakeBus) count(channelName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.published {
		if p.Channel == channelName {
			n++
		}
	}
	return n
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu         sync.Mutex
	managers   map[string]*store.Manager
	volunteers map[string]*store.Volunteer
	workflows  map[string]*store.Workflow
	tasks      map[string]*store.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		managers:   make(map[string]*store.Manager),
		volunteers: make(map[string]*store.Volunteer),
		workflows:  make(map[string]*store.Workflow),
		tasks:      make(map[string]*store.Task),
	}
}

func (f *fakeStore) CreateManager(_ context.Context, m *store.Manager) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.managers {
		if existing.Username == m.Username || existing.Email == m.Email {
			return store.ErrDuplicate
		}
	}
	cp := *m
	f.managers[m.ID] = &cp
	return nil
}

func (f *fakeStore) ManagerByID(_ context.Context, id string) (*store.Manager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.managers[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ManagerByUsername(_ context.Context, username string) (*store.Manager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.managers {
		if m.Username == username {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ManagerByEmail(_ context.Context, email string) (*store.Manager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.managers {
		if m.Email == email {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) TouchManagerLogin(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.managers[id]; ok {
		m.LastLogin = at
	}
	return nil
}

func (f *fakeStore) CreateVolunteer(_ context.Context, v *store.Volunteer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.volunteers {
		if v.Username != "" && existing.Username == v.Username {
			return store.ErrDuplicate
		}
	}
	cp := *v
	f.volunteers[v.ID] = &cp
	return nil
}

func (f *fakeStore) VolunteerByID(_ context.Context, id string) (*store.Volunteer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.volunteers[id]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) VolunteerByUsername(_ context.Context, username string) (*store.Volunteer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.volunteers {
		if v.Username == username {
			cp := *v
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListVolunteers(_ context.Context) ([]store.Volunteer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Volunteer
	for _, v := range f.volunteers {
		out = append(out, *v)
	}
	return out, nil
}

func (f *fakeStore) AvailableVolunteers(_ context.Context) ([]store.Volunteer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Volunteer
	for _, v := range f.volunteers {
		if v.Status == store.VolunteerAvailable {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateVolunteerMachine(_ context.Context, id string, info map[string]any, res store.Resources, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volunteers[id]
	if !ok {
		return store.ErrNotFound
	}
	v.MachineInfo = info
	v.Resources = res
	v.LastSeen = at
	return nil
}

func (f *fakeStore) UpdateVolunteerProfile(_ context.Context, id, name, username, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volunteers[id]
	if !ok {
		return store.ErrNotFound
	}
	if username != "" {
		for vid, other := range f.volunteers {
			if vid != id && other.Username == username {
				return store.ErrDuplicate
			}
		}
	}
	if name != "" {
		v.Name = name
	}
	if username != "" {
		v.Username = username
	}
	if passwordHash != "" {
		v.PasswordHash = passwordHash
	}
	return nil
}

func (f *fakeStore) SetVolunteerResources(_ context.Context, id string, res store.Resources) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volunteers[id]
	if !ok {
		return store.ErrNotFound
	}
	v.Resources = res
	return nil
}

func (f *fakeStore) SetVolunteerStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volunteers[id]
	if !ok {
		return store.ErrNotFound
	}
	v.Status = status
	return nil
}

func (f *fakeStore) SetVolunteerTrust(_ context.Context, id string, score float64, completed, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.volunteers[id]
	if !ok {
		return store.ErrNotFound
	}
	v.TrustScore = score
	v.TasksCompleted = completed
	v.TasksFailed = failed
	return nil
}

func (f *fakeStore) TouchVolunteer(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.volunteers[id]; ok {
		v.LastSeen = at
	}
	return nil
}

func (f *fakeStore) CreateWorkflow(_ context.Context, w *store.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *w
	f.workflows[w.ID] = &cp
	return nil
}

func (f *fakeStore) WorkflowByID(_ context.Context, id string) (*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workflows[id]; ok {
		cp := *w
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SetWorkflowStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	w.Status = status
	return nil
}

func (f *fakeStore) CreateTask(_ context.Context, t *store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *fakeStore) TaskByID(_ context.Context, id string) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) TasksByWorkflow(_ context.Context, workflowID string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, t := range f.tasks {
		if t.WorkflowID == workflowID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) AssignTask(_ context.Context, taskID, volunteerID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.VolunteerID = volunteerID
	t.Status = store.TaskAssigned
	t.AssignedAt = at
	return nil
}

func (f *fakeStore) SetTaskStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	return nil
}

// newTestCoordinator builds a Coordinator over fakes with deterministic ids.
func newTestCoordinator(t interface {
	Helper()
	Fatalf(format string, args ...any)
}) (*Coordinator, *fakeBus, *fakeStore) {
	t.Helper()
	bus := &fakeBus{}
	st := newFakeStore()
	tokens, err := token.NewService("handlers-test-secret")
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	c, err := New(Options{Bus: bus, Store: st, Tokens: tokens})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	seq := 0
	c.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return c, bus, st
}
