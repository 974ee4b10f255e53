package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"deploycli/pkg/manifest"
)

// ErrNotFound is returned when no record matches (id, name).
var ErrNotFound = errors.New("task not found")

// Registry is the task metadata store. Records are keyed by (ID, Name).
type Registry interface {
	List(ctx context.Context) ([]manifest.Task, error)
	Get(ctx context.Context, id, name string) (manifest.Task, error)
	Upsert(ctx context.Context, task manifest.Task) error
	Remove(ctx context.Context, id, name string) error
}

type taskKey struct {
	id   string
	name string
}

// MemoryRegistry keeps records in process memory. The bundle directory is
// reconciled into it at startup.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tasks map[taskKey]manifest.Task
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{tasks: make(map[taskKey]manifest.Task)}
}

func (m *MemoryRegistry) List(_ context.Context) ([]manifest.Task, error) {
	m.mu.RLock()
	out := make([]manifest.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	m.mu.RUnlock()

	sortTasks(out)
	return out, nil
}

func (m *MemoryRegistry) Get(_ context.Context, id, name string) (manifest.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskKey{id: id, name: name}]
	if !ok {
		return manifest.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryRegistry) Upsert(_ context.Context, task manifest.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[taskKey{id: task.ID, name: task.Name}] = task
	return nil
}

func (m *MemoryRegistry) Remove(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := taskKey{id: id, name: name}
	if _, ok := m.tasks[k]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, k)
	return nil
}

// sortTasks orders by name, then id, so list indexes are stable.
func sortTasks(tasks []manifest.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Name != tasks[j].Name {
			return tasks[i].Name < tasks[j].Name
		}
		return tasks[i].ID < tasks[j].ID
	})
}
