// Package taskmanager implements the Task Manager (C5): an in-memory
// task store, bounded worker pool, cancellation, and cleanup. Grounded on
// original_source/service/tasks/manager.py's TaskManager class (tasks
// dict+lock, unbounded queue, max_workers default 2, procs dict for
// kill-ability).
package taskmanager

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lumina/internal/domain"
	"lumina/internal/procharness"
)

// Handler executes one task's full lifecycle (the Download Supervisor,
// C6). It must poll task.IsCanceled() between stages and must not touch
// the task after it observes a terminal status.
type Handler func(ctx context.Context, task *domain.Task)

// Manager is the bounded worker pool fronting the in-memory task map.
type Manager struct {
	mu      sync.Mutex
	tasks   map[string]*domain.Task
	created []string // creation order, for cleanup's "oldest first"

	queue   *unboundedQueue
	workers int
	handler Handler
	harness *procharness.Harness

	now    func() time.Time
	log    *slog.Logger

	wg sync.WaitGroup
}

func New(workers int, harness *procharness.Harness, handler Handler, log *slog.Logger) *Manager {
	if workers <= 0 {
		workers = 2
	}
	return &Manager{
		tasks:   make(map[string]*domain.Task),
		queue:   newUnboundedQueue(),
		workers: workers,
		handler: handler,
		harness: harness,
		now:     time.Now,
		log:     log,
	}
}

// Start launches the fixed-size worker pool. Workers run until ctx is
// canceled.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.workerLoop(ctx)
	}
	go func() {
		<-ctx.Done()
		m.queue.Close()
	}()
}

// Wait blocks until all workers have exited (after Start's ctx is done
// and the queue drains).
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) workerLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		id, ok := m.queue.Pop()
		if !ok {
			return
		}
		task, exists := m.Get(id)
		if !exists {
			continue
		}
		if task.IsCanceled() {
			continue
		}
		if m.log != nil {
			m.log.Info("task dispatched", "task_id", id)
		}
		m.handler(ctx, task)
	}
}

// AddTask assigns an id, stores the task, enqueues it, and returns
// immediately. It never rejects (spec §4.5).
func (m *Manager) AddTask(req domain.Request) string {
	id := uuid.NewString()
	task := domain.NewTask(id, req, m.now())

	m.mu.Lock()
	m.tasks[id] = task
	m.created = append(m.created, id)
	m.mu.Unlock()

	m.queue.Push(id)
	return id
}

// Get returns the task by id.
func (m *Manager) Get(id string) (*domain.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// List returns a defensive snapshot of every task, ordered per spec
// §4.5: status bucket (downloading < merging < queued < finished <
// error < canceled), ties broken by creation time.
func (m *Manager) List() []domain.Snapshot {
	m.mu.Lock()
	tasks := make([]*domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	snaps := make([]domain.Snapshot, len(tasks))
	for i, t := range tasks {
		snaps[i] = t.Snapshot()
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		bi, bj := snaps[i].Status.Bucket(), snaps[j].Status.Bucket()
		if bi != bj {
			return bi < bj
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps
}

// Cancel marks a task canceled and kills any child process bound to it.
// Idempotent: canceling an already-terminal task is a no-op that returns
// false only if the task doesn't exist at all.
func (m *Manager) Cancel(id string) bool {
	task, ok := m.Get(id)
	if !ok {
		return false
	}
	task.Cancel(m.now())
	if m.harness != nil {
		m.harness.Kill(id)
	}
	return true
}

// Cleanup removes terminal tasks beyond maxKeep, oldest first. If
// removeActive is set, non-terminal tasks are also canceled and removed.
// maxKeep<=0 clears all terminal tasks (and, combined with removeActive,
// everything).
func (m *Manager) Cleanup(maxKeep int, removeActive bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	var kept []string
	terminalSeen := 0

	// created is oldest-first; walk newest-first so the most recent
	// maxKeep terminal tasks survive.
	survivors := make(map[string]bool, len(m.created))
	for i := len(m.created) - 1; i >= 0; i-- {
		id := m.created[i]
		task, ok := m.tasks[id]
		if !ok {
			continue
		}
		if !task.IsTerminal() {
			if removeActive {
				task.Cancel(m.now())
				if m.harness != nil {
					m.harness.Kill(id)
				}
				delete(m.tasks, id)
				removed++
				continue
			}
			survivors[id] = true
			continue
		}
		if maxKeep > 0 && terminalSeen < maxKeep {
			terminalSeen++
			survivors[id] = true
			continue
		}
		delete(m.tasks, id)
		removed++
	}

	for _, id := range m.created {
		if survivors[id] {
			kept = append(kept, id)
		}
	}
	m.created = kept
	return removed
}
