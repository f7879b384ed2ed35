// Package lane provides per-key serial execution.
//
// Every key (a session ID) gets its own lane: tasks submitted for the same
// key run one at a time in submission order, while different keys run
// concurrently. A lane's worker goroutine exists only while the lane has
// queued work, so idle sessions cost nothing.
package lane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	// ErrLaneFull is returned when a key already has MaxPending queued tasks.
	ErrLaneFull = errors.New("lane full")
	// ErrTooManyLanes is returned when MaxLanes keys are already busy.
	ErrTooManyLanes = errors.New("too many active lanes")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("lane manager stopped")
)

// Task is one unit of work. ctx is cancelled when the manager stops.
type Task func(ctx context.Context)

// lane is a single key's pending queue.
type lane struct {
	key        string
	queue      []Task
	lastActive time.Time
}

// Manager runs tasks on per-key lanes.
type Manager struct {
	mu         sync.Mutex
	lanes      map[string]*lane
	maxPending int
	reserve    int
	maxLanes   int
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed uint64
	rejected  uint64
}

// ManagerConfig configures a lane Manager.
type ManagerConfig struct {
	MaxPending int // Queued tasks per key (default 64)
	Reserve    int // Extra slots per key for SubmitReserved (default MaxPending)
	MaxLanes   int // Concurrently busy keys (default 10000)
}

// NewManager creates a lane manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 64
	}
	if cfg.Reserve <= 0 {
		cfg.Reserve = cfg.MaxPending
	}
	if cfg.MaxLanes <= 0 {
		cfg.MaxLanes = 10000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		lanes:      make(map[string]*lane),
		maxPending: cfg.MaxPending,
		reserve:    cfg.Reserve,
		maxLanes:   cfg.MaxLanes,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit queues task on key's lane without waiting for it to run.
func (m *Manager) Submit(key string, task Task) error {
	return m.submit(key, task, false)
}

// SubmitReserved queues task like Submit, but may also use the key's reserve
// slots and is not subject to MaxLanes. It is meant for short tasks that
// must stay ordered behind work already queued, such as answering input
// that Submit rejected.
func (m *Manager) SubmitReserved(key string, task Task) error {
	return m.submit(key, task, true)
}

func (m *Manager) submit(key string, task Task, reserved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}

	l, ok := m.lanes[key]
	if !ok {
		if !reserved && len(m.lanes) >= m.maxLanes {
			m.rejected++
			return fmt.Errorf("%w (%d)", ErrTooManyLanes, m.maxLanes)
		}
		l = &lane{key: key}
		m.lanes[key] = l
		m.wg.Add(1)
		go m.runWorker(l)
	}
	limit := m.maxPending
	if reserved {
		limit += m.reserve
	}
	if len(l.queue) >= limit {
		m.rejected++
		return fmt.Errorf("%w: %s has %d pending", ErrLaneFull, key, len(l.queue))
	}
	l.queue = append(l.queue, task)
	l.lastActive = time.Now()
	return nil
}

// runWorker drains a lane and removes it once empty.
func (m *Manager) runWorker(l *lane) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if len(l.queue) == 0 || m.ctx.Err() != nil {
			delete(m.lanes, l.key)
			m.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		m.mu.Unlock()

		m.execute(l.key, task)

		m.mu.Lock()
		m.processed++
		l.lastActive = time.Now()
		m.mu.Unlock()
	}
}

func (m *Manager) execute(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Lane] ❌ Task for %s panicked: %v", key, r)
		}
	}()
	task(m.ctx)
}

// Stop rejects new work, cancels running tasks' context and discards
// queued ones. Use Wait to block until workers exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
}

// Wait blocks until every worker has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Pending returns the number of queued tasks for key.
func (m *Manager) Pending(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[key]; ok {
		return len(l.queue)
	}
	return 0
}

// Stats returns lane manager statistics.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := 0
	for _, l := range m.lanes {
		pending += len(l.queue)
	}
	return map[string]any{
		"activeLanes": len(m.lanes),
		"pending":     pending,
		"processed":   m.processed,
		"rejected":    m.rejected,
	}
}

// ActiveCount returns the number of lanes with queued or running work.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}
