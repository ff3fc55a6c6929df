package timer

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var ErrManagerStopped = errors.New("timer manager is stopped")

// Task is a callback scheduled for a point in time
type Task struct {
	ID  string
	At  time.Time
	Run func()

	index int // position in the heap
}

// taskHeap is a min-heap of tasks ordered by At
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].At.Before(h[j].At)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[0 : n-1]
	return task
}

// Manager runs scheduled callbacks from a single scheduler goroutine.
// Scheduling an id that is already pending replaces it.
type Manager struct {
	heap    taskHeap
	mu      sync.Mutex
	wakeup  chan struct{}
	tasks   map[string]*Task
	running sync.WaitGroup
	fired   int64
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a timer manager; call Start before scheduling
func NewManager() *Manager {
	m := &Manager{
		heap:   make(taskHeap, 0),
		wakeup: make(chan struct{}, 1),
		tasks:  make(map[string]*Task),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	heap.Init(&m.heap)
	return m
}

// Start launches the scheduler goroutine
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	go m.run()
}

// Stop stops the scheduler, drops pending tasks and waits for running
// callbacks to return
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	m.heap = m.heap[:0]
	m.tasks = make(map[string]*Task)
	started := m.started
	m.mu.Unlock()

	if started {
		<-m.doneCh
	}
	m.running.Wait()
}

// Schedule runs fn at the given time
func (m *Manager) Schedule(id string, at time.Time, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}

	if existing, ok := m.tasks[id]; ok {
		heap.Remove(&m.heap, existing.index)
		delete(m.tasks, id)
	}

	task := &Task{ID: id, At: at, Run: fn}
	heap.Push(&m.heap, task)
	m.tasks[id] = task

	if m.heap[0] == task {
		select {
		case m.wakeup <- struct{}{}:
		default:
		}
	}

	return nil
}

// After runs fn once d has elapsed
func (m *Manager) After(id string, d time.Duration, fn func()) error {
	return m.Schedule(id, time.Now().Add(d), fn)
}

// Cancel removes a pending task. It reports false when the task already
// fired or was never scheduled.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return false
	}

	heap.Remove(&m.heap, task.index)
	delete(m.tasks, id)
	return true
}

func (m *Manager) run() {
	defer close(m.doneCh)

	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}

		wait := 24 * time.Hour
		if m.heap.Len() > 0 {
			wait = time.Until(m.heap[0].At)
			if wait <= 0 {
				task := heap.Pop(&m.heap).(*Task)
				delete(m.tasks, task.ID)
				m.fired++
				m.running.Add(1)
				m.mu.Unlock()

				go func() {
					defer m.running.Done()
					task.Run()
				}()
				continue
			}
		}
		m.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-m.wakeup:
			timer.Stop()
		case <-m.stopCh:
			timer.Stop()
			return
		}
	}
}

// Stats contains statistics about the timer manager
type Stats struct {
	Scheduled int
	Fired     int64
}

// Stats returns statistics about the timer manager
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Scheduled: len(m.tasks),
		Fired:     m.fired,
	}
}

// NextDaily returns the next occurrence of hour:minute in now's location,
// strictly after now
func NextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
