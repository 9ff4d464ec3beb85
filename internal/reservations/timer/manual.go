package timer

import (
	"context"
	"sort"
	"sync"
)

// Manual is a Driver that never ticks on its own. Tests call Fire to run a
// tick synchronously on the calling goroutine.
type Manual struct {
	mu     sync.Mutex
	timers map[string]Func
	starts map[string]int
}

func NewManual() *Manual {
	return &Manual{
		timers: make(map[string]Func),
		starts: make(map[string]int),
	}
}

func (m *Manual) Start(id string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[id]; ok {
		return
	}
	m.timers[id] = fn
	m.starts[id]++
}

func (m *Manual) Stop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timers, id)
}

func (m *Manual) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.timers)
}

func (m *Manual) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[id]
	return ok
}

// Fire runs one tick for id and reports whether a timer was running.
func (m *Manual) Fire(ctx context.Context, id string) bool {
	m.mu.Lock()
	fn, ok := m.timers[id]
	m.mu.Unlock()

	if !ok {
		return false
	}
	fn(ctx)
	return true
}

// FireAll ticks every running timer once, in id order.
func (m *Manual) FireAll(ctx context.Context) {
	for _, id := range m.RunningIDs() {
		m.Fire(ctx, id)
	}
}

func (m *Manual) RunningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.timers))
	for id := range m.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Starts reports how many times a timer for id has been started.
func (m *Manual) Starts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts[id]
}
