package timer

import (
	"context"
	"sync"
	"time"

	"chargehold/pkg/logger"

	"github.com/jonboulle/clockwork"
)

// Func is called on every tick. ctx is cancelled when the timer is stopped.
type Func func(ctx context.Context)

// Driver runs at most one periodic timer per reservation id.
// Stop may be called from inside a Func.
type Driver interface {
	Start(id string, fn Func)
	Stop(id string)
	StopAll()
	Running(id string) bool
}

type TickerDriver struct {
	clock    clockwork.Clock
	interval time.Duration
	log      *logger.Logger

	mu     sync.Mutex
	timers map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewTickerDriver(clock clockwork.Clock, interval time.Duration, log *logger.Logger) *TickerDriver {
	return &TickerDriver{
		clock:    clock,
		interval: interval,
		log:      log,
		timers:   make(map[string]context.CancelFunc),
	}
}

// Start is a no-op when a timer for id is already running.
func (d *TickerDriver) Start(id string, fn Func) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.timers[id]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.timers[id] = cancel

	// Created before the goroutine so a fake clock advanced right after Start reaches it.
	ticker := d.clock.NewTicker(d.interval)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				d.run(ctx, id, fn)
			}
		}
	}()
}

func (d *TickerDriver) run(ctx context.Context, id string, fn Func) {
	defer func() {
		if err := recover(); err != nil {
			d.log.Error("Reservation timer panicked", "reservation_id", id, "error", err)
		}
	}()
	fn(ctx)
}

func (d *TickerDriver) Stop(id string) {
	d.mu.Lock()
	cancel, ok := d.timers[id]
	delete(d.timers, id)
	d.mu.Unlock()

	if ok {
		cancel()
	}
}

// StopAll cancels every timer and waits for in-flight ticks to return.
func (d *TickerDriver) StopAll() {
	d.mu.Lock()
	for id, cancel := range d.timers {
		cancel()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *TickerDriver) Running(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[id]
	return ok
}
