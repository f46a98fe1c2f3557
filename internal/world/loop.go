package world

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/matt-riley/regionflagz/internal/region"
)

var (
	// ErrLoopStopped is returned by Call once the loop has stopped running.
	ErrLoopStopped  = errors.New("tick loop stopped")
	ErrCallPanicked = errors.New("tick call panicked")
)

type command struct {
	run   func()
	abort func()
}

type scheduledTask struct {
	id     uint64
	period int
	next   uint64
	run    func()
}

// Loop is the host's main thread. Commands queued with Do run at the start
// of the next tick, then every scheduled task that is due runs in
// scheduling order.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	tick    uint64
	nextID  uint64
	tasks   []*scheduledTask
	queue   []command
	stopped bool
}

func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{logger: logger}
}

var _ region.Scheduler = (*Loop)(nil)

// Every runs task every period ticks, starting period ticks from now.
func (l *Loop) Every(period int, task func()) func() {
	if period < 1 {
		period = 1
	}
	l.mu.Lock()
	l.nextID++
	t := &scheduledTask{id: l.nextID, period: period, next: l.tick + uint64(period), run: task}
	l.tasks = append(l.tasks, t)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, candidate := range l.tasks {
				if candidate.id == t.id {
					l.tasks = append(l.tasks[:i:i], l.tasks[i+1:]...)
					return
				}
			}
		})
	}
}

// Do queues fn for the next tick.
func (l *Loop) Do(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, command{run: fn})
}

// Call queues fn and waits for it to run.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	done := make(chan error, 1)
	l.queue = append(l.queue, command{
		run: func() {
			err := ErrCallPanicked
			defer func() { done <- err }()
			err = fn()
		},
		abort: func() { done <- ErrLoopStopped },
	})
	l.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ticks returns how many ticks have completed.
func (l *Loop) Ticks() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tick
}

// Step runs one tick.
func (l *Loop) Step() {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.tick++
	now := l.tick
	var due []*scheduledTask
	for _, t := range l.tasks {
		if t.next <= now {
			t.next = now + uint64(t.period)
			due = append(due, t)
		}
	}
	l.mu.Unlock()

	for _, c := range queue {
		l.run(c.run)
	}
	for _, t := range due {
		l.run(t.run)
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.logger.Error("tick task panicked", "panic", recovered)
		}
	}()
	fn()
}

// Run steps the loop every interval until ctx is done.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("tick loop started", "interval", interval.String())
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("tick loop stopping")
			return nil
		case <-ticker.C:
			l.Step()
		}
	}
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, c := range queue {
		if c.abort != nil {
			c.abort()
		}
	}
}
