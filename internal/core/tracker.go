package core

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Listener is called after the tracked value changed. The new value is read
// through the tracker, not passed in.
type Listener func(t *Tracker)

// FaultHandler receives the recovered value of a panicking listener.
type FaultHandler func(t *Tracker, recovered any)

type listenerEntry struct {
	fn Listener
}

// Tracker caches the value of one flag for one player and notifies listeners
// when it changes.
//
// Listeners run synchronously on the goroutine that calls Update, in
// registration order, without any tracker lock held. A listener must not
// register flags or deactivate owners inline; queue that work instead.
type Tracker struct {
	owner   string
	player  uuid.UUID
	flag    *Flag
	onFault FaultHandler

	mu     sync.Mutex
	value  Value
	closed bool
	done   chan struct{}

	// listeners is replaced, never mutated, so notification can iterate a
	// snapshot while listeners are added or removed.
	listeners atomic.Pointer[[]*listenerEntry]
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithFaultHandler overrides how listener panics are reported. The default
// logs a warning with slog.
func WithFaultHandler(fn FaultHandler) TrackerOption {
	return func(t *Tracker) {
		if fn != nil {
			t.onFault = fn
		}
	}
}

func NewTracker(owner string, player uuid.UUID, flag *Flag, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		owner:   owner,
		player:  player,
		flag:    flag,
		onFault: logListenerFault,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Owner() string     { return t.owner }
func (t *Tracker) Player() uuid.UUID { return t.player }
func (t *Tracker) Flag() *Flag       { return t.flag }

// Value returns the current value; absent when no region in effect sets the
// flag.
func (t *Tracker) Value() Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Closed reports whether the tracker was detached from the registry. A closed
// tracker keeps its last value but never notifies again.
func (t *Tracker) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Done returns a channel that is closed when the tracker is closed.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// AddListener appends fn to the listener list. The returned function removes
// it again and is safe to call more than once.
func (t *Tracker) AddListener(fn Listener) (remove func()) {
	entry := &listenerEntry{fn: fn}

	t.mu.Lock()
	if !t.closed {
		var next []*listenerEntry
		if current := t.listeners.Load(); current != nil {
			next = make([]*listenerEntry, 0, len(*current)+1)
			next = append(next, *current...)
		}
		next = append(next, entry)
		t.listeners.Store(&next)
	}
	t.mu.Unlock()

	return func() { t.removeListener(entry) }
}

func (t *Tracker) removeListener(entry *listenerEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.listeners.Load()
	if current == nil {
		return
	}
	next := make([]*listenerEntry, 0, len(*current))
	for _, e := range *current {
		if e != entry {
			next = append(next, e)
		}
	}
	if len(next) != len(*current) {
		t.listeners.Store(&next)
	}
}

// Update stores v and notifies listeners if it differs from the current
// value. It reports whether listeners were notified.
func (t *Tracker) Update(v Value) bool {
	t.mu.Lock()
	if t.closed || t.value.Equal(v) {
		t.mu.Unlock()
		return false
	}
	t.value = v
	t.mu.Unlock()

	if listeners := t.listeners.Load(); listeners != nil {
		for _, entry := range *listeners {
			t.invoke(entry.fn)
		}
	}
	return true
}

// Close detaches the tracker: listeners are dropped and later updates are
// ignored. Close is idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.listeners.Store(nil)
	close(t.done)
}

func (t *Tracker) invoke(fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			t.onFault(t, r)
		}
	}()
	fn(t)
}

func logListenerFault(t *Tracker, recovered any) {
	slog.Warn("region flag listener panicked",
		"player", t.player.String(),
		"flag", t.flag.Name(),
		"panic", recovered,
	)
}
