package service

import (
	"log/slog"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/region"
)

type handleState int

const (
	handleUninitialized handleState = iota
	handleActive
	handleTornDown
)

func (s handleState) String() string {
	switch s {
	case handleUninitialized:
		return "uninitialized"
	case handleActive:
		return "active"
	case handleTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// handle follows one player session for one flag. All fields are guarded by
// the registry lock.
type handle struct {
	registry *Registry
	flag     *registeredFlag
	key      trackerKey

	state   handleState
	player  region.Player
	current region.Set
	deps    map[region.Region]struct{}
	raw     any
	present bool
}

var _ region.Handler = (*handle)(nil)

// Initialize resolves the value against the player's current regions and
// starts watching all of them.
func (h *handle) Initialize(p region.Player, current region.Set) {
	r := h.registry
	r.mu.Lock()
	if h.state != handleUninitialized {
		r.mu.Unlock()
		return
	}
	h.player = p
	h.current = current
	h.deps = make(map[region.Region]struct{})
	if current != nil {
		for _, reg := range current.Regions() {
			h.deps[reg] = struct{}{}
			r.watches.add(reg, h)
		}
	}
	h.state = handleActive
	r.handles[h] = struct{}{}
	r.byKey[h.key] = h
	t, v := h.resolveLocked()
	r.reportSizesLocked()
	r.mu.Unlock()

	push(t, v)
}

// CrossBoundary moves the handle's dependencies from the exited regions to
// the entered ones and resolves the value again.
func (h *handle) CrossBoundary(c region.Crossing) {
	if c.Empty() {
		return
	}
	r := h.registry
	r.mu.Lock()
	if h.state != handleActive {
		r.mu.Unlock()
		return
	}
	if c.Player != nil {
		h.player = c.Player
	}
	if c.To != nil {
		h.current = c.To
	}
	for _, reg := range c.Exited {
		delete(h.deps, reg)
		r.watches.remove(reg, h, r.logger)
	}
	for _, reg := range c.Entered {
		if _, ok := h.deps[reg]; ok {
			continue
		}
		h.deps[reg] = struct{}{}
		r.watches.add(reg, h)
	}
	t, v := h.resolveLocked()
	r.mu.Unlock()

	push(t, v)
}

// Close ends the session: the handle stops watching and the player's tracker
// for this flag is destroyed.
func (h *handle) Close() {
	r := h.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.state == handleTornDown {
		return
	}
	current := r.byKey[h.key] == h
	r.teardownLocked(h)
	if current {
		r.dropTrackerLocked(h.key)
	}
	r.reportSizesLocked()
}

// resolveLocked queries the value from the last known regions and returns the
// tracker to push it to, if anyone tracks this player and flag.
func (h *handle) resolveLocked() (*core.Tracker, core.Value) {
	h.raw, h.present = nil, false
	if h.current != nil && h.flag.native != nil {
		h.raw, h.present = h.current.QueryValue(h.player, h.flag.native)
	}
	if h.registry.byKey[h.key] != h {
		return nil, core.Value{}
	}
	t, ok := h.registry.trackers[h.key]
	if !ok {
		return nil, core.Value{}
	}
	return t, h.value(h.registry.logger)
}

// value marshals the last resolved raw value to the flag's type. Values that
// do not fit the type resolve as absent.
func (h *handle) value(logger *slog.Logger) core.Value {
	if !h.present {
		return core.Absent()
	}
	v, err := core.Marshal(h.flag.flag.Type(), h.raw)
	if err != nil {
		logger.Warn("region flag value does not match its type",
			"flag", h.flag.flag.String(),
			"player", h.key.player.String(),
			"error", err,
		)
		return core.Absent()
	}
	return v
}

// teardownLocked stops the handle watching any region. It is idempotent.
func (r *Registry) teardownLocked(h *handle) {
	if h.state == handleTornDown {
		return
	}
	for reg := range h.deps {
		r.watches.remove(reg, h, r.logger)
	}
	h.deps = nil
	h.current = nil
	h.state = handleTornDown
	delete(r.handles, h)
	if r.byKey[h.key] == h {
		delete(r.byKey, h.key)
	}
}

func push(t *core.Tracker, v core.Value) {
	if t != nil {
		t.Update(v)
	}
}
