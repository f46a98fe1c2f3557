// Package service keeps the current value of every registered region flag for
// every online player. A Registry owns the registered flags, the per-player
// trackers, the table of watched regions and the per-tick sweep that turns
// region changes into tracker updates.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/detector"
	"github.com/matt-riley/regionflagz/internal/region"
)

const (
	DefaultLivenessTicks = 40
	tracerName           = "github.com/matt-riley/regionflagz/internal/service"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrDuplicateFlag     = errors.New("flag name already registered")
	ErrOwnerActive       = errors.New("flags must be registered before the owner is enabled")
	ErrTypeConflict      = errors.New("flag exists in the region system with another type")
	ErrFlagNotRegistered = errors.New("flag not registered")
	ErrNotStarted        = errors.New("registry not started")
	ErrAlreadyStarted    = errors.New("registry already started")
)

// Owner is whatever registers flags, typically a plugin. Flags live as long as
// their owner stays active.
type Owner interface {
	Name() string
	Enabled() bool
}

// Recorder receives engine measurements.
type Recorder interface {
	ObserveSweep(watched, changed, refreshed int)
	IncDetectorFault(strategy string)
	IncLivenessDrops(n int)
	SetActiveHandles(n int)
	SetTrackers(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSweep(int, int, int) {}
func (nopRecorder) IncDetectorFault(string)    {}
func (nopRecorder) IncLivenessDrops(int)       {}
func (nopRecorder) SetActiveHandles(int)       {}
func (nopRecorder) SetTrackers(int)            {}

type trackerKey struct {
	player uuid.UUID
	flag   *core.Flag
}

// registeredFlag binds a flag to its owner and to the region system. It is
// the handler factory the region system calls for every player session.
type registeredFlag struct {
	registry *Registry
	flag     *core.Flag
	owner    Owner
	native   region.NativeFlag
	attached bool
}

func (rf *registeredFlag) NewHandler(p region.Player) region.Handler {
	return &handle{registry: rf.registry, flag: rf, key: trackerKey{player: p.ID(), flag: rf.flag}}
}

// Registry is safe for concurrent use. Region events and ticks are expected
// on the host's main loop; registration may come from anywhere.
type Registry struct {
	logger        *slog.Logger
	metrics       Recorder
	detectors     *detector.Factory
	tracer        trace.Tracer
	livenessTicks int
	system        region.System

	mu         sync.Mutex
	flags      map[string]*registeredFlag
	order      []*registeredFlag
	trackers   map[trackerKey]*core.Tracker
	handles    map[*handle]struct{}
	byKey      map[trackerKey]*handle
	watches    *watchTable
	started    bool
	cancelTick func()
	ticks      uint64
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m Recorder) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithDetectorFactory replaces the process-wide detector factory.
func WithDetectorFactory(f *detector.Factory) Option {
	return func(r *Registry) {
		if f != nil {
			r.detectors = f
		}
	}
}

// WithLivenessInterval sets how many ticks pass between liveness sweeps.
func WithLivenessInterval(ticks int) Option {
	return func(r *Registry) {
		if ticks > 0 {
			r.livenessTicks = ticks
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// New returns a registry bound to system. A nil system yields a disabled
// registry: flags can be registered and tracked but never hold a value.
func New(system region.System, opts ...Option) *Registry {
	r := &Registry{
		logger:        slog.Default(),
		metrics:       nopRecorder{},
		detectors:     detector.Default(),
		tracer:        otel.Tracer(tracerName),
		livenessTicks: DefaultLivenessTicks,
		system:        system,
		flags:         make(map[string]*registeredFlag),
		trackers:      make(map[trackerKey]*core.Tracker),
		handles:       make(map[*handle]struct{}),
		byKey:         make(map[trackerKey]*handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.watches = newWatchTable(r.detectors)
	return r
}

// Enabled reports whether the registry is bound to a region system.
func (r *Registry) Enabled() bool {
	return r.system != nil
}

// RegisterFlag registers flag on behalf of owner. It must happen before the
// owner is enabled. Registering the same flag for the same owner again is a
// no-op.
func (r *Registry) RegisterFlag(owner Owner, flag *core.Flag) error {
	if owner == nil || flag == nil {
		return fmt.Errorf("%w: owner and flag are required", ErrInvalidArgument)
	}
	if owner.Enabled() {
		return fmt.Errorf("%w: %s registering %s", ErrOwnerActive, owner.Name(), flag.Name())
	}

	r.mu.Lock()
	key := strings.ToLower(flag.Name())
	if existing, ok := r.flags[key]; ok {
		r.mu.Unlock()
		if existing.flag == flag && existing.owner == owner {
			return nil
		}
		return fmt.Errorf("%w: %s (owned by %s)", ErrDuplicateFlag, flag.Name(), existing.owner.Name())
	}

	rf := &registeredFlag{registry: r, flag: flag, owner: owner}
	if r.system != nil {
		native, err := r.nativeFlag(flag)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		rf.native = native
	}
	r.flags[key] = rf
	r.order = append(r.order, rf)
	attach := r.started && rf.native != nil
	rf.attached = attach
	r.mu.Unlock()

	r.logger.Info("region flag registered", "flag", flag.String(), "owner", owner.Name())
	if attach {
		r.system.RegisterHandler(rf)
	}
	return nil
}

// nativeFlag finds or creates the region system's handle for flag. Existing
// handles survive owner reloads and are reused when the type matches.
func (r *Registry) nativeFlag(flag *core.Flag) (region.NativeFlag, error) {
	for _, native := range r.system.NativeFlags() {
		if !strings.EqualFold(native.Name(), flag.Name()) {
			continue
		}
		if native.Kind() != flag.Type() {
			return nil, fmt.Errorf("%w: %s is %s, want %s", ErrTypeConflict, flag.Name(), native.Kind(), flag.Type())
		}
		return native, nil
	}
	native, err := r.system.RegisterNativeFlag(flag.Name(), flag.Type())
	if err != nil {
		return nil, fmt.Errorf("register native flag %s: %w", flag.Name(), err)
	}
	return native, nil
}

// Flags returns the registered flags in registration order.
func (r *Registry) Flags() []*core.Flag {
	r.mu.Lock()
	defer r.mu.Unlock()
	flags := make([]*core.Flag, 0, len(r.order))
	for _, rf := range r.order {
		flags = append(flags, rf.flag)
	}
	return flags
}

// Flag looks up a registered flag by case-insensitive name.
func (r *Registry) Flag(name string) (*core.Flag, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rf, ok := r.flags[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return rf.flag, true
}

// OnOwnerDeactivated unregisters every flag of owner and destroys their
// trackers. The native flags stay with the region system.
func (r *Registry) OnOwnerDeactivated(owner Owner) {
	if owner == nil {
		return
	}

	r.mu.Lock()
	var removed []*registeredFlag
	r.order = slices.DeleteFunc(r.order, func(rf *registeredFlag) bool {
		if rf.owner != owner {
			return false
		}
		removed = append(removed, rf)
		return true
	})
	var detach []*registeredFlag
	for _, rf := range removed {
		delete(r.flags, strings.ToLower(rf.flag.Name()))
		for h := range r.handles {
			if h.flag == rf {
				r.teardownLocked(h)
			}
		}
		for key, t := range r.trackers {
			if key.flag == rf.flag {
				delete(r.trackers, key)
				t.Close()
			}
		}
		if rf.attached {
			rf.attached = false
			detach = append(detach, rf)
		}
	}
	r.reportSizesLocked()
	r.mu.Unlock()

	for _, rf := range detach {
		r.system.UnregisterHandler(rf)
	}
	if len(removed) > 0 {
		r.logger.Info("region flag owner deactivated", "owner", owner.Name(), "flags", len(removed))
	}
}

// OnPlayerDisconnected tears down every handle and tracker of p.
func (r *Registry) OnPlayerDisconnected(p region.Player) {
	if p == nil {
		return
	}
	id := p.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rf := range r.order {
		key := trackerKey{player: id, flag: rf.flag}
		if h, ok := r.byKey[key]; ok {
			r.teardownLocked(h)
		}
		r.dropTrackerLocked(key)
	}
	r.reportSizesLocked()
}

// Track returns the tracker of flag for p, creating it on first use. A
// player reference that is no longer online gets the existing tracker if
// there is one, or a detached tracker that is already closed.
func (r *Registry) Track(p region.Player, flag *core.Flag) (*core.Tracker, error) {
	if p == nil || flag == nil {
		return nil, fmt.Errorf("%w: player and flag are required", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rf, ok := r.flags[strings.ToLower(flag.Name())]
	if !ok || rf.flag != flag {
		return nil, fmt.Errorf("%w: %s", ErrFlagNotRegistered, flag.Name())
	}

	key := trackerKey{player: p.ID(), flag: flag}
	if t, ok := r.trackers[key]; ok {
		return t, nil
	}
	if !p.Online() {
		detached := core.NewTracker(rf.owner.Name(), key.player, flag)
		detached.Close()
		return detached, nil
	}

	t := core.NewTracker(rf.owner.Name(), key.player, flag)
	r.trackers[key] = t
	if h, ok := r.byKey[key]; ok && h.state == handleActive {
		// No listener can be attached yet, so seeding the value here notifies
		// nobody.
		t.Update(h.value(r.logger))
	}
	r.metrics.SetTrackers(len(r.trackers))
	return t, nil
}

// Start attaches the registry to the region system and schedules the tick
// sweep on scheduler. A nil scheduler leaves ticking to the caller.
func (r *Registry) Start(scheduler region.Scheduler) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	var attach []*registeredFlag
	if r.system != nil {
		for _, rf := range r.order {
			rf.attached = true
			attach = append(attach, rf)
		}
	}
	r.mu.Unlock()

	for _, rf := range attach {
		r.system.RegisterHandler(rf)
	}
	if scheduler != nil && r.system != nil {
		cancel := scheduler.Every(1, r.Tick)
		r.mu.Lock()
		r.cancelTick = cancel
		r.mu.Unlock()
	}
	r.logger.Info("region flag registry started", "enabled", r.system != nil, "flags", len(attach))
	return nil
}

// Stop detaches the registry from the region system. Every handle is torn
// down, every detector removed from its region and every tracker destroyed.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	r.started = false
	cancel := r.cancelTick
	r.cancelTick = nil
	var detach []*registeredFlag
	for _, rf := range r.order {
		if rf.attached {
			rf.attached = false
			detach = append(detach, rf)
		}
	}
	for h := range r.handles {
		r.teardownLocked(h)
	}
	for key, t := range r.trackers {
		delete(r.trackers, key)
		t.Close()
	}
	r.watches.clear(r.logger)
	r.reportSizesLocked()
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, rf := range detach {
		r.system.UnregisterHandler(rf)
	}
	r.logger.Info("region flag registry stopped")
	return nil
}

func (r *Registry) dropTrackerLocked(key trackerKey) {
	if t, ok := r.trackers[key]; ok {
		delete(r.trackers, key)
		t.Close()
	}
}

func (r *Registry) reportSizesLocked() {
	r.metrics.SetTrackers(len(r.trackers))
	r.metrics.SetActiveHandles(len(r.handles))
}
