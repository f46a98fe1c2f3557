// Package world is an in-memory region-protection host. It keeps dimensions
// of cuboid regions, the sessions of connected players and the handler
// factories that observe those sessions, and it implements region.System.
//
// World never calls handlers while holding its own lock, so a handler may
// call back into the world (for example to disconnect a player).
package world

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/region"
)

type dimension struct {
	name    string
	global  *Region
	regions map[string]*Region
}

type session struct {
	player    *Player
	dimension string
	position  Point
	set       *ApplicableSet
	handlers  map[region.HandlerFactory]region.Handler
}

// PlayerLocation is where a connected player currently stands.
type PlayerLocation struct {
	Player    *Player
	Dimension string
	Position  Point
	Regions   []string
}

type World struct {
	logger  *slog.Logger
	catalog *Catalog

	mu         sync.Mutex
	dimensions map[string]*dimension
	sessions   map[uuid.UUID]*session
	factories  []region.HandlerFactory
}

type Option func(*World)

func WithLogger(logger *slog.Logger) Option {
	return func(w *World) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func New(opts ...Option) *World {
	w := &World{
		logger:     slog.Default(),
		catalog:    NewCatalog(),
		dimensions: make(map[string]*dimension),
		sessions:   make(map[uuid.UUID]*session),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ region.System = (*World)(nil)

// AddDimension creates a dimension with an empty global region. Adding an
// existing dimension is a no-op.
func (w *World) AddDimension(name string) *Region {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dimensionLocked(name).global
}

func (w *World) dimensionLocked(name string) *dimension {
	d, ok := w.dimensions[name]
	if !ok {
		d = &dimension{
			name:    name,
			global:  newGlobalRegion(name),
			regions: make(map[string]*Region),
		}
		w.dimensions[name] = d
	}
	return d
}

func (w *World) Dimensions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.dimensions))
	for name := range w.dimensions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AddRegion adds r to its dimension, creating the dimension if needed.
// Players standing inside r cross into it immediately.
func (w *World) AddRegion(r *Region) error {
	if r == nil || r.id == "" || r.global {
		return fmt.Errorf("%w: region id is required", ErrInvalidValue)
	}
	if r.id == GlobalRegionID {
		return fmt.Errorf("%w: region id %q is reserved", ErrInvalidValue, r.id)
	}

	w.mu.Lock()
	d := w.dimensionLocked(r.dimension)
	if _, exists := d.regions[r.id]; exists {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRegionExists, r)
	}
	d.regions[r.id] = r
	crossings := w.resolveLocked(r.dimension)
	w.mu.Unlock()

	w.deliver(crossings)
	return nil
}

// PutRegion adds r or replaces the region with the same ID. A replaced
// region keeps nothing: players inside it cross out of the old region and
// into r. It reports whether a region was replaced.
func (w *World) PutRegion(r *Region) (bool, error) {
	if r == nil || r.id == "" || r.global || r.id == GlobalRegionID {
		return false, fmt.Errorf("%w: region id is required and may not be %q", ErrInvalidValue, GlobalRegionID)
	}

	w.mu.Lock()
	d := w.dimensionLocked(r.dimension)
	_, replaced := d.regions[r.id]
	d.regions[r.id] = r
	crossings := w.resolveLocked(r.dimension)
	w.mu.Unlock()

	w.deliver(crossings)
	return replaced, nil
}

// RemoveRegion removes a region. Players inside it cross out of it.
func (w *World) RemoveRegion(dim, id string) error {
	w.mu.Lock()
	d, ok := w.dimensions[dim]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDimensionNotFound, dim)
	}
	if _, ok := d.regions[id]; !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrRegionNotFound, dim, id)
	}
	delete(d.regions, id)
	crossings := w.resolveLocked(dim)
	w.mu.Unlock()

	w.deliver(crossings)
	return nil
}

// Region returns a region by dimension and ID. GlobalRegionID names the
// global region of the dimension.
func (w *World) Region(dim, id string) (*Region, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.dimensions[dim]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDimensionNotFound, dim)
	}
	if id == GlobalRegionID {
		return d.global, nil
	}
	r, ok := d.regions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRegionNotFound, dim, id)
	}
	return r, nil
}

// Regions lists every region of every dimension, global regions included,
// ordered by dimension then ID.
func (w *World) Regions() []*Region {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*Region
	for _, d := range w.dimensions {
		out = append(out, d.global)
		for _, r := range d.regions {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *Region) int {
		if c := cmp.Compare(a.dimension, b.dimension); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return out
}

// SetRegionFlag sets a flag on a region by name.
func (w *World) SetRegionFlag(dim, id, flag string, value any) error {
	r, f, err := w.lookupRegionFlag(dim, id, flag)
	if err != nil {
		return err
	}
	return r.SetFlag(f, value)
}

// UnsetRegionFlag removes a flag from a region by name.
func (w *World) UnsetRegionFlag(dim, id, flag string) error {
	r, f, err := w.lookupRegionFlag(dim, id, flag)
	if err != nil {
		return err
	}
	r.UnsetFlag(f)
	return nil
}

func (w *World) lookupRegionFlag(dim, id, flag string) (*Region, *FlagHandle, error) {
	r, err := w.Region(dim, id)
	if err != nil {
		return nil, nil, err
	}
	f, ok := w.catalog.Lookup(flag)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrFlagNotFound, flag)
	}
	return r, f, nil
}

// Join connects a player at a position. A player that is already connected
// is disconnected first.
func (w *World) Join(id uuid.UUID, name, dim string, pos Point) *Player {
	if w.isConnected(id) {
		_ = w.Quit(id)
	}

	p := newPlayer(id, name)
	w.mu.Lock()
	d := w.dimensionLocked(dim)
	s := &session{
		player:    p,
		dimension: dim,
		position:  pos,
		set:       applicableAt(d, pos),
		handlers:  make(map[region.HandlerFactory]region.Handler),
	}
	w.sessions[id] = s
	factories := slices.Clone(w.factories)
	w.mu.Unlock()

	w.logger.Debug("player joined", "player", p.String(), "dimension", dim)
	for _, f := range factories {
		w.attach(s, f)
	}
	return p
}

func (w *World) isConnected(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[id]
	return ok
}

// Move teleports a connected player, possibly to another dimension.
func (w *World) Move(id uuid.UUID, dim string, pos Point) error {
	w.mu.Lock()
	s, ok := w.sessions[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, id)
	}
	d := w.dimensionLocked(dim)
	c, handlers := w.relocateLocked(s, d, pos)
	w.mu.Unlock()

	w.deliver([]pendingCrossing{{crossing: c, handlers: handlers}})
	return nil
}

// Quit disconnects a player and closes its handlers.
func (w *World) Quit(id uuid.UUID) error {
	w.mu.Lock()
	s, ok := w.sessions[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, id)
	}
	delete(w.sessions, id)
	s.player.online.Store(false)
	handlers := attachedLocked(s)
	clear(s.handlers)
	w.mu.Unlock()

	w.logger.Debug("player quit", "player", s.player.String())
	for _, h := range handlers {
		w.closeHandler(h)
	}
	return nil
}

// Drop disconnects a player without closing its handlers, the way a crashed
// connection does.
func (w *World) Drop(id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, id)
	}
	delete(w.sessions, id)
	s.player.online.Store(false)
	return nil
}

func (w *World) Locate(id uuid.UUID) (PlayerLocation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[id]
	if !ok {
		return PlayerLocation{}, fmt.Errorf("%w: %s", ErrPlayerNotFound, id)
	}
	loc := PlayerLocation{Player: s.player, Dimension: s.dimension, Position: s.position}
	for _, r := range s.set.regions {
		loc.Regions = append(loc.Regions, r.id)
	}
	return loc, nil
}

func (w *World) Players() []*Player {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Player, 0, len(w.sessions))
	for _, s := range w.sessions {
		out = append(out, s.player)
	}
	slices.SortFunc(out, func(a, b *Player) int {
		return slices.Compare(a.id[:], b.id[:])
	})
	return out
}

func (w *World) Player(id uuid.UUID) (region.Player, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[id]
	if !ok {
		return nil, false
	}
	return s.player, true
}

func (w *World) NativeFlags() []region.NativeFlag {
	return w.catalog.All()
}

func (w *World) NativeFlag(name string) (*FlagHandle, bool) {
	return w.catalog.Lookup(name)
}

func (w *World) RegisterNativeFlag(name string, kind core.Type) (region.NativeFlag, error) {
	h, err := w.catalog.Register(name, kind)
	if err != nil {
		return nil, err
	}
	w.logger.Info("native flag registered", "flag", h.String())
	return h, nil
}

// RegisterHandler adds a factory and attaches a handler to every connected
// player. Registering the same factory twice is a no-op.
func (w *World) RegisterHandler(f region.HandlerFactory) {
	w.mu.Lock()
	if slices.Contains(w.factories, f) {
		w.mu.Unlock()
		return
	}
	w.factories = append(w.factories, f)
	sessions := make([]*session, 0, len(w.sessions))
	for _, s := range w.sessions {
		sessions = append(sessions, s)
	}
	w.mu.Unlock()

	for _, s := range sessions {
		w.attach(s, f)
	}
}

// UnregisterHandler removes a factory and closes the handlers it created.
func (w *World) UnregisterHandler(f region.HandlerFactory) {
	w.mu.Lock()
	idx := slices.Index(w.factories, f)
	if idx < 0 {
		w.mu.Unlock()
		return
	}
	w.factories = slices.Delete(w.factories, idx, idx+1)
	var handlers []region.Handler
	for _, s := range w.sessions {
		if h, ok := s.handlers[f]; ok {
			handlers = append(handlers, h)
			delete(s.handlers, f)
		}
	}
	w.mu.Unlock()

	for _, h := range handlers {
		w.closeHandler(h)
	}
}

func (w *World) attach(s *session, f region.HandlerFactory) {
	h := w.newHandler(f, s.player)
	if h == nil {
		return
	}

	w.mu.Lock()
	current := w.sessions[s.player.id] == s && slices.Contains(w.factories, f)
	_, duplicate := s.handlers[f]
	if current && !duplicate {
		s.handlers[f] = h
	}
	set := s.set
	w.mu.Unlock()

	if !current || duplicate {
		w.closeHandler(h)
		return
	}
	w.safely("initialize", func() { h.Initialize(s.player, set) })
}

func (w *World) newHandler(f region.HandlerFactory, p *Player) (h region.Handler) {
	w.safely("create handler", func() { h = f.NewHandler(p) })
	return h
}

func (w *World) closeHandler(h region.Handler) {
	w.safely("close handler", h.Close)
}

func (w *World) safely(op string, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			w.logger.Error("region handler panicked", "op", op, "panic", recovered)
		}
	}()
	fn()
}

type pendingCrossing struct {
	crossing region.Crossing
	handlers []region.Handler
}

func (w *World) deliver(pending []pendingCrossing) {
	for _, p := range pending {
		if p.crossing.Empty() {
			continue
		}
		for _, h := range p.handlers {
			w.safely("cross boundary", func() { h.CrossBoundary(p.crossing) })
		}
	}
}

// resolveLocked recomputes the applicable sets of every session in dim.
func (w *World) resolveLocked(dim string) []pendingCrossing {
	d := w.dimensions[dim]
	var pending []pendingCrossing
	for _, s := range w.sessions {
		if s.dimension != dim {
			continue
		}
		c, handlers := w.relocateLocked(s, d, s.position)
		if !c.Empty() {
			pending = append(pending, pendingCrossing{crossing: c, handlers: handlers})
		}
	}
	return pending
}

func (w *World) relocateLocked(s *session, d *dimension, pos Point) (region.Crossing, []region.Handler) {
	from := s.set
	to := applicableAt(d, pos)
	c := region.Crossing{
		Player:        s.player,
		To:            to,
		GlobalChanged: s.dimension != d.name,
	}
	for _, r := range from.members() {
		if !to.contains(r) {
			c.Exited = append(c.Exited, r)
		}
	}
	for _, r := range to.members() {
		if !from.contains(r) {
			c.Entered = append(c.Entered, r)
		}
	}
	s.dimension = d.name
	s.position = pos
	s.set = to
	return c, attachedLocked(s)
}

func attachedLocked(s *session) []region.Handler {
	handlers := make([]region.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}

func applicableAt(d *dimension, pos Point) *ApplicableSet {
	var hits []*Region
	for _, r := range d.regions {
		if r.Contains(pos) {
			hits = append(hits, r)
		}
	}
	return newApplicableSet(hits, d.global)
}
