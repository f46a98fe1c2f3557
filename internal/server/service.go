package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/region"
	"github.com/matt-riley/regionflagz/internal/repository"
	"github.com/matt-riley/regionflagz/internal/service"
	"github.com/matt-riley/regionflagz/internal/tracing"
	"github.com/matt-riley/regionflagz/internal/world"
)

// Service is what the HTTP and gRPC transports need from the process.
type Service interface {
	ListFlags(ctx context.Context) ([]FlagInfo, error)
	Track(ctx context.Context, player uuid.UUID, flag string) (*core.Tracker, error)

	ListRegions(ctx context.Context) ([]RegionInfo, error)
	PutRegion(ctx context.Context, operator string, spec RegionSpec) error
	DeleteRegion(ctx context.Context, operator, dimension, id string) error
	SetRegionFlag(ctx context.Context, operator, dimension, id, flag string, value json.RawMessage) error
	UnsetRegionFlag(ctx context.Context, operator, dimension, id, flag string) error
	RecentEvents(ctx context.Context, limit int) ([]repository.RegionEvent, error)

	JoinPlayer(ctx context.Context, spec PlayerSpec) (PlayerInfo, error)
	MovePlayer(ctx context.Context, id uuid.UUID, dimension string, position [3]float64) (PlayerInfo, error)
	QuitPlayer(ctx context.Context, id uuid.UUID) error
	LocatePlayer(ctx context.Context, id uuid.UUID) (PlayerInfo, error)
}

// Tracking is the engine surface the backend reads from.
type Tracking interface {
	Flags() []*core.Flag
	Flag(name string) (*core.Flag, bool)
	Track(p region.Player, flag *core.Flag) (*core.Tracker, error)
}

var (
	_ Tracking = (*service.Registry)(nil)
	_ Service  = (*Backend)(nil)
)

type FlagInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type RegionInfo struct {
	RegionSpec
	Global bool           `json:"global"`
	Flags  map[string]any `json:"flags"`
}

type PlayerSpec struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Dimension string     `json:"dimension"`
	Position  [3]float64 `json:"position"`
}

type PlayerInfo struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Dimension string     `json:"dimension"`
	Position  [3]float64 `json:"position"`
	Regions   []string   `json:"regions"`
}

// Backend serves the transports from a live world, the tracking engine
// attached to it and a store for operator mutations. Session changes run on
// the world's tick loop through caller.
type Backend struct {
	tracking Tracking
	world    *world.World
	caller   Caller
	store    Store
}

func NewBackend(tracking Tracking, w *world.World, caller Caller, store Store) *Backend {
	if tracking == nil || w == nil || caller == nil || store == nil {
		panic("server: backend dependencies are required")
	}
	return &Backend{tracking: tracking, world: w, caller: caller, store: store}
}

func (b *Backend) ListFlags(context.Context) ([]FlagInfo, error) {
	flags := b.tracking.Flags()
	out := make([]FlagInfo, 0, len(flags))
	for _, f := range flags {
		out = append(out, FlagInfo{Name: f.Name(), Type: f.Type().String()})
	}
	return out, nil
}

// Track returns the tracker of flag for a connected player.
func (b *Backend) Track(ctx context.Context, player uuid.UUID, flag string) (*core.Tracker, error) {
	tracing.AnnotateValue(ctx, player.String(), flag)
	f, ok := b.tracking.Flag(flag)
	if !ok {
		return nil, fmt.Errorf("%w: %s", service.ErrFlagNotRegistered, flag)
	}
	p, ok := b.world.Player(player)
	if !ok {
		return nil, fmt.Errorf("%w: %s", world.ErrPlayerNotFound, player)
	}
	t, err := b.tracking.Track(p, f)
	if err != nil {
		return nil, err
	}
	// The player quit between the lookup and Track.
	if t.Closed() {
		return nil, fmt.Errorf("%w: %s", world.ErrPlayerNotFound, player)
	}
	return t, nil
}

func (b *Backend) ListRegions(context.Context) ([]RegionInfo, error) {
	regions := b.world.Regions()
	out := make([]RegionInfo, 0, len(regions))
	for _, r := range regions {
		bounds := r.Bounds()
		info := RegionInfo{
			RegionSpec: RegionSpec{
				Dimension: r.Dimension(),
				ID:        r.ID(),
				Priority:  r.Priority(),
			},
			Global: r.Global(),
			Flags:  make(map[string]any),
		}
		if !r.Global() {
			info.Min = [3]float64{bounds.Min.X, bounds.Min.Y, bounds.Min.Z}
			info.Max = [3]float64{bounds.Max.X, bounds.Max.Y, bounds.Max.Z}
		}
		for f, raw := range r.Flags() {
			info.Flags[f.Name()] = rawFlagJSON(f, raw)
		}
		out = append(out, info)
	}
	return out, nil
}

func (b *Backend) PutRegion(ctx context.Context, operator string, spec RegionSpec) error {
	return b.store.PutRegion(ctx, operator, spec)
}

func (b *Backend) DeleteRegion(ctx context.Context, operator, dimension, id string) error {
	return b.store.DeleteRegion(ctx, operator, dimension, id)
}

func (b *Backend) SetRegionFlag(ctx context.Context, operator, dimension, id, flag string, value json.RawMessage) error {
	return b.store.SetRegionFlag(ctx, operator, dimension, id, flag, value)
}

func (b *Backend) UnsetRegionFlag(ctx context.Context, operator, dimension, id, flag string) error {
	return b.store.UnsetRegionFlag(ctx, operator, dimension, id, flag)
}

func (b *Backend) RecentEvents(ctx context.Context, limit int) ([]repository.RegionEvent, error) {
	return b.store.RecentEvents(ctx, limit)
}

// JoinPlayer connects a player, replacing an existing session with the same
// ID. A zero ID gets a random one.
func (b *Backend) JoinPlayer(ctx context.Context, spec PlayerSpec) (PlayerInfo, error) {
	if spec.ID == uuid.Nil {
		spec.ID = uuid.New()
	}
	var info PlayerInfo
	err := b.caller.Call(ctx, func() error {
		b.world.Join(spec.ID, spec.Name, spec.Dimension, point(spec.Position))
		var err error
		info, err = b.locate(spec.ID)
		return err
	})
	return info, err
}

func (b *Backend) MovePlayer(ctx context.Context, id uuid.UUID, dimension string, position [3]float64) (PlayerInfo, error) {
	var info PlayerInfo
	err := b.caller.Call(ctx, func() error {
		if err := b.world.Move(id, dimension, point(position)); err != nil {
			return err
		}
		var err error
		info, err = b.locate(id)
		return err
	})
	return info, err
}

func (b *Backend) QuitPlayer(ctx context.Context, id uuid.UUID) error {
	return b.caller.Call(ctx, func() error {
		return b.world.Quit(id)
	})
}

func (b *Backend) LocatePlayer(_ context.Context, id uuid.UUID) (PlayerInfo, error) {
	return b.locate(id)
}

func (b *Backend) locate(id uuid.UUID) (PlayerInfo, error) {
	loc, err := b.world.Locate(id)
	if err != nil {
		return PlayerInfo{}, err
	}
	regions := loc.Regions
	if regions == nil {
		regions = []string{}
	}
	return PlayerInfo{
		ID:        loc.Player.ID(),
		Name:      loc.Player.Name(),
		Dimension: loc.Dimension,
		Position:  [3]float64{loc.Position.X, loc.Position.Y, loc.Position.Z},
		Regions:   regions,
	}, nil
}

func point(v [3]float64) world.Point {
	return world.Point{X: v[0], Y: v[1], Z: v[2]}
}

// rawFlagJSON renders a stored flag value the way tracker values are
// rendered, falling back to the raw value when it does not fit the kind.
func rawFlagJSON(f region.NativeFlag, raw any) any {
	v, err := core.Marshal(f.Kind(), raw)
	if err != nil {
		return raw
	}
	return valueJSON(v)
}

// valueJSON renders v as a JSON-friendly value, nil when absent. States and
// non-finite doubles render as strings.
func valueJSON(v core.Value) any {
	if !v.Present() {
		return nil
	}
	if s, ok := v.State(); ok {
		return s.String()
	}
	if f, ok := v.Double(); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return v.String()
	}
	return v.Interface()
}
