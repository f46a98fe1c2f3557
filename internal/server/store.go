package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/repository"
	"github.com/matt-riley/regionflagz/internal/world"
)

// ErrEventsUnavailable is returned by stores that keep no event history.
var ErrEventsUnavailable = errors.New("region events are not recorded")

// RegionSpec is the geometry of a region written through a Store.
type RegionSpec struct {
	Dimension string     `json:"dimension"`
	ID        string     `json:"id"`
	Priority  int        `json:"priority"`
	Min       [3]float64 `json:"min"`
	Max       [3]float64 `json:"max"`
}

// Store applies operator mutations to the region world. Every method records
// operator as the author where the store keeps history.
type Store interface {
	PutRegion(ctx context.Context, operator string, spec RegionSpec) error
	DeleteRegion(ctx context.Context, operator, dimension, id string) error
	SetRegionFlag(ctx context.Context, operator, dimension, id, flag string, value json.RawMessage) error
	UnsetRegionFlag(ctx context.Context, operator, dimension, id, flag string) error
	RecentEvents(ctx context.Context, limit int) ([]repository.RegionEvent, error)
}

// Caller runs fn on the goroutine that owns the world.
type Caller interface {
	Call(ctx context.Context, fn func() error) error
}

// WorldStore mutates an in-memory world on its tick loop. Nothing survives a
// restart.
type WorldStore struct {
	world  *world.World
	caller Caller
}

func NewWorldStore(w *world.World, caller Caller) *WorldStore {
	return &WorldStore{world: w, caller: caller}
}

func (s *WorldStore) PutRegion(ctx context.Context, _ string, spec RegionSpec) error {
	return s.caller.Call(ctx, func() error {
		next := newWorldRegion(spec)
		if old, err := s.world.Region(spec.Dimension, spec.ID); err == nil {
			next.ReplaceFlags(old.Flags())
		}
		_, err := s.world.PutRegion(next)
		return err
	})
}

func (s *WorldStore) DeleteRegion(ctx context.Context, _, dimension, id string) error {
	return s.caller.Call(ctx, func() error {
		return s.world.RemoveRegion(dimension, id)
	})
}

func (s *WorldStore) SetRegionFlag(ctx context.Context, _, dimension, id, flag string, value json.RawMessage) error {
	raw, err := repository.DecodeValue(value)
	if err != nil {
		return fmt.Errorf("%w: %v", world.ErrInvalidValue, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: value is required", world.ErrInvalidValue)
	}
	return s.caller.Call(ctx, func() error {
		return s.world.SetRegionFlag(dimension, id, flag, raw)
	})
}

func (s *WorldStore) UnsetRegionFlag(ctx context.Context, _, dimension, id, flag string) error {
	return s.caller.Call(ctx, func() error {
		return s.world.UnsetRegionFlag(dimension, id, flag)
	})
}

func (s *WorldStore) RecentEvents(context.Context, int) ([]repository.RegionEvent, error) {
	return nil, ErrEventsUnavailable
}

// Repository is the persistence used by PersistentStore.
type Repository interface {
	PutRegion(ctx context.Context, operator string, region repository.Region) (repository.RegionEvent, error)
	DeleteRegion(ctx context.Context, operator, dimension, id string) (repository.RegionEvent, error)
	SetRegionFlag(ctx context.Context, operator string, flag repository.RegionFlag) (repository.RegionEvent, error)
	UnsetRegionFlag(ctx context.Context, operator, dimension, regionID, flag string) (repository.RegionEvent, error)
	ListRecentEvents(ctx context.Context, limit int) ([]repository.RegionEvent, error)
}

var _ Repository = (*repository.PostgresRepository)(nil)

// PersistentStore writes mutations to the database. The world picks them up
// through the region event follower, so a successful write is visible to
// trackers once the follower has applied it.
type PersistentStore struct {
	repo  Repository
	world *world.World
}

func NewPersistentStore(repo Repository, w *world.World) *PersistentStore {
	return &PersistentStore{repo: repo, world: w}
}

func (s *PersistentStore) PutRegion(ctx context.Context, operator string, spec RegionSpec) error {
	if spec.ID == "" || spec.ID == world.GlobalRegionID {
		return fmt.Errorf("%w: region id is required and may not be %q", world.ErrInvalidValue, world.GlobalRegionID)
	}
	_, err := s.repo.PutRegion(ctx, operator, repository.Region{
		Dimension: spec.Dimension,
		ID:        spec.ID,
		Priority:  spec.Priority,
		Min:       spec.Min,
		Max:       spec.Max,
	})
	return err
}

func (s *PersistentStore) DeleteRegion(ctx context.Context, operator, dimension, id string) error {
	_, err := s.repo.DeleteRegion(ctx, operator, dimension, id)
	return err
}

// SetRegionFlag checks the value against the flag kind and the target region
// against the world before writing, so bad requests never reach the event log.
func (s *PersistentStore) SetRegionFlag(ctx context.Context, operator, dimension, id, flag string, value json.RawMessage) error {
	native, ok := s.world.NativeFlag(flag)
	if !ok {
		return fmt.Errorf("%w: %s", world.ErrFlagNotFound, flag)
	}
	raw, err := repository.DecodeValue(value)
	if err != nil {
		return fmt.Errorf("%w: %v", world.ErrInvalidValue, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: value is required", world.ErrInvalidValue)
	}
	if _, err := core.Marshal(native.Kind(), raw); err != nil {
		return fmt.Errorf("%w: flag %s: %v", world.ErrInvalidValue, flag, err)
	}
	if id != world.GlobalRegionID {
		if _, err := s.world.Region(dimension, id); err != nil {
			return err
		}
	}

	_, err = s.repo.SetRegionFlag(ctx, operator, repository.RegionFlag{
		Dimension: dimension,
		RegionID:  id,
		Flag:      native.Name(),
		Value:     value,
	})
	return err
}

func (s *PersistentStore) UnsetRegionFlag(ctx context.Context, operator, dimension, id, flag string) error {
	native, ok := s.world.NativeFlag(flag)
	if !ok {
		return fmt.Errorf("%w: %s", world.ErrFlagNotFound, flag)
	}
	_, err := s.repo.UnsetRegionFlag(ctx, operator, dimension, id, native.Name())
	return err
}

func (s *PersistentStore) RecentEvents(ctx context.Context, limit int) ([]repository.RegionEvent, error) {
	return s.repo.ListRecentEvents(ctx, limit)
}

func newWorldRegion(spec RegionSpec) *world.Region {
	return world.NewRegion(spec.ID, spec.Dimension, spec.Priority, world.Bounds{
		Min: world.Point{X: spec.Min[0], Y: spec.Min[1], Z: spec.Min[2]},
		Max: world.Point{X: spec.Max[0], Y: spec.Max[1], Z: spec.Max[2]},
	})
}
