package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/repository"
)

var errNotImplemented = errors.New("not implemented")

type fakeService struct {
	listFlagsFunc       func(ctx context.Context) ([]FlagInfo, error)
	trackFunc           func(ctx context.Context, player uuid.UUID, flag string) (*core.Tracker, error)
	listRegionsFunc     func(ctx context.Context) ([]RegionInfo, error)
	putRegionFunc       func(ctx context.Context, operator string, spec RegionSpec) error
	deleteRegionFunc    func(ctx context.Context, operator, dimension, id string) error
	setRegionFlagFunc   func(ctx context.Context, operator, dimension, id, flag string, value json.RawMessage) error
	unsetRegionFlagFunc func(ctx context.Context, operator, dimension, id, flag string) error
	recentEventsFunc    func(ctx context.Context, limit int) ([]repository.RegionEvent, error)
	joinPlayerFunc      func(ctx context.Context, spec PlayerSpec) (PlayerInfo, error)
	movePlayerFunc      func(ctx context.Context, id uuid.UUID, dimension string, position [3]float64) (PlayerInfo, error)
	quitPlayerFunc      func(ctx context.Context, id uuid.UUID) error
	locatePlayerFunc    func(ctx context.Context, id uuid.UUID) (PlayerInfo, error)
}

func (f *fakeService) ListFlags(ctx context.Context) ([]FlagInfo, error) {
	if f.listFlagsFunc == nil {
		return nil, errNotImplemented
	}
	return f.listFlagsFunc(ctx)
}

func (f *fakeService) Track(ctx context.Context, player uuid.UUID, flag string) (*core.Tracker, error) {
	if f.trackFunc == nil {
		return nil, errNotImplemented
	}
	return f.trackFunc(ctx, player, flag)
}

func (f *fakeService) ListRegions(ctx context.Context) ([]RegionInfo, error) {
	if f.listRegionsFunc == nil {
		return nil, errNotImplemented
	}
	return f.listRegionsFunc(ctx)
}

func (f *fakeService) PutRegion(ctx context.Context, operator string, spec RegionSpec) error {
	if f.putRegionFunc == nil {
		return errNotImplemented
	}
	return f.putRegionFunc(ctx, operator, spec)
}

func (f *fakeService) DeleteRegion(ctx context.Context, operator, dimension, id string) error {
	if f.deleteRegionFunc == nil {
		return errNotImplemented
	}
	return f.deleteRegionFunc(ctx, operator, dimension, id)
}

func (f *fakeService) SetRegionFlag(ctx context.Context, operator, dimension, id, flag string, value json.RawMessage) error {
	if f.setRegionFlagFunc == nil {
		return errNotImplemented
	}
	return f.setRegionFlagFunc(ctx, operator, dimension, id, flag, value)
}

func (f *fakeService) UnsetRegionFlag(ctx context.Context, operator, dimension, id, flag string) error {
	if f.unsetRegionFlagFunc == nil {
		return errNotImplemented
	}
	return f.unsetRegionFlagFunc(ctx, operator, dimension, id, flag)
}

func (f *fakeService) RecentEvents(ctx context.Context, limit int) ([]repository.RegionEvent, error) {
	if f.recentEventsFunc == nil {
		return nil, errNotImplemented
	}
	return f.recentEventsFunc(ctx, limit)
}

func (f *fakeService) JoinPlayer(ctx context.Context, spec PlayerSpec) (PlayerInfo, error) {
	if f.joinPlayerFunc == nil {
		return PlayerInfo{}, errNotImplemented
	}
	return f.joinPlayerFunc(ctx, spec)
}

func (f *fakeService) MovePlayer(ctx context.Context, id uuid.UUID, dimension string, position [3]float64) (PlayerInfo, error) {
	if f.movePlayerFunc == nil {
		return PlayerInfo{}, errNotImplemented
	}
	return f.movePlayerFunc(ctx, id, dimension, position)
}

func (f *fakeService) QuitPlayer(ctx context.Context, id uuid.UUID) error {
	if f.quitPlayerFunc == nil {
		return errNotImplemented
	}
	return f.quitPlayerFunc(ctx, id)
}

func (f *fakeService) LocatePlayer(ctx context.Context, id uuid.UUID) (PlayerInfo, error) {
	if f.locatePlayerFunc == nil {
		return PlayerInfo{}, errNotImplemented
	}
	return f.locatePlayerFunc(ctx, id)
}

type recordingObserver struct {
	mu      sync.Mutex
	present int
	absent  int
	streams atomic.Int64
}

func (o *recordingObserver) StreamOpened(string) func() {
	o.streams.Add(1)
	return func() { o.streams.Add(-1) }
}

func (o *recordingObserver) RecordValueRead(present bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if present {
		o.present++
	} else {
		o.absent++
	}
}

// directCaller runs calls inline, standing in for the tick loop.
type directCaller struct{}

func (directCaller) Call(_ context.Context, fn func() error) error { return fn() }

type fakeRepository struct {
	regions []repository.Region
	flags   []repository.RegionFlag
	unset   []string
	deleted []string
	events  []repository.RegionEvent
	err     error
}

func (r *fakeRepository) PutRegion(_ context.Context, _ string, region repository.Region) (repository.RegionEvent, error) {
	r.regions = append(r.regions, region)
	return repository.RegionEvent{}, r.err
}

func (r *fakeRepository) DeleteRegion(_ context.Context, _, dimension, id string) (repository.RegionEvent, error) {
	r.deleted = append(r.deleted, dimension+"/"+id)
	return repository.RegionEvent{}, r.err
}

func (r *fakeRepository) SetRegionFlag(_ context.Context, _ string, flag repository.RegionFlag) (repository.RegionEvent, error) {
	r.flags = append(r.flags, flag)
	return repository.RegionEvent{}, r.err
}

func (r *fakeRepository) UnsetRegionFlag(_ context.Context, _, dimension, regionID, flag string) (repository.RegionEvent, error) {
	r.unset = append(r.unset, dimension+"/"+regionID+"/"+flag)
	return repository.RegionEvent{}, r.err
}

func (r *fakeRepository) ListRecentEvents(_ context.Context, limit int) ([]repository.RegionEvent, error) {
	return r.events[:min(limit, len(r.events))], r.err
}
