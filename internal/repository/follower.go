package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/world"
)

// EventSource is the part of the repository the follower reads.
type EventSource interface {
	ListEventsSince(ctx context.Context, eventID int64) ([]RegionEvent, error)
	SubscribeRegionEvents(ctx context.Context) (<-chan struct{}, error)
}

// Scheduler runs fn on the host loop and waits for it.
type Scheduler interface {
	Call(ctx context.Context, fn func() error) error
}

// Follower replays persisted region events onto the in-memory world. Events
// are applied on the host loop so that crossings and detector sweeps never
// interleave with a half-applied batch.
type Follower struct {
	source    EventSource
	world     *world.World
	scheduler Scheduler
	logger    *slog.Logger
	resync    time.Duration
	onApplied func(kind string, recordedAt time.Time)

	mu     sync.Mutex
	lastID int64
}

type FollowerOption func(*Follower)

func WithFollowerLogger(logger *slog.Logger) FollowerOption {
	return func(f *Follower) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithResyncInterval polls for events even without notifications. Zero
// disables polling.
func WithResyncInterval(d time.Duration) FollowerOption {
	return func(f *Follower) { f.resync = d }
}

// WithAppliedHook is called for every applied event, e.g. to record metrics.
func WithAppliedHook(fn func(kind string, recordedAt time.Time)) FollowerOption {
	return func(f *Follower) { f.onApplied = fn }
}

// NewFollower returns a follower that starts after lastEventID, usually the
// LastEventID of the snapshot the world was loaded from.
func NewFollower(source EventSource, w *world.World, scheduler Scheduler, lastEventID int64, opts ...FollowerOption) *Follower {
	f := &Follower{
		source:    source,
		world:     w,
		scheduler: scheduler,
		logger:    slog.Default(),
		lastID:    lastEventID,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// LastEventID reports the newest applied event.
func (f *Follower) LastEventID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastID
}

// Run catches up once and then applies new events whenever a notification
// arrives, until ctx ends.
func (f *Follower) Run(ctx context.Context) error {
	signals, err := f.source.SubscribeRegionEvents(ctx)
	if err != nil {
		return fmt.Errorf("subscribe region events: %w", err)
	}

	var resync <-chan time.Time
	if f.resync > 0 {
		ticker := time.NewTicker(f.resync)
		defer ticker.Stop()
		resync = ticker.C
	}

	f.syncLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-signals:
			if !ok {
				return nil
			}
			f.syncLogged(ctx)
		case <-resync:
			f.syncLogged(ctx)
		}
	}
}

func (f *Follower) syncLogged(ctx context.Context) {
	if _, err := f.Sync(ctx); err != nil && ctx.Err() == nil {
		f.logger.Warn("region event sync failed", "after_event_id", f.LastEventID(), "error", err)
	}
}

// Sync applies every event newer than the last applied one. Events that no
// longer apply (for example a flag set on a region removed since) are logged
// and skipped.
func (f *Follower) Sync(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	applied := 0
	for {
		events, err := f.source.ListEventsSince(ctx, f.lastID)
		if err != nil {
			return applied, err
		}
		if len(events) == 0 {
			return applied, nil
		}

		err = f.scheduler.Call(ctx, func() error {
			for _, ev := range events {
				if err := ApplyEvent(f.world, ev); err != nil {
					f.logger.Warn("skipped region event",
						"event_id", ev.EventID,
						"kind", ev.Kind,
						"error", err,
					)
				}
			}
			return nil
		})
		if err != nil {
			return applied, fmt.Errorf("apply region events: %w", err)
		}

		for _, ev := range events {
			if f.onApplied != nil {
				f.onApplied(ev.Kind, ev.CreatedAt)
			}
		}
		f.lastID = events[len(events)-1].EventID
		applied += len(events)
	}
}

// ApplySnapshot loads a persisted world into w.
func ApplySnapshot(w *world.World, snap Snapshot) error {
	for _, nf := range snap.NativeFlags {
		if err := applyNativeFlag(w, nf.Name, nf.Kind); err != nil {
			return err
		}
	}
	for _, reg := range snap.Regions {
		if _, err := w.PutRegion(toWorldRegion(reg)); err != nil {
			return fmt.Errorf("region %s/%s: %w", reg.Dimension, reg.ID, err)
		}
	}
	for _, rf := range snap.Flags {
		if err := applyFlag(w, rf.Dimension, rf.RegionID, rf.Flag, rf.Value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEvent applies one region event to w.
func ApplyEvent(w *world.World, ev RegionEvent) error {
	switch ev.Kind {
	case EventNativeFlag:
		var payload struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("decode native flag payload: %w", err)
		}
		return applyNativeFlag(w, ev.Flag, payload.Kind)

	case EventRegionPut:
		var g geometry
		if err := json.Unmarshal(ev.Payload, &g); err != nil {
			return fmt.Errorf("decode region payload: %w", err)
		}
		next := toWorldRegion(Region{Dimension: ev.Dimension, ID: ev.RegionID, Priority: g.Priority, Min: g.Min, Max: g.Max})
		if old, err := w.Region(ev.Dimension, ev.RegionID); err == nil {
			next.ReplaceFlags(old.Flags())
		}
		_, err := w.PutRegion(next)
		return err

	case EventRegionRemoved:
		err := w.RemoveRegion(ev.Dimension, ev.RegionID)
		if errors.Is(err, world.ErrRegionNotFound) || errors.Is(err, world.ErrDimensionNotFound) {
			return nil
		}
		return err

	case EventFlagSet:
		return applyFlag(w, ev.Dimension, ev.RegionID, ev.Flag, ev.Payload)

	case EventFlagUnset:
		return w.UnsetRegionFlag(ev.Dimension, ev.RegionID, ev.Flag)

	default:
		return fmt.Errorf("unknown region event kind %q", ev.Kind)
	}
}

func applyNativeFlag(w *world.World, name, kind string) error {
	typ, err := core.ParseType(kind)
	if err != nil {
		return fmt.Errorf("native flag %q: %w", name, err)
	}
	if existing, ok := w.NativeFlag(name); ok {
		if existing.Kind() != typ {
			return fmt.Errorf("%w: %s is %s, persisted as %s", world.ErrDuplicateNativeFlag, name, existing.Kind(), typ)
		}
		return nil
	}
	_, err = w.RegisterNativeFlag(name, typ)
	return err
}

func applyFlag(w *world.World, dimension, regionID, flag string, raw json.RawMessage) error {
	value, err := DecodeValue(raw)
	if err != nil {
		return fmt.Errorf("flag %s on %s/%s: %w", flag, dimension, regionID, err)
	}
	if regionID == world.GlobalRegionID {
		w.AddDimension(dimension)
	}
	return w.SetRegionFlag(dimension, regionID, flag, value)
}

// DecodeValue turns a stored JSON flag value into the raw value the world
// keeps. Numbers decode as float64.
func DecodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode flag value: %w", err)
	}
	return value, nil
}

func toWorldRegion(r Region) *world.Region {
	return world.NewRegion(r.ID, r.Dimension, r.Priority, world.Bounds{
		Min: world.Point{X: r.Min[0], Y: r.Min[1], Z: r.Min[2]},
		Max: world.Point{X: r.Max[0], Y: r.Max[1], Z: r.Max[2]},
	})
}
