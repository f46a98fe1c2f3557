package world

import (
	"fmt"
	"sync"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/region"
)

// GlobalRegionID is the ID of the implicit region covering a whole dimension.
const GlobalRegionID = "__global__"

type Point struct {
	X, Y, Z float64
}

// Bounds is an axis-aligned box, inclusive on both corners.
type Bounds struct {
	Min, Max Point
}

func (b Bounds) Contains(p Point) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

func (b Bounds) normalized() Bounds {
	if b.Min.X > b.Max.X {
		b.Min.X, b.Max.X = b.Max.X, b.Min.X
	}
	if b.Min.Y > b.Max.Y {
		b.Min.Y, b.Max.Y = b.Max.Y, b.Min.Y
	}
	if b.Min.Z > b.Max.Z {
		b.Min.Z, b.Max.Z = b.Max.Z, b.Min.Z
	}
	return b
}

// Region is a cuboid region of one dimension. Higher priority regions win
// when several regions set the same flag.
type Region struct {
	id        string
	dimension string
	priority  int
	bounds    Bounds
	global    bool

	mu      sync.Mutex
	storage region.Storage
}

func NewRegion(id, dimension string, priority int, bounds Bounds) *Region {
	return &Region{
		id:        id,
		dimension: dimension,
		priority:  priority,
		bounds:    bounds.normalized(),
		storage:   newFlagStorage(nil),
	}
}

func newGlobalRegion(dimension string) *Region {
	return &Region{
		id:        GlobalRegionID,
		dimension: dimension,
		global:    true,
		storage:   newFlagStorage(nil),
	}
}

func (r *Region) ID() string        { return r.id }
func (r *Region) Dimension() string { return r.dimension }
func (r *Region) Priority() int     { return r.priority }
func (r *Region) Bounds() Bounds    { return r.bounds }
func (r *Region) Global() bool      { return r.global }

func (r *Region) Contains(p Point) bool {
	return r.global || r.bounds.Contains(p)
}

func (r *Region) Storage() region.Storage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storage
}

func (r *Region) SwapStorage(old, next region.Storage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storage != old {
		return false
	}
	r.storage = next
	return true
}

// SetFlag stores value for f through the current container. A nil value
// unsets the flag.
func (r *Region) SetFlag(f region.NativeFlag, value any) error {
	if value == nil {
		r.UnsetFlag(f)
		return nil
	}
	if _, err := core.Marshal(f.Kind(), value); err != nil {
		return fmt.Errorf("%w: region %s flag %s: %v", ErrInvalidValue, r.id, f.Name(), err)
	}
	r.mutable().Put(f, value)
	return nil
}

func (r *Region) UnsetFlag(f region.NativeFlag) bool {
	_, removed := r.mutable().Remove(f)
	return removed
}

func (r *Region) ClearFlags() {
	r.mutable().Clear()
}

// ReplaceFlags installs a new container holding values, discarding the old
// container entirely.
func (r *Region) ReplaceFlags(values map[region.NativeFlag]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage = newFlagStorage(values)
}

func (r *Region) FlagValue(f region.NativeFlag) (any, bool) {
	return r.Storage().Get(f)
}

func (r *Region) Flags() map[region.NativeFlag]any {
	return r.Storage().Snapshot()
}

func (r *Region) mutable() region.MutableStorage {
	storage := r.Storage()
	if m, ok := storage.(region.MutableStorage); ok {
		return m
	}
	// Someone installed a read-only container; copy it into a writable one.
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.storage.(region.MutableStorage); ok {
		return m
	}
	m := newFlagStorage(r.storage.Snapshot())
	r.storage = m
	return m
}

func (r *Region) String() string {
	return fmt.Sprintf("%s/%s", r.dimension, r.id)
}
