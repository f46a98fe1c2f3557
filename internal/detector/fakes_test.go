package detector

import (
	"maps"
	"sync"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/region"
)

type testFlag struct {
	name string
	kind core.Type
}

func (f *testFlag) Name() string    { return f.name }
func (f *testFlag) Kind() core.Type { return f.kind }

type mapStorage struct {
	values    map[region.NativeFlag]any
	snapshots int
}

func newMapStorage() *mapStorage {
	return &mapStorage{values: make(map[region.NativeFlag]any)}
}

func (s *mapStorage) Get(f region.NativeFlag) (any, bool) {
	v, ok := s.values[f]
	return v, ok
}

func (s *mapStorage) Snapshot() map[region.NativeFlag]any {
	s.snapshots++
	return maps.Clone(s.values)
}

func (s *mapStorage) Len() int { return len(s.values) }

func (s *mapStorage) Put(f region.NativeFlag, value any) (any, bool) {
	previous, ok := s.values[f]
	s.values[f] = value
	return previous, ok
}

func (s *mapStorage) Remove(f region.NativeFlag) (any, bool) {
	previous, ok := s.values[f]
	delete(s.values, f)
	return previous, ok
}

func (s *mapStorage) Clear() { clear(s.values) }

// readOnlyStorage hides the mutating methods of its base.
type readOnlyStorage struct {
	region.Storage
}

// testRegion is instrumentable; every mutation goes through its current
// container, as a real region system would do it.
type testRegion struct {
	id string

	mu      sync.Mutex
	storage region.Storage
	// ignoreSwaps makes SwapStorage report success without installing.
	ignoreSwaps bool
}

func newTestRegion(id string) *testRegion {
	return &testRegion{id: id, storage: newMapStorage()}
}

func (r *testRegion) ID() string { return r.id }

func (r *testRegion) Storage() region.Storage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storage
}

func (r *testRegion) SwapStorage(old, next region.Storage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storage != old {
		return false
	}
	if !r.ignoreSwaps {
		r.storage = next
	}
	return true
}

func (r *testRegion) mutable() region.MutableStorage {
	return r.Storage().(region.MutableStorage)
}

func (r *testRegion) put(f region.NativeFlag, v any) { r.mutable().Put(f, v) }
func (r *testRegion) remove(f region.NativeFlag)     { r.mutable().Remove(f) }
func (r *testRegion) clearFlags()                    { r.mutable().Clear() }

// replace installs a brand new container, bypassing any decorator.
func (r *testRegion) replace(values map[region.NativeFlag]any) {
	s := newMapStorage()
	maps.Copy(s.values, values)
	r.mu.Lock()
	r.storage = s
	r.mu.Unlock()
}

// plainRegion does not expose its container.
type plainRegion struct {
	id      string
	storage *mapStorage
}

func (r *plainRegion) ID() string              { return r.id }
func (r *plainRegion) Storage() region.Storage { return r.storage }
