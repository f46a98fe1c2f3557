package world

import (
	"maps"
	"sync"

	"github.com/matt-riley/regionflagz/internal/region"
)

// flagStorage is the default region container.
type flagStorage struct {
	mu     sync.RWMutex
	values map[region.NativeFlag]any
}

func newFlagStorage(values map[region.NativeFlag]any) *flagStorage {
	s := &flagStorage{values: make(map[region.NativeFlag]any, len(values))}
	for f, v := range values {
		if v != nil {
			s.values[f] = v
		}
	}
	return s
}

func (s *flagStorage) Get(f region.NativeFlag) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[f]
	return v, ok
}

func (s *flagStorage) Snapshot() map[region.NativeFlag]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

func (s *flagStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func (s *flagStorage) Put(f region.NativeFlag, value any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, replaced := s.values[f]
	if value == nil {
		delete(s.values, f)
	} else {
		s.values[f] = value
	}
	return previous, replaced
}

func (s *flagStorage) Remove(f region.NativeFlag) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.values[f]
	delete(s.values, f)
	return previous, ok
}

func (s *flagStorage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.values)
}
