package detector

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matt-riley/regionflagz/internal/region"
)

const maxInstallAttempts = 3

// countingStorage decorates a region container and counts mutations. It is
// shared by every Instrumented detector watching the same region, so each
// detector remembers the last count it saw instead of clearing a flag.
type countingStorage struct {
	base      region.MutableStorage
	mutations atomic.Uint64
}

func (s *countingStorage) Get(f region.NativeFlag) (any, bool) { return s.base.Get(f) }
func (s *countingStorage) Snapshot() map[region.NativeFlag]any { return s.base.Snapshot() }
func (s *countingStorage) Len() int                            { return s.base.Len() }

func (s *countingStorage) Put(f region.NativeFlag, value any) (any, bool) {
	previous, replaced := s.base.Put(f, value)
	s.mutations.Add(1)
	return previous, replaced
}

func (s *countingStorage) Remove(f region.NativeFlag) (any, bool) {
	previous, removed := s.base.Remove(f)
	if removed {
		s.mutations.Add(1)
	}
	return previous, removed
}

func (s *countingStorage) Clear() {
	s.base.Clear()
	s.mutations.Add(1)
}

// Instrumented only compares a region's flags after its container reported a
// mutation, or after something else replaced the container.
type Instrumented struct {
	// mu serializes installs and restores of the container on the region.
	mu      sync.Mutex
	storage *countingStorage
	seen    uint64
	last    map[region.NativeFlag]any
}

// NewInstrumented installs the counting container on r. It fails with
// ErrOptimizationUnsupported when r does not allow it, leaving r untouched.
func NewInstrumented(r region.Region) (*Instrumented, error) {
	storage, err := install(r)
	if err != nil {
		return nil, err
	}
	seen := storage.mutations.Load()
	return &Instrumented{
		storage: storage,
		seen:    seen,
		last:    storage.Snapshot(),
	}, nil
}

func (d *Instrumented) Update(r region.Region) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := r.Storage().(*countingStorage); ok && current == d.storage {
		mutations := current.mutations.Load()
		if mutations == d.seen {
			return false, nil
		}
		d.seen = mutations
	} else {
		// The region system swapped the container; install again and compare
		// whatever it holds now.
		storage, err := install(r)
		if err != nil {
			return false, fmt.Errorf("reinstall on region %s: %w", r.ID(), err)
		}
		d.storage = storage
		d.seen = storage.mutations.Load()
	}

	// A mutation is not necessarily a semantic change (a put of the same
	// value, a remove followed by a put), so compare before reporting.
	current := d.storage.Snapshot()
	if flagsEqual(current, d.last) {
		return false, nil
	}
	d.last = current
	return true, nil
}

// Cleanup restores the container that was in place before installation.
func (d *Instrumented) Cleanup(r region.Region) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.last = nil
	ir, ok := r.(region.Instrumentable)
	if !ok {
		return nil
	}
	for range maxInstallAttempts {
		current, ok := ir.Storage().(*countingStorage)
		if !ok {
			return nil
		}
		if ir.SwapStorage(current, current.base) {
			return nil
		}
	}
	return fmt.Errorf("restore storage of region %s: container kept changing", r.ID())
}

func (d *Instrumented) Strategy() Strategy { return StrategyInstrumented }

func install(r region.Region) (*countingStorage, error) {
	ir, ok := r.(region.Instrumentable)
	if !ok {
		return nil, fmt.Errorf("%w: region type %T does not expose its storage", ErrOptimizationUnsupported, r)
	}

	for range maxInstallAttempts {
		current := ir.Storage()
		if existing, ok := current.(*countingStorage); ok {
			return existing, nil
		}
		base, ok := current.(region.MutableStorage)
		if !ok {
			return nil, fmt.Errorf("%w: storage type %T of region %s is not mutable", ErrOptimizationUnsupported, current, r.ID())
		}

		wrapped := &countingStorage{base: base}
		if !ir.SwapStorage(current, wrapped) {
			continue
		}
		if got, ok := ir.Storage().(*countingStorage); !ok || got != wrapped {
			ir.SwapStorage(wrapped, base)
			return nil, fmt.Errorf("%w: region %s does not return the installed storage", ErrOptimizationUnsupported, r.ID())
		}
		return wrapped, nil
	}

	return nil, fmt.Errorf("%w: storage of region %s kept changing during install", ErrOptimizationUnsupported, r.ID())
}
