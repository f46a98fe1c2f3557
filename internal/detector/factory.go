package detector

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/matt-riley/regionflagz/internal/region"
)

// Factory creates detectors. It starts out preferring the instrumented
// strategy; the first installation failure switches it to snapshots for the
// rest of its lifetime, since such failures come from the region type and not
// from one region.
type Factory struct {
	logger     *slog.Logger
	optimized  atomic.Bool
	fallback   sync.Once
	onFallback func(err error)
}

type FactoryOption func(*Factory)

func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = logger }
}

// WithSnapshotOnly disables the instrumented strategy from the start.
func WithSnapshotOnly() FactoryOption {
	return func(f *Factory) { f.optimized.Store(false) }
}

// WithFallbackHook registers fn to run once when the factory falls back.
func WithFallbackHook(fn func(err error)) FactoryOption {
	return func(f *Factory) { f.onFallback = fn }
}

func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{}
	f.optimized.Store(true)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var defaultFactory = NewFactory()

// Default returns the process-wide factory. Registries share it unless given
// their own, so a failed installation is paid for once per process.
func Default() *Factory { return defaultFactory }

// Optimized reports whether new detectors use the instrumented strategy.
func (f *Factory) Optimized() bool { return f.optimized.Load() }

// New returns a detector for r holding its current flags as the baseline.
func (f *Factory) New(r region.Region) Detector {
	if f.optimized.Load() {
		d, err := NewInstrumented(r)
		if err == nil {
			return d
		}
		f.Disable(err)
	}
	return NewSnapshot(r)
}

// Disable switches the factory to the snapshot strategy. Only the first call
// logs and runs the fallback hook.
func (f *Factory) Disable(cause error) {
	f.optimized.Store(false)
	f.fallback.Do(func() {
		logger := f.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("could not optimize detection of region flag changes, comparing snapshots instead",
			"error", cause,
		)
		if f.onFallback != nil {
			f.onFallback(cause)
		}
	})
}
