// Package detector answers, per region, whether the flag values of the region
// changed since the previous check.
//
// Two strategies share the [Detector] contract. [Snapshot] copies the
// region's flags on every check and compares them. [Instrumented] decorates
// the region's container with a mutation counter and only compares when the
// counter moved; it requires the region to implement
// [region.Instrumentable]. A [Factory] prefers the instrumented strategy and
// falls back to snapshots for good once installation fails.
package detector

import (
	"errors"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/region"
)

// ErrOptimizationUnsupported is returned when the instrumented strategy
// cannot be installed on a region.
var ErrOptimizationUnsupported = errors.New("region flag change optimization unsupported")

type Strategy string

const (
	StrategySnapshot     Strategy = "snapshot"
	StrategyInstrumented Strategy = "instrumented"
)

// Detector tracks one region. Update must be cheap enough to call every tick.
type Detector interface {
	// Update reports whether the region's flags differ from the previous
	// observation, and records the current state as observed.
	Update(r region.Region) (bool, error)
	// Cleanup removes any trace of the detector from the region. The
	// detector must not be used afterwards.
	Cleanup(r region.Region) error
	Strategy() Strategy
}

func snapshotOf(r region.Region) map[region.NativeFlag]any {
	storage := r.Storage()
	if storage == nil {
		return map[region.NativeFlag]any{}
	}
	return storage.Snapshot()
}

func flagsEqual(left, right map[region.NativeFlag]any) bool {
	if len(left) != len(right) {
		return false
	}
	for f, lv := range left {
		rv, ok := right[f]
		if !ok || !core.RawEqual(lv, rv) {
			return false
		}
	}
	return true
}
