package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/detector"
	"github.com/matt-riley/regionflagz/internal/tracing"
)

// SweepResult summarizes one tick.
type SweepResult struct {
	Watched   int
	Changed   int
	Refreshed int
	Dropped   int
}

type pendingUpdate struct {
	tracker *core.Tracker
	value   core.Value
}

// Tick runs one sweep: every watched region is checked for changes and every
// handle depending on a changed region is refreshed once. Every
// livenessTicks ticks, handles of players that went offline without a clean
// disconnect are dropped first.
func (r *Registry) Tick() {
	r.Sweep()
}

// Sweep is Tick reporting what it did.
func (r *Registry) Sweep() SweepResult {
	var result SweepResult

	r.mu.Lock()
	if r.system == nil {
		r.mu.Unlock()
		return result
	}
	r.ticks++
	if r.ticks%uint64(r.livenessTicks) == 0 {
		result.Dropped = r.sweepLivenessLocked()
	}

	result.Watched = r.watches.size()
	var affected []*handle
	seen := make(map[*handle]struct{})
	for _, e := range r.watches.entries {
		if len(e.handles) == 0 {
			r.watches.drop(e, r.logger)
			continue
		}
		if !r.detectLocked(e) {
			continue
		}
		result.Changed++
		for h := range e.handles {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			affected = append(affected, h)
		}
	}

	var span trace.Span
	if len(affected) > 0 {
		_, span = r.tracer.Start(context.Background(), "regionflagz.refresh",
			trace.WithAttributes(tracing.SweepAttributes(result.Watched, result.Changed, len(affected))...),
		)
	}

	updates := make([]pendingUpdate, 0, len(affected))
	for _, h := range affected {
		if h.state != handleActive {
			continue
		}
		result.Refreshed++
		if t, v := h.resolveLocked(); t != nil {
			updates = append(updates, pendingUpdate{tracker: t, value: v})
		}
	}
	r.metrics.ObserveSweep(result.Watched, result.Changed, result.Refreshed)
	r.mu.Unlock()

	for _, u := range updates {
		u.tracker.Update(u.value)
	}
	if span != nil {
		span.End()
	}
	return result
}

// detectLocked runs the entry's detector. Faults are logged and count as no
// change, except a failed instrumentation which switches the factory and the
// entry to snapshots and counts as a change.
func (r *Registry) detectLocked(e *watchEntry) (changed bool) {
	strategy := e.detector.Strategy()
	defer func() {
		if recovered := recover(); recovered != nil {
			r.metrics.IncDetectorFault(string(strategy))
			r.logger.Warn("region flag detector panicked",
				"region", e.region.ID(),
				"strategy", strategy,
				"panic", recovered,
			)
			changed = false
		}
	}()

	changed, err := e.detector.Update(e.region)
	if err == nil {
		return changed
	}

	r.metrics.IncDetectorFault(string(strategy))
	if errors.Is(err, detector.ErrOptimizationUnsupported) {
		r.detectors.Disable(err)
		if cleanupErr := e.detector.Cleanup(e.region); cleanupErr != nil {
			r.logger.Warn("could not remove region flag detector", "region", e.region.ID(), "error", cleanupErr)
		}
		e.detector = detector.NewSnapshot(e.region)
		return true
	}
	r.logger.Warn("region flag detector failed",
		"region", e.region.ID(),
		"strategy", strategy,
		"error", err,
	)
	return false
}

// sweepLivenessLocked drops every handle whose player is offline, along with
// the tracker it feeds unless a newer session took over.
func (r *Registry) sweepLivenessLocked() int {
	dropped := 0
	for h := range r.handles {
		if h.player != nil && h.player.Online() {
			continue
		}
		current := r.byKey[h.key] == h
		r.teardownLocked(h)
		if current {
			r.dropTrackerLocked(h.key)
		}
		dropped++
		r.logger.Debug("dropped region flag handle of offline player",
			"player", h.key.player.String(),
			"flag", h.flag.flag.Name(),
		)
	}
	if dropped > 0 {
		r.metrics.IncLivenessDrops(dropped)
		r.reportSizesLocked()
	}
	return dropped
}

// SweepLiveness drops handles of offline players immediately.
func (r *Registry) SweepLiveness() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLivenessLocked()
}

// Stats reports the current size of the engine.
type Stats struct {
	Flags    int
	Trackers int
	Handles  int
	Watched  int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Flags:    len(r.order),
		Trackers: len(r.trackers),
		Handles:  len(r.handles),
		Watched:  r.watches.size(),
	}
}

func (s SweepResult) String() string {
	return fmt.Sprintf("watched=%d changed=%d refreshed=%d dropped=%d", s.Watched, s.Changed, s.Refreshed, s.Dropped)
}
