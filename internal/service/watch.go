package service

import (
	"log/slog"

	"github.com/matt-riley/regionflagz/internal/detector"
	"github.com/matt-riley/regionflagz/internal/region"
)

// watchEntry is a watched region with its detector and the handles whose
// value depends on the region.
type watchEntry struct {
	region   region.Region
	detector detector.Detector
	handles  map[*handle]struct{}
}

// watchTable maps regions, by identity, to their watch entries. An entry
// exists exactly while at least one handle depends on its region.
type watchTable struct {
	factory *detector.Factory
	entries map[region.Region]*watchEntry
}

func newWatchTable(factory *detector.Factory) *watchTable {
	return &watchTable{factory: factory, entries: make(map[region.Region]*watchEntry)}
}

// add records that h depends on reg. The first dependency creates the
// detector, which takes the region's current flags as its baseline.
func (t *watchTable) add(reg region.Region, h *handle) {
	e, ok := t.entries[reg]
	if !ok {
		e = &watchEntry{
			region:   reg,
			detector: t.factory.New(reg),
			handles:  make(map[*handle]struct{}),
		}
		t.entries[reg] = e
	}
	e.handles[h] = struct{}{}
}

// remove drops the dependency of h on reg and prunes the entry once no
// handle is left.
func (t *watchTable) remove(reg region.Region, h *handle, logger *slog.Logger) {
	e, ok := t.entries[reg]
	if !ok {
		return
	}
	delete(e.handles, h)
	if len(e.handles) == 0 {
		t.drop(e, logger)
	}
}

func (t *watchTable) drop(e *watchEntry, logger *slog.Logger) {
	delete(t.entries, e.region)
	if err := e.detector.Cleanup(e.region); err != nil {
		logger.Warn("could not remove region flag detector", "region", e.region.ID(), "error", err)
	}
}

func (t *watchTable) clear(logger *slog.Logger) {
	for _, e := range t.entries {
		t.drop(e, logger)
	}
}

func (t *watchTable) size() int {
	return len(t.entries)
}

func (t *watchTable) watching(reg region.Region) bool {
	_, ok := t.entries[reg]
	return ok
}
