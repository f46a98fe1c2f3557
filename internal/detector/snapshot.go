package detector

import "github.com/matt-riley/regionflagz/internal/region"

// Snapshot is the always-available strategy: it copies the region's flags on
// every Update and compares the copy with the previous one. Its cost is
// proportional to the number of flags on the region, changed or not.
type Snapshot struct {
	last map[region.NativeFlag]any
}

func NewSnapshot(r region.Region) *Snapshot {
	return &Snapshot{last: snapshotOf(r)}
}

func (d *Snapshot) Update(r region.Region) (bool, error) {
	current := snapshotOf(r)
	changed := !flagsEqual(current, d.last)
	d.last = current
	return changed, nil
}

func (d *Snapshot) Cleanup(region.Region) error {
	d.last = nil
	return nil
}

func (d *Snapshot) Strategy() Strategy { return StrategySnapshot }
