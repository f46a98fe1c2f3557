package detector

import (
	"bytes"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/region"
)

var (
	heightFlag = &testFlag{name: "height", kind: core.TypeInteger}
	pvpFlag    = &testFlag{name: "pvp", kind: core.TypeState}
	motdFlag   = &testFlag{name: "motd", kind: core.TypeString}
)

func mustUpdate(t *testing.T, d Detector, r region.Region) bool {
	t.Helper()
	changed, err := d.Update(r)
	if err != nil {
		t.Fatalf("Update(%s) error = %v", r.ID(), err)
	}
	return changed
}

func TestSnapshotDetectsChanges(t *testing.T) {
	r := newTestRegion("spawn")
	r.put(heightFlag, 5)
	d := NewSnapshot(r)

	if mustUpdate(t, d, r) {
		t.Fatal("Update() without mutation = true, want false")
	}
	r.put(heightFlag, 7)
	if !mustUpdate(t, d, r) {
		t.Fatal("Update() after put = false, want true")
	}
	if mustUpdate(t, d, r) {
		t.Fatal("second Update() after put = true, want false")
	}
	r.put(heightFlag, 7.0)
	if mustUpdate(t, d, r) {
		t.Fatal("Update() after numerically equal put = true, want false")
	}
	r.remove(heightFlag)
	if !mustUpdate(t, d, r) {
		t.Fatal("Update() after remove = false, want true")
	}
	if d.Strategy() != StrategySnapshot {
		t.Fatalf("Strategy() = %s, want %s", d.Strategy(), StrategySnapshot)
	}
}

func TestInstrumentedSkipsComparisonWithoutMutation(t *testing.T) {
	r := newTestRegion("spawn")
	r.put(heightFlag, 5)
	base := r.Storage().(*mapStorage)

	d, err := NewInstrumented(r)
	if err != nil {
		t.Fatalf("NewInstrumented() error = %v", err)
	}
	before := base.snapshots

	for range 10 {
		if mustUpdate(t, d, r) {
			t.Fatal("Update() without mutation = true, want false")
		}
	}
	if base.snapshots != before {
		t.Fatalf("snapshots taken without mutation = %d, want 0", base.snapshots-before)
	}

	r.put(heightFlag, 6)
	if !mustUpdate(t, d, r) {
		t.Fatal("Update() after put = false, want true")
	}
	if base.snapshots != before+1 {
		t.Fatalf("snapshots taken after one mutation = %d, want 1", base.snapshots-before)
	}
}

func TestInstrumentedMutationWithoutSemanticChange(t *testing.T) {
	r := newTestRegion("spawn")
	r.put(pvpFlag, "deny")
	d, err := NewInstrumented(r)
	if err != nil {
		t.Fatalf("NewInstrumented() error = %v", err)
	}

	r.put(pvpFlag, "deny")
	if mustUpdate(t, d, r) {
		t.Fatal("Update() after put of the same value = true, want false")
	}

	r.remove(pvpFlag)
	r.put(pvpFlag, "deny")
	if mustUpdate(t, d, r) {
		t.Fatal("Update() after remove and put back = true, want false")
	}

	r.remove(motdFlag)
	if mustUpdate(t, d, r) {
		t.Fatal("Update() after removing a missing flag = true, want false")
	}
}

func TestInstrumentedReinstallsAfterContainerSwap(t *testing.T) {
	r := newTestRegion("spawn")
	r.put(heightFlag, 5)
	d, err := NewInstrumented(r)
	if err != nil {
		t.Fatalf("NewInstrumented() error = %v", err)
	}

	r.replace(map[region.NativeFlag]any{heightFlag: 9})
	if !mustUpdate(t, d, r) {
		t.Fatal("Update() after container swap with new values = false, want true")
	}
	if _, ok := r.Storage().(*countingStorage); !ok {
		t.Fatalf("Storage() after reinstall = %T, want *countingStorage", r.Storage())
	}

	r.replace(map[region.NativeFlag]any{heightFlag: 9})
	if mustUpdate(t, d, r) {
		t.Fatal("Update() after container swap with equal values = true, want false")
	}

	r.put(heightFlag, 10)
	if !mustUpdate(t, d, r) {
		t.Fatal("Update() after put into reinstalled container = false, want true")
	}
}

func TestInstrumentedCleanupRestoresContainer(t *testing.T) {
	r := newTestRegion("spawn")
	base := r.Storage()
	d, err := NewInstrumented(r)
	if err != nil {
		t.Fatalf("NewInstrumented() error = %v", err)
	}
	if r.Storage() == base {
		t.Fatal("NewInstrumented() left the original container in place")
	}

	if err := d.Cleanup(r); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if r.Storage() != base {
		t.Fatalf("Storage() after Cleanup() = %T, want the original container", r.Storage())
	}
	if err := d.Cleanup(r); err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}
}

func TestInstrumentedSharesInstalledContainer(t *testing.T) {
	r := newTestRegion("spawn")
	first, err := NewInstrumented(r)
	if err != nil {
		t.Fatalf("NewInstrumented() error = %v", err)
	}
	second, err := NewInstrumented(r)
	if err != nil {
		t.Fatalf("second NewInstrumented() error = %v", err)
	}

	r.put(heightFlag, 1)
	if !mustUpdate(t, first, r) {
		t.Fatal("first Update() = false, want true")
	}
	if !mustUpdate(t, second, r) {
		t.Fatal("second detector missed the change seen by the first")
	}
}

func TestNewInstrumentedUnsupported(t *testing.T) {
	readOnly := newTestRegion("read-only")
	readOnly.storage = readOnlyStorage{Storage: newMapStorage()}

	ignoring := newTestRegion("ignoring")
	ignoring.ignoreSwaps = true

	tests := []struct {
		name   string
		region region.Region
	}{
		{name: "not instrumentable", region: &plainRegion{id: "plain", storage: newMapStorage()}},
		{name: "read-only container", region: readOnly},
		{name: "swap not honoured", region: ignoring},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.region.Storage()
			d, err := NewInstrumented(tt.region)
			if !errors.Is(err, ErrOptimizationUnsupported) {
				t.Fatalf("NewInstrumented() error = %v, want %v", err, ErrOptimizationUnsupported)
			}
			if d != nil {
				t.Fatalf("NewInstrumented() detector = %v, want nil", d)
			}
			if tt.region.Storage() != before {
				t.Fatal("failed NewInstrumented() left the region modified")
			}
		})
	}
}

func TestFactoryFallsBackOnceForGood(t *testing.T) {
	var logs bytes.Buffer
	hooks := 0
	f := NewFactory(
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithFallbackHook(func(error) { hooks++ }),
	)

	good := newTestRegion("good")
	if d := f.New(good); d.Strategy() != StrategyInstrumented {
		t.Fatalf("New(instrumentable) strategy = %s, want %s", d.Strategy(), StrategyInstrumented)
	}

	if d := f.New(&plainRegion{id: "plain", storage: newMapStorage()}); d.Strategy() != StrategySnapshot {
		t.Fatalf("New(plain) strategy = %s, want %s", d.Strategy(), StrategySnapshot)
	}
	if f.Optimized() {
		t.Fatal("Optimized() after failed install = true, want false")
	}

	other := newTestRegion("other")
	if d := f.New(other); d.Strategy() != StrategySnapshot {
		t.Fatalf("New() after fallback strategy = %s, want %s", d.Strategy(), StrategySnapshot)
	}
	if _, ok := other.Storage().(*countingStorage); ok {
		t.Fatal("New() after fallback still instrumented the region")
	}

	f.Disable(errors.New("again"))
	f.New(&plainRegion{id: "plain-2", storage: newMapStorage()})

	if hooks != 1 {
		t.Fatalf("fallback hook calls = %d, want 1", hooks)
	}
	if got := strings.Count(logs.String(), "level=WARN"); got != 1 {
		t.Fatalf("warnings logged = %d, want 1\n%s", got, logs.String())
	}
}

func TestFactorySnapshotOnly(t *testing.T) {
	f := NewFactory(WithSnapshotOnly())
	r := newTestRegion("spawn")
	if d := f.New(r); d.Strategy() != StrategySnapshot {
		t.Fatalf("New() strategy = %s, want %s", d.Strategy(), StrategySnapshot)
	}
	if _, ok := r.Storage().(*countingStorage); ok {
		t.Fatal("snapshot-only factory instrumented the region")
	}
}

func TestStrategiesAgreeOnRandomMutations(t *testing.T) {
	flags := []region.NativeFlag{heightFlag, pvpFlag, motdFlag}
	values := []any{1, 2, 2.0, "allow", "deny", "", "hello"}

	for script := range 50 {
		rng := rand.New(rand.NewPCG(uint64(script), 0x5eed))
		r := newTestRegion("random")
		snapshot := NewSnapshot(r)
		instrumented, err := NewInstrumented(r)
		if err != nil {
			t.Fatalf("NewInstrumented() error = %v", err)
		}

		for step := range 200 {
			mutations := rng.IntN(3)
			for range mutations {
				f := flags[rng.IntN(len(flags))]
				switch op := rng.IntN(10); {
				case op < 5:
					r.put(f, values[rng.IntN(len(values))])
				case op < 8:
					r.remove(f)
				case op < 9:
					r.clearFlags()
				default:
					next := make(map[region.NativeFlag]any)
					for _, g := range flags {
						if rng.IntN(2) == 0 {
							next[g] = values[rng.IntN(len(values))]
						}
					}
					r.replace(next)
				}
			}

			want := mustUpdate(t, snapshot, r)
			got := mustUpdate(t, instrumented, r)
			if got != want {
				t.Fatalf("script %d step %d: instrumented Update() = %v, snapshot Update() = %v", script, step, got, want)
			}
		}
	}
}

func BenchmarkUpdateUnchanged(b *testing.B) {
	r := newTestRegion("bench")
	for i := range 32 {
		r.put(&testFlag{name: "flag", kind: core.TypeInteger}, i)
	}

	b.Run("snapshot", func(b *testing.B) {
		d := NewSnapshot(r)
		for b.Loop() {
			_, _ = d.Update(r)
		}
	})
	b.Run("instrumented", func(b *testing.B) {
		d, err := NewInstrumented(r)
		if err != nil {
			b.Fatalf("NewInstrumented() error = %v", err)
		}
		defer d.Cleanup(r)
		for b.Loop() {
			_, _ = d.Update(r)
		}
	})
}
