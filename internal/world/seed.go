package world

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/regionflagz/internal/core"
)

// Seed is the YAML description of a world's flags, dimensions and regions.
type Seed struct {
	Flags      []SeedFlag      `yaml:"flags"`
	Dimensions []SeedDimension `yaml:"dimensions"`
}

type SeedFlag struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type SeedDimension struct {
	Name    string         `yaml:"name"`
	Flags   map[string]any `yaml:"flags"` // global region
	Regions []SeedRegion   `yaml:"regions"`
}

type SeedRegion struct {
	ID       string         `yaml:"id"`
	Priority int            `yaml:"priority"`
	Min      [3]float64     `yaml:"min"`
	Max      [3]float64     `yaml:"max"`
	Flags    map[string]any `yaml:"flags"`
}

// ParseSeed decodes a seed document. Unknown fields are rejected.
func ParseSeed(r io.Reader) (Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return Seed{}, fmt.Errorf("parsing seed: %w", err)
	}
	return seed, nil
}

// LoadSeedFile reads path and applies it to w. A missing file is an error:
// the caller decides whether a seed is required.
func LoadSeedFile(w *World, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading seed %s: %w", path, err)
	}
	seed, err := ParseSeed(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return seed.Apply(w)
}

// Apply registers the seed's native flags and creates its dimensions and
// regions. Flags that already exist with the same type are reused.
func (s Seed) Apply(w *World) error {
	for _, f := range s.Flags {
		kind, err := core.ParseType(f.Type)
		if err != nil {
			return fmt.Errorf("flag %q: %w", f.Name, err)
		}
		if existing, ok := w.NativeFlag(f.Name); ok {
			if existing.Kind() != kind {
				return fmt.Errorf("%w: flag %q is %s, seed says %s", ErrDuplicateNativeFlag, f.Name, existing.Kind(), kind)
			}
			continue
		}
		if _, err := w.RegisterNativeFlag(f.Name, kind); err != nil {
			return err
		}
	}

	for _, d := range s.Dimensions {
		if d.Name == "" {
			return fmt.Errorf("%w: dimension name is required", ErrInvalidValue)
		}
		global := w.AddDimension(d.Name)
		if err := applyFlags(w, global, d.Flags); err != nil {
			return err
		}
		for _, sr := range d.Regions {
			r := NewRegion(sr.ID, d.Name, sr.Priority, Bounds{Min: point(sr.Min), Max: point(sr.Max)})
			if err := applyFlags(w, r, sr.Flags); err != nil {
				return err
			}
			if err := w.AddRegion(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyFlags(w *World, r *Region, flags map[string]any) error {
	for name, value := range flags {
		f, ok := w.NativeFlag(name)
		if !ok {
			return fmt.Errorf("%w: %s on region %s", ErrFlagNotFound, name, r)
		}
		if err := r.SetFlag(f, value); err != nil {
			return err
		}
	}
	return nil
}

func point(v [3]float64) Point {
	return Point{X: v[0], Y: v[1], Z: v[2]}
}
