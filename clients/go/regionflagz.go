// Package regionflagz provides client interfaces and domain types for the
// regionflagz region flag tracking service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import rfhttp "github.com/matt-riley/regionflagz/clients/go/http"
//	import rfgrpc "github.com/matt-riley/regionflagz/clients/go/grpc"
package regionflagz

import (
	"context"
	"errors"
)

// ErrPlayerDisconnected is reported by Watch when the server destroys the
// tracker because the player went offline or the flag was unregistered.
var ErrPlayerDisconnected = errors.New("regionflagz: player disconnected")

// ValueReader reads the value a player currently observes for a flag.
type ValueReader interface {
	GetValue(ctx context.Context, player, flag string) (Value, error)
}

// Watcher delivers every change of a tracked value.
// The returned channel is closed when ctx is cancelled or the stream ends.
type Watcher interface {
	Watch(ctx context.Context, player, flag string) (<-chan Update, error)
}

// RegionManager edits regions and their flag values. Mutations need an
// operator token.
type RegionManager interface {
	ListRegions(ctx context.Context) ([]Region, error)
	PutRegion(ctx context.Context, region Region) error
	DeleteRegion(ctx context.Context, dimension, id string) error
	SetRegionFlag(ctx context.Context, dimension, id, flag string, value any) error
	UnsetRegionFlag(ctx context.Context, dimension, id, flag string) error
}

// Flag is a registered region flag.
type Flag struct {
	Name string
	Type string // "state" | "boolean" | "integer" | "double" | "string"
}

// Value is one observation of a tracked flag.
type Value struct {
	Player  string
	Flag    string
	Type    string
	Present bool
	// Value is nil when absent. States arrive as "allow" or "deny", numbers
	// as float64.
	Value any
}

// Update is an element of a Watch stream. Err is set on the final element
// when the stream ended for a reason other than ctx.
type Update struct {
	Value Value
	Err   error
}

// Region is an axis-aligned box in a dimension. Global regions cover their
// whole dimension and carry no bounds.
type Region struct {
	Dimension string
	ID        string
	Priority  int
	Min       [3]float64
	Max       [3]float64
	Global    bool
	Flags     map[string]any // may be nil
}
