// Package region declares the boundary of the region-protection system that
// region flag tracking is built around. Nothing in this package resolves
// flags: implementations live with the host (see package world).
package region

import (
	"github.com/google/uuid"

	"github.com/matt-riley/regionflagz/internal/core"
)

// Player is a connected player as seen by the region system.
type Player interface {
	ID() uuid.UUID
	Name() string
	// Online reports whether this player reference is still connected. A
	// reference from a previous login stays offline after a reconnect.
	Online() bool
}

// NativeFlag is the region system's own handle for a flag.
type NativeFlag interface {
	Name() string
	Kind() core.Type
}

// Storage is the flag-bearing container of a region.
type Storage interface {
	Get(f NativeFlag) (any, bool)
	// Snapshot returns a copy of every flag value set on the region.
	Snapshot() map[NativeFlag]any
	Len() int
}

// MutableStorage is implemented by containers that can be changed in place.
// Every mutation of a region's flags goes through its current container.
type MutableStorage interface {
	Storage
	Put(f NativeFlag, value any) (previous any, replaced bool)
	Remove(f NativeFlag) (previous any, removed bool)
	Clear()
}

// Region is an area with flag values. Regions are compared by identity: a
// reloaded region with the same ID is a different Region.
type Region interface {
	ID() string
	Storage() Storage
}

// Instrumentable is the seam a region type exposes when it allows its
// container to be decorated. Containers are compared with ==, so they must be
// comparable (pointer types in practice).
type Instrumentable interface {
	Region
	// SwapStorage replaces the container with next if the current container
	// is old. It reports whether the swap happened.
	SwapStorage(old, next Storage) bool
}

// Set is the point-in-time set of regions that apply to a location,
// including the implicit global region of its dimension.
type Set interface {
	Regions() []Region
	// QueryValue resolves the raw value of f for p; ok is false when no
	// applicable region sets it.
	QueryValue(p Player, f NativeFlag) (value any, ok bool)
}

// Crossing describes a movement that may have changed the applicable
// regions. When the player changes dimension GlobalChanged is set and the
// global regions of both dimensions appear in Exited and Entered.
type Crossing struct {
	Player        Player
	To            Set
	Entered       []Region
	Exited        []Region
	GlobalChanged bool
}

// Empty reports whether the crossing cannot have changed any flag value.
func (c Crossing) Empty() bool {
	return len(c.Entered) == 0 && len(c.Exited) == 0 && !c.GlobalChanged
}

// Handler receives the session events of one player for one handler factory.
type Handler interface {
	Initialize(p Player, current Set)
	CrossBoundary(c Crossing)
	// Close is called when the session ends or the factory is unregistered.
	Close()
}

// HandlerFactory creates a Handler for every player session.
type HandlerFactory interface {
	NewHandler(p Player) Handler
}

// System is the region-protection system.
type System interface {
	// NativeFlags enumerates every flag registered with the system.
	NativeFlags() []NativeFlag
	RegisterNativeFlag(name string, kind core.Type) (NativeFlag, error)
	RegisterHandler(f HandlerFactory)
	UnregisterHandler(f HandlerFactory)
	// Player returns the current online reference for id.
	Player(id uuid.UUID) (Player, bool)
}

// Scheduler runs tasks on the host's tick loop.
type Scheduler interface {
	// Every runs task once every period ticks until cancel is called.
	Every(period int, task func()) (cancel func())
}
