package world

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Player is one login of a player. A reconnect produces a new Player with
// the same ID; the old reference stays offline.
type Player struct {
	id     uuid.UUID
	name   string
	online atomic.Bool
}

func newPlayer(id uuid.UUID, name string) *Player {
	p := &Player{id: id, name: name}
	p.online.Store(true)
	return p
}

func (p *Player) ID() uuid.UUID { return p.id }
func (p *Player) Name() string  { return p.name }
func (p *Player) Online() bool  { return p.online.Load() }

func (p *Player) String() string {
	return p.name + "(" + p.id.String() + ")"
}
