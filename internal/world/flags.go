package world

import (
	"fmt"
	"strings"
	"sync"

	"github.com/matt-riley/regionflagz/internal/core"
	"github.com/matt-riley/regionflagz/internal/region"
)

// FlagHandle is the world's native flag. Handles outlive the registrations
// that created them so a re-registered flag finds its old handle.
type FlagHandle struct {
	name string
	kind core.Type
}

func (h *FlagHandle) Name() string    { return h.name }
func (h *FlagHandle) Kind() core.Type { return h.kind }

func (h *FlagHandle) String() string {
	return fmt.Sprintf("%s:%s", h.name, h.kind)
}

// Catalog holds the native flags known to a world, in registration order.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]*FlagHandle
	order  []*FlagHandle
}

func NewCatalog() *Catalog {
	return &Catalog{byName: make(map[string]*FlagHandle)}
}

func (c *Catalog) Register(name string, kind core.Type) (*FlagHandle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: flag name is required", ErrInvalidValue)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: flag %q has invalid type %s", ErrInvalidValue, name, kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[strings.ToLower(name)]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNativeFlag, name)
	}
	h := &FlagHandle{name: name, kind: kind}
	c.byName[strings.ToLower(name)] = h
	c.order = append(c.order, h)
	return h, nil
}

// Lookup finds a handle by case-insensitive name.
func (c *Catalog) Lookup(name string) (*FlagHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return h, ok
}

func (c *Catalog) All() []region.NativeFlag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	flags := make([]region.NativeFlag, 0, len(c.order))
	for _, h := range c.order {
		flags = append(flags, h)
	}
	return flags
}
