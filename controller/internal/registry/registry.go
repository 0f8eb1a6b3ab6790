package registry

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
)

// Registry keeps track of all connected switches.
type Registry struct {
	mu       sync.RWMutex
	switches map[fabric.DatapathID]fabric.Switch
}

// New creates a new empty switch registry.
func New() *Registry {
	return &Registry{
		switches: map[fabric.DatapathID]fabric.Switch{},
	}
}

// Add registers a connected switch.
//
// A switch reconnecting with the same datapath ID replaces the previous
// handle, which is returned.
func (m *Registry) Add(sw fabric.Switch) (fabric.Switch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.switches[sw.ID()]
	m.switches[sw.ID()] = sw
	return prev, ok
}

// Remove unregisters the given switch handle.
//
// Nothing happens if the switch is unknown or if its datapath ID is already
// held by a newer connection.
func (m *Registry) Remove(sw fabric.Switch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.switches[sw.ID()]
	if !ok || current != sw {
		return false
	}

	delete(m.switches, sw.ID())
	return true
}

// Get returns a switch by its datapath ID.
func (m *Registry) Get(id fabric.DatapathID) (fabric.Switch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sw, ok := m.switches[id]
	return sw, ok
}

// List returns a snapshot of all connected switches ordered by datapath ID.
func (m *Registry) List() []fabric.Switch {
	m.mu.RLock()
	switches := slices.Collect(maps.Values(m.switches))
	m.mu.RUnlock()

	slices.SortFunc(switches, func(a, b fabric.Switch) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return switches
}

// Len returns the number of connected switches.
func (m *Registry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.switches)
}
