// Package aliasgraph tracks the cached display names of contacts and the
// alias edges between the different identities of a single contact.
//
// An alias edge asserts that two identities (for example a phone-number
// identity and an anonymized linked-device identity) denote the same contact.
// Edges are symmetric and only followed for a single hop.
package aliasgraph

import (
	"maps"
	"strings"
	"sync"

	"github.com/companyzero/mdlink/internal/strescape"
	"github.com/companyzero/mdlink/jid"
	"github.com/decred/slog"
)

// Graph is the contact-name cache and alias graph. It is safe for concurrent
// use. All ids are normalized before use.
type Graph struct {
	log slog.Logger

	mtx     sync.RWMutex
	names   map[string]string
	aliases map[string]string
}

// New creates an empty graph.
func New(log slog.Logger) *Graph {
	if log == nil {
		log = slog.Disabled
	}
	return &Graph{
		log:     log,
		names:   make(map[string]string),
		aliases: make(map[string]string),
	}
}

// setAliasLocked must be called with the mutex held for writing.
func (g *Graph) setAliasLocked(a, b string) bool {
	if a == "" || b == "" || a == b || g.aliases[a] == b {
		return false
	}

	// Drop the reverse entries of edges being replaced.
	if old, ok := g.aliases[a]; ok && g.aliases[old] == a {
		delete(g.aliases, old)
	}
	if old, ok := g.aliases[b]; ok && g.aliases[old] == b {
		delete(g.aliases, old)
	}
	g.aliases[a] = b
	g.aliases[b] = a
	return true
}

// SetAlias records that a and b are the same contact. It returns true if the
// graph was modified.
func (g *Graph) SetAlias(a, b string) bool {
	a, b = jid.Normalize(a), jid.Normalize(b)
	g.mtx.Lock()
	changed := g.setAliasLocked(a, b)
	g.mtx.Unlock()
	if changed {
		g.log.Tracef("Alias %s <-> %s", a, b)
	}
	return changed
}

// Alias returns the identity aliased to id.
func (g *Graph) Alias(id string) (string, bool) {
	g.mtx.RLock()
	alias, ok := g.aliases[jid.Normalize(id)]
	g.mtx.RUnlock()
	return alias, ok
}

// SetName caches the display name of id. Empty names are ignored. It returns
// true if the cache was modified.
func (g *Graph) SetName(id, name string) bool {
	name = strings.TrimSpace(strescape.Nick(name))
	id = jid.Normalize(id)
	if name == "" || id == "" {
		return false
	}
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.names[id] == name {
		return false
	}
	g.names[id] = name
	return true
}

// Name returns the cached display name of id, without following aliases.
func (g *Graph) Name(id string) (string, bool) {
	g.mtx.RLock()
	name, ok := g.names[jid.Normalize(id)]
	g.mtx.RUnlock()
	return name, ok
}

// Names returns a copy of the name cache.
func (g *Graph) Names() map[string]string {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return maps.Clone(g.names)
}

// LoadNames merges the passed names into the cache.
func (g *Graph) LoadNames(names map[string]string) {
	for id, name := range names {
		g.SetName(id, name)
	}
}

// Aliases returns a copy of the alias edges. Both directions of every edge
// are included.
func (g *Graph) Aliases() map[string]string {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	return maps.Clone(g.aliases)
}

// LoadAliases merges the passed alias edges into the graph.
func (g *Graph) LoadAliases(aliases map[string]string) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	for a, b := range aliases {
		g.setAliasLocked(jid.Normalize(a), jid.Normalize(b))
	}
}

// ResolveDisplayName returns the best known display name of id: its cached
// name, or the cached name of its alias, or its local part. It never fails.
func (g *Graph) ResolveDisplayName(id string) string {
	norm := jid.Normalize(id)

	g.mtx.RLock()
	name, ok := g.names[norm]
	if !ok {
		if alias, hasAlias := g.aliases[norm]; hasAlias {
			name, ok = g.names[alias]
		}
	}
	g.mtx.RUnlock()

	if ok {
		return name
	}
	return jid.LocalPart(norm)
}

// IsNakedLabel returns true if label is not a real name for id: it is empty,
// equal to the fallback label or still contains a raw address.
func IsNakedLabel(label, id string) bool {
	label = strings.TrimSpace(label)
	switch {
	case label == "":
		return true
	case label == jid.LocalPart(id):
		return true
	case strings.Contains(label, "@"):
		return true
	}
	return false
}
