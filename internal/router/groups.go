package router

import (
	"sort"
	"sync"
)

// GroupDirectory answers group membership questions for group routing.
type GroupDirectory interface {
	IsMember(group, userID string) bool
}

// Everyone treats every live user as a member of every group, which makes a
// group message a broadcast to all other live connections.
type Everyone struct{}

// IsMember always returns true.
func (Everyone) IsMember(string, string) bool { return true }

// StaticGroups is a fixed membership table keyed by group tag.
type StaticGroups struct {
	mu      sync.RWMutex
	members map[string]map[string]bool
}

// NewStaticGroups builds a directory from group tag -> user ids.
func NewStaticGroups(table map[string][]string) *StaticGroups {
	g := &StaticGroups{members: make(map[string]map[string]bool, len(table))}
	for group, users := range table {
		set := make(map[string]bool, len(users))
		for _, u := range users {
			set[u] = true
		}
		g.members[group] = set
	}
	return g
}

// IsMember reports whether userID belongs to group. Unknown groups have no members.
func (g *StaticGroups) IsMember(group, userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.members[group][userID]
}

// Groups returns the known group tags, sorted.
func (g *StaticGroups) Groups() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.members))
	for group := range g.members {
		out = append(out, group)
	}
	sort.Strings(out)
	return out
}

// Replace swaps in a new membership table.
func (g *StaticGroups) Replace(table map[string][]string) {
	next := NewStaticGroups(table)
	g.mu.Lock()
	g.members = next.members
	g.mu.Unlock()
}
