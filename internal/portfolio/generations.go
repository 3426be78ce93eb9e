package portfolio

import "sync"

// Generations hands out per-owner refresh ids. Only the most recent id of
// an owner may commit; older refreshes still in flight are stale.
type Generations struct {
	mu     sync.Mutex
	latest map[string]uint64
}

// NewGenerations creates an empty tracker.
func NewGenerations() *Generations {
	return &Generations{latest: make(map[string]uint64)}
}

// Begin starts a refresh for owner and returns its id.
func (g *Generations) Begin(owner string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latest[owner]++
	return g.latest[owner]
}

// Commit reports whether id is still the latest refresh of owner.
func (g *Generations) Commit(owner string, id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest[owner] == id
}

// Current returns the latest id handed out for owner, 0 if none.
func (g *Generations) Current(owner string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest[owner]
}
