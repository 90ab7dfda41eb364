package broadcast

import (
	"sync"
	"time"
)

// GroupSet is a run's view of its target groups: the configured order minus
// permanent removals and unexpired suspensions.
type GroupSet struct {
	mu        sync.Mutex
	groups    []TargetGroup
	removed   map[int64]string
	suspended map[int64]time.Time
}

func NewGroupSet(groups []TargetGroup) *GroupSet {
	return &GroupSet{
		groups:    append([]TargetGroup(nil), groups...),
		removed:   map[int64]string{},
		suspended: map[int64]time.Time{},
	}
}

// Working returns the groups eligible at now, in configured order.
func (g *GroupSet) Working(now time.Time) []TargetGroup {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]TargetGroup, 0, len(g.groups))
	for _, tg := range g.groups {
		if g.eligibleLocked(tg.ID, now) {
			out = append(out, tg)
		}
	}
	return out
}

func (g *GroupSet) Eligible(id int64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.eligibleLocked(id, now)
}

func (g *GroupSet) eligibleLocked(id int64, now time.Time) bool {
	if _, gone := g.removed[id]; gone {
		return false
	}
	until, ok := g.suspended[id]
	return !ok || !now.Before(until)
}

func (g *GroupSet) Suspend(id int64, until time.Time) {
	g.mu.Lock()
	if _, gone := g.removed[id]; !gone {
		g.suspended[id] = until
	}
	g.mu.Unlock()
}

func (g *GroupSet) Remove(id int64, reason string) {
	g.mu.Lock()
	g.removed[id] = reason
	delete(g.suspended, id)
	g.mu.Unlock()
}

// Readmit drops expired suspensions and returns the groups they covered.
func (g *GroupSet) Readmit(now time.Time) []TargetGroup {
	g.mu.Lock()
	defer g.mu.Unlock()
	var back []TargetGroup
	for _, tg := range g.groups {
		until, ok := g.suspended[tg.ID]
		if ok && !now.Before(until) {
			delete(g.suspended, tg.ID)
			back = append(back, tg)
		}
	}
	return back
}

// NextExpiry is the earliest pending suspension end, or zero when none.
func (g *GroupSet) NextExpiry() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	var next time.Time
	for _, until := range g.suspended {
		if next.IsZero() || until.Before(next) {
			next = until
		}
	}
	return next
}

// Counts reports configured, permanently removed, and suspended totals.
func (g *GroupSet) Counts(now time.Time) (total, removed, suspended int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, until := range g.suspended {
		if now.Before(until) {
			suspended++
		}
	}
	return len(g.groups), len(g.removed), suspended
}
