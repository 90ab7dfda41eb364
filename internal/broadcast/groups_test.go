package broadcast

import (
	"testing"
	"time"
)

func TestGroupSetSuspendAndReadmit(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	gs := NewGroupSet([]TargetGroup{{ID: 1}, {ID: 2}, {ID: 3}})

	gs.Suspend(2, now.Add(10*time.Minute))
	gs.Remove(3, "CHAT_WRITE_FORBIDDEN")

	if got := ids(gs.Working(now)); len(got) != 1 || got[0] != 1 {
		t.Fatalf("Working(now) = %v, want [1]", got)
	}
	if back := gs.Readmit(now.Add(5 * time.Minute)); len(back) != 0 {
		t.Fatalf("Readmit before expiry = %v, want none", ids(back))
	}
	if exp := gs.NextExpiry(); !exp.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("NextExpiry = %v", exp)
	}

	later := now.Add(10 * time.Minute)
	back := gs.Readmit(later)
	if len(back) != 1 || back[0].ID != 2 {
		t.Fatalf("Readmit = %v, want [2]", ids(back))
	}
	if got := ids(gs.Working(later)); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Working(later) = %v, want [1 2]", got)
	}

	// A removed group cannot come back through a suspension.
	gs.Suspend(3, later)
	if gs.Eligible(3, later.Add(time.Hour)) {
		t.Fatalf("removed group became eligible")
	}
	total, removed, suspended := gs.Counts(later)
	if total != 3 || removed != 1 || suspended != 0 {
		t.Fatalf("Counts = %d/%d/%d, want 3/1/0", total, removed, suspended)
	}
}

func ids(gs []TargetGroup) []int64 {
	out := make([]int64, len(gs))
	for i, g := range gs {
		out[i] = g.ID
	}
	return out
}
