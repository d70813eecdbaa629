package rules

import (
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

func flatten(f *Forest) []string {
	var out []string
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			out = append(out, n.Rule.ID)
			walk(n.Children)
		}
	}
	walk(f.Roots)
	return out
}

func TestBuildForestSiblingOrder(t *testing.T) {
	f := BuildForest([]models.Rule{
		{ID: "r3", Order: 3},
		{ID: "r1", Order: 1},
		{ID: "r2", Order: 2},
	})
	got := flatten(f)
	want := []string{"r1", "r2", "r3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order: got %v, want %v", got, want)
		}
	}
}

func TestBuildForestNesting(t *testing.T) {
	f := BuildForest([]models.Rule{
		{ID: "root2", Order: 2},
		{ID: "root1", Order: 1},
		{ID: "child1b", ParentID: "root1", Order: 2},
		{ID: "child1a", ParentID: "root1", Order: 1},
		{ID: "grandchild", ParentID: "child1a", Order: 1},
	})

	got := flatten(f)
	want := []string{"root1", "child1a", "grandchild", "child1b", "root2"}
	if len(got) != len(want) {
		t.Fatalf("expected %d nodes, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pre-order mismatch: got %v, want %v", got, want)
		}
	}
}

func TestBuildForestOrderTieBrokenByID(t *testing.T) {
	f := BuildForest([]models.Rule{
		{ID: "b", Order: 1},
		{ID: "a", Order: 1},
	})
	got := flatten(f)
	if got[0] != "a" || got[1] != "b" {
		t.Errorf("expected tie broken by ID, got %v", got)
	}
}

func TestBuildForestOrphanBecomesRoot(t *testing.T) {
	f := BuildForest([]models.Rule{
		{ID: "orphan", ParentID: "gone", Order: 1},
		{ID: "root", Order: 2},
	})
	got := flatten(f)
	if len(got) != 2 {
		t.Fatalf("orphan rule must not be dropped: %v", got)
	}
}

func TestBuildForestParentCycleBecomesReachable(t *testing.T) {
	f := BuildForest([]models.Rule{
		{ID: "root", Order: 1},
		{ID: "cycleA", ParentID: "cycleB", Order: 1},
		{ID: "cycleB", ParentID: "cycleA", Order: 2},
	})

	got := flatten(f)
	if len(got) != 3 {
		t.Fatalf("expected every rule reachable exactly once, got %v", got)
	}
	seen := make(map[string]int)
	for _, id := range got {
		seen[id]++
	}
	for _, id := range []string{"root", "cycleA", "cycleB"} {
		if seen[id] != 1 {
			t.Errorf("rule %s visited %d times: %v", id, seen[id], got)
		}
	}
	// The lowest-ID cycle member is promoted to a root; its former parent
	// stays its child. Roots share Order 1, so the tie breaks by ID.
	want := []string{"cycleA", "cycleB", "root"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected traversal: got %v, want %v", got, want)
		}
	}
}

func TestBuildForestThreeNodeCycle(t *testing.T) {
	f := BuildForest([]models.Rule{
		{ID: "a", ParentID: "c", Order: 1},
		{ID: "b", ParentID: "a", Order: 1},
		{ID: "c", ParentID: "b", Order: 1},
	})
	got := flatten(f)
	want := []string{"a", "b", "c"}
	if len(got) != 3 {
		t.Fatalf("expected 3 nodes, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected traversal: got %v, want %v", got, want)
		}
	}
}
