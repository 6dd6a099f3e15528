package archive

import (
	"testing"

	"github.com/rs/zerolog"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAdd_thenGet(t *testing.T) {
	a := openTestArchive(t)
	id, err := a.Add(map[string]any{"diff": "x"}, 0.5)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	entry, err := a.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Score != 0.5 {
		t.Fatalf("expected score 0.5, got %v", entry.Score)
	}
}

func TestGetLineage_orderedRootFirst(t *testing.T) {
	a := openTestArchive(t)
	root, err := a.Add(map[string]any{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	mid, err := a.Add(map[string]any{"parent": root}, 0)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := a.Add(map[string]any{"parent": mid}, 0)
	if err != nil {
		t.Fatal(err)
	}

	chain, err := a.GetLineage(leaf)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(chain))
	}
	if chain[0].ID != root || chain[1].ID != mid || chain[2].ID != leaf {
		t.Fatalf("expected root-first order, got %v, %v, %v", chain[0].ID, chain[1].ID, chain[2].ID)
	}
}

func TestGetSubtree_includesAllDescendants(t *testing.T) {
	a := openTestArchive(t)
	root, _ := a.Add(map[string]any{}, 0)
	childA, _ := a.Add(map[string]any{"parent": root}, 0)
	childB, _ := a.Add(map[string]any{"parent": root}, 0)
	grandchild, _ := a.Add(map[string]any{"parent": childA}, 0)

	tree, err := a.GetSubtree(root)
	if err != nil {
		t.Fatalf("subtree: %v", err)
	}
	if len(tree) != 4 {
		t.Fatalf("expected 4 entries in subtree, got %d", len(tree))
	}
	if tree[0].ID != root {
		t.Fatalf("expected root first, got %v", tree[0].ID)
	}

	seen := map[string]bool{}
	for _, e := range tree {
		seen[e.ID] = true
	}
	for _, id := range []string{root, childA, childB, grandchild} {
		if !seen[id] {
			t.Fatalf("expected subtree to include %q", id)
		}
	}
}

func TestMerkleRoot_changesWhenEntryAdded(t *testing.T) {
	a := openTestArchive(t)
	before, err := a.MerkleRoot()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Add(map[string]any{"diff": "x"}, 0); err != nil {
		t.Fatal(err)
	}
	after, err := a.MerkleRoot()
	if err != nil {
		t.Fatal(err)
	}
	if before == after {
		t.Fatal("expected merkle root to change after adding an entry")
	}
}

func TestVerifyLedger_slashesOnMismatch(t *testing.T) {
	a := openTestArchive(t)
	a.Add(map[string]any{"diff": "x"}, 0)

	var slashed string
	var fraction float64
	err := a.VerifyLedger("bogus-root", "agent-a", func(agent string, frac float64) {
		slashed = agent
		fraction = frac
	})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if slashed != "agent-a" || fraction != 0.10 {
		t.Fatalf("expected slash(agent-a, 0.10), got slash(%q, %v)", slashed, fraction)
	}
}
