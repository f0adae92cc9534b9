package orchestrator

import (
	"testing"

	"github.com/loamhq/loam/pkg/updatestream"
)

func TestFlatViewTreeReplayBuildsSlotsFromResourceParams(t *testing.T) {
	v := NewFlatViewTree()
	err := v.Apply(updatestream.Record{
		Type: updatestream.TypeResourceParams,
		Tree: []byte(`{"kind":"plan","children":[{"kind":"linux.file"},{"kind":"linux.pkg"}]}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Len() != 3 {
		t.Fatalf("expected 3 slots (root + 2 children), got %d", v.Len())
	}
	node, ok := v.Get(1)
	if !ok || node.Kind != "linux.file" {
		t.Fatalf("expected slot 1 kind linux.file, got %+v ok=%v", node, ok)
	}
}

// Property 8: replaying records for distinct indices in either order
// yields the same final view.
func TestFlatViewTreeReplayIsOrderIndependentAcrossIndices(t *testing.T) {
	base := []byte(`{"kind":"plan","children":[{"kind":"linux.file"},{"kind":"linux.pkg"}]}`)
	idx0, idx1 := 0, 1

	orderA := NewFlatViewTree()
	_ = orderA.Apply(updatestream.Record{Type: updatestream.TypeResourceParams, Tree: base})
	_ = orderA.Apply(updatestream.Record{Type: updatestream.TypeNodeComplete, Index: &idx0, State: []byte(`"a"`)})
	_ = orderA.Apply(updatestream.Record{Type: updatestream.TypeNodeComplete, Index: &idx1, State: []byte(`"b"`)})

	orderB := NewFlatViewTree()
	_ = orderB.Apply(updatestream.Record{Type: updatestream.TypeResourceParams, Tree: base})
	_ = orderB.Apply(updatestream.Record{Type: updatestream.TypeNodeComplete, Index: &idx1, State: []byte(`"b"`)})
	_ = orderB.Apply(updatestream.Record{Type: updatestream.TypeNodeComplete, Index: &idx0, State: []byte(`"a"`)})

	n0a, _ := orderA.Get(idx0)
	n0b, _ := orderB.Get(idx0)
	n1a, _ := orderA.Get(idx1)
	n1b, _ := orderB.Get(idx1)

	if string(n0a.State) != string(n0b.State) || string(n1a.State) != string(n1b.State) {
		t.Fatalf("expected order-independent replay, got %q/%q vs %q/%q", n0a.State, n1a.State, n0b.State, n1b.State)
	}
}

func TestFlatViewTreeIgnoresIndexedRecordsBeforeResourceParams(t *testing.T) {
	v := NewFlatViewTree()
	idx := 0
	if err := v.Apply(updatestream.Record{Type: updatestream.TypeNodeComplete, Index: &idx}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Len() != 0 {
		t.Fatalf("expected no slots before ResourceParams, got %d", v.Len())
	}
}
