package orchestrator

import (
	"encoding/json"

	"github.com/loamhq/loam/pkg/tree"
	"github.com/loamhq/loam/pkg/updatestream"
)

// ViewNode is one FlatViewTree slot: the resource kind the ResourceParams
// record named it, plus whatever later stage payload has arrived for its
// index so far.
type ViewNode struct {
	Kind   string
	State  json.RawMessage
	Change json.RawMessage
	Ops    json.RawMessage
	Status json.RawMessage
}

type wireNode struct {
	Kind     string     `json:"kind"`
	Children []wireNode `json:"children,omitempty"`
}

// FlatViewTree replays an update-stream record sequence into a queryable
// tree.FlatTree[ViewNode], indexed exactly as the ResourceParams record's
// PlanTree was: per spec.md §8 property 8, the result is independent of
// arrival order within an epoch, provided per-index causality (one index's
// records always precede the next stage's records for that same index)
// holds.
type FlatViewTree struct {
	tree *tree.FlatTree[ViewNode]
}

// NewFlatViewTree creates an empty view, populated by the first
// ResourceParams record it sees.
func NewFlatViewTree() *FlatViewTree { return &FlatViewTree{} }

// Apply folds one record into the view.
func (v *FlatViewTree) Apply(rec updatestream.Record) error {
	if rec.Type == updatestream.TypeResourceParams {
		var root wireNode
		if err := json.Unmarshal(rec.Tree, &root); err != nil {
			return err
		}
		v.tree = tree.Flatten(buildWireNode(root), projectWireNode)
		return nil
	}

	if rec.Index == nil || v.tree == nil {
		return nil
	}

	current, ok := v.tree.Get(*rec.Index)
	if !ok {
		return nil
	}

	switch rec.Type {
	case updatestream.TypeNodeComplete:
		current.State = rec.State
	case updatestream.TypeChangeNode: // TypeOperationsNode shares this wire value
		if rec.Change != nil {
			current.Change = rec.Change
		}
		if rec.Ops != nil {
			current.Ops = rec.Ops
		}
	case updatestream.TypeOpComplete:
		current.Status = rec.Status
	default:
		return nil
	}

	v.tree.Set(*rec.Index, current)
	return nil
}

// Get returns the view at index i.
func (v *FlatViewTree) Get(i int) (ViewNode, bool) {
	if v.tree == nil {
		return ViewNode{}, false
	}
	return v.tree.Get(i)
}

// Len reports the number of slots in the view, including tombstoned ones.
func (v *FlatViewTree) Len() int {
	if v.tree == nil {
		return 0
	}
	return v.tree.Len()
}

func buildWireNode(w wireNode) *tree.Node[string, string] {
	if len(w.Children) == 0 {
		return tree.Leaf[string, string](w.Kind, nil)
	}
	children := make([]*tree.Node[string, string], len(w.Children))
	for i, c := range w.Children {
		children[i] = buildWireNode(c)
	}
	return tree.BranchNode[string, string](w.Kind, children, nil)
}

func projectWireNode(n *tree.Node[string, string]) ViewNode {
	if n.IsLeaf {
		return ViewNode{Kind: n.LeafVal}
	}
	return ViewNode{Kind: n.BranchVal}
}
