// Package resource defines the resource-kind trait (Schema/Expand/Probe/
// Diff/Lower), the registry of built-in kinds, and the operation merge
// algebra. Adapted from the teacher's engine.Resource/PlanUnit model,
// reshaped around the specification's typed resource tree instead of
// json.RawMessage payloads.
package resource

import (
	"context"

	"github.com/loamhq/loam/pkg/corerr"
	"github.com/loamhq/loam/pkg/schema"
	"github.com/loamhq/loam/pkg/span"
)

// Resource is one node of the expanded resource tree: a kind name, a
// validated params image, and the span its plan declaration came from.
type Resource struct {
	ID     string
	Kind   string
	Params schema.Value
	Span   span.Span

	// Before/After carry the plan declaration's causality edges through to
	// the scheduler, scoped by the loader like ID.
	Before []string
	After  []string
}

// State is the observed, current-machine-state counterpart to a Resource's
// desired Params, produced by Probe.
type State struct {
	Exists bool
	Fields schema.Value
}

// ChangeAction classifies one field-level difference between desired and
// observed state.
type ChangeAction string

const (
	ChangeCreate  ChangeAction = "create"
	ChangeUpdate  ChangeAction = "update"
	ChangeDelete  ChangeAction = "delete"
	ChangeNoop    ChangeAction = "noop"
)

// Change describes a single field's transition.
type Change struct {
	Path   string
	Action ChangeAction
	Before schema.Value
	After  schema.Value
}

// Operation is one unit of apply-time work lowered from a Diff. Elevated
// marks operations that must route through the privileged (sudo) runner
// client (see pkg/runner); other operations go through an unprivileged
// runner client.
type Operation struct {
	ResourceID string
	Kind       string
	Summary    string
	Elevated   bool
	Payload    map[string]any
}

// Kind is the trait every resource type implements. Schema/Expand/Diff/
// Lower are pure; Probe and the eventual Apply of an Operation are the only
// I/O-performing steps, per SPEC_FULL.md §4.5.
type Kind interface {
	// Name is the resource kind's registry key, e.g. "linux.pkg".
	Name() string

	// Schema describes the shape of this kind's params.
	Schema() schema.ParamType

	// Expand allows a resource to declare child resources it implies
	// (e.g. a higher-level "linux.webserver" kind expanding into pkg +
	// service + file resources). Most built-in kinds return nil.
	Expand(r Resource) ([]Resource, error)

	// Probe reads the current machine state for r. The only I/O point
	// outside of apply.
	Probe(ctx context.Context, r Resource) (State, error)

	// Diff computes the changes needed to move from current to r's
	// desired params.
	Diff(r Resource, current State) ([]Change, error)

	// Lower turns a non-empty Diff into the Operations that, when
	// applied, realize it.
	Lower(r Resource, changes []Change) ([]Operation, error)

	// Merge combines two operations of this kind into one when doing so
	// is sound (e.g. batching two package installs), or reports that
	// they cannot be merged. Merge must be commutative and associative.
	Merge(a, b Operation) (Operation, bool)
}

// Registry maps kind names to their Kind implementation.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: map[string]Kind{}}
}

// Register adds a Kind, keyed by its Name().
func (r *Registry) Register(k Kind) {
	r.kinds[k.Name()] = k
}

// Lookup resolves a resource kind by name.
func (r *Registry) Lookup(name string) (Kind, error) {
	k, ok := r.kinds[name]
	if !ok {
		return nil, corerr.New(corerr.KindUnknownCoreModule, "unknown resource kind "+name, nil)
	}
	return k, nil
}

// Names lists all registered kind names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	return names
}

// MergeOperations folds a list of operations of the same kind using that
// kind's Merge, preserving first-seen order among the results. Operations
// of different kinds, or marked Elevated vs not, are never merged across
// that boundary.
func MergeOperations(k Kind, ops []Operation) []Operation {
	var out []Operation
	for _, op := range ops {
		merged := false
		for i := range out {
			if out[i].Elevated != op.Elevated {
				continue
			}
			if combined, ok := k.Merge(out[i], op); ok {
				out[i] = combined
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, op)
		}
	}
	return out
}
