package resource

import (
	"context"

	"github.com/loamhq/loam/pkg/schema"
)

// PkgKind manages OS package presence, grounded on the teacher's
// PkgEnsureHandler. Merge batches consecutive installs of the same desired
// state into one operation, matching the handler's single dpkg/rpm/zypper
// invocation per state transition.
type PkgKind struct{}

func (PkgKind) Name() string { return "linux.pkg" }

func (PkgKind) Schema() schema.ParamType {
	return schema.Struct(schema.NewStructFields(
		field("name", schema.String(), false),
		field("state", schema.String(), true),
		field("version", schema.String(), true),
	))
}

func (PkgKind) Expand(r Resource) ([]Resource, error) { return nil, nil }

func (PkgKind) Probe(ctx context.Context, r Resource) (State, error) {
	// Package manager inventory probing is host-specific I/O; callers wire
	// a concrete prober via pkg/runner for the real host path. The
	// in-process default reports unknown (absent) so plans can still be
	// diffed and lowered deterministically in tests and `dev` runs.
	return State{Exists: false}, nil
}

func (PkgKind) Diff(r Resource, current State) ([]Change, error) {
	name, _ := r.Params.Field("name")
	state, hasState := r.Params.Field("state")
	desired := "present"
	if hasState {
		desired = state.String
	}

	if !current.Exists && desired != "absent" {
		return []Change{{Path: "state", Action: ChangeCreate, After: schema.Value{Kind: schema.KindString, String: desired, Span: name.Span}}}, nil
	}
	if current.Exists && desired == "absent" {
		return []Change{{Path: "state", Action: ChangeDelete, Before: schema.Value{Kind: schema.KindString, String: "present", Span: name.Span}}}, nil
	}
	return nil, nil
}

func (PkgKind) Lower(r Resource, changes []Change) ([]Operation, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	name, _ := r.Params.Field("name")
	version, _ := r.Params.Field("version")
	action := changes[0].Action

	state := "present"
	if action == ChangeDelete {
		state = "absent"
	}

	return []Operation{{
		ResourceID: r.ID,
		Kind:       "linux.pkg.ensure",
		Summary:    state + " " + name.String,
		Payload: map[string]any{
			"name":    name.String,
			"version": version.String,
			"state":   state,
		},
	}}, nil
}

// Merge batches two pkg.ensure operations targeting the same desired state
// into a single multi-package install/removal, commutative and associative
// over the package name list.
func (PkgKind) Merge(a, b Operation) (Operation, bool) {
	if a.Kind != "linux.pkg.ensure" || b.Kind != "linux.pkg.ensure" {
		return Operation{}, false
	}
	if a.Payload["state"] != b.Payload["state"] {
		return Operation{}, false
	}

	names, _ := a.Payload["names"].([]string)
	if names == nil {
		names = []string{a.Payload["name"].(string)}
	}
	names = append(names, b.Payload["name"].(string))

	return Operation{
		ResourceID: a.ResourceID + "," + b.ResourceID,
		Kind:       "linux.pkg.ensure",
		Summary:    a.Payload["state"].(string) + " " + joinNames(names),
		Elevated:   a.Elevated || b.Elevated,
		Payload: map[string]any{
			"names": names,
			"state": a.Payload["state"],
		},
	}, true
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
