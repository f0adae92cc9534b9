package resource

import (
	"context"

	"github.com/loamhq/loam/pkg/schema"
)

// ServiceKind manages a systemd service's running/enabled state, grounded
// on the teacher's ServiceReloadHandler. Elevated is always true: service
// management requires root on every supported host.
type ServiceKind struct{}

func (ServiceKind) Name() string { return "linux.service" }

func (ServiceKind) Schema() schema.ParamType {
	return schema.Struct(schema.NewStructFields(
		field("name", schema.String(), false),
		field("state", schema.String(), true),
		field("enabled", schema.Bool(), true),
	))
}

func (ServiceKind) Expand(r Resource) ([]Resource, error) { return nil, nil }

func (ServiceKind) Probe(ctx context.Context, r Resource) (State, error) {
	return State{Exists: false}, nil
}

func (ServiceKind) Diff(r Resource, current State) ([]Change, error) {
	name, _ := r.Params.Field("name")
	state, hasState := r.Params.Field("state")
	desired := "started"
	if hasState {
		desired = state.String
	}
	return []Change{{Path: "state", Action: ChangeUpdate, After: schema.Value{Kind: schema.KindString, String: desired, Span: name.Span}}}, nil
}

func (ServiceKind) Lower(r Resource, changes []Change) ([]Operation, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	name, _ := r.Params.Field("name")
	enabled, hasEnabled := r.Params.Field("enabled")

	action := "restart"
	switch changes[0].After.String {
	case "started":
		action = "start"
	case "stopped":
		action = "stop"
	}

	payload := map[string]any{"name": name.String, "action": action}
	if hasEnabled {
		payload["enabled"] = enabled.Bool
	}

	return []Operation{{
		ResourceID: r.ID,
		Kind:       "linux.service.reload",
		Summary:    action + " " + name.String,
		Elevated:   true,
		Payload:    payload,
	}}, nil
}

func (ServiceKind) Merge(a, b Operation) (Operation, bool) { return Operation{}, false }
