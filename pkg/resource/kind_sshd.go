package resource

import (
	"context"

	"github.com/loamhq/loam/pkg/schema"
)

// SSHDKind hardens /etc/ssh/sshd_config, grounded on the teacher's
// SSHDHardenHandler. Always elevated; the runner is responsible for the
// backup-before-write behavior the handler implements.
type SSHDKind struct{}

func (SSHDKind) Name() string { return "linux.sshd" }

func (SSHDKind) Schema() schema.ParamType {
	return schema.Struct(schema.NewStructFields(
		field("disable_password_auth", schema.Bool(), true),
		field("disable_root_login", schema.Bool(), true),
		field("allow_users", schema.List(schema.String()), true),
		field("port", schema.Int(), true),
	))
}

func (SSHDKind) Expand(r Resource) ([]Resource, error) { return nil, nil }

func (SSHDKind) Probe(ctx context.Context, r Resource) (State, error) {
	return State{Exists: false}, nil
}

func (SSHDKind) Diff(r Resource, current State) ([]Change, error) {
	return []Change{{Path: "config", Action: ChangeUpdate}}, nil
}

func (SSHDKind) Lower(r Resource, changes []Change) ([]Operation, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	payload := map[string]any{}
	if v, ok := r.Params.Field("disable_password_auth"); ok {
		payload["disable_password_auth"] = v.Bool
	}
	if v, ok := r.Params.Field("disable_root_login"); ok {
		payload["disable_root_login"] = v.Bool
	}
	if v, ok := r.Params.Field("allow_users"); ok {
		var users []string
		for _, u := range v.List {
			users = append(users, u.String)
		}
		payload["allow_users"] = users
	}
	if v, ok := r.Params.Field("port"); ok {
		payload["port"] = v.Int
	}

	return []Operation{{
		ResourceID: r.ID,
		Kind:       "linux.sshd.harden",
		Summary:    "harden sshd_config",
		Elevated:   true,
		Payload:    payload,
	}}, nil
}

func (SSHDKind) Merge(a, b Operation) (Operation, bool) { return Operation{}, false }
