package resource

import (
	"context"
	"fmt"

	"github.com/loamhq/loam/pkg/schema"
)

// SudoersKind manages a /etc/sudoers.d/<user> drop-in, grounded on the
// teacher's SudoersEnsureHandler. Always elevated.
type SudoersKind struct{}

func (SudoersKind) Name() string { return "linux.sudoers" }

func (SudoersKind) Schema() schema.ParamType {
	return schema.Struct(schema.NewStructFields(
		field("user", schema.String(), false),
		field("commands", schema.List(schema.String()), true),
		field("no_passwd", schema.Bool(), true),
		field("state", schema.String(), true),
	))
}

func (SudoersKind) Expand(r Resource) ([]Resource, error) { return nil, nil }

func (SudoersKind) Probe(ctx context.Context, r Resource) (State, error) {
	return State{Exists: false}, nil
}

func (SudoersKind) Diff(r Resource, current State) ([]Change, error) {
	user, _ := r.Params.Field("user")
	return []Change{{Path: "rule", Action: ChangeCreate, After: schema.Value{Kind: schema.KindString, String: user.String, Span: user.Span}}}, nil
}

func (SudoersKind) Lower(r Resource, changes []Change) ([]Operation, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	user, _ := r.Params.Field("user")
	commandsField, hasCommands := r.Params.Field("commands")
	noPasswd, _ := r.Params.Field("no_passwd")

	var commands []string
	if hasCommands {
		for _, c := range commandsField.List {
			commands = append(commands, c.String)
		}
	}

	return []Operation{{
		ResourceID: r.ID,
		Kind:       "linux.sudoers.ensure",
		Summary:    fmt.Sprintf("sudoers rule for %s", user.String),
		Elevated:   true,
		Payload: map[string]any{
			"user":      user.String,
			"commands":  commands,
			"no_passwd": noPasswd.Bool,
		},
	}}, nil
}

func (SudoersKind) Merge(a, b Operation) (Operation, bool) { return Operation{}, false }
