package resource

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"strconv"

	"github.com/loamhq/loam/pkg/schema"
)

// FileKind manages the content and mode of a single file on the target
// host, grounded on the teacher's FileWriteHandler.
type FileKind struct{}

func (FileKind) Name() string { return "linux.file" }

func (FileKind) Schema() schema.ParamType {
	return schema.Struct(schema.NewStructFields(
		field("path", schema.TargetPath(), false),
		field("content", schema.String(), false),
		field("mode", schema.String(), true),
	))
}

func (FileKind) Expand(r Resource) ([]Resource, error) { return nil, nil }

func (FileKind) Probe(ctx context.Context, r Resource) (State, error) {
	path, _ := r.Params.Field("path")
	info, err := os.Stat(path.TargetPath)
	if os.IsNotExist(err) {
		return State{Exists: false}, nil
	}
	if err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(path.TargetPath)
	if err != nil {
		return State{}, err
	}

	sp := path.Span
	fields := map[string]schema.Value{
		"path":    path,
		"content": {Kind: schema.KindString, String: string(data), Span: sp},
		"mode":    {Kind: schema.KindString, String: fmt.Sprintf("%04o", info.Mode().Perm()), Span: sp},
	}
	return State{Exists: true, Fields: schema.Value{Kind: schema.KindStruct, StructValues: fields, Span: sp}}, nil
}

func (FileKind) Diff(r Resource, current State) ([]Change, error) {
	var changes []Change
	content, _ := r.Params.Field("content")
	mode, hasMode := r.Params.Field("mode")

	if !current.Exists {
		changes = append(changes, Change{Path: "content", Action: ChangeCreate, After: content})
		if hasMode {
			changes = append(changes, Change{Path: "mode", Action: ChangeCreate, After: mode})
		}
		return changes, nil
	}

	curContent, _ := current.Fields.Field("content")
	if curContent.String != content.String {
		changes = append(changes, Change{Path: "content", Action: ChangeUpdate, Before: curContent, After: content})
	}
	if hasMode {
		curMode, _ := current.Fields.Field("mode")
		if curMode.String != mode.String {
			changes = append(changes, Change{Path: "mode", Action: ChangeUpdate, Before: curMode, After: mode})
		}
	}
	return changes, nil
}

func (FileKind) Lower(r Resource, changes []Change) ([]Operation, error) {
	var ops []Operation
	path, _ := r.Params.Field("path")
	for _, c := range changes {
		switch c.Path {
		case "content":
			ops = append(ops, Operation{
				ResourceID: r.ID,
				Kind:       "linux.file.write",
				Summary:    "write " + path.TargetPath,
				Payload: map[string]any{
					"path":    path.TargetPath,
					"content": c.After.String,
					"sha256":  fmt.Sprintf("%x", sha256.Sum256([]byte(c.After.String))),
				},
			})
		case "mode":
			mode, err := strconv.ParseUint(c.After.String, 8, 32)
			if err != nil {
				return nil, err
			}
			ops = append(ops, Operation{
				ResourceID: r.ID,
				Kind:       "linux.file.chmod",
				Summary:    "chmod " + c.After.String + " " + path.TargetPath,
				Payload:    map[string]any{"path": path.TargetPath, "mode": mode},
			})
		}
	}
	return ops, nil
}

func (FileKind) Merge(a, b Operation) (Operation, bool) {
	return Operation{}, false
}

func field(name string, typ schema.ParamType, optional bool) struct {
	Name  string
	Field schema.Field
} {
	return struct {
		Name  string
		Field schema.Field
	}{Name: name, Field: schema.Field{Type: typ, Optional: optional}}
}
