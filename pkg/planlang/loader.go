package planlang

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/loamhq/loam/pkg/corerr"
	"github.com/loamhq/loam/pkg/schema"
	"github.com/loamhq/loam/pkg/span"
	"github.com/loamhq/loam/pkg/store"
)

// Loader evaluates plan documents written in the embedded Starlark plan
// language, adapted from the teacher's StarlarkEvaluator: a thread with
// print suppressed, a predeclared environment seeded with resource/include
// builtins, and a bounded execution timeout. Document bytes are resolved
// through a store.Store rather than read directly, so the same Loader
// serves local plans today and git/http-addressed plans once a fetching
// backend is registered behind that interface.
type Loader struct {
	timeout time.Duration
	sys     System
	store   store.Store
}

// NewLoader creates a Loader. A zero timeout defaults to 30s, matching the
// teacher's StarlarkEvaluator default. Plans are read through an unrooted
// store.LocalFile; use NewLoaderWithStore for any other store.
func NewLoader(timeout time.Duration, sys System) *Loader {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Loader{timeout: timeout, sys: sys, store: store.NewLocalFile("")}
}

// NewLoaderWithStore creates a Loader backed by an explicit store.Store,
// for callers that need plans resolved from a non-default root or a
// caching/instrumented Store wrapper.
func NewLoaderWithStore(timeout time.Duration, sys System, st store.Store) *Loader {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Loader{timeout: timeout, sys: sys, store: st}
}

// collector accumulates plan items and nested includes discovered while a
// plan file's top level executes.
type collector struct {
	loader   *Loader
	scopeID  string
	sourceID string
	items    []PlanItem
	includes []Plan
	loadErr  error
}

// Load reads and evaluates the plan at id (local plans only; Git/HTTP plan
// ids fail with KindSourceRead until a fetch backend is registered).
func (l *Loader) Load(id PlanId) (Plan, error) {
	if id.Kind != PlanIdLocal {
		return Plan{}, unresolvedPlanIdError(id)
	}

	src, err := l.store.Read(context.Background(), store.FileItemID(id.LocalPath))
	if err != nil {
		return Plan{}, corerr.New(corerr.KindSourceRead, fmt.Sprintf("reading plan %s", id.LocalPath), err)
	}

	return l.loadScoped(id, string(src), uuid.NewString())
}

func (l *Loader) loadScoped(id PlanId, source, scopeID string) (Plan, error) {
	c := &collector{loader: l, scopeID: scopeID, sourceID: id.LocalPath}

	thread := &starlark.Thread{
		Name:  "loam-plan",
		Print: func(_ *starlark.Thread, msg string) {},
		Load:  nil,
	}
	timer := time.AfterFunc(l.timeout, func() { thread.Cancel("plan evaluation timed out") })
	defer timer.Stop()

	predeclared := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"resource": starlark.NewBuiltin("resource", c.builtinResource),
		"include":  starlark.NewBuiltin("include", c.builtinInclude),
		"system":   systemStruct(l.sys),
	}

	if _, err := starlark.ExecFile(thread, id.LocalPath, source, predeclared); err != nil {
		return Plan{}, corerr.New(corerr.KindEvaluate, "evaluating plan "+id.LocalPath, err)
	}
	if c.loadErr != nil {
		return Plan{}, c.loadErr
	}

	return Plan{ID: id, ScopeID: scopeID, Items: c.items, Includes: c.includes}, nil
}

// builtinResource implements resource(kind, id, params={}, before=[], after=[]).
func (c *collector) builtinResource(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var kind, id string
	var params *starlark.Dict
	var before, after *starlark.List

	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"kind", &kind, "id", &id,
		"params?", &params, "before?", &before, "after?", &after,
	); err != nil {
		return nil, err
	}

	pos := callPosition(thread)
	sp := span.Span{
		Source: span.Source{ID: c.sourceID, Path: c.sourceID},
		Start:  span.Position{Line: int(pos.Line), Col: int(pos.Col)},
		End:    span.Position{Line: int(pos.Line), Col: int(pos.Col)},
	}

	raw, err := toRawValue(starlarkOrEmptyDict(params), sp)
	if err != nil {
		c.loadErr = corerr.New(corerr.KindEvaluate, "converting params for resource "+id, err).WithSpan(sp)
		return starlark.None, nil
	}

	// before/after name items of the same plan document, so they get the
	// same scope prefix as id.
	causality := CausalityMeta{Before: stringList(before), After: stringList(after)}
	for i, ref := range causality.Before {
		causality.Before[i] = c.scopeID + "/" + ref
	}
	for i, ref := range causality.After {
		causality.After[i] = c.scopeID + "/" + ref
	}

	item := PlanItem{
		ID:        c.scopeID + "/" + id,
		Kind:      kind,
		RawParams: raw,
		Causality: causality,
		Span:      sp,
	}
	c.items = append(c.items, item)
	return starlark.None, nil
}

// builtinInclude implements include(path), nesting another plan document
// under a fresh uuid scope so its item ids never collide with the
// including plan's.
func (c *collector) builtinInclude(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(c.sourceID), path)
	}
	src, err := c.loader.store.Read(context.Background(), store.FileItemID(resolved))
	if err != nil {
		c.loadErr = corerr.New(corerr.KindSourceRead, "reading included plan "+resolved, err)
		return starlark.None, nil
	}

	nested, err := c.loader.loadScoped(LocalPlanId(resolved), string(src), uuid.NewString())
	if err != nil {
		c.loadErr = err
		return starlark.None, nil
	}
	c.includes = append(c.includes, nested)
	return starlark.None, nil
}

func systemStruct(sys System) *starlarkstruct.Struct {
	if sys == nil {
		sys = StaticSystem{}
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"hostname": starlark.String(sys.Hostname()),
		"os":       starlark.String(sys.OSFamily()),
		"arch":     starlark.String(sys.Arch()),
	})
}

func starlarkOrEmptyDict(d *starlark.Dict) *starlark.Dict {
	if d == nil {
		return starlark.NewDict(0)
	}
	return d
}

func stringList(l *starlark.List) []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		if s, ok := starlark.AsString(l.Index(i)); ok {
			out = append(out, s)
		}
	}
	return out
}

// callPosition reports the current call-site source position from the
// thread's call stack, used as the span for every leaf produced from that
// call's arguments. Per-literal span tracking inside nested expressions is
// not attempted; the call site is an acceptable approximation for the
// diagnostics this module surfaces.
func callPosition(thread *starlark.Thread) starlarkPosition {
	cs := thread.CallStack()
	if len(cs) < 2 {
		return starlarkPosition{}
	}
	// cs[len(cs)-1] is the builtin itself (no position); the frame below it
	// is the Starlark call expression that invoked it.
	fr := cs[len(cs)-2]
	return starlarkPosition{Line: fr.Pos.Line, Col: fr.Pos.Col}
}

type starlarkPosition struct {
	Line, Col int32
}

// toRawValue converts an evaluated Starlark value into the dynamically
// typed RawValue tree the schema validator consumes, tagging every node
// with sp (see callPosition).
func toRawValue(v starlark.Value, sp span.Span) (schema.RawValue, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return schema.NewNull(sp), nil
	case starlark.Bool:
		return schema.NewBool(bool(val), sp), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return schema.RawValue{}, fmt.Errorf("integer too large: %s", val.String())
		}
		return schema.NewInt(i, sp), nil
	case starlark.Float:
		return schema.NewFloat(float64(val), sp), nil
	case starlark.String:
		return schema.NewString(string(val), sp), nil
	case *starlark.List:
		items := make([]schema.RawValue, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := toRawValue(val.Index(i), sp)
			if err != nil {
				return schema.RawValue{}, err
			}
			items = append(items, item)
		}
		return schema.NewList(items, sp), nil
	case *starlark.Dict:
		keys := make([]string, 0, val.Len())
		values := make(map[string]schema.RawValue, val.Len())
		for _, item := range val.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return schema.RawValue{}, fmt.Errorf("dict key must be a string, got %s", item[0].Type())
			}
			rv, err := toRawValue(item[1], sp)
			if err != nil {
				return schema.RawValue{}, err
			}
			keys = append(keys, k)
			values[k] = rv
		}
		return schema.NewMap(keys, values, sp), nil
	case *starlarkstruct.Struct:
		var keys []string
		values := map[string]schema.RawValue{}
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			rv, err := toRawValue(attr, sp)
			if err != nil {
				return schema.RawValue{}, err
			}
			keys = append(keys, name)
			values[name] = rv
		}
		return schema.NewMap(keys, values, sp), nil
	default:
		return schema.RawValue{}, fmt.Errorf("unsupported starlark type in plan params: %s", v.Type())
	}
}
