package schema

import (
	"errors"
	"testing"

	"github.com/loamhq/loam/pkg/corerr"
	"github.com/loamhq/loam/pkg/span"
)

func srcSpan(path string) span.Span {
	return span.Span{
		Source: span.Source{ID: path, Path: path},
		Start:  span.Position{Line: 1, Col: 1},
		End:    span.Position{Line: 1, Col: 1},
	}
}

// S4: a host_path field given "./a/b" from a plan at /plans/p.plan resolves
// to /plans/a/b; an absolute host_path is rejected.
func TestValidateHostPathResolvesAgainstSourceDir(t *testing.T) {
	typ := HostPath()
	raw := NewString("./a/b", srcSpan("/plans/p.plan"))

	v, err := Validate(typ, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.HostPath != "/plans/a/b" {
		t.Fatalf("want /plans/a/b, got %s", v.HostPath)
	}
}

func TestValidateHostPathRejectsAbsoluteInput(t *testing.T) {
	typ := HostPath()
	raw := NewString("/etc/x", srcSpan("/plans/p.plan"))

	_, err := Validate(typ, raw)
	if !corerr.Of(err, corerr.KindParamValidation) {
		t.Fatalf("expected ParamValidation error, got %v", err)
	}
}

func TestValidateTargetPathRequiresAbsolute(t *testing.T) {
	typ := TargetPath()

	_, err := Validate(typ, NewString("etc/x", srcSpan("/plans/p.plan")))
	if !corerr.Of(err, corerr.KindParamValidation) {
		t.Fatalf("expected ParamValidation error for relative target_path, got %v", err)
	}

	v, err := Validate(typ, NewString("/etc/x", srcSpan("/plans/p.plan")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.TargetPath != "/etc/x" {
		t.Fatalf("want /etc/x verbatim, got %s", v.TargetPath)
	}
}

func field(name string, typ ParamType, optional bool) struct {
	Name  string
	Field Field
} {
	return struct {
		Name  string
		Field Field
	}{Name: name, Field: Field{Type: typ, Optional: optional}}
}

// S5: union discrimination selects the case whose required fields are a
// subset of the provided keys and which has the largest key intersection.
func TestValidateUnionDiscriminatesByRequiredFieldSubset(t *testing.T) {
	sourceCase := Struct(NewStructFields(
		field("kind", String(), false),
		field("source", HostPath(), false),
		field("path", TargetPath(), false),
	))
	literalCase := Struct(NewStructFields(
		field("kind", String(), false),
		field("content", String(), false),
		field("path", TargetPath(), false),
	))
	union := Union(sourceCase, literalCase)

	sp := srcSpan("/plans/p.plan")
	raw := NewMap(
		[]string{"kind", "source", "path"},
		map[string]RawValue{
			"kind":   NewString("source", sp),
			"source": NewString("./f", sp),
			"path":   NewString("/etc/f", sp),
		},
		sp,
	)

	v, err := Validate(union, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.UnionCase != 0 {
		t.Fatalf("expected case 0 (source) selected, got case %d", v.UnionCase)
	}
	got, ok := v.Field("source")
	if !ok {
		t.Fatalf("expected source field present")
	}
	if got.HostPath != "/plans/f" {
		t.Fatalf("want /plans/f, got %s", got.HostPath)
	}
}

func TestValidateUnionNoMatchIsAggregatedError(t *testing.T) {
	caseA := Struct(NewStructFields(field("a", String(), false)))
	caseB := Struct(NewStructFields(field("b", String(), false)))
	union := Union(caseA, caseB)

	sp := srcSpan("/plans/p.plan")
	raw := NewMap([]string{"c"}, map[string]RawValue{"c": NewString("x", sp)}, sp)

	_, err := Validate(union, raw)
	if !corerr.Of(err, corerr.KindParamValidation) {
		t.Fatalf("expected ParamValidation error, got %v", err)
	}
}

func TestValidateStructRejectsUnknownField(t *testing.T) {
	typ := Struct(NewStructFields(field("name", String(), false)))
	sp := srcSpan("/plans/p.plan")
	raw := NewMap(
		[]string{"name", "bogus"},
		map[string]RawValue{"name": NewString("x", sp), "bogus": NewBool(true, sp)},
		sp,
	)

	_, err := Validate(typ, raw)
	if !corerr.Of(err, corerr.KindUnknownResourceField) {
		t.Fatalf("expected UnknownResourceField error, got %v", err)
	}
}

func TestValidateStructAppliesDefaultForAbsentOptionalField(t *testing.T) {
	sp := srcSpan("/plans/p.plan")
	def := NewInt(42, sp)
	typ := Struct(NewStructFields(
		field("name", String(), false),
		struct {
			Name  string
			Field Field
		}{Name: "count", Field: Field{Type: Int(), Optional: true, Default: &def}},
	))
	raw := NewMap([]string{"name"}, map[string]RawValue{"name": NewString("x", sp)}, sp)

	v, err := Validate(typ, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := v.Field("count")
	if !ok || got.Int != 42 {
		t.Fatalf("expected default count=42, got %+v ok=%v", got, ok)
	}
}

func TestValidateListElementErrorCarriesIndexPath(t *testing.T) {
	typ := List(Int())
	sp := srcSpan("/plans/p.plan")
	raw := NewList([]RawValue{NewInt(1, sp), NewString("oops", sp)}, sp)

	_, err := Validate(typ, raw)
	var cerr *corerr.Error
	if !corerr.Of(err, corerr.KindParamValidation) {
		t.Fatalf("expected ParamValidation error, got %v", err)
	}
	if !errors.As(err, &cerr) || cerr.Path != "[1]" {
		t.Fatalf("expected error path [1], got %+v", cerr)
	}
}

func TestValidateMapRejectsDuplicateKeys(t *testing.T) {
	typ := Map(String())
	sp := srcSpan("/plans/p.plan")
	raw := RawValue{
		Kind: RawMap,
		Span: sp,
		Keys: []string{"a", "a"},
		Values: map[string]RawValue{
			"a": NewString("x", sp),
		},
	}

	_, err := Validate(typ, raw)
	if !corerr.Of(err, corerr.KindParamValidation) {
		t.Fatalf("expected ParamValidation error for duplicate key, got %v", err)
	}
}

// Property 1: validation is deterministic — revalidating the same raw value
// against the same schema twice yields identical results.
func TestValidateIsDeterministic(t *testing.T) {
	typ := Struct(NewStructFields(
		field("name", String(), false),
		field("path", HostPath(), false),
	))
	sp := srcSpan("/plans/p.plan")
	raw := NewMap(
		[]string{"name", "path"},
		map[string]RawValue{
			"name": NewString("svc", sp),
			"path": NewString("./cfg", sp),
		},
		sp,
	)

	v1, err1 := Validate(typ, raw)
	v2, err2 := Validate(typ, raw)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	n1, _ := v1.Field("name")
	n2, _ := v2.Field("name")
	p1, _ := v1.Field("path")
	p2, _ := v2.Field("path")
	if n1.String != n2.String || p1.HostPath != p2.HostPath {
		t.Fatalf("validation was not deterministic: %+v vs %+v", v1, v2)
	}
}
