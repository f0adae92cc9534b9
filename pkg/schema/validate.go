package schema

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loamhq/loam/pkg/corerr"
	"github.com/loamhq/loam/pkg/span"
)

// Validate matches raw against typ and returns the fully-typed image, or a
// *corerr.Error of KindParamValidation naming the failing field path, the
// expected shape, and the observed shape. Every error carries the span of
// the value that failed.
func Validate(typ ParamType, raw RawValue) (Value, error) {
	return validateAt(typ, raw, "")
}

func validateAt(typ ParamType, raw RawValue, path string) (Value, error) {
	switch typ.Kind {
	case KindBool:
		if raw.Kind != RawBool {
			return Value{}, shapeErr(path, raw.Span, "bool", string(raw.Kind))
		}
		return Value{Kind: KindBool, Bool: raw.Bool, Span: raw.Span}, nil

	case KindInt:
		if raw.Kind != RawInt {
			return Value{}, shapeErr(path, raw.Span, "int", string(raw.Kind))
		}
		return Value{Kind: KindInt, Int: raw.Int, Span: raw.Span}, nil

	case KindFloat:
		if raw.Kind != RawFloat {
			return Value{}, shapeErr(path, raw.Span, "float", string(raw.Kind))
		}
		return Value{Kind: KindFloat, Float: raw.Float, Span: raw.Span}, nil

	case KindString:
		if raw.Kind != RawString {
			return Value{}, shapeErr(path, raw.Span, "string", string(raw.Kind))
		}
		return Value{Kind: KindString, String: raw.String, Span: raw.Span}, nil

	case KindHostPath:
		if raw.Kind != RawString {
			return Value{}, shapeErr(path, raw.Span, "host_path (string)", string(raw.Kind))
		}
		if filepath.IsAbs(raw.String) {
			return Value{}, corerr.New(corerr.KindParamValidation,
				fmt.Sprintf("host path %q must be relative", raw.String), nil).
				WithSpan(raw.Span).WithPath(path).
				WithShape("relative path", "absolute path "+raw.String)
		}
		baseDir := filepath.Dir(raw.Span.Source.Path)
		resolved := filepath.Join(baseDir, raw.String)
		return Value{Kind: KindHostPath, HostPath: resolved, Span: raw.Span}, nil

	case KindTargetPath:
		if raw.Kind != RawString {
			return Value{}, shapeErr(path, raw.Span, "target_path (string)", string(raw.Kind))
		}
		if !filepath.IsAbs(raw.String) {
			return Value{}, corerr.New(corerr.KindParamValidation,
				fmt.Sprintf("target path %q must be absolute", raw.String), nil).
				WithSpan(raw.Span).WithPath(path).
				WithShape("absolute path", "relative path "+raw.String)
		}
		return Value{Kind: KindTargetPath, TargetPath: raw.String, Span: raw.Span}, nil

	case KindList:
		if raw.Kind != RawList {
			return Value{}, shapeErr(path, raw.Span, "list", string(raw.Kind))
		}
		out := make([]Value, 0, len(raw.List))
		for i, elem := range raw.List {
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			v, err := validateAt(*typ.Elem, elem, elemPath)
			if err != nil {
				return Value{}, err
			}
			out = append(out, v)
		}
		return Value{Kind: KindList, List: out, Span: raw.Span}, nil

	case KindMap:
		if raw.Kind != RawMap {
			return Value{}, shapeErr(path, raw.Span, "map", string(raw.Kind))
		}
		seen := map[string]bool{}
		values := make(map[string]Value, len(raw.Keys))
		for _, k := range raw.Keys {
			if seen[k] {
				return Value{}, corerr.New(corerr.KindParamValidation,
					fmt.Sprintf("duplicate map key %q", k), nil).
					WithSpan(raw.Span).WithPath(path)
			}
			seen[k] = true
			valPath := fmt.Sprintf("%s.%s", path, k)
			v, err := validateAt(*typ.Elem, raw.Values[k], valPath)
			if err != nil {
				return Value{}, err
			}
			values[k] = v
		}
		return Value{Kind: KindMap, MapKeys: append([]string{}, raw.Keys...), MapValues: values, Span: raw.Span}, nil

	case KindStruct:
		return validateStruct(typ, raw, path)

	case KindUnion:
		return validateUnion(typ, raw, path)
	}

	return Value{}, corerr.New(corerr.KindParamValidation, fmt.Sprintf("unknown param type kind %q", typ.Kind), nil).WithPath(path)
}

func validateStruct(typ ParamType, raw RawValue, path string) (Value, error) {
	if raw.Kind != RawMap {
		return Value{}, shapeErr(path, raw.Span, "struct", string(raw.Kind))
	}

	provided := map[string]bool{}
	for _, k := range raw.Keys {
		provided[k] = true
	}

	for _, name := range typ.Fields.Names() {
		field, _ := typ.Fields.Get(name)
		if !field.Optional && !provided[name] {
			return Value{}, corerr.New(corerr.KindParamValidation,
				fmt.Sprintf("missing required field %q", name), nil).
				WithSpan(raw.Span).WithPath(joinPath(path, name)).
				WithShape("present", "absent")
		}
	}

	for _, name := range raw.Keys {
		if _, ok := typ.Fields.Get(name); !ok {
			return Value{}, corerr.New(corerr.KindUnknownResourceField,
				fmt.Sprintf("unknown field %q", name), nil).
				WithSpan(raw.Values[name].Span).WithPath(joinPath(path, name))
		}
	}

	out := map[string]Value{}
	for _, name := range typ.Fields.Names() {
		field, _ := typ.Fields.Get(name)
		fieldPath := joinPath(path, name)
		if provided[name] {
			v, err := validateAt(field.Type, raw.Values[name], fieldPath)
			if err != nil {
				return Value{}, err
			}
			out[name] = v
		} else if field.Default != nil {
			v, err := validateAt(field.Type, *field.Default, fieldPath)
			if err != nil {
				return Value{}, err
			}
			out[name] = v
		}
	}

	return Value{
		Kind:         KindStruct,
		Span:         raw.Span,
		StructValues: out,
		StructOrder:  append([]string{}, typ.Fields.Names()...),
	}, nil
}

// unionAttempt records why one union case failed, for the ambiguity/no-match error.
type unionAttempt struct {
	index int
	err   error
}

func validateUnion(typ ParamType, raw RawValue, path string) (Value, error) {
	if raw.Kind != RawMap {
		return Value{}, shapeErr(path, raw.Span, "union (struct)", string(raw.Kind))
	}

	provided := map[string]bool{}
	for _, k := range raw.Keys {
		provided[k] = true
	}

	type candidate struct {
		index        int
		intersection int
	}
	var candidates []candidate
	var attempts []unionAttempt

	for i, c := range typ.Cases {
		required := c.Fields.Required()
		matches := true
		for _, r := range required {
			if !provided[r] {
				matches = false
				break
			}
		}
		if !matches {
			attempts = append(attempts, unionAttempt{index: i, err: fmt.Errorf("missing required fields %v", required)})
			continue
		}
		// superset of at least one case's full key set, measured as
		// intersection with this case's declared field names.
		intersection := 0
		for _, name := range c.Fields.Names() {
			if provided[name] {
				intersection++
			}
		}
		if intersection == 0 {
			attempts = append(attempts, unionAttempt{index: i, err: fmt.Errorf("no overlapping fields")})
			continue
		}
		candidates = append(candidates, candidate{index: i, intersection: intersection})
	}

	if len(candidates) == 0 {
		var msgs []string
		for _, a := range attempts {
			msgs = append(msgs, fmt.Sprintf("case %d: %s", a.index, a.err))
		}
		return Value{}, corerr.New(corerr.KindParamValidation,
			fmt.Sprintf("no union case matches; attempts: %s", strings.Join(msgs, "; ")), nil).
			WithSpan(raw.Span).WithPath(path)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].intersection > candidates[j].intersection })

	if len(candidates) > 1 && candidates[0].intersection == candidates[1].intersection {
		return Value{}, corerr.New(corerr.KindParamValidation,
			"ambiguous union: multiple cases match with equal specificity", nil).
			WithSpan(raw.Span).WithPath(path)
	}

	best := candidates[0].index
	inner, err := validateStruct(typ.Cases[best], raw, path)
	if err != nil {
		return Value{}, err
	}
	inner.UnionCase = best
	return inner, nil
}

func shapeErr(path string, sp span.Span, expected, observed string) error {
	return corerr.New(corerr.KindParamValidation,
		fmt.Sprintf("expected %s, got %s", expected, observed), nil).
		WithSpan(sp).WithPath(path).WithShape(expected, observed)
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}
