package schema

import "github.com/loamhq/loam/pkg/span"

// RawKind discriminates the dynamically-typed values coming out of plan
// language evaluation, before they've been matched against a ParamType.
type RawKind string

const (
	RawBool   RawKind = "bool"
	RawInt    RawKind = "int"
	RawFloat  RawKind = "float"
	RawString RawKind = "string"
	RawList   RawKind = "list"
	RawMap    RawKind = "map"
	RawNull   RawKind = "null"
)

// RawValue is one node of the dynamically-typed tree the plan language
// hands back for a params value, with the Span of the literal that
// produced it (when the plan language can supply one).
type RawValue struct {
	Kind RawKind
	Span span.Span

	Bool   bool
	Int    int64
	Float  float64
	String string
	List   []RawValue
	// Map preserves insertion order via Keys; Values is keyed by the same
	// strings as Keys, in the same order.
	Keys   []string
	Values map[string]RawValue
}

func NewBool(v bool, sp span.Span) RawValue     { return RawValue{Kind: RawBool, Bool: v, Span: sp} }
func NewInt(v int64, sp span.Span) RawValue     { return RawValue{Kind: RawInt, Int: v, Span: sp} }
func NewFloat(v float64, sp span.Span) RawValue { return RawValue{Kind: RawFloat, Float: v, Span: sp} }
func NewString(v string, sp span.Span) RawValue {
	return RawValue{Kind: RawString, String: v, Span: sp}
}
func NewList(v []RawValue, sp span.Span) RawValue { return RawValue{Kind: RawList, List: v, Span: sp} }
func NewNull(sp span.Span) RawValue               { return RawValue{Kind: RawNull, Span: sp} }

// NewMap builds a map RawValue from ordered key/value pairs.
func NewMap(keys []string, values map[string]RawValue, sp span.Span) RawValue {
	return RawValue{Kind: RawMap, Keys: keys, Values: values, Span: sp}
}

// Value is the typed, validated counterpart of RawValue: exactly one
// ParamType variant's worth of data, with the span it was validated from.
type Value struct {
	Kind Kind
	Span span.Span

	Bool       bool
	Int        int64
	Float      float64
	String     string
	HostPath   string // absolute, resolved against the source file's directory
	TargetPath string // absolute, stored verbatim

	List []Value

	MapKeys   []string
	MapValues map[string]Value

	// StructValues holds the validated field values, by name.
	StructValues map[string]Value
	// StructOrder preserves the schema's declared field order.
	StructOrder []string

	// UnionCase is the index into the Union's Cases that was selected.
	UnionCase int
}

// Field looks up a validated struct field value.
func (v Value) Field(name string) (Value, bool) {
	val, ok := v.StructValues[name]
	return val, ok
}
