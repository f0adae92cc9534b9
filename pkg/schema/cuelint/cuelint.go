// Package cuelint layers an optional, advisory CUE profile on top of
// already-validated schema.Value params. It never participates in
// Validate's pass/fail decision: a profile violation is a Finding, not a
// corerr.Error, so an organization can register house conventions (e.g.
// "every linux.pkg resource should pin a version") without the engine's
// core scalar-exactness rules knowing anything about them.
//
// Grounded on pkg/config/schemas.go's SchemaRegistry, repointed at
// schema.Value params re-encoded to interface{} instead of CUE-native
// config documents.
package cuelint

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/loamhq/loam/pkg/schema"
)

// Finding is one advisory lint result against a resource's params.
type Finding struct {
	Profile  string
	Resource string
	Message  string
}

// Registry holds named CUE profiles, each keyed by the `@core/` resource
// kind it applies to.
type Registry struct {
	ctx      *cue.Context
	mu       sync.RWMutex
	profiles map[string]cue.Value
}

// NewRegistry creates a registry seeded with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{
		ctx:      cuecontext.New(),
		profiles: make(map[string]cue.Value),
	}
	for kind, src := range builtinProfiles {
		if err := r.Register(kind, src); err != nil {
			// Built-in profiles are compiled at package-author time; a
			// compile failure here is a programming error, not a runtime
			// condition the caller can act on.
			panic(fmt.Sprintf("cuelint: built-in profile %q: %v", kind, err))
		}
	}
	return r
}

// Register compiles and stores a CUE profile for the given resource kind,
// overwriting any profile previously registered under that kind.
func (r *Registry) Register(kind, src string) error {
	val := r.ctx.CompileString(src)
	if err := val.Err(); err != nil {
		return fmt.Errorf("compiling cuelint profile %q: %w", kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[kind] = val
	return nil
}

// Kinds returns the resource kinds with a registered profile.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for k := range r.profiles {
		out = append(out, k)
	}
	return out
}

// Lint unifies resourceID's validated params against the profile
// registered for kind, if any. A missing profile is not an error: most
// kinds simply have no organizational convention layered on top of them.
func (r *Registry) Lint(kind, resourceID string, params schema.Value) ([]Finding, error) {
	r.mu.RLock()
	profile, ok := r.profiles[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	encoded := toInterface(params)
	dataVal := r.ctx.Encode(encoded)
	if err := dataVal.Err(); err != nil {
		return nil, fmt.Errorf("encoding params for cuelint: %w", err)
	}

	unified := profile.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return []Finding{{
			Profile:  kind,
			Resource: resourceID,
			Message:  err.Error(),
		}}, nil
	}
	return nil, nil
}

// toInterface re-encodes a validated schema.Value as a plain Go value
// (map[string]interface{}, []interface{}, or a scalar) that cue.Context.Encode
// can consume, mirroring the struct/list/map/scalar shape schema.Validate
// already enforced.
func toInterface(v schema.Value) interface{} {
	switch v.Kind {
	case schema.KindBool:
		return v.Bool
	case schema.KindInt:
		return v.Int
	case schema.KindFloat:
		return v.Float
	case schema.KindString:
		return v.String
	case schema.KindHostPath:
		return v.HostPath
	case schema.KindTargetPath:
		return v.TargetPath
	case schema.KindList:
		out := make([]interface{}, len(v.List))
		for i, elem := range v.List {
			out[i] = toInterface(elem)
		}
		return out
	case schema.KindMap:
		out := make(map[string]interface{}, len(v.MapKeys))
		for _, k := range v.MapKeys {
			out[k] = toInterface(v.MapValues[k])
		}
		return out
	case schema.KindStruct:
		out := make(map[string]interface{}, len(v.StructOrder))
		for _, name := range v.StructOrder {
			out[name] = toInterface(v.StructValues[name])
		}
		return out
	case schema.KindUnion:
		// A union's validated value is its selected case's struct value;
		// lint against that case directly rather than the discriminator.
		if len(v.StructOrder) > 0 || v.StructValues != nil {
			out := make(map[string]interface{}, len(v.StructOrder))
			for _, name := range v.StructOrder {
				out[name] = toInterface(v.StructValues[name])
			}
			return out
		}
		return nil
	default:
		return nil
	}
}

// builtinProfiles are organizational conventions that go beyond what
// schema.Validate's scalar-exactness rules express: advisory rather than
// the core engine's structural correctness checks.
var builtinProfiles = map[string]string{
	// Every linux.pkg resource should pin an exact version rather than
	// tracking "whatever the repo currently has", so drift is visible in
	// the plan source instead of only showing up at Probe time.
	"linux.pkg": `
version: string & =~"^[0-9]"
`,
	// sudoers drop-ins should name a real system account, not a templated
	// or empty placeholder that slipped through plan authoring.
	"linux.sudoers": `
user: string & =~"^[a-z_][a-z0-9_-]*$"
`,
}
