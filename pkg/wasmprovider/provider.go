// Package wasmprovider adapts a wazero-hosted WASM module onto the
// resource.Kind trait, so a third-party resource kind can be shipped as a
// single .wasm file instead of requiring a recompile of the core engine.
//
// Grounded on pkg/providers/host/bridge.go's WASM call-and-marshal
// pattern (malloc/free-backed linear-memory exchange of JSON payloads)
// and pkg/providers/host/host.go's wazero runtime/WASI instantiation
// sequence, repointed at resource.Kind's Schema/Expand/Probe/Diff/Lower/
// Merge methods instead of the teacher's Read/Plan/Apply/Destroy provider
// lifecycle.
package wasmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/loamhq/loam/pkg/resource"
	"github.com/loamhq/loam/pkg/schema"
)

// Kind adapts a WASM module to resource.Kind. The module must export
// malloc/free and the five required functions (schema/expand/probe/diff/
// lower); merge is optional, defaulting to "never merges" when absent.
type Kind struct {
	name    string
	runtime wazero.Runtime
	module  api.Module

	memory api.Memory
	malloc api.Function
	free   api.Function

	schemaFn api.Function
	expandFn api.Function
	probeFn  api.Function
	diffFn   api.Function
	lowerFn  api.Function
	mergeFn  api.Function // optional

	timeout time.Duration
}

// Config controls WASM instantiation limits.
type Config struct {
	// Timeout bounds every call into the module. Defaults to 10s.
	Timeout time.Duration

	// MemoryLimitPages caps the module's linear memory (64KiB per page).
	// Defaults to 256 pages (16MB), matching the host provider's default.
	MemoryLimitPages uint32
}

// Load compiles and instantiates a WASM module as a resource kind named
// name (the @core/ registry key it will be registered under).
func Load(ctx context.Context, name string, wasmBytes []byte, cfg Config) (*Kind, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI for kind %q: %w", name, err)
	}

	module, err := runtime.Instantiate(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiating WASM module for kind %q: %w", name, err)
	}

	k := &Kind{
		name:    name,
		runtime: runtime,
		module:  module,
		timeout: cfg.Timeout,
	}

	k.memory = module.Memory()
	if k.memory == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("kind %q: WASM module does not export memory", name)
	}

	required := map[string]*api.Function{
		"malloc": &k.malloc,
		"free":   &k.free,
		"schema": &k.schemaFn,
		"expand": &k.expandFn,
		"probe":  &k.probeFn,
		"diff":   &k.diffFn,
		"lower":  &k.lowerFn,
	}
	for fnName, slot := range required {
		fn := module.ExportedFunction(fnName)
		if fn == nil {
			runtime.Close(ctx)
			return nil, fmt.Errorf("kind %q: WASM module does not export %q", name, fnName)
		}
		*slot = fn
	}
	k.mergeFn = module.ExportedFunction("merge") // optional

	return k, nil
}

// Close releases the underlying wazero runtime and its module instance.
func (k *Kind) Close(ctx context.Context) error {
	return k.runtime.Close(ctx)
}

func (k *Kind) Name() string { return k.name }

func (k *Kind) Schema() schema.ParamType {
	out, err := k.call(context.Background(), k.schemaFn, nil)
	if err != nil {
		// Schema is consulted at registry-build time, before any plan
		// exists to attribute an error span to; a kind whose schema call
		// itself fails cannot be registered meaningfully, so this matches
		// resource.Kind's synchronous, error-free Schema() signature by
		// surfacing an empty struct type instead of a typed field set.
		return schema.Struct(schema.NewStructFields())
	}
	var pt schema.ParamType
	if err := json.Unmarshal(out, &pt); err != nil {
		return schema.Struct(schema.NewStructFields())
	}
	return pt
}

func (k *Kind) Expand(r resource.Resource) ([]resource.Resource, error) {
	var out []resource.Resource
	if err := k.roundtrip(context.Background(), k.expandFn, r, &out); err != nil {
		return nil, fmt.Errorf("kind %q expand: %w", k.name, err)
	}
	return out, nil
}

func (k *Kind) Probe(ctx context.Context, r resource.Resource) (resource.State, error) {
	var out resource.State
	if err := k.roundtrip(ctx, k.probeFn, r, &out); err != nil {
		return resource.State{}, fmt.Errorf("kind %q probe: %w", k.name, err)
	}
	return out, nil
}

type diffRequest struct {
	Resource resource.Resource `json:"resource"`
	Current  resource.State    `json:"current"`
}

func (k *Kind) Diff(r resource.Resource, current resource.State) ([]resource.Change, error) {
	var out []resource.Change
	if err := k.roundtrip(context.Background(), k.diffFn, diffRequest{Resource: r, Current: current}, &out); err != nil {
		return nil, fmt.Errorf("kind %q diff: %w", k.name, err)
	}
	return out, nil
}

type lowerRequest struct {
	Resource resource.Resource  `json:"resource"`
	Changes  []resource.Change `json:"changes"`
}

func (k *Kind) Lower(r resource.Resource, changes []resource.Change) ([]resource.Operation, error) {
	var out []resource.Operation
	if err := k.roundtrip(context.Background(), k.lowerFn, lowerRequest{Resource: r, Changes: changes}, &out); err != nil {
		return nil, fmt.Errorf("kind %q lower: %w", k.name, err)
	}
	return out, nil
}

type mergeRequest struct {
	A resource.Operation `json:"a"`
	B resource.Operation `json:"b"`
}

type mergeResponse struct {
	Operation resource.Operation `json:"operation"`
	Merged    bool               `json:"merged"`
}

// Merge defers to the module's optional merge export. A module that
// doesn't export it never merges, and a failed merge call is treated as
// no merge.
func (k *Kind) Merge(a, b resource.Operation) (resource.Operation, bool) {
	if k.mergeFn == nil {
		return resource.Operation{}, false
	}
	var out mergeResponse
	if err := k.roundtrip(context.Background(), k.mergeFn, mergeRequest{A: a, B: b}, &out); err != nil {
		return resource.Operation{}, false
	}
	return out.Operation, out.Merged
}

// roundtrip JSON-encodes req (skipped when nil), calls fn across the WASM
// boundary, and JSON-decodes the result into out.
func (k *Kind) roundtrip(ctx context.Context, fn api.Function, req any, out any) error {
	var input []byte
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		input = b
	}

	result, err := k.call(ctx, fn, input)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// call exchanges a JSON payload with a WASM function over linear memory:
// allocate input, write it, call fn(ptr, len) -> packed (ptr<<32 | len),
// read and free the output. Identical wire convention to
// pkg/providers/host/bridge.go's callWASMFunction.
func (k *Kind) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := k.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("allocating WASM input memory: %w", err)
		}
		defer k.deallocate(ctx, ptr)

		inputPtr, inputLen = ptr, uint32(len(input))
		if !k.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("writing input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return nil, nil
	}

	output, ok := k.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("reading output from WASM memory")
	}
	// Copy before freeing: the read slice aliases WASM linear memory,
	// which deallocate (and any subsequent call) may reuse.
	copied := make([]byte, len(output))
	copy(copied, output)
	_ = k.deallocate(ctx, outputPtr)

	return copied, nil
}

func (k *Kind) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := k.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (k *Kind) deallocate(ctx context.Context, ptr uint32) error {
	_, err := k.free.Call(ctx, uint64(ptr))
	return err
}

var _ resource.Kind = (*Kind)(nil)
