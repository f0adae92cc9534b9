package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/loamhq/loam/pkg/corerr"
	"github.com/loamhq/loam/pkg/planlang"
	"github.com/loamhq/loam/pkg/policy"
	"github.com/loamhq/loam/pkg/resource"
	"github.com/loamhq/loam/pkg/runner"
	"github.com/loamhq/loam/pkg/telemetry"
	"github.com/loamhq/loam/pkg/updatestream"
	"github.com/rs/zerolog"
)

// S6 End-to-end idempotence: a plan with one file resource whose content
// already matches the target produces zero operations and reaches Done.
func TestPipelineRunIdempotentFileProducesNoOperations(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "motd")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatalf("seeding target file: %v", err)
	}

	planPath := filepath.Join(dir, "p.plan")
	body := `
resource(kind = "linux.file", id = "motd", params = {"path": "` + target + `", "content": "hello"})
`
	if err := os.WriteFile(planPath, []byte(body), 0o644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}

	reg := resource.NewBuiltinRegistry()
	loader := planlang.NewLoader(0, nil)

	var buf bytes.Buffer
	stream := updatestream.NewWriter(&buf)
	p := New(reg, loader, stream)

	if err := p.Run(context.Background(), planlang.LocalPlanId(planPath)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State() != StateDone {
		t.Fatalf("expected Done, got %s", p.State())
	}

	reader := updatestream.NewReader(&buf)
	sawApplyComplete := false
	for {
		rec, err := reader.Read()
		if err != nil {
			break
		}
		if rec.Type == updatestream.TypeApplyComplete {
			sawApplyComplete = true
		}
		if rec.Type == updatestream.TypeChangeComplete && rec.HasChanges != nil && *rec.HasChanges {
			t.Fatalf("expected no changes for idempotent file resource")
		}
	}
	if !sawApplyComplete {
		t.Fatalf("expected ApplyComplete record in stream")
	}
}

func TestPipelineRunFailsOnUnknownResourceKind(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "p.plan")
	body := `resource(kind = "bogus.kind", id = "x", params = {})`
	if err := os.WriteFile(planPath, []byte(body), 0o644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}

	reg := resource.NewBuiltinRegistry()
	loader := planlang.NewLoader(0, nil)
	p := New(reg, loader, nil)

	err := p.Run(context.Background(), planlang.LocalPlanId(planPath))
	if err == nil {
		t.Fatalf("expected error for unknown resource kind")
	}
	if p.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", p.State())
	}
}

// A policy-denied operation aborts apply with KindOperation before any
// runner is consulted.
func TestApplyOneBlockedByPolicyNeverReachesRunner(t *testing.T) {
	reg := resource.NewBuiltinRegistry()
	loader := planlang.NewLoader(0, nil)
	p := New(reg, loader, nil)

	eng, err := policy.NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	p.Policy = eng
	p.PolicyContext = &policy.PolicyContext{Environment: "production"}

	op := resource.Operation{
		ResourceID: "scope/nginx",
		Kind:       "linux.pkg.ensure",
		Payload:    map[string]any{"name": "nginx", "version": "", "state": "absent"},
	}

	err = p.applyOne(context.Background(), nil, nil, op, nil)
	if err == nil {
		t.Fatalf("expected policy denial error")
	}
	if !corerr.Of(err, corerr.KindOperation) {
		t.Fatalf("expected KindOperation, got %v", err)
	}
}

// A Pipeline with telemetry attached records one stage-duration
// observation per stage and completes exactly as one without telemetry
// would, proving the ambient wiring never changes pipeline outcomes.
func TestPipelineRunRecordsTelemetry(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "motd")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatalf("seeding target file: %v", err)
	}

	planPath := filepath.Join(dir, "p.plan")
	body := `
resource(kind = "linux.file", id = "motd", params = {"path": "` + target + `", "content": "hello"})
`
	if err := os.WriteFile(planPath, []byte(body), 0o644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Tracing.Exporter = "none"
	cfg.Metrics.Enabled = true
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}

	reg := resource.NewBuiltinRegistry()
	loader := planlang.NewLoader(0, nil)
	p := New(reg, loader, nil)
	p.RunID = "test-run"
	p.Logger = tel.Logger
	p.Metrics = tel.Metrics
	p.Tracer = tel.Tracer

	if err := p.Run(context.Background(), planlang.LocalPlanId(planPath)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State() != StateDone {
		t.Fatalf("expected Done, got %s", p.State())
	}
}

// fakeRunnerClient is a runnerClient that never spawns cmd/loam-runner; it
// replays a fixed sequence of EventMessages before returning a canned
// DoneMessage, so applyOne's record-emission logic can be exercised without
// a real subprocess.
type fakeRunnerClient struct {
	events []runner.EventMessage
	done   runner.DoneMessage
	err    error
}

func (f *fakeRunnerClient) Apply(op runner.ApplyMessage, onEvent func(runner.EventMessage)) (runner.DoneMessage, error) {
	if onEvent != nil {
		for _, ev := range f.events {
			onEvent(ev)
		}
	}
	return f.done, f.err
}

// applyOne emits OpStart, one Stdout/Stderr record per streamed line (in
// arrival order), and a final OpComplete — all carrying the FlatTree index
// handed to it — around a successful dispatch.
func TestApplyOneEmitsOpStartStdoutStderrOpComplete(t *testing.T) {
	reg := resource.NewBuiltinRegistry()
	loader := planlang.NewLoader(0, nil)

	var buf bytes.Buffer
	stream := updatestream.NewWriter(&buf)
	p := New(reg, loader, stream)

	fake := &fakeRunnerClient{
		events: []runner.EventMessage{
			{OperationID: "op-1", Stream: "stdout", Message: "installing nginx"},
			{OperationID: "op-1", Stream: "stderr", Message: "warning: unverified signature"},
		},
		done: runner.DoneMessage{OperationID: "op-1", Changed: true},
	}

	op := resource.Operation{
		ResourceID: "scope/nginx",
		Kind:       "linux.pkg.ensure",
		Summary:    "install nginx",
		Payload:    map[string]any{"name": "nginx", "state": "present"},
	}
	idx := 3

	if err := p.applyOne(context.Background(), fake, fake, op, &idx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reader := updatestream.NewReader(&buf)
	var types []updatestream.RecordType
	var lines []string
	for {
		rec, err := reader.Read()
		if err != nil {
			break
		}
		if rec.Index == nil || *rec.Index != idx {
			t.Fatalf("expected every record to carry index %d, got %+v", idx, rec)
		}
		types = append(types, rec.Type)
		if rec.Type == updatestream.TypeStdout || rec.Type == updatestream.TypeStderr {
			lines = append(lines, rec.Line)
		}
	}

	if len(types) != 4 {
		t.Fatalf("expected 4 records, got %d: %+v", len(types), types)
	}
	if types[0] != updatestream.TypeOpStart || types[1] != updatestream.TypeStdout ||
		types[2] != updatestream.TypeStderr || types[3] != updatestream.TypeOpComplete {
		t.Fatalf("unexpected record type sequence: %+v", types)
	}
	if len(lines) != 2 || lines[0] != "installing nginx" || lines[1] != "warning: unverified signature" {
		t.Fatalf("unexpected stdout/stderr lines: %+v", lines)
	}
}

// A failed dispatch still emits OpComplete, carrying the error in Status.
func TestApplyOneEmitsOpCompleteOnFailure(t *testing.T) {
	reg := resource.NewBuiltinRegistry()
	loader := planlang.NewLoader(0, nil)

	var buf bytes.Buffer
	stream := updatestream.NewWriter(&buf)
	p := New(reg, loader, stream)

	fake := &fakeRunnerClient{err: fmt.Errorf("exit status 1")}

	op := resource.Operation{ResourceID: "scope/nginx", Kind: "linux.pkg.ensure", Summary: "install nginx"}
	idx := 0

	if err := p.applyOne(context.Background(), fake, fake, op, &idx); err == nil {
		t.Fatalf("expected error to propagate from failed dispatch")
	}

	reader := updatestream.NewReader(&buf)
	sawComplete := false
	for {
		rec, err := reader.Read()
		if err != nil {
			break
		}
		if rec.Type == updatestream.TypeOpComplete {
			sawComplete = true
			var status struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			}
			if err := json.Unmarshal(rec.Status, &status); err != nil {
				t.Fatalf("unmarshalling status: %v", err)
			}
			if status.Status != "failed" || status.Error == "" {
				t.Fatalf("unexpected status body: %+v", status)
			}
		}
	}
	if !sawComplete {
		t.Fatalf("expected an OpComplete record even on failure")
	}
}

// DryRun reaches Done and reports planned operations over the update
// stream without ever requiring a RunnerPath to be configured.
func TestPipelineRunDryRunNeverInvokesRunner(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "motd")

	planPath := filepath.Join(dir, "p.plan")
	body := `
resource(kind = "linux.file", id = "motd", params = {"path": "` + target + `", "content": "hello"})
`
	if err := os.WriteFile(planPath, []byte(body), 0o644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}

	reg := resource.NewBuiltinRegistry()
	loader := planlang.NewLoader(0, nil)

	var buf bytes.Buffer
	stream := updatestream.NewWriter(&buf)
	p := New(reg, loader, stream)
	p.DryRun = true

	if err := p.Run(context.Background(), planlang.LocalPlanId(planPath)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State() != StateDone {
		t.Fatalf("expected Done, got %s", p.State())
	}
	if _, err := os.Stat(target); err == nil {
		t.Fatalf("dry-run must not have written %s", target)
	}

	reader := updatestream.NewReader(&buf)
	sawPlanned := false
	for {
		rec, err := reader.Read()
		if err != nil {
			break
		}
		if rec.Type == updatestream.TypeOpStart && rec.Message != "" {
			sawPlanned = true
		}
	}
	if !sawPlanned {
		t.Fatalf("expected a dry-run OpStart record in stream")
	}
}
