package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/loamhq/loam/pkg/causality"
	"github.com/loamhq/loam/pkg/corerr"
	"github.com/loamhq/loam/pkg/planlang"
	"github.com/loamhq/loam/pkg/policy"
	"github.com/loamhq/loam/pkg/resource"
	"github.com/loamhq/loam/pkg/runner"
	"github.com/loamhq/loam/pkg/schema"
	"github.com/loamhq/loam/pkg/telemetry"
	"github.com/loamhq/loam/pkg/updatestream"
)

// Pipeline drives one run through all six stages.
type Pipeline struct {
	Registry    *resource.Registry
	Loader      *planlang.Loader
	Stream      *updatestream.Writer
	MaxParallel int

	// RunnerPath, when non-empty, is the loam-runner binary used to apply
	// operations. Elevated operations are dispatched through a client
	// spawned via `sudo -n`; non-elevated operations through one spawned
	// directly. When empty, Apply fails every operation with KindOperation
	// rather than silently skipping it.
	RunnerPath string

	// Policy, when non-nil, gates every merged operation through
	// policy.Engine.EvaluateOperation during Applying: a denied operation
	// aborts the run with corerr.KindOperation before that operation is
	// dispatched. The runner clients are already started by then. With
	// Policy nil this check is a no-op.
	Policy *policy.Engine

	// PolicyContext carries the environment/approval metadata (environment,
	// dry-run, operator approval) every operation is evaluated against. A
	// nil PolicyContext evaluates with policy's zero-value context.
	PolicyContext *policy.PolicyContext

	// DryRun, when true, runs every stage through Lowered but never spawns
	// a runner client or evaluates policy: each merged operation is
	// reported over the update stream as planned rather than applied. Used
	// by the `plan` CLI command, which shares Run's six-stage wiring
	// instead of duplicating it.
	DryRun bool

	// RunID identifies this run for logging, metrics, and tracing. Falls
	// back to "" (an unlabeled run) when not set.
	RunID string

	// Logger, Metrics, and Tracer are the ambient telemetry sinks. Each is
	// nil-able; a nil sink is simply skipped, so Run works unobserved in
	// tests that construct a bare Pipeline.
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// Telemetry, when set, is the same bundle Logger/Metrics/Tracer were
	// pulled from. It drives the run- and plan-unit-scoped context helpers
	// in pkg/telemetry/context.go (WithRunContext/EndRunContext around the
	// whole Run, WithPlanUnitContext/EndPlanUnitContext around every
	// applied operation) so a run's operations are attributable as a single
	// trace and a single stream of run/plan-unit telemetry events, not just
	// per-stage spans. Nil-able like the three sinks above.
	Telemetry *telemetry.Telemetry

	// Operator identifies who triggered this run, recorded on the run span
	// and the run.started/run.completed telemetry events. Defaults to "".
	Operator string

	state State
	mu    sync.Mutex
}

func New(reg *resource.Registry, loader *planlang.Loader, stream *updatestream.Writer) *Pipeline {
	return &Pipeline{Registry: reg, Loader: loader, Stream: stream, MaxParallel: 4, state: StateIdle}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run evaluates id, expands it into the typed resource tree, probes,
// diffs, schedules, lowers, and applies it, emitting updatestream.Records
// at every stage boundary. When Telemetry is set, the whole run is wrapped
// in a telemetry.WithRunContext/EndRunContext span so every plan-unit span
// applyOne opens nests under it.
func (p *Pipeline) Run(ctx context.Context, id planlang.PlanId) error {
	if p.Telemetry != nil {
		ctx = p.Telemetry.WithContext(ctx)
		ctx = telemetry.WithRunContext(ctx, p.RunID, p.Operator)
	}

	err := p.runInner(ctx, id)

	if p.Telemetry != nil {
		status := "success"
		if err != nil {
			status = "failed"
		}
		telemetry.EndRunContext(ctx, p.RunID, status, err)
	}
	return err
}

func (p *Pipeline) runInner(ctx context.Context, id planlang.PlanId) error {
	p.setState(StatePlanning)
	p.logInfo("run starting")

	plan, err := p.Loader.Load(id)
	if err != nil {
		p.fail("plan", err)
		return err
	}

	resources, err := stageRun(p, ctx, "expand", func(ctx context.Context) ([]resource.Resource, error) {
		return p.expand(plan)
	})
	if err != nil {
		p.fail("expand", err)
		return err
	}
	p.setState(StateResourcesExpanded)

	states, err := stageRun(p, ctx, "probe", func(ctx context.Context) ([]resource.State, error) {
		return p.probe(ctx, resources)
	})
	if err != nil {
		p.fail("probe", err)
		return err
	}
	p.setState(StateStatesProbed)

	changes, err := stageRun(p, ctx, "diff", func(ctx context.Context) ([][]resource.Change, error) {
		return p.diff(resources, states)
	})
	if err != nil {
		p.fail("diff", err)
		return err
	}
	p.setState(StateDiffed)

	epochs, err := stageRun(p, ctx, "schedule", func(ctx context.Context) ([][]string, error) {
		return p.schedule(resources)
	})
	if err != nil {
		p.fail("schedule", err)
		return err
	}

	ops, err := stageRun(p, ctx, "lower", func(ctx context.Context) (map[string][]resource.Operation, error) {
		return p.lower(resources, changes)
	})
	if err != nil {
		p.fail("lower", err)
		return err
	}
	p.setState(StateLowered)

	if _, err := stageRun(p, ctx, "apply", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.apply(ctx, resources, ops, epochs)
	}); err != nil {
		p.fail("apply", err)
		return err
	}

	p.setState(StateDone)
	p.logInfo("run complete")
	return nil
}

// stageRun wraps a single pipeline stage with an OTel span, a
// loam_stage_duration_seconds observation, and debug-level start/finish
// log lines — the ambient behavior SPEC_FULL.md §4.7 calls for layered on
// top of the stage's own update-stream records. A nil Logger/Metrics/
// Tracer degrades to plain stage execution.
func stageRun[T any](p *Pipeline, ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	if p.Tracer != nil {
		var span interface{ End() }
		ctx, span = p.Tracer.StartStageSpan(ctx, name)
		defer span.End()
	}

	start := time.Now()
	if p.Logger != nil {
		p.Logger.WithField("stage", name).Debug("stage starting")
	}

	result, err := fn(ctx)

	if p.Metrics != nil {
		p.Metrics.RecordStageDuration(name, time.Since(start))
	}
	if p.Logger != nil {
		l := p.Logger.WithField("stage", name).WithField("duration_ms", time.Since(start).Milliseconds())
		if err != nil {
			l.WithError(err).Error("stage failed")
		} else {
			l.Debug("stage complete")
		}
	}

	return result, err
}

func (p *Pipeline) logInfo(msg string) {
	if p.Logger == nil {
		return
	}
	p.Logger.WithField("run_id", p.RunID).Info(msg)
}

func (p *Pipeline) fail(stage string, err error) {
	p.setState(StateFailed)
	if p.Stream == nil {
		return
	}
	_ = p.Stream.Write(updatestream.Record{
		Type:    updatestream.TypeError,
		Stage:   stage,
		Message: err.Error(),
	})
}

// expand validates every plan item's raw params against its kind's schema
// and recursively applies Expand, producing the flat resource list the
// rest of the pipeline operates over. Pure except for the schema lookups.
func (p *Pipeline) expand(plan planlang.Plan) ([]resource.Resource, error) {
	p.emit(updatestream.Record{Type: updatestream.TypeResourcesStart})

	var out []resource.Resource
	for _, item := range plan.AllItems() {
		resources, err := p.expandItem(item)
		if err != nil {
			return nil, err
		}
		out = append(out, resources...)
	}

	for i := range out {
		idx := i
		p.emit(updatestream.Record{Type: updatestream.TypeResourcesNode, Index: &idx})
	}
	p.emit(updatestream.Record{Type: updatestream.TypeResourcesComplete})

	return out, nil
}

func (p *Pipeline) expandItem(item planlang.PlanItem) ([]resource.Resource, error) {
	kind, err := p.Registry.Lookup(item.Kind)
	if err != nil {
		return nil, err
	}

	value, err := schema.Validate(kind.Schema(), item.RawParams)
	if err != nil {
		return nil, err
	}

	r := resource.Resource{
		ID:     item.ID,
		Kind:   item.Kind,
		Params: value,
		Span:   item.Span,
		Before: item.Causality.Before,
		After:  item.Causality.After,
	}

	children, err := kind.Expand(r)
	if err != nil {
		return nil, err
	}

	out := []resource.Resource{r}
	out = append(out, children...)
	return out, nil
}

// probe runs Probe for every resource using a bounded worker pool, the
// same work-queue-plus-WaitGroup shape as the teacher's
// executeLevelParallel, generalized to a flat resource list instead of one
// DAG level at a time (probing has no ordering requirement).
func (p *Pipeline) probe(ctx context.Context, resources []resource.Resource) ([]resource.State, error) {
	p.emit(updatestream.Record{Type: updatestream.TypeResourceStatesStart})

	states := make([]resource.State, len(resources))
	errs := make([]error, len(resources))

	workerCount := p.MaxParallel
	if workerCount <= 0 || workerCount > len(resources) {
		workerCount = len(resources)
	}
	if workerCount == 0 {
		p.emit(updatestream.Record{Type: updatestream.TypeProbeComplete})
		return states, nil
	}

	indexCh := make(chan int, len(resources))
	for i := range resources {
		indexCh <- i
	}
	close(indexCh)

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexCh {
				idx := i
				p.emit(updatestream.Record{Type: updatestream.TypeNodeStart, Index: &idx})

				kind, err := p.Registry.Lookup(resources[i].Kind)
				if err != nil {
					errs[i] = err
					continue
				}
				st, err := kind.Probe(ctx, resources[i])
				if err != nil {
					errs[i] = err
					continue
				}
				states[i] = st
				p.emit(updatestream.Record{Type: updatestream.TypeNodeComplete, Index: &idx})
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	p.emit(updatestream.Record{Type: updatestream.TypeProbeComplete})
	return states, nil
}

func (p *Pipeline) diff(resources []resource.Resource, states []resource.State) ([][]resource.Change, error) {
	p.emit(updatestream.Record{Type: updatestream.TypeResourceChangesStart})

	changes := make([][]resource.Change, len(resources))
	hasChanges := false
	for i, r := range resources {
		kind, err := p.Registry.Lookup(r.Kind)
		if err != nil {
			return nil, err
		}
		c, err := kind.Diff(r, states[i])
		if err != nil {
			return nil, err
		}
		changes[i] = c
		if len(c) > 0 {
			hasChanges = true
		}
		idx := i
		p.emit(updatestream.Record{Type: updatestream.TypeChangeNode, Index: &idx})
	}

	p.emit(updatestream.Record{Type: updatestream.TypeChangeComplete, HasChanges: &hasChanges})
	return changes, nil
}

// schedule runs the causality scheduler over the resource list's Before/
// After declarations.
func (p *Pipeline) schedule(resources []resource.Resource) ([][]string, error) {
	nodes := make([]causality.Node, len(resources))
	for i, r := range resources {
		nodes[i] = causality.Node{ID: r.ID, Before: r.Before, After: r.After}
	}
	return causality.New().Schedule(nodes)
}

func (p *Pipeline) lower(resources []resource.Resource, changes [][]resource.Change) (map[string][]resource.Operation, error) {
	p.emit(updatestream.Record{Type: updatestream.TypeOperationsStart})

	ops := make(map[string][]resource.Operation, len(resources))
	for i, r := range resources {
		if len(changes[i]) == 0 {
			continue
		}
		kind, err := p.Registry.Lookup(r.Kind)
		if err != nil {
			return nil, err
		}
		lowered, err := kind.Lower(r, changes[i])
		if err != nil {
			return nil, err
		}
		ops[r.ID] = lowered

		idx := i
		p.emit(updatestream.Record{Type: updatestream.TypeOperationsNode, Index: &idx})
	}

	p.emit(updatestream.Record{Type: updatestream.TypeOperationsComplete})
	return ops, nil
}

// runnerClient is the subset of *runner.Client that applyOne dispatches
// operations through. Accepting the narrow interface instead of the
// concrete type lets tests substitute a fake that never spawns
// cmd/loam-runner while still exercising the real event-forwarding and
// update-stream-record logic.
type runnerClient interface {
	Apply(op runner.ApplyMessage, onEvent func(runner.EventMessage)) (runner.DoneMessage, error)
}

// apply runs operations epoch by epoch. Within an epoch, operations of
// the same kind are merged (resource.MergeOperations) before dispatch and
// applied one at a time, in merge order, so a failure partway through an
// epoch stops cleanly without needing to unwind concurrent dispatches;
// cancellation is best-effort — the in-flight operation finishes, no new
// epoch starts.
func (p *Pipeline) apply(ctx context.Context, resources []resource.Resource, opsByID map[string][]resource.Operation, epochs [][]string) error {
	p.setState(StateApplying)
	p.emit(updatestream.Record{Type: updatestream.TypeOperationsApplyStart})

	byID := map[string]resource.Resource{}
	resourceIndex := map[string]int{}
	for i, r := range resources {
		byID[r.ID] = r
		resourceIndex[r.ID] = i
	}

	var elevatedClient, localClient runnerClient
	if p.RunnerPath != "" && !p.DryRun {
		elevatedConn := runner.NewClient(p.RunnerPath, true)
		localConn := runner.NewClient(p.RunnerPath, false)
		if err := elevatedConn.Start(ctx, 10*time.Second); err != nil {
			return err
		}
		defer elevatedConn.Close()
		if err := localConn.Start(ctx, 10*time.Second); err != nil {
			return err
		}
		defer localConn.Close()
		elevatedClient = elevatedConn
		localClient = localConn
	}

	for epochNum, epoch := range epochs {
		select {
		case <-ctx.Done():
			p.emit(updatestream.Record{Type: updatestream.TypeError, Stage: "apply", Message: "cancelled"})
			return corerr.New(corerr.KindCancelled, "apply cancelled before epoch start", nil)
		default:
		}

		var flat []resource.Operation
		for _, id := range epoch {
			flat = append(flat, opsByID[id]...)
		}
		if len(flat) == 0 {
			continue
		}

		merged := p.mergeByKind(byID, flat)

		if p.DryRun {
			for _, op := range merged {
				var idx *int
				if i, ok := resourceIndex[op.ResourceID]; ok {
					idx = &i
				}
				p.emit(updatestream.Record{Type: updatestream.TypeOpStart, Index: idx, Message: "dry-run: " + op.Summary})
			}
			continue
		}

		epochCtx := ctx
		var epochSpan interface{ End() }
		if p.Tracer != nil {
			epochCtx, epochSpan = p.Tracer.StartEpochSpan(ctx, p.RunID, epochNum)
		}

		var epochErr error
		for _, op := range merged {
			var idx *int
			if i, ok := resourceIndex[op.ResourceID]; ok {
				idx = &i
			}

			opCtx := epochCtx
			if p.Telemetry != nil {
				opCtx = telemetry.WithPlanUnitContext(epochCtx, p.RunID, op.ResourceID, op.ResourceID, op.Kind)
			}

			err := p.applyOne(opCtx, elevatedClient, localClient, op, idx)

			if p.Telemetry != nil {
				status := "success"
				if err != nil {
					status = "failed"
				}
				telemetry.EndPlanUnitContext(opCtx, p.RunID, op.ResourceID, op.ResourceID, op.Kind, status, err)
			}
			if p.Metrics != nil {
				outcome := "success"
				if err != nil {
					outcome = "failure"
				}
				p.Metrics.RecordOperation(op.Kind, outcome)
			}
			if err != nil {
				epochErr = err
				break
			}
		}
		if epochSpan != nil {
			epochSpan.End()
		}
		if epochErr != nil {
			return epochErr
		}
	}

	p.emit(updatestream.Record{Type: updatestream.TypeApplyComplete})
	return nil
}

// applyOne dispatches a single (already policy-merged) operation to the
// appropriate runner.Client and emits the apply-time update-stream records
// spec.md §6 defines for it: OpStart before dispatch, one Stdout/Stderr
// record per output line the runner subprocess streams back, and OpComplete
// carrying the outcome, all tagged with idx — the operation's stable
// FlatTree slot from the ResourcesNode records emitted during expand — so a
// FlatViewTree replay can attribute apply progress to the same tree node
// probe/diff already reported against.
func (p *Pipeline) applyOne(ctx context.Context, elevated, local runnerClient, op resource.Operation, idx *int) error {
	if p.Policy != nil {
		ic := p.startOperation(ctx, "policy.evaluate")
		result, err := p.Policy.EvaluateOperation(ctx, &op, p.PolicyContext)
		ic.End(err)
		if err != nil {
			return corerr.New(corerr.KindOperation, "evaluating policy for "+op.ResourceID, err)
		}
		if !result.Allowed {
			p.emit(updatestream.Record{Type: updatestream.TypeError, Stage: "apply", Message: "policy denied " + op.ResourceID})
			return corerr.New(corerr.KindOperation, "policy denied operation on "+op.ResourceID, nil)
		}
	}

	client := local
	if op.Elevated {
		client = elevated
	}
	if client == nil {
		return corerr.New(corerr.KindOperation, "no runner configured to apply "+op.Kind, nil)
	}

	p.emit(updatestream.Record{Type: updatestream.TypeOpStart, Index: idx, Message: op.Summary})

	onEvent := func(ev runner.EventMessage) {
		switch ev.Stream {
		case "stderr":
			p.emit(updatestream.Record{Type: updatestream.TypeStderr, Index: idx, Line: ev.Message})
		default:
			p.emit(updatestream.Record{Type: updatestream.TypeStdout, Index: idx, Line: ev.Message})
		}
	}

	runCtx := telemetry.WithProviderContext(ctx, "loam-runner", "")
	var done runner.DoneMessage
	applyErr := telemetry.RecordProviderOperation(runCtx, "loam-runner", op.Kind, func() error {
		var err error
		done, err = client.Apply(runner.ApplyMessage{
			ID:      op.ResourceID,
			Kind:    op.Kind,
			Summary: op.Summary,
			Payload: op.Payload,
		}, onEvent)
		return err
	})

	status := "success"
	statusBody := map[string]any{"status": status, "changed": done.Changed}
	if applyErr != nil {
		status = "failed"
		statusBody = map[string]any{"status": status, "error": applyErr.Error()}
	}
	statusBody["status"] = status
	statusJSON, _ := json.Marshal(statusBody)
	p.emit(updatestream.Record{Type: updatestream.TypeOpComplete, Index: idx, Status: statusJSON})

	return applyErr
}

// startOperation begins a telemetry.InstrumentedContext when Telemetry is
// configured, degrading to a no-op context whose End is always safe to call.
func (p *Pipeline) startOperation(ctx context.Context, operation string) *telemetry.InstrumentedContext {
	if p.Telemetry == nil {
		return &telemetry.InstrumentedContext{}
	}
	return telemetry.StartOperation(ctx, operation)
}

// mergeByKind groups operations by the resource kind that produced them
// and folds each group through that kind's registered Merge, since
// MergeOperations only merges operations it is handed together and
// different resource kinds must never be compared.
func (p *Pipeline) mergeByKind(byID map[string]resource.Resource, ops []resource.Operation) []resource.Operation {
	byResourceKind := map[string][]resource.Operation{}
	var order []string
	for _, op := range ops {
		resourceKind := byID[op.ResourceID].Kind
		if _, seen := byResourceKind[resourceKind]; !seen {
			order = append(order, resourceKind)
		}
		byResourceKind[resourceKind] = append(byResourceKind[resourceKind], op)
	}

	var out []resource.Operation
	for _, resourceKind := range order {
		group := byResourceKind[resourceKind]
		k, err := p.Registry.Lookup(resourceKind)
		if err != nil {
			out = append(out, group...)
			continue
		}
		out = append(out, resource.MergeOperations(k, group)...)
	}
	return out
}

func (p *Pipeline) emit(rec updatestream.Record) {
	if p.Stream == nil {
		return
	}
	_ = p.Stream.Write(rec)
}
