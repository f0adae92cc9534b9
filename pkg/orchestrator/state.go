// Package orchestrator drives a plan through its six stages — expand,
// probe, diff, schedule, lower, apply — emitting updatestream.Records as it
// goes, and exposes FlatViewTree for replaying that stream back into a
// queryable tree. Adapted from the teacher's pkg/engine.ParallelScheduler
// concurrency pattern, reshaped around the specification's stage state
// machine instead of a generic retry/backoff run loop.
package orchestrator

// State names the orchestrator's run state machine, per SPEC_FULL.md §4.7.
type State string

const (
	StateIdle              State = "Idle"
	StatePlanning          State = "Planning"
	StateResourcesExpanded State = "ResourcesExpanded"
	StateStatesProbed      State = "StatesProbed"
	StateDiffed            State = "Diffed"
	StateLowered           State = "Lowered"
	StateApplying          State = "Applying"
	StateDone              State = "Done"
	StateFailed            State = "Failed"
)
