// Package statedb provides the orchestrator's durable persistence layer:
// SQLite-backed storage for runs, operations, events, resource state
// checksums, discovered facts, and an audit trail. Adapted from the
// teacher's pkg/stores sqlite store, reshaped around orchestrator.Pipeline's
// run/operation vocabulary instead of a generic plan-unit model.
package statedb
