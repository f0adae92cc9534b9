package statedb

import (
	"context"
	"database/sql"
	"time"
)

// RunStatus is the lifecycle status of one orchestrator.Pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// OperationStatus is the lifecycle status of one lowered resource.Operation.
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
	OperationStatusSkipped   OperationStatus = "skipped"
)

// EventLevel is the severity of an append-only Event.
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run records one invocation of orchestrator.Pipeline.Run.
type Run struct {
	ID          string     `json:"id"`
	PlanPath    string     `json:"plan_path"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Operation records one lowered resource.Operation dispatched during a run.
type Operation struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	ResourceID   string          `json:"resource_id"`
	ResourceKind string          `json:"resource_kind"`
	Summary      string          `json:"summary"`
	Elevated     bool            `json:"elevated"`
	Status       OperationStatus `json:"status"`
	Payload      string          `json:"payload"`         // JSON blob, resource.Operation.Payload
	Result       *string         `json:"result,omitempty"` // JSON blob, runner.DoneMessage.Result
	Changed      *bool           `json:"changed,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Error        *string         `json:"error,omitempty"`
	Retries      int             `json:"retries"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Event is an append-only log line scoped to a run and, optionally, one
// operation within it.
type Event struct {
	ID          int64      `json:"id"`
	RunID       *string    `json:"run_id,omitempty"`
	OperationID *string    `json:"operation_id,omitempty"`
	Level       EventLevel `json:"level"`
	Message     string     `json:"message"`
	Details     *string    `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time  `json:"timestamp"`
}

// ResourceState is the last-known probed state of a managed resource,
// keyed by kind+id, with a blake2b checksum over its serialized state. No
// part of the pipeline reads the checksum; probing and diffing always run.
type ResourceState struct {
	ID           string    `json:"id"`
	ResourceKind string    `json:"resource_kind"`
	ResourceID   string    `json:"resource_id"`
	State        string    `json:"state"` // JSON blob
	Checksum     string    `json:"checksum"`
	LastRunID    string    `json:"last_run_id"`
	LastApplied  time.Time `json:"last_applied"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fact is a discovered piece of information about a managed system, as
// persisted in the statedb. No planlang.System implementation reads it.
type Fact struct {
	ID        string     `json:"id"`
	TargetID  string     `json:"target_id"`
	Namespace string     `json:"namespace"`
	Key       string     `json:"key"`
	Value     string     `json:"value"` // JSON blob
	TTL       int        `json:"ttl"`   // seconds, 0 = no expiry
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AuditEntry is one entry in the append-only audit trail, covering actions
// like run creation, policy decisions, and applied operations.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"`
	IPAddress *string   `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the persistence interface cmd/loam's backup command depends
// on; orchestrator.Pipeline does not use it. SQLiteStore is its only
// implementation.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	CreateOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	UpdateOperationStatus(ctx context.Context, id string, status OperationStatus, result *string, changed *bool, errMsg *string) error
	ListOperationsByRun(ctx context.Context, runID string) ([]*Operation, error)
	IncrementOperationRetries(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, operationID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	UpsertResourceState(ctx context.Context, state *ResourceState) error
	GetResourceState(ctx context.Context, resourceKind, resourceID string) (*ResourceState, error)
	ListResourceStates(ctx context.Context, limit, offset int) ([]*ResourceState, error)

	UpsertFact(ctx context.Context, fact *Fact) error
	GetFact(ctx context.Context, targetID, namespace, key string) (*Fact, error)
	ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*Fact, error)
	DeleteExpiredFacts(ctx context.Context) (int64, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	HealthCheck(ctx context.Context) error
}
