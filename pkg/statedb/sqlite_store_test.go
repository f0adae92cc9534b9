package statedb

import (
	"context"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	return store
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	tables := []string{"runs", "operations", "events", "resource_state", "facts", "audit"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	now := time.Now()
	run := &Run{
		ID: "run-1", PlanPath: "/plans/site.plan", Status: RunStatusPending,
		StartedAt: now, Metadata: "{}", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != RunStatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}

	if err := store.UpdateRunStatus(ctx, "run-1", RunStatusCompleted, nil); err != nil {
		t.Fatalf("update run status: %v", err)
	}
	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run after update: %v", err)
	}
	if got.Status != RunStatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed run with CompletedAt set, got %+v", got)
	}

	if _, err := store.GetRun(ctx, "missing"); err == nil {
		t.Fatalf("expected error for missing run")
	}
}

func TestOperationCRUDAndRetries(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	now := time.Now()
	run := &Run{ID: "run-2", PlanPath: "/plans/p.plan", Status: RunStatusRunning, StartedAt: now, Metadata: "{}", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	op := &Operation{
		ID: "op-1", RunID: "run-2", ResourceID: "motd", ResourceKind: "linux.file",
		Summary: "write /etc/motd", Status: OperationStatusPending, Payload: "{}",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateOperation(ctx, op); err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if err := store.IncrementOperationRetries(ctx, "op-1"); err != nil {
		t.Fatalf("increment retries: %v", err)
	}

	changed := true
	if err := store.UpdateOperationStatus(ctx, "op-1", OperationStatusCompleted, nil, &changed, nil); err != nil {
		t.Fatalf("update operation status: %v", err)
	}

	ops, err := store.ListOperationsByRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	if len(ops) != 1 || ops[0].Retries != 1 || ops[0].Status != OperationStatusCompleted {
		t.Fatalf("unexpected operations: %+v", ops)
	}
}

func TestResourceStateUpsertIsIdempotentByChecksum(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	now := time.Now()
	run := &Run{ID: "run-3", PlanPath: "/plans/p.plan", Status: RunStatusCompleted, StartedAt: now, Metadata: "{}", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	payload := []byte(`{"content":"hello"}`)
	sum := Checksum(payload)

	state := &ResourceState{
		ID: "rs-1", ResourceKind: "linux.file", ResourceID: "motd",
		State: string(payload), Checksum: sum, LastRunID: "run-3",
		LastApplied: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.UpsertResourceState(ctx, state); err != nil {
		t.Fatalf("upsert resource state: %v", err)
	}
	if Checksum(payload) != sum {
		t.Fatalf("checksum is not deterministic")
	}

	// Re-upsert the identical state: it should replace, not duplicate.
	if err := store.UpsertResourceState(ctx, state); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	states, err := store.ListResourceStates(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list resource states: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected exactly one resource state row, got %d", len(states))
	}
	if states[0].Checksum != sum {
		t.Fatalf("expected checksum %s, got %s", sum, states[0].Checksum)
	}
}

func TestFactTTLExpiry(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	now := time.Now()
	past := now.Add(-time.Hour)
	fact := &Fact{
		ID: "fact-1", TargetID: "host-1", Namespace: "os.basic", Key: "os_family",
		Value: `"debian"`, TTL: 60, ExpiresAt: &past, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.UpsertFact(ctx, fact); err != nil {
		t.Fatalf("upsert fact: %v", err)
	}

	if _, err := store.GetFact(ctx, "host-1", "os.basic", "os_family"); err == nil {
		t.Fatalf("expected expired fact to be unreadable")
	}

	n, err := store.DeleteExpiredFacts(ctx)
	if err != nil {
		t.Fatalf("delete expired facts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired fact deleted, got %d", n)
	}
}

func TestAuditTrail(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	entry := &AuditEntry{Action: "run.applied", Actor: "loam-cli", Timestamp: time.Now()}
	if err := store.CreateAuditEntry(ctx, entry); err != nil {
		t.Fatalf("create audit entry: %v", err)
	}
	if entry.ID == 0 {
		t.Fatalf("expected audit entry ID to be populated")
	}

	entries, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("list audit entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "run.applied" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
}
