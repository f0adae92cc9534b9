package policy

import (
	"context"
	"testing"

	"github.com/loamhq/loam/pkg/resource"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestNewEngine(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("no built-in policies loaded")
	}

	expected := []string{
		"resource-id-format",
		"elevation-approval",
		"destructive-operation-restriction",
		"package-version-pin",
		"sshd-hardening-required",
	}

	for _, name := range expected {
		found := false
		for _, p := range policies {
			if p.Name == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected built-in policy not found: %s", name)
		}
	}
}

func TestEvaluate_ResourceIDFormat(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	tests := []struct {
		name          string
		resources     []resource.Resource
		expectAllowed bool
	}{
		{
			name:          "valid id",
			resources:     []resource.Resource{{ID: "scope/motd", Kind: "linux.file"}},
			expectAllowed: true,
		},
		{
			name:          "uppercase id",
			resources:     []resource.Resource{{ID: "Scope/MOTD", Kind: "linux.file"}},
			expectAllowed: false,
		},
		{
			name:          "id with spaces",
			resources:     []resource.Resource{{ID: "scope motd", Kind: "linux.file"}},
			expectAllowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), tt.resources, nil)
			if err != nil {
				t.Fatalf("evaluation failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
		})
	}
}

func TestEvaluateOperation_ElevationApproval(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	op := &resource.Operation{
		ResourceID: "scope/sshd",
		Kind:       "linux.sshd.harden",
		Elevated:   true,
		Payload:    map[string]any{"disable_password_auth": true},
	}

	result, err := eng.EvaluateOperation(context.Background(), op, &PolicyContext{Environment: "production"})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected elevated production operation without approval to be blocked")
	}

	result, err = eng.EvaluateOperation(context.Background(), op, &PolicyContext{Environment: "production", Approved: true})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected approved elevated operation to be allowed, violations: %+v", result.Violations)
	}
}

func TestEvaluateOperation_DestructiveRestriction(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	op := &resource.Operation{
		ResourceID: "scope/nginx",
		Kind:       "linux.pkg.ensure",
		Payload:    map[string]any{"state": "absent", "name": "nginx", "version": ""},
	}

	result, err := eng.EvaluateOperation(context.Background(), op, &PolicyContext{Environment: "production"})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected unapproved production package removal to be blocked")
	}

	result, err = eng.EvaluateOperation(context.Background(), op, &PolicyContext{DryRun: true, Environment: "production"})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected dry-run removal to be allowed, violations: %+v", result.Violations)
	}
}

func TestEvaluateOperation_PackageVersionPin(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	unpinned := &resource.Operation{
		ResourceID: "scope/nginx",
		Kind:       "linux.pkg.ensure",
		Payload:    map[string]any{"state": "present", "name": "nginx", "version": ""},
	}

	result, err := eng.EvaluateOperation(context.Background(), unpinned, nil)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a warning for unpinned package version")
	}
	if !result.Allowed {
		t.Error("an unpinned version should warn, not block")
	}

	pinned := &resource.Operation{
		ResourceID: "scope/nginx",
		Kind:       "linux.pkg.ensure",
		Payload:    map[string]any{"state": "present", "name": "nginx", "version": "1.2.3"},
	}

	result, err = eng.EvaluateOperation(context.Background(), pinned, nil)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("expected no warning for a pinned version, got %+v", result.Warnings)
	}
}

func TestEvaluateOperation_SSHDHardening(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	op := &resource.Operation{
		ResourceID: "scope/sshd",
		Kind:       "linux.sshd.harden",
		Payload:    map[string]any{"disable_password_auth": false},
	}

	result, err := eng.EvaluateOperation(context.Background(), op, &PolicyContext{Environment: "production"})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("expected sshd hardening with password auth enabled to be blocked in production")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	const name = "resource-id-format"

	if err := eng.DisablePolicy(name); err != nil {
		t.Fatalf("failed to disable policy: %v", err)
	}

	p, err := eng.GetPolicy(name)
	if err != nil {
		t.Fatalf("failed to get policy: %v", err)
	}
	if p.Enabled {
		t.Error("policy should be disabled")
	}

	result, err := eng.Evaluate(context.Background(), []resource.Resource{{ID: "Invalid ID"}}, nil)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	for _, v := range result.Violations {
		if v.Policy == name {
			t.Error("disabled policy should not generate violations")
		}
	}

	if err := eng.EnablePolicy(name); err != nil {
		t.Fatalf("failed to enable policy: %v", err)
	}
	p, err = eng.GetPolicy(name)
	if err != nil {
		t.Fatalf("failed to get policy: %v", err)
	}
	if !p.Enabled {
		t.Error("policy should be enabled")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	before := len(eng.ListPolicies())
	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("failed to reload policies: %v", err)
	}
	after := len(eng.ListPolicies())

	if before != after {
		t.Errorf("expected %d policies after reload, got %d", before, after)
	}
}

func TestListPolicies(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("no policies returned")
	}

	for _, p := range policies {
		if p.Name == "" {
			t.Error("policy has empty name")
		}
		if p.Rego == "" {
			t.Error("policy has empty Rego code")
		}
		if p.CreatedAt.IsZero() {
			t.Error("policy has zero CreatedAt")
		}
	}
}
