package planlang

import (
	"os"
	"path/filepath"
	"testing"
)

func writePlanFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing plan file: %v", err)
	}
	return path
}

func TestLoadSingleResource(t *testing.T) {
	dir := t.TempDir()
	path := writePlanFile(t, dir, "p.plan", `
resource(
    kind = "linux.file",
    id = "motd",
    params = {"path": "/etc/motd", "content": "hello"},
)
`)

	plan, err := NewLoader(0, nil).Load(LocalPlanId(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items := plan.AllItems()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Kind != "linux.file" {
		t.Fatalf("expected kind linux.file, got %s", items[0].Kind)
	}
}

func TestLoadWithCausality(t *testing.T) {
	dir := t.TempDir()
	path := writePlanFile(t, dir, "p.plan", `
resource(kind = "linux.pkg", id = "nginx", params = {"name": "nginx"})
resource(kind = "linux.service", id = "nginx-svc", params = {"name": "nginx"}, after = ["nginx"])
`)

	plan, err := NewLoader(0, nil).Load(LocalPlanId(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items := plan.AllItems()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if len(items[1].Causality.After) != 1 {
		t.Fatalf("expected 1 after-dependency, got %v", items[1].Causality.After)
	}
}

func TestLoadIncludeScopesIdsWithFreshUUID(t *testing.T) {
	dir := t.TempDir()
	writePlanFile(t, dir, "child.plan", `
resource(kind = "linux.file", id = "a", params = {"path": "/a", "content": "x"})
`)
	path := writePlanFile(t, dir, "parent.plan", `
include("child.plan")
resource(kind = "linux.file", id = "a", params = {"path": "/b", "content": "y"})
`)

	plan, err := NewLoader(0, nil).Load(LocalPlanId(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items := plan.AllItems()
	if len(items) != 2 {
		t.Fatalf("expected 2 items across parent+include, got %d", len(items))
	}
	if items[0].ID == items[1].ID {
		t.Fatalf("expected distinct scoped ids for identically-named items, got %q twice", items[0].ID)
	}
}

func TestLoadUnresolvedGitPlanId(t *testing.T) {
	_, err := NewLoader(0, nil).Load(GitPlanId("main", "plan.star"))
	if err == nil {
		t.Fatalf("expected error for unresolved git plan id")
	}
}
