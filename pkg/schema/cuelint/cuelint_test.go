package cuelint

import (
	"testing"

	"github.com/loamhq/loam/pkg/schema"
)

func pkgParams(version string) schema.Value {
	return schema.Value{
		Kind: schema.KindStruct,
		StructOrder: []string{"name", "version", "state"},
		StructValues: map[string]schema.Value{
			"name":    {Kind: schema.KindString, String: "nginx"},
			"version": {Kind: schema.KindString, String: version},
			"state":   {Kind: schema.KindString, String: "present"},
		},
	}
}

func TestLintUnpinnedVersionFlagged(t *testing.T) {
	r := NewRegistry()

	findings, err := r.Lint("linux.pkg", "scope/nginx", pkgParams(""))
	if err != nil {
		t.Fatalf("lint failed: %v", err)
	}
	if len(findings) == 0 {
		t.Fatal("expected a finding for an unpinned package version")
	}
}

func TestLintPinnedVersionClean(t *testing.T) {
	r := NewRegistry()

	findings, err := r.Lint("linux.pkg", "scope/nginx", pkgParams("1.18.0"))
	if err != nil {
		t.Fatalf("lint failed: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected no findings for a pinned version, got %+v", findings)
	}
}

func TestLintKindWithNoProfileIsNoOp(t *testing.T) {
	r := NewRegistry()

	findings, err := r.Lint("linux.service", "scope/nginx", schema.Value{Kind: schema.KindStruct})
	if err != nil {
		t.Fatalf("lint failed: %v", err)
	}
	if findings != nil {
		t.Fatalf("expected nil findings for an unregistered kind, got %+v", findings)
	}
}

func TestRegisterCustomProfile(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("linux.file", `mode: int & >=0 & <=511`); err != nil {
		t.Fatalf("registering custom profile: %v", err)
	}

	found := false
	for _, k := range r.Kinds() {
		if k == "linux.file" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected linux.file profile to be registered")
	}
}
