package wasmprovider

import (
	"testing"

	"github.com/loamhq/loam/pkg/resource"
)

func TestMergeWithoutExportDefaultsToNoMerge(t *testing.T) {
	k := &Kind{name: "external.thing"}

	_, merged := k.Merge(resource.Operation{ResourceID: "a"}, resource.Operation{ResourceID: "b"})
	if merged {
		t.Fatal("expected a kind with no merge export to never merge")
	}
}

func TestName(t *testing.T) {
	k := &Kind{name: "external.thing"}
	if k.Name() != "external.thing" {
		t.Fatalf("expected Name() to return the configured name, got %q", k.Name())
	}
}
