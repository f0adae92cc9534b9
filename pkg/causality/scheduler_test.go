package causality

import (
	"reflect"
	"testing"

	"github.com/loamhq/loam/pkg/corerr"
)

// S1: A(id=a), B(id=b, after=[a]), C(id=c, after=[a]), D(id=d, after=[b,c])
// -> epochs [{A}, {B,C}, {D}]
func TestScheduleS1(t *testing.T) {
	nodes := []Node{
		{ID: "a"},
		{ID: "b", After: []string{"a"}},
		{ID: "c", After: []string{"a"}},
		{ID: "d", After: []string{"b", "c"}},
	}
	epochs, err := New().Schedule(nodes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(epochs, want) {
		t.Fatalf("want %v got %v", want, epochs)
	}
}

// S2: A(after=[b]), B(after=[a]) -> CausalityError::Cycle
func TestScheduleS2Cycle(t *testing.T) {
	nodes := []Node{
		{ID: "a", After: []string{"b"}},
		{ID: "b", After: []string{"a"}},
	}
	_, err := New().Schedule(nodes)
	if !corerr.Of(err, corerr.KindCausality) {
		t.Fatalf("expected CausalityError, got %v", err)
	}
}

// S3: two nodes with id="x" -> CausalityError::DuplicateId
func TestScheduleS3DuplicateId(t *testing.T) {
	nodes := []Node{
		{ID: "x"},
		{ID: "x"},
	}
	_, err := New().Schedule(nodes)
	if !corerr.Of(err, corerr.KindCausality) {
		t.Fatalf("expected CausalityError, got %v", err)
	}
}

func TestScheduleUnknownDependency(t *testing.T) {
	nodes := []Node{
		{ID: "a", After: []string{"ghost"}},
	}
	_, err := New().Schedule(nodes)
	if !corerr.Of(err, corerr.KindCausality) {
		t.Fatalf("expected CausalityError, got %v", err)
	}
}

// Scheduler soundness: for every edge x -> y, epoch(x) < epoch(y).
func TestScheduleSoundness(t *testing.T) {
	nodes := []Node{
		{ID: "a"},
		{ID: "b", After: []string{"a"}},
		{ID: "c", Before: []string{"d"}},
		{ID: "d"},
	}
	epochs, err := New().Schedule(nodes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	epochOf := map[string]int{}
	for i, e := range epochs {
		for _, id := range e {
			epochOf[id] = i
		}
	}
	if epochOf["a"] >= epochOf["b"] {
		t.Fatalf("expected epoch(a) < epoch(b)")
	}
	if epochOf["c"] >= epochOf["d"] {
		t.Fatalf("expected epoch(c) < epoch(d)")
	}
}

// Scheduler minimality: epoch count == longest path length + 1.
func TestScheduleMinimality(t *testing.T) {
	nodes := []Node{
		{ID: "a"},
		{ID: "b", After: []string{"a"}},
		{ID: "c", After: []string{"b"}},
	}
	epochs, err := New().Schedule(nodes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(epochs) != 3 {
		t.Fatalf("expected 3 epochs (longest path 2 edges + 1), got %d", len(epochs))
	}
}

func TestScheduleEmpty(t *testing.T) {
	epochs, err := New().Schedule(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(epochs) != 0 {
		t.Fatalf("expected no epochs for empty input, got %v", epochs)
	}
}
