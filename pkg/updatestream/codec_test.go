package updatestream

import (
	"bytes"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	idx := 3
	if err := w.Write(Record{Type: TypeResourcesStart}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.Write(Record{Type: TypeResourcesNode, Index: &idx, Tree: []byte(`{"kind":"linux.file"}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := NewReader(&buf)

	rec1, err := r.Read()
	if err != nil || rec1.Type != TypeResourcesStart {
		t.Fatalf("expected ResourcesStart, got %+v err=%v", rec1, err)
	}

	rec2, err := r.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec2.Type != TypeResourcesNode || rec2.Index == nil || *rec2.Index != 3 {
		t.Fatalf("expected ResourcesNode with index 3, got %+v", rec2)
	}
}

func TestReadReturnsErrorOnEmptyStream(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	if _, err := r.Read(); err == nil {
		t.Fatalf("expected error on empty stream")
	}
}
