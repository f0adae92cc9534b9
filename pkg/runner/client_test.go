package runner

import (
	"bytes"
	"testing"
)

// Apply forwards every EVENT frame to onEvent, in arrival order, before
// returning the terminal DONE reply.
func TestClientApplyForwardsEventsBeforeDone(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncoder(&wire)
	if err := enc.EncodeEvent(EventMessage{OperationID: "op-1", Stream: "stdout", Message: "line one"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := enc.EncodeEvent(EventMessage{OperationID: "op-1", Stream: "stderr", Message: "line two"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := enc.EncodeDone(DoneMessage{OperationID: "op-1", Changed: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := &Client{encoder: NewEncoder(&bytes.Buffer{}), decoder: NewDecoder(&wire)}

	var got []EventMessage
	done, err := c.Apply(ApplyMessage{ID: "op-1"}, func(ev EventMessage) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done.Changed {
		t.Fatalf("expected Changed true, got %+v", done)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 forwarded events, got %d: %+v", len(got), got)
	}
	if got[0].Stream != "stdout" || got[0].Message != "line one" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Stream != "stderr" || got[1].Message != "line two" {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
}

// A nil onEvent silently discards EVENT frames rather than failing Apply.
func TestClientApplyNilOnEventDiscardsEvents(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncoder(&wire)
	if err := enc.EncodeEvent(EventMessage{OperationID: "op-1", Message: "progress"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := enc.EncodeDone(DoneMessage{OperationID: "op-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := &Client{encoder: NewEncoder(&bytes.Buffer{}), decoder: NewDecoder(&wire)}

	if _, err := c.Apply(ApplyMessage{ID: "op-1"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// An ERROR reply surfaces as a classified error, even after preceding
// EVENT frames were forwarded.
func TestClientApplyPropagatesErrorReply(t *testing.T) {
	var wire bytes.Buffer
	enc := NewEncoder(&wire)
	if err := enc.EncodeEvent(EventMessage{OperationID: "op-1", Message: "attempting"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := enc.EncodeError(ErrorMessage{OperationID: "op-1", Message: "boom", ExitStatus: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := &Client{encoder: NewEncoder(&bytes.Buffer{}), decoder: NewDecoder(&wire)}

	if _, err := c.Apply(ApplyMessage{ID: "op-1"}, nil); err == nil {
		t.Fatalf("expected error from ERROR reply")
	}
}
