package runner

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeReady(ReadyMessage{Version: "0.1.0", PID: 42, Platform: "linux"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := enc.EncodeApply(ApplyMessage{ID: "op-1", Kind: "linux.file.write", Payload: map[string]any{"path": "/etc/motd"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dec := NewDecoder(&buf)

	msg1, err := dec.Decode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg1.Type != MessageReady {
		t.Fatalf("expected READY, got %s", msg1.Type)
	}

	msg2, err := dec.Decode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg2.Type != MessageApply {
		t.Fatalf("expected APPLY, got %s", msg2.Type)
	}
}

func TestDecodeReturnsEOFOnEmptyStream(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil))
	_, err := dec.Decode()
	if err == nil {
		t.Fatalf("expected EOF-like error on empty stream")
	}
}
