package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/loamhq/loam/pkg/corerr"
)

// Client spawns the privileged helper process (cmd/loam-runner) under
// `sudo -n` so it never blocks waiting on a password prompt, per
// SPEC_FULL.md's non-interactive elevation requirement, and drives it over
// the NDJSON protocol.
type Client struct {
	runnerPath string
	elevated   bool
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	encoder    *Encoder
	decoder    *Decoder
	ready      ReadyMessage
}

// NewClient prepares a Client for the loam-runner binary at runnerPath.
// When elevated is true the binary is spawned under `sudo -n`; the same
// binary and wire protocol serve non-elevated operations directly,
// unelevated, so there is exactly one apply implementation per resource
// kind regardless of which Client dispatches it — the wire protocol is a
// privilege boundary only.
func NewClient(runnerPath string, elevated bool) *Client {
	return &Client{runnerPath: runnerPath, elevated: elevated}
}

// Start launches the runner (via `sudo -n` when elevated) and waits for
// its READY message.
func (c *Client) Start(ctx context.Context, startupTimeout time.Duration) error {
	if startupTimeout == 0 {
		startupTimeout = 10 * time.Second
	}

	var cmd *exec.Cmd
	if c.elevated {
		cmd = exec.CommandContext(ctx, "sudo", "-n", c.runnerPath)
	} else {
		cmd = exec.CommandContext(ctx, c.runnerPath)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return corerr.New(corerr.KindOperation, "opening runner stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return corerr.New(corerr.KindOperation, "opening runner stdout", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return corerr.New(corerr.KindOperation, "starting loam-runner", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.encoder = NewEncoder(stdin)
	c.decoder = NewDecoder(stdout)

	readyCh := make(chan error, 1)
	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			readyCh <- err
			return
		}
		if msg.Type != MessageReady {
			readyCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready ReadyMessage
		if len(msg.Data) > 0 {
			if err := jsonUnmarshal(msg.Data, &ready); err != nil {
				readyCh <- err
				return
			}
		}
		c.ready = ready
		readyCh <- nil
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			return corerr.New(corerr.KindOperation, "waiting for loam-runner READY", err).
				WithOperationFailure(exitStatus(cmd), stderr.String())
		}
		return nil
	case <-time.After(startupTimeout):
		_ = cmd.Process.Kill()
		return corerr.New(corerr.KindOperation, "timed out waiting for loam-runner READY", nil)
	}
}

// Apply sends one operation and waits for its DONE or ERROR reply. Every
// EVENT frame the runner emits in between is decoded and handed to onEvent
// in arrival order before Apply keeps reading for the terminal DONE/ERROR;
// onEvent may be nil to discard them.
func (c *Client) Apply(op ApplyMessage, onEvent func(EventMessage)) (DoneMessage, error) {
	if err := c.encoder.EncodeApply(op); err != nil {
		return DoneMessage{}, corerr.New(corerr.KindOperation, "sending apply message", err)
	}

	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			return DoneMessage{}, corerr.New(corerr.KindOperation, "reading runner reply", err)
		}
		switch msg.Type {
		case MessageEvent:
			if onEvent == nil {
				continue
			}
			var ev EventMessage
			if err := jsonUnmarshal(msg.Data, &ev); err != nil {
				continue
			}
			onEvent(ev)
		case MessageDone:
			var done DoneMessage
			if err := jsonUnmarshal(msg.Data, &done); err != nil {
				return DoneMessage{}, err
			}
			return done, nil
		case MessageError:
			var errMsg ErrorMessage
			if err := jsonUnmarshal(msg.Data, &errMsg); err != nil {
				return DoneMessage{}, err
			}
			return DoneMessage{}, corerr.New(corerr.KindOperation, errMsg.Message, nil).
				WithOperationFailure(errMsg.ExitStatus, errMsg.StderrTail)
		default:
			return DoneMessage{}, fmt.Errorf("unexpected message type %s", msg.Type)
		}
	}
}

// Close sends EXIT and releases the runner process.
func (c *Client) Close() error {
	if c.encoder != nil {
		_ = c.encoder.EncodeExit(ExitMessage{Reason: "done", ExitCode: 0})
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil {
		return c.cmd.Wait()
	}
	return nil
}

func exitStatus(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
