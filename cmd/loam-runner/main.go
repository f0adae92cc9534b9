// Package main implements loam-runner, the privileged helper binary. It is
// a minimal, self-contained process that executes Elevated operations
// received over NDJSON-framed stdio and exits when its stdin closes.
// Adapted from the teacher's micro-runner binary and handler package.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/loamhq/loam/pkg/runner"
)

const (
	version = "0.1.0"
	ttl     = 10 * time.Minute
)

func main() {
	enc := runner.NewEncoder(os.Stdout)
	dec := runner.NewDecoder(os.Stdin)

	if err := enc.EncodeReady(runner.ReadyMessage{Version: version, PID: os.Getpid(), Platform: runtime.GOOS}); err != nil {
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ttl)
	defer cancel()

	exitCode := 0
	reason := "completed"

loop:
	for {
		select {
		case <-ctx.Done():
			reason = "ttl_expired"
			break loop
		default:
			msg, err := dec.Decode()
			if err != nil {
				reason = "stdin_closed"
				break loop
			}
			if msg.Type != runner.MessageApply {
				continue
			}
			var apply runner.ApplyMessage
			if err := json.Unmarshal(msg.Data, &apply); err != nil {
				reason = "error"
				exitCode = 1
				break loop
			}
			applyOperation(ctx, enc, apply)
		}
	}

	_ = enc.EncodeExit(runner.ExitMessage{Reason: reason, ExitCode: exitCode})
	os.Exit(exitCode)
}

func applyOperation(ctx context.Context, enc *runner.Encoder, op runner.ApplyMessage) {
	start := time.Now()
	opCtx := ctx
	cancel := func() {}
	if op.TimeoutS > 0 {
		opCtx, cancel = context.WithTimeout(ctx, time.Duration(op.TimeoutS)*time.Second)
	}
	defer cancel()

	result, changed, err := dispatch(opCtx, enc, op)
	duration := time.Since(start).Seconds()

	if err != nil {
		_ = enc.EncodeError(runner.ErrorMessage{OperationID: op.ID, Message: err.Error()})
		return
	}
	_ = enc.EncodeDone(runner.DoneMessage{OperationID: op.ID, Changed: changed, Result: result, DurationS: duration})
}

func dispatch(ctx context.Context, enc *runner.Encoder, op runner.ApplyMessage) (map[string]any, bool, error) {
	switch op.Kind {
	case "linux.file.write":
		return applyFileWrite(op.Payload)
	case "linux.file.chmod":
		return applyFileChmod(op.Payload)
	case "linux.pkg.ensure":
		return applyPkgEnsure(ctx, enc, op.ID, op.Payload)
	case "linux.service.reload":
		return applyServiceReload(ctx, enc, op.ID, op.Payload)
	case "linux.sudoers.ensure":
		return applySudoersEnsure(op.Payload)
	case "linux.sshd.harden":
		return applySSHDHarden(op.Payload)
	default:
		return nil, false, fmt.Errorf("unsupported operation kind %q", op.Kind)
	}
}

// runStreamed runs cmd to completion, emitting one EVENT message per line of
// stdout/stderr as it is produced instead of buffering the whole output, and
// returns the combined output for error reporting once the process exits.
func runStreamed(enc *runner.Encoder, opID string, cmd *exec.Cmd) ([]byte, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	var combined strings.Builder
	scan := func(r io.Reader, stream string) {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			combined.WriteString(line)
			combined.WriteByte('\n')
			_ = enc.EncodeEvent(runner.EventMessage{OperationID: opID, Stream: stream, Message: line})
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	done := make(chan struct{}, 2)
	go func() { scan(stdout, "stdout"); done <- struct{}{} }()
	go func() { scan(stderr, "stderr"); done <- struct{}{} }()
	<-done
	<-done

	waitErr := cmd.Wait()
	return []byte(combined.String()), waitErr
}

func applyFileWrite(p map[string]any) (map[string]any, bool, error) {
	path, _ := p["path"].(string)
	content, _ := p["content"].(string)
	if path == "" {
		return nil, false, fmt.Errorf("path is required")
	}
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, false, fmt.Errorf("writing file: %w", err)
	}
	return map[string]any{"bytes_written": len(content)}, true, nil
}

func applyFileChmod(p map[string]any) (map[string]any, bool, error) {
	path, _ := p["path"].(string)
	var mode uint64
	switch v := p["mode"].(type) {
	case uint64:
		mode = v
	case float64:
		mode = uint64(v)
	case string:
		m, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return nil, false, err
		}
		mode = m
	}
	if err := os.Chmod(path, os.FileMode(mode)); err != nil {
		return nil, false, fmt.Errorf("chmod: %w", err)
	}
	return nil, true, nil
}

func applyPkgEnsure(ctx context.Context, enc *runner.Encoder, opID string, p map[string]any) (map[string]any, bool, error) {
	manager, err := detectPackageManager()
	if err != nil {
		return nil, false, err
	}
	state, _ := p["state"].(string)

	names := stringsFrom(p["names"])
	if len(names) == 0 {
		if name, ok := p["name"].(string); ok {
			names = []string{name}
		}
	}
	if len(names) == 0 {
		return nil, false, fmt.Errorf("no package names given")
	}

	var args []string
	switch manager {
	case "apt":
		verb := "install"
		if state == "absent" {
			verb = "remove"
		}
		args = append([]string{verb, "-y"}, names...)
	case "dnf", "yum":
		verb := "install"
		if state == "absent" {
			verb = "remove"
		}
		args = append([]string{verb, "-y"}, names...)
	case "zypper":
		verb := "install"
		if state == "absent" {
			verb = "remove"
		}
		args = append([]string{verb, "-y"}, names...)
	default:
		return nil, false, fmt.Errorf("unsupported package manager %q", manager)
	}

	cmd := exec.CommandContext(ctx, managerBinary(manager), args...)
	if out, err := runStreamed(enc, opID, cmd); err != nil {
		return nil, false, fmt.Errorf("%s %s failed: %w: %s", manager, strings.Join(args, " "), err, out)
	}
	return map[string]any{"manager": manager, "names": names, "state": state}, true, nil
}

func applyServiceReload(ctx context.Context, enc *runner.Encoder, opID string, p map[string]any) (map[string]any, bool, error) {
	name, _ := p["name"].(string)
	action, _ := p["action"].(string)
	if name == "" || action == "" {
		return nil, false, fmt.Errorf("service name and action are required")
	}

	cmd := exec.CommandContext(ctx, "systemctl", action, name)
	if out, err := runStreamed(enc, opID, cmd); err != nil {
		return nil, false, fmt.Errorf("systemctl %s %s failed: %w: %s", action, name, err, out)
	}

	if enabled, ok := p["enabled"].(bool); ok {
		verb := "disable"
		if enabled {
			verb = "enable"
		}
		if out, err := runStreamed(enc, opID, exec.CommandContext(ctx, "systemctl", verb, name)); err != nil {
			return nil, false, fmt.Errorf("systemctl %s %s failed: %w: %s", verb, name, err, out)
		}
	}

	return map[string]any{"name": name, "action": action}, true, nil
}

func applySudoersEnsure(p map[string]any) (map[string]any, bool, error) {
	user, _ := p["user"].(string)
	if user == "" {
		return nil, false, fmt.Errorf("user is required")
	}
	commands := stringsFrom(p["commands"])
	noPasswd, _ := p["no_passwd"].(bool)

	spec := "ALL"
	if noPasswd {
		spec = "NOPASSWD: ALL"
	}
	if len(commands) > 0 {
		spec = strings.Join(commands, ", ")
		if noPasswd {
			spec = "NOPASSWD: " + spec
		}
	}
	rule := fmt.Sprintf("%s ALL=(ALL) %s\n", user, spec)

	path := fmt.Sprintf("/etc/sudoers.d/loam-%s", user)
	if err := os.WriteFile(path, []byte(rule), 0o440); err != nil {
		return nil, false, fmt.Errorf("writing sudoers rule: %w", err)
	}
	return map[string]any{"path": path}, true, nil
}

func applySSHDHarden(p map[string]any) (map[string]any, bool, error) {
	const configPath = "/etc/ssh/sshd_config"
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, false, fmt.Errorf("reading sshd_config: %w", err)
	}
	if err := os.WriteFile(configPath+".bak", data, 0o600); err != nil {
		return nil, false, fmt.Errorf("backing up sshd_config: %w", err)
	}

	settings := map[string]string{}
	if v, ok := p["disable_password_auth"].(bool); ok && v {
		settings["PasswordAuthentication"] = "no"
	}
	if v, ok := p["disable_root_login"].(bool); ok && v {
		settings["PermitRootLogin"] = "no"
	}
	if users := stringsFrom(p["allow_users"]); len(users) > 0 {
		settings["AllowUsers"] = strings.Join(users, " ")
	}
	if port, ok := p["port"]; ok {
		settings["Port"] = fmt.Sprintf("%v", port)
	}

	updated := mergeSSHDConfig(string(data), settings)
	if err := os.WriteFile(configPath, []byte(updated), 0o600); err != nil {
		return nil, false, fmt.Errorf("writing sshd_config: %w", err)
	}

	var keys []string
	for k := range settings {
		keys = append(keys, k)
	}
	return map[string]any{"modified_keys": keys}, len(keys) > 0, nil
}

func mergeSSHDConfig(original string, settings map[string]string) string {
	lines := strings.Split(original, "\n")
	applied := map[string]bool{}
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for key, value := range settings {
			if strings.HasPrefix(trimmed, key+" ") || strings.HasPrefix(trimmed, key+"\t") {
				lines[i] = key + " " + value
				applied[key] = true
			}
		}
	}
	for key, value := range settings {
		if !applied[key] {
			lines = append(lines, key+" "+value)
		}
	}
	return strings.Join(lines, "\n")
}

func detectPackageManager() (string, error) {
	for _, candidate := range []struct{ manager, binary string }{
		{"apt", "apt-get"},
		{"dnf", "dnf"},
		{"yum", "yum"},
		{"zypper", "zypper"},
	} {
		if _, err := exec.LookPath(candidate.binary); err == nil {
			return candidate.manager, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

func managerBinary(manager string) string {
	switch manager {
	case "apt":
		return "apt-get"
	default:
		return manager
	}
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func stringsFrom(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
