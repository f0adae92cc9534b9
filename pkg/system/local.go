// Package system provides LocalSystem, the real planlang.System
// implementation backed by the running host: os.Hostname, /etc/os-release,
// runtime.GOARCH, and a handful of kernel facts read from /proc. It is the
// production counterpart to planlang.StaticSystem, which the CLI's plan,
// apply and validate commands use instead (they pass a nil System to the
// plan loader). Grounded on the
// fact categories the teacher's engine.FactsCollector gathers over SSH
// (pkg/engine/facts.go); this module's plans run against the local host
// directly, so the probes here read straight from the filesystem instead.
package system

import (
	"bufio"
	"os"
	"runtime"
	"strings"
)

// LocalSystem implements planlang.System by probing the machine it runs on.
// Facts are collected once at construction, matching the teacher's
// FactsCollector default-TTL caching intent without requiring a store: a
// fresh LocalSystem is cheap enough to construct per run.
type LocalSystem struct {
	hostname string
	osFamily string
	arch     string
	facts    map[string]string
}

// NewLocalSystem probes the current host and returns a ready LocalSystem.
func NewLocalSystem() *LocalSystem {
	hostname, _ := os.Hostname()

	facts := map[string]string{}
	osFamily := runtime.GOOS
	if release, ok := readOSRelease("/etc/os-release"); ok {
		for k, v := range release {
			facts["os_release."+k] = v
		}
		if id, ok := release["ID"]; ok {
			osFamily = id
		}
	}

	if release, ok := readTrimmed("/proc/sys/kernel/osrelease"); ok {
		facts["kernel.release"] = release
	}
	if ostype, ok := readTrimmed("/proc/sys/kernel/ostype"); ok {
		facts["kernel.sysname"] = ostype
	}
	if version, ok := readTrimmed("/proc/version"); ok {
		facts["kernel.version"] = version
	}

	return &LocalSystem{
		hostname: hostname,
		osFamily: osFamily,
		arch:     runtime.GOARCH,
		facts:    facts,
	}
}

func (s *LocalSystem) Hostname() string { return s.hostname }
func (s *LocalSystem) OSFamily() string { return s.osFamily }
func (s *LocalSystem) Arch() string     { return s.arch }

func (s *LocalSystem) Fact(name string) (string, bool) {
	v, ok := s.facts[name]
	return v, ok
}

// readOSRelease parses the KEY=VALUE (optionally quoted) lines of an
// os-release file, per the freedesktop.org os-release format.
func readOSRelease(path string) (map[string]string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		out[key] = strings.Trim(value, `"`)
	}
	return out, true
}

func readTrimmed(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}
