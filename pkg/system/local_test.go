package system

import (
	"os"
	"testing"
)

func TestNewLocalSystemPopulatesHostnameAndArch(t *testing.T) {
	sys := NewLocalSystem()
	if sys.Hostname() == "" {
		t.Fatalf("expected non-empty hostname")
	}
	if sys.Arch() == "" {
		t.Fatalf("expected non-empty arch")
	}
	if sys.OSFamily() == "" {
		t.Fatalf("expected non-empty OS family")
	}
}

func TestLocalSystemFactLookupMiss(t *testing.T) {
	sys := NewLocalSystem()
	if _, ok := sys.Fact("does.not.exist"); ok {
		t.Fatalf("expected miss for unknown fact")
	}
}

func TestReadOSReleaseParsesQuotedValues(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/os-release"
	body := "ID=debian\nVERSION_ID=\"12\"\n# comment\n\nPRETTY_NAME=\"Debian GNU/Linux 12\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}

	release, ok := readOSRelease(path)
	if !ok {
		t.Fatalf("expected os-release to parse")
	}
	if release["ID"] != "debian" || release["VERSION_ID"] != "12" {
		t.Fatalf("unexpected parse result: %+v", release)
	}
}
