// Package planlang defines the plan document model: the PlanId variants a
// plan can be addressed by, the PlanItem tree a loaded plan evaluates to,
// and the System facts a plan can read. The concrete evaluator lives in
// loader.go, backed by go.starlark.net.
package planlang

import (
	"github.com/loamhq/loam/pkg/corerr"
	"github.com/loamhq/loam/pkg/schema"
	"github.com/loamhq/loam/pkg/span"
)

// PlanIdKind discriminates how a plan is addressed.
type PlanIdKind string

const (
	PlanIdLocal PlanIdKind = "local"
	PlanIdGit   PlanIdKind = "git"
	PlanIdHTTP  PlanIdKind = "http"
)

// PlanId addresses a plan document. Local is the only variant this module
// resolves to a Loader; GitRef and HTTPRef are recognized shapes that fail
// with KindSourceRead until a fetching backend is registered, per
// SPEC_FULL.md §3.
type PlanId struct {
	Kind PlanIdKind

	// LocalPath is set when Kind == PlanIdLocal: a filesystem path, absolute
	// or resolved relative to the including plan's directory.
	LocalPath string

	// GitRef/GitPath are set when Kind == PlanIdGit.
	GitRef  string
	GitPath string

	// HTTPURL is set when Kind == PlanIdHTTP.
	HTTPURL string
}

func LocalPlanId(path string) PlanId { return PlanId{Kind: PlanIdLocal, LocalPath: path} }
func GitPlanId(ref, path string) PlanId {
	return PlanId{Kind: PlanIdGit, GitRef: ref, GitPath: path}
}
func HTTPPlanId(url string) PlanId { return PlanId{Kind: PlanIdHTTP, HTTPURL: url} }

// String renders a PlanId for diagnostics and update-stream records.
func (id PlanId) String() string {
	switch id.Kind {
	case PlanIdLocal:
		return id.LocalPath
	case PlanIdGit:
		return "git:" + id.GitRef + ":" + id.GitPath
	case PlanIdHTTP:
		return "http:" + id.HTTPURL
	default:
		return "<invalid-plan-id>"
	}
}

// CausalityMeta carries a plan item's before/after dependency declarations,
// prefixed by the loader with the declaring plan's scope id so they match
// that plan's scoped item ids.
type CausalityMeta struct {
	Before []string
	After  []string
}

// PlanItem is one resource declaration in a loaded plan: the resource kind
// name, the instance id (unique within the owning plan's scope), its raw
// (pre-validation) params, and causality metadata.
type PlanItem struct {
	ID       string
	Kind     string
	RawParams schema.RawValue
	Causality CausalityMeta
	Span      span.Span
}

// Plan is a fully loaded (but not yet expanded/validated) plan document: its
// own id, the nested plans it includes (each loaded under its own uuid
// scope), and its top-level items.
type Plan struct {
	ID       PlanId
	ScopeID  string // uuid scoping this plan's item ids when nested
	Items    []PlanItem
	Includes []Plan
}

// AllItems flattens a plan and its includes into one ordered slice, with
// each nested item's ID already prefixed by its owning plan's ScopeID by
// the loader (see loader.go scopeID).
func (p Plan) AllItems() []PlanItem {
	items := make([]PlanItem, 0, len(p.Items))
	items = append(items, p.Items...)
	for _, inc := range p.Includes {
		items = append(items, inc.AllItems()...)
	}
	return items
}

// System is the read-only fact surface a plan's Starlark expressions may
// query (hostname, OS family, architecture, and arbitrary extension facts).
// This module's local implementation is a static stand-in; it does not
// reimplement full host fact probing, which is out of scope.
type System interface {
	Hostname() string
	OSFamily() string
	Arch() string
	Fact(name string) (string, bool)
}

// StaticSystem is a System backed by a fixed fact map. The loader uses an
// empty StaticSystem when given a nil System, as the CLI's plan, apply and
// validate commands do.
type StaticSystem struct {
	HostnameVal string
	OSFamilyVal string
	ArchVal     string
	Facts       map[string]string
}

func (s StaticSystem) Hostname() string { return s.HostnameVal }
func (s StaticSystem) OSFamily() string { return s.OSFamilyVal }
func (s StaticSystem) Arch() string     { return s.ArchVal }
func (s StaticSystem) Fact(name string) (string, bool) {
	v, ok := s.Facts[name]
	return v, ok
}

func unresolvedPlanIdError(id PlanId) error {
	return corerr.New(corerr.KindSourceRead, "no fetch backend registered for plan id kind "+string(id.Kind), nil)
}
