// Package store resolves a planlang.PlanId to its raw document bytes.
// LocalFile is the only implementation wired to a real backend; git/http
// schemes are accepted by ItemID but Read returns corerr.KindSourceRead
// until a fetching backend is registered, mirroring planlang.PlanId's own
// local-only resolution. Grounded on the content-addressed artifact store
// shape found elsewhere in the example pack, adapted from hash-addressed
// blobs to location-addressed plan documents since plan ids name a path,
// not a content hash.
package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/loamhq/loam/pkg/corerr"
)

// Scheme discriminates how an ItemID is resolved.
type Scheme string

const (
	SchemeFile Scheme = "file"
	SchemeGit  Scheme = "git"
	SchemeHTTP Scheme = "http"
)

// ItemID addresses one document a Store can read.
type ItemID struct {
	Scheme Scheme
	Path   string // filesystem path (SchemeFile) or repo-relative path (SchemeGit)
	Ref    string // git ref (SchemeGit only)
	URL    string // SchemeHTTP only
}

// FileItemID builds a local-filesystem ItemID.
func FileItemID(path string) ItemID { return ItemID{Scheme: SchemeFile, Path: path} }

func (id ItemID) String() string {
	switch id.Scheme {
	case SchemeFile:
		return id.Path
	case SchemeGit:
		return "git:" + id.Ref + ":" + id.Path
	case SchemeHTTP:
		return "http:" + id.URL
	default:
		return "<invalid-item-id>"
	}
}

// Store reads a document's raw bytes by ItemID.
type Store interface {
	Read(ctx context.Context, id ItemID) ([]byte, error)
}

// LocalFile resolves SchemeFile ids by reading directly from disk, rooted
// at Dir when Path is relative (empty Dir means "as given", i.e. relative
// to the process's working directory).
type LocalFile struct {
	Dir string
}

// NewLocalFile returns a LocalFile rooted at dir.
func NewLocalFile(dir string) *LocalFile { return &LocalFile{Dir: dir} }

func (s *LocalFile) Read(_ context.Context, id ItemID) ([]byte, error) {
	switch id.Scheme {
	case SchemeFile:
		path := id.Path
		if s.Dir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(s.Dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, corerr.New(corerr.KindSourceRead, "reading "+path, err).WithPath(path)
		}
		return data, nil
	case SchemeGit, SchemeHTTP:
		return nil, unresolvedItemError(id)
	default:
		return nil, unresolvedItemError(id)
	}
}

func unresolvedItemError(id ItemID) error {
	return corerr.New(corerr.KindSourceRead, "no fetch backend registered for item scheme "+string(id.Scheme), nil).
		WithPath(id.String())
}
