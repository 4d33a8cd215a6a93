package resolver

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/niels/tinyhttpd/pkg/httperr"
)

// IndexFile is served when the target names the root itself
const IndexFile = "index.html"

const op = "resolve"

// ResolvedPath is a canonical absolute path that is equal to or nested under a Root
type ResolvedPath string

func (p ResolvedPath) String() string {
	return string(p)
}

// Root is the canonical directory files are served from.
// It is immutable after NewRoot and safe for concurrent use.
type Root struct {
	path string
}

// NewRoot canonicalizes dir (absolute, symlinks resolved) and checks that it
// is an existing directory
func NewRoot(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("root directory is empty")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to make root absolute: %w", err)
	}

	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("root directory %s: %w", abs, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("root directory %s: %w", canonical, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", canonical)
	}

	return &Root{path: canonical}, nil
}

// Path returns the canonical root directory
func (r *Root) Path() string {
	return r.path
}

// Contains reports whether p is the root or a descendant of it.
// The comparison ignores case because the host filesystem may.
func (r *Root) Contains(p string) bool {
	if strings.EqualFold(p, r.path) {
		return true
	}

	prefix := r.path
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return len(p) > len(prefix) && strings.EqualFold(p[:len(prefix)], prefix)
}

// Resolve maps a request target onto the root. It fails with
// httperr.ForbiddenPath when the target contains ".." or its canonical form
// falls outside the root, and with httperr.MalformedRequest when the target
// has invalid percent-encoding.
func (r *Root) Resolve(target string) (ResolvedPath, error) {
	// Checked before any decoding or filesystem access.
	if strings.Contains(target, "..") {
		return "", httperr.Errorf(httperr.ForbiddenPath, op, "target %q contains parent reference", target)
	}

	rel := stripQuery(target)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = IndexFile
	}

	decoded, err := url.PathUnescape(rel)
	if err != nil {
		return "", httperr.New(httperr.MalformedRequest, op, err)
	}
	if strings.Contains(decoded, "..") || strings.ContainsRune(decoded, 0) {
		return "", httperr.Errorf(httperr.ForbiddenPath, op, "decoded target %q is not allowed", decoded)
	}

	joined := filepath.Join(r.path, filepath.FromSlash(decoded))
	canonical := joined
	if evaluated, err := filepath.EvalSymlinks(joined); err == nil {
		canonical = evaluated
	}
	// A path that cannot be evaluated yet (missing, unreadable parent) keeps
	// its lexical form; serving it reports the precise failure.

	if !r.Contains(canonical) {
		return "", httperr.Errorf(httperr.ForbiddenPath, op, "target %q resolves outside root", target)
	}

	// Join drops a trailing slash. Keep it so the file system rejects a
	// regular file addressed as a directory.
	if strings.HasSuffix(decoded, "/") && canonical != r.path {
		canonical += string(filepath.Separator)
	}

	return ResolvedPath(canonical), nil
}

// stripQuery drops the query string and fragment of a request target
func stripQuery(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		return target[:i]
	}
	return target
}
