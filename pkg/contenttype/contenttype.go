package contenttype

import (
	"path/filepath"
	"strings"

	"github.com/niels/tinyhttpd/pkg/httperr"
)

// MIME types for the served extensions. UTF-8 is asserted for all of them.
const (
	HTML       = "text/html; charset=utf-8"
	CSS        = "text/css; charset=utf-8"
	JavaScript = "application/javascript; charset=utf-8"
)

// types is the closed set of servable extensions, keyed without the dot.
// Anything else is refused rather than served as octet-stream.
var types = map[string]string{
	"html": HTML,
	"css":  CSS,
	"js":   JavaScript,
}

// Negotiate returns the Content-Type for path based on its extension,
// ignoring case. Extensions outside the served set fail with
// httperr.UnsupportedType.
// A trailing separator is ignored, so "a.html/" negotiates as HTML and
// serving it fails later as not found.
func Negotiate(path string) (string, error) {
	path = strings.TrimSuffix(path, string(filepath.Separator))
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if mimeType, ok := types[ext]; ok {
		return mimeType, nil
	}
	if ext == "" {
		return "", httperr.Errorf(httperr.UnsupportedType, "negotiate", "%s has no extension", filepath.Base(path))
	}
	return "", httperr.Errorf(httperr.UnsupportedType, "negotiate", "extension %q is not served", ext)
}

// Extensions returns the served extensions, for display
func Extensions() []string {
	return []string{".html", ".css", ".js"}
}
