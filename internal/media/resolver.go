// Package media turns stored media references into displayable URLs.
package media

import (
	"net/url"
	"path"
	"strings"
)

// Category groups stored media under a path prefix.
type Category string

const (
	Avatars  Category = "avatars"
	Messages Category = "messages"
)

// Resolver joins stored paths onto the media service base URL.
type Resolver struct {
	base *url.URL
}

// NewResolver parses baseURL, e.g. https://media.example.com/files.
func NewResolver(baseURL string) (*Resolver, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	return &Resolver{base: u}, nil
}

// Resolve returns a displayable URL for ref. Full URLs pass through
// unchanged; empty refs resolve to "".
func (r *Resolver) Resolve(cat Category, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if isAbsolute(ref) {
		return ref
	}

	rel := strings.TrimLeft(ref, "/")
	prefix := string(cat) + "/"
	if strings.HasPrefix(rel, prefix) {
		rel = strings.TrimPrefix(rel, prefix)
	}
	u := *r.base
	u.Path = path.Join(r.base.Path, string(cat), rel)
	return u.String()
}

func isAbsolute(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:") ||
		strings.HasPrefix(lower, "blob:")
}
