package pipeline

import (
	"mime"
	"path/filepath"
	"strings"
	stdsync "sync"
)

// TypeResolver resolves a file's MIME type from its extension. Each uploader
// worker owns one resolver; lookups are additionally serialized by the
// resolver's mutex so a shared instance is also safe.
type TypeResolver struct {
	mu stdsync.Mutex
}

// NewTypeResolver creates a resolver.
func NewTypeResolver() *TypeResolver {
	return &TypeResolver{}
}

// TypeByPath returns the bare MIME type for a path ("text/plain", never
// parameters), or "" when the extension is unknown — the server accepts a
// null mimetype.
func (r *TypeResolver) TypeByPath(path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := mime.TypeByExtension(filepath.Ext(path))
	if t == "" {
		return ""
	}

	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}

	return t
}
