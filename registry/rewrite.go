package registry

import (
	"fmt"
	"strings"
)

// RewriteRule maps an inbound gateway path onto the upstream path.
// StripPrefix is removed when present, then AddPrefix is prepended unless the
// path already carries it. The zero rule is the identity.
type RewriteRule struct {
	StripPrefix string `json:"strip_prefix,omitempty"`
	AddPrefix   string `json:"add_prefix,omitempty"`
}

// Apply rewrites path. The result always starts with "/".
func (r RewriteRule) Apply(path string) string {
	out := ensureSlash(path)

	if r.StripPrefix != "" && hasSegmentPrefix(out, r.StripPrefix) {
		out = ensureSlash(out[len(r.StripPrefix):])
	}
	if r.AddPrefix != "" && !hasSegmentPrefix(out, r.AddPrefix) {
		if out == "/" {
			out = r.AddPrefix
		} else {
			out = r.AddPrefix + out
		}
	}
	return out
}

// validate rejects rules whose output could be rewritten again.
func (r RewriteRule) validate() error {
	for name, p := range map[string]string{"strip_prefix": r.StripPrefix, "add_prefix": r.AddPrefix} {
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
			return fmt.Errorf("%s %q must start with / and not end with /", name, p)
		}
	}

	if r.StripPrefix != "" && r.AddPrefix != "" && r.AddPrefix != r.StripPrefix &&
		hasSegmentPrefix(r.AddPrefix, r.StripPrefix) {
		return fmt.Errorf("add_prefix %q extends strip_prefix %q, rewriting is not idempotent",
			r.AddPrefix, r.StripPrefix)
	}

	for _, sample := range []string{r.StripPrefix, r.StripPrefix + "/_probe/item", "/_probe"} {
		once := r.Apply(sample)
		if twice := r.Apply(once); twice != once {
			return fmt.Errorf("rewrite of %q is not idempotent: %q then %q", sample, once, twice)
		}
	}
	return nil
}

// hasSegmentPrefix reports whether path equals prefix or continues it at a "/" boundary.
func hasSegmentPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/' || strings.HasSuffix(prefix, "/")
}

func ensureSlash(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
