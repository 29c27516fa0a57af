// Package registry holds the immutable table of upstream services the gateway
// monitors and proxies. It is built once at startup and rejects malformed
// entries before anything starts.
package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/c360/semgate/errors"
)

// Registry is safe for concurrent use because it is never mutated after New.
type Registry struct {
	services []Descriptor
	byKey    map[string]int
	routes   []route // longest prefix first
}

type route struct {
	prefix string
	index  int
}

// New validates descs, applies defaults and builds the lookup tables.
// Every invalid entry is reported; the returned error unwraps to ErrInvalidConfig.
func New(descs []Descriptor) (*Registry, error) {
	r := &Registry{
		services: make([]Descriptor, 0, len(descs)),
		byKey:    make(map[string]int, len(descs)),
	}

	var problems []error
	prefixes := make(map[string]string)

	for i, raw := range descs {
		d := raw.withDefaults()
		field := fmt.Sprintf("services[%d]", i)
		if d.Key != "" {
			field = fmt.Sprintf("services[%s]", d.Key)
		}

		if err := validate(d); err != nil {
			problems = append(problems, errors.NewConfigError(field, "%v", err))
			continue
		}
		if _, dup := r.byKey[d.Key]; dup {
			problems = append(problems, errors.NewConfigError(field, "duplicate key %q", d.Key))
			continue
		}
		if d.Routed() {
			if owner, taken := prefixes[d.Prefix]; taken {
				problems = append(problems, errors.NewConfigError(field,
					"prefix %q already used by %q", d.Prefix, owner))
				continue
			}
			prefixes[d.Prefix] = d.Key
		}

		r.byKey[d.Key] = len(r.services)
		r.services = append(r.services, d)
	}

	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}

	for i, d := range r.services {
		if d.Routed() {
			r.routes = append(r.routes, route{prefix: d.Prefix, index: i})
		}
	}
	sort.SliceStable(r.routes, func(a, b int) bool {
		return len(r.routes[a].prefix) > len(r.routes[b].prefix)
	})

	return r, nil
}

func validate(d Descriptor) error {
	if strings.TrimSpace(d.Key) == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.ContainsAny(d.Key, "/ \t") {
		return fmt.Errorf("key %q must not contain slashes or spaces", d.Key)
	}

	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url %q: %v", d.BaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an absolute http(s) URL", d.BaseURL)
	}

	if d.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", d.Timeout)
	}
	if d.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}

	switch d.Category {
	case CategoryRouted, CategoryDirect, CategoryInfrastructure:
	default:
		return fmt.Errorf("unknown category %q", d.Category)
	}
	if d.Routed() && (!strings.HasPrefix(d.Prefix, "/") || d.Prefix == "") {
		return fmt.Errorf("prefix %q must start with /", d.Prefix)
	}

	if d.Degradable() {
		if d.Critical {
			return fmt.Errorf("a critical service cannot declare a degraded payload")
		}
		var obj map[string]any
		if err := json.Unmarshal(d.Degraded, &obj); err != nil {
			return fmt.Errorf("degraded payload must be a JSON object: %v", err)
		}
	}

	if err := d.Rewrite.validate(); err != nil {
		return err
	}
	return nil
}

// List returns every descriptor in load order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, len(r.services))
	copy(out, r.services)
	return out
}

// Keys returns every service key in load order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.services))
	for i, d := range r.services {
		keys[i] = d.Key
	}
	return keys
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	return len(r.services)
}

// Get returns the descriptor for key or ErrServiceNotFound.
func (r *Registry) Get(key string) (Descriptor, error) {
	i, ok := r.byKey[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", errors.ErrServiceNotFound, key)
	}
	return r.services[i], nil
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	_, ok := r.byKey[key]
	return ok
}

// Match finds the routed service owning path by longest segment-aligned prefix.
func (r *Registry) Match(path string) (Descriptor, bool) {
	for _, rt := range r.routes {
		if hasSegmentPrefix(path, rt.prefix) {
			return r.services[rt.index], true
		}
	}
	return Descriptor{}, false
}

// Prefixes lists the proxy prefixes, sorted.
func (r *Registry) Prefixes() []string {
	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.prefix)
	}
	sort.Strings(out)
	return out
}

// Critical returns the keys of services flagged critical.
func (r *Registry) Critical() []string {
	var keys []string
	for _, d := range r.services {
		if d.Critical {
			keys = append(keys, d.Key)
		}
	}
	return keys
}
