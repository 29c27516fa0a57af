package registry

import (
	"encoding/json"
	"strings"
	"time"
)

// Category describes how a service is exposed.
type Category string

const (
	// CategoryRouted services are proxied under a gateway prefix.
	CategoryRouted Category = "routed"
	// CategoryDirect services are reached by clients directly and only monitored.
	CategoryDirect Category = "direct"
	// CategoryInfrastructure covers databases, caches and brokers that are only monitored.
	CategoryInfrastructure Category = "infrastructure"
)

// Defaults applied to descriptors that leave fields empty.
const (
	DefaultHealthPath = "/health"
	DefaultTimeout    = 5 * time.Second
	DefaultPrefixRoot = "/api"
)

// Descriptor is the immutable load-time description of one upstream.
type Descriptor struct {
	Key        string          `json:"key"`
	Name       string          `json:"name,omitempty"`
	BaseURL    string          `json:"base_url"`
	HealthPath string          `json:"health_path,omitempty"`
	Timeout    time.Duration   `json:"timeout,omitempty"`
	Retries    int             `json:"retries,omitempty"`
	Critical   bool            `json:"critical,omitempty"`
	Category   Category        `json:"category,omitempty"`
	Prefix     string          `json:"prefix,omitempty"`
	Rewrite    RewriteRule     `json:"rewrite,omitempty"`
	Degraded   json.RawMessage `json:"degraded,omitempty"`
}

// Routed reports whether the service is reachable through the proxy.
func (d Descriptor) Routed() bool {
	return d.Category == CategoryRouted
}

// Degradable reports whether a safe default payload is configured.
func (d Descriptor) Degradable() bool {
	return len(d.Degraded) > 0
}

// HealthURL is the absolute probe URL.
func (d Descriptor) HealthURL() string {
	return strings.TrimRight(d.BaseURL, "/") + d.HealthPath
}

func (d Descriptor) withDefaults() Descriptor {
	if d.Name == "" {
		d.Name = d.Key
	}
	if d.HealthPath == "" {
		d.HealthPath = DefaultHealthPath
	}
	if !strings.HasPrefix(d.HealthPath, "/") {
		d.HealthPath = "/" + d.HealthPath
	}
	if d.Timeout == 0 {
		d.Timeout = DefaultTimeout
	}
	if d.Category == "" {
		d.Category = CategoryRouted
	}
	if d.Routed() && d.Prefix == "" && d.Key != "" {
		d.Prefix = DefaultPrefixRoot + "/" + d.Key
	}
	d.Prefix = strings.TrimRight(d.Prefix, "/")
	return d
}
