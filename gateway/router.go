// Package gateway routes /api/<service>/* requests to upstreams. Requests for
// services known to be down are answered from a fallback policy without
// touching the network, and forwarding failures never surface as raw errors.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/metric"
	"github.com/c360/semgate/registry"
)

// HealthView reports cached probe results.
type HealthView interface {
	IsUnhealthy(service string) bool
}

// Breaker refuses traffic to services whose circuit is open.
type Breaker interface {
	Allow(service string) error
}

type ctxKey int

const startKey ctxKey = iota

// Router is an http.Handler dispatching on registry prefixes.
type Router struct {
	registry  *registry.Registry
	health    HealthView
	breaker   Breaker
	metrics   *metric.Metrics
	transport http.RoundTripper
	logger    *slog.Logger
	proxies   map[string]*httputil.ReverseProxy
}

// Option configures a Router.
type Option func(*Router)

// WithBreaker consults b before forwarding.
func WithBreaker(b Breaker) Option {
	return func(r *Router) { r.breaker = b }
}

// WithMetrics counts fallbacks.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithTransport replaces the upstream transport.
func WithTransport(t http.RoundTripper) Option {
	return func(r *Router) { r.transport = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds a reverse proxy for every routed service in reg.
func NewRouter(reg *registry.Registry, hv HealthView, opts ...Option) (*Router, error) {
	r := &Router{
		registry: reg,
		health:   hv,
		logger:   slog.Default(),
		proxies:  make(map[string]*httputil.ReverseProxy),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "gateway")

	for _, d := range reg.List() {
		if !d.Routed() {
			continue
		}
		target, err := url.Parse(d.BaseURL)
		if err != nil {
			return nil, errors.WrapFatal(err, "Router", "NewRouter", fmt.Sprintf("parse base url of %s", d.Key))
		}
		r.proxies[d.Key] = r.newProxy(d, target)
	}
	return r, nil
}

func (r *Router) newProxy(d registry.Descriptor, target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: r.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.Header = filterHeaders(pr.In.Header)
			pr.Out.Header.Set(HeaderRequestID, RequestID(pr.In))
			pr.Out.Header.Set(HeaderForwardedBy, forwardedBy)
			pr.Out.Header.Set(HeaderTargetService, d.Key)

			pr.Out.URL.Path = d.Rewrite.Apply(pr.In.URL.Path)
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set(HeaderServedBy, d.Key)
			if start, ok := resp.Request.Context().Value(startKey).(time.Time); ok {
				resp.Header.Set(HeaderResponseTime, fmt.Sprintf("%dms", time.Since(start).Milliseconds()))
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			reason := ReasonUpstream
			if errors.Is(err, context.DeadlineExceeded) {
				reason = ReasonTimeout
			}
			fwdErr := &errors.ProxyForwardError{Service: d.Key, Err: err}
			r.logger.Warn("forward failed", "service", d.Key, "path", req.URL.Path,
				"request_id", req.Header.Get(HeaderRequestID), "error", fwdErr)
			r.fallback(w, d, reason)
		},
	}
}

// ServeHTTP routes one request.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	d, ok := r.registry.Match(req.URL.Path)
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]any{
			"error":    fmt.Sprintf("no service routes %s", req.URL.Path),
			"status":   http.StatusNotFound,
			"prefixes": r.registry.Prefixes(),
		})
		return
	}

	id := RequestID(req)
	req.Header.Set(HeaderRequestID, id)
	w.Header().Set(HeaderRequestID, id)

	if r.breaker != nil {
		if err := r.breaker.Allow(d.Key); err != nil {
			r.logger.Debug("circuit open, serving fallback", "service", d.Key, "error", err)
			r.fallback(w, d, ReasonCircuitOpen)
			return
		}
	}
	if r.health != nil && r.health.IsUnhealthy(d.Key) {
		r.fallback(w, d, ReasonUnhealthy)
		return
	}

	proxy, ok := r.proxies[d.Key]
	if !ok {
		r.fallback(w, d, ReasonUpstream)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), d.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, startKey, time.Now())
	proxy.ServeHTTP(w, req.WithContext(ctx))
}

func (r *Router) fallback(w http.ResponseWriter, d registry.Descriptor, reason string) {
	r.metrics.RecordFallback(d.Key, reason)
	status, body := Fallback(d, reason)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderFallback, reason)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
