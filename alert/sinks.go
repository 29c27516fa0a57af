package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/pkg/retry"
)

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "alert-sink")}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Send implements Sink.
func (s *LogSink) Send(ctx context.Context, a Alert) error {
	level := slog.LevelInfo
	switch a.Priority {
	case PriorityHigh:
		level = slog.LevelError
	case PriorityMedium:
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, a.Title,
		"service", a.Service,
		"priority", a.Priority,
		"urgent", a.Urgent,
		"from", a.From,
		"to", a.To,
		"error", a.Error)
	return nil
}

// WebhookSink POSTs alerts as JSON. Deliveries are retried with backoff and
// guarded by a breaker so an unreachable endpoint is not hammered.
type WebhookSink struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   retry.Config
	logger  *slog.Logger
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithWebhookRetry replaces the retry policy.
func WithWebhookRetry(cfg retry.Config) WebhookOption {
	return func(s *WebhookSink) { s.retry = cfg }
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(s *WebhookSink) { s.logger = l }
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, timeout time.Duration, opts ...WebhookOption) (*WebhookSink, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "WebhookSink", "NewWebhookSink", "webhook url required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  retry.Delivery(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "alert-webhook")

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("webhook breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s, nil
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Send implements Sink.
func (s *WebhookSink) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return errors.WrapInvalid(err, "WebhookSink", "Send", "marshal alert")
	}

	return retry.Do(ctx, s.retry, func() error {
		if a.Urgent {
			// urgent alerts are never short-circuited by the breaker
			return s.post(ctx, body)
		}
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.post(ctx, body)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return retry.NonRetryable(err)
		}
		return err
	})
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "WebhookSink", "post", "deliver alert")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned %d", errors.ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

// Publisher is the subset of the NATS client used by NATSSink.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSSink publishes alerts as JSON on a NATS subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink creates a sink publishing on subject.
func NewNATSSink(pub Publisher, subject string) (*NATSSink, error) {
	if pub == nil || subject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSSink", "NewNATSSink", "publisher and subject required")
	}
	return &NATSSink{pub: pub, subject: subject}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Send implements Sink.
func (s *NATSSink) Send(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.WrapInvalid(err, "NATSSink", "Send", "marshal alert")
	}
	return s.pub.Publish(ctx, s.subject, data)
}
