package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/replicate/cog-serve/internal/metrics"
	"github.com/replicate/cog-serve/internal/util"
)

// Event represents a webhook event - using string to be compatible with any type
type Event string

const (
	EventStart     Event = "start"
	EventOutput    Event = "output"
	EventLogs      Event = "logs"
	EventCompleted Event = "completed"
)

// DefaultThrottle is the minimum interval between two logs or output
// deliveries for the same prediction.
const DefaultThrottle = 500 * time.Millisecond

// Sender handles webhook delivery
type Sender interface {
	Send(ctx context.Context, url string, payload any) error
	SendConditional(ctx context.Context, url string, payload any, event Event, allowedEvents []Event, lastUpdated *time.Time) error
}

// Build time assertion that DefaultSender implements the Sender interface
var _ Sender = (*DefaultSender)(nil)

// DefaultSender handles webhook delivery
type DefaultSender struct {
	logger   *zap.Logger
	client   *http.Client
	throttle time.Duration
	now      func() time.Time
}

// NewSender creates a new webhook sender
func NewSender(logger *zap.Logger) *DefaultSender {
	return &DefaultSender{
		logger:   logger.Named("webhook"),
		client:   util.HTTPClientWithRetry(),
		throttle: DefaultThrottle,
		now:      time.Now,
	}
}

// Send delivers a webhook with the given payload. Payloads that are already
// encoded ([]byte or io.Reader) are sent as-is, anything else is marshaled
// to JSON.
func (s *DefaultSender) Send(ctx context.Context, url string, payload any) error {
	var body io.Reader
	switch p := payload.(type) {
	case []byte:
		body = bytes.NewReader(p)
	case io.Reader:
		body = p
	default:
		bs, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal webhook payload: %w", err)
		}
		body = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Add("Content-Type", "application/json")
	// traceparent/tracestate of the request that created the prediction
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// SendConditional sends webhook if conditions are met
func (s *DefaultSender) SendConditional(ctx context.Context, url string, payload any, event Event, allowedEvents []Event, lastUpdated *time.Time) error {
	log := s.logger.Sugar()
	if url == "" {
		return nil
	}

	// Check event filter
	if len(allowedEvents) > 0 && !slices.Contains(allowedEvents, event) {
		log.Debugw("skipping webhook due to event filter", "url", url, "event", string(event), "allowed_events", allowedEvents)
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(event), "filtered").Inc()
		return nil
	}

	// Rate limiting for logs and output events
	if event == EventLogs || event == EventOutput {
		now := s.now()
		if lastUpdated != nil && now.Sub(*lastUpdated) < s.throttle {
			log.Debugw("skipping webhook due to rate limiting", "url", url, "event", string(event), "last_updated", *lastUpdated)
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(event), "throttled").Inc()
			return nil
		}
		if lastUpdated != nil {
			*lastUpdated = now
		}
	}

	log.Debugw("sending webhook", "url", url, "event", string(event))
	if err := s.Send(ctx, url, payload); err != nil {
		log.Errorw("failed to send webhook",
			"url", url,
			"event", string(event),
			"error", err,
		)
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(event), "error").Inc()
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(event), "success").Inc()

	return nil
}
