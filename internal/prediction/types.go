package prediction

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/replicate/cog-serve/internal/util"
	"github.com/replicate/cog-serve/internal/webhook"
)

type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

func (s Status) IsCompleted() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

type SetupStatus string

const (
	SetupSucceeded SetupStatus = "succeeded"
	SetupFailed    SetupStatus = "failed"
)

// SetupResult is the accumulated state of the one setup run. Status is empty
// while setup is still running.
type SetupResult struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Logs        []string
	Status      SetupStatus
}

// MarshalJSON renders timestamps in ISO format and logs as a single string,
// the shape reported by the health check.
func (r SetupResult) MarshalJSON() ([]byte, error) {
	aux := struct {
		StartedAt   string      `json:"started_at,omitempty"`
		CompletedAt string      `json:"completed_at,omitempty"`
		Status      SetupStatus `json:"status,omitempty"`
		Logs        string      `json:"logs"`
	}{
		Status: r.Status,
		Logs:   strings.Join(r.Logs, ""),
	}
	if !r.StartedAt.IsZero() {
		aux.StartedAt = util.FormatTime(r.StartedAt)
	}
	if !r.CompletedAt.IsZero() {
		aux.CompletedAt = util.FormatTime(r.CompletedAt)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON reads the health check shape back, keeping the joined logs as
// a single chunk.
func (r *SetupResult) UnmarshalJSON(data []byte) error {
	var aux struct {
		StartedAt   string      `json:"started_at"`
		CompletedAt string      `json:"completed_at"`
		Status      SetupStatus `json:"status"`
		Logs        string      `json:"logs"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = SetupResult{Status: aux.Status}
	if aux.Logs != "" {
		r.Logs = []string{aux.Logs}
	}
	var err error
	if aux.StartedAt != "" {
		if r.StartedAt, err = util.ParseTime(aux.StartedAt); err != nil {
			return err
		}
	}
	if aux.CompletedAt != "" {
		if r.CompletedAt, err = util.ParseTime(aux.CompletedAt); err != nil {
			return err
		}
	}
	return nil
}

type PredictionRequest struct {
	ID                  string          `json:"id,omitempty"`
	Input               any             `json:"input"`
	CreatedAt           string          `json:"created_at,omitempty"`
	Webhook             string          `json:"webhook,omitempty"`
	WebhookEventsFilter []webhook.Event `json:"webhook_events_filter,omitempty"`
	OutputFilePrefix    string          `json:"output_file_prefix,omitempty"`
}

type PredictionResponse struct {
	ID          string         `json:"id"`
	Input       any            `json:"input,omitempty"`
	Output      any            `json:"output,omitempty"`
	Status      Status         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Logs        string         `json:"logs"`
	CreatedAt   string         `json:"created_at,omitempty"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
}

// SubscriptionID identifies one registered Subscriber.
type SubscriptionID uint64

// Subscriber receives every event a worker emits, in emission order.
type Subscriber func(Event)

// Worker executes setup and predictions for one model and reports progress
// as an event stream to its subscribers.
type Worker interface {
	Subscribe(fn Subscriber) SubscriptionID
	// Unsubscribe is idempotent. fn is not called after it returns.
	Unsubscribe(id SubscriptionID)
	Setup(ctx context.Context) *Handle
	// Predict starts one prediction. Only one may be outstanding.
	Predict(ctx context.Context, req PredictionRequest) *Handle
	// Cancel requests cancellation of the running prediction, a no-op when
	// nothing is running.
	Cancel() error
	// OutputMulti reports whether the model streams a sequence of outputs.
	OutputMulti() bool
	Shutdown() error
}

// WebhookSender is notified with a snapshot of the prediction on every
// reportable change.
type WebhookSender func(PredictionResponse, webhook.Event)

// FileUploader transforms a raw output value before it is stored.
type FileUploader func(any) (any, error)

// Clock returns the current time.
type Clock func() time.Time
