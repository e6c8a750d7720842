package prediction

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/replicate/cog-serve/internal/util"
	"github.com/replicate/cog-serve/internal/webhook"
)

type cardinality int

const (
	cardinalityUnset cardinality = iota
	cardinalitySingle
	cardinalityMulti
)

type PredictTaskOption func(*PredictTask)

func WithTaskWebhook(sender WebhookSender) PredictTaskOption {
	return func(t *PredictTask) {
		t.webhook = sender
	}
}

func WithTaskUploader(uploader FileUploader) PredictTaskOption {
	return func(t *PredictTask) {
		t.uploader = uploader
	}
}

func WithTaskClock(clock Clock) PredictTaskOption {
	return func(t *PredictTask) {
		t.now = clock
	}
}

// PredictTask accumulates the event stream of one prediction into a
// PredictionResponse and reports changes to the webhook sender.
//
// Mutations hold notifyMu for their whole duration, including the webhook
// call, so notifications go out in mutation order. State reads only take mu
// and never wait on webhook delivery. The completed webhook is delivered in
// the background and Wait returns once it is out.
type PredictTask struct {
	now      Clock
	webhook  WebhookSender
	uploader FileUploader

	notifyMu sync.Mutex

	mu          sync.Mutex
	resp        PredictionResponse
	startedAt   time.Time
	cardinality cardinality
	single      any
	multi       []any

	done chan struct{}
}

// NewPredictTask starts tracking the prediction described by req and sends
// the start webhook.
func NewPredictTask(req PredictionRequest, opts ...PredictTaskOption) *PredictTask {
	t := &PredictTask{
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.startedAt = t.now()
	t.resp = PredictionResponse{
		ID:        req.ID,
		Input:     req.Input,
		Status:    StatusProcessing,
		CreatedAt: req.CreatedAt,
		StartedAt: util.FormatTime(t.startedAt),
	}
	if t.resp.CreatedAt == "" {
		t.resp.CreatedAt = t.resp.StartedAt
	}

	if t.webhook != nil {
		t.notifyMu.Lock()
		t.webhook(t.Result(), webhook.EventStart)
		t.notifyMu.Unlock()
	}
	return t
}

func (t *PredictTask) ID() string {
	return t.resp.ID
}

// SetOutputCardinality declares whether outputs replace each other (single)
// or accumulate into a sequence (multi). It may be called once, before the
// first output.
func (t *PredictTask) SetOutputCardinality(multi bool) error {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.resp.Status.IsCompleted() {
		return ErrTaskCompleted
	}
	if t.cardinality != cardinalityUnset {
		return ErrCardinalitySet
	}
	if multi {
		t.cardinality = cardinalityMulti
	} else {
		t.cardinality = cardinalitySingle
	}
	return nil
}

// AppendOutput stores one output value, transformed by the file uploader if
// one is configured. An uploader error is returned and nothing is stored.
func (t *PredictTask) AppendOutput(v any) error {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	if t.completed() {
		return ErrTaskCompleted
	}
	if t.uploader != nil {
		uploaded, err := t.uploader(v)
		if err != nil {
			return err
		}
		v = uploaded
	}

	t.mu.Lock()
	if t.cardinality == cardinalityUnset {
		t.cardinality = cardinalitySingle
	}
	if t.cardinality == cardinalitySingle {
		t.single = v
		t.mu.Unlock()
		return nil
	}
	t.multi = append(t.multi, v)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if t.webhook != nil {
		t.webhook(snap, webhook.EventOutput)
	}
	return nil
}

// AppendLogs concatenates chunk onto the log buffer.
func (t *PredictTask) AppendLogs(chunk string) error {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if t.resp.Status.IsCompleted() {
		t.mu.Unlock()
		return ErrTaskCompleted
	}
	t.resp.Logs += chunk
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if t.webhook != nil {
		t.webhook(snap, webhook.EventLogs)
	}
	return nil
}

func (t *PredictTask) Succeeded() error {
	return t.finish(StatusSucceeded, "")
}

func (t *PredictTask) Failed(msg string) error {
	return t.finish(StatusFailed, msg)
}

func (t *PredictTask) Canceled() error {
	return t.finish(StatusCanceled, "")
}

func (t *PredictTask) finish(status Status, errMsg string) error {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if t.resp.Status.IsCompleted() {
		t.mu.Unlock()
		return ErrTaskCompleted
	}
	completedAt := t.now()
	t.resp.Status = status
	t.resp.Error = errMsg
	t.resp.CompletedAt = util.FormatTime(completedAt)
	if status == StatusSucceeded {
		if t.resp.Metrics == nil {
			t.resp.Metrics = make(map[string]any)
		}
		t.resp.Metrics["predict_time"] = completedAt.Sub(t.startedAt).Seconds()
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if t.webhook == nil {
		close(t.done)
		return nil
	}
	// Earlier notifications were already handed off under notifyMu, and no
	// mutation follows a terminal one, so order holds without blocking the
	// caller on delivery.
	go func() {
		t.webhook(snap, webhook.EventCompleted)
		close(t.done)
	}()
	return nil
}

func (t *PredictTask) completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resp.Status.IsCompleted()
}

// Done reports whether the prediction reached a terminal status.
func (t *PredictTask) Done() bool {
	return t.completed()
}

// Wait blocks until the terminal transition, including delivery of the
// completed webhook, has finished or ctx is done.
func (t *PredictTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns a snapshot of the prediction. It is safe to call at any
// time and never shares mutable state with the task.
func (t *PredictTask) Result() PredictionResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *PredictTask) snapshotLocked() PredictionResponse {
	r := t.resp
	r.Metrics = maps.Clone(t.resp.Metrics)
	switch t.cardinality {
	case cardinalityMulti:
		out := make([]any, len(t.multi))
		copy(out, t.multi)
		r.Output = out
	case cardinalitySingle:
		r.Output = t.single
	}
	return r
}
