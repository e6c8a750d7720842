package prediction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/replicate/cog-serve/internal/metrics"
	"github.com/replicate/cog-serve/internal/util"
	"github.com/replicate/cog-serve/internal/webhook"
)

type State string

const (
	StateNoSetup     State = "NO_SETUP"
	StateSettingUp   State = "SETTING_UP"
	StateSetupFailed State = "SETUP_FAILED"
	StateReadyIdle   State = "READY_IDLE"
	StatePredicting  State = "PREDICTING"
)

func (s State) String() string {
	return string(s)
}

type Option func(*Service)

// WithWebhookSender enables webhook notifications for requests that carry a
// webhook URL.
func WithWebhookSender(sender webhook.Sender) Option {
	return func(s *Service) {
		s.webhookSender = sender
	}
}

// WithUploader sets the factory for the per-prediction file uploader.
func WithUploader(fn func(context.Context, PredictionRequest) FileUploader) Option {
	return func(s *Service) {
		s.uploader = fn
	}
}

func WithClock(clock Clock) Option {
	return func(s *Service) {
		s.now = clock
	}
}

// Service drives one Worker: it admits at most one setup per lifetime and one
// prediction at a time, and routes worker events to the active task.
type Service struct {
	worker        Worker
	logger        *zap.Logger
	webhookSender webhook.Sender
	uploader      func(context.Context, PredictionRequest) FileUploader
	now           Clock

	mu          sync.Mutex
	setupTask   *SetupTask
	predictTask *PredictTask
}

func NewService(worker Worker, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		worker: worker,
		logger: logger.Named("prediction"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Setup starts the model setup. It may only be called once.
func (s *Service) Setup(ctx context.Context) (*SetupTask, error) {
	log := s.logger.Sugar()

	s.mu.Lock()
	if s.setupTask != nil {
		s.mu.Unlock()
		metrics.AdmissionRejectedTotal.WithLabelValues("setup_conflict").Inc()
		return nil, ErrConflict
	}
	task := NewSetupTask(WithSetupClock(s.now))
	s.setupTask = task
	s.mu.Unlock()

	sub := newSubscription(s.worker)
	sub.start(task.HandleEvent)

	log.Info("starting setup")
	handle := s.worker.Setup(ctx)
	handle.OnDone(func(d Done, err error) {
		if err != nil {
			task.HandleEvent(Fault{Err: err})
		} else {
			// no-op if the worker already published it
			task.HandleEvent(d)
		}
		sub.cancel()

		r := task.Result()
		metrics.SetupDurationSeconds.WithLabelValues(string(r.Status)).Observe(r.CompletedAt.Sub(r.StartedAt).Seconds())
		if r.Status == SetupFailed {
			log.Errorw("setup failed", "duration", r.CompletedAt.Sub(r.StartedAt))
		} else {
			log.Infow("setup completed", "duration", r.CompletedAt.Sub(r.StartedAt))
		}
	})
	return task, nil
}

// Predict admits a new prediction, or fails with ErrBusy if the service
// cannot accept one right now. A request without an id gets a generated one.
func (s *Service) Predict(ctx context.Context, req PredictionRequest) (*PredictTask, error) {
	log := s.logger.Sugar()

	s.mu.Lock()
	if err := s.admitLocked(); err != nil {
		s.mu.Unlock()
		reason := "busy"
		switch {
		case errors.Is(err, ErrSetupFailed):
			reason = "setup_failed"
		case s.setupTask == nil || !s.setupTask.Done():
			reason = "not_ready"
		}
		metrics.AdmissionRejectedTotal.WithLabelValues(reason).Inc()
		return nil, err
	}

	if req.ID == "" {
		req.ID = util.PredictionID()
	}
	// The prediction outlives the call that admitted it
	detached := context.WithoutCancel(ctx)

	opts := []PredictTaskOption{WithTaskClock(s.now)}
	if req.Webhook != "" && s.webhookSender != nil {
		opts = append(opts, WithTaskWebhook(NewWebhookSender(detached, s.webhookSender, req.Webhook, req.WebhookEventsFilter, s.logger)))
	}
	if s.uploader != nil {
		if up := s.uploader(detached, req); up != nil {
			opts = append(opts, WithTaskUploader(up))
		}
	}
	task := NewPredictTask(req, opts...)

	sub := newSubscription(s.worker)
	r := &router{service: s, task: task, sub: sub}
	sub.start(r.handle)

	s.predictTask = task
	handle := s.worker.Predict(detached, req)
	s.mu.Unlock()

	metrics.PredictionsStartedTotal.Inc()
	log.Infow("prediction started", "id", req.ID)

	handle.OnDone(func(d Done, err error) {
		if err != nil {
			r.handle(Fault{Err: err})
		} else {
			r.handle(d)
		}
		sub.cancel()
	})
	return task, nil
}

func (s *Service) admitLocked() error {
	switch {
	case s.setupTask == nil:
		return fmt.Errorf("%w: setup has not started", ErrBusy)
	case !s.setupTask.Done():
		return fmt.Errorf("%w: setup has not completed", ErrBusy)
	case s.setupTask.Result().Status == SetupFailed:
		return ErrSetupFailed
	case s.predictTask != nil && !s.predictTask.Done():
		return fmt.Errorf("%w: prediction %s is running", ErrBusy, s.predictTask.ID())
	}
	return nil
}

// Cancel requests cancellation of the in-flight prediction with the given id.
func (s *Service) Cancel(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	// Held across worker.Cancel so a prediction admitted in between is not
	// canceled under the old id.
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.predictTask
	if task == nil || task.Done() || task.ID() != id {
		return fmt.Errorf("%w: %s", ErrUnknownPrediction, id)
	}
	s.logger.Sugar().Infow("canceling prediction", "id", id)
	return s.worker.Cancel()
}

// IsBusy reports whether a prediction would currently be rejected for lack
// of a completed setup or because one is already running.
func (s *Service) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setupTask == nil || !s.setupTask.Done() {
		return true
	}
	return s.predictTask != nil && !s.predictTask.Done()
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.setupTask == nil:
		return StateNoSetup
	case !s.setupTask.Done():
		return StateSettingUp
	case s.setupTask.Result().Status == SetupFailed:
		return StateSetupFailed
	case s.predictTask != nil && !s.predictTask.Done():
		return StatePredicting
	default:
		return StateReadyIdle
	}
}

// SetupResult returns the setup snapshot, false if setup was never started.
func (s *Service) SetupResult() (SetupResult, bool) {
	s.mu.Lock()
	task := s.setupTask
	s.mu.Unlock()
	if task == nil {
		return SetupResult{}, false
	}
	return task.Result(), true
}

// CurrentPrediction returns the most recently admitted prediction, which may
// already be done, or nil.
func (s *Service) CurrentPrediction() *PredictTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.predictTask
}

func (s *Service) Shutdown() error {
	return s.worker.Shutdown()
}

// router applies the event stream of one prediction to its task.
type router struct {
	service *Service
	task    *PredictTask
	sub     *subscription

	mu              sync.Mutex
	cardinalityOnce sync.Once
	outputErr       error
	finished        bool
}

func (r *router) handle(e Event) {
	log := r.service.logger.Sugar()
	e = Normalize(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}

	switch ev := e.(type) {
	case Log:
		_ = r.task.AppendLogs(ev.Message)
	case Output:
		r.cardinalityOnce.Do(func() {
			_ = r.task.SetOutputCardinality(r.service.worker.OutputMulti())
		})
		if err := r.task.AppendOutput(ev.Value); err != nil && !errors.Is(err, ErrTaskCompleted) {
			log.Errorw("failed to handle output", "id", r.task.ID(), "error", err)
			if r.outputErr == nil {
				r.outputErr = err
			}
		}
	case Done:
		r.finished = true
		r.finish(ev)
		r.sub.cancel()
	}
}

func (r *router) finish(d Done) {
	log := r.service.logger.Sugar()
	var err error
	switch {
	case d.Canceled:
		err = r.task.Canceled()
	case d.Error:
		if d.Trace != "" {
			_ = r.task.AppendLogs(d.Trace)
		}
		err = r.task.Failed(d.ErrorDetail)
	case r.outputErr != nil:
		err = r.task.Failed(fmt.Sprintf("failed to handle output: %s", r.outputErr))
	default:
		err = r.task.Succeeded()
	}
	if err != nil {
		return
	}

	res := r.task.Result()
	metrics.PredictionsCompletedTotal.WithLabelValues(string(res.Status)).Inc()
	started, perr := util.ParseTime(res.StartedAt)
	completed, cerr := util.ParseTime(res.CompletedAt)
	if perr == nil && cerr == nil {
		metrics.PredictTimeSeconds.WithLabelValues(string(res.Status)).Observe(completed.Sub(started).Seconds())
	}
	log.Infow("prediction completed", "id", res.ID, "status", string(res.Status))
}

// subscription unsubscribes from the worker at most once, and is safe to
// cancel from inside its own callback.
type subscription struct {
	worker Worker

	mu       sync.Mutex
	id       SubscriptionID
	canceled bool
}

func newSubscription(w Worker) *subscription {
	return &subscription{worker: w}
}

func (s *subscription) start(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = s.worker.Subscribe(fn)
}

func (s *subscription) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return
	}
	s.canceled = true
	s.worker.Unsubscribe(s.id)
}
