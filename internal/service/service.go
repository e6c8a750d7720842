package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/replicate/cog-serve/internal/config"
	"github.com/replicate/cog-serve/internal/prediction"
	"github.com/replicate/cog-serve/internal/server"
	"github.com/replicate/cog-serve/internal/uploader"
	"github.com/replicate/cog-serve/internal/util"
	"github.com/replicate/cog-serve/internal/webhook"
	"github.com/replicate/cog-serve/internal/worker"
)

const httpShutdownTimeout = 10 * time.Second

// Worker is the model process owned by the service.
type Worker interface {
	prediction.Worker
	server.Model
	Start() error
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	ExitCode() int
}

var _ Worker = (*worker.ProcessWorker)(nil)

type Option func(*Service)

// WithWorker replaces the subprocess worker built from the configuration.
func WithWorker(w Worker) Option {
	return func(s *Service) {
		s.worker = w
	}
}

// Service is the root lifecycle owner for the cog serve daemon
type Service struct {
	cfg config.Config

	// Lifecycle state
	started         chan struct{}
	stopped         chan struct{}
	shutdown        chan struct{}
	shutdownStarted atomic.Bool

	worker      Worker
	predictions *prediction.Service
	handler     *server.Handler
	httpServer  *http.Server
	listener    net.Listener

	logger *zap.Logger
}

// New creates a new Service with the given configuration
func New(cfg config.Config, baseLogger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
		shutdown: make(chan struct{}),
		logger:   baseLogger.Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize sets up the service components (idempotent)
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.initializeWorker(); err != nil {
		return err
	}
	if err := s.initializeHTTPServer(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Service) initializeWorker() error {
	if s.predictions != nil {
		return nil
	}
	log := s.logger.Sugar()

	if s.worker == nil {
		log.Infow("initializing worker", "command", s.cfg.Command(), "working_directory", s.cfg.WorkingDirectory)
		w, err := worker.New(worker.Config{
			Command:             s.cfg.Command(),
			Dir:                 s.cfg.WorkingDirectory,
			EnvSet:              s.cfg.EnvSet,
			EnvUnset:            s.cfg.EnvUnset,
			ShutdownGracePeriod: s.cfg.RunnerShutdownGracePeriod,
			Stdout:              os.Stdout,
			Stderr:              os.Stderr,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}
		s.worker = w
	}

	up := uploader.New(s.cfg.UploadURL, s.logger)
	s.predictions = prediction.NewService(s.worker, s.logger,
		prediction.WithWebhookSender(webhook.NewSender(s.logger)),
		prediction.WithUploader(up.ForRequest),
	)
	return nil
}

// initializeHTTPServer sets up the HTTP server if not already set
func (s *Service) initializeHTTPServer(ctx context.Context) error {
	if s.httpServer != nil {
		return nil
	}

	log := s.logger.Sugar()
	log.Info("initializing HTTP server")

	s.handler = server.NewHandler(server.Config{
		Shutdown: func() { s.Shutdown(ctx) },
	}, s.predictions, s.worker, s.logger)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           server.NewServeMux(s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return nil
}

// Addr is the address the HTTP server listens on, nil before Initialize.
func (s *Service) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Predictions exposes the prediction control plane, nil before Initialize.
func (s *Service) Predictions() *prediction.Service {
	return s.predictions
}

// Run starts the worker and its setup, serves HTTP and blocks until shutdown
func (s *Service) Run(ctx context.Context) error {
	log := s.logger.Sugar()

	select {
	case <-s.started:
		log.Errorw("service already started")
		return nil
	default:
	}

	if s.httpServer == nil {
		return errors.New("service not initialized - call Initialize() first")
	}

	log.Infow("starting service",
		"addr", s.Addr().String(),
		"await_explicit_shutdown", s.cfg.AwaitExplicitShutdown,
		"working_directory", s.cfg.WorkingDirectory,
		"version", util.Version(),
	)

	if err := s.worker.Start(); err != nil {
		_ = s.listener.Close()
		close(s.stopped)
		return fmt.Errorf("failed to start worker: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info("starting HTTP server")
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		return s.runSetup(egCtx)
	})

	eg.Go(func() error {
		reportCtx, cancel := context.WithCancel(egCtx)
		defer cancel()
		go func() {
			select {
			case <-s.shutdown:
				cancel()
			case <-reportCtx.Done():
			}
		}()
		s.reportRunner(reportCtx)
		return nil
	})

	eg.Go(func() error {
		select {
		case <-s.shutdown:
		case <-s.worker.Done():
			s.handler.MarkDefunct()
			if s.cfg.AwaitExplicitShutdown {
				log.Warnw("worker exited, awaiting explicit shutdown", "exit_code", s.worker.ExitCode())
				return nil
			}
			log.Infow("worker exited, shutting down", "exit_code", s.worker.ExitCode())
			s.Shutdown(ctx)
		}
		return nil
	})

	eg.Go(func() error {
		<-s.shutdown
		log.Info("initiating graceful shutdown")
		s.handler.Stop()

		log.Info("stopping worker")
		if err := s.predictions.Shutdown(); err != nil {
			log.Errorw("error stopping worker", "error", err)
		}

		log.Info("closing HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("graceful HTTP shutdown failed, closing", "error", err)
			return s.httpServer.Close()
		}
		return nil
	})

	// Monitor for context cancellation (handles external cancellation)
	eg.Go(func() error {
		select {
		case <-s.shutdown:
			return nil
		case <-egCtx.Done():
			log.Info("context canceled, forcing immediate shutdown")
			if s.shutdownStarted.CompareAndSwap(false, true) {
				close(s.shutdown)
			}
			if err := s.httpServer.Close(); err != nil {
				log.Errorw("failed to close HTTP server", "error", err)
			}
			return egCtx.Err()
		}
	})

	// Handle OS signals only in await-explicit-shutdown mode
	if s.cfg.AwaitExplicitShutdown {
		eg.Go(func() error {
			return s.handleSignals(egCtx)
		})
	}

	close(s.started)

	err := eg.Wait()

	s.stop()

	return err
}

// runSetup starts setup and waits for it. Without await-explicit-shutdown a
// failed or timed out setup stops the service.
func (s *Service) runSetup(ctx context.Context) error {
	log := s.logger.Sugar()

	task, err := s.predictions.Setup(ctx)
	if err != nil {
		return fmt.Errorf("failed to start setup: %w", err)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.cfg.SetupTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(waitCtx, s.cfg.SetupTimeout)
		defer cancel()
	}
	go func() {
		select {
		case <-s.shutdown:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := task.Wait(waitCtx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		log.Errorw("setup timed out", "timeout", s.cfg.SetupTimeout)
	} else if res := task.Result(); res.Status == prediction.SetupSucceeded {
		return nil
	}

	if s.cfg.AwaitExplicitShutdown {
		log.Warn("setup did not succeed, awaiting explicit shutdown")
		return nil
	}
	log.Error("setup did not succeed, shutting down")
	s.Shutdown(ctx)
	return nil
}

// reportRunner warns about cog.yaml settings the daemon does not honor and
// sends the runner metric once.
func (s *Service) reportRunner(ctx context.Context) {
	log := s.logger.Sugar()
	y, err := util.ReadCogYaml(s.workingDirectory())
	if err != nil {
		log.Debugw("no cog.yaml, skipping runner metric", "error", err)
		return
	}
	if y.Concurrency.Max > 1 {
		log.Warnw("cog.yaml requests concurrent predictions, running one at a time", "max", y.Concurrency.Max)
	}
	if s.cfg.MetricsEndpoint == "" {
		return
	}
	if err := util.SendRunnerMetric(ctx, util.HTTPClientWithRetry(), s.cfg.MetricsEndpoint, *y); err != nil {
		log.Errorw("failed to send runner metric", "endpoint", s.cfg.MetricsEndpoint, "error", err)
	}
}

func (s *Service) workingDirectory() string {
	if s.cfg.WorkingDirectory != "" {
		return s.cfg.WorkingDirectory
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// ExitCode is the worker's exit code once it has stopped.
func (s *Service) ExitCode() int {
	select {
	case <-s.worker.Done():
		return s.worker.ExitCode()
	default:
		return 0
	}
}

// Shutdown initiates graceful shutdown of the service (non-blocking)
func (s *Service) Shutdown(ctx context.Context) {
	log := s.logger.Sugar()
	log.Info("shutdown requested")

	// Use atomic CAS to ensure only one shutdown
	if !s.shutdownStarted.CompareAndSwap(false, true) {
		log.Debug("already shutting down")
		return
	}

	close(s.shutdown)
}

// stop performs final cleanup after shutdown
func (s *Service) stop() {
	log := s.logger.Sugar()
	log.Info("stopping service")

	select {
	case <-s.stopped:
		log.Debug("service already stopped")
	default:
		close(s.stopped)
	}
}

// IsStarted returns true if the service has been started
func (s *Service) IsStarted() bool {
	select {
	case <-s.started:
		return true
	default:
		return false
	}
}

// IsStopped returns true if the service has been stopped
func (s *Service) IsStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// IsRunning returns true if the service is running (started but not stopped)
func (s *Service) IsRunning() bool {
	return s.IsStarted() && !s.IsStopped()
}

// handleSignals handles SIGTERM in await-explicit-shutdown mode
func (s *Service) handleSignals(ctx context.Context) error {
	log := s.logger.Sugar()
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case <-s.shutdown:
		return nil
	case <-ctx.Done():
		return nil
	case <-ch:
		log.Info("received SIGTERM, starting graceful shutdown")
		s.Shutdown(ctx)
		return nil
	}
}
