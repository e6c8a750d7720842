package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"

	"github.com/replicate/cog-serve/internal/prediction"
	"github.com/replicate/cog-serve/internal/schema"
)

var (
	ErrNotStarted = errors.New("worker not started")
	ErrDefunct    = errors.New("worker is defunct")
	ErrBusy       = errors.New("worker operation already running")
	ErrExited     = errors.New("worker exited unexpectedly")
)

const maxLineSize = 64 << 20

type killFunc func(pid int, sig syscall.Signal) error

type Config struct {
	// Command and arguments of the model process.
	Command  []string
	Dir      string
	EnvSet   map[string]string
	EnvUnset []string
	// How long the process may take to exit after stdin is closed before the
	// process group is killed. Zero kills immediately.
	ShutdownGracePeriod time.Duration
	// Plain model output is copied here, if set.
	Stdout io.Writer
	Stderr io.Writer
}

type opKind string

const (
	opSetup   opKind = "setup"
	opPredict opKind = "predict"
)

// ProcessWorker runs the model in a child process and speaks the line
// protocol with it over stdin and stdout.
type ProcessWorker struct {
	cfg    Config
	logger *zap.Logger
	hub    *Hub
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	killFn killFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	started  bool
	stopping bool
	exited   bool
	killed   bool
	current  *prediction.Handle
	op       opKind
	inputs   *inputFiles
	schema   []byte
	doc      *openapi3.T

	stopped chan struct{}
}

var _ prediction.Worker = (*ProcessWorker)(nil)

func New(cfg Config, logger *zap.Logger) (*ProcessWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker command is required")
	}
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...) //nolint:gosec // expected subprocess launched with variable
	cmd.Dir = cfg.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = mergeEnv(os.Environ(), cfg.EnvSet, cfg.EnvUnset)

	return &ProcessWorker{
		cfg:     cfg,
		logger:  logger.Named("worker"),
		hub:     NewHub(),
		cmd:     cmd,
		stopped: make(chan struct{}),
	}, nil
}

// Start launches the model process. Setup must be called afterwards to load
// the model.
func (w *ProcessWorker) Start() error {
	log := w.logger.Sugar()

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr: %w", err)
	}
	if err := w.cmd.Start(); err != nil {
		log.Errorw("failed to start worker", "command", w.cfg.Command, "error", err)
		return fmt.Errorf("failed to start worker: %w", err)
	}

	w.mu.Lock()
	w.stdin = stdin
	w.started = true
	w.mu.Unlock()
	log.Infow("worker started", "pid", w.cmd.Process.Pid, "command", w.cfg.Command)

	var readers sync.WaitGroup
	readers.Go(func() { w.scan(stdout, prediction.SourceStdout) })
	readers.Go(func() { w.scan(stderr, prediction.SourceStderr) })
	go w.wait(&readers)
	return nil
}

func (w *ProcessWorker) Subscribe(fn prediction.Subscriber) prediction.SubscriptionID {
	return w.hub.Subscribe(fn)
}

func (w *ProcessWorker) Unsubscribe(id prediction.SubscriptionID) {
	w.hub.Unsubscribe(id)
}

func (w *ProcessWorker) Setup(context.Context) *prediction.Handle {
	h, ok := w.claim(opSetup, nil)
	if !ok {
		return h
	}
	if err := w.write(request{Type: string(opSetup)}); err != nil {
		w.abort(h, err)
	}
	return h
}

func (w *ProcessWorker) Predict(ctx context.Context, req prediction.PredictionRequest) *prediction.Handle {
	inputs := newInputFiles()
	h, ok := w.claim(opPredict, inputs)
	if !ok {
		return h
	}

	w.mu.Lock()
	fields := schema.PathFields(w.doc)
	w.mu.Unlock()
	input, err := inputs.process(ctx, req.Input, fields)
	if err != nil {
		w.abort(h, err)
		return h
	}
	if err := w.write(request{Type: string(opPredict), ID: req.ID, Input: input}); err != nil {
		w.abort(h, err)
	}
	return h
}

// claim reserves the worker for one operation. The returned handle is
// already failed when ok is false.
func (w *ProcessWorker) claim(op opKind, inputs *inputFiles) (*prediction.Handle, bool) {
	h := prediction.NewHandle()
	w.mu.Lock()
	var err error
	switch {
	case !w.started:
		err = ErrNotStarted
	case w.exited || w.stopping:
		err = ErrDefunct
	case w.current != nil:
		err = fmt.Errorf("%w: %s", ErrBusy, w.op)
	}
	if err != nil {
		w.mu.Unlock()
		h.Fail(err)
		return h, false
	}
	w.current = h
	w.op = op
	w.inputs = inputs
	w.mu.Unlock()
	return h, true
}

// release clears the running operation if it is still h.
func (w *ProcessWorker) release(h *prediction.Handle) bool {
	w.mu.Lock()
	if w.current != h || h == nil {
		w.mu.Unlock()
		return false
	}
	inputs := w.inputs
	w.current = nil
	w.inputs = nil
	w.mu.Unlock()
	if inputs != nil {
		inputs.cleanup()
	}
	return true
}

func (w *ProcessWorker) abort(h *prediction.Handle, err error) {
	w.logger.Sugar().Errorw("failed to start operation", "error", err)
	if w.release(h) {
		h.Fail(err)
	}
}

func (w *ProcessWorker) write(r request) error {
	bs, err := encodeRequest(r)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.stdin.Write(bs); err != nil {
		return fmt.Errorf("failed to write worker request: %w", err)
	}
	return nil
}

// Cancel asks the running prediction to stop. The model reports the result
// as a canceled done message.
func (w *ProcessWorker) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil || w.op != opPredict || w.exited {
		return nil
	}
	w.logger.Sugar().Infow("canceling prediction", "pid", w.cmd.Process.Pid)
	return w.kill(w.cmd.Process.Pid, syscall.SIGUSR1)
}

func (w *ProcessWorker) OutputMulti() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return schema.OutputIsMulti(w.doc)
}

// Schema returns the raw OpenAPI document reported by the model, nil until
// it has been received.
func (w *ProcessWorker) Schema() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.schema
}

func (w *ProcessWorker) SchemaDoc() *openapi3.T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doc
}

// Done is closed once the process has exited.
func (w *ProcessWorker) Done() <-chan struct{} {
	return w.stopped
}

// ExitCode is only meaningful after Done is closed.
func (w *ProcessWorker) ExitCode() int {
	return w.cmd.ProcessState.ExitCode()
}

// Stop asks the process to exit by closing its stdin and kills the process
// group if it is still running after the grace period.
func (w *ProcessWorker) Stop() {
	log := w.logger.Sugar()

	w.mu.Lock()
	if !w.started || w.stopping || w.exited {
		w.mu.Unlock()
		return
	}
	w.stopping = true
	stdin := w.stdin
	w.mu.Unlock()

	log.Infow("stop requested", "grace_period", w.cfg.ShutdownGracePeriod)
	if err := stdin.Close(); err != nil {
		log.Warnw("failed to close worker stdin", "error", err)
	}

	if w.cfg.ShutdownGracePeriod <= 0 {
		w.ForceKill()
		return
	}
	go func() {
		timer := time.NewTimer(w.cfg.ShutdownGracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
			log.Infow("grace period expired, force killing", "grace_period", w.cfg.ShutdownGracePeriod)
			w.ForceKill()
		case <-w.stopped:
		}
	}()
}

// Shutdown stops the process and waits for it to exit. It is idempotent.
func (w *ProcessWorker) Shutdown() error {
	w.Stop()
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.stopped
	}
	return nil
}

// ForceKill immediately kills the process group. Later calls are no-ops.
func (w *ProcessWorker) ForceKill() {
	log := w.logger.Sugar()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.killed || !w.started || w.exited {
		return
	}
	pid := w.cmd.Process.Pid
	log.Infow("force killing process group", "pid", pid)
	if err := w.kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Errorw("failed to kill process group", "pid", pid, "error", err)
		return
	}
	w.killed = true
}

func (w *ProcessWorker) kill(pid int, sig syscall.Signal) error {
	fn := w.killFn
	if fn == nil {
		fn = syscall.Kill
	}
	return fn(pid, sig)
}

func (w *ProcessWorker) scan(r io.Reader, source prediction.LogSource) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		w.handleLine(scanner.Text(), source)
	}
	if err := scanner.Err(); err != nil {
		w.logger.Sugar().Errorw("failed to read worker output", "source", string(source), "error", err)
		// keep the pipe drained so the child never blocks on a write
		_, _ = io.Copy(io.Discard, r)
	}
}

func (w *ProcessWorker) handleLine(line string, source prediction.LogSource) {
	log := w.logger.Sugar()
	fr, err := decodeLine(line, source)
	if err != nil {
		log.Errorw("invalid worker message", "line", line, "error", err)
		return
	}
	if fr.schema != nil {
		w.setSchema(fr.schema)
		return
	}

	if l, ok := fr.event.(prediction.Log); ok {
		w.passthrough(l)
	}
	d, ok := fr.event.(prediction.Done)
	if !ok {
		w.hub.Publish(fr.event)
		return
	}

	// The worker is idle by the time subscribers see Done, so they may start
	// the next operation. The handle still resolves after them.
	w.mu.Lock()
	h := w.current
	w.mu.Unlock()
	released := w.release(h)
	w.hub.Publish(d)
	if released {
		h.Resolve(d)
	}
}

func (w *ProcessWorker) setSchema(raw []byte) {
	log := w.logger.Sugar()
	doc, err := schema.Load(raw)
	if err != nil {
		log.Errorw("failed to load schema", "error", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.schema = slices.Clone(raw)
	w.doc = doc
	log.Infow("received schema", "output_multi", schema.OutputIsMulti(doc))
}

func (w *ProcessWorker) passthrough(l prediction.Log) {
	out := w.cfg.Stdout
	if l.Source == prediction.SourceStderr {
		out = w.cfg.Stderr
	}
	if out != nil {
		_, _ = io.WriteString(out, l.Message)
	}
}

func (w *ProcessWorker) wait(readers *sync.WaitGroup) {
	log := w.logger.Sugar()
	readers.Wait()
	err := w.cmd.Wait()

	w.mu.Lock()
	w.exited = true
	stopping := w.stopping
	h := w.current
	w.mu.Unlock()

	state := w.cmd.ProcessState.String()
	switch {
	case err != nil && !stopping:
		log.Errorw("worker exited with error", "pid", w.cmd.Process.Pid, "state", state, "error", err)
	default:
		log.Infow("worker exited", "pid", w.cmd.Process.Pid, "state", state)
	}

	if w.release(h) {
		h.Fail(fmt.Errorf("%w (%s)", ErrExited, state))
	}
	close(w.stopped)
}

func mergeEnv(env []string, envSet map[string]string, envUnset []string) []string {
	environment := make(map[string]string)
	for _, e := range env {
		k, v, _ := strings.Cut(e, "=")
		environment[k] = v
	}
	for k, v := range envSet {
		environment[k] = v
	}
	for _, k := range envUnset {
		delete(environment, k)
	}
	finalEnv := make([]string, 0, len(environment))
	for _, k := range slices.Sorted(maps.Keys(environment)) {
		finalEnv = append(finalEnv, k+"="+environment[k])
	}
	return finalEnv
}
