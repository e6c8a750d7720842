package worker

import (
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/replicate/cog-serve/internal/prediction"
)

const fakeModel = `
echo '[coglet] {"type":"schema","schema":{"openapi":"3.0.2","info":{"title":"Cog","version":"0.1.0"},"paths":{},"components":{"schemas":{"Output":{"type":"array","items":{"type":"string"},"x-cog-array-type":"iterator"}}}}}'
canceled=0
trap 'canceled=1' USR1
while IFS= read -r line; do
  case "$line" in
    *'"type":"setup"'*)
      echo "loading weights"
      echo '[coglet] {"type":"done"}'
      ;;
    *'"slow"'*)
      canceled=0
      echo "slow started"
      i=0
      while [ "$canceled" = 0 ] && [ "$i" -lt 200 ]; do
        sleep 0.05
        i=$((i+1))
      done
      if [ "$canceled" = 1 ]; then
        echo '[coglet] {"type":"done","canceled":true}'
      else
        echo '[coglet] {"type":"done"}'
      fi
      ;;
    *'"crash"'*)
      echo "about to crash" >&2
      exit 3
      ;;
    *'"type":"predict"'*)
      echo "predicting" >&2
      echo '[coglet] {"type":"output","value":"a"}'
      echo '[coglet] {"type":"output","value":"b"}'
      echo '[coglet] {"type":"done"}'
      ;;
  esac
done
`

func startFakeModel(t *testing.T) *ProcessWorker {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	w, err := New(Config{
		Command:             []string{"sh", "-c", fakeModel},
		ShutdownGracePeriod: 5 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Shutdown() })
	return w
}

type eventLog struct {
	mu     sync.Mutex
	events []prediction.Event
}

func (l *eventLog) add(e prediction.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []prediction.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]prediction.Event(nil), l.events...)
}

func waitHandle(t *testing.T, h *prediction.Handle) (prediction.Done, error) {
	t.Helper()
	select {
	case <-h.Done():
		return h.Result()
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for worker")
		return prediction.Done{}, nil
	}
}

func TestProcessWorkerSetupAndPredict(t *testing.T) {
	t.Parallel()
	w := startFakeModel(t)

	events := &eventLog{}
	w.Subscribe(events.add)

	d, err := waitHandle(t, w.Setup(t.Context()))
	require.NoError(t, err)
	assert.Equal(t, prediction.Done{}, d)
	assert.Equal(t, []prediction.Event{
		prediction.Log{Message: "loading weights\n", Source: prediction.SourceStdout},
		prediction.Done{},
	}, events.snapshot())
	assert.True(t, w.OutputMulti())
	assert.NotEmpty(t, w.Schema())

	events = &eventLog{}
	id := w.Subscribe(events.add)
	defer w.Unsubscribe(id)

	d, err = waitHandle(t, w.Predict(t.Context(), prediction.PredictionRequest{ID: "p1", Input: map[string]any{"text": "giraffes"}}))
	require.NoError(t, err)
	assert.Equal(t, prediction.Done{}, d)

	// stderr is read concurrently with stdout, only stdout order is fixed
	var stdout []prediction.Event
	for _, e := range events.snapshot() {
		if l, ok := e.(prediction.Log); ok && l.Source == prediction.SourceStderr {
			continue
		}
		stdout = append(stdout, e)
	}
	assert.Equal(t, []prediction.Event{
		prediction.Output{Value: "a"},
		prediction.Output{Value: "b"},
		prediction.Done{},
	}, stdout)
}

func TestProcessWorkerRejectsConcurrentOperations(t *testing.T) {
	t.Parallel()
	w := startFakeModel(t)
	_, err := waitHandle(t, w.Setup(t.Context()))
	require.NoError(t, err)

	started := make(chan struct{})
	var once sync.Once
	id := w.Subscribe(func(e prediction.Event) {
		if l, ok := e.(prediction.Log); ok && l.Message == "slow started\n" {
			once.Do(func() { close(started) })
		}
	})
	defer w.Unsubscribe(id)

	slow := w.Predict(t.Context(), prediction.PredictionRequest{ID: "p1", Input: map[string]any{"mode": "slow"}})
	_, err = waitHandle(t, w.Predict(t.Context(), prediction.PredictionRequest{ID: "p2", Input: map[string]any{}}))
	require.ErrorIs(t, err, ErrBusy)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("slow prediction never started")
	}
	require.NoError(t, w.Cancel())
	d, err := waitHandle(t, slow)
	require.NoError(t, err)
	assert.True(t, d.Canceled)
}

func TestProcessWorkerCancelIdle(t *testing.T) {
	t.Parallel()
	w := startFakeModel(t)
	assert.NoError(t, w.Cancel())
}

func TestProcessWorkerCrash(t *testing.T) {
	t.Parallel()
	w := startFakeModel(t)
	_, err := waitHandle(t, w.Setup(t.Context()))
	require.NoError(t, err)

	_, err = waitHandle(t, w.Predict(t.Context(), prediction.PredictionRequest{ID: "p1", Input: map[string]any{"mode": "crash"}}))
	require.ErrorIs(t, err, ErrExited)
	assert.Contains(t, err.Error(), "exit status 3")

	<-w.Done()
	assert.Equal(t, 3, w.ExitCode())

	_, err = waitHandle(t, w.Predict(t.Context(), prediction.PredictionRequest{ID: "p2", Input: map[string]any{}}))
	assert.ErrorIs(t, err, ErrDefunct)
}

func TestProcessWorkerNotStarted(t *testing.T) {
	t.Parallel()
	w, err := New(Config{Command: []string{"true"}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = waitHandle(t, w.Setup(t.Context()))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, w.Shutdown())
}

func TestProcessWorkerGracefulShutdown(t *testing.T) {
	t.Parallel()
	w := startFakeModel(t)
	require.NoError(t, w.Shutdown())
	assert.Equal(t, 0, w.ExitCode())
	require.NoError(t, w.Shutdown())
}

func TestNewRequiresCommand(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestForceKill(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	w, err := New(Config{Command: []string{"sleep", "30"}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	var calls []int
	w.killFn = func(pid int, sig syscall.Signal) error {
		mu.Lock()
		calls = append(calls, pid)
		mu.Unlock()
		return syscall.Kill(pid, sig)
	}
	require.NoError(t, w.Start())
	pid := w.cmd.Process.Pid

	w.ForceKill()
	w.ForceKill()
	<-w.Done()
	w.ForceKill()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{-pid}, calls)
}

func TestForceKillTreatsMissingProcessAsKilled(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	w, err := New(Config{Command: []string{"sleep", "30"}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	calls := 0
	w.killFn = func(int, syscall.Signal) error {
		calls++
		return syscall.ESRCH
	}
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		_ = syscall.Kill(-w.cmd.Process.Pid, syscall.SIGKILL)
		<-w.Done()
	})

	w.ForceKill()
	w.ForceKill()
	assert.Equal(t, 1, calls)
}
