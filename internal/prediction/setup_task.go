package prediction

import (
	"context"
	"slices"
	"sync"
	"time"
)

type SetupTaskOption func(*SetupTask)

func WithSetupClock(clock Clock) SetupTaskOption {
	return func(t *SetupTask) {
		t.now = clock
	}
}

// SetupTask accumulates the event stream of the model setup into a
// SetupResult.
type SetupTask struct {
	now Clock

	mu     sync.Mutex
	result SetupResult
	done   chan struct{}
}

func NewSetupTask(opts ...SetupTaskOption) *SetupTask {
	t := &SetupTask{
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.result.StartedAt = t.now()
	return t
}

// HandleEvent applies one worker event. Events after the terminal one are
// ignored.
func (t *SetupTask) HandleEvent(e Event) {
	e = Normalize(e)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result.Status != "" {
		return
	}

	switch ev := e.(type) {
	case Log:
		t.result.Logs = append(t.result.Logs, ev.Message)
	case Done:
		if ev.Error {
			t.result.Status = SetupFailed
			if ev.Trace != "" {
				t.result.Logs = append(t.result.Logs, ev.Trace)
			}
		} else {
			t.result.Status = SetupSucceeded
		}
		t.result.CompletedAt = t.now()
		close(t.done)
	}
}

func (t *SetupTask) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Result returns a snapshot, partial while setup is running.
func (t *SetupTask) Result() SetupResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.result
	r.Logs = slices.Clone(t.result.Logs)
	return r
}

// Wait blocks until setup is done or ctx is done.
func (t *SetupTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
