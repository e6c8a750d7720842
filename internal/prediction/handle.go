package prediction

import "sync"

// Handle tracks completion of one worker operation. It resolves exactly once,
// either with the terminal Done or with an error.
type Handle struct {
	mu        sync.Mutex
	resolved  bool
	done      chan struct{}
	result    Done
	err       error
	callbacks []func(Done, error)
}

func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Resolve completes the handle with d. Returns false if it was already
// resolved.
func (h *Handle) Resolve(d Done) bool {
	return h.complete(d, nil)
}

// Fail completes the handle with err. Returns false if it was already
// resolved.
func (h *Handle) Fail(err error) bool {
	return h.complete(Done{}, err)
}

func (h *Handle) complete(d Done, err error) bool {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return false
	}
	h.resolved = true
	h.result = d
	h.err = err
	cbs := h.callbacks
	h.callbacks = nil
	close(h.done)
	h.mu.Unlock()

	for _, cb := range cbs {
		cb(d, err)
	}
	return true
}

// OnDone registers fn to run once the handle resolves. fn runs on the
// resolving goroutine, or immediately if the handle is already resolved.
func (h *Handle) OnDone(fn func(Done, error)) {
	h.mu.Lock()
	if !h.resolved {
		h.callbacks = append(h.callbacks, fn)
		h.mu.Unlock()
		return
	}
	d, err := h.result, h.err
	h.mu.Unlock()
	fn(d, err)
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal Done and error. Only meaningful after Done()
// is closed.
func (h *Handle) Result() (Done, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
