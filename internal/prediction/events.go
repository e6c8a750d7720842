package prediction

import "fmt"

type LogSource string

const (
	SourceStdout LogSource = "stdout"
	SourceStderr LogSource = "stderr"
)

// Event is one item of a worker event stream. Every stream ends with exactly
// one Done or Fault.
type Event interface {
	isEvent()
}

// Log is a chunk of textual output from the model.
type Log struct {
	Message string
	Source  LogSource
}

// Output is one value produced by a prediction.
type Output struct {
	Value any
}

// Done terminates a stream. Trace is only set when the Done was produced
// from a Fault.
type Done struct {
	Error       bool
	ErrorDetail string
	Canceled    bool
	Trace       string
}

// Fault is an unexpected failure surfaced in place of a clean Done, e.g. the
// worker process dying mid-prediction.
type Fault struct {
	Err error
}

func (Log) isEvent()    {}
func (Output) isEvent() {}
func (Done) isEvent()   {}
func (Fault) isEvent()  {}

// Normalize turns a Fault into the equivalent failed Done. Other events are
// returned unchanged.
func Normalize(e Event) Event {
	f, ok := e.(Fault)
	if !ok {
		return e
	}
	msg := "unknown error"
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return Done{
		Error:       true,
		ErrorDetail: msg,
		Trace:       fmt.Sprintf("Unhandled worker fault: %s\n", msg),
	}
}

// IsTerminal reports whether e ends a stream.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case Done, Fault:
		return true
	default:
		return false
	}
}
