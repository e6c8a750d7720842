package prediction

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when setup is requested more than once.
	ErrConflict = errors.New("setup already started")
	// ErrBusy is returned when a prediction cannot be admitted right now.
	ErrBusy = errors.New("service busy")
	// ErrSetupFailed is returned by Predict once setup has failed. It also
	// matches ErrBusy.
	ErrSetupFailed = fmt.Errorf("%w: setup failed", ErrBusy)
	// ErrInvalidID is returned by Cancel for an empty prediction id.
	ErrInvalidID = errors.New("prediction id is required")
	// ErrUnknownPrediction is returned by Cancel when the id does not match
	// the in-flight prediction.
	ErrUnknownPrediction = errors.New("unknown prediction")
	// ErrTaskCompleted is returned when a task is mutated after its terminal
	// transition.
	ErrTaskCompleted = errors.New("prediction already completed")
	ErrCardinalitySet = errors.New("output cardinality already set")
)
