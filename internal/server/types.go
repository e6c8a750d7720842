package server

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/replicate/cog-serve/internal/prediction"
)

type Status int

const (
	StatusStarting Status = iota
	StatusSetupFailed
	StatusReady
	StatusBusy
	StatusDefunct
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "STARTING"
	case StatusSetupFailed:
		return "SETUP_FAILED"
	case StatusReady:
		return "READY"
	case StatusBusy:
		return "BUSY"
	case StatusDefunct:
		return "DEFUNCT"
	default:
		return "INVALID"
	}
}

func statusFromState(s prediction.State) Status {
	switch s {
	case prediction.StateSetupFailed:
		return StatusSetupFailed
	case prediction.StateReadyIdle:
		return StatusReady
	case prediction.StatePredicting:
		return StatusBusy
	default:
		return StatusStarting
	}
}

type HealthCheck struct {
	Status string                  `json:"status"`
	Setup  *prediction.SetupResult `json:"setup,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Model exposes the OpenAPI schema the model reported, both nil until it is
// known.
type Model interface {
	Schema() []byte
	SchemaDoc() *openapi3.T
}

type Config struct {
	// Shutdown is called on POST /shutdown.
	Shutdown func()
}
