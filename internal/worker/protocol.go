package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/replicate/cog-serve/internal/prediction"
)

// Lines the worker writes to stdout with this prefix carry a JSON envelope.
// Everything else is model output and becomes a log event.
const linePrefix = "[coglet] "

type envelope struct {
	Type        string          `json:"type"`
	Message     string          `json:"message,omitempty"`
	Source      string          `json:"source,omitempty"`
	Value       any             `json:"value,omitempty"`
	Error       bool            `json:"error,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	Canceled    bool            `json:"canceled,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// frame is one decoded line: either an event or a schema document.
type frame struct {
	event  prediction.Event
	schema json.RawMessage
}

type request struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Input any    `json:"input,omitempty"`
}

func decodeLine(line string, source prediction.LogSource) (frame, error) {
	if source != prediction.SourceStdout || !strings.HasPrefix(line, linePrefix) {
		return frame{event: prediction.Log{Message: line + "\n", Source: source}}, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, linePrefix)), &env); err != nil {
		return frame{}, fmt.Errorf("failed to decode worker message: %w", err)
	}
	switch env.Type {
	case "log":
		src := prediction.SourceStdout
		if env.Source == string(prediction.SourceStderr) {
			src = prediction.SourceStderr
		}
		return frame{event: prediction.Log{Message: env.Message, Source: src}}, nil
	case "output":
		return frame{event: prediction.Output{Value: env.Value}}, nil
	case "done":
		return frame{event: prediction.Done{
			Error:       env.Error,
			ErrorDetail: env.ErrorDetail,
			Canceled:    env.Canceled,
		}}, nil
	case "schema":
		if len(env.Schema) == 0 {
			return frame{}, errors.New("schema message without schema")
		}
		return frame{schema: env.Schema}, nil
	default:
		return frame{}, fmt.Errorf("unknown worker message type: %q", env.Type)
	}
}

func encodeRequest(r request) ([]byte, error) {
	bs, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker request: %w", err)
	}
	return append(bs, '\n'), nil
}
