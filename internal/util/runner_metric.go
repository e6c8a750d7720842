package util

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type MetricsPayload struct {
	Source string         `json:"source,omitempty"`
	Type   string         `json:"type,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// SendRunnerMetric reports the model's build flags to endpoint.
func SendRunnerMetric(ctx context.Context, client *http.Client, endpoint string, y CogYaml) error {
	body, err := json.Marshal(MetricsPayload{
		Source: "cog-serve",
		Type:   "runner",
		Data: map[string]any{
			"gpu":         y.Build.GPU,
			"fast":        y.Build.Fast,
			"concurrency": y.Concurrency.Max,
			"version":     Version(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal runner metric: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create runner metric request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send runner metric: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send runner metric: status %d", resp.StatusCode)
	}
	return nil
}
