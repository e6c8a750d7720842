package prediction

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/replicate/cog-serve/internal/webhook"
)

// NewWebhookSender returns a WebhookSender that delivers the snapshots of one
// prediction to url in order. Intermediate events are queued, the completed
// event blocks until every delivery has been attempted.
func NewWebhookSender(ctx context.Context, sender webhook.Sender, url string, filter []webhook.Event, logger *zap.Logger) WebhookSender {
	log := logger.Sugar()
	q := webhook.NewQueue(ctx, sender, url, filter, logger)
	return func(resp PredictionResponse, event webhook.Event) {
		body, err := json.Marshal(resp)
		if err != nil {
			log.Errorw("failed to marshal prediction response", "id", resp.ID, "event", string(event), "error", err)
			if event == webhook.EventCompleted {
				q.Close()
			}
			return
		}
		if event == webhook.EventCompleted {
			q.Flush(event, body)
			return
		}
		q.Enqueue(event, body)
	}
}
