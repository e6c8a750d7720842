package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewServeMux registers the prediction API. Predictions and trainings share
// the same handlers since a process serves exactly one model.
func NewServeMux(handler *Handler) http.Handler {
	serveMux := http.NewServeMux()
	serveMux.HandleFunc("GET /{$}", handler.Root)
	serveMux.HandleFunc("GET /health-check", handler.HealthCheck)
	serveMux.HandleFunc("GET /ready", handler.Ready)
	serveMux.HandleFunc("GET /openapi.json", handler.OpenAPI)
	serveMux.Handle("GET /metrics", promhttp.Handler())
	serveMux.HandleFunc("POST /shutdown", handler.Shutdown)

	for _, prefix := range []string{"/predictions", "/trainings"} {
		serveMux.HandleFunc("POST "+prefix, handler.Predict)
		serveMux.HandleFunc("PUT "+prefix+"/{id}", handler.Predict)
		serveMux.HandleFunc("POST "+prefix+"/{id}/cancel", handler.Cancel)
	}

	return otelhttp.NewHandler(serveMux, "cog-serve",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
