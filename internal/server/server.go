package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/replicate/cog-serve/internal/prediction"
	"github.com/replicate/cog-serve/internal/schema"
)

var ErrShuttingDown = errors.New("server is shutting down")

type Handler struct {
	cfg    Config
	svc    *prediction.Service
	model  Model
	logger *zap.Logger

	stopping atomic.Bool
	defunct  atomic.Bool
}

func NewHandler(cfg Config, svc *prediction.Service, model Model, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		svc:    svc,
		model:  model,
		logger: logger.Named("server"),
	}
}

// MarkDefunct reports the worker as permanently gone. Health checks return
// DEFUNCT from then on.
func (h *Handler) MarkDefunct() {
	h.defunct.Store(true)
}

func (h *Handler) status() Status {
	if h.stopping.Load() || h.defunct.Load() {
		return StatusDefunct
	}
	return statusFromState(h.svc.State())
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, map[string]string{"docs_url": "/docs", "openapi_url": "/openapi.json"})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	hc := HealthCheck{Status: h.status().String()}
	if res, ok := h.svc.SetupResult(); ok && (res.Status == prediction.SetupSucceeded || res.Status == prediction.SetupFailed) {
		hc.Setup = &res
	}
	writeJSON(h.logger, w, http.StatusOK, hc)
}

// Ready answers 200 only when a prediction would be admitted.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	s := h.status()
	code := http.StatusOK
	if s != StatusReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(h.logger, w, code, map[string]string{"status": s.String()})
}

func (h *Handler) OpenAPI(w http.ResponseWriter, r *http.Request) {
	bs := h.model.Schema()
	if len(bs) == 0 {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeBytes(h.logger, w, bs)
}

func (h *Handler) Shutdown(w http.ResponseWriter, r *http.Request) {
	log := h.logger.Sugar()
	log.Info("shutdown requested")
	h.Stop()
	w.WriteHeader(http.StatusOK)
}

// Stop rejects new predictions and triggers the configured shutdown once.
func (h *Handler) Stop() {
	if !h.stopping.CompareAndSwap(false, true) {
		return
	}
	if h.cfg.Shutdown != nil {
		h.cfg.Shutdown()
	}
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	log := h.logger.Sugar()

	if !isJSON(r.Header.Get("Content-Type")) {
		writeError(h.logger, w, http.StatusUnsupportedMediaType, "invalid content type")
		return
	}
	bs, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(h.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	var req prediction.PredictionRequest
	if len(strings.TrimSpace(string(bs))) > 0 {
		if err := json.Unmarshal(bs, &req); err != nil {
			writeError(h.logger, w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if id := r.PathValue("id"); id != "" {
		if req.ID != "" && req.ID != id {
			writeError(h.logger, w, http.StatusBadRequest, "prediction ID mismatch")
			return
		}
		req.ID = id
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}
	if doc := h.model.SchemaDoc(); doc != nil {
		if err := schema.ValidateInput(doc, req.Input); err != nil {
			writeError(h.logger, w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	if h.stopping.Load() {
		writeError(h.logger, w, http.StatusConflict, ErrShuttingDown.Error())
		return
	}

	task, err := h.svc.Predict(r.Context(), req)
	switch {
	case errors.Is(err, prediction.ErrBusy):
		writeError(h.logger, w, http.StatusConflict, err.Error())
		return
	case err != nil:
		log.Errorw("failed to start prediction", "id", req.ID, "error", err)
		writeError(h.logger, w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.Header.Get("Prefer") == "respond-async" {
		writeJSON(h.logger, w, http.StatusAccepted, task.Result())
		return
	}
	if err := task.Wait(r.Context()); err != nil {
		log.Warnw("client went away before prediction completed", "id", task.ID(), "error", err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, task.Result())
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Cancel(r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(h.logger, w, http.StatusOK, map[string]any{})
	case errors.Is(err, prediction.ErrUnknownPrediction):
		writeError(h.logger, w, http.StatusNotFound, err.Error())
	case errors.Is(err, prediction.ErrInvalidID):
		writeError(h.logger, w, http.StatusBadRequest, err.Error())
	default:
		writeError(h.logger, w, http.StatusInternalServerError, err.Error())
	}
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

func writeBytes(logger *zap.Logger, w http.ResponseWriter, bs []byte) {
	if _, err := w.Write(bs); err != nil {
		logger.Sugar().Errorw("failed to write response", "error", err)
	}
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, code int, v any) {
	bs, err := json.Marshal(v)
	if err != nil {
		logger.Sugar().Errorw("failed to marshal response", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeBytes(logger, w, bs)
}

func writeError(logger *zap.Logger, w http.ResponseWriter, code int, detail string) {
	writeJSON(logger, w, code, errorResponse{Detail: detail})
}
