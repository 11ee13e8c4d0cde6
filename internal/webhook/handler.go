package webhook

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/scheduler"
)

// Triggerer enqueues work discovered outside the polling loop.
// *scheduler.Scheduler satisfies it.
type Triggerer interface {
	Trigger(item scheduler.Item) bool
}

// Handler serves the public trigger endpoint.
type Handler struct {
	service    *Service
	triggerer  Triggerer
	onAccepted func()
	logger     *zap.Logger
}

// NewHandler creates the HTTP handler for webhook triggers.
func NewHandler(service *Service, triggerer Triggerer, logger *zap.Logger) *Handler {
	return &Handler{service: service, triggerer: triggerer, logger: logger.Named("webhook_http")}
}

// OnAccepted registers a callback invoked once per accepted trigger, used to
// feed the webhook counter metric.
func (h *Handler) OnAccepted(fn func()) {
	h.onAccepted = fn
}

// Routes mounts the trigger endpoint on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/hooks/{token}", h.handleTrigger)
	return r
}

// handleTrigger validates the presented token and enqueues its target.
// Responses stay deliberately terse: callers learn nothing about which
// tokens exist.
func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	trigger, err := h.service.Authorize(r.Context(), token)
	switch {
	case errors.Is(err, ErrRateLimited):
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	case err != nil:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	queued := h.triggerer.Trigger(scheduler.Item{
		TargetKind: trigger.TargetKind,
		TargetID:   trigger.TargetID,
		Trigger:    db.TriggerWebhook,
	})
	if !queued {
		// Already queued or running; the trigger still counts as accepted.
		h.logger.Info("webhook target already queued",
			zap.String("trigger", trigger.Name),
			zap.String("target_kind", trigger.TargetKind))
	}
	if h.onAccepted != nil {
		h.onAccepted()
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"queued"}`))
}
