package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Pages and spool status.
	r.Get("/pages", h.ListPages)
	r.Get("/pages/{key}", h.GetPage)
	r.Get("/pages/{key}/transcription", h.GetTranscription)
	r.Get("/pages/{key}/report", h.PageReport)

	// Ink intake and deletion.
	r.Post("/pages/{key}/strokes", h.SubmitStrokes)
	r.Delete("/pages/{key}/strokes", h.DeleteStrokes)

	// Reconciliation.
	r.Post("/pages/{key}/reconcile", h.ReconcilePage)
	r.Post("/reconcile", h.ReconcileAll)

	// Outline block removal.
	r.Delete("/blocks/{uuid}", h.RemoveBlock)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
