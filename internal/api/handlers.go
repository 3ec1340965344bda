package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/ingest"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/recon"
)

// Handler holds API route handlers.
type Handler struct {
	svc *Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// pageOf parses the {key} route parameter (e.g. s3.o27.b603.p57).
func pageOf(r *http.Request) (models.PageID, error) {
	return models.ParsePageKey(chi.URLParam(r, "key"))
}

// ListPages handles GET /api/pages.
//
//	@Summary		List known notebook pages with spool counters
//	@Tags			pages
//	@Produce		json
//	@Success		200	{object}	PageListResponse
//	@Security		BearerAuth
//	@Router			/pages [get]
func (h *Handler) ListPages(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListPages(r.Context())
	if err != nil {
		slog.Error("list pages failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pages": items,
	})
}

// GetPage handles GET /api/pages/{key}.
//
//	@Summary		Get the status of a single page
//	@Tags			pages
//	@Produce		json
//	@Param			key	path		string	true	"Page key"
//	@Success		200	{object}	PageDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pages/{key} [get]
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	page, err := pageOf(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	detail, err := h.svc.PageStatus(r.Context(), page)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get page failed", slog.String("page", page.Key()), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// SubmitStrokes handles POST /api/pages/{key}/strokes.
//
//	@Summary		Submit a stroke batch for a page
//	@Description	Accepts the same JSON schema as ink drop files. The batch
//	@Description	is spooled, not reconciled; trigger a pass separately or
//	@Description	wait for the watcher.
//	@Tags			ink
//	@Accept			json
//	@Produce		json
//	@Param			key		path		string					true	"Page key"
//	@Param			body	body		SubmitStrokesRequest	true	"Stroke batch"
//	@Success		202		{object}	BatchReceipt
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pages/{key}/strokes [post]
func (h *Handler) SubmitStrokes(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	page, err := pageOf(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	batch, err := ingest.ParseBatch(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if batch.Page != page.Key() {
		writeJSON(w, http.StatusBadRequest, errorBody("batch page does not match request page"))
		return
	}
	rcpt, err := h.svc.SubmitBatch(r.Context(), raw)
	if err != nil {
		slog.Error("submit strokes failed", slog.String("page", page.Key()), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusAccepted, rcpt)
}

// DeleteStrokes handles DELETE /api/pages/{key}/strokes.
//
//	@Summary		Mark strokes deleted
//	@Description	Deletion is explicit and id-based. Blocks fed by the
//	@Description	deleted strokes stay in the outline until the next pass
//	@Description	reports them as orphans.
//	@Tags			ink
//	@Accept			json
//	@Produce		json
//	@Param			key		path		string					true	"Page key"
//	@Param			body	body		DeleteStrokesRequest	true	"Stroke ids"
//	@Success		200		{object}	DeleteStrokesResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pages/{key}/strokes [delete]
func (h *Handler) DeleteStrokes(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	page, err := pageOf(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("ids are required"))
		return
	}
	removed, err := h.svc.DeleteStrokes(r.Context(), page, req.IDs)
	if err != nil {
		slog.Error("delete strokes failed", slog.String("page", page.Key()), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
	})
}

// ReconcilePage handles POST /api/pages/{key}/reconcile.
//
//	@Summary		Run a reconciliation pass over one page
//	@Description	At most one pass runs per page; a concurrent trigger gets
//	@Description	409 instead of queueing. A failed pass responds 500 with
//	@Description	the partial report as body.
//	@Tags			reconcile
//	@Accept			json
//	@Produce		json
//	@Param			key		path		string				true	"Page key"
//	@Param			body	body		ReconcileRequest	false	"Pass options"
//	@Success		200		{object}	Report
//	@Failure		409		{object}	errResponse
//	@Failure		500		{object}	Report
//	@Security		BearerAuth
//	@Router			/pages/{key}/reconcile [post]
func (h *Handler) ReconcilePage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	page, err := pageOf(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	var opts recon.PassOptions
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	if len(body) > 0 {
		var req ReconcileRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
		opts.DeleteStrokeIDs = req.DeleteStrokeIDs
	}

	rep, err := h.svc.ReconcilePage(r.Context(), page, opts)
	if err != nil {
		if errors.Is(err, apperr.ErrPassInFlight) {
			writeJSON(w, http.StatusConflict, errorBody("pass already in flight"))
			return
		}
		slog.Error("reconcile failed", slog.String("page", page.Key()), slog.String("error", err.Error()))
		if rep != nil {
			writeJSON(w, http.StatusInternalServerError, rep)
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ReconcileAll handles POST /api/reconcile.
//
//	@Summary		Run passes over every page with pending ink
//	@Tags			reconcile
//	@Produce		json
//	@Success		200	{object}	ReconcileAllResponse
//	@Security		BearerAuth
//	@Router			/reconcile [post]
func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.svc.ReconcileAll(r.Context())
	if err != nil {
		slog.Error("reconcile all failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if reports == nil {
		reports = []*recon.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
	})
}

// PageReport handles GET /api/pages/{key}/report.
//
//	@Summary		Get the last journaled pass of a page
//	@Tags			reconcile
//	@Produce		json
//	@Param			key	path		string	true	"Page key"
//	@Success		200	{object}	PassSummary
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pages/{key}/report [get]
func (h *Handler) PageReport(w http.ResponseWriter, r *http.Request) {
	page, err := pageOf(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	sum, err := h.svc.PageReport(r.Context(), page)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("page report failed", slog.String("page", page.Key()), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetTranscription handles GET /api/pages/{key}/transcription.
//
//	@Summary		Read the transcribed outline of a page
//	@Tags			pages
//	@Produce		json
//	@Param			key	path		string	true	"Page key"
//	@Success		200	{object}	Transcription
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pages/{key}/transcription [get]
func (h *Handler) GetTranscription(w http.ResponseWriter, r *http.Request) {
	page, err := pageOf(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	t, err := h.svc.Transcription(r.Context(), page)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("transcription failed", slog.String("page", page.Key()), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// RemoveBlock handles DELETE /api/blocks/{uuid}.
//
//	@Summary		Remove an outline block and retire its ink
//	@Description	Removes the block subtree from the outline and marks the
//	@Description	strokes that fed it deleted.
//	@Tags			pages
//	@Produce		json
//	@Param			uuid	path		string	true	"Block UUID"
//	@Param			page	query		string	true	"Page key"
//	@Success		200		{object}	RemoveBlockResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/blocks/{uuid} [delete]
func (h *Handler) RemoveBlock(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	key := r.URL.Query().Get("page")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'page' is required"))
		return
	}
	page, err := models.ParsePageKey(key)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	removed, err := h.svc.RemoveBlock(r.Context(), page, uuid)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("remove block failed", slog.String("uuid", uuid), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"removedStrokes": removed,
	})
}
