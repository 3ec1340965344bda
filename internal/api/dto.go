package api

import (
	"github.com/starford/ansuz/internal/ingest"
	"github.com/starford/ansuz/internal/recon"
)

// SubmitStrokesRequest is the request body for submitting a stroke
// batch. It is the same schema the drop-directory watcher ingests.
type SubmitStrokesRequest = ingest.Batch

// DeleteStrokesRequest is the request body for explicit stroke deletion.
type DeleteStrokesRequest struct {
	IDs []string `json:"ids" example:"s1706000000000" validate:"required"`
}

// ReconcileRequest is the optional request body for triggering a pass.
type ReconcileRequest struct {
	DeleteStrokeIDs []string `json:"deleteStrokeIds,omitempty" example:"s1706000000000"`
}

// Report is a pass report (aliased from the domain layer).
type Report = recon.Report

// PageListResponse wraps the page listing.
type PageListResponse struct {
	Pages []PageListItem `json:"pages" validate:"required"`
}

// DeleteStrokesResponse reports how many strokes a deletion marked.
type DeleteStrokesResponse struct {
	Removed int `json:"removed" example:"2" validate:"required"`
}

// RemoveBlockResponse reports the side effects of a block removal.
type RemoveBlockResponse struct {
	RemovedStrokes int `json:"removedStrokes" example:"3" validate:"required"`
}

// ReconcileAllResponse wraps the reports of a full sweep.
type ReconcileAllResponse struct {
	Reports []*Report `json:"reports" validate:"required"`
}
