// Package recon implements the reconciliation engine: matching raw
// strokes against recognized lines, materializing the outline
// hierarchy, and persisting the stroke working set.
package recon

import (
	"fmt"
	"time"

	"github.com/starford/ansuz/internal/spool"
)

// Pass states, in pipeline order. A page not in a pass reports
// StateIdle; a finished pass reports StateCompleted or StateFailed.
const (
	StateIdle                = "idle"
	StatePartitioning        = "partitioning"
	StateAwaitingRecognition = "awaiting_recognition"
	StateMatching            = "matching"
	StateMaterializing       = "materializing"
	StatePersisting          = "persisting"
	StateCompleted           = "completed"
	StateFailed              = "failed"
)

// Warning kinds.
const (
	WarnCoercion    = "coercion"    // recognizer response repaired at the boundary
	WarnConsistency = "consistency" // stored data disagrees with itself
	WarnAssociation = "association" // a stroke binding could not be applied
	WarnOrphan      = "orphan"      // anchored block with no live strokes
)

// Warning is a non-fatal observation made during a pass. Warnings are
// data, not errors: the pass that produced them still completed.
type Warning struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// LineError records one line that could not be materialized or
// updated. The pass continues past it.
type LineError struct {
	LineIndex int    `json:"lineIndex"`
	Text      string `json:"text"`
	Err       string `json:"error"`
}

// Report is the full outcome of one reconciliation pass. Counts are
// reported per category rather than collapsed into a boolean so
// partial progress stays visible.
type Report struct {
	PassID  string `json:"passId"`
	PageKey string `json:"pageKey"`
	State   string `json:"state"`

	// NoOp marks a pass that found nothing to reconcile.
	NoOp bool `json:"noOp"`

	Created        int `json:"created"`
	Updated        int `json:"updated"`
	Preserved      int `json:"preserved"`
	DeletedStrokes int `json:"deletedStrokes"`
	Chunks         int `json:"chunks"`

	Errors     []LineError `json:"errors,omitempty"`
	Warnings   []Warning   `json:"warnings,omitempty"`
	Unassigned []string    `json:"unassignedStrokes,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

func (r *Report) warn(kind, detail string) {
	r.Warnings = append(r.Warnings, Warning{Kind: kind, Detail: detail})
}

func (r *Report) warnf(kind, format string, args ...any) {
	r.warn(kind, fmt.Sprintf(format, args...))
}

// PassRecord renders the report as a pass journal row.
func (r *Report) PassRecord() spool.PassRecord {
	errs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, fmt.Sprintf("line %d (%q): %s", e.LineIndex, e.Text, e.Err))
	}
	warns := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		warns = append(warns, w.Kind+": "+w.Detail)
	}
	return spool.PassRecord{
		ID:             r.PassID,
		PageKey:        r.PageKey,
		State:          r.State,
		NoOp:           r.NoOp,
		Created:        r.Created,
		Updated:        r.Updated,
		Preserved:      r.Preserved,
		DeletedStrokes: r.DeletedStrokes,
		Chunks:         r.Chunks,
		Unassigned:     len(r.Unassigned),
		Errors:         errs,
		Warnings:       warns,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}
