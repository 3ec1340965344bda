// Package models defines the domain types for Ansuz.
package models

// Point is one sampled pen position in page-local units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T int64   `json:"t"`
}

// Stroke is one continuous pen-down-to-pen-up ink gesture.
//
// The id is derived from the start timestamp and stays stable across
// capture sessions and storage round-trips; deduplication and explicit
// deletion both target it.
type Stroke struct {
	ID        string  `json:"id"`
	StartTime int64   `json:"startTime"`
	EndTime   int64   `json:"endTime"`
	Points    []Point `json:"points"`

	// BlockUUID links the stroke to the outline block its ink was
	// transcribed into. Empty until a pass first materializes a line
	// derived from this stroke; set exactly once and never reassigned
	// or cleared by matching. Only an explicit deletion removes the
	// stroke together with its association.
	BlockUUID string `json:"blockUuid,omitempty"`

	// Deleted marks strokes removed by an explicit caller request.
	// The mark is always caller-supplied, never inferred.
	Deleted bool `json:"deleted,omitempty"`
}

// Associated reports whether the stroke is linked to a block.
func (s *Stroke) Associated() bool { return s.BlockUUID != "" }

// YSpan returns the vertical extent of the stroke across its points.
// ok is false when the stroke has no points.
func (s *Stroke) YSpan() (span Bounds, ok bool) {
	if len(s.Points) == 0 {
		return Bounds{}, false
	}
	span.MinY = s.Points[0].Y
	span.MaxY = s.Points[0].Y
	for _, p := range s.Points[1:] {
		if p.Y < span.MinY {
			span.MinY = p.Y
		}
		if p.Y > span.MaxY {
			span.MaxY = p.Y
		}
	}
	return span, true
}
