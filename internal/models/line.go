package models

// Line is one recognized text line from a single recognition pass.
//
// Lines are ephemeral: they exist only for the duration of one
// reconciliation pass, and their persisted projection is a Block.
type Line struct {
	Text string `json:"text"`

	// Canonical is the whitespace/checkbox-normalized form of Text,
	// used for change detection against already-materialized blocks.
	Canonical string `json:"canonical"`

	// Bounds is the vertical extent of the line, either reported by
	// the recognizer or recomputed from the strokes matched to the
	// line. Nil when neither source produced one.
	Bounds *Bounds `json:"yBounds,omitempty"`

	// IndentLevel is the outline depth; 0 is top-level.
	IndentLevel int `json:"indentLevel"`

	// StrokeIDs is the set of stroke ids estimated to belong to this
	// line. It is derived by the matcher, not by the recognizer.
	StrokeIDs []string `json:"strokeIds,omitempty"`
}
