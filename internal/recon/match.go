package recon

import (
	"fmt"

	"github.com/starford/ansuz/internal/models"
)

// DefaultTolerance is how far, in page-local units, a stroke may sit
// outside a line's reported bounds and still belong to it. Handwriting
// ascenders and descenders routinely cross line boundaries.
const DefaultTolerance = 5.0

// MatchResult maps recognized lines to the strokes whose ink they
// transcribe.
type MatchResult struct {
	// LineStrokes[i] holds the ids of strokes assigned to lines[i],
	// in input order.
	LineStrokes [][]string

	// LineBounds[i] is the line's effective vertical extent: the
	// recognizer-reported bounds, or bounds recomputed from the
	// strokes the recognizer attributed to the line. nil when neither
	// source yields geometry.
	LineBounds []*models.Bounds

	// Unassigned lists strokes that overlapped no line.
	Unassigned []string

	// Violations lists strokes that arrived already associated. Such a
	// stroke is a defect upstream; it is skipped, never re-matched.
	Violations []string
}

// MatchStrokes assigns each unassociated stroke to the line whose
// bounds it overlaps the most, after widening line bounds by tolerance
// on both sides. On an exact overlap tie the earlier line wins; the
// ambiguity is inherent in overlapping handwriting and no further
// tie-break exists. Strokes overlapping no line are reported, not
// dropped.
func MatchStrokes(lines []models.Line, unassociated []models.Stroke, tolerance float64) MatchResult {
	res := MatchResult{
		LineStrokes: make([][]string, len(lines)),
		LineBounds:  make([]*models.Bounds, len(lines)),
	}

	spanByID := make(map[string]models.Bounds, len(unassociated))
	for i := range unassociated {
		if span, ok := unassociated[i].YSpan(); ok {
			spanByID[unassociated[i].ID] = span
		}
	}

	// Effective bounds: recognizer-reported, else the union of spans
	// of the strokes the recognizer attributed to the line.
	for i := range lines {
		if lines[i].Bounds != nil {
			b := *lines[i].Bounds
			res.LineBounds[i] = &b
			continue
		}
		var union *models.Bounds
		for _, id := range lines[i].StrokeIDs {
			span, ok := spanByID[id]
			if !ok {
				continue
			}
			if union == nil {
				b := span
				union = &b
			} else {
				u := union.Union(span)
				union = &u
			}
		}
		res.LineBounds[i] = union
	}

	for i := range unassociated {
		s := &unassociated[i]
		if s.Associated() {
			res.Violations = append(res.Violations,
				fmt.Sprintf("stroke %s reached the matcher already bound to %s", s.ID, s.BlockUUID))
			continue
		}
		span, ok := spanByID[s.ID]
		if !ok {
			res.Unassigned = append(res.Unassigned, s.ID)
			continue
		}

		best := -1
		bestOverlap := 0.0
		for j := range lines {
			if res.LineBounds[j] == nil {
				continue
			}
			if ov := span.Overlap(*res.LineBounds[j], tolerance); ov > bestOverlap {
				bestOverlap = ov
				best = j
			}
		}
		if best < 0 {
			res.Unassigned = append(res.Unassigned, s.ID)
			continue
		}
		res.LineStrokes[best] = append(res.LineStrokes[best], s.ID)
	}

	return res
}
