package recon

import "github.com/starford/ansuz/internal/models"

// AnchorHit is an existing outline block whose ink anchor overlaps a
// recognized line. RawBounds keeps the property value verbatim so a
// re-application after a content update is bit-identical.
type AnchorHit struct {
	UUID      string
	Content   string
	RawBounds string
	Bounds    models.Bounds
}

// AnchorIndex holds a page's existing transcription blocks, keyed by
// their stroke-y-bounds anchors. Blocks without a parseable anchor are
// invisible to it.
type AnchorIndex struct {
	hits []AnchorHit
}

// BuildAnchorIndex walks the subtree under the page anchor block and
// collects every block with a parseable ink anchor, in outline order.
func BuildAnchorIndex(anchor *models.Block) *AnchorIndex {
	idx := &AnchorIndex{}
	if anchor == nil {
		return idx
	}
	var walk func(b *models.Block)
	walk = func(b *models.Block) {
		for _, child := range b.Children {
			if bounds, ok := child.YBoundsProperty(); ok {
				idx.hits = append(idx.hits, AnchorHit{
					UUID:      child.UUID,
					Content:   child.Content,
					RawBounds: child.Properties[models.PropYBounds],
					Bounds:    bounds,
				})
			}
			walk(child)
		}
	}
	walk(anchor)
	return idx
}

// Match returns the anchored block that bounds overlaps the most under
// the tolerance. ok is false when no anchor overlaps at all. Ties keep
// the block that appears first in outline order.
func (ix *AnchorIndex) Match(bounds models.Bounds, tolerance float64) (AnchorHit, bool) {
	best := -1
	bestOverlap := 0.0
	for i := range ix.hits {
		if ov := bounds.Overlap(ix.hits[i].Bounds, tolerance); ov > bestOverlap {
			bestOverlap = ov
			best = i
		}
	}
	if best < 0 {
		return AnchorHit{}, false
	}
	return ix.hits[best], true
}

// Hits returns every anchored block in outline order.
func (ix *AnchorIndex) Hits() []AnchorHit { return ix.hits }

// Len returns how many anchored blocks the index holds.
func (ix *AnchorIndex) Len() int { return len(ix.hits) }
