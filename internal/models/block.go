package models

import "strings"

// PropYBounds is the block property anchoring a block to the vertical
// ink range it was transcribed from. It is written once at block
// creation and re-applied verbatim after content updates; recomputing
// it would let recognition drift corrupt the anchor over time.
const PropYBounds = "stroke-y-bounds"

// AnchorContent is the content of the top-level block every
// transcribed page hangs its outline under.
const AnchorContent = "Transcribed Ink"

// Block mirrors one node of the external outline tree.
type Block struct {
	UUID       string            `json:"uuid"`
	Content    string            `json:"content"`
	ParentUUID string            `json:"parentUuid,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Children   []*Block          `json:"children,omitempty"`
}

// YBoundsProperty returns the parsed bounds anchor of the block.
// ok is false when the property is absent or malformed.
func (b *Block) YBoundsProperty() (Bounds, bool) {
	raw, present := b.Properties[PropYBounds]
	if !present {
		return Bounds{}, false
	}
	bounds, err := ParseYBounds(raw)
	if err != nil {
		return Bounds{}, false
	}
	return bounds, true
}

// taskMarkers are the outline task states a human may prefix a block
// with. Content updates must keep them in place.
var taskMarkers = []string{"TODO", "DOING", "DONE", "LATER", "NOW", "WAITING", "CANCELED"}

// SplitTaskMarker splits a leading task marker off block content.
// marker is empty when the content carries none.
func SplitTaskMarker(content string) (marker, rest string) {
	trimmed := strings.TrimLeft(content, " ")
	for _, m := range taskMarkers {
		if trimmed == m {
			return m, ""
		}
		if strings.HasPrefix(trimmed, m+" ") {
			return m, strings.TrimLeft(trimmed[len(m)+1:], " ")
		}
	}
	return "", content
}

// WithTaskMarker prefixes text with a task marker, or returns text
// unchanged when marker is empty.
func WithTaskMarker(marker, text string) string {
	if marker == "" {
		return text
	}
	return marker + " " + text
}
