package treestore

import (
	"strings"

	"github.com/google/uuid"
)

// idMarker is the fixed third group of every block id the engine
// mints. It marks a block as engine-created without needing a property
// read, and survives copy/paste between pages.
const idMarker = "4a5a"

// NewBlockID returns a fresh UUID-shaped block id carrying the engine
// marker in its third group.
func NewBlockID() string {
	id := uuid.New()
	id[6] = 0x4a
	id[7] = 0x5a
	return id.String()
}

// IsGeneratedID reports whether id carries the engine marker.
func IsGeneratedID(id string) bool {
	parts := strings.Split(id, "-")
	return len(parts) == 5 && parts[2] == idMarker
}
