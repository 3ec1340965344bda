// Package checksum fingerprints ink batch files. The ingest watcher
// uses the digest to recognize batches it has already spooled, so a
// re-dropped or re-synced file never double-ingests strokes.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Short returns the digest prefix used as a batch label in logs and
// events. Long enough to be unambiguous in any realistic ledger.
func Short(sum string) string {
	if len(sum) <= 12 {
		return sum
	}
	return sum[:12]
}
