// Package ink implements stroke identity, the partitioner, and the
// chunked codec that fits raw ink into the tree store's per-node
// payload limit.
package ink

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/starford/ansuz/internal/models"
)

const (
	// CodecVersion tags persisted stroke payloads; parsers reject
	// versions they do not understand.
	CodecVersion = 1

	// DefaultChunkSize caps strokes per chunk so one serialized chunk
	// stays below the tree store's payload ceiling.
	DefaultChunkSize = 200
)

// StrokeID derives the stable stroke id from the stroke's start
// timestamp. The same ink captured twice produces the same id, which
// is what deduplication and deletion targeting rely on.
func StrokeID(startTime int64) string {
	return "s" + strconv.FormatInt(startTime, 10)
}

// StorageStroke is the storage form of a stroke. Pressure and tilt
// metadata are dropped on purpose: discarding them cuts payload size
// materially and nothing downstream reads them.
type StorageStroke struct {
	ID        string       `json:"id"`
	StartTime int64        `json:"startTime"`
	EndTime   int64        `json:"endTime"`
	BlockUUID string       `json:"blockUuid"`
	Points    [][3]float64 `json:"points"`
}

// ToStorageStroke projects a stroke onto its storage form.
func ToStorageStroke(s models.Stroke) StorageStroke {
	pts := make([][3]float64, len(s.Points))
	for i, p := range s.Points {
		pts[i] = [3]float64{p.X, p.Y, float64(p.T)}
	}
	return StorageStroke{
		ID:        s.ID,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		BlockUUID: s.BlockUUID,
		Points:    pts,
	}
}

// FromStorageStroke restores a stroke from its storage form. A missing
// blockUuid decodes to the empty string so association set-membership
// checks stay well-defined.
func FromStorageStroke(rec StorageStroke) models.Stroke {
	pts := make([]models.Point, len(rec.Points))
	for i, p := range rec.Points {
		pts[i] = models.Point{X: p[0], Y: p[1], T: int64(p[2])}
	}
	return models.Stroke{
		ID:        rec.ID,
		StartTime: rec.StartTime,
		EndTime:   rec.EndTime,
		BlockUUID: rec.BlockUUID,
		Points:    pts,
	}
}

// Metadata describes one persisted stroke set.
type Metadata struct {
	LastUpdated  int64          `json:"lastUpdated"`
	TotalStrokes int            `json:"totalStrokes"`
	Bounds       *models.Bounds `json:"bounds,omitempty"`
	Chunks       int            `json:"chunks"`
	ChunkSize    int            `json:"chunkSize"`
}

// MetadataRecord is the serialized metadata node that leads a page's
// chunk nodes in the tree store.
type MetadataRecord struct {
	Version  int           `json:"version"`
	PageInfo models.PageID `json:"pageInfo"`
	Metadata Metadata      `json:"metadata"`
}

// ChunkRecord is one serialized chunk node.
type ChunkRecord struct {
	ChunkIndex  int             `json:"chunkIndex"`
	StrokeCount int             `json:"strokeCount"`
	Strokes     []StorageStroke `json:"strokes"`
}

// BuildChunks splits strokes into fixed-size windows in input order.
// The split is deterministic for a given input order; callers sort by
// StartTime before persisting. chunkSize <= 0 falls back to
// DefaultChunkSize.
func BuildChunks(page models.PageID, strokes []models.Stroke, chunkSize int) (MetadataRecord, []ChunkRecord) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var bounds *models.Bounds
	for i := range strokes {
		span, ok := strokes[i].YSpan()
		if !ok {
			continue
		}
		if bounds == nil {
			b := span
			bounds = &b
		} else {
			u := bounds.Union(span)
			bounds = &u
		}
	}

	var chunks []ChunkRecord
	for start := 0; start < len(strokes); start += chunkSize {
		end := start + chunkSize
		if end > len(strokes) {
			end = len(strokes)
		}
		window := strokes[start:end]
		recs := make([]StorageStroke, len(window))
		for i, s := range window {
			recs[i] = ToStorageStroke(s)
		}
		chunks = append(chunks, ChunkRecord{
			ChunkIndex:  len(chunks),
			StrokeCount: len(recs),
			Strokes:     recs,
		})
	}

	meta := MetadataRecord{
		Version:  CodecVersion,
		PageInfo: page,
		Metadata: Metadata{
			LastUpdated:  time.Now().UnixMilli(),
			TotalStrokes: len(strokes),
			Bounds:       bounds,
			Chunks:       len(chunks),
			ChunkSize:    chunkSize,
		},
	}
	return meta, chunks
}

// ParseChunks reassembles strokes from a metadata record and its chunk
// records. Chunks are concatenated in the order given and never
// re-sorted; sibling order in the tree store is the ordering guarantee.
// Callers needing chronological order sort afterwards. Count mismatches
// against the metadata are the caller's consistency check, not an
// error here.
func ParseChunks(meta MetadataRecord, chunks []ChunkRecord) ([]models.Stroke, Metadata, error) {
	if meta.Version != CodecVersion {
		return nil, Metadata{}, fmt.Errorf("ink: unsupported stroke payload version %d", meta.Version)
	}
	var strokes []models.Stroke
	for _, c := range chunks {
		for _, rec := range c.Strokes {
			strokes = append(strokes, FromStorageStroke(rec))
		}
	}
	return strokes, meta.Metadata, nil
}

// EncodeMetadata renders a metadata record as tree-store block content.
func EncodeMetadata(rec MetadataRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("ink: encode metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata parses a metadata record out of block content.
func DecodeMetadata(content string) (MetadataRecord, error) {
	var rec MetadataRecord
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return MetadataRecord{}, fmt.Errorf("ink: decode metadata: %w", err)
	}
	return rec, nil
}

// EncodeChunk renders a chunk record as tree-store block content.
func EncodeChunk(rec ChunkRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("ink: encode chunk %d: %w", rec.ChunkIndex, err)
	}
	return string(data), nil
}

// DecodeChunk parses a chunk record out of block content.
func DecodeChunk(content string) (ChunkRecord, error) {
	var rec ChunkRecord
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return ChunkRecord{}, fmt.Errorf("ink: decode chunk: %w", err)
	}
	return rec, nil
}

// Dedupe returns the strokes of incoming whose ids are not present in
// existing. Exact id equality only: a near-duplicate with different
// start timing gets a different id and counts as new ink.
func Dedupe(existing, incoming []models.Stroke) []models.Stroke {
	seen := make(map[string]struct{}, len(existing))
	for i := range existing {
		seen[existing[i].ID] = struct{}{}
	}
	var fresh []models.Stroke
	for i := range incoming {
		if _, dup := seen[incoming[i].ID]; dup {
			continue
		}
		fresh = append(fresh, incoming[i])
	}
	return fresh
}
