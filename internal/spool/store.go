package spool

import "github.com/starford/ansuz/internal/models"

// Store defines the spool operations the engine depends on. Consumers
// should depend on this interface rather than the concrete *DB type to
// facilitate testing with fakes.
type Store interface {
	UpsertStrokes(pageKey string, strokes []models.Stroke) (int, error)
	Strokes(pageKey string) ([]models.Stroke, error)
	Associate(pageKey string, assoc map[string]string) ([]string, error)
	MarkDeleted(pageKey string, ids []string) (int, error)
	PendingCount(pageKey string) (int, error)
	ListPages() ([]PageStatus, error)
	RecordPass(rec PassRecord) error
	LastPass(pageKey string) (*PassRecord, error)
	SeenBatch(checksum string) (bool, error)
	RecordBatch(checksum, pageKey string) error
	Close() error
}

// Verify *DB satisfies Store at compile time.
var _ Store = (*DB)(nil)
