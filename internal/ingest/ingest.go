// Package ingest brings captured ink into the spool: batch parsing,
// checksum dedupe, and the drop-directory watcher.
package ingest

import (
	"log/slog"
	"strconv"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/spool"
)

// EventInkReceived is published after a batch lands in the spool.
const EventInkReceived = "ink.received"

// EventFunc receives ingest notifications. detail carries the number
// of newly spooled strokes.
type EventFunc func(event, pageKey, detail string)

// Ingestor spools stroke batches. The drop-directory watcher and the
// batch API endpoint both funnel through it, so dedupe and events work
// the same for either transport.
type Ingestor struct {
	spool  spool.Store
	logger *slog.Logger
	events EventFunc
}

// NewIngestor builds an Ingestor. events may be nil.
func NewIngestor(sp spool.Store, logger *slog.Logger, events EventFunc) *Ingestor {
	if events == nil {
		events = func(string, string, string) {}
	}
	return &Ingestor{spool: sp, logger: logger, events: events}
}

// Receipt reports what one batch changed.
type Receipt struct {
	Page     models.PageID
	Checksum string

	// Received counts strokes in the batch; Added counts those that
	// were new to the spool.
	Received int
	Added    int

	// Duplicate marks a batch whose exact bytes were ingested before.
	// Duplicate batches change nothing.
	Duplicate bool
}

// IngestBatch parses, dedupes, and spools one batch payload.
func (ing *Ingestor) IngestBatch(data []byte) (*Receipt, error) {
	batch, err := ParseBatch(data)
	if err != nil {
		return nil, err
	}
	page, strokes, err := batch.Domain()
	if err != nil {
		return nil, err
	}

	sum := checksum.Sum(data)
	rcpt := &Receipt{Page: page, Checksum: sum, Received: len(strokes)}

	seen, err := ing.spool.SeenBatch(sum)
	if err != nil {
		return nil, err
	}
	if seen {
		rcpt.Duplicate = true
		ing.logger.Debug("ingest: duplicate batch",
			slog.String("page", page.Key()),
			slog.String("batch", checksum.Short(sum)))
		return rcpt, nil
	}

	added, err := ing.spool.UpsertStrokes(page.Key(), strokes)
	if err != nil {
		return nil, err
	}
	rcpt.Added = added
	if err := ing.spool.RecordBatch(sum, page.Key()); err != nil {
		return nil, err
	}

	ing.logger.Info("ingest: batch spooled",
		slog.String("page", page.Key()),
		slog.String("batch", checksum.Short(sum)),
		slog.Int("received", rcpt.Received),
		slog.Int("added", added))
	ing.events(EventInkReceived, page.Key(), strconv.Itoa(added))
	return rcpt, nil
}
