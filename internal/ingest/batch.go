package ingest

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/ansuz/internal/ink"
	"github.com/starford/ansuz/internal/models"
)

// Batch is the wire format of one captured stroke batch, shared by the
// drop directory and the batch API endpoint.
type Batch struct {
	Page    string        `json:"page"`
	Strokes []BatchStroke `json:"strokes"`
}

// BatchStroke is one captured stroke as the pen transport delivers it.
// Ids are not part of the wire format; they are derived from the start
// timestamp on ingest.
type BatchStroke struct {
	StartTime int64        `json:"startTime"`
	EndTime   int64        `json:"endTime"`
	Points    [][3]float64 `json:"points"`
}

// Validate checks the batch shape. The page key's internal structure
// is resolved later, in Domain.
func (b *Batch) Validate() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.Page, validation.Required),
		validation.Field(&b.Strokes, validation.Required),
	)
}

// Validate checks one stroke record.
func (s BatchStroke) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.StartTime, validation.Required, validation.Min(1)),
		validation.Field(&s.Points, validation.Required),
	)
}

// ParseBatch decodes and validates a batch payload.
func ParseBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("ingest: decode batch: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: invalid batch: %w", err)
	}
	return &b, nil
}

// Domain converts the batch into domain strokes with derived ids. An
// end time before the start time is clamped to the start time.
func (b *Batch) Domain() (models.PageID, []models.Stroke, error) {
	page, err := models.ParsePageKey(b.Page)
	if err != nil {
		return models.PageID{}, nil, fmt.Errorf("ingest: %w", err)
	}
	strokes := make([]models.Stroke, 0, len(b.Strokes))
	for _, rec := range b.Strokes {
		end := rec.EndTime
		if end < rec.StartTime {
			end = rec.StartTime
		}
		points := make([]models.Point, len(rec.Points))
		for i, p := range rec.Points {
			points[i] = models.Point{X: p[0], Y: p[1], T: int64(p[2])}
		}
		strokes = append(strokes, models.Stroke{
			ID:        ink.StrokeID(rec.StartTime),
			StartTime: rec.StartTime,
			EndTime:   end,
			Points:    points,
		})
	}
	return page, strokes, nil
}
