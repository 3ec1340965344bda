package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/ingest"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/recon"
	"github.com/starford/ansuz/internal/spool"
	"github.com/starford/ansuz/internal/treestore"
)

// PageListItem is a lightweight per-page entry in a list response.
type PageListItem struct {
	Page       string `json:"page"`
	Strokes    int    `json:"strokes"`
	Pending    int    `json:"pending"`
	Deleted    int    `json:"deleted"`
	LastPassID string `json:"lastPassId,omitempty"`
	LastState  string `json:"lastState,omitempty"`
}

// PassSummary is the journaled outcome of a reconciliation pass.
type PassSummary struct {
	PassID         string    `json:"passId"`
	Page           string    `json:"page"`
	State          string    `json:"state"`
	NoOp           bool      `json:"noOp,omitempty"`
	Created        int       `json:"created"`
	Updated        int       `json:"updated"`
	Preserved      int       `json:"preserved"`
	DeletedStrokes int       `json:"deletedStrokes"`
	Chunks         int       `json:"chunks"`
	Unassigned     int       `json:"unassigned,omitempty"`
	Errors         []string  `json:"errors,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

// PageDetail is the full status of one page.
type PageDetail struct {
	Page     string       `json:"page"`
	Strokes  int          `json:"strokes"`
	Pending  int          `json:"pending"`
	Deleted  int          `json:"deleted"`
	State    string       `json:"state"`
	LastPass *PassSummary `json:"lastPass,omitempty"`
}

// BatchReceipt reports what an ingested stroke batch changed.
type BatchReceipt struct {
	Page      string `json:"page"`
	Checksum  string `json:"checksum"`
	Received  int    `json:"received"`
	Added     int    `json:"added"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// OutlineNode is one line of the transcribed outline. Generated marks
// blocks whose ids were minted by the reconciler rather than typed by
// a person.
type OutlineNode struct {
	UUID      string         `json:"uuid"`
	Content   string         `json:"content"`
	Generated bool           `json:"generated"`
	Bounds    string         `json:"strokeBounds,omitempty"`
	Children  []*OutlineNode `json:"children,omitempty"`
}

// Transcription is the outline read-through of one page.
type Transcription struct {
	Page       string         `json:"page"`
	AnchorUUID string         `json:"anchorUuid,omitempty"`
	Lines      []*OutlineNode `json:"lines"`
}

// Service coordinates the spool, the tree store, and the reconciler
// for the API layer.
type Service struct {
	spool spool.Store
	tree  treestore.Store
	recon *recon.Reconciler
	ing   *ingest.Ingestor
}

// NewService creates a new API service.
func NewService(sp spool.Store, tree treestore.Store, rc *recon.Reconciler, ing *ingest.Ingestor) *Service {
	return &Service{spool: sp, tree: tree, recon: rc, ing: ing}
}

// ListPages returns every page the spool knows about.
func (s *Service) ListPages(_ context.Context) ([]PageListItem, error) {
	rows, err := s.spool.ListPages()
	if err != nil {
		return nil, err
	}
	items := make([]PageListItem, len(rows))
	for i, r := range rows {
		items[i] = PageListItem{
			Page:       r.PageKey,
			Strokes:    r.Strokes,
			Pending:    r.Pending,
			Deleted:    r.Deleted,
			LastPassID: r.LastPassID,
			LastState:  r.LastState,
		}
	}
	return items, nil
}

// PageStatus returns the status of one page, including the live pass
// state and the last journaled pass.
func (s *Service) PageStatus(_ context.Context, page models.PageID) (*PageDetail, error) {
	rows, err := s.spool.ListPages()
	if err != nil {
		return nil, err
	}
	key := page.Key()
	var row *spool.PageStatus
	for i := range rows {
		if rows[i].PageKey == key {
			row = &rows[i]
			break
		}
	}
	if row == nil {
		return nil, apperr.ErrNotFound
	}
	detail := &PageDetail{
		Page:    row.PageKey,
		Strokes: row.Strokes,
		Pending: row.Pending,
		Deleted: row.Deleted,
		State:   s.recon.PageState(key),
	}
	rec, err := s.spool.LastPass(key)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return detail, nil
		}
		return nil, err
	}
	detail.LastPass = passSummary(rec)
	return detail, nil
}

// SubmitBatch ingests a stroke batch. The batch carries its own page
// key; callers validate it against the request URL before this point.
func (s *Service) SubmitBatch(_ context.Context, raw []byte) (*BatchReceipt, error) {
	rcpt, err := s.ing.IngestBatch(raw)
	if err != nil {
		return nil, err
	}
	return &BatchReceipt{
		Page:      rcpt.Page.Key(),
		Checksum:  rcpt.Checksum,
		Received:  rcpt.Received,
		Added:     rcpt.Added,
		Duplicate: rcpt.Duplicate,
	}, nil
}

// DeleteStrokes marks the given strokes deleted in the spool. Blocks
// they fed stay in the outline until the next pass flags them as
// orphans. Returns how many strokes were newly marked.
func (s *Service) DeleteStrokes(_ context.Context, page models.PageID, ids []string) (int, error) {
	return s.spool.MarkDeleted(page.Key(), ids)
}

// ReconcilePage runs one reconciliation pass over the page.
func (s *Service) ReconcilePage(ctx context.Context, page models.PageID, opts recon.PassOptions) (*recon.Report, error) {
	return s.recon.Reconcile(ctx, page, opts)
}

// ReconcileAll runs passes over every page with pending ink.
func (s *Service) ReconcileAll(ctx context.Context) ([]*recon.Report, error) {
	return s.recon.ReconcileAll(ctx)
}

// PageReport returns the last journaled pass of the page.
func (s *Service) PageReport(_ context.Context, page models.PageID) (*PassSummary, error) {
	rec, err := s.spool.LastPass(page.Key())
	if err != nil {
		return nil, err
	}
	return passSummary(rec), nil
}

// Transcription reads the page outline back from the tree store and
// renders the subtree under the transcription anchor.
func (s *Service) Transcription(ctx context.Context, page models.PageID) (*Transcription, error) {
	blocks, err := s.tree.PageTree(ctx, page.OutlinePage())
	if err != nil {
		return nil, err
	}
	t := &Transcription{Page: page.Key(), Lines: []*OutlineNode{}}
	for _, b := range blocks {
		if strings.TrimSpace(b.Content) != models.AnchorContent {
			continue
		}
		t.AnchorUUID = b.UUID
		for _, c := range b.Children {
			t.Lines = append(t.Lines, outlineNode(c))
		}
		break
	}
	return t, nil
}

// RemoveBlock removes a block subtree from the outline and marks the
// strokes that fed it deleted, so the next pass does not resurrect
// the text. Returns how many strokes were marked.
func (s *Service) RemoveBlock(ctx context.Context, page models.PageID, uuid string) (int, error) {
	blocks, err := s.tree.PageTree(ctx, page.OutlinePage())
	if err != nil {
		return 0, err
	}
	target := findBlock(blocks, uuid)
	if target == nil {
		return 0, apperr.ErrNotFound
	}
	subtree := map[string]bool{}
	collectUUIDs(target, subtree)

	strokes, err := s.spool.Strokes(page.Key())
	if err != nil {
		return 0, err
	}
	var ids []string
	for i := range strokes {
		if subtree[strokes[i].BlockUUID] && !strokes[i].Deleted {
			ids = append(ids, strokes[i].ID)
		}
	}

	if err := s.tree.RemoveBlock(ctx, uuid); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.spool.MarkDeleted(page.Key(), ids)
}

func passSummary(rec *spool.PassRecord) *PassSummary {
	return &PassSummary{
		PassID:         rec.ID,
		Page:           rec.PageKey,
		State:          rec.State,
		NoOp:           rec.NoOp,
		Created:        rec.Created,
		Updated:        rec.Updated,
		Preserved:      rec.Preserved,
		DeletedStrokes: rec.DeletedStrokes,
		Chunks:         rec.Chunks,
		Unassigned:     rec.Unassigned,
		Errors:         rec.Errors,
		Warnings:       rec.Warnings,
		StartedAt:      rec.StartedAt,
		FinishedAt:     rec.FinishedAt,
	}
}

func outlineNode(b *models.Block) *OutlineNode {
	n := &OutlineNode{
		UUID:      b.UUID,
		Content:   b.Content,
		Generated: treestore.IsGeneratedID(b.UUID),
		Bounds:    b.Properties[models.PropYBounds],
	}
	for _, c := range b.Children {
		n.Children = append(n.Children, outlineNode(c))
	}
	return n
}

func findBlock(blocks []*models.Block, uuid string) *models.Block {
	for _, b := range blocks {
		if b.UUID == uuid {
			return b
		}
		if hit := findBlock(b.Children, uuid); hit != nil {
			return hit
		}
	}
	return nil
}

func collectUUIDs(b *models.Block, into map[string]bool) {
	into[b.UUID] = true
	for _, c := range b.Children {
		collectUUIDs(c, into)
	}
}
