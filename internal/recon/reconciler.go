package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/ink"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/recognize"
	"github.com/starford/ansuz/internal/spool"
	"github.com/starford/ansuz/internal/treestore"
)

// Event types published over the pass lifecycle.
const (
	EventPassStarted   = "pass.started"
	EventPassCompleted = "pass.completed"
	EventPassFailed    = "pass.failed"
	EventBlockCreated  = "block.created"
)

// EventFunc receives pass lifecycle notifications. detail carries the
// block uuid for EventBlockCreated and is empty otherwise.
type EventFunc func(event, pageKey, detail string)

// Config holds the reconciliation knobs.
type Config struct {
	// Tolerance widens bounds during stroke and anchor matching.
	Tolerance float64
	// ChunkSize caps strokes per persisted chunk. Zero means the codec
	// default.
	ChunkSize int
	// ChunkDelay spaces consecutive chunk writes to the store.
	ChunkDelay time.Duration
	// MaxConcurrent bounds how many pages ReconcileAll works at once.
	MaxConcurrent int
}

// PassOptions carries the inputs that vary per pass. All pass state
// travels here; the reconciler holds nothing page-specific between
// passes except the in-flight marker.
type PassOptions struct {
	// DeleteStrokeIDs lists strokes to remove from the page. Deletion
	// happens only through this list, never implicitly.
	DeleteStrokeIDs []string

	// Result injects a recognition outcome and bypasses the
	// recognizer. Used for replays and tests.
	Result *recognize.Result
}

// Reconciler drives reconciliation passes. Passes on one page are
// serialized by refusal: a second caller gets apperr.ErrPassInFlight
// instead of queueing. Different pages reconcile concurrently.
type Reconciler struct {
	spool  spool.Store
	store  treestore.Store
	recog  recognize.Recognizer
	cfg    Config
	logger *slog.Logger
	events EventFunc

	mu     sync.Mutex
	active map[string]string // page key -> current pass state
}

// New builds a Reconciler. events may be nil.
func New(sp spool.Store, ts treestore.Store, rec recognize.Recognizer, cfg Config, logger *slog.Logger, events EventFunc) *Reconciler {
	if events == nil {
		events = func(string, string, string) {}
	}
	return &Reconciler{
		spool:  sp,
		store:  ts,
		recog:  rec,
		cfg:    cfg,
		logger: logger,
		events: events,
		active: make(map[string]string),
	}
}

func (r *Reconciler) tolerance() float64 {
	if r.cfg.Tolerance > 0 {
		return r.cfg.Tolerance
	}
	return DefaultTolerance
}

// PageState returns the page's in-flight pass state, or StateIdle.
func (r *Reconciler) PageState(pageKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.active[pageKey]; ok {
		return s
	}
	return StateIdle
}

func (r *Reconciler) claim(pageKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[pageKey]; busy {
		return apperr.ErrPassInFlight
	}
	r.active[pageKey] = StatePartitioning
	return nil
}

func (r *Reconciler) setState(pageKey, state string) {
	r.mu.Lock()
	r.active[pageKey] = state
	r.mu.Unlock()
	r.logger.Debug("recon: state", slog.String("page", pageKey), slog.String("state", state))
}

func (r *Reconciler) release(pageKey string) {
	r.mu.Lock()
	delete(r.active, pageKey)
	r.mu.Unlock()
}

// Reconcile runs one pass over the page. The returned report is
// non-nil whenever a pass actually ran, including failed passes, so
// callers always see the partial result.
func (r *Reconciler) Reconcile(ctx context.Context, page models.PageID, opts PassOptions) (*Report, error) {
	key := page.Key()
	if err := r.claim(key); err != nil {
		return nil, err
	}
	defer r.release(key)

	report := &Report{
		PassID:    ulid.Make().String(),
		PageKey:   key,
		StartedAt: time.Now().UTC(),
	}
	r.events(EventPassStarted, key, "")
	r.logger.Info("recon: pass started",
		slog.String("page", key), slog.String("pass", report.PassID))

	err := r.run(ctx, page, opts, report)
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.State = StateFailed
		r.events(EventPassFailed, key, "")
		r.logger.Error("recon: pass failed",
			slog.String("page", key),
			slog.String("pass", report.PassID),
			slog.String("error", err.Error()))
	} else {
		report.State = StateCompleted
		r.events(EventPassCompleted, key, "")
		r.logger.Info("recon: pass completed",
			slog.String("page", key),
			slog.String("pass", report.PassID),
			slog.Int("created", report.Created),
			slog.Int("updated", report.Updated),
			slog.Int("preserved", report.Preserved),
			slog.Int("unassigned", len(report.Unassigned)))
	}
	if jErr := r.spool.RecordPass(report.PassRecord()); jErr != nil {
		r.logger.Error("recon: journal write failed",
			slog.String("page", key), slog.String("error", jErr.Error()))
	}
	return report, err
}

func (r *Reconciler) run(ctx context.Context, page models.PageID, opts PassOptions, report *Report) error {
	key := page.Key()
	r.setState(key, StatePartitioning)

	strokes, err := r.spool.Strokes(key)
	if err != nil {
		return err
	}

	// First contact with a page whose ink lives only in the tree
	// store: seed the spool from the stroke-data page.
	if len(strokes) == 0 {
		hydrated, err := r.hydrate(ctx, page, report)
		if err != nil {
			return err
		}
		if len(hydrated) > 0 {
			if _, err := r.spool.UpsertStrokes(key, hydrated); err != nil {
				return err
			}
			if strokes, err = r.spool.Strokes(key); err != nil {
				return err
			}
		}
	}

	if len(opts.DeleteStrokeIDs) > 0 {
		marked, err := r.spool.MarkDeleted(key, opts.DeleteStrokeIDs)
		if err != nil {
			return err
		}
		report.DeletedStrokes = marked
		if strokes, err = r.spool.Strokes(key); err != nil {
			return err
		}
	}

	_, unassociated := ink.Partition(strokes)

	var result *recognize.Result
	switch {
	case opts.Result != nil:
		result = opts.Result
	case len(unassociated) > 0:
		r.setState(key, StateAwaitingRecognition)
		if result, err = r.recog.Recognize(ctx, page, unassociated); err != nil {
			return err
		}
	}

	if result == nil && report.DeletedStrokes == 0 {
		report.NoOp = true
		r.logger.Info("recon: nothing to reconcile", slog.String("page", key))
		return nil
	}

	if result != nil {
		if err := r.materialize(ctx, page, result, unassociated, report); err != nil {
			return err
		}
	}

	r.setState(key, StatePersisting)
	if err := r.persist(ctx, page, report); err != nil {
		return err
	}
	return r.detectOrphans(ctx, page, report)
}

// materialize runs recognition output through matching, anchor
// comparison, hierarchy building, and stroke association.
func (r *Reconciler) materialize(ctx context.Context, page models.PageID, result *recognize.Result, unassociated []models.Stroke, report *Report) error {
	key := page.Key()
	for _, w := range result.Warnings {
		report.warn(WarnCoercion, w)
	}

	r.setState(key, StateMatching)

	// Only strokes the recognizer actually consumed take part in
	// matching; the rest stay pending for a later pass.
	consumed := make(map[string]bool)
	for i := range result.Lines {
		for _, id := range result.Lines[i].StrokeIDs {
			consumed[id] = true
		}
	}
	candidates := make([]models.Stroke, 0, len(unassociated))
	for i := range unassociated {
		if consumed[unassociated[i].ID] {
			candidates = append(candidates, unassociated[i])
		} else {
			report.Unassigned = append(report.Unassigned, unassociated[i].ID)
		}
	}

	match := MatchStrokes(result.Lines, candidates, r.tolerance())
	report.Unassigned = append(report.Unassigned, match.Unassigned...)
	for _, v := range match.Violations {
		r.logger.Error("recon: invariant violation", slog.String("page", key), slog.String("detail", v))
		report.warn(WarnAssociation, v)
	}

	r.setState(key, StateMaterializing)

	outline := page.OutlinePage()
	if err := r.store.CreatePage(ctx, outline); err != nil {
		return err
	}
	anchor, err := r.ensureAnchor(ctx, outline)
	if err != nil {
		return err
	}

	// Lines overlapping an existing block's ink anchor update that
	// block in place instead of materializing a duplicate.
	idx := BuildAnchorIndex(anchor)
	resolved := make(map[int]string)
	var create []int
	for i := range result.Lines {
		if match.LineBounds[i] != nil {
			if hit, ok := idx.Match(*match.LineBounds[i], r.tolerance()); ok {
				resolved[i] = hit.UUID
				if err := r.refreshBlock(ctx, hit, result.Lines[i], report); err != nil {
					report.Errors = append(report.Errors, LineError{LineIndex: i, Text: result.Lines[i].Text, Err: err.Error()})
				}
				continue
			}
		}
		create = append(create, i)
	}

	builder := NewBuilder(r.store, r.logger)
	buildRes := builder.Build(ctx, anchor.UUID, result.Lines, create, match.LineBounds, resolved)
	report.Errors = append(report.Errors, buildRes.Errors...)
	report.Created = len(buildRes.CreatedByLine)
	for i, uuid := range buildRes.CreatedByLine {
		r.events(EventBlockCreated, key, uuid)
		if match.LineBounds[i] == nil {
			report.warnf(WarnConsistency, "line %d (%q) materialized without an ink anchor", i, result.Lines[i].Text)
		}
	}
	if buildRes.Aborted {
		return ctx.Err()
	}

	// Bind matched strokes to their blocks, whether freshly created or
	// anchor-matched. The spool refuses to overwrite an existing
	// binding; refusals are defects worth surfacing.
	assoc := make(map[string]string)
	for i, uuid := range resolved {
		for _, sid := range match.LineStrokes[i] {
			assoc[sid] = uuid
		}
	}
	if len(assoc) > 0 {
		conflicts, err := r.spool.Associate(key, assoc)
		if err != nil {
			return err
		}
		for _, id := range conflicts {
			detail := fmt.Sprintf("stroke %s already bound to another block; binding kept", id)
			r.logger.Error("recon: invariant violation", slog.String("page", key), slog.String("detail", detail))
			report.warn(WarnAssociation, detail)
		}
	}
	return nil
}

// refreshBlock reconciles one anchor-matched line with its existing
// block. Canonically equal content is preserved untouched. Otherwise
// the content is rewritten with the user's task marker kept, and the
// anchor property is re-applied verbatim because the store strips
// properties on content updates.
func (r *Reconciler) refreshBlock(ctx context.Context, hit AnchorHit, line models.Line, report *Report) error {
	marker, existing := models.SplitTaskMarker(hit.Content)
	if models.Canonicalize(existing) == line.Canonical {
		report.Preserved++
		return nil
	}
	content := models.WithTaskMarker(marker, line.Text)
	if err := r.store.UpdateBlockContent(ctx, hit.UUID, content); err != nil {
		return err
	}
	if err := r.store.SetBlockProperty(ctx, hit.UUID, models.PropYBounds, hit.RawBounds); err != nil {
		return err
	}
	report.Updated++
	r.logger.Debug("recon: block refreshed",
		slog.String("uuid", hit.UUID), slog.String("content", content))
	return nil
}

// ensureAnchor finds the page's top-level anchor block, creating it
// when the page has none.
func (r *Reconciler) ensureAnchor(ctx context.Context, outline string) (*models.Block, error) {
	blocks, err := r.store.PageTree(ctx, outline)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if b := findAnchor(blocks); b != nil {
		return b, nil
	}
	created, err := r.store.CreateBlock(ctx, outline, models.AnchorContent, treestore.CreateOpts{})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func findAnchor(blocks []*models.Block) *models.Block {
	for _, b := range blocks {
		if strings.TrimSpace(b.Content) == models.AnchorContent {
			return b
		}
	}
	return nil
}

// hydrate reads the stroke-data page and decodes its chunked payload.
// Decode problems degrade to consistency warnings; hydration never
// fails a pass over data it can simply skip.
func (r *Reconciler) hydrate(ctx context.Context, page models.PageID, report *Report) ([]models.Stroke, error) {
	blocks, err := r.store.PageTree(ctx, page.DataPage())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	for _, b := range blocks {
		meta, err := ink.DecodeMetadata(b.Content)
		if err != nil {
			continue // not a stroke payload block
		}
		chunks := make([]ink.ChunkRecord, 0, len(b.Children))
		for _, child := range b.Children {
			chunk, err := ink.DecodeChunk(child.Content)
			if err != nil {
				report.warnf(WarnConsistency, "stroke chunk %s does not decode: %v", child.UUID, err)
				continue
			}
			chunks = append(chunks, chunk)
		}
		strokes, info, err := ink.ParseChunks(meta, chunks)
		if err != nil {
			report.warnf(WarnConsistency, "stroke payload on %s rejected: %v", page.DataPage(), err)
			return nil, nil
		}
		if info.TotalStrokes != len(strokes) {
			report.warnf(WarnConsistency, "stroke payload counts disagree: metadata says %d, chunks hold %d",
				info.TotalStrokes, len(strokes))
		}
		r.logger.Info("recon: hydrated from tree store",
			slog.String("page", page.Key()), slog.Int("strokes", len(strokes)))
		return strokes, nil
	}
	return nil, nil
}

// persist rewrites the stroke-data page with the page's live stroke
// set. The new payload is written before the old one is removed, so a
// failed pass never leaves the page without ink.
func (r *Reconciler) persist(ctx context.Context, page models.PageID, report *Report) error {
	strokes, err := r.spool.Strokes(page.Key())
	if err != nil {
		return err
	}
	live := make([]models.Stroke, 0, len(strokes))
	for i := range strokes {
		if !strokes[i].Deleted {
			live = append(live, strokes[i])
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].StartTime < live[j].StartTime })

	meta, chunks := ink.BuildChunks(page, live, r.cfg.ChunkSize)
	report.Chunks = len(chunks)

	name := page.DataPage()
	if err := r.store.CreatePage(ctx, name); err != nil {
		return err
	}
	existing, err := r.store.PageTree(ctx, name)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	metaContent, err := ink.EncodeMetadata(meta)
	if err != nil {
		return err
	}
	metaBlock, err := r.store.CreateBlock(ctx, name, metaContent, treestore.CreateOpts{})
	if err != nil {
		return err
	}
	for i := range chunks {
		if i > 0 {
			if err := sleepCtx(ctx, r.cfg.ChunkDelay); err != nil {
				return err
			}
		}
		content, err := ink.EncodeChunk(chunks[i])
		if err != nil {
			return err
		}
		if _, err := r.store.CreateBlock(ctx, metaBlock.UUID, content, treestore.CreateOpts{}); err != nil {
			return err
		}
	}

	// Drop superseded payload blocks; anything that is not a stroke
	// payload stays untouched.
	for _, b := range existing {
		if b.UUID == metaBlock.UUID {
			continue
		}
		if _, err := ink.DecodeMetadata(b.Content); err != nil {
			continue
		}
		if err := r.store.RemoveBlock(ctx, b.UUID); err != nil {
			return err
		}
	}

	r.logger.Debug("recon: stroke set persisted",
		slog.String("page", page.Key()),
		slog.Int("strokes", len(live)),
		slog.Int("chunks", len(chunks)))
	return nil
}

// detectOrphans warns about blocks that keep an ink anchor although no
// live stroke is bound to them. The engine reports them and leaves
// removal to the user; content blocks are never deleted automatically.
func (r *Reconciler) detectOrphans(ctx context.Context, page models.PageID, report *Report) error {
	blocks, err := r.store.PageTree(ctx, page.OutlinePage())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	anchor := findAnchor(blocks)
	if anchor == nil {
		return nil
	}

	strokes, err := r.spool.Strokes(page.Key())
	if err != nil {
		return err
	}
	liveAssoc := make(map[string]bool)
	for i := range strokes {
		if !strokes[i].Deleted && strokes[i].Associated() {
			liveAssoc[strokes[i].BlockUUID] = true
		}
	}

	for _, hit := range BuildAnchorIndex(anchor).Hits() {
		if !liveAssoc[hit.UUID] {
			report.warnf(WarnOrphan, "block %s (%q) keeps an ink anchor but no live strokes", hit.UUID, hit.Content)
		}
	}
	return nil
}

// ReconcileAll runs a pass for every page with pending ink. Pages
// already in a pass are skipped rather than awaited. Page failures are
// reported per page; only cancellation aborts the sweep.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]*Report, error) {
	pages, err := r.spool.ListPages()
	if err != nil {
		return nil, err
	}

	limit := r.cfg.MaxConcurrent
	if limit <= 0 {
		limit = 4
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	var reports []*Report
	for _, p := range pages {
		if p.Pending == 0 {
			continue
		}
		page, err := models.ParsePageKey(p.PageKey)
		if err != nil {
			r.logger.Warn("recon: skipping malformed page key",
				slog.String("page", p.PageKey), slog.String("error", err.Error()))
			continue
		}
		g.Go(func() error {
			rep, err := r.Reconcile(ctx, page, PassOptions{})
			if errors.Is(err, apperr.ErrPassInFlight) {
				return nil
			}
			if rep != nil {
				mu.Lock()
				reports = append(reports, rep)
				mu.Unlock()
			}
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	err = g.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].PageKey < reports[j].PageKey })
	return reports, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
