// Package testutil provides shared test helpers: a temporary spool
// database and in-memory fakes for the tree store and the recognizer.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/recognize"
	"github.com/starford/ansuz/internal/spool"
	"github.com/starford/ansuz/internal/treestore"
)

// TestSpool creates a temporary spool database that is automatically
// cleaned up.
func TestSpool(t *testing.T) *spool.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "ansuz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := spool.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// QuietLogger returns a logger that only reports errors, keeping test
// output readable.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// FakeTreeStore is an in-memory treestore.Store. Pages hold block
// trees; operations mimic the real store's semantics, including the
// property strip on content updates.
type FakeTreeStore struct {
	mu     sync.Mutex
	pages  map[string][]*models.Block
	nextID int

	// Calls records every mutating operation in order, for assertions
	// on call sequencing.
	Calls []string

	// FailCreates makes the next N CreateBlock calls fail.
	FailCreates int
}

var _ treestore.Store = (*FakeTreeStore)(nil)

// NewFakeTreeStore returns an empty fake store.
func NewFakeTreeStore() *FakeTreeStore {
	return &FakeTreeStore{pages: make(map[string][]*models.Block)}
}

func (f *FakeTreeStore) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// PageTree returns a deep copy of the page's blocks, so callers cannot
// mutate store state behind its back.
func (f *FakeTreeStore) PageTree(_ context.Context, name string) ([]*models.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blocks, ok := f.pages[name]
	if !ok {
		return nil, fmt.Errorf("treestore: %s: %w", name, apperr.ErrNotFound)
	}
	out := make([]*models.Block, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, copyBlock(b, ""))
	}
	return out, nil
}

func copyBlock(b *models.Block, parent string) *models.Block {
	c := &models.Block{UUID: b.UUID, Content: b.Content, ParentUUID: parent}
	if len(b.Properties) > 0 {
		c.Properties = make(map[string]string, len(b.Properties))
		for k, v := range b.Properties {
			c.Properties[k] = v
		}
	}
	for _, child := range b.Children {
		c.Children = append(c.Children, copyBlock(child, b.UUID))
	}
	return c
}

func (f *FakeTreeStore) CreatePage(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pages[name]; !ok {
		f.pages[name] = nil
		f.record("createPage %s", name)
	}
	return nil
}

func (f *FakeTreeStore) CreateBlock(_ context.Context, parent, content string, opts treestore.CreateOpts) (*models.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailCreates > 0 {
		f.FailCreates--
		return nil, &apperr.TransportError{Op: "store.insertBlock", Attempts: 1, Err: fmt.Errorf("injected failure")}
	}

	uuid := opts.CustomID
	if uuid == "" {
		f.nextID++
		uuid = fmt.Sprintf("fake-%04d", f.nextID)
	}
	block := &models.Block{UUID: uuid, Content: content}
	if len(opts.Properties) > 0 {
		block.Properties = make(map[string]string, len(opts.Properties))
		for k, v := range opts.Properties {
			block.Properties[k] = v
		}
	}

	if _, isPage := f.pages[parent]; isPage {
		f.pages[parent] = append(f.pages[parent], block)
		f.record("insertBlock page=%s uuid=%s", parent, uuid)
		return copyBlock(block, ""), nil
	}
	parentBlock := f.find(parent)
	if parentBlock == nil {
		return nil, fmt.Errorf("treestore: parent %s: %w", parent, apperr.ErrNotFound)
	}
	block.ParentUUID = parent
	parentBlock.Children = append(parentBlock.Children, block)
	f.record("insertBlock parent=%s uuid=%s", parent, uuid)
	return copyBlock(block, parent), nil
}

func (f *FakeTreeStore) UpdateBlockContent(_ context.Context, uuid, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.find(uuid)
	if b == nil {
		return fmt.Errorf("treestore: block %s: %w", uuid, apperr.ErrNotFound)
	}
	b.Content = content
	// The real store drops block properties when content is replaced.
	b.Properties = nil
	f.record("updateBlock uuid=%s", uuid)
	return nil
}

func (f *FakeTreeStore) SetBlockProperty(_ context.Context, uuid, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.find(uuid)
	if b == nil {
		return fmt.Errorf("treestore: block %s: %w", uuid, apperr.ErrNotFound)
	}
	if b.Properties == nil {
		b.Properties = make(map[string]string)
	}
	b.Properties[key] = value
	f.record("upsertProperty uuid=%s key=%s", uuid, key)
	return nil
}

func (f *FakeTreeStore) RemoveBlock(_ context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, blocks := range f.pages {
		for i, b := range blocks {
			if b.UUID == uuid {
				f.pages[name] = append(blocks[:i:i], blocks[i+1:]...)
				f.record("removeBlock uuid=%s", uuid)
				return nil
			}
		}
		for _, b := range blocks {
			if removeChild(b, uuid) {
				f.record("removeBlock uuid=%s", uuid)
				return nil
			}
		}
	}
	return fmt.Errorf("treestore: block %s: %w", uuid, apperr.ErrNotFound)
}

func removeChild(b *models.Block, uuid string) bool {
	for i, child := range b.Children {
		if child.UUID == uuid {
			b.Children = append(b.Children[:i:i], b.Children[i+1:]...)
			return true
		}
		if removeChild(child, uuid) {
			return true
		}
	}
	return false
}

// find returns the live block with the given uuid, or nil.
func (f *FakeTreeStore) find(uuid string) *models.Block {
	var found *models.Block
	var walk func(b *models.Block)
	walk = func(b *models.Block) {
		if found != nil {
			return
		}
		if b.UUID == uuid {
			found = b
			return
		}
		for _, child := range b.Children {
			walk(child)
		}
	}
	for _, blocks := range f.pages {
		for _, b := range blocks {
			walk(b)
		}
	}
	return found
}

// Block returns a copy of the block with the given uuid for
// assertions, or nil when absent.
func (f *FakeTreeStore) Block(uuid string) *models.Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.find(uuid)
	if b == nil {
		return nil
	}
	return copyBlock(b, b.ParentUUID)
}

// Seed places a prebuilt block tree on a page, bypassing call
// recording.
func (f *FakeTreeStore) Seed(page string, blocks ...*models.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[page] = append(f.pages[page], blocks...)
}

// FakeRecognizer returns canned results and records what it was asked
// to transcribe.
type FakeRecognizer struct {
	mu sync.Mutex

	// Result is returned from every call unless Err or Func is set.
	Result *recognize.Result
	Err    error

	// Func, when set, computes the result per call.
	Func func(page models.PageID, strokes []models.Stroke) *recognize.Result

	// Submitted collects the stroke ids of each call.
	Submitted [][]string
}

var _ recognize.Recognizer = (*FakeRecognizer)(nil)

func (f *FakeRecognizer) Recognize(_ context.Context, page models.PageID, strokes []models.Stroke) (*recognize.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(strokes))
	for i := range strokes {
		ids[i] = strokes[i].ID
	}
	f.Submitted = append(f.Submitted, ids)
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Func != nil {
		return f.Func(page, strokes), nil
	}
	if f.Result != nil {
		return f.Result, nil
	}
	return &recognize.Result{}, nil
}
