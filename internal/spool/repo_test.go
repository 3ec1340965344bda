package spool

import (
	"errors"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "ansuz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func stroke(id string, start int64) models.Stroke {
	return models.Stroke{
		ID:        id,
		StartTime: start,
		EndTime:   start + 50,
		Points:    []models.Point{{X: 1, Y: 2, T: start}, {X: 3, Y: 4, T: start + 50}},
	}
}

const pageA = "s3.o27.b603.p57"

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	var count int
	for _, table := range []string{"strokes", "passes", "batches"} {
		if err := db.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestUpsertStrokesIgnoresDuplicates(t *testing.T) {
	db := testDB(t)

	added, err := db.UpsertStrokes(pageA, []models.Stroke{stroke("s100", 100), stroke("s200", 200)})
	if err != nil {
		t.Fatalf("UpsertStrokes: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	added, err = db.UpsertStrokes(pageA, []models.Stroke{stroke("s100", 100), stroke("s300", 300)})
	if err != nil {
		t.Fatalf("UpsertStrokes: %v", err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1 (s100 is a duplicate)", added)
	}

	got, err := db.Strokes(pageA)
	if err != nil {
		t.Fatalf("Strokes: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("strokes = %d, want 3", len(got))
	}
}

func TestUpsertStrokesDoesNotResurrectAssociations(t *testing.T) {
	db := testDB(t)
	_, _ = db.UpsertStrokes(pageA, []models.Stroke{stroke("s100", 100)})
	if _, err := db.Associate(pageA, map[string]string{"s100": "blk-1"}); err != nil {
		t.Fatalf("Associate: %v", err)
	}

	// Re-submitting the same raw batch must not clear the binding.
	if _, err := db.UpsertStrokes(pageA, []models.Stroke{stroke("s100", 100)}); err != nil {
		t.Fatalf("UpsertStrokes: %v", err)
	}
	got, _ := db.Strokes(pageA)
	if got[0].BlockUUID != "blk-1" {
		t.Fatalf("block uuid = %q, want blk-1", got[0].BlockUUID)
	}
}

func TestStrokesChronologicalOrder(t *testing.T) {
	db := testDB(t)
	_, _ = db.UpsertStrokes(pageA, []models.Stroke{stroke("s300", 300), stroke("s100", 100), stroke("s200", 200)})

	got, err := db.Strokes(pageA)
	if err != nil {
		t.Fatalf("Strokes: %v", err)
	}
	want := []string{"s100", "s200", "s300"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("stroke %d = %s, want %s", i, got[i].ID, id)
		}
	}
	if len(got[0].Points) != 2 || got[0].Points[0] != (models.Point{X: 1, Y: 2, T: 100}) {
		t.Fatalf("points round trip = %+v", got[0].Points)
	}
}

func TestStrokesIsolatedByPage(t *testing.T) {
	db := testDB(t)
	_, _ = db.UpsertStrokes(pageA, []models.Stroke{stroke("s100", 100)})
	_, _ = db.UpsertStrokes("s1.o1.b1.p1", []models.Stroke{stroke("s100", 100)})

	got, _ := db.Strokes(pageA)
	if len(got) != 1 {
		t.Fatalf("strokes = %d, want 1", len(got))
	}
}

func TestAssociateIsSetOnce(t *testing.T) {
	db := testDB(t)
	_, _ = db.UpsertStrokes(pageA, []models.Stroke{stroke("s100", 100), stroke("s200", 200)})

	conflicts, err := db.Associate(pageA, map[string]string{"s100": "blk-1", "s200": "blk-2"})
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none", conflicts)
	}

	// Same binding again: idempotent.
	conflicts, err = db.Associate(pageA, map[string]string{"s100": "blk-1"})
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none for identical rebinding", conflicts)
	}

	// Different block: refused and reported.
	conflicts, err = db.Associate(pageA, map[string]string{"s100": "blk-other"})
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0] != "s100" {
		t.Fatalf("conflicts = %v, want [s100]", conflicts)
	}

	got, _ := db.Strokes(pageA)
	if got[0].BlockUUID != "blk-1" {
		t.Fatalf("block uuid = %q, want blk-1 (binding must not change)", got[0].BlockUUID)
	}
}

func TestMarkDeleted(t *testing.T) {
	db := testDB(t)
	_, _ = db.UpsertStrokes(pageA, []models.Stroke{stroke("s100", 100), stroke("s200", 200)})

	marked, err := db.MarkDeleted(pageA, []string{"s100", "s999"})
	if err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if marked != 1 {
		t.Fatalf("marked = %d, want 1", marked)
	}

	got, _ := db.Strokes(pageA)
	if !got[0].Deleted || got[1].Deleted {
		t.Fatalf("deleted flags = %v,%v, want true,false", got[0].Deleted, got[1].Deleted)
	}

	marked, _ = db.MarkDeleted(pageA, []string{"s100"})
	if marked != 0 {
		t.Fatalf("marked = %d, want 0 on second mark", marked)
	}
}

func TestPendingCount(t *testing.T) {
	db := testDB(t)
	_, _ = db.UpsertStrokes(pageA, []models.Stroke{stroke("s100", 100), stroke("s200", 200), stroke("s300", 300)})
	_, _ = db.Associate(pageA, map[string]string{"s100": "blk-1"})
	_, _ = db.MarkDeleted(pageA, []string{"s200"})

	n, err := db.PendingCount(pageA)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

func TestPassJournal(t *testing.T) {
	db := testDB(t)

	if _, err := db.LastPass(pageA); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("LastPass on empty journal = %v, want ErrNotFound", err)
	}

	first := PassRecord{
		ID: "01J0000000000000000000001", PageKey: pageA, State: "completed",
		Created: 2, Chunks: 1,
		Warnings:  []string{"line 3 carries no stroke attribution"},
		StartedAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}
	first.FinishedAt = first.StartedAt.Add(2 * time.Second)
	if err := db.RecordPass(first); err != nil {
		t.Fatalf("RecordPass: %v", err)
	}

	second := PassRecord{
		ID: "01J0000000000000000000002", PageKey: pageA, State: "failed",
		Errors:    []string{"recognize: transport failed after 4 attempts"},
		StartedAt: first.StartedAt.Add(time.Minute),
	}
	if err := db.RecordPass(second); err != nil {
		t.Fatalf("RecordPass: %v", err)
	}

	got, err := db.LastPass(pageA)
	if err != nil {
		t.Fatalf("LastPass: %v", err)
	}
	if got.ID != second.ID || got.State != "failed" {
		t.Fatalf("last pass = %+v, want the second record", got)
	}
	if len(got.Errors) != 1 || got.Errors[0] != second.Errors[0] {
		t.Fatalf("errors = %v", got.Errors)
	}
	if !got.FinishedAt.IsZero() {
		t.Fatalf("finished = %v, want zero for unfinished pass", got.FinishedAt)
	}
}

func TestListPages(t *testing.T) {
	db := testDB(t)
	_, _ = db.UpsertStrokes(pageA, []models.Stroke{stroke("s100", 100), stroke("s200", 200)})
	_, _ = db.Associate(pageA, map[string]string{"s100": "blk-1"})
	_, _ = db.UpsertStrokes("s1.o1.b1.p1", []models.Stroke{stroke("s100", 100)})
	_ = db.RecordPass(PassRecord{
		ID: "01J0000000000000000000003", PageKey: "s9.o9.b9.p9", State: "completed",
		StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC(),
	})

	pages, err := db.ListPages()
	if err != nil {
		t.Fatalf("ListPages: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].PageKey < pages[j].PageKey })
	if pages[1].PageKey != pageA || pages[1].Strokes != 2 || pages[1].Pending != 1 {
		t.Fatalf("page status = %+v", pages[1])
	}
	if pages[2].PageKey != "s9.o9.b9.p9" || pages[2].Strokes != 0 || pages[2].LastState != "completed" {
		t.Fatalf("journal-only page = %+v", pages[2])
	}
}

func TestBatchLedger(t *testing.T) {
	db := testDB(t)

	seen, err := db.SeenBatch("abc123")
	if err != nil {
		t.Fatalf("SeenBatch: %v", err)
	}
	if seen {
		t.Fatal("unknown checksum reported as seen")
	}

	if err := db.RecordBatch("abc123", pageA); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	if err := db.RecordBatch("abc123", pageA); err != nil {
		t.Fatalf("RecordBatch twice: %v", err)
	}

	seen, _ = db.SeenBatch("abc123")
	if !seen {
		t.Fatal("recorded checksum not seen")
	}
}
