package spool

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

// PassRecord is one row of the pass journal.
type PassRecord struct {
	ID             string
	PageKey        string
	State          string
	NoOp           bool
	Created        int
	Updated        int
	Preserved      int
	DeletedStrokes int
	Chunks         int
	Unassigned     int
	Errors         []string
	Warnings       []string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// PageStatus summarizes one page's working set.
type PageStatus struct {
	PageKey      string
	Strokes      int
	Pending      int
	Deleted      int
	LastPassID   string
	LastState    string
	LastFinished time.Time
}

// UpsertStrokes inserts strokes that are not yet spooled. Duplicates
// by (page, id) are ignored, so re-submitting a batch is harmless.
// Returns how many rows were actually added.
func (db *DB) UpsertStrokes(pageKey string, strokes []models.Stroke) (int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("spool: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO strokes (page_key, id, start_time, end_time, points, block_uuid, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("spool: prepare stroke insert: %w", err)
	}
	defer stmt.Close()

	added := 0
	for i := range strokes {
		s := strokes[i]
		points, err := marshalPoints(s.Points)
		if err != nil {
			return 0, fmt.Errorf("spool: marshal points for %s: %w", s.ID, err)
		}
		res, err := stmt.Exec(pageKey, s.ID, s.StartTime, s.EndTime, points, s.BlockUUID, s.Deleted)
		if err != nil {
			return 0, fmt.Errorf("spool: insert stroke %s: %w", s.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("spool: commit strokes: %w", err)
	}
	return added, nil
}

// Strokes returns a page's full working set in chronological order.
func (db *DB) Strokes(pageKey string) ([]models.Stroke, error) {
	rows, err := db.conn.Query(`
		SELECT id, start_time, end_time, points, block_uuid, deleted
		FROM strokes WHERE page_key = ?
		ORDER BY start_time, id
	`, pageKey)
	if err != nil {
		return nil, fmt.Errorf("spool: strokes: %w", err)
	}
	defer rows.Close()

	var out []models.Stroke
	for rows.Next() {
		var s models.Stroke
		var points string
		var deleted int
		if err := rows.Scan(&s.ID, &s.StartTime, &s.EndTime, &points, &s.BlockUUID, &deleted); err != nil {
			return nil, err
		}
		s.Deleted = deleted != 0
		if s.Points, err = unmarshalPoints(points); err != nil {
			return nil, fmt.Errorf("spool: points for %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Associate binds strokes to the blocks their ink was transcribed
// into. The WHERE guard makes the binding set-once: a stroke already
// bound to a different block is left untouched and its id is returned
// in conflicts. Binding a stroke to its current block is a no-op, not
// a conflict.
func (db *DB) Associate(pageKey string, assoc map[string]string) ([]string, error) {
	if len(assoc) == 0 {
		return nil, nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("spool: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		UPDATE strokes SET block_uuid = ?
		WHERE page_key = ? AND id = ? AND (block_uuid = '' OR block_uuid = ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("spool: prepare associate: %w", err)
	}
	defer stmt.Close()

	var conflicts []string
	for id, uuid := range assoc {
		res, err := stmt.Exec(uuid, pageKey, id, uuid)
		if err != nil {
			return nil, fmt.Errorf("spool: associate %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			conflicts = append(conflicts, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("spool: commit associations: %w", err)
	}
	return conflicts, nil
}

// MarkDeleted flags the given strokes as removed. Only marks rows that
// exist; unknown ids are ignored. Returns how many rows were marked.
func (db *DB) MarkDeleted(pageKey string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("spool: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`UPDATE strokes SET deleted = 1 WHERE page_key = ? AND id = ? AND deleted = 0`)
	if err != nil {
		return 0, fmt.Errorf("spool: prepare mark deleted: %w", err)
	}
	defer stmt.Close()

	marked := 0
	for _, id := range ids {
		res, err := stmt.Exec(pageKey, id)
		if err != nil {
			return 0, fmt.Errorf("spool: mark deleted %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			marked++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("spool: commit deletions: %w", err)
	}
	return marked, nil
}

// PendingCount returns how many live strokes on the page still await
// association.
func (db *DB) PendingCount(pageKey string) (int, error) {
	var n int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM strokes
		WHERE page_key = ? AND block_uuid = '' AND deleted = 0
	`, pageKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("spool: pending count: %w", err)
	}
	return n, nil
}

// ListPages summarizes every page the spool knows about, including
// pages whose only trace is a journal entry.
func (db *DB) ListPages() ([]PageStatus, error) {
	byKey := make(map[string]*PageStatus)
	var order []string

	rows, err := db.conn.Query(`
		SELECT page_key,
		       COUNT(*),
		       SUM(CASE WHEN block_uuid = '' AND deleted = 0 THEN 1 ELSE 0 END),
		       SUM(deleted)
		FROM strokes GROUP BY page_key ORDER BY page_key
	`)
	if err != nil {
		return nil, fmt.Errorf("spool: list pages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		st := &PageStatus{}
		if err := rows.Scan(&st.PageKey, &st.Strokes, &st.Pending, &st.Deleted); err != nil {
			return nil, err
		}
		byKey[st.PageKey] = st
		order = append(order, st.PageKey)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	passRows, err := db.conn.Query(`
		SELECT p.page_key, p.id, p.state, p.finished_at
		FROM passes p
		JOIN (SELECT page_key, MAX(started_at) AS ts FROM passes GROUP BY page_key) latest
		  ON p.page_key = latest.page_key AND p.started_at = latest.ts
	`)
	if err != nil {
		return nil, fmt.Errorf("spool: list passes: %w", err)
	}
	defer passRows.Close()
	for passRows.Next() {
		var key, id, state string
		var finished sql.NullTime
		if err := passRows.Scan(&key, &id, &state, &finished); err != nil {
			return nil, err
		}
		st, ok := byKey[key]
		if !ok {
			st = &PageStatus{PageKey: key}
			byKey[key] = st
			order = append(order, key)
		}
		st.LastPassID = id
		st.LastState = state
		if finished.Valid {
			st.LastFinished = finished.Time
		}
	}
	if err := passRows.Err(); err != nil {
		return nil, err
	}

	out := make([]PageStatus, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out, nil
}

// RecordPass appends a finished pass to the journal.
func (db *DB) RecordPass(rec PassRecord) error {
	errsJSON, _ := json.Marshal(emptyIfNil(rec.Errors))
	warnsJSON, _ := json.Marshal(emptyIfNil(rec.Warnings))

	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt
	}
	_, err := db.conn.Exec(`
		INSERT INTO passes (id, page_key, state, no_op, created, updated, preserved,
		                    deleted_strokes, chunks, unassigned, errors, warnings,
		                    started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.PageKey, rec.State, rec.NoOp, rec.Created, rec.Updated, rec.Preserved,
		rec.DeletedStrokes, rec.Chunks, rec.Unassigned, string(errsJSON), string(warnsJSON),
		rec.StartedAt, finished)
	if err != nil {
		return fmt.Errorf("spool: record pass: %w", err)
	}
	return nil
}

// LastPass returns the page's most recent journal entry, or
// apperr.ErrNotFound when the page has never been reconciled.
func (db *DB) LastPass(pageKey string) (*PassRecord, error) {
	row := db.conn.QueryRow(`
		SELECT id, page_key, state, no_op, created, updated, preserved,
		       deleted_strokes, chunks, unassigned, errors, warnings,
		       started_at, finished_at
		FROM passes WHERE page_key = ?
		ORDER BY started_at DESC, id DESC LIMIT 1
	`, pageKey)

	var rec PassRecord
	var noOp int
	var errsJSON, warnsJSON string
	var finished sql.NullTime
	err := row.Scan(&rec.ID, &rec.PageKey, &rec.State, &noOp, &rec.Created, &rec.Updated,
		&rec.Preserved, &rec.DeletedStrokes, &rec.Chunks, &rec.Unassigned,
		&errsJSON, &warnsJSON, &rec.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("spool: last pass: %w", err)
	}
	rec.NoOp = noOp != 0
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	if err := json.Unmarshal([]byte(errsJSON), &rec.Errors); err != nil {
		return nil, fmt.Errorf("spool: pass errors: %w", err)
	}
	if err := json.Unmarshal([]byte(warnsJSON), &rec.Warnings); err != nil {
		return nil, fmt.Errorf("spool: pass warnings: %w", err)
	}
	return &rec, nil
}

// SeenBatch reports whether a batch with this checksum was already
// ingested.
func (db *DB) SeenBatch(checksum string) (bool, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM batches WHERE checksum = ?`, checksum).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("spool: seen batch: %w", err)
	}
	return n > 0, nil
}

// RecordBatch remembers an ingested batch checksum. Recording the same
// checksum twice is a no-op.
func (db *DB) RecordBatch(checksum, pageKey string) error {
	_, err := db.conn.Exec(`
		INSERT OR IGNORE INTO batches (checksum, page_key) VALUES (?, ?)
	`, checksum, pageKey)
	if err != nil {
		return fmt.Errorf("spool: record batch: %w", err)
	}
	return nil
}

func marshalPoints(points []models.Point) (string, error) {
	flat := make([][3]float64, len(points))
	for i, p := range points {
		flat[i] = [3]float64{p.X, p.Y, float64(p.T)}
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalPoints(raw string) ([]models.Point, error) {
	var flat [][3]float64
	if err := json.Unmarshal([]byte(raw), &flat); err != nil {
		return nil, err
	}
	points := make([]models.Point, len(flat))
	for i, p := range flat {
		points[i] = models.Point{X: p[0], Y: p[1], T: int64(p[2])}
	}
	return points, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
