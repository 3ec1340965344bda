package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/ingest"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/recognize"
	"github.com/starford/ansuz/internal/recon"
	"github.com/starford/ansuz/internal/spool"
	"github.com/starford/ansuz/internal/testutil"
)

const testPageKey = "s3.o27.b603.p57"

const testBatch = `{
  "page": "s3.o27.b603.p57",
  "strokes": [
    {"startTime": 1000, "endTime": 1200, "points": [[1, 10, 1000], [2, 15, 1040]]},
    {"startTime": 2000, "endTime": 2300, "points": [[1, 20, 2000], [2, 25, 2050]]}
  ]
}`

type apiEnv struct {
	sp   *spool.DB
	tree *testutil.FakeTreeStore
	rec  *testutil.FakeRecognizer
}

// testEnv wires a real spool behind a fake tree store and recognizer.
// authToken="" means disabled mode.
func testEnv(t *testing.T, authToken string) (*apiEnv, http.Handler) {
	t.Helper()
	return testEnvWithSSE(t, authToken != "", authToken, nil)
}

func testEnvWithSSE(t *testing.T, authEnabled bool, token string, sseHandler http.Handler) (*apiEnv, http.Handler) {
	t.Helper()

	sp := testutil.TestSpool(t)
	tree := testutil.NewFakeTreeStore()
	rec := &testutil.FakeRecognizer{}
	logger := testutil.QuietLogger()

	rc := recon.New(sp, tree, rec, recon.Config{}, logger, nil)
	ing := ingest.NewIngestor(sp, logger, nil)
	svc := NewService(sp, tree, rc, ing)
	router := NewRouter(svc, authEnabled, token, sseHandler)
	return &apiEnv{sp: sp, tree: tree, rec: rec}, router
}

func recognizedLine(text string, minY, maxY float64, strokeIDs ...string) models.Line {
	return models.Line{
		Text:      text,
		Canonical: models.Canonicalize(text),
		Bounds:    &models.Bounds{MinY: minY, MaxY: maxY},
		StrokeIDs: strokeIDs,
	}
}

func submitBatch(t *testing.T, router http.Handler, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/pages/"+key+"/strokes", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitStrokesAndListPages(t *testing.T) {
	_, router := testEnv(t, "")

	w := submitBatch(t, router, testPageKey, testBatch)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body = %s", w.Code, w.Body.String())
	}
	var rcpt BatchReceipt
	_ = json.Unmarshal(w.Body.Bytes(), &rcpt)
	if rcpt.Received != 2 || rcpt.Added != 2 {
		t.Errorf("receipt = %+v, want 2 received, 2 added", rcpt)
	}
	if rcpt.Checksum == "" {
		t.Error("receipt has no checksum")
	}

	req := httptest.NewRequest(http.MethodGet, "/pages", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list PageListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(list.Pages))
	}
	if list.Pages[0].Page != testPageKey || list.Pages[0].Pending != 2 {
		t.Errorf("page entry = %+v", list.Pages[0])
	}
}

func TestSubmitStrokes_DuplicateBatch(t *testing.T) {
	_, router := testEnv(t, "")

	if w := submitBatch(t, router, testPageKey, testBatch); w.Code != http.StatusAccepted {
		t.Fatalf("first submit = %d", w.Code)
	}
	w := submitBatch(t, router, testPageKey, testBatch)
	if w.Code != http.StatusAccepted {
		t.Fatalf("second submit = %d", w.Code)
	}
	var rcpt BatchReceipt
	_ = json.Unmarshal(w.Body.Bytes(), &rcpt)
	if !rcpt.Duplicate || rcpt.Added != 0 {
		t.Errorf("receipt = %+v, want duplicate with 0 added", rcpt)
	}
}

func TestSubmitStrokes_PageMismatch(t *testing.T) {
	env, router := testEnv(t, "")

	w := submitBatch(t, router, "s1.o1.b1.p1", testBatch)
	if w.Code != http.StatusBadRequest {
		t.Errorf("mismatched submit = %d, want 400", w.Code)
	}
	if n, _ := env.sp.PendingCount(testPageKey); n != 0 {
		t.Errorf("pending = %d, want 0 after rejected submit", n)
	}
}

func TestSubmitStrokes_InvalidBatch(t *testing.T) {
	_, router := testEnv(t, "")

	w := submitBatch(t, router, testPageKey, `{"page": "s3.o27.b603.p57"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty batch = %d, want 400", w.Code)
	}
}

func TestGetPage(t *testing.T) {
	_, router := testEnv(t, "")

	if w := submitBatch(t, router, testPageKey, testBatch); w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/pages/"+testPageKey, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get page = %d, body = %s", w.Code, w.Body.String())
	}
	var detail PageDetail
	_ = json.Unmarshal(w.Body.Bytes(), &detail)
	if detail.Strokes != 2 || detail.Pending != 2 {
		t.Errorf("detail = %+v, want 2 strokes pending", detail)
	}
	if detail.State != recon.StateIdle {
		t.Errorf("state = %q, want idle", detail.State)
	}
	if detail.LastPass != nil {
		t.Errorf("last pass = %+v, want none before first pass", detail.LastPass)
	}
}

func TestGetPage_NotFound(t *testing.T) {
	_, router := testEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/pages/s9.o9.b9.p9", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown page = %d, want 404", w.Code)
	}
}

func TestGetPage_BadKey(t *testing.T) {
	_, router := testEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/pages/notebook-7", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad key = %d, want 400", w.Code)
	}
}

func TestReconcileFlow(t *testing.T) {
	env, router := testEnv(t, "")
	env.rec.Result = &recognize.Result{Lines: []models.Line{
		recognizedLine("Buy milk", 10, 15, "s1000"),
		recognizedLine("Call dentist", 20, 25, "s2000"),
	}}

	if w := submitBatch(t, router, testPageKey, testBatch); w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d", w.Code)
	}

	// Trigger a pass.
	req := httptest.NewRequest(http.MethodPost, "/pages/"+testPageKey+"/reconcile", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile = %d, body = %s", w.Code, w.Body.String())
	}
	var rep Report
	_ = json.Unmarshal(w.Body.Bytes(), &rep)
	if rep.State != recon.StateCompleted || rep.Created != 2 {
		t.Errorf("report = state %q created %d, want completed with 2", rep.State, rep.Created)
	}

	// Outline read-through.
	req = httptest.NewRequest(http.MethodGet, "/pages/"+testPageKey+"/transcription", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("transcription = %d, body = %s", w.Code, w.Body.String())
	}
	var tr Transcription
	_ = json.Unmarshal(w.Body.Bytes(), &tr)
	if len(tr.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(tr.Lines))
	}
	if tr.Lines[0].Content != "Buy milk" || tr.Lines[1].Content != "Call dentist" {
		t.Errorf("lines = %q, %q", tr.Lines[0].Content, tr.Lines[1].Content)
	}
	if !tr.Lines[0].Generated {
		t.Error("created block should carry a generated id")
	}
	if tr.Lines[0].Bounds != "10-15" {
		t.Errorf("bounds = %q, want 10-15", tr.Lines[0].Bounds)
	}

	// Journaled report.
	req = httptest.NewRequest(http.MethodGet, "/pages/"+testPageKey+"/report", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("report = %d", w.Code)
	}
	var sum PassSummary
	_ = json.Unmarshal(w.Body.Bytes(), &sum)
	if sum.Created != 2 || sum.State != recon.StateCompleted {
		t.Errorf("summary = %+v", sum)
	}

	// Second pass has nothing left to do.
	req = httptest.NewRequest(http.MethodPost, "/pages/"+testPageKey+"/reconcile", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("second reconcile = %d", w.Code)
	}
	rep = Report{}
	_ = json.Unmarshal(w.Body.Bytes(), &rep)
	if !rep.NoOp {
		t.Errorf("second pass = %+v, want no-op", rep)
	}
}

func TestReconcile_WithDeleteIDs(t *testing.T) {
	env, router := testEnv(t, "")
	env.rec.Result = &recognize.Result{Lines: []models.Line{
		recognizedLine("Call dentist", 20, 25, "s2000"),
	}}

	if w := submitBatch(t, router, testPageKey, testBatch); w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d", w.Code)
	}

	body, _ := json.Marshal(ReconcileRequest{DeleteStrokeIDs: []string{"s1000"}})
	req := httptest.NewRequest(http.MethodPost, "/pages/"+testPageKey+"/reconcile", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile = %d, body = %s", w.Code, w.Body.String())
	}
	var rep Report
	_ = json.Unmarshal(w.Body.Bytes(), &rep)
	if rep.DeletedStrokes != 1 || rep.Created != 1 {
		t.Errorf("report = %+v, want 1 deleted, 1 created", rep)
	}
}

func TestReconcile_Conflict(t *testing.T) {
	env, router := testEnv(t, "")

	if w := submitBatch(t, router, testPageKey, testBatch); w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d", w.Code)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	env.rec.Func = func(models.PageID, []models.Stroke) *recognize.Result {
		close(started)
		<-release
		return &recognize.Result{}
	}

	first := httptest.NewRecorder()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := httptest.NewRequest(http.MethodPost, "/pages/"+testPageKey+"/reconcile", nil)
		router.ServeHTTP(first, req)
	}()
	<-started

	// Page is mid-pass; a second trigger is refused, not queued.
	req := httptest.NewRequest(http.MethodPost, "/pages/"+testPageKey+"/reconcile", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("concurrent reconcile = %d, want 409", w.Code)
	}

	close(release)
	wg.Wait()
	if first.Code != http.StatusOK {
		t.Errorf("first reconcile = %d, body = %s", first.Code, first.Body.String())
	}
}

func TestReconcileAllEndpoint(t *testing.T) {
	env, router := testEnv(t, "")
	env.rec.Func = func(page models.PageID, strokes []models.Stroke) *recognize.Result {
		ids := make([]string, len(strokes))
		for i := range strokes {
			ids[i] = strokes[i].ID
		}
		return &recognize.Result{Lines: []models.Line{
			recognizedLine("Page "+page.Key(), 10, 15, ids...),
		}}
	}

	if w := submitBatch(t, router, testPageKey, testBatch); w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d", w.Code)
	}
	other := strings.ReplaceAll(testBatch, "b603.p57", "b603.p58")
	if w := submitBatch(t, router, "s3.o27.b603.p58", other); w.Code != http.StatusAccepted {
		t.Fatalf("submit p58 = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/reconcile", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile all = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ReconcileAllResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(resp.Reports))
	}
	for _, rep := range resp.Reports {
		if rep.State != recon.StateCompleted {
			t.Errorf("page %s state = %q", rep.PageKey, rep.State)
		}
	}
}

func TestDeleteStrokes(t *testing.T) {
	_, router := testEnv(t, "")

	if w := submitBatch(t, router, testPageKey, testBatch); w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d", w.Code)
	}

	body, _ := json.Marshal(map[string][]string{"ids": {"s1000"}})
	req := httptest.NewRequest(http.MethodDelete, "/pages/"+testPageKey+"/strokes", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d, body = %s", w.Code, w.Body.String())
	}
	var resp DeleteStrokesResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Removed != 1 {
		t.Errorf("removed = %d, want 1", resp.Removed)
	}

	req = httptest.NewRequest(http.MethodGet, "/pages/"+testPageKey, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var detail PageDetail
	_ = json.Unmarshal(w.Body.Bytes(), &detail)
	if detail.Pending != 1 || detail.Deleted != 1 {
		t.Errorf("detail = %+v, want 1 pending, 1 deleted", detail)
	}
}

func TestDeleteStrokes_EmptyIDs(t *testing.T) {
	_, router := testEnv(t, "")

	req := httptest.NewRequest(http.MethodDelete, "/pages/"+testPageKey+"/strokes", strings.NewReader(`{"ids": []}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty ids = %d, want 400", w.Code)
	}
}

func TestRemoveBlock(t *testing.T) {
	env, router := testEnv(t, "")
	env.rec.Result = &recognize.Result{Lines: []models.Line{
		recognizedLine("Buy milk", 10, 15, "s1000"),
		recognizedLine("Call dentist", 20, 25, "s2000"),
	}}

	if w := submitBatch(t, router, testPageKey, testBatch); w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/pages/"+testPageKey+"/reconcile", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/pages/"+testPageKey+"/transcription", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var tr Transcription
	_ = json.Unmarshal(w.Body.Bytes(), &tr)
	if len(tr.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(tr.Lines))
	}
	uuid := tr.Lines[0].UUID

	req = httptest.NewRequest(http.MethodDelete, "/blocks/"+uuid+"?page="+testPageKey, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("remove block = %d, body = %s", w.Code, w.Body.String())
	}
	var resp RemoveBlockResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.RemovedStrokes != 1 {
		t.Errorf("removed strokes = %d, want 1", resp.RemovedStrokes)
	}

	// The line is gone from the outline and its ink is retired.
	req = httptest.NewRequest(http.MethodGet, "/pages/"+testPageKey+"/transcription", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	tr = Transcription{}
	_ = json.Unmarshal(w.Body.Bytes(), &tr)
	if len(tr.Lines) != 1 || tr.Lines[0].Content != "Call dentist" {
		t.Errorf("lines after removal = %+v", tr.Lines)
	}

	req = httptest.NewRequest(http.MethodGet, "/pages/"+testPageKey, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var detail PageDetail
	_ = json.Unmarshal(w.Body.Bytes(), &detail)
	if detail.Deleted != 1 {
		t.Errorf("deleted strokes = %d, want 1", detail.Deleted)
	}
}

func TestRemoveBlock_MissingPageParam(t *testing.T) {
	_, router := testEnv(t, "")

	req := httptest.NewRequest(http.MethodDelete, "/blocks/some-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing page param = %d, want 400", w.Code)
	}
}

func TestRemoveBlock_UnknownUUID(t *testing.T) {
	env, router := testEnv(t, "")
	env.rec.Result = &recognize.Result{Lines: []models.Line{
		recognizedLine("Buy milk", 10, 15, "s1000"),
	}}

	if w := submitBatch(t, router, testPageKey, testBatch); w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/pages/"+testPageKey+"/reconcile", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/blocks/no-such-uuid?page="+testPageKey, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown uuid = %d, want 404", w.Code)
	}
}

func TestTranscription_NotFound(t *testing.T) {
	_, router := testEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/pages/"+testPageKey+"/transcription", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing outline = %d, want 404", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/pages", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/pages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/pages", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	_, router := testEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/pages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

// stubSSEHandler writes headers and blocks until the request context is done.
func stubSSEHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, router := testEnvWithSSE(t, true, "secret", stubSSEHandler())

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	_, router := testEnvWithSSE(t, true, "tok", stubSSEHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}
