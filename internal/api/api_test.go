package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dgallion1/ctxgest/internal/config"
	"github.com/dgallion1/ctxgest/internal/doctree"
	"github.com/dgallion1/ctxgest/internal/extract"
	"github.com/dgallion1/ctxgest/internal/pipeline"
	"github.com/dgallion1/ctxgest/internal/rag"
	"github.com/dgallion1/ctxgest/internal/retrieval"
	"github.com/dgallion1/ctxgest/internal/search"
	"github.com/dgallion1/ctxgest/internal/store/sqlite"
)

const testKey = "secret"

type fakeIngestor struct {
	mu   sync.Mutex
	jobs map[string]*pipeline.Job
	err  error
}

func (f *fakeIngestor) Submit(job *pipeline.Job) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeIngestor) GetJob(id string) *pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeIngestor) QueueDepth() int { return 0 }

type fakeAnswerer struct {
	got []extract.Message
}

func (f *fakeAnswerer) Answer(_ context.Context, history []extract.Message) (rag.Answer, error) {
	f.got = history
	if len(history) == 0 {
		return rag.Answer{}, rag.ErrNoQuestion
	}
	return rag.Answer{Answer: "forty two", Passages: []string{"p"}, UsedRetrieval: true}, nil
}

type recordingSearcher struct {
	search.Local
	removed []string
}

func (r *recordingSearcher) Remove(_ context.Context, ids []string) error {
	r.removed = append(r.removed, ids...)
	return nil
}

type fixture struct {
	srv      *Server
	ingest   *fakeIngestor
	answer   *fakeAnswerer
	searcher *recordingSearcher
	section  doctree.Section
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := sqlite.New(filepath.Join(t.TempDir(), "api.db"))
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sec := doctree.Section{ID: doctree.NewID()}
	p := doctree.Paragraph{ID: doctree.NewID(), SectionID: sec.ID}
	for i, text := range []string{"Alpha one", "beta two ."} {
		p.Chunks = append(p.Chunks, doctree.Chunk{
			ID: doctree.NewID(), ParagraphID: p.ID, ParagraphIndex: i,
			Text: text, Type: doctree.NarrativeText,
		})
	}
	sec.Paragraphs = []doctree.Paragraph{p}
	doc := doctree.Document{ID: doctree.NewID(), Title: "greek", Filename: "greek.md", ContentHash: "h1"}
	if err := st.InsertDocument(ctx, doc, []doctree.Section{sec}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	sec.DocumentID = doc.ID

	cfg := config.Default()
	cfg.APIKey = testKey

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		ingest:   &fakeIngestor{jobs: map[string]*pipeline.Job{}},
		answer:   &fakeAnswerer{},
		searcher: &recordingSearcher{},
		section:  sec,
	}
	f.srv = NewServer(Deps{
		Ingestor:  f.ingest,
		Store:     st,
		Searcher:  f.searcher,
		Retriever: retrieval.NewEngine(st, retrieval.Thresholds{Paragraph: 0.5, Section: 0.5}),
		Answerer:  f.answer,
	}, log, cfg)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	for _, header := range []string{"", "Bearer wrong", "Basic " + testKey} {
		req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		f.srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
}

func TestRetrievePromotesToSection(t *testing.T) {
	f := newFixture(t)
	chunks := f.section.Paragraphs[0].Chunks
	body, _ := json.Marshal(retrieveRequest{ChunkIDs: []string{chunks[0].ID, chunks[1].ID}})

	rec := f.do(t, http.MethodPost, "/api/retrieve", bytes.NewReader(body), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Passages []string `json:"passages"`
	}
	decode(t, rec, &resp)
	if len(resp.Passages) != 1 || resp.Passages[0] != "Alpha one beta two." {
		t.Errorf("unexpected passages %q", resp.Passages)
	}
}

func TestRetrieveEmptyAndErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/retrieve", strings.NewReader(`{"chunk_ids":[]}`), "application/json")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"passages":[]`) {
		t.Errorf("empty input: got %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodPost, "/api/retrieve", strings.NewReader(`{"chunk_ids":["missing"]}`), "application/json")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown chunk: expected 404, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/retrieve", strings.NewReader(`{`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", rec.Code)
	}
}

func TestSectionAndParagraphLookup(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sections/"+f.section.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get section: expected 200, got %d", rec.Code)
	}
	var sec doctree.Section
	decode(t, rec, &sec)
	if sec.ID != f.section.ID || len(sec.Paragraphs) != 1 || len(sec.Paragraphs[0].Chunks) != 2 {
		t.Errorf("unexpected section %+v", sec)
	}

	rec = f.do(t, http.MethodGet, "/api/paragraphs/"+f.section.Paragraphs[0].ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get paragraph: expected 200, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/sections/nope", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing section: expected 404, got %d", rec.Code)
	}
}

func TestDeleteSectionUnindexes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodDelete, "/api/sections/"+f.section.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if len(f.searcher.removed) != 2 {
		t.Errorf("expected 2 chunks removed from index, got %v", f.searcher.removed)
	}

	rec = f.do(t, http.MethodDelete, "/api/sections/"+f.section.ID, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
}

func TestDocumentsListAndDelete(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/documents", nil, "")
	var list struct {
		Documents []struct {
			ID       string `json:"id"`
			Title    string `json:"title"`
			Sections int    `json:"sections"`
			Chunks   int    `json:"chunks"`
		} `json:"documents"`
	}
	decode(t, rec, &list)
	if len(list.Documents) != 1 {
		t.Fatalf("expected 1 document, got %d", len(list.Documents))
	}
	d := list.Documents[0]
	if d.Title != "greek" || d.Sections != 1 || d.Chunks != 2 {
		t.Errorf("unexpected summary %+v", d)
	}

	rec = f.do(t, http.MethodDelete, "/api/documents/"+d.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/sections/"+f.section.ID, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("section should be gone with its document, got %d", rec.Code)
	}
}

func TestQuery(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/query",
		strings.NewReader(`{"messages":[{"role":"user","content":"meaning of life?"}]}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var ans rag.Answer
	decode(t, rec, &ans)
	if ans.Answer != "forty two" || !ans.UsedRetrieval {
		t.Errorf("unexpected answer %+v", ans)
	}
	if len(f.answer.got) != 1 || f.answer.got[0].Content != "meaning of life?" {
		t.Errorf("history not forwarded: %+v", f.answer.got)
	}

	rec = f.do(t, http.MethodPost, "/api/query", strings.NewReader(`{"messages":[]}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no question: expected 400, got %d", rec.Code)
	}
}

func TestQueryUnconfigured(t *testing.T) {
	f := newFixture(t)
	f.srv.deps.Answerer = nil
	rec := f.do(t, http.MethodPost, "/api/query", strings.NewReader(`{"messages":[]}`), "application/json")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func multipartBody(t *testing.T, field, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestIngestAndStatus(t *testing.T) {
	f := newFixture(t)

	body, ct := multipartBody(t, "file", "../notes.md", "# Notes\n\nhello", map[string]string{"title": "Notes", "force": "true"})
	rec := f.do(t, http.MethodPost, "/api/ingest", body, ct)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var accepted map[string]any
	decode(t, rec, &accepted)
	jobID, _ := accepted["job_id"].(string)
	job := f.ingest.GetJob(jobID)
	if job == nil {
		t.Fatalf("job %q not submitted", jobID)
	}
	if job.Filename != "notes.md" || job.Title != "Notes" || !job.Force {
		t.Errorf("unexpected job %+v", job.Snapshot())
	}
	if string(job.FileData()) != "# Notes\n\nhello" {
		t.Errorf("file data not attached")
	}

	rec = f.do(t, http.MethodGet, "/api/ingest/"+jobID+"/status", nil, "")
	var snap pipeline.JobSnapshot
	decode(t, rec, &snap)
	if snap.Status != pipeline.StatusQueued || snap.ID != jobID {
		t.Errorf("unexpected status %+v", snap)
	}

	rec = f.do(t, http.MethodGet, "/api/ingest/unknown/status", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job: expected 404, got %d", rec.Code)
	}
}

func TestIngestRejectsUnsupported(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, "file", "image.png", "PNG", nil)
	rec := f.do(t, http.MethodPost, "/api/ingest", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestBatchIngestReportsPerFile(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range map[string]string{"a.txt": "aaa", "b.exe": "bin"} {
		fw, _ := mw.CreateFormFile("files", name)
		fw.Write([]byte(content))
	}
	mw.Close()

	rec := f.do(t, http.MethodPost, "/api/ingest/batch", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp struct {
		Jobs []map[string]any `json:"jobs"`
	}
	decode(t, rec, &resp)
	if len(resp.Jobs) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Jobs))
	}
	var ok, failed int
	for _, j := range resp.Jobs {
		if _, isErr := j["error"]; isErr {
			failed++
		} else {
			ok++
		}
	}
	if ok != 1 || failed != 1 {
		t.Errorf("expected one accepted and one rejected, got %+v", resp.Jobs)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"report.pdf":       "report.pdf",
		"../../etc/passwd": "passwd",
		"a..b.txt":         "a_b.txt",
		"":                 "unnamed",
		"dir\\evil.md":     "dir_evil.md",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLLMStats(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/stats/llm", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without stats: expected 503, got %d", rec.Code)
	}

	stats := extract.NewCallStats(0)
	stats.Record("embed", 0, nil)
	f.srv.deps.Stats = stats
	f.srv.deps.Models = map[string]string{"embed": "nomic-embed-text"}

	rec = f.do(t, http.MethodGet, "/api/stats/llm", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Models     map[string]string                `json:"models"`
		Operations map[string]extract.StatsSnapshot `json:"operations"`
	}
	decode(t, rec, &resp)
	if resp.Models["embed"] != "nomic-embed-text" || resp.Operations["embed"].Calls != 1 {
		t.Errorf("unexpected stats %+v", resp)
	}
}

func TestAuthAcceptsAPIKeyHeader(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
