package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mid "github.com/casetrace/backend/internal/server/middleware"
	"github.com/casetrace/backend/pkg/ai/local"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/config"
	"github.com/casetrace/backend/pkg/engine"
	"github.com/casetrace/backend/pkg/entity"
	"github.com/casetrace/backend/pkg/store/memory"
)

const masterKey = "test-master-key"

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Audit.SigningKey = "test-key"
	cfg.Embedding.Dimensions = 64

	eng, err := engine.NewEngine(engine.NewEngineParams{
		Config:   cfg,
		Store:    memory.NewMemoryRecordStore(memory.NewMemoryRecordStoreParams{}),
		Embedder: local.NewHashEmbedder(64),
		Detector: entity.NewPatternDetector(),
	})
	if err != nil {
		t.Fatalf("expected engine, got error %v", err)
	}
	srv := httptest.NewServer(New(&mid.App{Engine: eng, MasterAPIKey: masterKey}))
	t.Cleanup(func() {
		srv.Close()
		eng.Close()
	})
	return srv, eng
}

func do(t *testing.T, srv *httptest.Server, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer res.Body.Close()
	out := new(bytes.Buffer)
	if _, err := out.ReadFrom(res.Body); err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return res.StatusCode, out.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("failed to decode %s: %v", data, err)
	}
	return v
}

func message(i int, text string) common.IngestItem {
	return common.IngestItem{Record: common.Record{
		SourceFile: "case1/chat.txt",
		Lines:      common.LineRange{Start: i + 1, End: i + 1},
		Timestamp:  base.Add(time.Duration(i) * time.Minute),
		Type:       common.RecordMessage,
		RawText:    text,
	}}
}

type ingestResponse struct {
	Message string                `json:"message"`
	Results []common.IngestResult `json:"results"`
}

func ingest(t *testing.T, srv *httptest.Server, eng *engine.Engine, items ...common.IngestItem) []common.IngestResult {
	t.Helper()
	status, body := do(t, srv, http.MethodPost, "/api/ingest", masterKey, map[string]any{"items": items})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.WaitEmbeddings(ctx); err != nil {
		t.Fatalf("expected embeddings to drain, got %v", err)
	}
	return decode[ingestResponse](t, body).Results
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	status, body := do(t, srv, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	got := decode[map[string]any](t, body)
	if got["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", got["status"])
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		name  string
		token string
	}{
		{name: "no token", token: ""},
		{name: "wrong key without jwks", token: "not-the-key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := do(t, srv, http.MethodPost, "/api/query", tt.token, map[string]any{"text": "harbor"})
			if status != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", status)
			}
		})
	}
}

func TestIngestQueryAndGet(t *testing.T) {
	srv, eng := newTestServer(t)
	results := ingest(t, srv, eng,
		message(0, "meet me at the harbor at nine"),
		message(1, "lunch plans for friday"),
	)
	if len(results) != 2 || results[0].Status != common.IngestStored {
		t.Fatalf("expected two stored records, got %+v", results)
	}

	status, body := do(t, srv, http.MethodPost, "/api/query", masterKey, map[string]any{"text": "harbor", "top_k": 5})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	res := decode[engine.QueryResult](t, body)
	if len(res.Results) == 0 || res.Results[0].RecordID != results[0].RecordID {
		t.Fatalf("expected %s first, got %+v", results[0].RecordID, res.Results)
	}
	if res.Results[0].Lines != (common.LineRange{Start: 1, End: 1}) {
		t.Fatalf("expected line 1, got %+v", res.Results[0].Lines)
	}

	status, body = do(t, srv, http.MethodGet, "/api/records/"+string(results[0].RecordID), masterKey, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if rec := decode[common.Record](t, body); rec.RawText != "meet me at the harbor at nine" {
		t.Fatalf("expected stored text, got %q", rec.RawText)
	}

	status, _ = do(t, srv, http.MethodGet, "/api/records/rec_missing", masterKey, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{name: "empty batch", method: http.MethodPost, path: "/api/ingest", body: map[string]any{"items": []any{}}},
		{name: "async without queue", method: http.MethodPost, path: "/api/ingest", body: map[string]any{"items": []common.IngestItem{message(0, "x")}, "async": true}},
		{name: "negative top_k", method: http.MethodPost, path: "/api/query", body: map[string]any{"text": "x", "top_k": -1}},
		{name: "bad entity id", method: http.MethodGet, path: "/api/entities/abc"},
		{name: "bad timeline bound", method: http.MethodGet, path: "/api/entities/1/timeline?from=yesterday"},
		{name: "bad candidate status", method: http.MethodGet, path: "/api/merge-candidates?status=maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, srv, tt.method, tt.path, masterKey, tt.body)
			if status != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", status, body)
			}
		})
	}
}

func TestMergeReview(t *testing.T) {
	srv, eng := newTestServer(t)
	ingest(t, srv, eng,
		message(0, "write to dealer@mail.example today"),
		message(1, "or use dea1er@mail.example instead"),
	)

	status, body := do(t, srv, http.MethodGet, "/api/merge-candidates", masterKey, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	cands := decode[struct {
		Candidates []entity.MergeCandidate `json:"candidates"`
	}](t, body).Candidates
	if len(cands) == 0 {
		t.Fatalf("expected a pending candidate")
	}
	id := cands[0].ID

	status, body = do(t, srv, http.MethodPost, "/api/merge-candidates/"+id+"/confirm", masterKey, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	status, _ = do(t, srv, http.MethodPost, "/api/merge-candidates/"+id+"/reject", masterKey, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	status, _ = do(t, srv, http.MethodPost, "/api/merge-candidates/mrg_V1StGXR8_Z5jdHi6B-myT/confirm", masterKey, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	status, _ = do(t, srv, http.MethodPost, "/api/merge-candidates/not-an-id/confirm", masterKey, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestAuditEndpoints(t *testing.T) {
	srv, eng := newTestServer(t)
	ingest(t, srv, eng, message(0, "meet me at the harbor"))

	status, body := do(t, srv, http.MethodGet, "/api/audit?operation=record.put", masterKey, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	listed := decode[struct {
		Total   int `json:"total"`
		Entries []struct {
			Actor string `json:"actor"`
		} `json:"entries"`
	}](t, body)
	if len(listed.Entries) != 1 || listed.Entries[0].Actor != "user:master" {
		t.Fatalf("expected one put by user:master, got %+v", listed)
	}

	status, body = do(t, srv, http.MethodGet, "/api/audit/verify", masterKey, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if v := decode[map[string]any](t, body); v["valid"] != true {
		t.Fatalf("expected a valid chain, got %v", v)
	}
}
