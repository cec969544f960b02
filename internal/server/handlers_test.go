package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/medragnosis/medragnosis/internal/auth"
	"github.com/medragnosis/medragnosis/internal/blobstore"
	"github.com/medragnosis/medragnosis/internal/config"
	"github.com/medragnosis/medragnosis/internal/diagnosis"
	"github.com/medragnosis/medragnosis/internal/embedding"
	"github.com/medragnosis/medragnosis/internal/indexer"
	"github.com/medragnosis/medragnosis/internal/llm"
	"github.com/medragnosis/medragnosis/internal/models"
	"github.com/medragnosis/medragnosis/internal/retrieval"
	"github.com/medragnosis/medragnosis/internal/storage"
	"github.com/medragnosis/medragnosis/internal/vector"
)

type testServer struct {
	handler http.Handler
	auth    *auth.Authenticator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	blobs, err := blobstore.NewDiskStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatal(err)
	}
	embedder := embedding.NewMockEmbedder(32)
	vecIdx, err := vector.NewMemoryIndex(32)
	if err != nil {
		t.Fatal(err)
	}
	ingestCfg := &config.IngestConfig{ChunkSize: 200, ChunkOverlap: 20, MaxChunkText: 2000, OCRMinChars: 50, Concurrency: 2, MaxUploadBytes: 1 << 20}
	idx := indexer.NewIndexer(store, blobs, embedder, vecIdx, ingestCfg, nil)
	engine := retrieval.NewEngine(embedder, vecIdx, llm.NewEchoGenerator(0), store)
	svc := diagnosis.NewService(store, blobs, engine, idx)

	authn, err := auth.New("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	status := func(ctx context.Context) (*Status, error) {
		return CollectStatus(ctx, store, vecIdx, nil)
	}
	srv := NewServer(svc, authn, status, &config.ServerConfig{Port: 8080}, ingestCfg.MaxUploadBytes, nil)
	return &testServer{handler: srv.Router(), auth: authn}
}

func (ts *testServer) token(t *testing.T, name string, role models.Role) string {
	t.Helper()
	tok, err := ts.auth.Issue(models.Identity{Name: name, Role: role})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (ts *testServer) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) postJSON(path, token string, body interface{}) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return ts.do(req, token)
}

func (ts *testServer) get(path, token string) *httptest.ResponseRecorder {
	return ts.do(httptest.NewRequest(http.MethodGet, path, nil), token)
}

func (ts *testServer) upload(t *testing.T, token string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, body := range files {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(part, body)
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return ts.do(req, token)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

type uploadResponse struct {
	Message string              `json:"message"`
	Error   string              `json:"error"`
	Files   []indexer.BatchItem `json:"files"`
}

func (ts *testServer) uploadOne(t *testing.T, token, name, body string) string {
	t.Helper()
	w := ts.upload(t, token, map[string]string{name: body})
	if w.Code != http.StatusOK {
		t.Fatalf("upload: status %d body %s", w.Code, w.Body.String())
	}
	var res uploadResponse
	decodeBody(t, w, &res)
	if len(res.Files) != 1 || res.Files[0].DocID == "" {
		t.Fatalf("upload result: %+v", res)
	}
	return res.Files[0].DocID
}

func chatBody(docID, question string) models.ChatRequest {
	return models.ChatRequest{DocID: docID, Messages: []models.ChatMessage{{Role: models.RoleUser, Content: question}}}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.get("/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out map[string]string
	decodeBody(t, w, &out)
	if out["message"] != "ok" {
		t.Errorf("body: %v", out)
	}
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	for _, tok := range []string{"", "garbage"} {
		w := ts.get("/api/v1/diagnosis/history", tok)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: got %d, want 401", tok, w.Code)
		}
		if !strings.Contains(w.Body.String(), `"error"`) {
			t.Errorf("error body: %s", w.Body.String())
		}
	}
}

func TestReportChatAndVerificationFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.token(t, "alice", models.RolePatient)
	bob := ts.token(t, "bob", models.RolePatient)
	doctor := ts.token(t, "dr_house", models.RoleDoctor)

	if w := ts.upload(t, doctor, map[string]string{"cbc.txt": "Hemoglobin: 13.5 g/dL"}); w.Code != http.StatusForbidden {
		t.Fatalf("doctor upload: got %d, want 403", w.Code)
	}
	docID := ts.uploadOne(t, alice, "cbc.txt", "Hemoglobin: 13.5 g/dL")

	w := ts.postJSON("/api/v1/diagnosis/chat", alice, chatBody(docID, "What is the hemoglobin level?"))
	if w.Code != http.StatusOK {
		t.Fatalf("chat: status %d body %s", w.Code, w.Body.String())
	}
	var chat diagnosis.ChatResult
	decodeBody(t, w, &chat)
	if chat.RecordID == "" {
		t.Error("chat should return a record id")
	}
	if len(chat.Sources) != 1 || chat.Sources[0] != "cbc.txt" {
		t.Errorf("sources: %v", chat.Sources)
	}
	if !strings.Contains(chat.Diagnosis, "Hemoglobin: 13.5 g/dL") {
		t.Errorf("answer not grounded in report: %q", chat.Diagnosis)
	}

	if w := ts.postJSON("/api/v1/diagnosis/chat", bob, chatBody(docID, "hemoglobin?")); w.Code != http.StatusForbidden {
		t.Errorf("other patient chat: got %d, want 403", w.Code)
	}
	if w := ts.postJSON("/api/v1/diagnosis/chat", doctor, chatBody(docID, "hemoglobin?")); w.Code != http.StatusForbidden {
		t.Errorf("doctor chat: got %d, want 403", w.Code)
	}

	if w := ts.get("/api/v1/diagnosis/pending", alice); w.Code != http.StatusForbidden {
		t.Errorf("patient pending: got %d, want 403", w.Code)
	}
	w = ts.get("/api/v1/diagnosis/pending", doctor)
	if w.Code != http.StatusOK {
		t.Fatalf("pending: %d", w.Code)
	}
	var pending []models.ReviewRecord
	decodeBody(t, w, &pending)
	if len(pending) != 1 || pending[0].ID != chat.RecordID || pending[0].Filename != "cbc.txt" {
		t.Fatalf("pending: %+v", pending)
	}

	verify := models.VerifyRequest{RecordID: chat.RecordID, Status: models.StatusVerified, Note: "Looks right"}
	if w := ts.postJSON("/api/v1/diagnosis/verify", alice, verify); w.Code != http.StatusForbidden {
		t.Errorf("patient verify: got %d, want 403", w.Code)
	}
	if w := ts.postJSON("/api/v1/diagnosis/verify", doctor, verify); w.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", w.Code, w.Body.String())
	}
	if w := ts.postJSON("/api/v1/diagnosis/verify", doctor, verify); w.Code != http.StatusNotFound {
		t.Errorf("second verify: got %d, want 404", w.Code)
	}

	w = ts.get("/api/v1/diagnosis/history", alice)
	var history []models.ReviewRecord
	decodeBody(t, w, &history)
	if len(history) != 1 || history[0].VerificationStatus != models.StatusVerified {
		t.Fatalf("history: %+v", history)
	}
	if history[0].VerifiedBy == nil || *history[0].VerifiedBy != "dr_house" {
		t.Errorf("verified_by: %v", history[0].VerifiedBy)
	}

	w = ts.get("/api/v1/diagnosis/by_patient_name?patient_name=alice", doctor)
	var byName []models.ReviewRecord
	decodeBody(t, w, &byName)
	if len(byName) != 1 {
		t.Errorf("by_patient_name: %+v", byName)
	}
	w = ts.get("/api/v1/diagnosis/history", bob)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty history should be [], got %s", w.Body.String())
	}
}

func TestDownload(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.token(t, "alice", models.RolePatient)
	docID := ts.uploadOne(t, alice, "lipids.txt", "LDL: 120 mg/dL")

	for name, tc := range map[string]struct {
		token string
		want  int
	}{
		"uploader":      {alice, http.StatusOK},
		"doctor":        {ts.token(t, "dr_house", models.RoleDoctor), http.StatusOK},
		"other patient": {ts.token(t, "bob", models.RolePatient), http.StatusForbidden},
	} {
		t.Run(name, func(t *testing.T) {
			w := ts.get("/api/v1/reports/"+docID+"/download", tc.token)
			if w.Code != tc.want {
				t.Fatalf("got %d, want %d", w.Code, tc.want)
			}
			if tc.want == http.StatusOK {
				if w.Body.String() != "LDL: 120 mg/dL" {
					t.Errorf("body: %q", w.Body.String())
				}
				if !strings.Contains(w.Header().Get("Content-Disposition"), "lipids.txt") {
					t.Errorf("disposition: %q", w.Header().Get("Content-Disposition"))
				}
			}
		})
	}
	if w := ts.get("/api/v1/reports/nope/download", alice); w.Code != http.StatusNotFound {
		t.Errorf("unknown doc: got %d", w.Code)
	}
}

func TestUpload_AllFilesFail(t *testing.T) {
	ts := newTestServer(t)
	w := ts.upload(t, ts.token(t, "alice", models.RolePatient), map[string]string{"blank.txt": "   ", "x.exe": "MZ"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422", w.Code)
	}
	var res uploadResponse
	decodeBody(t, w, &res)
	if len(res.Files) != 2 || res.Error == "" {
		t.Errorf("response: %+v", res)
	}
}

func TestUpload_PartialSuccess(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.token(t, "alice", models.RolePatient)
	w := ts.upload(t, alice, map[string]string{"blank.txt": "", "tsh.md": "TSH: 2.1 mIU/L"})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	w = ts.get("/api/v1/reports", alice)
	var reports []models.ReportMetadata
	decodeBody(t, w, &reports)
	if len(reports) != 1 || reports[0].Filename != "tsh.md" {
		t.Errorf("reports: %+v", reports)
	}
}

func TestLongitudinal(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.token(t, "alice", models.RolePatient)
	ts.uploadOne(t, alice, "jan.txt", "Hemoglobin: 13.5 g/dL")
	ts.uploadOne(t, alice, "jun.txt", "Hemoglobin: 12.1 g/dL")

	w := ts.postJSON("/api/v1/diagnosis/longitudinal", alice, chatBody("", "How has my hemoglobin changed?"))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	var res diagnosis.ChatResult
	decodeBody(t, w, &res)
	if len(res.Sources) != 0 {
		t.Errorf("longitudinal sources should be empty: %v", res.Sources)
	}
	if !strings.Contains(res.Diagnosis, "13.5") || !strings.Contains(res.Diagnosis, "12.1") {
		t.Errorf("both reports should be in context: %q", res.Diagnosis)
	}

	w = ts.get("/api/v1/diagnosis/pending", ts.token(t, "dr_house", models.RoleDoctor))
	var pending []models.ReviewRecord
	decodeBody(t, w, &pending)
	if len(pending) != 1 || pending[0].Filename != models.LongitudinalLabel || pending[0].Kind != models.KindTrend {
		t.Errorf("pending: %+v", pending)
	}
}

func TestChat_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.token(t, "alice", models.RolePatient)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/diagnosis/chat", strings.NewReader("{not json"))
	if w := ts.do(req, alice); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: got %d", w.Code)
	}
	if w := ts.postJSON("/api/v1/diagnosis/chat", alice, chatBody("missing", "q")); w.Code != http.StatusNotFound {
		t.Errorf("unknown report: got %d", w.Code)
	}
	if w := ts.postJSON("/api/v1/diagnosis/chat", alice, models.ChatRequest{DocID: "d1"}); w.Code != http.StatusBadRequest {
		t.Errorf("no messages: got %d", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.token(t, "alice", models.RolePatient)
	ts.uploadOne(t, alice, "cbc.txt", "Hemoglobin: 13.5 g/dL")

	if w := ts.get("/api/v1/status", alice); w.Code != http.StatusForbidden {
		t.Errorf("patient status: got %d, want 403", w.Code)
	}
	w := ts.get("/api/v1/status", ts.token(t, "dr_house", models.RoleDoctor))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var st Status
	decodeBody(t, w, &st)
	if st.Reports != 1 || st.VectorIndexSize != 1 || st.Diagnoses != 0 {
		t.Errorf("status: %+v", st)
	}
}

func TestCollectStatus_WithConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DatabasePath = filepath.Join(dir, "db.sqlite")
	cfg.Blob.UploadDir = filepath.Join(dir, "uploads")
	config.ApplyDefaults(cfg)
	cfg.Storage.VectorIndexPath = filepath.Join(dir, "vectors.bin")

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	idx, _ := vector.NewMemoryIndex(4)

	st, err := CollectStatus(context.Background(), store, idx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if st.DiskUsage == nil || st.DiskUsage.Paths["database"] == 0 {
		t.Errorf("disk usage: %+v", st.DiskUsage)
	}
	if st.Config == nil || st.Config.VectorIndexType != "memory" || st.Config.ChunkSize != 500 {
		t.Errorf("config: %+v", st.Config)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", models.ErrValidation), http.StatusBadRequest},
		{models.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: not yours", models.ErrUnauthorized), http.StatusForbidden},
		{models.ErrReportNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: decided", models.ErrRecordNotFound), http.StatusNotFound},
		{models.ErrExtraction, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: timeout", models.ErrRetrievalUnavailable), http.StatusServiceUnavailable},
		{models.ErrGenerationUnavailable, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorMessage_HidesUpstreamDetail(t *testing.T) {
	err := fmt.Errorf("%w: embed question: %w", models.ErrRetrievalUnavailable, errors.New("dial tcp 10.0.0.1:443"))
	if got := errorMessage(err, statusFor(err)); got != models.ErrRetrievalUnavailable.Error() {
		t.Errorf("got %q", got)
	}
	if got := errorMessage(errors.New("sql: database is locked"), 500); got != "internal server error" {
		t.Errorf("got %q", got)
	}
}

func TestServer_StartStop(t *testing.T) {
	authn, err := auth.New("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(nil, authn, nil, &config.ServerConfig{Host: "127.0.0.1", Port: 0}, 0, nil)

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start after graceful shutdown returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestServer_StartReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	authn, err := auth.New("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(nil, authn, nil, &config.ServerConfig{Host: "127.0.0.1", Port: port}, 0, nil)
	if err := srv.Start(); err == nil {
		t.Error("expected an error for a port already in use")
	}
}
