package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"countersign/internal/config"
	"countersign/internal/domain"
	"countersign/internal/infra/docstore"
	"countersign/internal/infra/ids"
	"countersign/internal/infra/memstore"
	"countersign/internal/infra/metrics"
	"countersign/internal/infra/ratelimit"
	"countersign/internal/usecase"

	"github.com/gin-gonic/gin"
)

const testAdminKey = "admin-secret"

var pngImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type capturedMessage struct {
	address  string
	template string
	payload  map[string]any
}

type captureNotifier struct {
	mu   sync.Mutex
	msgs []capturedMessage
}

func (n *captureNotifier) Send(_ context.Context, address, template string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, capturedMessage{address: address, template: template, payload: payload})
	return nil
}

func (n *captureNotifier) code(t *testing.T, address string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.msgs) - 1; i >= 0; i-- {
		if n.msgs[i].template == "verification_code" && n.msgs[i].address == address {
			return n.msgs[i].payload["code"].(string)
		}
	}
	t.Fatalf("no code sent to %s", address)
	return ""
}

type testServer struct {
	server   *Server
	notifier *captureNotifier
	docs     *docstore.Memory

	mu  sync.Mutex
	now time.Time
}

func (ts *testServer) clock() time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.now
}

func (ts *testServer) advance(d time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.now = ts.now.Add(d)
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		AppEnv:      "development",
		ServiceName: "countersign-test",
		BaseURL:     "https://sign.example.com",
		AdminAPIKey: testAdminKey,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gen, err := ids.New(1)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	ts := &testServer{notifier: &captureNotifier{}, docs: docstore.NewMemory(), now: time.Now().UTC()}
	settings := usecase.DefaultSettings()
	settings.BaseURL = cfg.BaseURL
	engine := usecase.NewEngine(usecase.Deps{
		Repo:      memstore.New(),
		Documents: ts.docs,
		Notifier:  ts.notifier,
		IDs:       gen,
		Clock:     ts.clock,
		Settings:  settings,
	})
	ts.server = NewServer(cfg, ServerDeps{
		Engine:      engine,
		RateLimiter: ratelimit.NewMemory(0, nil),
		Metrics:     metrics.New(),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Key", testAdminKey)
	}
	w := httptest.NewRecorder()
	ts.server.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func tokenPath(t *testing.T, signingURL string) string {
	t.Helper()
	const base = "https://sign.example.com"
	if !strings.HasPrefix(signingURL, base+"/sign/") {
		t.Fatalf("unexpected signing url %q", signingURL)
	}
	return strings.TrimPrefix(signingURL, base)
}

func (ts *testServer) upload(t *testing.T) documentResponse {
	t.Helper()
	upload := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader("%PDF-1.7 lease agreement"))
	upload.Header.Set("X-Admin-Key", testAdminKey)
	upload.Header.Set("X-Document-Name", "lease.pdf")
	w := httptest.NewRecorder()
	ts.server.r.ServeHTTP(w, upload)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}
	return decode[documentResponse](t, w)
}

// createSent uploads a document and creates and sends a request.
func (ts *testServer) createSent(t *testing.T, sigType string, sequential bool, emails ...string) requestResponse {
	t.Helper()
	doc := ts.upload(t)

	signers := make([]createSignerInput, 0, len(emails))
	for i, email := range emails {
		signers = append(signers, createSignerInput{Name: fmt.Sprintf("Signer %d", i+1), Email: email, Order: i + 1})
	}
	w := ts.do(t, http.MethodPost, "/v1/signing-requests", createRequestInput{
		DocumentRef:   doc.DocumentRef,
		DocumentName:  "lease.pdf",
		DocumentHash:  doc.DocumentHash,
		SignatureType: sigType,
		Sequential:    sequential,
		Signers:       signers,
	}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	created := decode[requestResponse](t, w)

	w = ts.do(t, http.MethodPost, "/v1/signing-requests/"+created.ID+"/send", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("send: %d %s", w.Code, w.Body.String())
	}
	return decode[requestResponse](t, w)
}

func signBody() map[string]string {
	return map[string]string{"signatureImage": "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngImage)}
}

func TestSequentialSigningOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	req := ts.createSent(t, "simple", true, "first@example.com", "second@example.com")
	if req.Status != "sent" || len(req.Signers) != 2 {
		t.Fatalf("unexpected request: %+v", req)
	}
	first := tokenPath(t, req.Signers[0].SigningURL)
	second := tokenPath(t, req.Signers[1].SigningURL)

	w := ts.do(t, http.MethodPost, second+"/sign", signBody(), false)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for out of turn, got %d %s", w.Code, w.Body.String())
	}
	if resp := decode[signerResponse](t, w); resp.State != usecase.PageWaitingTurn || resp.Success {
		t.Fatalf("unexpected out-of-turn response: %+v", resp)
	}

	w = ts.do(t, http.MethodGet, first, nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("view: %d %s", w.Code, w.Body.String())
	}
	if view := decode[signerViewResponse](t, w); !view.CanSign || view.Signer.Email != "first@example.com" {
		t.Fatalf("unexpected view: %+v", view)
	}

	w = ts.do(t, http.MethodPost, first+"/sign", signBody(), false)
	if w.Code != http.StatusOK {
		t.Fatalf("first sign: %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, second+"/sign", signBody(), false)
	if w.Code != http.StatusOK {
		t.Fatalf("second sign: %d %s", w.Code, w.Body.String())
	}
	if resp := decode[signerResponse](t, w); !resp.Success || resp.Redirect == "" {
		t.Fatalf("unexpected sign response: %+v", resp)
	}

	w = ts.do(t, http.MethodPost, first+"/sign", signBody(), false)
	if resp := decode[signerResponse](t, w); w.Code != http.StatusConflict || resp.State != usecase.PageCompleted {
		t.Fatalf("expected completed framing, got %d %+v", w.Code, resp)
	}

	w = ts.do(t, http.MethodGet, "/status/"+req.UID, nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "/sign/") || strings.Contains(w.Body.String(), "@example.com") {
		t.Fatalf("status view leaks signer data: %s", w.Body.String())
	}
	status := decode[statusResponse](t, w)
	if status.Status != "completed" || status.ProgressPercent != 100 {
		t.Fatalf("unexpected status: %+v", status)
	}

	w = ts.do(t, http.MethodGet, "/v1/signing-requests/"+req.ID+"/audit", nil, true)
	audit := decode[auditResponse](t, w)
	if !audit.ChainValid {
		t.Fatalf("audit chain invalid: %s", audit.ChainError)
	}
	var actions []string
	for _, e := range audit.Entries {
		actions = append(actions, e.Action)
	}
	want := "created,sent,viewed,signed,signed,completed"
	if got := strings.Join(actions, ","); got != want {
		t.Fatalf("audit actions = %s, want %s", got, want)
	}
}

func TestElectronicSigningOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	req := ts.createSent(t, "electronic", false, "solo@example.com")
	path := tokenPath(t, req.Signers[0].SigningURL)

	w := ts.do(t, http.MethodPost, path+"/sign", signBody(), false)
	if w.Code != http.StatusBadRequest || decode[signerResponse](t, w).Code != "INVALID_CODE" {
		t.Fatalf("expected missing code rejection, got %d %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodPost, path+"/code", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("issue code: %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, path+"/code", nil, false)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected cooldown, got %d %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodPost, path+"/code/verify", map[string]string{"code": "000000x"}, false)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid code, got %d %s", w.Code, w.Body.String())
	}
	code := ts.notifier.code(t, "solo@example.com")
	w = ts.do(t, http.MethodPost, path+"/code/verify", map[string]string{"code": code}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, path+"/sign", signBody(), false)
	if w.Code != http.StatusOK {
		t.Fatalf("sign: %d %s", w.Code, w.Body.String())
	}
}

func TestRejectAndCancel(t *testing.T) {
	ts := newTestServer(t, nil)
	req := ts.createSent(t, "simple", false, "a@example.com", "b@example.com")
	a := tokenPath(t, req.Signers[0].SigningURL)
	b := tokenPath(t, req.Signers[1].SigningURL)

	w := ts.do(t, http.MethodPost, a+"/reject", map[string]string{"reason": ""}, false)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected reason validation, got %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, a+"/reject", map[string]string{"reason": "wrong rent"}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, b+"/sign", signBody(), false)
	if resp := decode[signerResponse](t, w); w.Code != http.StatusGone || resp.State != usecase.PageRejected {
		t.Fatalf("expected rejected framing, got %d %+v", w.Code, resp)
	}
	w = ts.do(t, http.MethodPost, "/v1/signing-requests/"+req.ID+"/cancel", map[string]string{"reason": "late"}, true)
	if w.Code != http.StatusConflict || decode[errorResponse](t, w).Code != "ALREADY_TERMINAL" {
		t.Fatalf("expected already terminal, got %d %s", w.Code, w.Body.String())
	}
}

func TestDeleteRequest(t *testing.T) {
	ts := newTestServer(t, nil)
	req := ts.createSent(t, "simple", false, "a@example.com")
	path := "/v1/signing-requests/" + req.ID

	w := ts.do(t, http.MethodDelete, path, nil, true)
	if w.Code != http.StatusConflict || decode[errorResponse](t, w).Code != "INVALID_STATE" {
		t.Fatalf("expected in-flight request to be kept, got %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, path+"/cancel", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodDelete, path, nil, true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	if w = ts.do(t, http.MethodGet, path, nil, true); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
	if w = ts.do(t, http.MethodGet, tokenPath(t, req.Signers[0].SigningURL), nil, false); w.Code != http.StatusNotFound {
		t.Fatalf("expected signing link to be gone, got %d", w.Code)
	}
}

func TestRequestStatusUsesEngineClock(t *testing.T) {
	ts := newTestServer(t, nil)
	doc := ts.upload(t)
	deadline := ts.clock().Add(time.Hour)
	w := ts.do(t, http.MethodPost, "/v1/signing-requests", createRequestInput{
		DocumentRef:   doc.DocumentRef,
		DocumentHash:  doc.DocumentHash,
		SignatureType: "simple",
		Signers:       []createSignerInput{{Name: "A", Email: "a@example.com"}},
		ExpiresAt:     &deadline,
	}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	created := decode[requestResponse](t, w)
	path := "/v1/signing-requests/" + created.ID
	if w = ts.do(t, http.MethodPost, path+"/send", nil, true); w.Code != http.StatusOK {
		t.Fatalf("send: %d %s", w.Code, w.Body.String())
	}

	ts.advance(2 * time.Hour)
	w = ts.do(t, http.MethodGet, path, nil, true)
	if got := decode[requestResponse](t, w).Status; got != "expired" {
		t.Fatalf("expected expired on the engine clock, got %q", got)
	}
}

func TestDownloadDocument(t *testing.T) {
	ts := newTestServer(t, nil)
	req := ts.createSent(t, "simple", false, "reader@example.com")
	w := ts.do(t, http.MethodGet, tokenPath(t, req.Signers[0].SigningURL)+"/document", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("download: %d %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "%PDF-1.7 lease agreement" {
		t.Fatalf("unexpected body %q", w.Body.String())
	}
	if w.Header().Get("X-Document-SHA256") != req.DocumentHash {
		t.Fatal("hash header missing")
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "lease.pdf") {
		t.Fatalf("unexpected disposition %q", w.Header().Get("Content-Disposition"))
	}
}

func TestCreateValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodPost, "/v1/signing-requests", map[string]any{
		"document_ref":   "documents/x.pdf",
		"document_hash":  strings.Repeat("a", 64),
		"signature_type": "simple",
		"signers":        []map[string]any{{"name": "A", "email": "not-an-email"}},
	}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", w.Code, w.Body.String())
	}
	resp := decode[errorResponse](t, w)
	if resp.Code != "VALIDATION_FAILED" || resp.Details["problems"] == nil {
		t.Fatalf("unexpected error body: %+v", resp)
	}

	w = ts.do(t, http.MethodPost, "/v1/signing-requests", []byte("{"), true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/v1/signing-requests/anything", nil, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	locked := newTestServer(t, func(cfg *config.Config) { cfg.AdminAPIKey = "" })
	w = locked.do(t, http.MethodGet, "/v1/signing-requests/anything", nil, true)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without configured key, got %d", w.Code)
	}
}

func TestUnknownTokenIsNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, token := range []string{"short", strings.Repeat("A", 43)} {
		w := ts.do(t, http.MethodGet, "/sign/"+token, nil, false)
		if w.Code != http.StatusNotFound {
			t.Fatalf("token %q: expected 404, got %d", token, w.Code)
		}
		if resp := decode[signerResponse](t, w); resp.Message != "This signing link is not valid." {
			t.Fatalf("unexpected message %q", resp.Message)
		}
	}
}

func TestSignerRoutesAreRateLimited(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimitRequests = 2
		cfg.RateLimitWindowSeconds = 60
	})
	path := "/sign/" + strings.Repeat("B", 43)
	for i := 0; i < 2; i++ {
		if w := ts.do(t, http.MethodGet, path, nil, false); w.Code != http.StatusNotFound {
			t.Fatalf("request %d: expected 404, got %d", i, w.Code)
		}
	}
	w := ts.do(t, http.MethodGet, path, nil, false)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" || w.Header().Get("RateLimit-Limit") != "2" {
		t.Fatalf("missing rate limit headers: %v", w.Header())
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (domain.RateLimitDecision, error) {
	return domain.RateLimitDecision{}, errors.New("redis down")
}

func TestRateLimiterFailureModes(t *testing.T) {
	for _, failClosed := range []bool{false, true} {
		ts := newTestServer(t, func(cfg *config.Config) {
			cfg.RateLimitRequests = 1
			cfg.RateLimitFailClosed = failClosed
		})
		ts.server.rateLimiter = failingLimiter{}
		w := ts.do(t, http.MethodGet, "/sign/"+strings.Repeat("C", 43), nil, false)
		want := http.StatusNotFound
		if failClosed {
			want = http.StatusTooManyRequests
		}
		if w.Code != want {
			t.Fatalf("failClosed=%v: expected %d, got %d", failClosed, want, w.Code)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/healthz", nil, false)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"memory"`) {
		t.Fatalf("healthz: %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodGet, "/metrics", nil, false)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "countersign_http_requests_total") {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestRedactPath(t *testing.T) {
	cases := map[string]string{
		"/sign/abc":          "/sign/[redacted]",
		"/sign/abc/document": "/sign/[redacted]/document",
		"/status/SR-1":       "/status/SR-1",
	}
	for in, want := range cases {
		if got := redactPath(in); got != want {
			t.Fatalf("redactPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrRequestExpired, http.StatusGone, "EXPIRED"},
		{fmt.Errorf("%w: code", domain.ErrExpired), http.StatusBadRequest, "CODE_EXPIRED"},
		{domain.ErrRequestCancelled, http.StatusGone, "CANCELLED"},
		{domain.ErrAlreadyCompleted, http.StatusConflict, "ALREADY_COMPLETED"},
		{domain.ErrNotSent, http.StatusConflict, "NOT_SENT"},
		{&domain.RateLimitError{RetryAfter: time.Second}, http.StatusTooManyRequests, "RATE_LIMITED"},
		{errors.New("disk full"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		got, _ := classify(tc.err)
		if got.status != tc.status || got.code != tc.code {
			t.Fatalf("classify(%v) = %d %s, want %d %s", tc.err, got.status, got.code, tc.status, tc.code)
		}
	}
}
