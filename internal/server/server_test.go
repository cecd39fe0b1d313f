package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/migrate"
	"reqline/internal/repo"
	"reqline/internal/scenarios"
	"reqline/internal/session"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := session.Open(session.Options{
		Path:    filepath.Join(workspace, ".reqline", "session_store.json"),
		Persist: true,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	e := engine.New(conn, cfg, store)
	e.Logger = log.New(io.Discard, "", 0)
	return e
}

func newTestServer(t *testing.T, cfg Config) (*testServer, func()) {
	t.Helper()
	if cfg.Engine.DB == nil {
		cfg.Engine = newTestEngine(t, nil)
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/v0"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: cfg.Engine,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestBannerAndHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, Config{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("banner status %d", res.StatusCode)
	}
	var banner BannerResponse
	if err := json.Unmarshal(data, &banner); err != nil || banner.Message == "" {
		t.Fatalf("banner = %s (%v)", string(data), err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestPipelineEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, Config{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pipeline", map[string]any{
		"text": "Users can read and delete records",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pipeline status %d: %s", res.StatusCode, string(data))
	}
	var out domain.PipelineResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Conflicts) != 1 {
		t.Fatalf("conflicts = %v", out.Conflicts)
	}
	item, ok := out.API.Paths["/items"]
	if !ok {
		t.Fatalf("paths = %v", out.API.Paths)
	}
	if _, ok := item["get"]; !ok {
		t.Fatalf("missing get in %v", item)
	}
	if _, ok := item["delete"]; !ok {
		t.Fatalf("missing delete in %v", item)
	}
	if out.API.Title != "read_resource" {
		t.Fatalf("title = %q", out.API.Title)
	}
}

func TestPipelineRejectsBlankText(t *testing.T) {
	srv, cleanup := newTestServer(t, Config{})
	defer cleanup()

	for _, body := range []map[string]any{{"text": ""}, {"text": "   "}, {}} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pipeline", body, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %v: status %d: %s", body, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pipeline", map[string]any{"text": " \t"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", res.StatusCode)
	}
	if e := decodeError(t, data); e.Message != "text is required" {
		t.Fatalf("message = %q", e.Message)
	}
}

func TestPipelineMergesSession(t *testing.T) {
	srv, cleanup := newTestServer(t, Config{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/s1", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/pipeline", map[string]any{
		"text":       "Create a new user account within 3 days",
		"session_id": "s1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pipeline status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/s1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get session status %d: %s", res.StatusCode, string(data))
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"parsed", "conflicts", "api"} {
		if _, ok := rec[key]; !ok {
			t.Fatalf("session missing %q: %v", key, rec)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", res.StatusCode)
	}
	var list SessionListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0] != "s1" {
		t.Fatalf("sessions = %v", list.Sessions)
	}
}

func TestSessionSetAndMerge(t *testing.T) {
	srv, cleanup := newTestServer(t, Config{})
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/v0/sessions/notes"

	res, data := doJSON(t, client, http.MethodPut, url, map[string]any{"a": 1, "b": map[string]any{"x": 1}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, url, map[string]any{"b": map[string]any{"y": 2}, "c": "z"}, map[string]string{"X-Actor-Id": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, _ := rec["b"].(map[string]any)
	if _, ok := b["x"]; ok {
		t.Fatalf("merge must replace nested values, got %v", b)
	}
	if rec["a"] != float64(1) || rec["c"] != "z" {
		t.Fatalf("record = %v", rec)
	}

	evts, err := srv.Engine.Repo.LatestEvents(context.Background(), 10, "session.merge", "notes")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].ActorID != "alice" {
		t.Fatalf("merge events = %+v", evts)
	}
}

func TestRunsAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, Config{})
	defer cleanup()
	client := srv.Client()

	for _, text := range []string{"create reports", "archive logs within 0 days"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/pipeline", map[string]any{"text": text}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("pipeline status %d: %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs?limit=10", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("runs status %d: %s", res.StatusCode, string(data))
	}
	var runs []RunSummary
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %+v", runs)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+runs[0].ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, string(data))
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Text == "" || run.Result.Parsed.Actions == nil {
		t.Fatalf("run = %+v", run)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run status %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=pipeline.run", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []domain.Event
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(evts) != 2 || evts[0].ActorID != AnonymousActor {
		t.Fatalf("events = %+v", evts)
	}
}

func TestScenariosEndpoint(t *testing.T) {
	dir := t.TempDir()
	results := filepath.Join(t.TempDir(), "results")
	if err := os.WriteFile(filepath.Join(dir, "one.txt"), []byte("Users can read and delete records"), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	srv, cleanup := newTestServer(t, Config{ScenarioDir: dir, ResultsDir: results})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/scenarios/run", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scenarios status %d: %s", res.StatusCode, string(data))
	}
	var out ScenarioRunResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := scenarios.Counts{Parsed: 3, Conflicts: 1, APIPaths: 1}
	if out.Summary["one.txt"] != want {
		t.Fatalf("summary = %+v", out.Summary)
	}
	if _, err := os.Stat(filepath.Join(results, scenarios.SummaryFile)); err != nil {
		t.Fatalf("summary not written: %v", err)
	}
	evts, err := srv.Engine.Repo.LatestEvents(context.Background(), 5, "scenarios.run", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("scenario events = %+v (%v)", evts, err)
	}
}

func signToken(t *testing.T, secret, sub string, perms []string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":         sub,
		"permissions": perms,
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAuthRequired(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, Config{Auth: AuthConfig{Required: true, JWTSecret: secret, Logger: log.New(io.Discard, "", 0)}})
	defer cleanup()
	client := srv.Client()
	body := map[string]any{"text": "create reports"}

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/pipeline", body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/pipeline", body, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}

	reader := signToken(t, secret, "bob", []string{"session.read"})
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/pipeline", body, map[string]string{"Authorization": "Bearer " + reader})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("reader status %d: %s", res.StatusCode, string(data))
	}
	if e := decodeError(t, data); e.Details["permission"] != "pipeline.run" {
		t.Fatalf("details = %v", e.Details)
	}

	runner := signToken(t, secret, "carol", []string{"pipeline.*"})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/pipeline", body, map[string]string{"Authorization": "Bearer " + runner})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("runner status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/pipeline", map[string]any{"text": "create reports", "session_id": "s"}, map[string]string{"Authorization": "Bearer " + runner})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("session merge without session.write status %d", res.StatusCode)
	}
}

func TestAuthAPIKey(t *testing.T) {
	e := newTestEngine(t, nil)
	if err := e.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:          "k1",
		ActorID:     "ci",
		KeyHash:     repo.HashAPIKey("s3cret"),
		Permissions: []string{"session.read"},
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	srv, cleanup := newTestServer(t, Config{Engine: e, Auth: AuthConfig{Required: true}})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"X-Api-Key": "s3cret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/sessions/x", map[string]any{"a": 1}, map[string]string{"X-Api-Key": "s3cret"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("write with read key status %d", res.StatusCode)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t, Config{Auth: AuthConfig{Required: true, JWTSecret: "x"}})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, map[string]string{"Authorization": "Bearer " + signToken(t, "x", "a", []string{"*"})})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var doc struct {
		Paths      map[string]any `json:"paths"`
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, p := range []string{"/v0/pipeline", "/v0/sessions/{session_id}", "/v0/scenarios/run"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Fatalf("security schemes = %v", doc.Components.SecuritySchemes)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, cleanup := newTestServer(t, Config{CORSOrigins: []string{"http://ui.local"}})
	defer cleanup()
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v0/pipeline", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", "POST")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status %d", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go hook.Serve(ln)
	defer hook.Shutdown(context.Background())

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{
		URL:    "http://" + ln.Addr().String(),
		Secret: "shh",
		Events: []string{"pipeline.run"},
	}}
	e := newTestEngine(t, cfg)
	d := NewWebhookDispatcher(e, log.New(io.Discard, "", 0))
	if d == nil {
		t.Fatalf("dispatcher not built")
	}
	ctx := context.Background()
	// first pass pins the cursor at the current head
	d.DispatchAll(ctx)

	if err := e.SetSession(ctx, "s", session.Record{"a": 1}); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if _, err := e.Run(ctx, "create reports", "s"); err != nil {
		t.Fatalf("run: %v", err)
	}
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received = %+v", received)
	}
	if received[0].Type != "pipeline.run" || received[0].SessionID != "s" {
		t.Fatalf("event = %+v", received[0])
	}
	if headers[0].Get("X-Reqline-Secret") != "shh" || headers[0].Get("X-Reqline-Event") != "pipeline.run" {
		t.Fatalf("headers = %v", headers[0])
	}
}

func TestNoWebhookDispatcherWithoutHooks(t *testing.T) {
	if d := NewWebhookDispatcher(newTestEngine(t, nil), nil); d != nil {
		t.Fatalf("expected nil dispatcher")
	}
}
