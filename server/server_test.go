package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskdeck/auth"
	"github.com/GoCodeAlone/taskdeck/config"
	"github.com/GoCodeAlone/taskdeck/events"
	"github.com/GoCodeAlone/taskdeck/generate"
	"github.com/GoCodeAlone/taskdeck/internal/storage"
	"github.com/GoCodeAlone/taskdeck/provider/mock"
	"github.com/GoCodeAlone/taskdeck/server/api"
	"github.com/GoCodeAlone/taskdeck/task"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := *config.DefaultConfig()
	cfg.Server.Addr = ":0"
	cfg.Auth.JWTSecret = "test-secret-key-1234567890"
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := storage.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users, err := auth.NewUserStore(db)
	if err != nil {
		t.Fatalf("NewUserStore: %v", err)
	}
	users.SetCost(4)
	store, err := task.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	bus := events.NewInMemoryBus()
	store.SetBus(bus)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tasks := task.NewService(store, auth.ContextIdentity{})
	tasks.SetBus(bus)

	s := New(cfg, "test", logger)
	s.SetVerifier(auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Std()))
	s.SetUserStore(users)
	s.SetTaskService(tasks)
	s.SetGenerateService(generate.NewService(mock.New("streamed reply text"), logger))

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func signUp(t *testing.T, srv *httptest.Server, username, password string) string {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/auth/sign-up", "", credentials{username, password})
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("sign-up: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if tr.Token == "" || tr.UserID == "" || tr.ExpiresAt.Before(time.Now()) {
		t.Fatalf("unexpected token response %+v", tr)
	}
	return tr.Token
}

func TestStatusRequiresSession(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/status", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status: expected 401, got %d", resp.StatusCode)
	}

	token := signUp(t, srv, "alice", "correct horse")
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" || body["version"] != "test" || body["provider"] != "mock" {
		t.Errorf("unexpected status body %v", body)
	}
	if _, ok := body["uptime"].(string); !ok {
		t.Errorf("status missing uptime: %v", body)
	}
}

func TestSignUpAndSignIn(t *testing.T) {
	srv := newTestServer(t, nil)
	token := signUp(t, srv, "Alice", "correct horse")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/auth/me", token, nil)
	var me map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&me)
	if me["username"] != "alice" || me["subject"] == "" {
		t.Errorf("unexpected me %v", me)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/auth/sign-in", "", credentials{"alice", "correct horse"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign-in: expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/auth/sign-in", "", credentials{"alice", "wrong password"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password: expected 401, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/auth/sign-up", "", credentials{"ALICE", "another password"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("duplicate: expected 400, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/auth/sign-up", "", credentials{"bob", "short"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("short password: expected 400, got %d", resp.StatusCode)
	}
}

func TestSignUpDisabled(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) { c.Auth.AllowSignUp = false })
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/auth/sign-up", "", credentials{"alice", "correct horse"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, path := range []string{"/api/tasks", "/api/tasks/watch", "/api/auth/me", "/api/version", "/api/status"} {
		resp := doJSON(t, http.MethodGet, srv.URL+path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, resp.StatusCode)
		}
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Errorf("%s: missing WWW-Authenticate", path)
		}
	}
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", resp.StatusCode)
	}
}

func TestTasksAreScopedToTokenSubject(t *testing.T) {
	srv := newTestServer(t, nil)
	alice := signUp(t, srv, "alice", "correct horse")
	bob := signUp(t, srv, "bob", "battery staple")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", alice, map[string]any{"name": "Mine", "text": "secret"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	var created map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&created)

	var list []task.Task
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks", bob, nil)
	_ = json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 0 {
		t.Errorf("bob sees %d tasks", len(list))
	}
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/tasks/"+created["id"], bob, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("bob delete: expected 403, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks", alice, nil)
	_ = json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 1 {
		t.Errorf("alice expected 1 task, got %d", len(list))
	}
}

func TestStreamTrailerThroughMiddleware(t *testing.T) {
	srv := newTestServer(t, nil)
	token := signUp(t, srv, "alice", "correct horse")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/generate", token, map[string]any{"prompt": "hi", "stream": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "streamed reply text" {
		t.Errorf("body = %q", body)
	}
	if got := resp.Trailer.Get(api.StatusTrailer); got != "complete" {
		t.Errorf("trailer = %q, want complete", got)
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Error("streams must not be compressed")
	}
}

func TestRecoverMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := recoverMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestLogMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := logMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
		w.(http.Flusher).Flush()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pot", nil))
	if !rec.Flushed {
		t.Error("flush not forwarded")
	}
	out := buf.String()
	for _, want := range []string{"method=GET", "path=/pot", "status=418", "bytes=15"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}
