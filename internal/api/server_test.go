package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunbase/bunbase/internal/auth"
	"github.com/bunbase/bunbase/internal/config"
	"github.com/bunbase/bunbase/internal/files"
	"github.com/bunbase/bunbase/internal/hooks"
	"github.com/bunbase/bunbase/internal/mail"
	"github.com/bunbase/bunbase/internal/realtime"
	"github.com/bunbase/bunbase/internal/records"
	"github.com/bunbase/bunbase/internal/rules"
	"github.com/bunbase/bunbase/internal/schema"
	"github.com/bunbase/bunbase/internal/store"
)

const (
	testAdminEmail    = "admin@example.com"
	testAdminPassword = "admin-password"
)

type testEnv struct {
	t          *testing.T
	ts         *httptest.Server
	adminToken string
}

// newTestEnv boots the full stack against a temp database and returns a
// running test server with one known admin.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Database.Path = filepath.Join(dir, "test.db")
	cfg.Storage.Path = filepath.Join(dir, "storage")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	se := schema.New(st, logger)
	require.NoError(t, se.Migrate(ctx))

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret)
	require.NoError(t, err)
	authSvc := auth.NewService(st, se, tokens, &mail.LogMailer{Logger: logger}, logger)
	_, err = authSvc.CreateAdmin(ctx, testAdminEmail, testAdminPassword)
	require.NoError(t, err)

	fileStorage, err := files.New(cfg.Storage.Path, st)
	require.NoError(t, err)

	registry := hooks.NewRegistry()
	recordsEng := records.NewEngine(st, se, registry, fileStorage, logger)

	broker := realtime.NewBroker(time.Hour, 2*time.Hour,
		func(identity *rules.Identity, isAdmin bool, collection string, record map[string]any) bool {
			return recordsEng.CanView(context.Background(), identity, isAdmin, collection, record)
		}, logger)
	t.Cleanup(broker.Stop)

	// Same fan-out wiring the server binary registers.
	broadcast := func(action string) hooks.Handler {
		return func(e *hooks.Event, next func() error) error {
			if err := next(); err != nil {
				return err
			}
			record := e.Record
			if action == "delete" {
				record = e.Existing
			}
			broker.Broadcast(e.Collection.Name, e.RecordID, action, record)
			return nil
		}
	}
	registry.On(hooks.AfterCreate, "", broadcast("create"))
	registry.On(hooks.AfterUpdate, "", broadcast("update"))
	registry.On(hooks.AfterDelete, "", broadcast("delete"))

	server := NewServer(cfg, Deps{
		Schema:  se,
		Records: recordsEng,
		Auth:    authSvc,
		Files:   fileStorage,
		Broker:  broker,
	}, logger)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	env := &testEnv{t: t, ts: ts}
	body := env.readJSON(env.do("POST", "/_/api/auth/login", "", map[string]any{
		"email":    testAdminEmail,
		"password": testAdminPassword,
	}), http.StatusOK)
	env.adminToken, _ = body["token"].(string)
	require.NotEmpty(t, env.adminToken)
	return env
}

func (env *testEnv) do(method, path, token string, body any) *http.Response {
	env.t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(env.t, err)
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, reader)
	require.NoError(env.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := env.ts.Client().Do(req)
	require.NoError(env.t, err)
	return resp
}

// readJSON asserts the status and decodes the body.
func (env *testEnv) readJSON(resp *http.Response, wantStatus int) map[string]any {
	env.t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(env.t, err)
	require.Equal(env.t, wantStatus, resp.StatusCode, "body: %s", raw)

	if len(raw) == 0 {
		return nil
	}
	var body map[string]any
	require.NoError(env.t, json.Unmarshal(raw, &body))
	return body
}

func (env *testEnv) expectStatus(resp *http.Response, wantStatus int) {
	env.t.Helper()
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	require.Equal(env.t, wantStatus, resp.StatusCode, "body: %s", raw)
}

// createCollection provisions a collection through the admin surface.
func (env *testEnv) createCollection(body map[string]any) {
	env.t.Helper()
	env.readJSON(env.do("POST", "/_/api/collections", env.adminToken, body), http.StatusOK)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	body := env.readJSON(env.do("GET", "/api/health", "", nil), http.StatusOK)
	assert.Equal(t, "ok", body["status"])
}

func TestErrorBodyShape(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do("GET", "/api/collections/nope/records", env.adminToken, nil)
	body := env.readJSON(resp, http.StatusNotFound)

	assert.Equal(t, float64(http.StatusNotFound), body["code"])
	assert.NotEmpty(t, body["message"])
	_, hasData := body["data"].(map[string]any)
	assert.True(t, hasData)
}

func TestAdminSurfaceRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	env.expectStatus(env.do("GET", "/_/api/collections", "", nil), http.StatusUnauthorized)
	// A garbage token leaves the request anonymous.
	env.expectStatus(env.do("GET", "/_/api/collections", "garbage", nil), http.StatusUnauthorized)

	env.expectStatus(env.do("GET", "/_/api/collections", env.adminToken, nil), http.StatusOK)

	body := env.readJSON(env.do("GET", "/_/api/auth/me", env.adminToken, nil), http.StatusOK)
	assert.Equal(t, testAdminEmail, body["email"])

	resp := env.do("POST", "/_/api/auth/login", "", map[string]any{
		"email":    testAdminEmail,
		"password": "wrong",
	})
	env.expectStatus(resp, http.StatusUnauthorized)
}

func TestCollectionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	env.createCollection(map[string]any{
		"name": "posts",
		"fields": []map[string]any{
			{"name": "title", "type": "text", "required": true},
			{"name": "views", "type": "number"},
		},
	})

	// Duplicate name conflicts.
	resp := env.do("POST", "/_/api/collections", env.adminToken, map[string]any{"name": "posts"})
	env.expectStatus(resp, http.StatusConflict)

	// Invalid names are rejected.
	resp = env.do("POST", "/_/api/collections", env.adminToken, map[string]any{"name": "_system"})
	env.expectStatus(resp, http.StatusBadRequest)

	body := env.readJSON(env.do("GET", "/_/api/collections/posts", env.adminToken, nil), http.StatusOK)
	assert.Equal(t, "posts", body["name"])
	assert.Len(t, body["fields"], 2)

	// Add, rename, then delete a field.
	env.readJSON(env.do("POST", "/_/api/collections/posts/fields", env.adminToken, map[string]any{
		"name": "status", "type": "text",
	}), http.StatusOK)
	env.readJSON(env.do("PATCH", "/_/api/collections/posts/fields/status", env.adminToken, map[string]any{
		"name": "state",
	}), http.StatusOK)
	env.expectStatus(env.do("DELETE", "/_/api/collections/posts/fields/state", env.adminToken, nil), http.StatusNoContent)
	env.expectStatus(env.do("DELETE", "/_/api/collections/posts/fields/state", env.adminToken, nil), http.StatusNotFound)

	env.expectStatus(env.do("DELETE", "/_/api/collections/posts", env.adminToken, nil), http.StatusNoContent)
	env.expectStatus(env.do("GET", "/_/api/collections/posts", env.adminToken, nil), http.StatusNotFound)
}

func TestRecordCRUDFlow(t *testing.T) {
	env := newTestEnv(t)

	env.createCollection(map[string]any{
		"name": "posts",
		"fields": []map[string]any{
			{"name": "title", "type": "text", "required": true},
			{"name": "views", "type": "number"},
		},
		"rules": map[string]any{"listRule": "", "viewRule": ""},
	})

	// Validation failures carry per-field details.
	resp := env.do("POST", "/api/collections/posts/records", env.adminToken, map[string]any{"views": 1})
	body := env.readJSON(resp, http.StatusBadRequest)
	data := body["data"].(map[string]any)
	field := data["title"].(map[string]any)
	assert.Equal(t, "validation_invalid", field["code"])

	created := env.readJSON(env.do("POST", "/api/collections/posts/records", env.adminToken, map[string]any{
		"title": "hello",
		"views": 7,
	}), http.StatusOK)
	id := created["id"].(string)
	require.NotEmpty(t, id)

	// Public list and view; create stays admin-only.
	list := env.readJSON(env.do("GET", "/api/collections/posts/records", "", nil), http.StatusOK)
	assert.Equal(t, float64(1), list["totalItems"])
	env.expectStatus(env.do("POST", "/api/collections/posts/records", "", map[string]any{"title": "x"}), http.StatusUnauthorized)

	got := env.readJSON(env.do("GET", "/api/collections/posts/records/"+id, "", nil), http.StatusOK)
	assert.Equal(t, "hello", got["title"])
	env.expectStatus(env.do("GET", "/api/collections/posts/records/missing", "", nil), http.StatusNotFound)

	updated := env.readJSON(env.do("PATCH", "/api/collections/posts/records/"+id, env.adminToken, map[string]any{
		"views": 8,
	}), http.StatusOK)
	assert.Equal(t, float64(8), updated["views"])
	assert.Equal(t, "hello", updated["title"])

	env.expectStatus(env.do("DELETE", "/api/collections/posts/records/"+id, env.adminToken, nil), http.StatusNoContent)
	env.expectStatus(env.do("GET", "/api/collections/posts/records/"+id, "", nil), http.StatusNotFound)
}

func TestDeleteReferencedRecordIsBadRequest(t *testing.T) {
	env := newTestEnv(t)

	env.createCollection(map[string]any{
		"name":   "authors",
		"fields": []map[string]any{{"name": "name", "type": "text"}},
	})
	env.createCollection(map[string]any{
		"name": "posts",
		"fields": []map[string]any{
			{"name": "title", "type": "text"},
			{"name": "author", "type": "relation", "options": map[string]any{"target": "authors"}},
		},
	})

	author := env.readJSON(env.do("POST", "/api/collections/authors/records", env.adminToken, map[string]any{
		"name": "ann",
	}), http.StatusOK)
	authorID := author["id"].(string)
	env.readJSON(env.do("POST", "/api/collections/posts/records", env.adminToken, map[string]any{
		"title":  "linked",
		"author": authorID,
	}), http.StatusOK)

	// A client mistake, not a server fault.
	env.expectStatus(env.do("DELETE", "/api/collections/authors/records/"+authorID, env.adminToken, nil), http.StatusBadRequest)
	env.readJSON(env.do("GET", "/api/collections/authors/records/"+authorID, env.adminToken, nil), http.StatusOK)
}

func TestAnonymousDenialByEvaluatedRule(t *testing.T) {
	env := newTestEnv(t)

	env.createCollection(map[string]any{
		"name":   "notes",
		"fields": []map[string]any{{"name": "body", "type": "text"}},
		"rules":  map[string]any{"viewRule": `@request.auth.id != ""`},
	})
	created := env.readJSON(env.do("POST", "/api/collections/notes/records", env.adminToken, map[string]any{
		"body": "secret",
	}), http.StatusOK)
	id := created["id"].(string)

	// The rule evaluated and denied: forbidden, not an auth challenge.
	env.expectStatus(env.do("GET", "/api/collections/notes/records/"+id, "", nil), http.StatusForbidden)
	// No rule at all for list: anonymous gets the challenge instead.
	env.expectStatus(env.do("GET", "/api/collections/notes/records", "", nil), http.StatusUnauthorized)
}

func TestUserAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	env.createCollection(map[string]any{
		"name":  "users",
		"type":  "auth",
		"rules": map[string]any{"createRule": ""},
	})
	env.createCollection(map[string]any{
		"name":   "notes",
		"fields": []map[string]any{{"name": "body", "type": "text"}},
		"rules": map[string]any{
			"listRule":   `@request.auth.id != ""`,
			"createRule": `@request.auth.id != ""`,
		},
	})

	// Open registration through the records surface.
	registered := env.readJSON(env.do("POST", "/api/collections/users/records", "", map[string]any{
		"email":    "u@example.com",
		"password": "password123",
	}), http.StatusOK)
	assert.Equal(t, "u@example.com", registered["email"])

	login := env.readJSON(env.do("POST", "/api/collections/users/auth-with-password", "", map[string]any{
		"email":    "u@example.com",
		"password": "password123",
	}), http.StatusOK)
	access := login["accessToken"].(string)
	refresh := login["refreshToken"].(string)
	record := login["record"].(map[string]any)
	assert.Equal(t, "u@example.com", record["email"])

	resp := env.do("POST", "/api/collections/users/auth-with-password", "", map[string]any{
		"email":    "u@example.com",
		"password": "wrong",
	})
	env.expectStatus(resp, http.StatusUnauthorized)

	// The access token satisfies auth-bound rules.
	env.expectStatus(env.do("GET", "/api/collections/notes/records", "", nil), http.StatusUnauthorized)
	env.readJSON(env.do("GET", "/api/collections/notes/records", access, nil), http.StatusOK)
	env.readJSON(env.do("POST", "/api/collections/notes/records", access, map[string]any{
		"body": "mine",
	}), http.StatusOK)

	// Refresh rotates; the old refresh token dies.
	rotated := env.readJSON(env.do("POST", "/api/collections/users/auth-refresh", "", map[string]any{
		"refreshToken": refresh,
	}), http.StatusOK)
	assert.NotEqual(t, refresh, rotated["refreshToken"])

	resp = env.do("POST", "/api/collections/users/auth-refresh", "", map[string]any{
		"refreshToken": refresh,
	})
	env.expectStatus(resp, http.StatusUnauthorized)

	// Change-password requires the matching collection identity.
	env.expectStatus(env.do("POST", "/api/collections/users/change-password", "", map[string]any{
		"oldPassword": "password123", "newPassword": "password456",
	}), http.StatusUnauthorized)
	env.expectStatus(env.do("POST", "/api/collections/users/change-password", access, map[string]any{
		"oldPassword": "password123", "newPassword": "password456",
	}), http.StatusNoContent)

	env.readJSON(env.do("POST", "/api/collections/users/auth-with-password", "", map[string]any{
		"email":    "u@example.com",
		"password": "password456",
	}), http.StatusOK)
}

func TestFileUploadAndDownload(t *testing.T) {
	env := newTestEnv(t)

	env.createCollection(map[string]any{
		"name": "docs",
		"fields": []map[string]any{
			{"name": "title", "type": "text"},
			{"name": "attachment", "type": "file", "options": map[string]any{"mimeTypes": []string{"text/plain"}}},
		},
	})

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("title", "notes"))
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="attachment"; filename="notes.txt"`)
	header.Set("Content-Type", "text/plain")
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("hello notes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest("POST", env.ts.URL+"/api/collections/docs/records", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.adminToken)
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)

	created := env.readJSON(resp, http.StatusOK)
	id := created["id"].(string)
	filename, _ := created["attachment"].(string)
	require.NotEmpty(t, filename)
	assert.NotEqual(t, "notes.txt", filename)
	assert.True(t, strings.HasSuffix(filename, ".txt"))

	dl := env.do("GET", "/api/files/docs/"+id+"/"+filename, env.adminToken, nil)
	defer dl.Body.Close()
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Contains(t, dl.Header.Get("Content-Type"), "text/plain")
	content, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello notes", string(content))

	env.expectStatus(env.do("GET", "/api/files/docs/"+id+"/ghost.txt", env.adminToken, nil), http.StatusNotFound)
	// Downloads pass through the view rule; nil means admin-only.
	env.expectStatus(env.do("GET", "/api/files/docs/"+id+"/"+filename, "", nil), http.StatusUnauthorized)
}

func TestRealtimeSubscribeUnknownClient(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do("POST", "/api/realtime", "", map[string]any{
		"clientId":      "nope",
		"subscriptions": []string{"posts/*"},
	})
	env.expectStatus(resp, http.StatusNotFound)
}

// readFrame parses one SSE frame off the stream.
func readFrame(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event != "" || data != "" {
				return event, data
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestRealtimeStreamDeliversBroadcasts(t *testing.T) {
	env := newTestEnv(t)

	env.createCollection(map[string]any{
		"name":   "posts",
		"fields": []map[string]any{{"name": "title", "type": "text"}},
		"rules":  map[string]any{"viewRule": ""},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", env.ts.URL+"/api/realtime", nil)
	require.NoError(t, err)
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stream := bufio.NewReader(resp.Body)
	event, data := readFrame(t, stream)
	require.Equal(t, "connect", event)
	var connect map[string]string
	require.NoError(t, json.Unmarshal([]byte(data), &connect))
	clientID := connect["clientId"]
	require.NotEmpty(t, clientID)

	env.expectStatus(env.do("POST", "/api/realtime", "", map[string]any{
		"clientId":      clientID,
		"subscriptions": []string{"posts/*"},
	}), http.StatusNoContent)

	created := env.readJSON(env.do("POST", "/api/collections/posts/records", env.adminToken, map[string]any{
		"title": "broadcast me",
	}), http.StatusOK)

	event, data = readFrame(t, stream)
	assert.Equal(t, "posts", event)
	var payload struct {
		Action string         `json:"action"`
		Record map[string]any `json:"record"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, "create", payload.Action)
	assert.Equal(t, created["id"], payload.Record["id"])

	// A bare clientId body is a keep-alive; the subscription set survives it.
	env.expectStatus(env.do("POST", "/api/realtime", "", map[string]any{
		"clientId": clientID,
	}), http.StatusNoContent)

	env.readJSON(env.do("PATCH", "/api/collections/posts/records/"+created["id"].(string), env.adminToken, map[string]any{
		"title": "broadcast me again",
	}), http.StatusOK)

	event, data = readFrame(t, stream)
	assert.Equal(t, "posts", event)
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, "update", payload.Action)
}
