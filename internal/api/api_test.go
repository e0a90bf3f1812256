package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessiond/sessiond/internal/auth"
	"github.com/sessiond/sessiond/internal/bus"
	"github.com/sessiond/sessiond/internal/config"
	"github.com/sessiond/sessiond/internal/hub"
	"github.com/sessiond/sessiond/internal/logging"
	"github.com/sessiond/sessiond/internal/ops"
	"github.com/sessiond/sessiond/internal/profile"
	"github.com/sessiond/sessiond/internal/resource"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/store"
)

type testEnv struct {
	server *httptest.Server
	token  string
	bus    *bus.Bus
	hub    *hub.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := logging.Discard()
	b := bus.New(32, 32, logger)
	go b.Run(ctx)

	h := hub.New(b, logger)

	profiles := profile.NewService(b, logger)
	profiles.Register(profile.Profile{Name: "default"})
	_, err := profiles.SetActive("default")
	require.NoError(t, err)

	bindings := store.NewMemory()
	sessions := session.NewManager(b, profiles, bindings, logger)
	sessions.RegisterStrategy(session.NewRecordingStrategy(resource.NewLocal("recorder", logger)))
	sessions.RegisterStrategy(session.NewTeleopStrategy(resource.NewLocal("teleop-link", logger)))
	sessions.RegisterStrategy(session.NewInferenceStrategy(resource.NewLocal("inference-engine", logger)))

	registry := ops.NewRegistry(b, time.Hour, logger)
	runner := ops.NewRunner(ctx, registry, logger)
	runner.RegisterKind("dataset_export", func(ctx context.Context, rec ops.Record, report ops.Progress) (string, error) {
		report("collect", 50, "collecting", nil)
		return rec.TargetSessionID, nil
	})
	runner.RegisterKind("model_warmup", func(ctx context.Context, rec ops.Record, report ops.Progress) (string, error) {
		return "", nil
	})

	authService, err := auth.NewService("0123456789abcdef0123456789abcdef", "admin", "changeme", time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Hub.PollIntervalMS = 20
	cfg.Hub.IdleTTLMS = 60000

	handlers := NewHandlers(ctx, sessions, registry, runner, profiles, b, h, authService, cfg.Hub, logger)
	srv := httptest.NewServer(NewRouter(handlers, cfg))
	t.Cleanup(srv.Close)

	resp, err := authService.Login("admin", "changeme")
	require.NoError(t, err)

	return &testEnv{server: srv, token: resp.Token, bus: b, hub: h}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.server.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestLoginAndAuthGate(t *testing.T) {
	e := newTestEnv(t)

	// Wrong password.
	resp, err := http.Post(e.server.URL+"/api/v1/auth/login", "application/json",
		strings.NewReader(`{"username":"admin","password":"wrong"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Correct credentials yield a usable token.
	resp, err = http.Post(e.server.URL+"/api/v1/auth/login", "application/json",
		strings.NewReader(`{"username":"admin","password":"changeme"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decodeBody[auth.LoginResponse](t, resp)
	assert.NotEmpty(t, login.Token)

	// Protected route without a token.
	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/api/v1/sessions/", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"kind": "teleop"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[session.Session](t, resp)
	assert.Equal(t, "teleop", created.ID, "single-slot kind uses its fixed id")
	assert.Equal(t, session.StatusCreated, created.Status)
	assert.Equal(t, "default", created.Profile)

	base := "/api/v1/sessions/" + created.ID

	resp = e.request(t, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StatusRunning, decodeBody[session.Session](t, resp).Status)

	resp = e.request(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StatusPaused, decodeBody[session.Session](t, resp).Status)

	resp = e.request(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.request(t, http.MethodDelete, base+"/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StatusStopped, decodeBody[session.Session](t, resp).Status)

	resp = e.request(t, http.MethodGet, base+"/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSessionErrorStatuses(t *testing.T) {
	e := newTestEnv(t)

	// Unknown kind fails validation before reaching the core.
	resp := e.request(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"kind": "juggling"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Occupied single slot maps to 409.
	resp = e.request(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"kind": "recording"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	resp = e.request(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"kind": "recording"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Forbidden transition maps to 409.
	resp = e.request(t, http.MethodPost, "/api/v1/sessions/recording/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Unknown id maps to 404.
	resp = e.request(t, http.MethodPost, "/api/v1/sessions/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestOperationFlowOverHTTP(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodPost, "/api/v1/operations/", map[string]string{
		"kind":              "dataset_export",
		"target_session_id": "sess-9",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decodeBody[ops.Record](t, resp)
	assert.Equal(t, "admin", created.UserID)
	assert.Equal(t, ops.StateQueued, created.State)

	require.Eventually(t, func() bool {
		resp := e.request(t, http.MethodGet, "/api/v1/operations/"+created.OperationID, nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		rec := decodeBody[ops.Record](t, resp)
		return rec.State == ops.StateCompleted && rec.TargetSessionID == "sess-9"
	}, 2*time.Second, 10*time.Millisecond)

	// Unknown operation kind is rejected up front.
	resp = e.request(t, http.MethodPost, "/api/v1/operations/", map[string]string{"kind": "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Unknown id maps to 404.
	resp = e.request(t, http.MethodGet, "/api/v1/operations/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestProfileEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodPost, "/api/v1/profiles/", map[string]any{
		"name":     "lowres",
		"snapshot": map[string]any{"fps": 15},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = e.request(t, http.MethodGet, "/api/v1/profiles/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[map[string][]profile.Profile](t, resp)
	assert.Len(t, list["profiles"], 2)

	resp = e.request(t, http.MethodPut, "/api/v1/profiles/active", map[string]string{"name": "lowres"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.request(t, http.MethodGet, "/api/v1/profiles/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	active := decodeBody[profile.Profile](t, resp)
	assert.Equal(t, "lowres", active.Name)

	// Activating an unregistered profile maps to 404.
	resp = e.request(t, http.MethodPut, "/api/v1/profiles/active", map[string]string{"name": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSystemStatusStartsSharedPoller(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodGet, "/api/v1/status/system", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ev := decodeBody[map[string]any](t, resp)
	assert.Equal(t, SystemStatusTopic, ev["topic"])
	assert.NotNil(t, ev["payload"])

	assert.True(t, e.hub.Active(SystemStatusTopic, SystemStatusKey))

	// A second request reuses the existing task.
	resp = e.request(t, http.MethodGet, "/api/v1/status/system", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSSEStreamReplaysCachedEventFirst(t *testing.T) {
	e := newTestEnv(t)

	// Create a session so its state channel holds a cached snapshot.
	resp := e.request(t, http.MethodPost, "/api/v1/sessions/", map[string]string{"kind": "recording"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[session.Session](t, resp)

	req, err := http.NewRequest(http.MethodGet,
		e.server.URL+"/api/v1/stream?topic=sessions.state&key="+created.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)

	streamResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer streamResp.Body.Close()
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	frames := make(chan map[string]string, 4)
	go func() {
		scanner := bufio.NewScanner(streamResp.Body)
		frame := map[string]string{}
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				frames <- frame
				frame = map[string]string{}
				continue
			}
			if k, v, found := strings.Cut(line, ": "); found {
				frame[k] = v
			}
		}
	}()

	readFrame := func() map[string]string {
		select {
		case f := <-frames:
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for SSE frame")
			return nil
		}
	}

	// First frame is the cached created snapshot.
	first := readFrame()
	assert.Equal(t, "sessions.state", first["event"])
	assert.Contains(t, first["data"], `"status":"created"`)

	// A live transition follows with a higher sequence id.
	resp = e.request(t, http.MethodPost, "/api/v1/sessions/"+created.ID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	second := readFrame()
	assert.Contains(t, second["data"], `"status":"running"`)
	firstSeq, err := strconv.ParseUint(first["id"], 10, 64)
	require.NoError(t, err)
	secondSeq, err := strconv.ParseUint(second["id"], 10, 64)
	require.NoError(t, err)
	assert.Greater(t, secondSeq, firstSeq)
}

func TestSSEStreamRequiresTopic(t *testing.T) {
	e := newTestEnv(t)
	resp := e.request(t, http.MethodGet, "/api/v1/stream", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestWebsocketStream(t *testing.T) {
	e := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/v1/ws?topic=feeds.cam&key=global"
	header := http.Header{"Authorization": {"Bearer " + e.token}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	pub := e.bus.Publish("feeds.cam", "global", map[string]any{"frame": 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev bus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, pub.Sequence, ev.Sequence)
	assert.Equal(t, "feeds.cam", ev.Topic)
}

func TestValidationErrorShape(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodPost, "/api/v1/sessions/", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]map[string]any](t, resp)
	assert.Equal(t, "VALIDATION_FAILED", body["error"]["code"])
	assert.NotEmpty(t, body["error"]["request_id"])
}

func TestRequestIDHeader(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
