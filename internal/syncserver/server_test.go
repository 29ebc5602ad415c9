package syncserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/boardsync/internal/clock"
	"github.com/agentworkforce/boardsync/internal/metrics"
	"github.com/agentworkforce/boardsync/internal/storage"
	"github.com/agentworkforce/boardsync/internal/syncmgr"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	srv, err := New(storage.NewStore(storage.NewMemoryBackend()), cfg, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func mustToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := IssueToken(testSecret, userID, time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func testEnvelope(dataType, device string, at time.Time, base *time.Time) syncmgr.Envelope {
	return syncmgr.Envelope{
		Schema: syncmgr.SchemaInfo{Version: syncmgr.SchemaVersion, DataType: dataType},
		UserID: "user-1",
		Data:   json.RawMessage(`{"nodes":[]}`),
		SyncMeta: syncmgr.SyncMeta{
			LocalTimestamp: at.UTC(),
			DeviceID:       device,
			BaseTimestamp:  base,
		},
	}
}

func doRaw(t *testing.T, ts *httptest.Server, method, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	resp := doRaw(t, ts, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSyncRoutesRequireValidToken(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp := doRaw(t, ts, http.MethodGet, "/sync/content", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := IssueToken(testSecret, "user-1", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	resp = doRaw(t, ts, http.MethodGet, "/sync/content", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongSecret, err := IssueToken("other-secret", "user-1", time.Hour, time.Now())
	require.NoError(t, err)
	resp = doRaw(t, ts, http.MethodGet, "/sync/content", wrongSecret, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wrongAud, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		Audience:  jwt.ClaimStrings{"relay"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	resp = doRaw(t, ts, http.MethodGet, "/sync/content", wrongAud, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid aud claim", body["message"])
}

func TestPushPullWithStaleBaseRejection(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	ctx := context.Background()
	client := syncmgr.NewHTTPClient(ts.URL, mustToken(t, "user-1"), func() syncmgr.Caller {
		return syncmgr.Caller{UserID: "user-1", DeviceID: "dev-a"}
	}, ts.Client())

	require.NoError(t, client.Health(ctx))
	_, ok, err := client.Pull(ctx, "content")
	require.NoError(t, err)
	assert.False(t, ok)

	t1 := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)
	require.NoError(t, client.Push(ctx, "content", testEnvelope("content", "dev-a", t1, nil)))

	// A device that never saw t1 cannot overwrite it.
	t2 := t1.Add(time.Minute)
	err = client.Push(ctx, "content", testEnvelope("content", "dev-b", t2, nil))
	assert.ErrorIs(t, err, syncmgr.ErrConflict)
	stale := t1.Add(-time.Hour)
	err = client.Push(ctx, "content", testEnvelope("content", "dev-b", t2, &stale))
	assert.ErrorIs(t, err, syncmgr.ErrConflict)

	base := t1
	require.NoError(t, client.Push(ctx, "content", testEnvelope("content", "dev-b", t2, &base)))

	env, ok, err := client.Pull(ctx, "content")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dev-b", env.SyncMeta.DeviceID)
	assert.True(t, t2.Equal(env.SyncMeta.LocalTimestamp))
}

func TestEnvelopesAreScopedPerUser(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	ctx := context.Background()
	alice := syncmgr.NewHTTPClient(ts.URL, mustToken(t, "alice"), nil, ts.Client())
	bob := syncmgr.NewHTTPClient(ts.URL, mustToken(t, "bob"), nil, ts.Client())

	require.NoError(t, alice.Push(ctx, "preferences", testEnvelope("preferences", "dev-a", time.Now(), nil)))
	_, ok, err := bob.Pull(ctx, "preferences")
	require.NoError(t, err)
	assert.False(t, ok)
	// Bob's first push is not a conflict with Alice's copy.
	require.NoError(t, bob.Push(ctx, "preferences", testEnvelope("preferences", "dev-b", time.Now(), nil)))
}

func TestPushValidatesEnvelope(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxBodyBytes: 4096})
	token := mustToken(t, "user-1")

	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"not json", "/sync/content", `{`, http.StatusBadRequest, "bad_request"},
		{"missing sync meta", "/sync/content", `{"_schema":{"version":1,"dataType":"content"},"data":{}}`, http.StatusBadRequest, "invalid_envelope"},
		{"missing device", "/sync/content", `{"_schema":{"version":1,"dataType":"content"},"data":{},"syncMeta":{"localTimestamp":"2024-01-01T00:00:00Z"}}`, http.StatusBadRequest, "invalid_envelope"},
		{"route mismatch", "/sync/workspaces", `{"_schema":{"version":1,"dataType":"content"},"data":{},"syncMeta":{"localTimestamp":"2024-01-01T00:00:00Z","deviceId":"d"}}`, http.StatusBadRequest, "invalid_envelope"},
		{"newer schema", "/sync/content", `{"_schema":{"version":99,"dataType":"content"},"data":{},"syncMeta":{"localTimestamp":"2024-01-01T00:00:00Z","deviceId":"d"}}`, http.StatusBadRequest, "unsupported_schema"},
		{"bad data type", "/sync/Bad%20Type", `{}`, http.StatusBadRequest, "bad_request"},
		{"too large", "/sync/content", `{"data":"` + strings.Repeat("x", 8192) + `"}`, http.StatusRequestEntityTooLarge, "payload_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRaw(t, ts, http.MethodPost, tc.path, token, []byte(tc.body))
			assert.Equal(t, tc.status, resp.StatusCode)
			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

func TestRateLimitPerUser(t *testing.T) {
	fake := clock.NewFake(time.Now())
	_, ts := newTestServer(t, Config{RateLimit: 1, RateBurst: 2}, WithClock(fake))
	alice := mustToken(t, "alice")

	assert.Equal(t, http.StatusNotFound, doRaw(t, ts, http.MethodGet, "/sync/content", alice, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, doRaw(t, ts, http.MethodGet, "/sync/content", alice, nil).StatusCode)
	limited := doRaw(t, ts, http.MethodGet, "/sync/content", alice, nil)
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.Equal(t, "1", limited.Header.Get("Retry-After"))

	// Another user has its own bucket.
	assert.Equal(t, http.StatusNotFound, doRaw(t, ts, http.MethodGet, "/sync/content", mustToken(t, "bob"), nil).StatusCode)

	fake.Advance(time.Second)
	assert.Equal(t, http.StatusNotFound, doRaw(t, ts, http.MethodGet, "/sync/content", alice, nil).StatusCode)
}

func TestAcceptedPushIsBroadcast(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token := mustToken(t, "user-1")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/sync/events", &websocket.DialOptions{
		HTTPHeader: header,
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return srv.hub.subscribers("user-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	client := syncmgr.NewHTTPClient(ts.URL, token, nil, ts.Client())
	require.NoError(t, client.Push(ctx, "workspaces", testEnvelope("workspaces", "dev-b", at, nil)))

	var ev syncmgr.RemoteEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "workspaces", ev.DataType)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, "dev-b", ev.DeviceID)
	assert.True(t, at.Equal(ev.Timestamp))
}

func TestMetricsEndpoint(t *testing.T) {
	collector := metrics.NewCollector("boardsync_test")
	_, ts := newTestServer(t, Config{}, WithMetrics(collector))

	doRaw(t, ts, http.MethodGet, "/health", "", nil)
	resp := doRaw(t, ts, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `boardsync_test_http_requests_total{route="/health",status="200"} 1`)
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := newHub()
	_, unsubscribe := h.subscribe("u")
	for i := 0; i < subscriberBuffer; i++ {
		assert.Equal(t, 1, h.publish(syncmgr.RemoteEvent{UserID: "u"}))
	}
	assert.Equal(t, 0, h.publish(syncmgr.RemoteEvent{UserID: "u"}))
	assert.Equal(t, 0, h.publish(syncmgr.RemoteEvent{UserID: "other"}))
	unsubscribe()
	assert.Equal(t, 0, h.subscribers("u"))
}
