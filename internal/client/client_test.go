package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rickgao/shardgate/internal/api"
	"github.com/rickgao/shardgate/internal/config"
	"github.com/rickgao/shardgate/internal/events"
	"github.com/rickgao/shardgate/internal/gateway"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Idle keep-alive connections of the REST client.
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// identifyRecord is one identify seen by the fake gateway.
type identifyRecord struct {
	shard [2]int
	at    time.Time
}

// fakeGateway is a websocket server speaking enough of the protocol to get
// shards to READY.
type fakeGateway struct {
	server     *httptest.Server
	identifies chan identifyRecord
	presences  chan gateway.PresenceUpdate

	mu    sync.Mutex
	conns int
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		identifies: make(chan identifyRecord, 16),
		presences:  make(chan gateway.PresenceUpdate, 16),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("v") != "10" || r.URL.Query().Get("encoding") != "json" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		g.mu.Lock()
		g.conns++
		g.mu.Unlock()
		g.serve(conn)
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) serve(conn *websocket.Conn) {
	conn.WriteJSON(map[string]any{"op": 10, "d": map[string]any{"heartbeat_interval": 45000}})

	for {
		var f gateway.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case gateway.OpHeartbeat:
			conn.WriteJSON(map[string]any{"op": 11})
		case gateway.OpIdentify:
			var id gateway.IdentifyData
			json.Unmarshal(f.Data, &id)
			g.identifies <- identifyRecord{shard: id.Shard, at: time.Now()}

			ready := fmt.Sprintf(`{"v":10,"user":{"id":"42","username":"shardbot","bot":true},`+
				`"guilds":[{"id":"100","unavailable":true}],"session_id":"s-%d","shard":[%d,%d]}`,
				id.Shard[0], id.Shard[0], id.Shard[1])
			conn.WriteJSON(map[string]any{"op": 0, "s": 1, "t": "READY", "d": json.RawMessage(ready)})
			conn.WriteJSON(map[string]any{"op": 0, "s": 2, "t": "GUILD_CREATE",
				"d": json.RawMessage(`{"id":"100","name":"Home","member_count":3}`)})
		case gateway.OpPresenceUpdate:
			var pu gateway.PresenceUpdate
			json.Unmarshal(f.Data, &pu)
			g.presences <- pu
		}
	}
}

// restServer serves GET /gateway/bot with the given body.
func restServer(t *testing.T, status int, body func() string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gateway/bot" || r.Header.Get("Authorization") != "Bot test-token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body())
	}))
	t.Cleanup(server.Close)
	return server
}

func botBody(url string, shards, remaining int, resetAfter int64, maxConcurrency int) func() string {
	return func() string {
		return fmt.Sprintf(`{"url":%q,"shards":%d,"session_start_limit":`+
			`{"total":1000,"remaining":%d,"reset_after":%d,"max_concurrency":%d}}`,
			url, shards, remaining, resetAfter, maxConcurrency)
	}
}

func testConfig(t *testing.T, restURL string) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithDefaults("")
	require.NoError(t, err)

	cfg.API.RestURL = restURL
	cfg.API.Token = "test-token"
	cfg.API.RetryBackoff = 10 * time.Millisecond
	cfg.Gateway.URL = ""
	cfg.Gateway.Shards = 0
	cfg.Gateway.ShardIDs = nil
	cfg.Gateway.IdentifyWindow = 10 * time.Millisecond
	zero := 0.0
	cfg.Gateway.HeartbeatJitter = &zero
	cfg.Gateway.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.Gateway.ReconnectMaxDelay = 20 * time.Millisecond
	return cfg
}

func closeClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.NoError(t, c.Close(ctx))
}

func TestClient_LoginReady(t *testing.T) {
	gw := newFakeGateway(t)
	rest := restServer(t, http.StatusOK, botBody(gw.url(), 2, 999, 0, 2))

	c := New(testConfig(t, rest.URL), WithLogger(testLogger()))
	defer closeClient(t, c)

	readyEvents := make(chan events.Ready, 1)
	c.Events().OnReady(func(e events.Ready) { readyEvents <- e })

	_, err := c.Uptime()
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, c.Login(context.Background()))

	select {
	case e := <-readyEvents:
		assert.Equal(t, 2, e.ShardCount)
	case <-time.After(3 * time.Second):
		t.Fatal("no Ready event")
	}
	require.Eventually(t, c.IsReady, time.Second, 5*time.Millisecond)

	up, err := c.Uptime()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, up, time.Duration(0))
	assert.False(t, c.ReadyAt().IsZero())

	me := c.Me()
	require.NotNil(t, me)
	assert.Equal(t, "42", me.ID)
	assert.Equal(t, "shardbot", me.Username)

	sess, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, 2, sess.ShardCount)
	assert.Equal(t, []int{0, 1}, sess.ShardIDs)
	assert.Equal(t, 2, sess.MaxConcurrency)

	require.Eventually(t, func() bool {
		g, ok := c.Guilds().Get("100")
		return ok && g.Name == "Home"
	}, time.Second, 5*time.Millisecond)

	seen := map[int]bool{}
	for i := 0; i < 2; i++ {
		rec := <-gw.identifies
		assert.Equal(t, 2, rec.shard[1])
		seen[rec.shard[0]] = true
	}
	assert.Len(t, seen, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.IsReady())
	_, err = c.Uptime()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, c.Disconnect(ctx), ErrNotLoggedIn)
}

func TestClient_LoginTwice(t *testing.T) {
	gw := newFakeGateway(t)
	rest := restServer(t, http.StatusOK, botBody(gw.url(), 1, 999, 0, 1))

	c := New(testConfig(t, rest.URL), WithLogger(testLogger()))
	defer closeClient(t, c)

	require.NoError(t, c.Login(context.Background()))
	assert.ErrorIs(t, c.Login(context.Background()), ErrLoggedIn)
}

func TestClient_BootstrapError(t *testing.T) {
	rest := restServer(t, http.StatusUnauthorized, func() string {
		return `{"code":0,"message":"401: Unauthorized"}`
	})

	c := New(testConfig(t, rest.URL), WithLogger(testLogger()))
	defer closeClient(t, c)

	err := c.Login(context.Background())
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Nil(t, c.Manager())

	_, ok := c.Session()
	assert.False(t, ok)
}

func TestClient_NotLoggedIn(t *testing.T) {
	c := New(testConfig(t, "http://127.0.0.1:1"), WithLogger(testLogger()))
	defer closeClient(t, c)

	assert.ErrorIs(t, c.UpdatePresence(gateway.PresenceSpec{}), ErrNotLoggedIn)
	assert.ErrorIs(t, c.Disconnect(context.Background()), ErrNotLoggedIn)
	assert.Nil(t, c.Me())
	assert.True(t, c.ReadyAt().IsZero())
}

func TestClient_ExplicitShards(t *testing.T) {
	gw := newFakeGateway(t)
	rest := restServer(t, http.StatusOK, botBody(gw.url(), 1, 999, 0, 4))

	cfg := testConfig(t, rest.URL)
	cfg.Gateway.Shards = 4
	cfg.Gateway.ShardIDs = []int{3, 1}

	c := New(cfg, WithLogger(testLogger()))
	defer closeClient(t, c)
	require.NoError(t, c.Login(context.Background()))

	got := map[int]int{}
	for i := 0; i < 2; i++ {
		select {
		case rec := <-gw.identifies:
			got[rec.shard[0]] = rec.shard[1]
		case <-time.After(3 * time.Second):
			t.Fatal("missing identify")
		}
	}
	assert.Equal(t, map[int]int{1: 4, 3: 4}, got)
}

func TestClient_SessionLimitExhausted(t *testing.T) {
	gw := newFakeGateway(t)
	rest := restServer(t, http.StatusOK, botBody(gw.url(), 1, 0, 300, 1))

	c := New(testConfig(t, rest.URL), WithLogger(testLogger()))
	defer closeClient(t, c)

	start := time.Now()
	require.NoError(t, c.Login(context.Background()))

	select {
	case rec := <-gw.identifies:
		assert.GreaterOrEqual(t, rec.at.Sub(start), 250*time.Millisecond,
			"identify sent before the session start limit reset")
	case <-time.After(3 * time.Second):
		t.Fatal("no identify after reset")
	}
}

func TestClient_UpdatePresence(t *testing.T) {
	gw := newFakeGateway(t)
	rest := restServer(t, http.StatusOK, botBody(gw.url(), 2, 999, 0, 2))

	c := New(testConfig(t, rest.URL), WithLogger(testLogger()))
	defer closeClient(t, c)
	require.NoError(t, c.Login(context.Background()))
	require.Eventually(t, c.IsReady, 3*time.Second, 5*time.Millisecond)

	spec := gateway.PresenceSpec{
		Status:     gateway.StatusDoNotDisturb,
		Activities: []gateway.Activity{{Name: "shards", Type: gateway.ActivityWatching}},
	}
	require.NoError(t, c.UpdatePresence(spec))

	for i := 0; i < 2; i++ {
		select {
		case pu := <-gw.presences:
			assert.Equal(t, gateway.StatusDoNotDisturb, pu.Status)
			require.Len(t, pu.Activities, 1)
			assert.Equal(t, "shards", pu.Activities[0].Name)
		case <-time.After(3 * time.Second):
			t.Fatal("missing presence update")
		}
	}
}

func TestClient_CloseIsFinal(t *testing.T) {
	c := New(testConfig(t, "http://127.0.0.1:1"), WithLogger(testLogger()))
	closeClient(t, c)
	closeClient(t, c)
	assert.True(t, errors.Is(c.Login(context.Background()), ErrClientClosed))
}
