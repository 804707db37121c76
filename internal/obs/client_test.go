// SPDX-License-Identifier: MIT

package obs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTool serves the v5 handshake and answers every request with a
// success status. Requests can be silenced to simulate an unresponsive
// session without dropping the socket.
type fakeTool struct {
	t        *testing.T
	password string
	srv      *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	silent bool
}

func newFakeTool(t *testing.T, password string) *fakeTool {
	t.Helper()
	f := &fakeTool{t: t, password: password}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTool) clientConfig() Config {
	u, err := url.Parse(f.srv.URL)
	require.NoError(f.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(f.t, err)
	return Config{
		Host:           u.Hostname(),
		Port:           port,
		Password:       f.password,
		RequestTimeout: 200 * time.Millisecond,
	}
}

func (f *fakeTool) silence() {
	f.mu.Lock()
	f.silent = true
	f.mu.Unlock()
}

func (f *fakeTool) isSilent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.silent
}

// dropConnections closes the server side of every live session.
func (f *fakeTool) dropConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *fakeTool) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	hello := map[string]any{
		"obsWebSocketVersion": "5.3.3",
		"rpcVersion":          rpcVersion,
	}
	challenge, salt := "challenge456", "salt123"
	if f.password != "" {
		hello["authentication"] = map[string]string{"challenge": challenge, "salt": salt}
	}
	if !f.write(conn, opHello, hello) {
		return
	}

	env, ok := f.read(conn)
	if !ok || env.Op != opIdentify {
		_ = conn.Close()
		return
	}
	if f.password != "" {
		var id identifyData
		if json.Unmarshal(env.D, &id) != nil ||
			id.Authentication != computeAuthResponse(f.password, salt, challenge) {
			_ = conn.Close()
			return
		}
	}
	if !f.write(conn, opIdentified, map[string]int{"negotiatedRpcVersion": rpcVersion}) {
		return
	}

	for {
		env, ok := f.read(conn)
		if !ok {
			return
		}
		if env.Op != opRequest || f.isSilent() {
			continue
		}
		var req requestData
		if json.Unmarshal(env.D, &req) != nil {
			continue
		}
		resp := requestResponseData{
			RequestType:  req.RequestType,
			RequestID:    req.RequestID,
			ResponseData: json.RawMessage(`{}`),
		}
		resp.RequestStatus.Result = true
		resp.RequestStatus.Code = 100
		if !f.write(conn, opRequestResponse, resp) {
			return
		}
	}
}

func (f *fakeTool) write(conn *websocket.Conn, op int, d any) bool {
	payload, err := marshalEnvelope(op, d)
	if err != nil {
		return false
	}
	return conn.WriteMessage(websocket.TextMessage, payload) == nil
}

func (f *fakeTool) read(conn *websocket.Conn) (envelope, bool) {
	var env envelope
	_, data, err := conn.ReadMessage()
	if err != nil {
		return env, false
	}
	if json.Unmarshal(data, &env) != nil {
		return env, false
	}
	return env, true
}

func TestConnectIdentifiesWithAuth(t *testing.T) {
	tool := newFakeTool(t, "supersecret")
	client := NewClient(tool.clientConfig())
	t.Cleanup(client.Close)

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.Connected())
	assert.NoError(t, client.Ping(context.Background()))
}

func TestConnectRejectsWrongPassword(t *testing.T) {
	tool := newFakeTool(t, "supersecret")
	cfg := tool.clientConfig()
	cfg.Password = "wrong"
	client := NewClient(cfg)
	t.Cleanup(client.Close)

	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, client.Connected())
}

func TestProbeWithoutSessionFails(t *testing.T) {
	client := NewClient(Config{Host: "127.0.0.1", Port: 4455})

	err := client.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestProbeFailsAfterSessionDrop(t *testing.T) {
	tool := newFakeTool(t, "")
	client := NewClient(tool.clientConfig())
	t.Cleanup(client.Close)

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Probe(context.Background()))

	// The server closes the socket while the port keeps listening, the way
	// an idle timeout or a tool restart looks from outside.
	tool.dropConnections()

	require.Eventually(t, func() bool {
		return client.Probe(context.Background()) != nil
	}, time.Second, 10*time.Millisecond)
	assert.False(t, client.Connected())

	err := client.SwitchScene(context.Background(), "Game Scene", true)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestProbeTimeoutIsNotAssumedSuccess(t *testing.T) {
	tool := newFakeTool(t, "")
	cfg := tool.clientConfig()
	cfg.AssumeSuccessOnTimeout = true
	client := NewClient(cfg)
	t.Cleanup(client.Close)

	require.NoError(t, client.Connect(context.Background()))

	// Session alive but unresponsive: the heartbeat must still fail even
	// though scene switches tolerate missing confirmations.
	tool.silence()
	require.Error(t, client.Probe(context.Background()))
	assert.NoError(t, client.SwitchScene(context.Background(), "Game Scene", true))
}

func TestReconnectAfterDrop(t *testing.T) {
	tool := newFakeTool(t, "")
	client := NewClient(tool.clientConfig())
	t.Cleanup(client.Close)

	require.NoError(t, client.Connect(context.Background()))
	tool.dropConnections()
	require.Eventually(t, func() bool {
		return !client.Connected()
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Connect(context.Background()))
	assert.NoError(t, client.Probe(context.Background()))
}

func TestSceneNamesDecodesList(t *testing.T) {
	tool := newFakeTool(t, "")
	client := NewClient(tool.clientConfig())
	t.Cleanup(client.Close)

	require.NoError(t, client.Connect(context.Background()))

	// The fake answers with an empty payload; decoding yields no names
	// rather than an error.
	names, err := client.SceneNames(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}
