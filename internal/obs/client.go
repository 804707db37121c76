// SPDX-License-Identifier: MIT

package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/roclive/roc/internal/log"
)

const rpcVersion = 1

var (
	// ErrNotConnected is returned when a request is issued without an
	// identified session.
	ErrNotConnected = errors.New("obs: not connected")

	// ErrAuthFailed indicates the server rejected the Identify message,
	// almost always a wrong password.
	ErrAuthFailed = errors.New("obs: authentication failed")

	// errClosed terminates pending requests when the connection drops.
	errClosed = errors.New("obs: connection closed")
)

// RequestError carries the server-side status of a failed request.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("obs: %s failed with code %d: %s", e.RequestType, e.Code, e.Comment)
}

// Config holds connection parameters for one OBS instance.
type Config struct {
	Host                   string
	Port                   int
	Password               string
	RequestTimeout         time.Duration
	AssumeSuccessOnTimeout bool
	RequestsPerSecond      float64
}

// Client is a websocket v5 client. All exported methods are safe for
// concurrent use; a single reader goroutine owns the socket's read side.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan requestResponseData
	closed  chan struct{}
}

// NewClient builds a client. Connect must be called before requests.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		cfg:     cfg,
		logger:  log.WithComponent("obs"),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// RequiresAuth reports whether the configured instance expects a
// password handshake.
func (c *Client) RequiresAuth() bool { return c.cfg.Password != "" }

// Probe verifies the identified session with a GetVersion heartbeat.
// A torn-down session fails immediately; an unresponsive one fails
// after the request timeout. Probe failure is the disconnect signal
// the connection supervisor acts on.
func (c *Client) Probe(ctx context.Context) error {
	if !c.Connected() {
		return fmt.Errorf("probe %s: %w", c.addr(), ErrNotConnected)
	}
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("probe %s: %w", c.addr(), err)
	}
	return nil
}

// Connect dials the server and completes the Hello/Identify handshake.
// A previous session, if any, is torn down first.
func (c *Client) Connect(ctx context.Context) error {
	c.Close()

	u := url.URL{Scheme: "ws", Host: c.addr()}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}

	hello, err := readEnvelope[helloData](conn, opHello, c.cfg.RequestTimeout)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read hello: %w", err)
	}

	identify := identifyData{RPCVersion: rpcVersion}
	if hello.Authentication != nil {
		if c.cfg.Password == "" {
			_ = conn.Close()
			return fmt.Errorf("%w: server requires a password", ErrAuthFailed)
		}
		identify.Authentication = computeAuthResponse(
			c.cfg.Password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}

	payload, err := marshalEnvelope(opIdentify, identify)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal identify: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send identify: %w", err)
	}

	if _, err := readEnvelope[json.RawMessage](conn, opIdentified, c.cfg.RequestTimeout); err != nil {
		_ = conn.Close()
		if websocket.IsCloseError(err, websocket.CloseProtocolError) || errors.Is(err, errUnexpectedClose) {
			return ErrAuthFailed
		}
		return fmt.Errorf("read identified: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[string]chan requestResponseData)
	c.closed = make(chan struct{})
	closed := c.closed
	c.mu.Unlock()

	go c.readLoop(conn, closed)

	c.logger.Info().
		Str("event", "obs.connected").
		Str("addr", c.addr()).
		Str("version", hello.ObsWebSocketVersion).
		Msg("obs session identified")
	return nil
}

// Connected reports whether an identified session is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears down the session and fails all pending requests.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = nil
	if c.closed != nil {
		select {
		case <-c.closed:
		default:
			close(c.closed)
		}
		c.closed = nil
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}
}

// Ping issues GetVersion to verify the session is responsive. Unlike
// scene switches, a confirmation timeout here is always a failure.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, "GetVersion", nil, true, false)
	return err
}

// CurrentScene returns the active program scene name.
func (c *Client) CurrentScene(ctx context.Context) (string, error) {
	raw, err := c.request(ctx, "GetCurrentProgramScene", nil, true, false)
	if err != nil {
		return "", err
	}
	var resp struct {
		CurrentProgramSceneName string `json:"currentProgramSceneName"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode scene response: %w", err)
	}
	return resp.CurrentProgramSceneName, nil
}

// SceneNames lists all scene names known to the server.
func (c *Client) SceneNames(ctx context.Context) ([]string, error) {
	raw, err := c.request(ctx, "GetSceneList", nil, true, false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Scenes []struct {
			SceneName string `json:"sceneName"`
		} `json:"scenes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode scene list: %w", err)
	}
	names := make([]string, 0, len(resp.Scenes))
	for _, s := range resp.Scenes {
		names = append(names, s.SceneName)
	}
	return names, nil
}

// SwitchScene sets the program scene. With waitConfirm the call blocks
// until the server acknowledges or the request timeout elapses; without
// it the request is fire-and-forget after the write succeeds.
func (c *Client) SwitchScene(ctx context.Context, sceneName string, waitConfirm bool) error {
	params := map[string]any{"sceneName": sceneName}
	_, err := c.request(ctx, "SetCurrentProgramScene", params, waitConfirm, c.cfg.AssumeSuccessOnTimeout)
	return err
}

// request writes one request frame and, when wait is set, blocks for the
// matching response. assumeOnTimeout turns a confirmation timeout into a
// success; only scene switches opt into that.
func (c *Client) request(ctx context.Context, reqType string, params any, wait, assumeOnTimeout bool) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	payload, err := marshalEnvelope(opRequest, requestData{
		RequestType: reqType,
		RequestID:   id,
		RequestData: params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	var respCh chan requestResponseData
	if conn != nil && wait {
		respCh = make(chan requestResponseData, 1)
		c.pending[id] = respCh
	}
	c.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", reqType, err)
	}
	if !wait {
		return nil, nil
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, errClosed
		}
		if !resp.RequestStatus.Result {
			return nil, &RequestError{
				RequestType: reqType,
				Code:        resp.RequestStatus.Code,
				Comment:     resp.RequestStatus.Comment,
			}
		}
		return resp.ResponseData, nil

	case <-timer.C:
		c.dropPending(id)
		if assumeOnTimeout {
			c.logger.Warn().
				Str("event", "obs.confirm_timeout").
				Str("request_type", reqType).
				Msg("no confirmation within timeout, assuming success")
			return nil, nil
		}
		return nil, fmt.Errorf("obs: %s: no response within %s", reqType, c.cfg.RequestTimeout)

	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// readLoop owns the socket's read side, routing responses to waiters.
// Any read error ends the session.
func (c *Client) readLoop(conn *websocket.Conn, closed chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closed:
			default:
				c.logger.Warn().
					Err(err).
					Str("event", "obs.read_failed").
					Msg("obs connection lost")
				c.Close()
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug().Err(err).Str("event", "obs.bad_frame").Msg("dropping malformed frame")
			continue
		}
		if env.Op != opRequestResponse {
			continue
		}

		var resp requestResponseData
		if err := json.Unmarshal(env.D, &resp); err != nil {
			continue
		}

		c.mu.Lock()
		ch := c.pending[resp.RequestID]
		if ch != nil {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()

		if ch != nil {
			ch <- resp
		}
	}
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

var errUnexpectedClose = errors.New("obs: connection closed during handshake")

// readEnvelope reads one frame and decodes its payload, requiring the
// expected opcode.
func readEnvelope[T any](conn *websocket.Conn, wantOp int, timeout time.Duration) (*T, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, data, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err) {
			return nil, errUnexpectedClose
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Op != wantOp {
		return nil, fmt.Errorf("unexpected opcode %d, want %d", env.Op, wantOp)
	}

	var payload T
	if err := json.Unmarshal(env.D, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &payload, nil
}
