package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/agentlink/internal/consts"
)

// WebSocketDialer opens WebSocket transports. Compression is disabled by
// default: some app-server builds drop the connection during the HTTP
// upgrade when the permessage-deflate extension is offered.
type WebSocketDialer struct {
	HandshakeTimeout  time.Duration
	EnableCompression bool
}

// NewWebSocketDialer returns a dialer with default settings.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{HandshakeTimeout: consts.ConnectTimeout}
}

// Dial opens a WebSocket connection to u.
func (d *WebSocketDialer) Dial(ctx context.Context, u *url.URL) (Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  d.HandshakeTimeout,
		EnableCompression: d.EnableCompression,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u.Host, err)
	}

	conn.SetReadLimit(consts.MaxMessageSize)

	t := &wsTransport{
		conn: conn,
		pong: make(chan string, 1),
	}
	conn.SetPongHandler(func(appData string) error {
		select {
		case t.pong <- appData:
		default:
		}
		return nil
	})
	return t, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pong    chan string
	nonce   atomic.Int64
	closed  atomic.Bool
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(consts.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

// Ping writes a ping control frame and waits for the matching pong.
func (t *wsTransport) Ping(ctx context.Context) (time.Duration, error) {
	nonce := strconv.FormatInt(t.nonce.Add(1), 10)
	start := time.Now()

	t.writeMu.Lock()
	err := t.conn.WriteControl(websocket.PingMessage, []byte(nonce), time.Now().Add(consts.WriteTimeout))
	t.writeMu.Unlock()
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(consts.PongTimeout)
	defer timer.Stop()

	for {
		select {
		case payload := <-t.pong:
			// A stale pong from an earlier probe is skipped.
			if payload == nonce || payload == "" {
				return time.Since(start), nil
			}
		case <-timer.C:
			return 0, errors.New("pong timeout")
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	return t.conn.Close()
}

// IsPeerDrop reports whether err looks like the peer tore the connection
// down rather than a local close or a protocol failure.
func IsPeerDrop(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}
