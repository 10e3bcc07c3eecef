package session

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/agentlink/internal/transport"
	"github.com/codefionn/agentlink/internal/turns"
	"github.com/codefionn/agentlink/internal/wire"
)

// fakeConn is an in-memory transport driven by a scripted server handler.
type fakeConn struct {
	mu      sync.Mutex
	in      chan []byte
	sent    [][]byte
	handler func(env *wire.Envelope) *wire.Envelope
	closed  bool
	recvErr error
	pingErr error
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("send on closed transport")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	h := c.handler
	c.mu.Unlock()

	if h == nil {
		return nil
	}
	env, err := wire.Decode(data)
	if err != nil {
		return nil
	}
	if reply := h(env); reply != nil {
		c.push(reply)
	}
	return nil
}

func (c *fakeConn) push(env *wire.Envelope) {
	data, err := env.Encode()
	if err != nil {
		panic(err)
	}
	c.pushRaw(data)
}

func (c *fakeConn) pushRaw(data []byte) {
	c.mu.Lock()
	if !c.closed {
		c.in <- data
	}
	c.mu.Unlock()
}

func (c *fakeConn) Receive() ([]byte, error) {
	data, ok := <-c.in
	if !ok {
		c.mu.Lock()
		err := c.recvErr
		c.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *fakeConn) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Millisecond, c.pingErr
}

func (c *fakeConn) Close() error {
	c.fail(nil)
	return nil
}

// fail simulates the server dropping the connection.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.recvErr = err
		close(c.in)
	}
	c.mu.Unlock()
}

// sentEnvelopes decodes every frame the client has written so far.
func (c *fakeConn) sentEnvelopes(t *testing.T) []*wire.Envelope {
	t.Helper()
	c.mu.Lock()
	frames := append([][]byte(nil), c.sent...)
	c.mu.Unlock()

	out := make([]*wire.Envelope, 0, len(frames))
	for _, f := range frames {
		env, err := wire.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	attempts int
	handler  func(env *wire.Envelope) *wire.Envelope
	dialErr  error
	// dropNext makes the next dialed connection fail before serving
	dropNext bool
}

func (d *fakeDialer) Dial(ctx context.Context, u *url.URL) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &fakeConn{in: make(chan []byte, 64), handler: d.handler}
	if d.dropNext {
		d.dropNext = false
		c.fail(io.EOF)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) failDials(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// appServer answers like a healthy app server of the given version,
// swallowing the methods named in mute.
func appServer(version string, mute ...string) func(env *wire.Envelope) *wire.Envelope {
	muted := make(map[string]bool, len(mute))
	for _, m := range mute {
		muted[m] = true
	}
	return func(env *wire.Envelope) *wire.Envelope {
		shape, err := env.Shape()
		if err != nil || shape != wire.ShapeRequest || muted[env.Method] {
			return nil
		}
		switch env.Method {
		case "initialize":
			return wire.NewResult(*env.ID, wire.Object(
				wire.F("userAgent", wire.Object(wire.F("version", wire.String(version)))),
				wire.F("authStatus", wire.String("authenticated")),
				wire.F("model", wire.String("gpt-5.1")),
			))
		case "model/list", "mcpServer/list", "skill/list", "app/list":
			return wire.NewResult(*env.ID, wire.Object(wire.F("items", wire.Array())))
		default:
			return wire.NewResult(*env.ID, wire.Object())
		}
	}
}

func testSession(d *fakeDialer) *Session {
	cfg := DefaultConfig()
	cfg.Dialer = d
	cfg.ConnectTimeout = time.Second
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.PingInterval = time.Hour
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	return New(cfg)
}

func connect(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Connect(context.Background(), "ws://100.64.1.2:4500"))
	require.True(t, s.IsConnected())
}

func TestConnectHandshake(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0")}
	s := testSession(d)
	defer s.Disconnect()

	connect(t, s)

	snap := s.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	assert.Equal(t, "0.105.0", snap.Diagnostics.RemoteVersion)
	assert.Equal(t, "authenticated", snap.Diagnostics.AuthStatus)
	assert.Equal(t, "gpt-5.1", snap.Diagnostics.CurrentModel)

	// The handshake acknowledgment went out as a notification.
	acked := false
	for _, env := range d.conn(0).sentEnvelopes(t) {
		if env.Method == "initialized" && env.ID == nil {
			acked = true
		}
	}
	assert.True(t, acked)

	// Connecting twice is an error.
	assert.ErrorIs(t, s.Connect(context.Background(), "ws://100.64.1.2:4500"), ErrAlreadyConnected)
}

func TestConnectRejectsInvalidEndpoint(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0")}
	s := testSession(d)

	for _, raw := range []string{
		"http://100.64.1.2:4500",
		"ws://localhost:4500",
		"ws://127.0.0.1:4500",
		"ws://0.0.0.0:4500",
	} {
		require.Error(t, s.Connect(context.Background(), raw), raw)
	}
	assert.Zero(t, d.dialCount())
}

func TestConnectRejectsOldServer(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.99.0")}
	s := testSession(d)

	err := s.Connect(context.Background(), "ws://100.64.1.2:4500")
	require.Error(t, err)

	var incompat *IncompatibleVersionError
	require.ErrorAs(t, err, &incompat)
	assert.Equal(t, "0.99.0", incompat.Remote)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestRequestTimeoutIgnoresLateResponse(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0", "thread/list")}
	s := testSession(d)
	defer s.Disconnect()
	connect(t, s)

	_, err := s.ListThreads(context.Background())
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "thread/list", timeout.Method)
	assert.Zero(t, s.route.PendingCount())

	// Find the timed-out request id and deliver its response late.
	var lateID int64
	for _, env := range d.conn(0).sentEnvelopes(t) {
		if env.Method == "thread/list" {
			lateID = *env.ID
		}
	}
	require.NotZero(t, lateID)
	d.conn(0).push(wire.NewResult(lateID, wire.Object(wire.F("threads", wire.Array()))))

	// The late response is dropped without disturbing later requests.
	require.Eventually(t, func() bool {
		_, err := s.StartThread(context.Background())
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnectFailsPendingAndIsIdempotent(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0", "thread/list")}
	s := testSession(d)
	connect(t, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ListThreads(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return s.route.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	s.Disconnect()
	s.Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed on disconnect")
	}
	assert.Equal(t, StateDisconnected, s.State())

	_, err := s.StartThread(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPreHandshakeDropDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0"), dropNext: true}
	s := testSession(d)

	err := s.Connect(context.Background(), "ws://100.64.1.2:4500")
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, s.State())

	// No reconnect attempt fires for a pre-handshake drop.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0")}
	s := testSession(d)
	defer s.Disconnect()
	connect(t, s)

	d.conn(0).fail(io.ErrUnexpectedEOF)

	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && s.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectFailureStaysDownNoBackgroundRetry(t *testing.T) {
	// Mute initialize so the connection is still mid-handshake when the
	// server delivers a frame that fails to decode.
	d := &fakeDialer{handler: appServer("0.105.0", "initialize")}
	s := testSession(d)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background(), "ws://100.64.1.2:4500") }()

	require.Eventually(t, func() bool {
		if d.dialCount() == 0 {
			return false
		}
		for _, env := range d.conn(0).sentEnvelopes(t) {
			if env.Method == "initialize" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	d.conn(0).pushRaw([]byte("{not json"))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return")
	}

	// The failure belongs to Connect; nothing redials behind the caller
	// and the session never flips to connected on its own.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.attemptCount())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0")}
	s := testSession(d)
	connect(t, s)

	// Every dial after the first is refused.
	d.failDials(errors.New("connection refused"))
	d.conn(0).fail(io.ErrUnexpectedEOF)

	want := 1 + s.cfg.MaxReconnectAttempts
	require.Eventually(t, func() bool {
		return d.attemptCount() == want
	}, 2*time.Second, 5*time.Millisecond)

	// The attempt budget is spent; no further redial fires.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, want, d.attemptCount())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestConnectionLossDropsQueuedApprovals(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0")}
	s := testSession(d)
	defer s.Disconnect()
	connect(t, s)

	params := wire.Object(wire.F("command", wire.String("ls")))
	d.conn(0).push(wire.NewRequest(9, "execCommandApproval", &params))
	require.Eventually(t, func() bool {
		return len(s.Approvals()) == 1
	}, time.Second, 5*time.Millisecond)

	d.conn(0).fail(io.ErrUnexpectedEOF)
	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && s.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)

	// The dead connection's correlation id is not answerable anymore.
	assert.Empty(t, s.Approvals())
	assert.ErrorIs(t, s.ApproveCommand(9, true), turns.ErrApprovalNotFound)
}

func TestDisconnectLeavesConfigReconnectIntact(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0")}
	s := testSession(d)
	connect(t, s)

	s.Disconnect()
	assert.True(t, s.cfg.ReconnectEnabled)

	// A fresh Connect on the same session restores auto-reconnect.
	connect(t, s)
	defer s.Disconnect()
	d.conn(1).fail(io.ErrUnexpectedEOF)

	require.Eventually(t, func() bool {
		return d.dialCount() == 3 && s.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectDelay(t *testing.T) {
	assert.Equal(t, time.Second, ReconnectDelay(time.Second, 1))
	assert.Equal(t, 2*time.Second, ReconnectDelay(time.Second, 2))
	assert.Equal(t, 4*time.Second, ReconnectDelay(time.Second, 3))
	assert.Equal(t, time.Second, ReconnectDelay(time.Second, 0))
}

func TestTurnStreamingScenario(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0")}
	s := testSession(d)
	defer s.Disconnect()
	connect(t, s)

	events := make(chan turns.CompletionEvent, 1)
	token := s.SubscribeCompletion(func(ev turns.CompletionEvent) { events <- ev })
	defer s.UnsubscribeCompletion(token)

	push := func(method string, fs ...wire.Field) {
		params := wire.Object(fs...)
		d.conn(0).push(wire.NewNotification(method, &params))
	}

	push("turn/started",
		wire.F("threadId", wire.String("t1")),
		wire.F("turnId", wire.String("turn-1")))
	push("item/agentMessageDelta",
		wire.F("threadId", wire.String("t1")),
		wire.F("delta", wire.String("Hello, ")))
	push("item/agentMessageDelta",
		wire.F("threadId", wire.String("t1")),
		wire.F("delta", wire.String("world.")))

	require.Eventually(t, func() bool {
		_, phase, active := s.ActiveTurn("t1")
		return active && phase == turns.PhaseResponding
	}, time.Second, 5*time.Millisecond)

	push("turn/completed",
		wire.F("threadId", wire.String("t1")),
		wire.F("turnId", wire.String("turn-1")),
		wire.F("status", wire.String("completed")))

	select {
	case ev := <-events:
		assert.Equal(t, "t1", ev.ThreadID)
		assert.Equal(t, "completed", ev.Status)
		assert.Equal(t, "Hello, world.", ev.Preview)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}

	assert.Equal(t, "Hello, world.", s.Transcript("t1"))
	_, _, active := s.ActiveTurn("t1")
	assert.False(t, active)
}

func TestTokenUsageAndRateLimitNotifications(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0")}
	s := testSession(d)
	defer s.Disconnect()
	connect(t, s)

	usage := wire.Object(
		wire.F("usedTokens", wire.Int(1500)),
		wire.F("maxTokens", wire.Int(200000)))
	d.conn(0).push(wire.NewNotification("thread/tokenUsage", &usage))

	limits := wire.Object(wire.F("rateLimits", wire.Array(
		wire.Object(
			wire.F("name", wire.String("5h")),
			wire.F("usedPercent", wire.Float(40)),
		))))
	d.conn(0).push(wire.NewNotification("rateLimits/updated", &limits))

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.ContextUsage != nil && len(snap.RateLimits) == 1
	}, time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, int64(1500), snap.ContextUsage.UsedTokens)
	assert.Equal(t, int64(198500), snap.ContextUsage.RemainingTokens)
	assert.Equal(t, "5h", snap.RateLimits[0].Name)
	assert.Equal(t, 60.0, snap.RateLimits[0].RemainingPercent)
}

func TestApprovalFlow(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0")}
	s := testSession(d)
	defer s.Disconnect()
	connect(t, s)

	params := wire.Object(
		wire.F("threadId", wire.String("t1")),
		wire.F("command", wire.String("rm -rf build")),
		wire.F("cwd", wire.String("/work")),
		wire.F("reason", wire.String("clean rebuild")))
	d.conn(0).push(wire.NewRequest(42, "execCommandApproval", &params))

	require.Eventually(t, func() bool {
		return len(s.Approvals()) == 1
	}, time.Second, 5*time.Millisecond)

	a := s.Approvals()[0]
	assert.Equal(t, int64(42), a.ID)
	assert.Equal(t, turns.KindCommand, a.Kind)
	assert.Equal(t, "rm -rf build", a.Command)
	assert.Equal(t, "/work", a.Cwd)

	require.NoError(t, s.ApproveCommand(42, true))

	// The response envelope went out with the server's request id.
	var decision string
	for _, env := range d.conn(0).sentEnvelopes(t) {
		if env.ID != nil && *env.ID == 42 && env.Result != nil {
			if v, ok := env.Result.Get("decision"); ok {
				decision, _ = v.Str()
			}
		}
	}
	assert.Equal(t, "approved", decision)

	// Deciding twice fails instead of answering twice.
	assert.ErrorIs(t, s.ApproveCommand(42, true), turns.ErrApprovalNotFound)
	assert.Empty(t, s.Approvals())
}

func TestUserInputRequestFlow(t *testing.T) {
	d := &fakeDialer{handler: appServer("0.105.0")}
	s := testSession(d)
	defer s.Disconnect()
	connect(t, s)

	params := wire.Object(
		wire.F("questions", wire.Array(
			wire.Object(
				wire.F("id", wire.String("branch")),
				wire.F("prompt", wire.String("Which branch?")),
				wire.F("options", wire.Array(wire.String("main"), wire.String("dev")))))))
	d.conn(0).push(wire.NewRequest(7, "userInput/request", &params))

	require.Eventually(t, func() bool {
		return len(s.Approvals()) == 1
	}, time.Second, 5*time.Millisecond)

	a := s.Approvals()[0]
	require.Equal(t, turns.KindUserInput, a.Kind)
	require.Len(t, a.Questions, 1)
	assert.Equal(t, "branch", a.Questions[0].ID)
	assert.Equal(t, []string{"main", "dev"}, a.Questions[0].Options)

	require.NoError(t, s.AnswerUserInput(7, map[string]string{"branch": "dev"}))

	var answered string
	for _, env := range d.conn(0).sentEnvelopes(t) {
		if env.ID != nil && *env.ID == 7 && env.Result != nil {
			if answers, ok := env.Result.Get("answers"); ok {
				if v, ok := answers.Get("branch"); ok {
					answered, _ = v.Str()
				}
			}
		}
	}
	assert.Equal(t, "dev", answered)
}

func TestStartTurnNegotiatesModelPreference(t *testing.T) {
	var mu sync.Mutex
	var turnParams []*wire.Envelope

	handler := appServer("0.105.0")
	d := &fakeDialer{}
	d.handler = func(env *wire.Envelope) *wire.Envelope {
		if env.Method == "turn/start" && env.ID != nil {
			mu.Lock()
			turnParams = append(turnParams, env)
			count := len(turnParams)
			mu.Unlock()
			if count == 1 {
				e := wire.NewError(*env.ID, wire.CodeInvalidParams, "unknown parameter")
				data := wire.Object(wire.F("param", wire.String("model")))
				e.Error.Data = &data
				return e
			}
			return wire.NewResult(*env.ID, wire.Object(wire.F("turnId", wire.String("turn-9"))))
		}
		return handler(env)
	}

	s := testSession(d)
	defer s.Disconnect()
	connect(t, s)

	turnID, err := s.StartTurn(context.Background(), "t1", "hello",
		TurnOptions{Model: "gpt-5.1-mini", Effort: "high"})
	require.NoError(t, err)
	assert.Equal(t, "turn-9", turnID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, turnParams, 2)

	_, hadModel := turnParams[0].Params.Get("model")
	assert.True(t, hadModel)
	_, hadModel = turnParams[1].Params.Get("model")
	assert.False(t, hadModel)
	// The effort preference survives the renegotiation.
	_, hadEffort := turnParams[1].Params.Get("effort")
	assert.True(t, hadEffort)
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"timeout", &TimeoutError{Method: "thread/list"}, CategoryConnection},
		{"incompatible", &IncompatibleVersionError{Remote: "0.9.0", Min: "0.101.0"}, CategoryCompatibility},
		{"handshake drop", &HandshakeDropError{Cause: io.EOF}, CategoryCompatibility},
		{"not connected", ErrNotConnected, CategoryConnection},
		{"protocol", &wire.RemoteError{Code: wire.CodeMethodNotFound, Message: "no such method"}, CategoryProtocol},
		{"auth keyword", errors.New("401 unauthorized"), CategoryAuthentication},
		{"token keyword", errors.New("token expired"), CategoryAuthentication},
		{"permission keyword", errors.New("permission denied"), CategoryPermission},
		{"connection keyword", errors.New("connection refused"), CategoryConnection},
		{"unknown", errors.New("something odd"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}
