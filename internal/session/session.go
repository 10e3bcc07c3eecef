// Package session implements the client-side engine for a long-lived
// session with a remote agent-orchestration app server: connection
// lifecycle and handshake, request/response correlation, reconnection,
// turn and approval tracking, and catalog synchronization.
package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/codefionn/agentlink/internal/catalog"
	"github.com/codefionn/agentlink/internal/consts"
	"github.com/codefionn/agentlink/internal/endpoint"
	"github.com/codefionn/agentlink/internal/fields"
	"github.com/codefionn/agentlink/internal/logger"
	"github.com/codefionn/agentlink/internal/retry"
	"github.com/codefionn/agentlink/internal/router"
	"github.com/codefionn/agentlink/internal/transport"
	"github.com/codefionn/agentlink/internal/turns"
	"github.com/codefionn/agentlink/internal/wire"
)

// State is the connection phase of the session.
type State int

const (
	// StateDisconnected is the initial and terminal state
	StateDisconnected State = iota
	// StateConnecting is set while dialing and handshaking
	StateConnecting
	// StateConnected is set once the handshake succeeded
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config holds session configuration.
type Config struct {
	// ClientName and ClientVersion identify this client in the handshake
	ClientName    string
	ClientVersion string
	// MinRemoteVersion gates the handshake
	MinRemoteVersion string
	// ConnectTimeout bounds dialing plus the handshake exchange
	ConnectTimeout time.Duration
	// RequestTimeout bounds every correlated request
	RequestTimeout time.Duration
	// PingInterval is the liveness-probe period
	PingInterval time.Duration
	// ReconnectEnabled enables automatic reconnection after failures
	ReconnectEnabled bool
	// MaxReconnectAttempts caps automatic reconnection
	MaxReconnectAttempts int
	// ReconnectBaseDelay is the delay before the first reconnect attempt
	ReconnectBaseDelay time.Duration
	// Dialer opens transports; defaults to the WebSocket dialer
	Dialer transport.Dialer
	// Logger receives engine logs; defaults to the global logger
	Logger *logger.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		ClientName:           "agentlink",
		ClientVersion:        "1.0.0",
		MinRemoteVersion:     consts.MinRemoteVersion,
		ConnectTimeout:       consts.ConnectTimeout,
		RequestTimeout:       consts.RequestTimeout,
		PingInterval:         consts.PingInterval,
		ReconnectEnabled:     true,
		MaxReconnectAttempts: consts.MaxReconnectAttempts,
		ReconnectBaseDelay:   consts.ReconnectBaseDelay,
	}
}

// Diagnostics is remote metadata published for presentation layers.
type Diagnostics struct {
	RemoteVersion string
	AuthStatus    string
	CurrentModel  string
	LastPingRTT   time.Duration
	LastChecked   time.Time
	LastError     string
}

// Snapshot is a read-only copy of published session state.
type Snapshot struct {
	State        State
	Endpoint     string
	Diagnostics  Diagnostics
	RateLimits   []catalog.RateLimit
	ContextUsage *catalog.ContextUsage
}

// Session is one client-side session engine. Each session owns exactly one
// transport at a time and is owned by whoever created it; it is never a
// singleton. All session-state mutations are serialized under one engine
// lock, and notification dispatch runs on the single receive goroutine.
type Session struct {
	cfg   *Config
	log   *logger.Logger
	route *router.Router
	retry *retry.Policy

	tracker  *turns.Tracker
	catalogs *catalog.Refresher

	mu                sync.Mutex
	state             State
	endpoint          *url.URL
	diag              Diagnostics
	rateLimits        []catalog.RateLimit
	contextUsage      *catalog.ContextUsage
	tp                transport.Transport
	connGen           int
	gotMessage        bool
	loopCancel        context.CancelFunc
	reconnectEnabled  bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
}

// New creates a session engine.
func New(cfg *Config) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = transport.NewWebSocketDialer()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}
	log = log.WithPrefix("session")

	s := &Session{
		cfg:              cfg,
		log:              log,
		route:            router.New(),
		retry:            retry.NewPolicy(log),
		tracker:          turns.NewTracker(log),
		reconnectEnabled: cfg.ReconnectEnabled,
	}
	s.catalogs = catalog.NewRefresher(s.listPage, log)
	return s
}

// State returns the current connection phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the handshake has completed.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Snapshot returns a copy of the published session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:       s.state,
		Diagnostics: s.diag,
		RateLimits:  append([]catalog.RateLimit(nil), s.rateLimits...),
	}
	if s.endpoint != nil {
		snap.Endpoint = s.endpoint.String()
	}
	if s.contextUsage != nil {
		usage := *s.contextUsage
		snap.ContextUsage = &usage
	}
	return snap
}

// Connect validates the endpoint, opens the transport, performs the
// handshake, and transitions to connected. Any failure tears the partial
// connection down and is returned.
func (s *Session) Connect(ctx context.Context, rawURL string) error {
	u, err := endpoint.Validate(rawURL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.endpoint = u
	s.reconnectEnabled = s.cfg.ReconnectEnabled
	s.reconnectAttempts = 0
	s.mu.Unlock()

	if err := s.establish(ctx, u); err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateDisconnected
		}
		s.diag.LastError = err.Error()
		s.mu.Unlock()
		return err
	}
	return nil
}

// establish dials, starts the loops, and runs the handshake. The caller
// has already moved the state to connecting.
func (s *Session) establish(ctx context.Context, u *url.URL) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	tp, err := s.cfg.Dialer.Dial(dialCtx, u)
	if err != nil {
		return err
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.tp = tp
	s.gotMessage = false
	s.connGen++
	gen := s.connGen
	s.loopCancel = loopCancel
	s.mu.Unlock()

	go s.receiveLoop(gen, tp)
	go s.livenessLoop(loopCtx, gen, tp)

	if err := s.handshake(ctx); err != nil {
		s.mu.Lock()
		if gen == s.connGen {
			s.teardownLocked(err)
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if gen != s.connGen {
		// The connection failed while the handshake response was in flight.
		err := s.diag.LastError
		s.mu.Unlock()
		return fmt.Errorf("connection lost during handshake: %s", err)
	}
	s.state = StateConnected
	s.reconnectAttempts = 0
	s.diag.LastError = ""
	version := s.diag.RemoteVersion
	s.mu.Unlock()
	s.log.Info("connected to %s (server %s)", u.Host, version)

	// Catalogs refresh in the background; failures are logged, not fatal.
	go func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		if err := s.refreshCatalogs(refreshCtx); err != nil {
			s.log.Warn("initial catalog refresh failed: %v", err)
		}
	}()

	return nil
}

// handshake sends initialize, gates the remote version, and acknowledges.
func (s *Session) handshake(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	params := wire.Object(
		wire.F("clientInfo", wire.Object(
			wire.F("name", wire.String(s.cfg.ClientName)),
			wire.F("version", wire.String(s.cfg.ClientVersion)),
		)),
	)
	result, err := s.retry.Do(hsCtx, func(ctx context.Context) (wire.Value, error) {
		return s.roundTrip(ctx, "initialize", &params)
	})
	if err != nil {
		return err
	}

	doc := fields.Wrap(result)
	version, _ := doc.Str(
		"userAgent.version", "user_agent.version",
		"serverVersion", "server_version", "version")
	authStatus, _ := doc.Str(
		"authStatus", "auth_status", "auth.status", "authentication.status")
	model, _ := doc.Str(
		"model", "currentModel", "current_model", "defaultModel", "default_model", "model.id")

	if version != "" && !endpoint.CompatibleVersion(version, s.cfg.MinRemoteVersion) {
		return &IncompatibleVersionError{Remote: version, Min: s.cfg.MinRemoteVersion}
	}

	s.mu.Lock()
	s.diag.RemoteVersion = version
	s.diag.AuthStatus = authStatus
	s.diag.CurrentModel = model
	s.mu.Unlock()

	return s.notify("initialized", nil)
}

// receiveLoop reads and dispatches messages until the transport fails.
func (s *Session) receiveLoop(gen int, tp transport.Transport) {
	for {
		data, err := tp.Receive()
		if err != nil {
			s.handleFailure(gen, err)
			return
		}

		s.mu.Lock()
		stale := gen != s.connGen
		if !stale {
			s.gotMessage = true
		}
		s.mu.Unlock()
		if stale {
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			s.log.Error("dropping connection on decode failure: %v", err)
			s.handleFailure(gen, err)
			return
		}
		s.dispatch(env)
	}
}

// livenessLoop probes the transport at a fixed interval.
func (s *Session) livenessLoop(ctx context.Context, gen int, tp transport.Transport) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rtt, err := tp.Ping(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("liveness probe failed: %v", err)
				s.handleFailure(gen, err)
				return
			}
			s.mu.Lock()
			if gen == s.connGen {
				s.diag.LastPingRTT = rtt
				s.diag.LastChecked = time.Now()
			}
			s.mu.Unlock()
		}
	}
}

// handleFailure classifies a transport failure and either surfaces it as a
// handshake incompatibility or schedules a bounded reconnect.
func (s *Session) handleFailure(gen int, cause error) {
	s.mu.Lock()
	if gen != s.connGen {
		// A newer connection or an explicit teardown superseded this loop.
		s.mu.Unlock()
		return
	}
	got := s.gotMessage
	wasConnected := s.state == StateConnected
	s.teardownLocked(cause)

	if !got && transport.IsPeerDrop(cause) {
		err := &HandshakeDropError{Cause: cause}
		s.diag.LastError = err.Error()
		s.mu.Unlock()
		s.log.Error("%v", err)
		return
	}

	if !wasConnected {
		// The connect sequence owns this failure: establish re-raises it
		// to its caller, which either surfaces it from Connect or counts
		// it as a failed reconnect attempt. Scheduling here too would
		// retry behind the caller's back and count the failure twice.
		s.mu.Unlock()
		s.log.Debug("connection failed during connect sequence: %v", cause)
		return
	}

	if !s.reconnectEnabled || s.reconnectAttempts >= s.cfg.MaxReconnectAttempts {
		s.mu.Unlock()
		s.log.Info("not reconnecting after failure: %v", cause)
		return
	}

	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	delay := ReconnectDelay(s.cfg.ReconnectBaseDelay, attempt)
	s.scheduleReconnectLocked(attempt, delay)
	s.mu.Unlock()

	s.log.Warn("connection failed (%v), reconnect %d/%d in %s",
		cause, attempt, s.cfg.MaxReconnectAttempts, delay)
}

// ReconnectDelay returns the backoff delay before reconnect attempt n
// (1-based): base << (n-1).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}

// scheduleReconnectLocked arms the reconnect timer. A new schedule always
// supersedes a prior one. Callers hold s.mu.
func (s *Session) scheduleReconnectLocked(attempt int, delay time.Duration) {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(attempt) })
}

// reconnect is the timer body for one reconnect attempt.
func (s *Session) reconnect(attempt int) {
	s.mu.Lock()
	if s.state != StateDisconnected || !s.reconnectEnabled || s.endpoint == nil {
		s.mu.Unlock()
		return
	}
	u := s.endpoint
	s.state = StateConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	err := s.establish(ctx, u)
	cancel()
	if err == nil {
		s.log.Info("reconnected to %s", u.Host)
		return
	}

	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateDisconnected
	}
	s.diag.LastError = err.Error()
	if !s.reconnectEnabled || s.reconnectAttempts >= s.cfg.MaxReconnectAttempts {
		s.mu.Unlock()
		s.log.Info("giving up after %d reconnect attempts: %v", attempt, err)
		return
	}
	s.reconnectAttempts++
	next := s.reconnectAttempts
	delay := ReconnectDelay(s.cfg.ReconnectBaseDelay, next)
	s.scheduleReconnectLocked(next, delay)
	s.mu.Unlock()

	s.log.Warn("reconnect attempt %d failed (%v), retry %d/%d in %s",
		attempt, err, next, s.cfg.MaxReconnectAttempts, delay)
}

// teardownLocked closes the transport, stops the loops, and fails every
// pending request. Callers hold s.mu. Safe to call repeatedly.
func (s *Session) teardownLocked(cause error) {
	s.connGen++
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	if s.tp != nil {
		_ = s.tp.Close()
		s.tp = nil
	}
	s.state = StateDisconnected
	if cause != nil {
		s.diag.LastError = cause.Error()
	}

	failErr := ErrSessionClosed
	if cause != nil && cause != ErrSessionClosed {
		failErr = cause
	}
	s.route.FailAll(failErr)

	// Queued approvals carry correlation ids issued by the connection that
	// just died; answering them on a later connection would send responses
	// the server never asked for.
	s.tracker.DropApprovals()
}

// Disconnect disables auto-reconnect, tears the connection down, fails all
// pending requests, and clears derived state. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.reconnectEnabled = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.teardownLocked(ErrSessionClosed)
	s.mu.Unlock()

	s.tracker.Reset()
	s.catalogs.Reset()

	s.mu.Lock()
	s.rateLimits = nil
	s.contextUsage = nil
	s.mu.Unlock()

	s.log.Info("session closed")
}

// roundTrip sends one request and races the matching response against the
// request timeout, the caller's context, and session teardown. The losers
// become no-ops: every pending entry is destroyed exactly once.
func (s *Session) roundTrip(ctx context.Context, method string, params *wire.Value) (wire.Value, error) {
	s.mu.Lock()
	tp := s.tp
	s.mu.Unlock()
	if tp == nil {
		return wire.Value{}, ErrNotConnected
	}

	id := s.route.Allocate()
	ch := s.route.Register(id)

	env := wire.NewRequest(id, method, params)
	data, err := env.Encode()
	if err != nil {
		s.route.Remove(id)
		return wire.Value{}, err
	}
	if err := tp.Send(data); err != nil {
		s.route.Remove(id)
		return wire.Value{}, err
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.Result, out.Err
	case <-timer.C:
		s.route.Remove(id)
		return wire.Value{}, &TimeoutError{Method: method}
	case <-ctx.Done():
		s.route.Remove(id)
		return wire.Value{}, ctx.Err()
	}
}

// call is the connected-state request path; every outbound request passes
// through the overload retry policy.
func (s *Session) call(ctx context.Context, method string, params *wire.Value) (wire.Value, error) {
	if !s.IsConnected() {
		return wire.Value{}, ErrNotConnected
	}
	return s.retry.Do(ctx, func(ctx context.Context) (wire.Value, error) {
		return s.roundTrip(ctx, method, params)
	})
}

// notify sends a one-way notification envelope.
func (s *Session) notify(method string, params *wire.Value) error {
	s.mu.Lock()
	tp := s.tp
	s.mu.Unlock()
	if tp == nil {
		return ErrNotConnected
	}

	env := wire.NewNotification(method, params)
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return tp.Send(data)
}

// respond sends a response envelope for a server-initiated request.
func (s *Session) respond(env *wire.Envelope) error {
	s.mu.Lock()
	tp := s.tp
	s.mu.Unlock()
	if tp == nil {
		return ErrNotConnected
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	return tp.Send(data)
}

// listPage issues one catalog page request through the retry policy.
func (s *Session) listPage(ctx context.Context, method string, params wire.Value) (wire.Value, error) {
	return s.call(ctx, method, &params)
}
