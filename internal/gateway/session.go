package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmareth/tradewind/internal/domain"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected State = "Disconnected"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
	StateDegraded     State = "Degraded"
	StateReconnecting State = "Reconnecting"
	StateClosed       State = "Closed"
)

// HeartbeatAction is the graded response to consecutive heartbeat misses.
type HeartbeatAction string

const (
	ActionWarning       HeartbeatAction = "warning"
	ActionSoftReconnect HeartbeatAction = "soft_reconnect"
	ActionHardReconnect HeartbeatAction = "hard_reconnect"
)

// ActionForStrike implements the heartbeat strike policy:
// 1 -> warning, 2 -> soft_reconnect, >= 3 -> hard_reconnect.
func ActionForStrike(strike int) HeartbeatAction {
	switch {
	case strike <= 1:
		return ActionWarning
	case strike == 2:
		return ActionSoftReconnect
	default:
		return ActionHardReconnect
	}
}

// backoffSchedule is the exact reconnect delay sequence, capped at the
// final entry.
var backoffSchedule = []time.Duration{
	2000 * time.Millisecond,
	4000 * time.Millisecond,
	8000 * time.Millisecond,
	16000 * time.Millisecond,
	30000 * time.Millisecond,
}

// connectionLostDelay overrides the backoff after gateway code 1100.
const connectionLostDelay = 10 * time.Second

// BackoffDelay returns the reconnect delay for a zero-based attempt.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// SessionConfig holds gateway session settings.
type SessionConfig struct {
	Host               string
	Port               int
	ClientID           int
	MaxClientIDRetries int
	HeartbeatInterval  time.Duration
	HandshakeTimeout   time.Duration
	// ConnectWait bounds how long WithSession callers wait for a live
	// session before ErrSessionUnavailable.
	ConnectWait time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ConnectWait <= 0 {
		c.ConnectWait = 30 * time.Second
	}
}

// Session owns the single connection to the brokerage gateway. All
// other components reach the gateway through the broker, never through
// the session's connection handle directly.
type Session struct {
	cfg    SessionConfig
	dial   Dialer
	log    zerolog.Logger
	health *Health

	mu           sync.RWMutex
	state        State
	conn         *conn
	clientID     int
	strikes      int
	attempt      int
	reconnecting bool
	closed       bool
	// set by gateway code 1100: next reconnect waits a fixed 10 s
	overrideDelay *time.Duration
	// set by gateway code 1102: the session recovered in place
	suppressReconnect bool
	// closed and replaced whenever the session connects/disconnects
	connectedCh chan struct{}

	// heartbeat bookkeeping
	hbMu        sync.Mutex
	hbPending   bool
	hbSentAt    time.Time
	stopHB      chan struct{}

	stopCh chan struct{}

	// broker hooks
	onEvent     func(Frame)
	onDrop      func()
	onHardReset func()
}

// NewSession creates a session manager. Hooks are registered by the
// broker before Start.
func NewSession(cfg SessionConfig, health *Health, log zerolog.Logger) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:         cfg,
		dial:        defaultDialer,
		log:         log.With().Str("component", "gateway_session").Logger(),
		health:      health,
		state:       StateDisconnected,
		clientID:    cfg.ClientID,
		connectedCh: make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
}

// SetDialer swaps the transport dialer. Tests use an in-memory pipe.
func (s *Session) SetDialer(d Dialer) { s.dial = d }

// SetHooks registers the broker's event, drop, and hard-reset hooks.
func (s *Session) SetHooks(onEvent func(Frame), onDrop func(), onHardReset func()) {
	s.onEvent = onEvent
	s.onDrop = onDrop
	s.onHardReset = onHardReset
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ClientID returns the negotiated client id.
func (s *Session) ClientID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("Session state changed")
	}
}

// Start connects and begins supervision. An initial connection failure
// is not fatal: the reconnect loop keeps trying in the background.
func (s *Session) Start(ctx context.Context) error {
	s.log.Info().Str("host", s.cfg.Host).Int("port", s.cfg.Port).Msg("Starting gateway session")
	if err := s.connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Initial gateway connection failed, will retry in background")
		go s.reconnectLoop()
		return err
	}
	return nil
}

// Close terminates the session permanently.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.stopCh)
	s.stopHeartbeat()
	if c != nil {
		_ = c.close()
	}
	s.setState(StateClosed)
	s.health.RecordAvailability(false)
	s.log.Info().Msg("Gateway session closed")
	return nil
}

// connect dials, negotiates a client id, and starts the read and
// heartbeat loops. Disconnected -> Connecting -> Connected.
func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	raw, err := s.dial(dialCtx, addr)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	c := newConn(raw)
	clientID, err := s.negotiateClientID(ctx, c)
	if err != nil {
		_ = c.close()
		s.setState(StateDisconnected)
		return err
	}

	s.mu.Lock()
	s.conn = c
	s.clientID = clientID
	s.strikes = 0
	s.attempt = 0
	s.overrideDelay = nil
	s.suppressReconnect = false
	connected := s.connectedCh
	s.mu.Unlock()

	s.setState(StateConnected)
	s.health.RecordAvailability(true)
	close(connected)

	go s.readLoop(c)
	s.startHeartbeat()

	s.log.Info().Int("client_id", clientID).Msg("Connected to gateway")
	return nil
}

// negotiateClientID tries the configured client id, incrementing on
// "id in use" rejections up to MaxClientIDRetries times.
func (s *Session) negotiateClientID(ctx context.Context, c *conn) (int, error) {
	id := s.cfg.ClientID
	for try := 0; try <= s.cfg.MaxClientIDRetries; try++ {
		frame, err := NewFrame(KindHandshake, 0, HandshakeRequest{ClientID: id})
		if err != nil {
			return 0, err
		}
		if err := c.writeFrame(ctx, frame); err != nil {
			return 0, fmt.Errorf("handshake write failed: %w", err)
		}

		ack, err := s.awaitHandshakeAck(c)
		if err != nil {
			return 0, err
		}
		if ack.Accepted {
			return id, nil
		}
		if !ack.InUse {
			return 0, fmt.Errorf("handshake rejected: %s", ack.Error)
		}
		s.log.Warn().Int("client_id", id).Msg("Client id in use, retrying with next id")
		id++
	}
	return 0, fmt.Errorf("no free client id after %d retries: %w",
		s.cfg.MaxClientIDRetries, domain.ErrSessionUnavailable)
}

func (s *Session) awaitHandshakeAck(c *conn) (*HandshakeAck, error) {
	type result struct {
		ack *HandshakeAck
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			f, err := c.readFrame()
			if err != nil {
				ch <- result{err: fmt.Errorf("handshake read failed: %w", err)}
				return
			}
			if f.Kind != KindHandshakeAck {
				continue
			}
			var ack HandshakeAck
			if err := json.Unmarshal(f.Payload, &ack); err != nil {
				ch <- result{err: fmt.Errorf("malformed handshake ack: %w", err)}
				return
			}
			ch <- result{ack: &ack}
			return
		}
	}()

	select {
	case r := <-ch:
		return r.ack, r.err
	case <-time.After(s.cfg.HandshakeTimeout):
		return nil, fmt.Errorf("handshake timed out: %w", domain.ErrSessionUnavailable)
	}
}

// Send writes a frame on the live connection. Fails fast when no
// session is available.
func (s *Session) Send(ctx context.Context, f Frame) error {
	s.mu.RLock()
	c := s.conn
	st := s.state
	s.mu.RUnlock()

	if c == nil || (st != StateConnected && st != StateDegraded) {
		return domain.ErrSessionUnavailable
	}
	return c.writeFrame(ctx, f)
}

// WithSession waits until a session is available, then invokes f.
// Cancellation of ctx or failure to obtain a session within
// ConnectWait surfaces as ErrSessionUnavailable.
func (s *Session) WithSession(ctx context.Context, f func(ctx context.Context) error) error {
	if err := s.AwaitConnected(ctx); err != nil {
		return err
	}
	return f(ctx)
}

// AwaitConnected blocks until the session is connected, the wait
// budget is exhausted, or ctx is cancelled.
func (s *Session) AwaitConnected(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return domain.ErrSessionUnavailable
	}
	st := s.state
	ch := s.connectedCh
	s.mu.RUnlock()

	if st == StateConnected || st == StateDegraded {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-time.After(s.cfg.ConnectWait):
		return domain.ErrSessionUnavailable
	case <-s.stopCh:
		return domain.ErrSessionUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop consumes frames until the connection dies.
func (s *Session) readLoop(c *conn) {
	for {
		f, err := c.readFrame()
		if err != nil {
			select {
			case <-c.closed:
				// intentional close (soft/hard reconnect or shutdown)
				return
			default:
			}
			s.log.Error().Err(err).Msg("Gateway read error")
			s.handleDrop(false)
			return
		}
		s.dispatch(f)
	}
}

// dispatch routes one inbound frame.
func (s *Session) dispatch(f Frame) {
	switch f.Kind {
	case KindHeartbeatAck:
		s.handleHeartbeatAck(f)
	case KindError:
		s.handleError(f)
	default:
		if s.onEvent != nil {
			s.onEvent(f)
		}
	}
}

// handleError partitions gateway errors: connection-level codes drive
// the session state machine, non-fatal codes are logged and swallowed,
// everything else is forwarded to the correlated request.
func (s *Session) handleError(f Frame) {
	if f.ReqID == ConnectionLevelReqID {
		switch f.Code {
		case domain.GatewayCodeConnectionLost:
			s.log.Warn().Int("code", f.Code).Msg("Gateway lost upstream connectivity, reconnecting in 10s")
			d := connectionLostDelay
			s.mu.Lock()
			s.overrideDelay = &d
			s.mu.Unlock()
			s.handleDrop(false)
		case domain.GatewayCodeConnectionRestored:
			s.log.Info().Int("code", f.Code).Msg("Gateway connectivity restored in place")
			s.mu.Lock()
			s.suppressReconnect = true
			s.strikes = 0
			s.mu.Unlock()
			s.setState(StateConnected)
		default:
			s.log.Warn().Int("code", f.Code).Str("message", f.Message).Msg("Connection-level gateway notice")
		}
		return
	}

	if !domain.IsFatalGatewayCode(f.Code) {
		s.log.Debug().Int("code", f.Code).Str("message", f.Message).Msg("Non-fatal gateway notice")
		return
	}
	if s.onEvent != nil {
		s.onEvent(f)
	}
}

// startHeartbeat launches the heartbeat supervisor for the current
// connection.
func (s *Session) startHeartbeat() {
	s.hbMu.Lock()
	if s.stopHB != nil {
		close(s.stopHB)
	}
	stop := make(chan struct{})
	s.stopHB = stop
	s.hbPending = false
	s.hbMu.Unlock()

	go s.heartbeatLoop(stop)
}

func (s *Session) stopHeartbeat() {
	s.hbMu.Lock()
	if s.stopHB != nil {
		close(s.stopHB)
		s.stopHB = nil
	}
	s.hbMu.Unlock()
}

func (s *Session) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.heartbeatTick()
		}
	}
}

// heartbeatTick sends one heartbeat; if the previous one is still
// unacknowledged it counts a strike first.
func (s *Session) heartbeatTick() {
	s.hbMu.Lock()
	missed := s.hbPending
	s.hbMu.Unlock()

	if missed {
		s.recordHeartbeatMiss()
	}

	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()
	if c == nil {
		return
	}

	now := time.Now()
	frame, err := NewFrame(KindHeartbeat, 0, HeartbeatPayload{SentAtUnixMs: now.UnixMilli()})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	err = c.writeFrame(ctx, frame)
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Msg("Heartbeat write failed")
		return
	}

	s.hbMu.Lock()
	s.hbPending = true
	s.hbSentAt = now
	s.hbMu.Unlock()
}

func (s *Session) handleHeartbeatAck(f Frame) {
	s.hbMu.Lock()
	pending := s.hbPending
	sentAt := s.hbSentAt
	s.hbPending = false
	s.hbMu.Unlock()

	if pending {
		s.health.RecordHeartbeatLatency(float64(time.Since(sentAt).Milliseconds()))
	}

	// A good heartbeat clears strikes; Degraded recovers to Connected.
	s.mu.Lock()
	s.strikes = 0
	recovered := s.state == StateDegraded
	s.mu.Unlock()
	if recovered {
		s.setState(StateConnected)
		s.log.Info().Msg("Heartbeat recovered, session healthy")
	}
}

// recordHeartbeatMiss counts one strike and applies the graded action.
func (s *Session) recordHeartbeatMiss() HeartbeatAction {
	s.mu.Lock()
	s.strikes++
	strike := s.strikes
	s.mu.Unlock()

	action := ActionForStrike(strike)
	s.log.Warn().Int("strike", strike).Str("action", string(action)).Msg("Heartbeat missed")

	switch action {
	case ActionWarning:
		s.setState(StateDegraded)
	case ActionSoftReconnect:
		s.handleDrop(false)
	case ActionHardReconnect:
		s.handleDrop(true)
	}
	return action
}

// handleDrop tears the connection down and schedules reconnection.
// A hard drop additionally resets the request-id allocator and
// re-registers listeners via the broker's hard-reset hook.
func (s *Session) handleDrop(hard bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	c := s.conn
	s.conn = nil
	// renew the connected barrier for future waiters
	s.connectedCh = make(chan struct{})
	s.mu.Unlock()

	if c != nil {
		_ = c.close()
	}
	s.stopHeartbeat()
	s.setState(StateReconnecting)
	s.health.RecordAvailability(false)

	if s.onDrop != nil {
		s.onDrop()
	}
	if hard && s.onHardReset != nil {
		s.onHardReset()
	}

	go s.reconnectLoop()
}

// reconnectLoop retries connection with the capped exponential backoff.
// Gateway code 1100 overrides the delay to 10 s; code 1102 suppresses
// reconnection entirely.
func (s *Session) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.closed {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.suppressReconnect {
			s.suppressReconnect = false
			s.mu.Unlock()
			s.log.Info().Msg("Reconnect suppressed, session recovered in place")
			return
		}
		attempt := s.attempt
		s.attempt++
		delay := BackoffDelay(attempt)
		if s.overrideDelay != nil {
			delay = *s.overrideDelay
			s.overrideDelay = nil
		}
		s.mu.Unlock()

		s.health.RecordReconnect()
		s.log.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Reconnecting to gateway")

		select {
		case <-time.After(delay):
		case <-s.stopCh:
			s.setState(StateClosed)
			return
		}

		if err := s.connect(context.Background()); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt+1).Msg("Reconnection failed")
			continue
		}
		return
	}
}
