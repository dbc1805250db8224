package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmareth/tradewind/internal/domain"
)

// testGateway is a scripted in-memory gateway on the far side of a
// net.Pipe. It answers handshakes, optionally acks heartbeats, and
// hands every other frame to onFrame.
type testGateway struct {
	mu       sync.Mutex
	wmu      sync.Mutex
	conn     net.Conn
	inUseIDs map[int]bool
	ackHB    bool
	onFrame  func(f Frame, reply func(Frame))
	received chan Frame
	dials    int
}

func newTestGateway() *testGateway {
	return &testGateway{
		inUseIDs: make(map[int]bool),
		ackHB:    true,
		received: make(chan Frame, 64),
	}
}

func (g *testGateway) dialer() Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		g.mu.Lock()
		g.conn = server
		g.dials++
		g.mu.Unlock()
		go g.serve(server)
		return client, nil
	}
}

func (g *testGateway) serve(c net.Conn) {
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		switch f.Kind {
		case KindHandshake:
			var req HandshakeRequest
			_ = json.Unmarshal(f.Payload, &req)
			ack := HandshakeAck{Accepted: true, ServerID: req.ClientID}
			if g.inUseIDs[req.ClientID] {
				ack = HandshakeAck{InUse: true}
			}
			g.sendTo(c, mustTestFrame(KindHandshakeAck, 0, ack))
		case KindHeartbeat:
			g.mu.Lock()
			ack := g.ackHB
			g.mu.Unlock()
			if ack {
				g.sendTo(c, Frame{Kind: KindHeartbeatAck})
			}
		default:
			if g.onFrame != nil {
				g.onFrame(f, func(out Frame) { g.sendTo(c, out) })
			}
			select {
			case g.received <- f:
			default:
			}
		}
	}
}

func (g *testGateway) sendTo(c net.Conn, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	g.wmu.Lock()
	defer g.wmu.Unlock()
	_, _ = c.Write(append(data, '\n'))
}

// push sends an unsolicited frame on the current connection.
func (g *testGateway) push(f Frame) {
	g.mu.Lock()
	c := g.conn
	g.mu.Unlock()
	if c != nil {
		g.sendTo(c, f)
	}
}

// dropConn severs the current connection from the gateway side.
func (g *testGateway) dropConn() {
	g.mu.Lock()
	c := g.conn
	g.conn = nil
	g.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (g *testGateway) setAckHeartbeats(ack bool) {
	g.mu.Lock()
	g.ackHB = ack
	g.mu.Unlock()
}

func mustTestFrame(kind Kind, reqID int64, payload interface{}) Frame {
	f, err := NewFrame(kind, reqID, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func newTestSession(t *testing.T, g *testGateway, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 4001
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour // keep heartbeats out of the way unless a test wants them
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	if cfg.ConnectWait == 0 {
		cfg.ConnectWait = 2 * time.Second
	}
	s := NewSession(cfg, NewHealth(nil), zerolog.Nop())
	s.SetDialer(g.dialer())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestActionForStrike(t *testing.T) {
	tests := []struct {
		strike int
		want   HeartbeatAction
	}{
		{1, ActionWarning},
		{2, ActionSoftReconnect},
		{3, ActionHardReconnect},
		{4, ActionHardReconnect},
		{10, ActionHardReconnect},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ActionForStrike(tt.strike), "strike %d", tt.strike)
	}
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond, // capped
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for attempt, d := range want {
		assert.Equal(t, d, BackoffDelay(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 2000*time.Millisecond, BackoffDelay(-1))
}

func TestConnectNegotiatesClientID(t *testing.T) {
	g := newTestGateway()
	g.inUseIDs[7] = true
	g.inUseIDs[8] = true

	s := newTestSession(t, g, SessionConfig{ClientID: 7, MaxClientIDRetries: 5})
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, 9, s.ClientID())
}

func TestConnectFailsWhenNoClientIDFree(t *testing.T) {
	g := newTestGateway()
	for id := 3; id <= 10; id++ {
		g.inUseIDs[id] = true
	}

	s := newTestSession(t, g, SessionConfig{ClientID: 3, MaxClientIDRetries: 2})
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
}

func TestSendFailsWhenDisconnected(t *testing.T) {
	s := NewSession(SessionConfig{Host: "localhost", Port: 4001}, NewHealth(nil), zerolog.Nop())
	err := s.Send(context.Background(), Frame{Kind: KindHeartbeat})
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
}

func TestHeartbeatMissDegradesThenReconnects(t *testing.T) {
	g := newTestGateway()
	g.setAckHeartbeats(false)

	s := newTestSession(t, g, SessionConfig{
		ClientID:          1,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, s.Start(context.Background()))

	// First miss -> warning -> Degraded.
	require.Eventually(t, func() bool {
		return s.State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)

	// Second miss -> soft reconnect -> Reconnecting.
	require.Eventually(t, func() bool {
		return s.State() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatAckRecoversDegraded(t *testing.T) {
	g := newTestGateway()
	g.setAckHeartbeats(false)

	s := newTestSession(t, g, SessionConfig{
		ClientID:          1,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return s.State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)

	g.setAckHeartbeats(true)
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectionLostErrorTriggersReconnect(t *testing.T) {
	g := newTestGateway()
	s := newTestSession(t, g, SessionConfig{ClientID: 1})
	require.NoError(t, s.Start(context.Background()))

	g.push(Frame{Kind: KindError, ReqID: ConnectionLevelReqID, Code: domain.GatewayCodeConnectionLost})

	// Code 1100: drop now, reconnect after a fixed 10 s (not the backoff).
	require.Eventually(t, func() bool {
		return s.State() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectionRestoredSuppressesReconnect(t *testing.T) {
	g := newTestGateway()
	s := newTestSession(t, g, SessionConfig{ClientID: 1})
	require.NoError(t, s.Start(context.Background()))

	g.push(Frame{Kind: KindError, ReqID: ConnectionLevelReqID, Code: domain.GatewayCodeConnectionRestored})

	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNonFatalGatewayErrorsAreSwallowed(t *testing.T) {
	g := newTestGateway()
	s := newTestSession(t, g, SessionConfig{ClientID: 1})

	var events []Frame
	var mu sync.Mutex
	s.SetHooks(func(f Frame) {
		mu.Lock()
		events = append(events, f)
		mu.Unlock()
	}, nil, nil)

	require.NoError(t, s.Start(context.Background()))

	g.push(Frame{Kind: KindError, ReqID: 42, Code: 2104, Message: "market data farm ok"})
	g.push(Frame{Kind: KindError, ReqID: 42, Code: 201, Message: "order rejected"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 201, events[0].Code)
}

func TestReadErrorTriggersDropAndNotifiesHook(t *testing.T) {
	g := newTestGateway()
	s := newTestSession(t, g, SessionConfig{ClientID: 1})

	dropped := make(chan struct{}, 1)
	s.SetHooks(func(Frame) {}, func() {
		select {
		case dropped <- struct{}{}:
		default:
		}
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	g.dropConn()

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("drop hook not invoked")
	}
	assert.Equal(t, StateReconnecting, s.State())
}

func TestAwaitConnectedBlocksUntilConnected(t *testing.T) {
	g := newTestGateway()
	s := newTestSession(t, g, SessionConfig{ClientID: 1})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.AwaitConnected(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Start(context.Background()))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitConnected did not return after connect")
	}
}
