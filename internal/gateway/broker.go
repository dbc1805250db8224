package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmareth/tradewind/internal/domain"
)

// Broker turns the gateway's callback event stream into
// request/response futures. Request ids are monotonically increasing
// integers from a shared allocator, reset only on hard reconnects.
type Broker struct {
	session *Session
	log     zerolog.Logger

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]*pendingRequest
	globals  map[Kind][]func(Frame)
	reattach []func()
}

// pendingRequest buffers correlated frames for one in-flight request.
// Frames are delivered in arrival order; the failure channel fires at
// most once.
type pendingRequest struct {
	id     int64
	frames chan Frame
	failed chan error
	once   sync.Once
}

func (p *pendingRequest) fail(err error) {
	p.once.Do(func() { p.failed <- err })
}

// NewBroker wires a broker onto a session. The broker owns the
// session's event, drop, and hard-reset hooks.
func NewBroker(session *Session, log zerolog.Logger) *Broker {
	b := &Broker{
		session: session,
		log:     log.With().Str("component", "gateway_broker").Logger(),
		pending: make(map[int64]*pendingRequest),
		globals: make(map[Kind][]func(Frame)),
	}
	session.SetHooks(b.handleEvent, b.handleSessionDrop, b.handleHardReset)
	return b
}

// NextReqID allocates a fresh request id.
func (b *Broker) NextReqID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

// GlobalListener registers a handler that request completion never
// unregisters. Global listeners survive reconnects. Events without a
// request id (commission reports, news bulletins) reach only globals;
// reconciliation kinds (order status, exec details) reach globals even
// when a request is awaiting them.
func (b *Broker) GlobalListener(kind Kind, handler func(Frame)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globals[kind] = append(b.globals[kind], handler)
}

// OnReattach registers a callback invoked after hard reconnects, for
// re-issuing gateway-side subscriptions.
func (b *Broker) OnReattach(f func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reattach = append(b.reattach, f)
}

// register installs a pending request under a fresh id.
func (b *Broker) register() *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	p := &pendingRequest{
		id:     b.nextID,
		frames: make(chan Frame, 32),
		failed: make(chan error, 1),
	}
	b.pending[p.id] = p
	return p
}

func (b *Broker) unregister(id int64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Send issues a tagged frame without awaiting a response. Used for the
// non-transmitting legs of a bracket, where the gateway stays silent
// until the transmitting leg arrives.
func (b *Broker) Send(ctx context.Context, kind Kind, payload interface{}) (int64, error) {
	id := b.NextReqID()
	frame, err := NewFrame(kind, id, payload)
	if err != nil {
		return 0, err
	}
	err = b.session.WithSession(ctx, func(ctx context.Context) error {
		return b.session.Send(ctx, frame)
	})
	return id, err
}

// Call sends one request and waits for the first frame whose kind is
// in expect. A fatal gateway error correlated to the request surfaces
// as *domain.GatewayError; expiry of timeout as domain.ErrTimeout with
// the handler cleaned up before the error propagates.
func (b *Broker) Call(ctx context.Context, kind Kind, payload interface{}, timeout time.Duration, expect ...Kind) (Frame, error) {
	p := b.register()
	defer b.unregister(p.id)

	frame, err := NewFrame(kind, p.id, payload)
	if err != nil {
		return Frame{}, err
	}
	if err := b.session.WithSession(ctx, func(ctx context.Context) error {
		return b.session.Send(ctx, frame)
	}); err != nil {
		return Frame{}, err
	}

	want := make(map[Kind]bool, len(expect))
	for _, k := range expect {
		want[k] = true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case f := <-p.frames:
			if f.Kind == KindError {
				return Frame{}, &domain.GatewayError{ReqID: f.ReqID, Code: f.Code, Message: f.Message}
			}
			if want[f.Kind] {
				return f, nil
			}
			// not the settling kind; keep collecting in arrival order
		case err := <-p.failed:
			return Frame{}, err
		case <-timer.C:
			return Frame{}, domain.ErrTimeout
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// CallCollect sends one request and accumulates frames of kind collect
// until a frame of kind until arrives.
func (b *Broker) CallCollect(ctx context.Context, kind Kind, payload interface{}, timeout time.Duration, collect, until Kind) ([]Frame, error) {
	p := b.register()
	defer b.unregister(p.id)

	frame, err := NewFrame(kind, p.id, payload)
	if err != nil {
		return nil, err
	}
	if err := b.session.WithSession(ctx, func(ctx context.Context) error {
		return b.session.Send(ctx, frame)
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var collected []Frame
	for {
		select {
		case f := <-p.frames:
			switch f.Kind {
			case KindError:
				return nil, &domain.GatewayError{ReqID: f.ReqID, Code: f.Code, Message: f.Message}
			case collect:
				collected = append(collected, f)
			case until:
				return collected, nil
			}
		case err := <-p.failed:
			return nil, err
		case <-timer.C:
			return nil, domain.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Subscribe opens a stream of eventKind frames that yields until
// cancel is called or the session drops. cancelKind, when non-empty,
// is forwarded to the gateway on cancel (e.g. cancelNewsBulletins).
func (b *Broker) Subscribe(ctx context.Context, kind Kind, payload interface{}, eventKind, cancelKind Kind) (<-chan Frame, func(), error) {
	p := b.register()

	frame, err := NewFrame(kind, p.id, payload)
	if err != nil {
		b.unregister(p.id)
		return nil, nil, err
	}
	if err := b.session.WithSession(ctx, func(ctx context.Context) error {
		return b.session.Send(ctx, frame)
	}); err != nil {
		b.unregister(p.id)
		return nil, nil, err
	}

	out := make(chan Frame, 32)
	done := make(chan struct{})
	var closeOnce sync.Once

	go func() {
		defer close(out)
		for {
			select {
			case f := <-p.frames:
				if f.Kind != eventKind {
					continue
				}
				select {
				case out <- f:
				case <-done:
					return
				}
			case <-p.failed:
				return
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		closeOnce.Do(func() {
			close(done)
			b.unregister(p.id)
			if cancelKind != "" {
				cancelFrame, err := NewFrame(cancelKind, p.id, nil)
				if err == nil {
					ctx, cancelCtx := context.WithTimeout(context.Background(), writeWait)
					_ = b.session.Send(ctx, cancelFrame)
					cancelCtx()
				}
			}
		})
	}
	return out, cancel, nil
}

// handleEvent routes one inbound frame from the session read loop.
// Within one request id, frames keep arrival order: delivery happens
// on the read-loop goroutine and the per-request channel is FIFO.
func (b *Broker) handleEvent(f Frame) {
	b.mu.Lock()
	var p *pendingRequest
	if f.ReqID > 0 {
		p = b.pending[f.ReqID]
	}
	handlers := append([]func(Frame){}, b.globals[f.Kind]...)
	b.mu.Unlock()

	if p != nil {
		select {
		case p.frames <- f:
		default:
			b.log.Warn().Int64("req_id", f.ReqID).Str("kind", string(f.Kind)).
				Msg("Pending request buffer full, dropping frame")
		}
		// Error frames correlated to a request settle that request only.
		if f.Kind == KindError {
			return
		}
	}

	for _, h := range handlers {
		h(f)
	}
}

// handleSessionDrop notifies every pending request exactly once and
// clears the pending table. Global listeners are preserved.
func (b *Broker) handleSessionDrop() {
	b.mu.Lock()
	dropped := make([]*pendingRequest, 0, len(b.pending))
	for _, p := range b.pending {
		dropped = append(dropped, p)
	}
	b.pending = make(map[int64]*pendingRequest)
	b.mu.Unlock()

	for _, p := range dropped {
		p.fail(domain.ErrSessionDropped)
	}
	if len(dropped) > 0 {
		b.log.Warn().Int("requests", len(dropped)).Msg("Session dropped, pending requests notified")
	}
}

// handleHardReset resets the request-id allocator and re-registers
// gateway-side subscriptions.
func (b *Broker) handleHardReset() {
	b.mu.Lock()
	b.nextID = 0
	callbacks := append([]func(){}, b.reattach...)
	b.mu.Unlock()

	b.log.Info().Msg("Hard reconnect: request-id allocator reset")
	for _, f := range callbacks {
		f()
	}
}
