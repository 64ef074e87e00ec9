package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/obs-taso/internal/logx"
	"github.com/gaspardpetit/obs-taso/internal/metrics"
	"github.com/gaspardpetit/obs-taso/internal/protocol"
)

// Options configures a Session. Zero values select the defaults.
type Options struct {
	RPCVersion         int
	EventSubscriptions uint32
	// Reconnect enables the supervisor after unplanned disconnects.
	Reconnect         bool
	ReconnectInterval time.Duration
	// ReconnectPolicy is "fixed" (default) or "stepped".
	ReconnectPolicy string
	// HandshakeTimeout bounds each supervisor connect attempt.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Dial             DialFunc
	// OnStatus is called from the session loop whenever Status changes.
	OnStatus func(Status)
}

const (
	DefaultReconnectInterval = 5 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
)

func (o *Options) setDefaults() {
	if o.RPCVersion == 0 {
		o.RPCVersion = protocol.RPCVersion
	}
	if o.EventSubscriptions == 0 {
		o.EventSubscriptions = protocol.DefaultEventSubscriptions
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.Dial == nil {
		o.Dial = DialWebSocket
	}
}

// ConnectOption customizes a Connect call.
type ConnectOption func(*connectParams)

type connectParams struct {
	password    string
	hasPassword bool
}

// WithPassword supplies the shared secret used when the server requests
// authentication. The empty string is a valid password; omitting the option
// means no password is available.
func WithPassword(password string) ConnectOption {
	return func(p *connectParams) {
		p.password = password
		p.hasPassword = true
	}
}

// Session is a client connection to a broadcast endpoint. All protocol state
// is owned by a single loop goroutine; public methods post commands to it.
type Session struct {
	opts   Options
	log    zerolog.Logger
	bus    *EventBus
	events *dispatcher

	cmds      chan any
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	nextID atomic.Uint64
	state  atomic.Int32
	status atomic.Value

	// Owned by the loop goroutine.
	conn        Transport
	connCtx     context.Context
	connCancel  context.CancelFunc
	gen         uint64
	url         string
	params      connectParams
	waiter      chan error
	correlator  *Correlator
	superGen    uint64
	superCancel context.CancelFunc
}

type connectCmd struct {
	ctx    context.Context
	url    string
	params connectParams
	reply  chan error
}

type abortConnectCmd struct{ reply chan error }

type dialResult struct {
	gen  uint64
	conn Transport
	err  error
}

type inboundFrame struct {
	gen  uint64
	data []byte
}

type transportClosed struct {
	gen uint64
	err error
}

type requestCmd struct {
	id          string
	requestType string
	data        json.RawMessage
	reply       chan Result
}

type forgetCmd struct{ id string }

type disconnectCmd struct{ reply chan struct{} }

type supervisorDone struct{ gen uint64 }

type pendingCountCmd struct{ reply chan int }

// New constructs a Session and starts its loop. Call Close to release it.
func New(opts Options) *Session {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewEventBus()
	s := &Session{
		opts:       opts,
		log:        logx.Component("session"),
		bus:        bus,
		events:     newDispatcher(bus),
		cmds:       make(chan any, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		correlator: NewCorrelator(),
	}
	s.correlator.settled = metrics.RecordSessionRequest
	s.status.Store(StatusDisconnected)
	metrics.SetSessionState(int(StateDisconnected))
	go s.events.run(ctx)
	go s.run()
	return s
}

// State returns the current protocol state.
func (s *Session) State() State { return State(s.state.Load()) }

// Status returns the coarse connection signal.
func (s *Session) Status() Status { return s.status.Load().(Status) }

// Events returns the bus events are published on.
func (s *Session) Events() *EventBus { return s.bus }

// Subscribe registers fn for eventType. Registration is local bookkeeping and
// is allowed in any state.
//
// Handlers run on a dedicated goroutine in arrival order, so they may call
// SendRequest. Responses are not held back for them: SendRequest can return
// before handlers have seen an event that arrived ahead of its response. Use
// SyncEvents when that order matters.
func (s *Session) Subscribe(eventType string, fn EventHandler) *Subscription {
	return s.bus.Subscribe(eventType, fn)
}

// SyncEvents blocks until every event received before the call has been
// handed to its handlers. It must not be called from an event handler.
func (s *Session) SyncEvents(ctx context.Context) error {
	select {
	case <-s.events.barrier():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// Connect opens a transport to url and blocks until the session is
// identified, the attempt fails, or ctx ends. It is valid only while
// disconnected.
func (s *Session) Connect(ctx context.Context, url string, opts ...ConnectOption) error {
	var p connectParams
	for _, o := range opts {
		o(&p)
	}
	return s.connect(ctx, url, p)
}

func (s *Session) connect(ctx context.Context, url string, p connectParams) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, connectCmd{ctx: ctx, url: url, params: p, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		s.postDetached(abortConnectCmd{reply: reply})
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// SendRequest transmits a request and waits for the matching response.
// requestData is marshaled to JSON; nil sends an empty object.
func (s *Session) SendRequest(ctx context.Context, requestType string, requestData any) (json.RawMessage, error) {
	if s.State() != StateIdentified {
		return nil, ErrNotConnected
	}
	data := json.RawMessage("{}")
	if requestData != nil {
		b, err := json.Marshal(requestData)
		if err != nil {
			return nil, fmt.Errorf("encode %s request data: %w", requestType, err)
		}
		data = b
	}
	id := strconv.FormatUint(s.nextID.Add(1), 10)
	reply := make(chan Result, 1)
	if err := s.post(ctx, requestCmd{id: id, requestType: requestType, data: data, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.Data, res.Err
	case <-ctx.Done():
		s.postDetached(forgetCmd{id: id})
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// Disconnect closes the transport, cancels any pending reconnect and keeps
// the supervisor from reacting to the close it causes.
func (s *Session) Disconnect() {
	reply := make(chan struct{})
	if err := s.post(context.Background(), disconnectCmd{reply: reply}); err != nil {
		return
	}
	select {
	case <-reply:
	case <-s.done:
	}
}

// Close disconnects and stops the session loop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.Disconnect()
		s.cancel()
		<-s.done
	})
	return nil
}

// PendingRequests returns the number of outstanding requests.
func (s *Session) PendingRequests() int {
	reply := make(chan int, 1)
	if err := s.post(context.Background(), pendingCountCmd{reply: reply}); err != nil {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-s.done:
		return 0
	}
}

func (s *Session) post(ctx context.Context, m any) error {
	select {
	case s.cmds <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) postDetached(m any) {
	select {
	case s.cmds <- m:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case m := <-s.cmds:
			s.handle(m)
		}
	}
}

func (s *Session) handle(m any) {
	switch m := m.(type) {
	case connectCmd:
		s.handleConnect(m)
	case abortConnectCmd:
		if s.waiter == m.reply {
			s.waiter = nil
			s.log.Debug().Str("url", s.url).Msg("connect abandoned by caller")
			s.lose(nil, StatusDisconnected, false)
		}
	case dialResult:
		s.handleDial(m)
	case inboundFrame:
		if m.gen == s.gen {
			s.handleFrame(m.data)
		}
	case transportClosed:
		if m.gen != s.gen {
			return
		}
		code := websocket.CloseStatus(m.err)
		if code == protocol.CloseAuthenticationFailed {
			s.log.Error().Str("url", s.url).Msg("authentication rejected by server")
			s.lose(ErrAuthenticationFailed, StatusError, false)
			return
		}
		status := StatusDisconnected
		if s.State() != StateIdentified {
			status = StatusError
		}
		s.log.Info().Int("close_status", int(code)).Err(m.err).Msg("disconnected from broadcast endpoint")
		s.lose(fmt.Errorf("%w: %v", ErrTransportClosed, m.err), status, true)
	case requestCmd:
		s.handleRequest(m)
	case forgetCmd:
		s.correlator.Forget(m.id)
	case disconnectCmd:
		s.stopSupervisor()
		if s.State() != StateDisconnected {
			s.log.Info().Str("url", s.url).Msg("disconnecting")
			s.lose(ErrTransportClosed, StatusDisconnected, false)
		}
		close(m.reply)
	case supervisorDone:
		if m.gen == s.superGen && s.superCancel != nil {
			s.superCancel()
			s.superCancel = nil
		}
	case pendingCountCmd:
		m.reply <- s.correlator.Len()
	}
}

func (s *Session) handleConnect(c connectCmd) {
	// post may deliver a command whose caller already gave up, such as a
	// supervisor attempt racing Disconnect.
	if err := c.ctx.Err(); err != nil {
		c.reply <- err
		return
	}
	if s.State() != StateDisconnected {
		c.reply <- ErrAlreadyConnected
		return
	}
	s.gen++
	gen := s.gen
	s.url, s.params, s.waiter = c.url, c.params, c.reply
	s.connCtx, s.connCancel = context.WithCancel(s.ctx)
	s.setState(StateConnecting)
	s.setStatus(StatusConnecting)
	s.log.Debug().Str("url", c.url).Msg("dialing broadcast endpoint")
	dialCtx := s.connCtx
	go func() {
		t, err := s.opts.Dial(dialCtx, c.url)
		s.postDetached(dialResult{gen: gen, conn: t, err: err})
	}()
}

func (s *Session) handleDial(r dialResult) {
	if r.gen != s.gen || s.State() != StateConnecting {
		if r.conn != nil {
			go func() { _ = r.conn.Close("stale connection") }()
		}
		return
	}
	if r.err != nil {
		s.log.Warn().Err(r.err).Str("url", s.url).Msg("connect failed")
		s.lose(fmt.Errorf("%w: %v", ErrTransportClosed, r.err), StatusError, true)
		return
	}
	s.conn = r.conn
	s.log.Debug().Str("url", s.url).Msg("transport open, waiting for Hello")
	go s.readLoop(s.connCtx, s.gen, r.conn)
}

func (s *Session) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			s.postDetached(transportClosed{gen: gen, err: err})
			return
		}
		s.postDetached(inboundFrame{gen: gen, data: data})
	}
}

func (s *Session) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.dropMalformed(err)
		return
	}
	switch env.Op {
	case protocol.OpHello:
		s.onHello(env)
	case protocol.OpIdentified:
		s.onIdentified(env)
	case protocol.OpEvent:
		var ev protocol.EventPayload
		if err := protocol.DecodePayload(env, &ev); err != nil {
			s.dropMalformed(err)
			return
		}
		metrics.RecordSessionEvent(ev.EventType)
		s.events.push(ev)
	case protocol.OpRequestResponse:
		var resp protocol.RequestResponsePayload
		if err := protocol.DecodePayload(env, &resp); err != nil {
			s.dropMalformed(err)
			return
		}
		if !s.correlator.Resolve(resp) {
			s.log.Debug().Str("request_id", resp.RequestID).Str("request_type", resp.RequestType).Msg("dropping response for unknown request")
		}
	default:
		s.log.Debug().Stringer("op", env.Op).Msg("ignoring frame")
	}
}

func (s *Session) dropMalformed(err error) {
	metrics.RecordMalformedFrame("client")
	s.log.Warn().Err(err).Msg("dropping frame")
}

func (s *Session) onHello(env protocol.Envelope) {
	if s.State() != StateConnecting {
		s.log.Debug().Stringer("state", s.State()).Msg("unexpected Hello")
		return
	}
	var hello protocol.HelloPayload
	if err := protocol.DecodePayload(env, &hello); err != nil {
		s.dropMalformed(err)
		return
	}
	s.setState(StateAwaitingIdentify)
	identify := protocol.IdentifyPayload{
		RPCVersion:         s.opts.RPCVersion,
		EventSubscriptions: s.opts.EventSubscriptions,
	}
	if hello.Authentication != nil {
		if !s.params.hasPassword {
			s.log.Error().Msg("authentication required but no password provided")
			s.lose(ErrAuthenticationRequired, StatusError, false)
			return
		}
		auth, err := protocol.ComputeAuthResponse(s.params.password, hello.Authentication.Challenge, hello.Authentication.Salt)
		if err != nil {
			s.log.Error().Err(err).Msg("authentication failed")
			s.lose(err, StatusError, false)
			return
		}
		identify.Authentication = auth
	}
	s.log.Debug().Str("server_version", hello.ObsWebSocketVersion).Bool("auth", hello.Authentication != nil).Msg("received Hello")
	if err := s.write(protocol.OpIdentify, identify); err != nil {
		s.lose(fmt.Errorf("%w: %v", ErrTransportClosed, err), StatusError, true)
	}
}

func (s *Session) onIdentified(env protocol.Envelope) {
	if s.State() != StateAwaitingIdentify {
		s.log.Debug().Stringer("state", s.State()).Msg("unexpected Identified")
		return
	}
	var ident protocol.IdentifiedPayload
	_ = protocol.DecodePayload(env, &ident)
	s.setState(StateIdentified)
	s.setStatus(StatusConnected)
	s.stopSupervisor()
	s.log.Info().Str("url", s.url).Int("rpc_version", ident.NegotiatedRPCVersion).Msg("identified with broadcast endpoint")
	if s.waiter != nil {
		s.waiter <- nil
		s.waiter = nil
	}
}

func (s *Session) handleRequest(r requestCmd) {
	if s.State() != StateIdentified {
		r.reply <- Result{Err: ErrNotConnected}
		return
	}
	if err := s.correlator.Register(r.id, r.requestType, r.reply); err != nil {
		s.log.Error().Err(err).Msg("request id collision")
		r.reply <- Result{Err: err}
		return
	}
	req := protocol.RequestPayload{RequestType: r.requestType, RequestID: r.id, RequestData: r.data}
	if err := s.write(protocol.OpRequest, req); err != nil {
		s.correlator.Forget(r.id)
		r.reply <- Result{Err: fmt.Errorf("%w: %v", ErrConnectionLost, err)}
		return
	}
	s.log.Debug().Str("request_type", r.requestType).Str("request_id", r.id).Msg("request sent")
}

func (s *Session) write(op protocol.OpCode, payload any) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	b, err := protocol.Marshal(op, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.connCtx, s.opts.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, b)
}

// lose tears down the current connection attempt. waiterErr settles a pending
// Connect; reconnect hands off to the supervisor when enabled.
func (s *Session) lose(waiterErr error, status Status, reconnect bool) {
	s.gen++
	if s.conn != nil {
		conn, cancel := s.conn, s.connCancel
		go func() {
			_ = conn.Close("closing")
			cancel()
		}()
	} else if s.connCancel != nil {
		s.connCancel()
	}
	s.conn, s.connCancel = nil, nil
	s.setState(StateDisconnected)
	s.setStatus(status)
	if s.waiter != nil {
		s.waiter <- waiterErr
		s.waiter = nil
	}
	if n := s.correlator.FailAll(ErrConnectionLost); n > 0 {
		s.log.Warn().Int("requests", n).Msg("failed outstanding requests")
	}
	if reconnect && s.opts.Reconnect {
		s.startSupervisor()
	}
}

func (s *Session) shutdown() {
	s.stopSupervisor()
	if s.waiter != nil {
		s.waiter <- ErrSessionClosed
		s.waiter = nil
	}
	s.correlator.FailAll(ErrSessionClosed)
	if s.conn != nil {
		_ = s.conn.Close("session closed")
		s.conn = nil
	}
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.setState(StateDisconnected)
	s.setStatus(StatusDisconnected)
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	metrics.SetSessionState(int(st))
}

func (s *Session) setStatus(st Status) {
	if s.Status() == st {
		return
	}
	s.status.Store(st)
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}
