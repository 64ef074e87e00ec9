package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/obs-taso/internal/devserver"
	"github.com/gaspardpetit/obs-taso/internal/protocol"
)

// fakeServer runs handle for every accepted connection; n counts from 1.
type fakeServer struct {
	url     string
	accepts atomic.Int32
}

func newFakeServer(t *testing.T, handle func(ctx context.Context, c *websocket.Conn, n int32)) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.CloseNow() }()
		handle(r.Context(), c, fs.accepts.Add(1))
	}))
	t.Cleanup(ts.Close)
	fs.url = "ws" + strings.TrimPrefix(ts.URL, "http")
	return fs
}

func writeOp(ctx context.Context, c *websocket.Conn, op protocol.OpCode, payload any) error {
	b, err := protocol.Marshal(op, payload)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, b)
}

func readEnv(ctx context.Context, c *websocket.Conn) (protocol.Envelope, []byte, error) {
	_, data, err := c.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, nil, err
	}
	env, err := protocol.Decode(data)
	return env, data, err
}

// handshake plays the server side of Hello/Identify/Identified and returns the
// raw Identify frame.
func handshake(ctx context.Context, c *websocket.Conn, auth *protocol.AuthChallenge) ([]byte, error) {
	if err := writeOp(ctx, c, protocol.OpHello, protocol.HelloPayload{
		ObsWebSocketVersion: "5.0.0", RPCVersion: 1, Authentication: auth,
	}); err != nil {
		return nil, err
	}
	env, raw, err := readEnv(ctx, c)
	if err != nil {
		return nil, err
	}
	if env.Op != protocol.OpIdentify {
		return raw, errors.New("expected Identify, got " + env.Op.String())
	}
	return raw, writeOp(ctx, c, protocol.OpIdentified, protocol.IdentifiedPayload{NegotiatedRPCVersion: 1})
}

// drain reads until the connection ends.
func drain(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s := New(opts)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectWithoutAuthentication(t *testing.T) {
	identify := make(chan []byte, 1)
	request := make(chan protocol.RequestPayload, 1)
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		raw, err := handshake(ctx, c, nil)
		if err != nil {
			t.Errorf("handshake: %v", err)
			return
		}
		identify <- raw
		env, _, err := readEnv(ctx, c)
		if err != nil {
			return
		}
		var req protocol.RequestPayload
		_ = protocol.DecodePayload(env, &req)
		request <- req
		_ = writeOp(ctx, c, protocol.OpRequestResponse, protocol.RequestResponsePayload{
			RequestType:   req.RequestType,
			RequestID:     req.RequestID,
			RequestStatus: protocol.RequestStatus{Result: true, Code: protocol.StatusSuccess},
			ResponseData:  json.RawMessage(`{"ok":true}`),
		})
		drain(ctx, c)
	})

	var mu sync.Mutex
	var statuses []Status
	s := newSession(t, Options{OnStatus: func(st Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	}})
	if err := s.Connect(testCtx(t), fs.url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != StateIdentified || s.Status() != StatusConnected {
		t.Fatalf("state = %v status = %v", s.State(), s.Status())
	}

	var ident map[string]any
	if err := json.Unmarshal(<-identify, &ident); err != nil {
		t.Fatalf("identify: %v", err)
	}
	d := ident["d"].(map[string]any)
	if _, ok := d["authentication"]; ok {
		t.Fatalf("identify carried authentication without a challenge: %v", d)
	}
	if d["rpcVersion"] != float64(1) || d["eventSubscriptions"] != float64(protocol.DefaultEventSubscriptions) {
		t.Fatalf("identify = %v", d)
	}

	data, err := s.SendRequest(testCtx(t), "GetVersion", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("response data = %s", data)
	}
	req := <-request
	if req.RequestID != "1" || string(req.RequestData) != "{}" {
		t.Fatalf("request = %+v", req)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0] != StatusConnecting || statuses[1] != StatusConnected {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestConnectAuthenticationRequired(t *testing.T) {
	gotFrame := make(chan bool, 1)
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		_ = writeOp(ctx, c, protocol.OpHello, protocol.HelloPayload{
			ObsWebSocketVersion: "5.0.0",
			RPCVersion:          1,
			Authentication:      &protocol.AuthChallenge{Challenge: "c29tZWNoYWxsZW5nZQ==", Salt: "c29tZXNhbHQ="},
		})
		_, _, err := c.Read(ctx)
		gotFrame <- err == nil
	})

	s := newSession(t, Options{})
	err := s.Connect(testCtx(t), fs.url)
	if !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("connect err = %v; want ErrAuthenticationRequired", err)
	}
	if s.Status() != StatusError || s.State() != StateDisconnected {
		t.Fatalf("state = %v status = %v", s.State(), s.Status())
	}
	select {
	case sent := <-gotFrame:
		if sent {
			t.Fatalf("client sent a frame after an unanswerable challenge")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never saw the connection close")
	}
}

func TestConnectWithPassword(t *testing.T) {
	identify := make(chan []byte, 1)
	challenge := &protocol.AuthChallenge{Challenge: "c29tZWNoYWxsZW5nZQ==", Salt: "c29tZXNhbHQ="}
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		raw, err := handshake(ctx, c, challenge)
		if err != nil {
			t.Errorf("handshake: %v", err)
			return
		}
		identify <- raw
		drain(ctx, c)
	})

	s := newSession(t, Options{})
	if err := s.Connect(testCtx(t), fs.url, WithPassword("test")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	env, err := protocol.Decode(<-identify)
	if err != nil {
		t.Fatalf("decode identify: %v", err)
	}
	var ident protocol.IdentifyPayload
	_ = protocol.DecodePayload(env, &ident)
	if ident.Authentication != "KMUyv6IZ8pjy2lMD9ncF+wabpbeFHs6shkF+9uyvY0c=" {
		t.Fatalf("authentication = %q", ident.Authentication)
	}
}

func TestConnectRejectedPassword(t *testing.T) {
	srv := devserver.New(devserver.Options{Password: "s3cret", RequireAuth: true})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	s := newSession(t, Options{Reconnect: true, ReconnectInterval: 10 * time.Millisecond})
	err := s.Connect(testCtx(t), url, WithPassword("wrong"))
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("connect err = %v; want ErrAuthenticationFailed", err)
	}
	if s.Status() != StatusError {
		t.Fatalf("status = %v", s.Status())
	}

	// A rejected password is not retried.
	time.Sleep(50 * time.Millisecond)
	if s.State() != StateDisconnected {
		t.Fatalf("state = %v after rejected password", s.State())
	}

	if err := s.Connect(testCtx(t), url, WithPassword("s3cret")); err != nil {
		t.Fatalf("connect with the right password: %v", err)
	}
}

func TestConnectTwice(t *testing.T) {
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		if _, err := handshake(ctx, c, nil); err == nil {
			drain(ctx, c)
		}
	})
	s := newSession(t, Options{})
	if err := s.Connect(testCtx(t), fs.url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Connect(testCtx(t), fs.url); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second connect = %v; want ErrAlreadyConnected", err)
	}
}

func TestSendRequestNotConnected(t *testing.T) {
	s := newSession(t, Options{})
	if _, err := s.SendRequest(testCtx(t), protocol.RequestGetPersistentData, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v; want ErrNotConnected", err)
	}
}

func TestOutstandingRequestsFailOnConnectionLoss(t *testing.T) {
	const n = 5
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		if _, err := handshake(ctx, c, nil); err != nil {
			t.Errorf("handshake: %v", err)
			return
		}
		for i := 0; i < n; i++ {
			if _, _, err := readEnv(ctx, c); err != nil {
				return
			}
		}
		_ = c.Close(websocket.StatusGoingAway, "shutting down")
	})

	s := newSession(t, Options{})
	if err := s.Connect(testCtx(t), fs.url); err != nil {
		t.Fatalf("connect: %v", err)
	}

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.SendRequest(testCtx(t), protocol.RequestGetPersistentData, protocol.GetPersistentDataRequest{Realm: "R", SlotName: "S"})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionLost) {
				t.Fatalf("request err = %v; want ErrConnectionLost", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("request %d never settled", i)
		}
	}
	if p := s.PendingRequests(); p != 0 {
		t.Fatalf("pending = %d; want 0", p)
	}
	if s.State() != StateDisconnected || s.Status() != StatusDisconnected {
		t.Fatalf("state = %v status = %v", s.State(), s.Status())
	}
}

func TestSendRequestContextCancel(t *testing.T) {
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		if _, err := handshake(ctx, c, nil); err == nil {
			drain(ctx, c)
		}
	})
	s := newSession(t, Options{})
	if err := s.Connect(testCtx(t), fs.url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.SendRequest(ctx, "Never", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v; want deadline exceeded", err)
	}
	waitFor(t, "abandoned request to be forgotten", func() bool { return s.PendingRequests() == 0 })
}

func TestIgnoresUnknownOpAndMalformedFrames(t *testing.T) {
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		if _, err := handshake(ctx, c, nil); err != nil {
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"op":42,"d":{}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"d":{}}`))
		_ = writeOp(ctx, c, protocol.OpEvent, protocol.EventPayload{EventType: protocol.EventCustom, EventData: json.RawMessage(`{"n":1}`)})
		drain(ctx, c)
	})

	s := newSession(t, Options{})
	got := make(chan protocol.EventPayload, 1)
	s.Subscribe(protocol.EventCustom, func(ev protocol.EventPayload) { got <- ev })
	if err := s.Connect(testCtx(t), fs.url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case ev := <-got:
		if string(ev.EventData) != `{"n":1}` {
			t.Fatalf("event data = %s", ev.EventData)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("event not delivered")
	}
	if s.State() != StateIdentified {
		t.Fatalf("state = %v after bad frames", s.State())
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	const n = 20
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		if _, err := handshake(ctx, c, nil); err != nil {
			return
		}
		for i := 0; i < n; i++ {
			data, _ := json.Marshal(map[string]int{"i": i})
			_ = writeOp(ctx, c, protocol.OpEvent, protocol.EventPayload{EventType: "Tick", EventData: data})
		}
		drain(ctx, c)
	})
	s := newSession(t, Options{})
	seen := make(chan int, n)
	s.Subscribe("Tick", func(ev protocol.EventPayload) {
		var v struct{ I int }
		_ = json.Unmarshal(ev.EventData, &v)
		seen <- v.I
	})
	if err := s.Connect(testCtx(t), fs.url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for want := 0; want < n; want++ {
		select {
		case got := <-seen:
			if got != want {
				t.Fatalf("event %d arrived as %d", want, got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("event %d not delivered", want)
		}
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		if _, err := handshake(ctx, c, nil); err == nil {
			drain(ctx, c)
		}
	})
	s := newSession(t, Options{Reconnect: true, ReconnectInterval: 10 * time.Millisecond})
	if err := s.Connect(testCtx(t), fs.url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.Disconnect()
	if s.State() != StateDisconnected || s.Status() != StatusDisconnected {
		t.Fatalf("state = %v status = %v", s.State(), s.Status())
	}
	time.Sleep(100 * time.Millisecond)
	if n := fs.accepts.Load(); n != 1 {
		t.Fatalf("accepts = %d; want 1", n)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("session reconnected after Disconnect")
	}
}

func TestSupervisorReconnects(t *testing.T) {
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, n int32) {
		if _, err := handshake(ctx, c, nil); err != nil {
			return
		}
		if n == 1 {
			_ = c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		drain(ctx, c)
	})
	s := newSession(t, Options{Reconnect: true, ReconnectInterval: 10 * time.Millisecond})
	if err := s.Connect(testCtx(t), fs.url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "reconnect", func() bool {
		return fs.accepts.Load() >= 2 && s.State() == StateIdentified
	})
	if s.Status() != StatusConnected {
		t.Fatalf("status = %v", s.Status())
	}
}

func TestSupervisorRetriesUntilServerReturns(t *testing.T) {
	var up atomic.Bool
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, n int32) {
		if n > 1 && !up.Load() {
			_ = c.Close(websocket.StatusTryAgainLater, "not yet")
			return
		}
		if _, err := handshake(ctx, c, nil); err != nil {
			return
		}
		if n == 1 {
			_ = c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		drain(ctx, c)
	})
	s := newSession(t, Options{Reconnect: true, ReconnectInterval: 10 * time.Millisecond})
	if err := s.Connect(testCtx(t), fs.url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "failed attempts", func() bool { return fs.accepts.Load() >= 4 })
	up.Store(true)
	waitFor(t, "reconnect", func() bool { return s.State() == StateIdentified })
}

func TestDevServerRoundTrip(t *testing.T) {
	srv := devserver.New(devserver.Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	a := newSession(t, Options{})
	b := newSession(t, Options{})
	for _, s := range []*Session{a, b} {
		if err := s.Connect(testCtx(t), url, WithPassword("")); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	data, err := a.SendRequest(testCtx(t), protocol.RequestGetPersistentData, protocol.GetPersistentDataRequest{Realm: protocol.RealmGlobal, SlotName: "S"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var out protocol.GetPersistentDataResponse
	_ = json.Unmarshal(data, &out)
	if string(out.SlotValue) != "null" && out.SlotValue != nil {
		t.Fatalf("unwritten slot = %s", out.SlotValue)
	}

	if _, err := a.SendRequest(testCtx(t), protocol.RequestSetPersistentData, protocol.SetPersistentDataRequest{
		Realm: protocol.RealmGlobal, SlotName: "S", SlotValue: json.RawMessage(`{"score":[1,0]}`),
	}); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, err = b.SendRequest(testCtx(t), protocol.RequestGetPersistentData, protocol.GetPersistentDataRequest{Realm: protocol.RealmGlobal, SlotName: "S"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	out = protocol.GetPersistentDataResponse{}
	_ = json.Unmarshal(data, &out)
	if string(out.SlotValue) != `{"score":[1,0]}` {
		t.Fatalf("slotValue = %s", out.SlotValue)
	}

	// Both peers, the sender included, see the broadcast. The sender's handler
	// calls back into the session from the event goroutine.
	fromA := make(chan json.RawMessage, 1)
	fromB := make(chan json.RawMessage, 1)
	a.Subscribe(protocol.EventCustom, func(ev protocol.EventPayload) {
		if _, err := a.SendRequest(testCtx(t), protocol.RequestGetPersistentData, protocol.GetPersistentDataRequest{Realm: protocol.RealmGlobal, SlotName: "S"}); err != nil {
			t.Errorf("request from handler: %v", err)
		}
		fromA <- ev.EventData
	})
	b.Subscribe(protocol.EventCustom, func(ev protocol.EventPayload) { fromB <- ev.EventData })
	if _, err := a.SendRequest(testCtx(t), protocol.RequestBroadcastCustomEvent, protocol.BroadcastCustomEventRequest{EventData: json.RawMessage(`{"eventName":"Ping"}`)}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for name, ch := range map[string]chan json.RawMessage{"sender": fromA, "peer": fromB} {
		select {
		case d := <-ch:
			if string(d) != `{"eventName":"Ping"}` {
				t.Fatalf("%s got %s", name, d)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s did not receive the broadcast", name)
		}
	}

	_, err = a.SendRequest(testCtx(t), "NoSuchRequest", nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != protocol.StatusUnknownRequestType {
		t.Fatalf("err = %v; want RequestError 203", err)
	}
	if !errors.Is(err, ErrRequestRejected) {
		t.Fatalf("RequestError does not match ErrRequestRejected")
	}
}

func TestCloseFailsPendingConnect(t *testing.T) {
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		drain(ctx, c)
	})
	s := New(Options{})
	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), fs.url) }()
	waitFor(t, "dial", func() bool { return fs.accepts.Load() == 1 })
	_ = s.Close()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("connect succeeded after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("connect did not return after Close")
	}
}

func TestConnectFailsWhenClosedBeforeIdentified(t *testing.T) {
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, _ int32) {
		if err := writeOp(ctx, c, protocol.OpHello, protocol.HelloPayload{ObsWebSocketVersion: "5.0.0", RPCVersion: 1}); err != nil {
			return
		}
		if env, _, err := readEnv(ctx, c); err != nil || env.Op != protocol.OpIdentify {
			return
		}
		_ = c.Close(websocket.StatusGoingAway, "shutting down")
	})
	s := newSession(t, Options{})
	err := s.Connect(testCtx(t), fs.url)
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("connect err = %v; want ErrTransportClosed", err)
	}
	if s.State() != StateDisconnected || s.Status() != StatusError {
		t.Fatalf("state = %v status = %v", s.State(), s.Status())
	}
}

func TestDisconnectCancelsScheduledReconnect(t *testing.T) {
	fs := newFakeServer(t, func(ctx context.Context, c *websocket.Conn, n int32) {
		if _, err := handshake(ctx, c, nil); err != nil {
			return
		}
		if n == 1 {
			_ = c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		drain(ctx, c)
	})
	s := newSession(t, Options{Reconnect: true, ReconnectInterval: 200 * time.Millisecond})
	if err := s.Connect(testCtx(t), fs.url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "unplanned drop", func() bool { return s.State() == StateDisconnected })

	s.Disconnect()
	time.Sleep(600 * time.Millisecond)
	if n := fs.accepts.Load(); n != 1 {
		t.Fatalf("accepts = %d; want 1", n)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %v; want disconnected", s.State())
	}
}

func TestConnectWithCancelledContextNeverDials(t *testing.T) {
	var dials atomic.Int32
	s := newSession(t, Options{Dial: func(ctx context.Context, url string) (Transport, error) {
		dials.Add(1)
		return nil, errors.New("unreachable")
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 200; i++ {
		if err := s.Connect(ctx, "ws://127.0.0.1:1"); !errors.Is(err, context.Canceled) {
			t.Fatalf("connect err = %v; want context.Canceled", err)
		}
	}
	// PendingRequests round-trips through the loop after every queued connect.
	_ = s.PendingRequests()
	time.Sleep(50 * time.Millisecond)
	if n := dials.Load(); n != 0 {
		t.Fatalf("dials = %d; want 0", n)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSyncEventsOrdersHandlersBeforeResponse(t *testing.T) {
	srv := devserver.New(devserver.Options{DisableAuth: true})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	s := newSession(t, Options{})
	if err := s.Connect(testCtx(t), "ws"+strings.TrimPrefix(ts.URL, "http")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.SyncEvents(testCtx(t)); err != nil {
		t.Fatalf("sync with nothing queued: %v", err)
	}

	var seen atomic.Int32
	s.Subscribe(protocol.EventCustom, func(protocol.EventPayload) {
		time.Sleep(time.Millisecond)
		seen.Add(1)
	})
	for i := int32(1); i <= 50; i++ {
		if _, err := s.SendRequest(testCtx(t), protocol.RequestBroadcastCustomEvent,
			protocol.BroadcastCustomEventRequest{EventData: json.RawMessage(`{"eventName":"Tick"}`)}); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
		if err := s.SyncEvents(testCtx(t)); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		if n := seen.Load(); n != i {
			t.Fatalf("after broadcast %d handler ran %d times", i, n)
		}
	}
}
