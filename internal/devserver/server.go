package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/obs-taso/internal/logx"
	"github.com/gaspardpetit/obs-taso/internal/protocol"
	"github.com/gaspardpetit/obs-taso/internal/slotstore"
)

// DefaultVersion is reported as obsWebSocketVersion in Hello.
const DefaultVersion = "5.0.0"

// Options configures a Server.
type Options struct {
	Version string
	// Password is checked only when RequireAuth is set; otherwise any
	// authentication string is accepted.
	Password    string
	RequireAuth bool
	// DisableAuth omits the challenge from Hello.
	DisableAuth    bool
	Store          slotstore.Store
	AllowedOrigins []string
	// Gatherer backs /metrics; nil leaves the route unmounted.
	Gatherer prometheus.Gatherer
}

// Server is a stand-in for the broadcast tool: it speaks the server side of
// the protocol, keeps persistent slots and relays custom events.
type Server struct {
	opts  Options
	store slotstore.Store
	hub   *Hub
	log   zerolog.Logger
}

// New constructs a Server. A nil Store selects an in-memory one.
func New(opts Options) *Server {
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	store := opts.Store
	if store == nil {
		store = slotstore.NewMemory()
	}
	return &Server{opts: opts, store: store, hub: newHub(), log: logx.Component("devserver")}
}

// Close disconnects every connected peer. New connections are still
// accepted; stop the HTTP server first.
func (s *Server) Close() {
	s.hub.closeAll()
}

// Hub exposes the connected peer set.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler: the WebSocket endpoint at / and /ws plus
// the inspection routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Use(chiMiddleware.RequestID, requestLogger)

	r.Get("/", s.ServeWS)
	r.Get("/ws", s.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Route("/api/slots/{realm}", func(sr chi.Router) {
		sr.Get("/", s.listSlots)
		sr.Get("/{slot}", s.getSlot)
	})
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ServeWS upgrades the request and runs the peer until it disconnects.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	var acceptOpts *websocket.AcceptOptions
	if len(s.opts.AllowedOrigins) > 0 {
		acceptOpts = &websocket.AcceptOptions{OriginPatterns: s.opts.AllowedOrigins}
	}
	c, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	defer func() { _ = c.CloseNow() }()
	c.SetReadLimit(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	id := uuid.NewString()
	p := &peer{
		id:     id,
		conn:   c,
		send:   make(chan []byte, peerSendBuffer),
		cancel: cancel,
		log:    s.log.With().Str("peer_id", id).Logger(),
	}
	s.hub.add(p)
	defer s.hub.remove(p)
	p.log.Info().Str("remote_addr", r.RemoteAddr).Msg("client connected")
	go p.writePump(ctx)

	hello := protocol.HelloPayload{ObsWebSocketVersion: s.opts.Version, RPCVersion: protocol.RPCVersion}
	var challenge protocol.AuthChallenge
	if !s.opts.DisableAuth {
		challenge, err = protocol.NewAuthChallenge()
		if err != nil {
			p.log.Error().Err(err).Msg("generate challenge")
			return
		}
		hello.Authentication = &challenge
	}
	s.sendOp(p, protocol.OpHello, hello)

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				p.log.Info().Int("close_status", int(status)).Msg("client disconnected")
			} else if !errors.Is(err, context.Canceled) {
				p.log.Debug().Err(err).Msg("client read failed")
			}
			return
		}
		if code, reason := s.handleFrame(ctx, p, challenge, data); code != 0 {
			p.log.Warn().Int("close_status", int(code)).Str("reason", reason).Msg("closing client")
			_ = c.Close(code, reason)
			return
		}
	}
}

func (s *Server) sendOp(p *peer, op protocol.OpCode, payload any) {
	b, err := protocol.Marshal(op, payload)
	if err != nil {
		p.log.Error().Err(err).Stringer("op", op).Msg("encode frame")
		return
	}
	p.enqueue(b)
}

func (s *Server) getSlot(w http.ResponseWriter, r *http.Request) {
	v, err := s.store.Get(r.Context(), chi.URLParam(r, "realm"), chi.URLParam(r, "slot"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if v == nil {
		http.Error(w, "slot not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(v)
}

func (s *Server) listSlots(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.List(r.Context(), chi.URLParam(r, "realm"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(all)
}
