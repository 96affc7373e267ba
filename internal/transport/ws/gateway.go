package ws

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
	"github.com/quorumnet/relaycore/internal/relay/auth"
	"github.com/quorumnet/relaycore/internal/relay/directory"
	"github.com/quorumnet/relaycore/internal/relay/protocol"
	"github.com/quorumnet/relaycore/internal/relay/room"
	"github.com/quorumnet/relaycore/internal/relay/storage"
	"github.com/quorumnet/relaycore/internal/transport"
)

// GatewayOptions wires the websocket entry point.
type GatewayOptions struct {
	Directory *directory.Directory
	// Lobby backs the JoinRandom operation, nil to disable it.
	Lobby storage.LobbyStore
	// Tokens verifies connect tokens. Nil allows unauthenticated connects
	// identified by the userId query parameter, for development setups.
	Tokens *auth.TokenService
	Logger *log.Logger

	// ConnectRate limits new connections per client IP.
	ConnectRate  rate.Limit
	ConnectBurst int
}

// Gateway upgrades websocket connections and routes their operations to
// room engines. Each connection belongs to at most one room at a time.
type Gateway struct {
	directory *directory.Directory
	lobby     storage.LobbyStore
	tokens    *auth.TokenService
	logger    *log.Logger
	upgrader  websocket.Upgrader

	connectRate  rate.Limit
	connectBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGateway creates a gateway.
func NewGateway(opts GatewayOptions) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "ws: ", log.LstdFlags)
	}
	connectRate := opts.ConnectRate
	if connectRate == 0 {
		connectRate = rate.Limit(5)
	}
	connectBurst := opts.ConnectBurst
	if connectBurst == 0 {
		connectBurst = 10
	}
	return &Gateway{
		directory: opts.Directory,
		lobby:     opts.Lobby,
		tokens:    opts.Tokens,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		connectRate:  connectRate,
		connectBurst: connectBurst,
		limiters:     make(map[string]*rate.Limiter),
	}
}

func (g *Gateway) limiterFor(remoteAddr string) *rate.Limiter {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(g.connectRate, g.connectBurst)
		g.limiters[host] = limiter
	}
	return limiter
}

// ServeHTTP implements http.Handler for the relay endpoint.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.limiterFor(r.RemoteAddr).Allow() {
		http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
		return
	}

	userID, err := g.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("upgrade: %v", err)
		return
	}

	client := NewClient(conn, userID, g.logger)
	sess := &session{gateway: g, client: client, ctx: r.Context()}
	go client.WritePump()
	client.ReadPump(sess.handle, sess.onClose)
}

func (g *Gateway) authenticate(r *http.Request) (string, error) {
	if g.tokens == nil {
		if userID := r.URL.Query().Get("userId"); userID != "" {
			return userID, nil
		}
		return "", apperrors.New(apperrors.CodeAuthTokenInvalid, "userId query parameter required")
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", apperrors.New(apperrors.CodeAuthTokenInvalid, "token query parameter required")
	}
	return g.tokens.Verify(token)
}

// session tracks one connection's room binding. Only the read goroutine
// binds; the room goroutine releases the binding when a join is rejected, so
// the engine field lives behind a mutex.
type session struct {
	gateway *Gateway
	client  *Client
	ctx     context.Context

	mu     sync.Mutex
	engine *room.Engine
}

func (s *session) current() *room.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *session) bind(engine *room.Engine) {
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()
}

// unbind releases the binding only while it still points at engine.
func (s *session) unbind(engine *room.Engine) {
	s.mu.Lock()
	if s.engine == engine {
		s.engine = nil
	}
	s.mu.Unlock()
}

func (s *session) clear() *room.Engine {
	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.mu.Unlock()
	return engine
}

// joinWatch forwards peer traffic and releases the session's room binding
// when the room rejects the join, so the connection can try another room.
type joinWatch struct {
	transport.Peer
	sess   *session
	engine *room.Engine
}

func (w *joinWatch) SendOperationResponse(resp protocol.OperationResponse, params transport.SendParameters) {
	if resp.Code == protocol.OpJoinGame && resp.ReturnCode != 0 {
		w.sess.unbind(w.engine)
	}
	w.Peer.SendOperationResponse(resp, params)
}

func (s *session) handle(env protocol.Envelope) {
	switch env.Op {
	case protocol.OpCreateGame, protocol.OpJoinGame:
		s.handleJoin(env)
	case protocol.OpJoinRandom:
		s.handleJoinRandom()
	case protocol.OpRaiseEvent:
		var req protocol.RaiseEventRequest
		if s.decode(env, &req) {
			s.route(env.Op, func(e *room.Engine) error { return e.EnqueueRaiseEvent(s.client, req) })
		}
	case protocol.OpSetProperties:
		var req protocol.SetPropertiesRequest
		if s.decode(env, &req) {
			s.route(env.Op, func(e *room.Engine) error { return e.EnqueueSetProperties(s.client, req) })
		}
	case protocol.OpGetProperties:
		var req protocol.GetPropertiesRequest
		if s.decode(env, &req) {
			s.route(env.Op, func(e *room.Engine) error { return e.EnqueueGetProperties(s.client, req) })
		}
	case protocol.OpLeave:
		var req protocol.LeaveRequest
		if s.decode(env, &req) {
			engine := s.clear()
			if engine == nil {
				s.respondError(env.Op, apperrors.New(apperrors.CodeOperationNotAllowedState, "not joined to a room"))
				return
			}
			if err := engine.EnqueueLeave(s.client, req); err != nil {
				s.respondError(env.Op, err)
			}
		}
	case protocol.OpChangeGroups:
		var req protocol.ChangeGroupsRequest
		if s.decode(env, &req) {
			s.route(env.Op, func(e *room.Engine) error { return e.EnqueueChangeGroups(s.client, req) })
		}
	case protocol.OpDebugGame:
		s.route(env.Op, func(e *room.Engine) error { return e.EnqueueDebugGame(s.client) })
	case protocol.OpPing:
		s.route(env.Op, func(e *room.Engine) error { return e.EnqueuePing(s.client) })
	default:
		s.respondError(env.Op, apperrors.New(apperrors.CodeOperationInvalid, "unknown operation"))
	}
}

func (s *session) handleJoin(env protocol.Envelope) {
	var req protocol.JoinRequest
	if !s.decode(env, &req) {
		return
	}
	if s.current() != nil {
		s.respondError(env.Op, apperrors.New(apperrors.CodeOperationDenied, "connection is already bound to a room"))
		return
	}

	var (
		engine   *room.Engine
		creating bool
		err      error
	)
	if env.Op == protocol.OpCreateGame {
		engine, err = s.gateway.directory.Create(s.ctx, req.GameID)
		creating = true
	} else {
		createIfMissing := req.JoinMode == protocol.JoinModeCreateIfNotExists
		engine, creating, err = s.gateway.directory.GetOrJoin(s.ctx, req.GameID, createIfMissing)
	}
	if err != nil {
		s.respondError(env.Op, err)
		return
	}
	// Bind before enqueueing so the rejection path cannot race the binding;
	// the watch releases it if the room turns the join down.
	s.bind(engine)
	watch := &joinWatch{Peer: s.client, sess: s, engine: engine}
	if err := engine.EnqueueJoin(watch, req, creating); err != nil {
		s.unbind(engine)
		s.respondError(env.Op, err)
	}
}

// handleJoinRandom picks the most recently updated joinable game from the
// lobby projection. The projection is eventually consistent, so the join
// itself may still find the room full; the client retries on that answer.
func (s *session) handleJoinRandom() {
	if s.lobbyDisabled() {
		s.respondError(protocol.OpJoinRandom, apperrors.New(apperrors.CodeGameIDNotExists, "matchmaking is not available"))
		return
	}
	if s.current() != nil {
		s.respondError(protocol.OpJoinRandom, apperrors.New(apperrors.CodeOperationDenied, "connection is already bound to a room"))
		return
	}
	listings, err := s.gateway.lobby.ListGames(s.ctx, 50)
	if err != nil {
		s.gateway.logger.Printf("join random: list games: %v", err)
		s.respondError(protocol.OpJoinRandom, apperrors.New(apperrors.CodeGameIDNotExists, "no matching game found"))
		return
	}
	for _, listing := range listings {
		if !listing.IsOpen || !listing.IsVisible {
			continue
		}
		if listing.MaxPlayers > 0 && listing.PlayerCount >= listing.MaxPlayers {
			continue
		}
		engine, _, err := s.gateway.directory.GetOrJoin(s.ctx, listing.RoomName, false)
		if err != nil {
			continue
		}
		s.bind(engine)
		watch := &joinWatch{Peer: s.client, sess: s, engine: engine}
		if err := engine.EnqueueJoin(watch, protocol.JoinRequest{GameID: listing.RoomName}, false); err != nil {
			s.unbind(engine)
			s.respondError(protocol.OpJoinRandom, err)
		}
		return
	}
	s.respondError(protocol.OpJoinRandom, apperrors.New(apperrors.CodeGameIDNotExists, "no matching game found"))
}

func (s *session) lobbyDisabled() bool {
	return s.gateway.lobby == nil
}

func (s *session) route(op protocol.OperationCode, enqueue func(*room.Engine) error) {
	engine := s.current()
	if engine == nil {
		s.respondError(op, apperrors.New(apperrors.CodeOperationNotAllowedState, "not joined to a room"))
		return
	}
	if err := enqueue(engine); err != nil {
		s.respondError(op, err)
	}
}

func (s *session) decode(env protocol.Envelope, into any) bool {
	if len(env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Data, into); err != nil {
		s.respondError(env.Op, apperrors.Wrap(apperrors.CodeOperationInvalid, "malformed operation payload", err))
		return false
	}
	return true
}

func (s *session) respondError(op protocol.OperationCode, err error) {
	s.client.SendOperationResponse(protocol.OperationResponse{
		Code:         op,
		ReturnCode:   int16(apperrors.WireOf(err)),
		DebugMessage: err.Error(),
	}, transport.SendParameters{})
}

func (s *session) onClose() {
	engine := s.clear()
	if engine == nil {
		return
	}
	if err := engine.EnqueueDisconnect(s.client); err != nil {
		s.gateway.logger.Printf("conn %s: disconnect enqueue: %v", s.client.ConnID(), err)
	}
}
