package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
	"github.com/quorumnet/relaycore/internal/relay/auth"
	"github.com/quorumnet/relaycore/internal/relay/directory"
	"github.com/quorumnet/relaycore/internal/relay/protocol"
	"github.com/quorumnet/relaycore/internal/relay/storage"
)

type memoryLobby struct {
	mu       sync.Mutex
	listings []storage.GameListing
}

func (m *memoryLobby) UpsertGame(_ context.Context, listing storage.GameListing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listings {
		if existing.RoomName == listing.RoomName {
			m.listings[i] = listing
			return nil
		}
	}
	m.listings = append(m.listings, listing)
	return nil
}

func (m *memoryLobby) RemoveGame(_ context.Context, roomName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listings {
		if existing.RoomName == roomName {
			m.listings = append(m.listings[:i], m.listings[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memoryLobby) ListGames(_ context.Context, _ int) ([]storage.GameListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.GameListing(nil), m.listings...), nil
}

type gatewayHarness struct {
	directory *directory.Directory
	lobby     *memoryLobby
	server    *httptest.Server
}

func newGatewayHarness(t *testing.T, tokens *auth.TokenService) *gatewayHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	dir := directory.New(directory.Options{
		MaxEmptyRoomTTL: time.Minute,
		MaxCachedEvents: 100,
		MaxSlices:       10,
		CheckUserOnJoin: true,
	})
	dir.Start(ctx)

	lobby := &memoryLobby{}
	gateway := NewGateway(GatewayOptions{
		Directory:    dir,
		Lobby:        lobby,
		Tokens:       tokens,
		ConnectRate:  1000,
		ConnectBurst: 1000,
	})

	server := httptest.NewServer(gateway)
	t.Cleanup(func() {
		server.Close()
		cancel()
		dir.Wait()
	})
	return &gatewayHarness{directory: dir, lobby: lobby, server: server}
}

func (h *gatewayHarness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/relay?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, op protocol.OperationCode, req any) {
	t.Helper()
	var data json.RawMessage
	if req != nil {
		payload, err := json.Marshal(req)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		data = payload
	}
	frame, err := json.Marshal(protocol.Envelope{Op: op, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env
}

// readResponse skips event frames until a response arrives.
func readResponse(t *testing.T, conn *websocket.Conn) protocol.OperationResponse {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readFrame(t, conn)
		if env.Response != nil {
			return *env.Response
		}
	}
	t.Fatal("no response within 10 frames")
	return protocol.OperationResponse{}
}

// readEvent skips response frames until an event arrives.
func readEvent(t *testing.T, conn *websocket.Conn) protocol.EventData {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readFrame(t, conn)
		if env.Event != nil {
			return *env.Event
		}
	}
	t.Fatal("no event within 10 frames")
	return protocol.EventData{}
}

func TestGatewayJoinAndRaise(t *testing.T) {
	h := newGatewayHarness(t, nil)

	c1 := h.dial(t, "userId=u1")
	send(t, c1, protocol.OpJoinGame, protocol.JoinRequest{
		GameID:   "g1",
		JoinMode: protocol.JoinModeCreateIfNotExists,
	})
	resp := readResponse(t, c1)
	if resp.ReturnCode != 0 {
		t.Fatalf("join failed: %d %s", resp.ReturnCode, resp.DebugMessage)
	}
	if ev := readEvent(t, c1); ev.Code != protocol.EvJoin || ev.ActorNr != 1 {
		t.Fatalf("expected own join event for actor 1, got code %d actor %d", ev.Code, ev.ActorNr)
	}

	c2 := h.dial(t, "userId=u2")
	send(t, c2, protocol.OpJoinGame, protocol.JoinRequest{GameID: "g1"})
	if resp := readResponse(t, c2); resp.ReturnCode != 0 {
		t.Fatalf("second join failed: %d %s", resp.ReturnCode, resp.DebugMessage)
	}
	if ev := readEvent(t, c1); ev.Code != protocol.EvJoin || ev.ActorNr != 2 {
		t.Fatalf("expected join event for actor 2, got code %d actor %d", ev.Code, ev.ActorNr)
	}

	send(t, c2, protocol.OpRaiseEvent, protocol.RaiseEventRequest{
		EventCode: 42,
		Data:      map[string]any{"x": float64(7)},
	})
	ev := readEvent(t, c1)
	if ev.Code != protocol.EventCode(42) || ev.ActorNr != 2 {
		t.Fatalf("expected event 42 from actor 2, got code %d actor %d", ev.Code, ev.ActorNr)
	}
	if ev.Payload["x"] != float64(7) {
		t.Fatalf("expected payload to round trip, got %v", ev.Payload)
	}
}

func TestGatewayRejectsOperationsBeforeJoin(t *testing.T) {
	h := newGatewayHarness(t, nil)
	conn := h.dial(t, "userId=u1")

	send(t, conn, protocol.OpRaiseEvent, protocol.RaiseEventRequest{EventCode: 1})
	resp := readResponse(t, conn)
	if resp.ReturnCode != int16(apperrors.WireOperationNotAllowed) {
		t.Fatalf("expected operation not allowed, got %d", resp.ReturnCode)
	}
}

func TestGatewayRequiresIdentity(t *testing.T) {
	h := newGatewayHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/relay"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the handshake to fail without an identity")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestGatewayTokenAuth(t *testing.T) {
	tokens, err := auth.New(auth.Options{Secret: []byte("gateway-secret")})
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	h := newGatewayHarness(t, tokens)

	token, err := tokens.Sign("u1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	conn := h.dial(t, "token="+token)
	send(t, conn, protocol.OpJoinGame, protocol.JoinRequest{
		GameID:   "auth-room",
		JoinMode: protocol.JoinModeCreateIfNotExists,
	})
	if resp := readResponse(t, conn); resp.ReturnCode != 0 {
		t.Fatalf("join failed: %d %s", resp.ReturnCode, resp.DebugMessage)
	}

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/relay?token=garbage"
	_, httpResp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the handshake to fail with a bad token")
	}
	if httpResp == nil || httpResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", httpResp)
	}
}

func TestGatewayJoinRandom(t *testing.T) {
	h := newGatewayHarness(t, nil)

	c1 := h.dial(t, "userId=u1")
	send(t, c1, protocol.OpJoinGame, protocol.JoinRequest{
		GameID:   "g1",
		JoinMode: protocol.JoinModeCreateIfNotExists,
	})
	if resp := readResponse(t, c1); resp.ReturnCode != 0 {
		t.Fatalf("seed join failed: %d %s", resp.ReturnCode, resp.DebugMessage)
	}

	h.lobby.UpsertGame(context.Background(), storage.GameListing{
		RoomName:    "g1",
		MaxPlayers:  4,
		PlayerCount: 1,
		IsOpen:      true,
		IsVisible:   true,
	})

	c2 := h.dial(t, "userId=u2")
	send(t, c2, protocol.OpJoinRandom, nil)
	resp := readResponse(t, c2)
	if resp.ReturnCode != 0 {
		t.Fatalf("join random failed: %d %s", resp.ReturnCode, resp.DebugMessage)
	}
}

func TestGatewayJoinRandomNoGames(t *testing.T) {
	h := newGatewayHarness(t, nil)
	conn := h.dial(t, "userId=u1")

	send(t, conn, protocol.OpJoinRandom, nil)
	resp := readResponse(t, conn)
	if resp.ReturnCode != int16(apperrors.WireGameIDNotExists) {
		t.Fatalf("expected no matching game, got %d", resp.ReturnCode)
	}
}

func TestGatewayRetryAfterRejectedJoin(t *testing.T) {
	h := newGatewayHarness(t, nil)

	c1 := h.dial(t, "userId=u1")
	send(t, c1, protocol.OpCreateGame, protocol.JoinRequest{
		GameID:         "solo-room",
		RoomProperties: map[string]any{"maxPlayers": 1},
	})
	if resp := readResponse(t, c1); resp.ReturnCode != 0 {
		t.Fatalf("create failed: %d %s", resp.ReturnCode, resp.DebugMessage)
	}

	c2 := h.dial(t, "userId=u2")
	send(t, c2, protocol.OpJoinGame, protocol.JoinRequest{GameID: "solo-room"})
	if resp := readResponse(t, c2); resp.ReturnCode != int16(apperrors.WireGameFull) {
		t.Fatalf("expected game full, got %d %s", resp.ReturnCode, resp.DebugMessage)
	}

	// The rejected join must not leave the connection bound to the room.
	send(t, c2, protocol.OpJoinGame, protocol.JoinRequest{
		GameID:   "second-room",
		JoinMode: protocol.JoinModeCreateIfNotExists,
	})
	if resp := readResponse(t, c2); resp.ReturnCode != 0 {
		t.Fatalf("retry join failed: %d %s", resp.ReturnCode, resp.DebugMessage)
	}
}

func TestGatewayMissingRoomJoin(t *testing.T) {
	h := newGatewayHarness(t, nil)
	conn := h.dial(t, "userId=u1")

	send(t, conn, protocol.OpJoinGame, protocol.JoinRequest{GameID: "ghost"})
	resp := readResponse(t, conn)
	if resp.ReturnCode != int16(apperrors.WireGameIDNotExists) {
		t.Fatalf("expected game id not exists, got %d", resp.ReturnCode)
	}
}
