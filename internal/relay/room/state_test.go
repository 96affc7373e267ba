package room

import (
	"testing"
	"time"

	"github.com/quorumnet/relaycore/internal/relay/eventcache"
	"github.com/quorumnet/relaycore/internal/relay/protocol"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	env := newTestEnv(t, Config{Name: "persisted", CheckUserOnJoin: true, Clock: clock.Now})
	creator := &fakePeer{connID: "c1", userID: "u1"}
	env.join(t, creator, protocol.JoinRequest{
		RoomProperties: map[string]any{
			protocol.PropKeyMaxPlayers: 4,
			protocol.PropKeyPlayerTTL:  60000,
			"map":                      "arena",
		},
	}, true)
	env.engine.handleRaiseEvent(creator, protocol.RaiseEventRequest{
		EventCode: 30, Cache: protocol.CacheOpAddToRoomCache, Data: map[string]any{"k": "v"},
	})
	env.engine.handleDisconnect(creator)

	blob, err := env.engine.Room().SnapshotState()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored, err := Restore(Config{CheckUserOnJoin: true, Clock: clock.Now}, blob)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.Name() != "persisted" {
		t.Fatalf("expected room name to survive, got %q", restored.Name())
	}
	if restored.MaxPlayers() != 4 {
		t.Fatalf("expected maxPlayers 4, got %d", restored.MaxPlayers())
	}
	if restored.PlayerTTL() != time.Minute {
		t.Fatalf("expected playerTtl 1m, got %s", restored.PlayerTTL())
	}
	if v, _ := restored.Properties().Value("map"); v != "arena" {
		t.Fatalf("expected custom property to survive, got %v", v)
	}

	ghost := restored.Actors().ByNumber(1)
	if ghost == nil || ghost.IsActive() || ghost.UserID() != "u1" {
		t.Fatalf("expected inactive actor 1 for u1 after restore, got %+v", ghost)
	}

	var replayed []eventcache.Event
	restored.Cache().Replay(0, nil, func(ev eventcache.Event) { replayed = append(replayed, ev) })
	if len(replayed) != 1 || replayed[0].Code != 30 {
		t.Fatalf("expected the cached event to survive restore, got %v", replayed)
	}

	// A restored room supports the rejoin the snapshot was taken for.
	engine := NewEngine(EngineOptions{Room: restored})
	back := &fakePeer{connID: "c2", userID: "u1"}
	engine.handleJoin(back, protocol.JoinRequest{JoinMode: protocol.JoinModeRejoinOnly}, false)
	resp := back.lastResponse(t)
	if resp.ReturnCode != 0 {
		t.Fatalf("rejoin against restored room failed: %s", resp.DebugMessage)
	}
	if resp.Payload.(protocol.JoinResponse).ActorNr != 1 {
		t.Fatal("rejoin must reclaim actor number 1")
	}
}
