package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quorumnet/relaycore/internal/relay/storage"
)

type memoryLobby struct {
	mu       sync.Mutex
	listings map[string]storage.GameListing
}

func newMemoryLobby() *memoryLobby {
	return &memoryLobby{listings: make(map[string]storage.GameListing)}
}

func (m *memoryLobby) UpsertGame(_ context.Context, listing storage.GameListing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[listing.RoomName] = listing
	return nil
}

func (m *memoryLobby) RemoveGame(_ context.Context, roomName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listings, roomName)
	return nil
}

func (m *memoryLobby) ListGames(_ context.Context, _ int) ([]storage.GameListing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.GameListing, 0, len(m.listings))
	for _, listing := range m.listings {
		out = append(out, listing)
	}
	return out, nil
}

func (m *memoryLobby) get(roomName string) (storage.GameListing, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	listing, ok := m.listings[roomName]
	return listing, ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestProjectorUpsertsAndRemoves(t *testing.T) {
	store := newMemoryLobby()
	projector := NewLobbyProjector(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go projector.Run(ctx)

	projector.OnGameCreatedOrUpdated(GameSummary{
		Name:        "arena-1",
		MaxPlayers:  4,
		PlayerCount: 2,
		IsOpen:      true,
		IsVisible:   true,
		LobbyID:     "default",
	})
	waitFor(t, func() bool {
		listing, ok := store.get("arena-1")
		return ok && listing.PlayerCount == 2 && listing.IsOpen
	})

	projector.OnGameRemoved("arena-1")
	waitFor(t, func() bool {
		_, ok := store.get("arena-1")
		return !ok
	})
}

func TestProjectorCountsReservedSlots(t *testing.T) {
	store := newMemoryLobby()
	projector := NewLobbyProjector(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go projector.Run(ctx)

	// One connected actor plus two reserved slots fills a three-player room.
	projector.OnGameCreatedOrUpdated(GameSummary{
		Name:          "arena-1",
		MaxPlayers:    3,
		PlayerCount:   1,
		ExpectedCount: 2,
		IsOpen:        true,
		IsVisible:     true,
	})
	waitFor(t, func() bool {
		listing, ok := store.get("arena-1")
		return ok && listing.PlayerCount == 3
	})

	projector.OnGameCreatedOrUpdated(GameSummary{
		Name:          "arena-2",
		MaxPlayers:    4,
		PlayerCount:   1,
		InactiveCount: 1,
		IsOpen:        true,
		IsVisible:     true,
	})
	waitFor(t, func() bool {
		listing, ok := store.get("arena-2")
		return ok && listing.PlayerCount == 2
	})
}

func TestProjectorHidesInvisibleRooms(t *testing.T) {
	store := newMemoryLobby()
	projector := NewLobbyProjector(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go projector.Run(ctx)

	projector.OnGameCreatedOrUpdated(GameSummary{Name: "hidden", IsVisible: true, IsOpen: true})
	waitFor(t, func() bool {
		_, ok := store.get("hidden")
		return ok
	})

	// Turning off visibility projects as a removal.
	projector.OnGameCreatedOrUpdated(GameSummary{Name: "hidden", IsVisible: false})
	waitFor(t, func() bool {
		_, ok := store.get("hidden")
		return !ok
	})
}
