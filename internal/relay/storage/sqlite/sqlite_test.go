package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
	"github.com/quorumnet/relaycore/internal/relay/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStateRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := storage.RoomStateRecord{
		RoomName: "r1",
		Data:     []byte(`{"name":"r1"}`),
		SavedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SaveState(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.LoadState(ctx, "r1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(loaded.Data) != string(record.Data) {
		t.Fatalf("expected %s, got %s", record.Data, loaded.Data)
	}
	if !loaded.SavedAt.Equal(record.SavedAt) {
		t.Fatalf("expected saved at %s, got %s", record.SavedAt, loaded.SavedAt)
	}

	// Saving again overwrites.
	record.Data = []byte(`{"name":"r1","v":2}`)
	if err := store.SaveState(ctx, record); err != nil {
		t.Fatalf("save again: %v", err)
	}
	loaded, err = store.LoadState(ctx, "r1")
	if err != nil {
		t.Fatalf("load again: %v", err)
	}
	if string(loaded.Data) != string(record.Data) {
		t.Fatalf("expected overwrite, got %s", loaded.Data)
	}

	if err := store.DeleteState(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = store.LoadState(ctx, "r1")
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestLoadStateMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LoadState(context.Background(), "ghost")
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLobbyListingLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := storage.GameListing{
		RoomName:    "arena-1",
		MaxPlayers:  8,
		PlayerCount: 3,
		IsOpen:      true,
		IsVisible:   true,
		LobbyID:     "default",
		Properties:  map[string]any{"map": "dust"},
		UpdatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	second := storage.GameListing{
		RoomName:    "arena-2",
		MaxPlayers:  4,
		PlayerCount: 4,
		IsOpen:      false,
		IsVisible:   true,
		UpdatedAt:   time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC),
	}
	if err := store.UpsertGame(ctx, first); err != nil {
		t.Fatalf("upsert first: %v", err)
	}
	if err := store.UpsertGame(ctx, second); err != nil {
		t.Fatalf("upsert second: %v", err)
	}

	games, err := store.ListGames(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(games) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(games))
	}
	if games[0].RoomName != "arena-2" {
		t.Fatalf("expected most recent listing first, got %s", games[0].RoomName)
	}
	if games[1].Properties["map"] != "dust" {
		t.Fatalf("expected lobby properties to round trip, got %v", games[1].Properties)
	}
	if games[0].IsOpen || !games[0].IsVisible {
		t.Fatal("expected flags to round trip")
	}

	// Re-upserting the same room updates in place.
	first.PlayerCount = 5
	first.UpdatedAt = first.UpdatedAt.Add(10 * time.Minute)
	if err := store.UpsertGame(ctx, first); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	games, err = store.ListGames(ctx, 10)
	if err != nil {
		t.Fatalf("list after update: %v", err)
	}
	if len(games) != 2 || games[0].RoomName != "arena-1" || games[0].PlayerCount != 5 {
		t.Fatalf("expected updated arena-1 first, got %+v", games)
	}

	if err := store.RemoveGame(ctx, "arena-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	games, err = store.ListGames(ctx, 10)
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(games) != 1 || games[0].RoomName != "arena-2" {
		t.Fatalf("expected only arena-2, got %+v", games)
	}
}
