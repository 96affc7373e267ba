// Package storage declares the persistence interfaces the relay consumes:
// opaque room-state blobs for eviction and restore, and the lobby projection
// the game listing reads.
package storage

import (
	"context"
	"time"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing. Callers
// use this to differentiate legitimate "no such room" states from data
// corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// RoomStateRecord is one persisted room snapshot. The Data blob is opaque to
// the store; the engine owns its encoding.
type RoomStateRecord struct {
	RoomName string
	Data     []byte
	SavedAt  time.Time
}

// GameListing is one lobby row, kept eventually consistent with live rooms
// through replication notifications.
type GameListing struct {
	RoomName    string
	MaxPlayers  int
	PlayerCount int
	IsOpen      bool
	IsVisible   bool
	LobbyID     string
	LobbyType   int
	Properties  map[string]any
	UpdatedAt   time.Time
}

// StateStore persists room-state blobs across evictions.
type StateStore interface {
	SaveState(ctx context.Context, record RoomStateRecord) error
	LoadState(ctx context.Context, roomName string) (RoomStateRecord, error)
	DeleteState(ctx context.Context, roomName string) error
}

// LobbyStore maintains the lobby projection of visible games.
type LobbyStore interface {
	UpsertGame(ctx context.Context, listing GameListing) error
	RemoveGame(ctx context.Context, roomName string) error
	ListGames(ctx context.Context, limit int) ([]GameListing, error)
}
