// Package replication carries room visibility changes to the lobby side of
// the deployment. Rooms publish summaries whenever a lobby-relevant field
// changes; notifiers forward them without ever blocking the room's execution
// context.
package replication

import (
	"context"
	"log"
	"time"

	"github.com/quorumnet/relaycore/internal/relay/storage"
)

// GameSummary is the lobby-visible projection of one room.
type GameSummary struct {
	Name          string
	MaxPlayers    int
	IsOpen        bool
	IsVisible     bool
	PlayerCount   int
	InactiveCount int
	ExpectedCount int
	LobbyID       string
	LobbyType     int
	// LobbyProperties holds the custom properties the room lists in the
	// lobby, filtered by its propsListedInLobby selection.
	LobbyProperties map[string]any
}

// Notifier receives room visibility changes. Implementations are called from
// inside room goroutines and must return quickly.
type Notifier interface {
	OnGameCreatedOrUpdated(summary GameSummary)
	OnGameRemoved(roomName string)
}

// Nop discards all notifications.
type Nop struct{}

// OnGameCreatedOrUpdated implements Notifier.
func (Nop) OnGameCreatedOrUpdated(GameSummary) {}

// OnGameRemoved implements Notifier.
func (Nop) OnGameRemoved(string) {}

// Multi fans one notification out to several notifiers.
type Multi []Notifier

// OnGameCreatedOrUpdated implements Notifier.
func (m Multi) OnGameCreatedOrUpdated(summary GameSummary) {
	for _, n := range m {
		n.OnGameCreatedOrUpdated(summary)
	}
}

// OnGameRemoved implements Notifier.
func (m Multi) OnGameRemoved(roomName string) {
	for _, n := range m {
		n.OnGameRemoved(roomName)
	}
}

type lobbyUpdate struct {
	summary GameSummary
	removed bool
}

// LobbyProjector applies notifications to a lobby store. Updates are queued
// on a buffered channel and written by a single goroutine so room goroutines
// never wait on store I/O; under sustained pressure the oldest semantics win
// and a newer update simply supersedes the row later.
type LobbyProjector struct {
	store   storage.LobbyStore
	updates chan lobbyUpdate
	clock   func() time.Time
}

// NewLobbyProjector creates a projector writing to store.
func NewLobbyProjector(store storage.LobbyStore) *LobbyProjector {
	return &LobbyProjector{
		store:   store,
		updates: make(chan lobbyUpdate, 1024),
		clock:   time.Now,
	}
}

// Run drains queued updates until ctx ends.
func (p *LobbyProjector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-p.updates:
			p.apply(ctx, update)
		}
	}
}

func (p *LobbyProjector) apply(ctx context.Context, update lobbyUpdate) {
	if update.removed {
		if err := p.store.RemoveGame(ctx, update.summary.Name); err != nil {
			log.Printf("lobby remove %s: %v", update.summary.Name, err)
		}
		return
	}
	// The listed peer count includes inactive actors and reserved slots so
	// matchmaking sees true occupancy, not just connected peers.
	occupancy := update.summary.PlayerCount + update.summary.InactiveCount + update.summary.ExpectedCount
	listing := storage.GameListing{
		RoomName:    update.summary.Name,
		MaxPlayers:  update.summary.MaxPlayers,
		PlayerCount: occupancy,
		IsOpen:      update.summary.IsOpen,
		IsVisible:   update.summary.IsVisible,
		LobbyID:     update.summary.LobbyID,
		LobbyType:   update.summary.LobbyType,
		Properties:  update.summary.LobbyProperties,
		UpdatedAt:   p.clock().UTC(),
	}
	if err := p.store.UpsertGame(ctx, listing); err != nil {
		log.Printf("lobby upsert %s: %v", update.summary.Name, err)
	}
}

// OnGameCreatedOrUpdated implements Notifier. Invisible rooms are projected
// as removals so the lobby never lists them.
func (p *LobbyProjector) OnGameCreatedOrUpdated(summary GameSummary) {
	p.enqueue(lobbyUpdate{summary: summary, removed: !summary.IsVisible})
}

// OnGameRemoved implements Notifier.
func (p *LobbyProjector) OnGameRemoved(roomName string) {
	p.enqueue(lobbyUpdate{summary: GameSummary{Name: roomName}, removed: true})
}

func (p *LobbyProjector) enqueue(update lobbyUpdate) {
	select {
	case p.updates <- update:
	default:
		// Queue full: drop and log. The next change for the same room
		// restores eventual consistency.
		log.Printf("lobby projector queue full, dropping update for %s", update.summary.Name)
	}
}
