package room

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quorumnet/relaycore/internal/relay/eventcache"
)

// persistedActor is one actor row in a room snapshot. Only inactive actors
// are persisted; live connections never survive an eviction.
type persistedActor struct {
	ActorNr       int            `json:"actorNr"`
	UserID        string         `json:"userId"`
	Properties    map[string]any `json:"properties,omitempty"`
	DeactivatedAt time.Time      `json:"deactivatedAt"`
}

// persistedRoom is the JSON blob a room serializes into when it is evicted
// with inactive actors still holding rejoin windows.
type persistedRoom struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`

	MaxPlayers         int      `json:"maxPlayers,omitempty"`
	IsOpen             bool     `json:"isOpen"`
	IsVisible          bool     `json:"isVisible"`
	PlayerTTLMillis    int64    `json:"playerTtlMs,omitempty"`
	EmptyRoomTTLMillis int64    `json:"emptyRoomTtlMs,omitempty"`
	LobbyID            string   `json:"lobbyId,omitempty"`
	LobbyType          int      `json:"lobbyType,omitempty"`
	DeleteCacheOnLeave bool     `json:"deleteCacheOnLeave"`
	SuppressRoomEvents bool     `json:"suppressRoomEvents,omitempty"`
	PublishUserID      bool     `json:"publishUserId,omitempty"`
	BroadcastToAll     bool     `json:"broadcastToAll,omitempty"`
	PropsListedInLobby []string `json:"propsListedInLobby,omitempty"`

	CustomProperties map[string]any   `json:"customProperties,omitempty"`
	ExpectedUsers    []string         `json:"expectedUsers,omitempty"`
	Actors           []persistedActor `json:"actors,omitempty"`
	Cache            eventcache.State `json:"cache"`
}

// SnapshotState serializes the room for the state store. Actors are written
// as inactive regardless of their live flag; a restored room starts with no
// connections.
func (r *Room) SnapshotState() ([]byte, error) {
	snap := persistedRoom{
		Name:               r.name,
		CreatedAt:          r.createdAt,
		MaxPlayers:         r.maxPlayers,
		IsOpen:             r.isOpen,
		IsVisible:          r.isVisible,
		PlayerTTLMillis:    r.playerTTL.Milliseconds(),
		EmptyRoomTTLMillis: r.emptyRoomTTL.Milliseconds(),
		LobbyID:            r.lobbyID,
		LobbyType:          r.lobbyType,
		DeleteCacheOnLeave: r.deleteCacheOnLeave,
		SuppressRoomEvents: r.suppressRoomEvents,
		PublishUserID:      r.publishUserID,
		BroadcastToAll:     r.broadcastToAll,
		PropsListedInLobby: r.propsListedInLobby,
		CustomProperties:   r.props.Get(nil),
		ExpectedUsers:      r.actors.ExpectedUsers(),
		Cache:              r.cache.Export(),
	}
	now := r.clock().UTC()
	for _, a := range r.actors.All() {
		deactivatedAt := a.DeactivatedAt()
		if deactivatedAt.IsZero() {
			deactivatedAt = now
		}
		snap.Actors = append(snap.Actors, persistedActor{
			ActorNr:       a.Number(),
			UserID:        a.UserID(),
			Properties:    a.Properties().Get(nil),
			DeactivatedAt: deactivatedAt,
		})
	}
	return json.Marshal(snap)
}

// Restore rebuilds a room from a snapshot blob. The config supplies the
// process-level bounds and clock; everything else comes from the blob.
func Restore(cfg Config, data []byte) (*Room, error) {
	var snap persistedRoom
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode room state %q: %w", cfg.Name, err)
	}
	cfg.Name = snap.Name
	r := New(cfg)
	r.createdAt = snap.CreatedAt
	r.maxPlayers = snap.MaxPlayers
	r.isOpen = snap.IsOpen
	r.isVisible = snap.IsVisible
	r.playerTTL = time.Duration(snap.PlayerTTLMillis) * time.Millisecond
	r.emptyRoomTTL = time.Duration(snap.EmptyRoomTTLMillis) * time.Millisecond
	r.lobbyID = snap.LobbyID
	r.lobbyType = snap.LobbyType
	r.deleteCacheOnLeave = snap.DeleteCacheOnLeave
	r.suppressRoomEvents = snap.SuppressRoomEvents
	r.publishUserID = snap.PublishUserID
	r.broadcastToAll = snap.BroadcastToAll
	r.propsListedInLobby = snap.PropsListedInLobby
	r.props.Set(snap.CustomProperties)
	r.actors.SetExpectedUsers(snap.ExpectedUsers)
	for _, a := range snap.Actors {
		r.actors.RestoreActor(a.ActorNr, a.UserID, a.Properties, a.DeactivatedAt)
	}
	r.cache.Import(snap.Cache)
	return r, nil
}
