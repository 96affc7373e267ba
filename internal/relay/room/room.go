// Package room implements the authoritative state of one game session: the
// room aggregate, the join state machine, and the serialized operation
// engine that ties the actor registry, property store, and event cache
// together.
package room

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
	"github.com/quorumnet/relaycore/internal/relay/actors"
	"github.com/quorumnet/relaycore/internal/relay/eventcache"
	"github.com/quorumnet/relaycore/internal/relay/properties"
	"github.com/quorumnet/relaycore/internal/relay/protocol"
	"github.com/quorumnet/relaycore/internal/relay/replication"
)

// Config fixes the policies a room is created with. Well-known properties
// supplied by the creating join can still adjust the mutable subset.
type Config struct {
	Name string
	// MaxEmptyRoomTTL caps the creator-requested empty-room TTL.
	MaxEmptyRoomTTL time.Duration
	MaxCachedEvents int
	MaxSlices       int
	CheckUserOnJoin bool
	DeleteNullProps bool
	Clock           func() time.Time
}

// Room is one live game session. Well-known attributes live as typed fields;
// custom properties live in the table. All access is serialized by the
// owning engine's execution context.
type Room struct {
	name      string
	createdAt time.Time

	maxPlayers         int
	isOpen             bool
	isVisible          bool
	playerTTL          time.Duration
	emptyRoomTTL       time.Duration
	maxEmptyRoomTTL    time.Duration
	lobbyID            string
	lobbyType          int
	suppressRoomEvents bool
	publishUserID      bool
	deleteCacheOnLeave bool
	broadcastToAll     bool
	propsListedInLobby []string

	props  *properties.Table
	actors *actors.Registry
	cache  *eventcache.Cache
	clock  func() time.Time
}

// New creates an open, visible, uncapped room.
func New(cfg Config) *Room {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	propOpts := []properties.Option{}
	if cfg.DeleteNullProps {
		propOpts = append(propOpts, properties.WithDeleteNullProps(true))
	}
	return &Room{
		name:               cfg.Name,
		createdAt:          clock().UTC(),
		isOpen:             true,
		isVisible:          true,
		deleteCacheOnLeave: true,
		maxEmptyRoomTTL:    cfg.MaxEmptyRoomTTL,
		props:              properties.New(propOpts...),
		actors: actors.NewRegistry(actors.Options{
			CheckUserOnJoin: cfg.CheckUserOnJoin,
			DeleteNullProps: cfg.DeleteNullProps,
			Clock:           clock,
		}),
		cache: eventcache.New(eventcache.Options{
			MaxCachedEvents: cfg.MaxCachedEvents,
			MaxSlices:       cfg.MaxSlices,
		}),
		clock: clock,
	}
}

// Name returns the room's unique id.
func (r *Room) Name() string { return r.name }

// CreatedAt returns the room creation timestamp.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// MaxPlayers returns the capacity, zero meaning unlimited.
func (r *Room) MaxPlayers() int { return r.maxPlayers }

// IsOpen reports whether fresh joins are admitted.
func (r *Room) IsOpen() bool { return r.isOpen }

// IsVisible reports whether the room is listed in the lobby.
func (r *Room) IsVisible() bool { return r.isVisible }

// PlayerTTL returns how long a disconnected actor stays inactive before
// removal. Zero disables rejoin; negative keeps inactive actors forever.
func (r *Room) PlayerTTL() time.Duration { return r.playerTTL }

// EmptyRoomTTL returns how long an empty room lingers before teardown.
func (r *Room) EmptyRoomTTL() time.Duration { return r.emptyRoomTTL }

// SuppressRoomEvents reports whether join/leave events are muted.
func (r *Room) SuppressRoomEvents() bool { return r.suppressRoomEvents }

// PublishUserID reports whether actor user ids are exposed to other peers.
func (r *Room) PublishUserID() bool { return r.publishUserID }

// DeleteCacheOnLeave reports whether a leaving actor's cached events are
// purged.
func (r *Room) DeleteCacheOnLeave() bool { return r.deleteCacheOnLeave }

// BroadcastPropsChangeToAll reports whether property changes are echoed to
// the sender as well.
func (r *Room) BroadcastPropsChangeToAll() bool { return r.broadcastToAll }

// LobbyID returns the lobby the room is bound to.
func (r *Room) LobbyID() string { return r.lobbyID }

// Actors returns the actor registry.
func (r *Room) Actors() *actors.Registry { return r.actors }

// Cache returns the event cache.
func (r *Room) Cache() *eventcache.Cache { return r.cache }

// Properties returns the custom property table. Well-known keys never enter
// it; they are split off and applied to the typed fields.
func (r *Room) Properties() *properties.Table { return r.props }

// SetOpen flips the open flag directly, bypassing property validation. Used
// by the engine's forced-close path.
func (r *Room) SetOpen(open bool) { r.isOpen = open }

// SetSuppressRoomEvents configures whether join/leave events broadcast.
func (r *Room) SetSuppressRoomEvents(suppress bool) { r.suppressRoomEvents = suppress }

// SetPublishUserID configures user id visibility in actor properties.
func (r *Room) SetPublishUserID(publish bool) { r.publishUserID = publish }

// SetBroadcastPropsChangeToAll configures the property broadcast policy.
func (r *Room) SetBroadcastPropsChangeToAll(all bool) { r.broadcastToAll = all }

// wellKnownRoomKeys is the reserved key set SplitProperties routes to the
// typed fields.
var wellKnownRoomKeys = map[string]struct{}{
	protocol.PropKeyMaxPlayers:          {},
	protocol.PropKeyIsOpen:              {},
	protocol.PropKeyIsVisible:           {},
	protocol.PropKeyPlayerTTL:           {},
	protocol.PropKeyEmptyRoomTTL:        {},
	protocol.PropKeyExpectedUsers:       {},
	protocol.PropKeyMasterClientID:      {},
	protocol.PropKeyLobbyID:             {},
	protocol.PropKeyLobbyType:           {},
	protocol.PropKeyPropsListedInLobby:  {},
	protocol.PropKeyCleanupCacheOnLeave: {},
}

// SplitProperties separates a caller-supplied bag into the reserved and
// custom halves.
func SplitProperties(values map[string]any) (wellKnown, custom map[string]any) {
	wellKnown = map[string]any{}
	custom = map[string]any{}
	for key, value := range values {
		if _, ok := wellKnownRoomKeys[key]; ok {
			wellKnown[key] = value
		} else {
			custom[key] = value
		}
	}
	return wellKnown, custom
}

// ValidateProperties type-checks well-known keys before any mutation. It
// also rejects capacity values the current population no longer fits.
func (r *Room) ValidateProperties(values map[string]any) error {
	for key, value := range values {
		if value == nil {
			continue
		}
		switch key {
		case protocol.PropKeyIsOpen, protocol.PropKeyIsVisible, protocol.PropKeyCleanupCacheOnLeave:
			if _, ok := value.(bool); !ok {
				return typeMismatch(key, "boolean", value)
			}
		case protocol.PropKeyMaxPlayers, protocol.PropKeyPlayerTTL, protocol.PropKeyEmptyRoomTTL, protocol.PropKeyLobbyType:
			if _, ok := toInt(value); !ok {
				return typeMismatch(key, "number", value)
			}
		case protocol.PropKeyLobbyID:
			if _, ok := value.(string); !ok {
				return typeMismatch(key, "string", value)
			}
		case protocol.PropKeyExpectedUsers, protocol.PropKeyPropsListedInLobby:
			if _, ok := toStringSlice(value); !ok {
				return typeMismatch(key, "string list", value)
			}
		case protocol.PropKeyMasterClientID:
			return apperrors.New(apperrors.CodeOperationDenied, "masterClientId is server-assigned")
		}
	}
	if raw, ok := values[protocol.PropKeyMaxPlayers]; ok && raw != nil {
		capacity, _ := toInt(raw)
		occupied := r.actors.ActiveCount() + r.actors.InactiveCount()
		if capacity > 0 && capacity < occupied {
			return apperrors.New(apperrors.CodeOperationInvalid,
				fmt.Sprintf("maxPlayers %d is below the current population %d", capacity, occupied))
		}
	}
	return nil
}

// ApplyWellKnown writes validated reserved keys into the typed fields and
// reports whether any field changed and whether a lobby-visible field did.
// Writes that repeat the current value count as no change, so callers can
// skip redundant broadcasts. maxPlayers is applied before expectedUsers so a
// request shrinking capacity and reserving slots is judged against its own
// new capacity. An expected-users set that does not fit fails with a slot
// error; the caller restores the snapshot it took beforehand.
func (r *Room) ApplyWellKnown(values map[string]any) (changed, lobbyChanged bool, err error) {
	if raw, ok := values[protocol.PropKeyMaxPlayers]; ok && raw != nil {
		if n, ok := toInt(raw); ok && n != r.maxPlayers {
			r.maxPlayers = n
			changed = true
			lobbyChanged = true
		}
	}
	if raw, ok := values[protocol.PropKeyIsOpen]; ok && raw != nil {
		if b := raw.(bool); b != r.isOpen {
			r.isOpen = b
			changed = true
			lobbyChanged = true
		}
	}
	if raw, ok := values[protocol.PropKeyIsVisible]; ok && raw != nil {
		if b := raw.(bool); b != r.isVisible {
			r.isVisible = b
			changed = true
			lobbyChanged = true
		}
	}
	if raw, ok := values[protocol.PropKeyPlayerTTL]; ok && raw != nil {
		n, _ := toInt(raw)
		if ttl := time.Duration(n) * time.Millisecond; ttl != r.playerTTL {
			r.playerTTL = ttl
			changed = true
		}
	}
	if raw, ok := values[protocol.PropKeyEmptyRoomTTL]; ok && raw != nil {
		n, _ := toInt(raw)
		ttl := time.Duration(n) * time.Millisecond
		if r.maxEmptyRoomTTL > 0 && ttl > r.maxEmptyRoomTTL {
			ttl = r.maxEmptyRoomTTL
		}
		if ttl != r.emptyRoomTTL {
			r.emptyRoomTTL = ttl
			changed = true
		}
	}
	if raw, ok := values[protocol.PropKeyLobbyID]; ok && raw != nil {
		if id := raw.(string); id != r.lobbyID {
			r.lobbyID = id
			changed = true
		}
	}
	if raw, ok := values[protocol.PropKeyLobbyType]; ok && raw != nil {
		if n, _ := toInt(raw); n != r.lobbyType {
			r.lobbyType = n
			changed = true
		}
	}
	if raw, ok := values[protocol.PropKeyCleanupCacheOnLeave]; ok && raw != nil {
		if b := raw.(bool); b != r.deleteCacheOnLeave {
			r.deleteCacheOnLeave = b
			changed = true
		}
	}
	if raw, ok := values[protocol.PropKeyPropsListedInLobby]; ok && raw != nil {
		list, _ := toStringSlice(raw)
		if !equalStrings(list, r.propsListedInLobby) {
			r.propsListedInLobby = list
			changed = true
			lobbyChanged = true
		}
	}
	if raw, ok := values[protocol.PropKeyExpectedUsers]; ok && raw != nil {
		list, _ := toStringSlice(raw)
		if !equalStrings(list, r.actors.ExpectedUsers()) {
			if err := r.checkExpectedUsersFit(list); err != nil {
				return changed, lobbyChanged, err
			}
			r.actors.SetExpectedUsers(list)
			changed = true
			lobbyChanged = true
		}
	}
	return changed, lobbyChanged, nil
}

// checkExpectedUsersFit rejects an expected-users replacement the capacity
// cannot hold. Users already present as actors do not count twice.
func (r *Room) checkExpectedUsersFit(userIDs []string) error {
	if r.maxPlayers <= 0 {
		for _, id := range userIDs {
			if id == "" {
				return apperrors.New(apperrors.CodeSlotError, "expected user id must not be empty")
			}
		}
		return nil
	}
	yetExpected := 0
	seen := map[string]struct{}{}
	for _, id := range userIDs {
		if id == "" {
			return apperrors.New(apperrors.CodeSlotError, "expected user id must not be empty")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		present := false
		for _, actor := range r.actors.All() {
			if actor.UserID() == id {
				present = true
				break
			}
		}
		if !present {
			yetExpected++
		}
	}
	total := r.actors.ActiveCount() + r.actors.InactiveCount() + yetExpected
	if total > r.maxPlayers {
		return apperrors.WithMetadata(apperrors.CodeSlotError,
			fmt.Sprintf("expected users exceed capacity: %d slots needed, maxPlayers is %d", total, r.maxPlayers),
			map[string]string{"room": r.name})
	}
	return nil
}

// WellKnownValue resolves a reserved key's current value for CAS checks.
func (r *Room) WellKnownValue(key string) (any, bool) {
	switch key {
	case protocol.PropKeyMaxPlayers:
		return r.maxPlayers, true
	case protocol.PropKeyIsOpen:
		return r.isOpen, true
	case protocol.PropKeyIsVisible:
		return r.isVisible, true
	case protocol.PropKeyPlayerTTL:
		return int(r.playerTTL / time.Millisecond), true
	case protocol.PropKeyEmptyRoomTTL:
		return int(r.emptyRoomTTL / time.Millisecond), true
	case protocol.PropKeyMasterClientID:
		return r.actors.MasterClientID(), true
	case protocol.PropKeyLobbyID:
		return r.lobbyID, true
	case protocol.PropKeyLobbyType:
		return r.lobbyType, true
	case protocol.PropKeyCleanupCacheOnLeave:
		return r.deleteCacheOnLeave, true
	case protocol.PropKeyExpectedUsers:
		return r.actors.ExpectedUsers(), true
	case protocol.PropKeyPropsListedInLobby:
		return append([]string(nil), r.propsListedInLobby...), true
	}
	return nil, false
}

// wellKnownSnapshot captures the typed fields for rollback on a failed
// property update.
type wellKnownSnapshot struct {
	maxPlayers         int
	isOpen             bool
	isVisible          bool
	playerTTL          time.Duration
	emptyRoomTTL       time.Duration
	lobbyID            string
	lobbyType          int
	deleteCacheOnLeave bool
	propsListedInLobby []string
	expectedUsers      []string
}

// CaptureWellKnown snapshots the typed fields.
func (r *Room) CaptureWellKnown() wellKnownSnapshot {
	return wellKnownSnapshot{
		maxPlayers:         r.maxPlayers,
		isOpen:             r.isOpen,
		isVisible:          r.isVisible,
		playerTTL:          r.playerTTL,
		emptyRoomTTL:       r.emptyRoomTTL,
		lobbyID:            r.lobbyID,
		lobbyType:          r.lobbyType,
		deleteCacheOnLeave: r.deleteCacheOnLeave,
		propsListedInLobby: append([]string(nil), r.propsListedInLobby...),
		expectedUsers:      r.actors.ExpectedUsers(),
	}
}

// RestoreWellKnown reverts the typed fields to a snapshot.
func (r *Room) RestoreWellKnown(s wellKnownSnapshot) {
	r.maxPlayers = s.maxPlayers
	r.isOpen = s.isOpen
	r.isVisible = s.isVisible
	r.playerTTL = s.playerTTL
	r.emptyRoomTTL = s.emptyRoomTTL
	r.lobbyID = s.lobbyID
	r.lobbyType = s.lobbyType
	r.deleteCacheOnLeave = s.deleteCacheOnLeave
	r.propsListedInLobby = s.propsListedInLobby
	r.actors.SetExpectedUsers(s.expectedUsers)
}

// WellKnownProperties builds the reserved part of a property response.
func (r *Room) WellKnownProperties() map[string]any {
	out := map[string]any{
		protocol.PropKeyMaxPlayers:     r.maxPlayers,
		protocol.PropKeyIsOpen:         r.isOpen,
		protocol.PropKeyIsVisible:      r.isVisible,
		protocol.PropKeyMasterClientID: r.actors.MasterClientID(),
	}
	if r.playerTTL != 0 {
		out[protocol.PropKeyPlayerTTL] = int(r.playerTTL / time.Millisecond)
	}
	if r.emptyRoomTTL != 0 {
		out[protocol.PropKeyEmptyRoomTTL] = int(r.emptyRoomTTL / time.Millisecond)
	}
	if r.lobbyID != "" {
		out[protocol.PropKeyLobbyID] = r.lobbyID
	}
	if expected := r.actors.ExpectedUsers(); len(expected) > 0 {
		out[protocol.PropKeyExpectedUsers] = expected
	}
	return out
}

// ResponseProperties builds the room property bag for a join response or
// GetProperties call: custom properties overlaid with the well-known set,
// optionally filtered by keys.
func (r *Room) ResponseProperties(keys []string) map[string]any {
	out := r.props.Get(keys)
	wellKnown := r.WellKnownProperties()
	if keys == nil {
		for k, v := range wellKnown {
			out[k] = v
		}
		return out
	}
	for _, k := range keys {
		if v, ok := wellKnown[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Summary builds the lobby-visible projection for replication.
func (r *Room) Summary() replication.GameSummary {
	var lobbyProps map[string]any
	if len(r.propsListedInLobby) > 0 {
		lobbyProps = r.props.Get(r.propsListedInLobby)
	}
	return replication.GameSummary{
		Name:            r.name,
		MaxPlayers:      r.maxPlayers,
		IsOpen:          r.isOpen,
		IsVisible:       r.isVisible,
		PlayerCount:     r.actors.ActiveCount(),
		InactiveCount:   r.actors.InactiveCount(),
		ExpectedCount:   r.actors.YetExpectedCount(),
		LobbyID:         r.lobbyID,
		LobbyType:       r.lobbyType,
		LobbyProperties: lobbyProps,
	}
}

// DebugDump renders the room's counters for the DebugGame operation.
func (r *Room) DebugDump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "room %q created %s\n", r.name, r.createdAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "open=%v visible=%v maxPlayers=%d\n", r.isOpen, r.isVisible, r.maxPlayers)
	fmt.Fprintf(&b, "actors: active=%d inactive=%d expected=%d master=%d\n",
		r.actors.ActiveCount(), r.actors.InactiveCount(), r.actors.YetExpectedCount(), r.actors.MasterClientID())
	fmt.Fprintf(&b, "cache: slice=%d events=%d discarded=%v\n",
		r.cache.CurrentSlice(), r.cache.Count(), r.cache.Discarded())
	fmt.Fprintf(&b, "playerTTL=%s emptyRoomTTL=%s\n", r.playerTTL, r.emptyRoomTTL)
	return b.String()
}

func typeMismatch(key, want string, got any) error {
	return apperrors.WithMetadata(apperrors.CodePropertyTypeMismatch,
		fmt.Sprintf("property %s requires a %s value, got %T", key, want, got),
		map[string]string{"key": key})
}

// toInt accepts the numeric shapes JSON decoding and native callers produce.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toStringSlice(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
