// Package protocol defines the operation, event, and property vocabulary
// shared between the relay engine and its transports.
//
// The numeric code spaces mirror the classic realtime-relay convention:
// operation and event codes grow downward from 255, and the reserved
// property keys are plain strings so custom properties can share one JSON
// object with well-known ones.
package protocol

import (
	"encoding/json"
	"fmt"
)

// OperationCode identifies an inbound peer operation.
type OperationCode byte

const (
	OpJoinGame      OperationCode = 255
	OpLeave         OperationCode = 254
	OpRaiseEvent    OperationCode = 253
	OpSetProperties OperationCode = 252
	OpGetProperties OperationCode = 251
	OpPing          OperationCode = 249
	OpChangeGroups  OperationCode = 248
	OpCreateGame    OperationCode = 227
	OpJoinRandom    OperationCode = 225
	OpDebugGame     OperationCode = 218
)

// EventCode identifies a server-to-peer event.
type EventCode byte

const (
	EvJoin              EventCode = 255
	EvLeave             EventCode = 254
	EvPropertiesChanged EventCode = 253
	EvDisconnect        EventCode = 252
	EvErrorInfo         EventCode = 251
	EvCacheSliceChanged EventCode = 250
)

// JoinMode selects how a join request treats existing room and actor state.
type JoinMode byte

const (
	// JoinModeDefault joins an existing room and fails if it does not exist.
	JoinModeDefault JoinMode = 0
	// JoinModeCreateIfNotExists joins the room, creating it when missing.
	JoinModeCreateIfNotExists JoinMode = 1
	// JoinModeRejoinOrJoin prefers reactivating an inactive actor and falls
	// back to a fresh join when none is found.
	JoinModeRejoinOrJoin JoinMode = 2
	// JoinModeRejoinOnly requires an inactive actor to reactivate.
	JoinModeRejoinOnly JoinMode = 3
)

// CacheOp selects how a raised event interacts with the room event cache.
type CacheOp byte

const (
	// CacheOpDoNotCache broadcasts without caching.
	CacheOpDoNotCache CacheOp = 0
	// CacheOpAddToRoomCache appends the event to the current cache slice.
	CacheOpAddToRoomCache CacheOp = 6
	// CacheOpSliceIncreaseIndex advances the current cache slice.
	CacheOpSliceIncreaseIndex CacheOp = 10
	// CacheOpSliceSetIndex sets the current cache slice.
	CacheOpSliceSetIndex CacheOp = 11
	// CacheOpSlicePurgeIndex removes one cache slice.
	CacheOpSlicePurgeIndex CacheOp = 12
	// CacheOpSlicePurgeUpToIndex removes cache slices below an index.
	CacheOpSlicePurgeUpToIndex CacheOp = 13
	// CacheOpMergeCache shallow-merges the payload into the actor cache.
	CacheOpMergeCache CacheOp = 4
	// CacheOpReplaceCache replaces the actor cache entry for the event code.
	CacheOpReplaceCache CacheOp = 5
	// CacheOpRemoveCache removes the actor cache entry for the event code.
	CacheOpRemoveCache CacheOp = 7
)

// IsSliceOp reports whether the cache operation manipulates slices rather
// than caching the raised event itself.
func (c CacheOp) IsSliceOp() bool {
	switch c {
	case CacheOpSliceIncreaseIndex, CacheOpSliceSetIndex, CacheOpSlicePurgeIndex, CacheOpSlicePurgeUpToIndex:
		return true
	}
	return false
}

// ReceiverGroup selects the implicit recipient set of a raised event.
type ReceiverGroup byte

const (
	// ReceiversOthers targets all active actors except the sender.
	ReceiversOthers ReceiverGroup = 0
	// ReceiversAll targets all active actors including the sender.
	ReceiversAll ReceiverGroup = 1
	// ReceiversMasterClient targets only the master client.
	ReceiversMasterClient ReceiverGroup = 2
)

// Reserved room property keys. Custom keys never collide with these because
// the engine strips them from peer-supplied custom property maps.
const (
	PropKeyMaxPlayers          = "maxPlayers"
	PropKeyIsOpen              = "isOpen"
	PropKeyIsVisible           = "isVisible"
	PropKeyPlayerTTL           = "playerTtl"
	PropKeyEmptyRoomTTL        = "emptyRoomTtl"
	PropKeyExpectedUsers       = "expectedUsers"
	PropKeyMasterClientID      = "masterClientId"
	PropKeyLobbyID             = "lobbyId"
	PropKeyLobbyType           = "lobbyType"
	PropKeyPropsListedInLobby  = "propsListedInLobby"
	PropKeyCleanupCacheOnLeave = "cleanupCacheOnLeave"
)

// Reserved actor property keys.
const (
	ActorPropKeyUserID     = "userId"
	ActorPropKeyIsInactive = "isInactive"
	ActorPropKeyNickname   = "nickname"
)

// PropertyType selects which property bags a GetProperties call reads.
type PropertyType byte

const (
	PropertyTypeGame         PropertyType = 1
	PropertyTypeActor        PropertyType = 2
	PropertyTypeGameAndActor PropertyType = 3
)

// JoinRequest carries the parameters of a CreateGame or JoinGame operation.
type JoinRequest struct {
	GameID                   string         `json:"gameId"`
	JoinMode                 JoinMode       `json:"joinMode,omitempty"`
	ActorNr                  int            `json:"actorNr,omitempty"`
	AddUsers                 []string       `json:"addUsers,omitempty"`
	RoomProperties           map[string]any `json:"roomProperties,omitempty"`
	ActorProperties          map[string]any `json:"actorProperties,omitempty"`
	BroadcastActorProperties bool           `json:"broadcast,omitempty"`
	CacheSlice               int            `json:"cacheSlice,omitempty"`
}

// JoinResponse is the payload of a successful join.
type JoinResponse struct {
	ActorNr         int                    `json:"actorNr"`
	Actors          []int                  `json:"actors,omitempty"`
	RoomProperties  map[string]any         `json:"roomProperties,omitempty"`
	ActorProperties map[int]map[string]any `json:"actorProperties,omitempty"`
}

// RaiseEventRequest carries the parameters of a RaiseEvent operation.
type RaiseEventRequest struct {
	EventCode  byte           `json:"eventCode"`
	Data       map[string]any `json:"data,omitempty"`
	Actors     []int          `json:"actors,omitempty"`
	Group      byte           `json:"group,omitempty"`
	Receivers  ReceiverGroup  `json:"receivers,omitempty"`
	Cache      CacheOp        `json:"cache,omitempty"`
	CacheSlice int            `json:"cacheSlice,omitempty"`
}

// SetPropertiesRequest carries the parameters of a SetProperties operation.
// ActorNr zero targets the room.
type SetPropertiesRequest struct {
	ActorNr            int            `json:"actorNr,omitempty"`
	Properties         map[string]any `json:"properties"`
	ExpectedProperties map[string]any `json:"expectedProperties,omitempty"`
	Broadcast          bool           `json:"broadcast,omitempty"`
}

// GetPropertiesRequest carries the parameters of a GetProperties operation.
type GetPropertiesRequest struct {
	Type      PropertyType `json:"type"`
	RoomKeys  []string     `json:"roomKeys,omitempty"`
	ActorKeys []string     `json:"actorKeys,omitempty"`
	Actors    []int        `json:"actors,omitempty"`
}

// GetPropertiesResponse returns the requested property bags.
type GetPropertiesResponse struct {
	RoomProperties  map[string]any         `json:"roomProperties,omitempty"`
	ActorProperties map[int]map[string]any `json:"actorProperties,omitempty"`
}

// LeaveRequest carries the parameters of a Leave operation.
type LeaveRequest struct {
	// WillComeBack keeps the actor inactive for the room's player TTL
	// instead of removing it outright.
	WillComeBack bool `json:"willComeBack,omitempty"`
}

// GroupList carries interest-group numbers as a JSON array of integers
// rather than the base64 string a plain byte slice would encode to.
type GroupList []byte

// MarshalJSON implements json.Marshaler.
func (g GroupList) MarshalJSON() ([]byte, error) {
	if g == nil {
		return []byte("null"), nil
	}
	nums := make([]int, len(g))
	for i, b := range g {
		nums[i] = int(b)
	}
	return json.Marshal(nums)
}

// UnmarshalJSON implements json.Unmarshaler. JSON null stays nil so the
// "all groups" meaning of a missing list survives the round trip.
func (g *GroupList) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	if nums == nil {
		*g = nil
		return nil
	}
	out := make(GroupList, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("group %d out of range", n)
		}
		out[i] = byte(n)
	}
	*g = out
	return nil
}

// ChangeGroupsRequest adds and removes interest-group memberships.
// A nil Add or Remove list means "all groups"; an empty list means none.
type ChangeGroupsRequest struct {
	Add    GroupList `json:"add"`
	Remove GroupList `json:"remove"`
}

// OperationResponse is the reply to one inbound operation.
type OperationResponse struct {
	Code         OperationCode `json:"op"`
	ReturnCode   int16         `json:"returnCode"`
	DebugMessage string        `json:"debugMessage,omitempty"`
	Payload      any           `json:"payload,omitempty"`
}

// EventData is a server-to-peer event emission.
type EventData struct {
	Code    EventCode      `json:"ev"`
	ActorNr int            `json:"actorNr,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Envelope is the outer JSON frame exchanged over the websocket transport.
// Exactly one of Request, Response, or Event is populated.
type Envelope struct {
	Op   OperationCode   `json:"op,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`

	Response *OperationResponse `json:"response,omitempty"`
	Event    *EventData         `json:"event,omitempty"`
}
