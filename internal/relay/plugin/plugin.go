// Package plugin defines the interception points a room exposes to game
// logic extensions. Hooks run synchronously inside the room's execution
// context, so implementations must not block; a Before hook returning an
// error vetoes the operation.
package plugin

import apperrors "github.com/quorumnet/relaycore/internal/platform/errors"

// JoinInfo describes a join attempt. Before hooks may mutate the actor
// properties to shape what the join applies.
type JoinInfo struct {
	RoomName        string
	UserID          string
	ActorNr         int
	IsCreate        bool
	IsRejoin        bool
	ActorProperties map[string]any
}

// LeaveInfo describes an actor departure.
type LeaveInfo struct {
	RoomName string
	UserID   string
	ActorNr  int
	// Inactive reports a deactivation that may later rejoin rather than
	// a permanent removal.
	Inactive bool
}

// SetPropertiesInfo describes a property update. ActorNr zero targets the
// room. Before hooks may mutate Properties.
type SetPropertiesInfo struct {
	RoomName   string
	SenderNr   int
	ActorNr    int
	Properties map[string]any
}

// RaiseEventInfo describes a raised event. Before hooks may mutate Data.
type RaiseEventInfo struct {
	RoomName  string
	SenderNr  int
	EventCode byte
	Data      map[string]any
}

// CloseInfo describes a room teardown.
type CloseInfo struct {
	RoomName   string
	ActorCount int
}

// Plugin intercepts room operations.
type Plugin interface {
	Name() string
	BeforeJoin(info *JoinInfo) error
	OnJoined(info JoinInfo)
	OnLeave(info LeaveInfo)
	BeforeSetProperties(info *SetPropertiesInfo) error
	BeforeRaiseEvent(info *RaiseEventInfo) error
	OnClose(info CloseInfo)
}

// Noop is the default plugin; it intercepts nothing.
type Noop struct{}

// Name implements Plugin.
func (Noop) Name() string { return "noop" }

// BeforeJoin implements Plugin.
func (Noop) BeforeJoin(*JoinInfo) error { return nil }

// OnJoined implements Plugin.
func (Noop) OnJoined(JoinInfo) {}

// OnLeave implements Plugin.
func (Noop) OnLeave(LeaveInfo) {}

// BeforeSetProperties implements Plugin.
func (Noop) BeforeSetProperties(*SetPropertiesInfo) error { return nil }

// BeforeRaiseEvent implements Plugin.
func (Noop) BeforeRaiseEvent(*RaiseEventInfo) error { return nil }

// OnClose implements Plugin.
func (Noop) OnClose(CloseInfo) {}

// Rejected builds the error a vetoing hook should return so the engine maps
// it to the plugin wire code.
func Rejected(message string) error {
	return apperrors.New(apperrors.CodePluginRejected, message)
}
