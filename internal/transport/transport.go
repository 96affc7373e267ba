// Package transport defines the narrow contract between the room engine and
// the connection layer that owns peer lifetimes.
package transport

import (
	"time"

	"github.com/quorumnet/relaycore/internal/relay/protocol"
)

// SendParameters tunes delivery of a single response or event.
type SendParameters struct {
	// Unreliable marks the payload as droppable under pressure.
	Unreliable bool
	// ChannelID sequences the payload relative to others on the same channel.
	ChannelID byte
}

// Peer is one connected network peer. The engine holds peers weakly: it never
// closes the underlying connection and tolerates sends after disconnect.
type Peer interface {
	// ConnID uniquely identifies the connection, distinct from the user id
	// so one account reconnecting yields a fresh ConnID.
	ConnID() string
	// UserID returns the authenticated account id.
	UserID() string
	// SendOperationResponse delivers the reply to an inbound operation.
	SendOperationResponse(resp protocol.OperationResponse, params SendParameters)
	// SendEvent delivers a room event.
	SendEvent(ev protocol.EventData, params SendParameters)
	// ScheduleDisconnect asks the transport to drop the connection after
	// the given grace period.
	ScheduleDisconnect(reason string, after time.Duration)
}
