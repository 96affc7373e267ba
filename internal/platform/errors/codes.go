// Package errors provides structured error handling for the relay services.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Game lifecycle errors
	CodeGameClosed          Code = "GAME_CLOSED"
	CodeGameFull            Code = "GAME_FULL"
	CodeGameIDAlreadyExists Code = "GAME_ID_ALREADY_EXISTS"
	CodeGameIDNotExists     Code = "GAME_ID_NOT_EXISTS"

	// Operation errors
	CodeOperationInvalid         Code = "OPERATION_INVALID"
	CodeOperationDenied          Code = "OPERATION_DENIED"
	CodeOperationNotAllowedState Code = "OPERATION_NOT_ALLOWED_IN_CURRENT_STATE"

	// Join errors
	CodeSlotError              Code = "SLOT_ERROR"
	CodeJoinRejoinerNotFound   Code = "JOIN_FAILED_WITH_REJOINER_NOT_FOUND"
	CodeJoinPeerAlreadyJoined  Code = "JOIN_FAILED_PEER_ALREADY_JOINED"
	CodeJoinFoundActiveJoiner  Code = "JOIN_FAILED_FOUND_ACTIVE_JOINER"
	CodeJoinGameNotInitialized Code = "JOIN_FAILED_GAME_NOT_INITIALIZED"

	// Cache errors
	CodeEventCacheExceeded Code = "EVENT_CACHE_EXCEEDED"
	CodeCacheSliceInvalid  Code = "CACHE_SLICE_INVALID"

	// Property errors
	CodePropertyTypeMismatch Code = "PROPERTY_TYPE_MISMATCH"
	CodePropertyCASFailed    Code = "PROPERTY_CAS_FAILED"

	// Auth errors
	CodeAuthTokenInvalid Code = "AUTH_TOKEN_INVALID"
	CodeAuthTokenExpired Code = "AUTH_TOKEN_EXPIRED"

	// Plugin errors
	CodePluginRejected Code = "PLUGIN_REJECTED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// WireCode is the numeric error code carried in operation responses.
type WireCode int16

// Numeric return codes surfaced to peers in operation responses. Zero means
// success; negative values are protocol-level failures; positive values are
// game-level failures.
const (
	WireOK                    WireCode = 0
	WireInternalError         WireCode = -1
	WireInvalidOperation      WireCode = -2
	WireOperationNotAllowed   WireCode = -3
	WireInvalidAuthentication WireCode = -4
	WireGameFull              WireCode = 32765
	WireGameClosed            WireCode = 32764
	WireGameIDAlreadyExists   WireCode = 32762
	WireGameIDNotExists       WireCode = 32758
	WirePluginReportedError   WireCode = 32752
	WireJoinPeerAlreadyJoined WireCode = 32750
	WireJoinRejoinerNotFound  WireCode = 32748
	WireJoinFoundActiveJoiner WireCode = 32746
	WireSlotError             WireCode = 32742
	WireEventCacheExceeded    WireCode = 32739
	WireOperationDenied       WireCode = 32737
)

// wireCodes maps domain codes to the numeric codes sent over the wire.
var wireCodes = map[Code]WireCode{
	CodeGameClosed:               WireGameClosed,
	CodeGameFull:                 WireGameFull,
	CodeGameIDAlreadyExists:      WireGameIDAlreadyExists,
	CodeGameIDNotExists:          WireGameIDNotExists,
	CodeOperationInvalid:         WireInvalidOperation,
	CodeOperationDenied:          WireOperationDenied,
	CodeOperationNotAllowedState: WireOperationNotAllowed,
	CodeSlotError:                WireSlotError,
	CodeJoinRejoinerNotFound:     WireJoinRejoinerNotFound,
	CodeJoinPeerAlreadyJoined:    WireJoinPeerAlreadyJoined,
	CodeJoinFoundActiveJoiner:    WireJoinFoundActiveJoiner,
	CodeJoinGameNotInitialized:   WireGameIDNotExists,
	CodeEventCacheExceeded:       WireEventCacheExceeded,
	CodeCacheSliceInvalid:        WireInvalidOperation,
	CodePropertyTypeMismatch:     WireInvalidOperation,
	CodePropertyCASFailed:        WireInvalidOperation,
	CodeAuthTokenInvalid:         WireInvalidAuthentication,
	CodeAuthTokenExpired:         WireInvalidAuthentication,
	CodePluginRejected:           WirePluginReportedError,
	CodeNotFound:                 WireGameIDNotExists,
}

// Wire maps a domain code to its numeric wire code. Unknown codes map to
// WireInternalError so peers never observe a zero return code on failure.
func (c Code) Wire() WireCode {
	if wc, ok := wireCodes[c]; ok {
		return wc
	}
	return WireInternalError
}
