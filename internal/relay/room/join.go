package room

import (
	"fmt"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
	"github.com/quorumnet/relaycore/internal/relay/actors"
	"github.com/quorumnet/relaycore/internal/relay/protocol"
	"github.com/quorumnet/relaycore/internal/transport"
)

// Stage tracks how far a peer's join attempt has progressed. Stages only
// move forward; an operation arriving from a peer whose join is not complete
// is rejected deterministically instead of racing the admission steps.
type Stage int

const (
	StageConnected Stage = iota
	StageCreatingOrLoadingGame
	StageConvertingParams
	StageCheckingCacheSlice
	StageAddingActor
	StageCheckAfterJoinParams
	StageApplyActorProperties
	StageBeforeJoinComplete
	StageGettingUserResponse
	StageSendingUserResponse
	StagePublishingEvents
	StageEventsPublished
	StageComplete
)

var stageNames = map[Stage]string{
	StageConnected:             "connected",
	StageCreatingOrLoadingGame: "creating_or_loading_game",
	StageConvertingParams:      "converting_params",
	StageCheckingCacheSlice:    "checking_cache_slice",
	StageAddingActor:           "adding_actor",
	StageCheckAfterJoinParams:  "check_after_join_params",
	StageApplyActorProperties:  "apply_actor_properties",
	StageBeforeJoinComplete:    "before_join_complete",
	StageGettingUserResponse:   "getting_user_response",
	StageSendingUserResponse:   "sending_user_response",
	StagePublishingEvents:      "publishing_events",
	StageEventsPublished:       "events_published",
	StageComplete:              "complete",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Coordinator drives one peer's admission into a room. One coordinator
// exists per join attempt; the engine keeps it until the join completes or
// the peer disconnects.
type Coordinator struct {
	room  *Room
	stage Stage
}

// NewCoordinator starts a join attempt in the connected stage.
func NewCoordinator(room *Room) *Coordinator {
	return &Coordinator{room: room, stage: StageConnected}
}

// Stage returns the attempt's current stage.
func (c *Coordinator) Stage() Stage { return c.stage }

// Complete reports whether the peer finished joining.
func (c *Coordinator) Complete() bool { return c.stage == StageComplete }

// Advance moves the attempt forward. Stages never rewind; a smaller target
// is ignored.
func (c *Coordinator) Advance(to Stage) {
	if to > c.stage {
		c.stage = to
	}
}

// EnsureComplete rejects operations that arrive before the join finished.
func (c *Coordinator) EnsureComplete() error {
	if c.stage != StageComplete {
		return apperrors.WithMetadata(apperrors.CodeOperationNotAllowedState,
			"operation not allowed before join completes",
			map[string]string{"stage": c.stage.String()})
	}
	return nil
}

// Result is the outcome of a successful admission.
type Result struct {
	Actor *actors.Actor
	// IsNew distinguishes a fresh actor from a reactivated inactive one.
	IsNew bool
	// ResumeSlice is the cache slice replay starts from.
	ResumeSlice int
}

// Admit runs the admission algorithm for one join request. Any step's
// failure aborts with a typed error and leaves room state as it was before
// the attempt. creating marks the session-creating join, which additionally
// applies the requested room properties.
func (c *Coordinator) Admit(peer transport.Peer, userID string, req protocol.JoinRequest, creating bool) (*Result, error) {
	room := c.room
	registry := room.Actors()

	c.Advance(StageCreatingOrLoadingGame)
	if creating {
		wellKnown, custom := SplitProperties(req.RoomProperties)
		if err := room.ValidateProperties(wellKnown); err != nil {
			return nil, err
		}
		if _, _, err := room.ApplyWellKnown(wellKnown); err != nil {
			// Slot exhaustion on the creating join aborts game creation
			// entirely; the engine disposes the empty room.
			return nil, err
		}
		room.Properties().Set(custom)
	}

	c.Advance(StageConvertingParams)
	wantsRejoin := req.JoinMode == protocol.JoinModeRejoinOnly || req.JoinMode == protocol.JoinModeRejoinOrJoin
	if !creating && wantsRejoin {
		if room.Cache().Discarded() {
			return nil, apperrors.New(apperrors.CodeEventCacheExceeded,
				"cannot rejoin: the room's event cache was discarded")
		}
		if room.PlayerTTL() == 0 && req.JoinMode == protocol.JoinModeRejoinOnly {
			return nil, apperrors.New(apperrors.CodeJoinRejoinerNotFound,
				"rejoin is disabled: playerTtl is zero")
		}
	}

	c.Advance(StageCheckingCacheSlice)
	resumeSlice := req.CacheSlice
	if resumeSlice < 0 || resumeSlice > room.Cache().CurrentSlice() {
		return nil, apperrors.WithMetadata(apperrors.CodeCacheSliceInvalid,
			fmt.Sprintf("cache slice %d is not available, current slice is %d", resumeSlice, room.Cache().CurrentSlice()),
			map[string]string{"room": room.Name()})
	}

	// Resolve whether this attempt reactivates an existing actor before the
	// capacity checks: a rejoiner already owns a slot. RejoinOrJoin resolves
	// the rejoin first and only then falls through to the fresh-join checks,
	// where the user's own expected-list entry counts as their reserved slot.
	willRejoin := false
	if !creating && wantsRejoin {
		willRejoin = c.resolvesRejoin(userID, req.ActorNr)
	}

	if !creating && !willRejoin {
		if !room.IsOpen() {
			return nil, apperrors.New(apperrors.CodeGameClosed, "the game is closed")
		}
		if max := room.MaxPlayers(); max > 0 {
			occupied := registry.ActiveCount() + registry.InactiveCount() + registry.YetExpectedCount()
			if occupied >= max && !registry.IsExpectedUser(userID) {
				return nil, apperrors.WithMetadata(apperrors.CodeGameFull,
					"the game is full",
					map[string]string{"room": room.Name()})
			}
		}
	}

	c.Advance(StageAddingActor)
	actor, isNew, err := registry.TryAddPeerToGame(peer, userID, req.ActorNr, req.JoinMode)
	if err != nil {
		return nil, err
	}

	c.Advance(StageCheckAfterJoinParams)
	if len(req.AddUsers) > 0 {
		if err := registry.AddExpectedUsers(req.AddUsers, room.MaxPlayers()); err != nil {
			// Hard failure, never a partial reservation: undo the admission.
			c.rollbackActor(actor, isNew)
			return nil, err
		}
	}
	registry.RemoveExpectedUser(userID)

	c.Advance(StageApplyActorProperties)
	if len(req.ActorProperties) > 0 {
		actor.Properties().Set(stripReservedActorKeys(req.ActorProperties))
	}

	c.Advance(StageBeforeJoinComplete)
	return &Result{Actor: actor, IsNew: isNew, ResumeSlice: resumeSlice}, nil
}

// resolvesRejoin mirrors the registry's rejoin matching without mutating
// it: by user id when the room checks users on join, by requested actor
// number otherwise.
func (c *Coordinator) resolvesRejoin(userID string, requestedActorNr int) bool {
	registry := c.room.Actors()
	for _, a := range registry.All() {
		if a.IsActive() {
			continue
		}
		if registry.CheckUserOnJoin() {
			if userID != "" && a.UserID() == userID {
				return true
			}
		} else if requestedActorNr > 0 && a.Number() == requestedActorNr {
			return true
		}
	}
	return false
}

// rollbackActor undoes a TryAddPeerToGame after a later admission step
// failed. Fresh actors are removed outright; reactivated ones go back to
// inactive so the original rejoin window is preserved.
func (c *Coordinator) rollbackActor(actor *actors.Actor, isNew bool) {
	registry := c.room.Actors()
	if isNew {
		registry.Remove(actor.Number())
		return
	}
	registry.Deactivate(actor.Number())
}

// stripReservedActorKeys drops the server-assigned actor keys from a
// peer-supplied property bag.
func stripReservedActorKeys(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		if key == protocol.ActorPropKeyIsInactive || key == protocol.ActorPropKeyUserID {
			continue
		}
		out[key] = value
	}
	return out
}
