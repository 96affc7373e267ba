// Package actors tracks the participants of one room: active and inactive
// actors, expected-user slot reservations, and interest-group membership.
package actors

import (
	"strconv"
	"time"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
	"github.com/quorumnet/relaycore/internal/relay/properties"
	"github.com/quorumnet/relaycore/internal/relay/protocol"
	"github.com/quorumnet/relaycore/internal/transport"
)

// Actor is one joined participant. Actor numbers are unique for the room's
// lifetime and never reused.
type Actor struct {
	number        int
	userID        string
	active        bool
	peer          transport.Peer
	props         *properties.Table
	deactivatedAt time.Time
}

// Number returns the room-scoped actor number.
func (a *Actor) Number() int { return a.number }

// UserID returns the account id the actor joined with.
func (a *Actor) UserID() string { return a.userID }

// IsActive reports whether the actor currently has a live peer.
func (a *Actor) IsActive() bool { return a.active }

// Peer returns the actor's network peer, nil while inactive.
func (a *Actor) Peer() transport.Peer { return a.peer }

// Properties returns the actor's property bag.
func (a *Actor) Properties() *properties.Table { return a.props }

// DeactivatedAt returns when the actor went inactive, zero while active.
func (a *Actor) DeactivatedAt() time.Time { return a.deactivatedAt }

// Options configures a Registry.
type Options struct {
	// CheckUserOnJoin enforces one active actor per user id and makes
	// rejoin resolution match on user id instead of actor number.
	CheckUserOnJoin bool
	// DeleteNullProps propagates the room's delete-on-null property policy
	// to per-actor property bags.
	DeleteNullProps bool
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Registry is the actor bookkeeping of a single room. Not safe for concurrent
// use; the owning room's execution context serializes access.
type Registry struct {
	actors          []*Actor // ascending actor number
	nextActorNumber int
	expectedUsers   []string
	groups          map[byte]map[int]*Actor
	checkUserOnJoin bool
	deleteNullProps bool
	clock           func() time.Time
}

// NewRegistry creates an empty registry. Actor numbers start at one.
func NewRegistry(opts Options) *Registry {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		nextActorNumber: 1,
		groups:          make(map[byte]map[int]*Actor),
		checkUserOnJoin: opts.CheckUserOnJoin,
		deleteNullProps: opts.DeleteNullProps,
		clock:           clock,
	}
}

// ActiveCount returns the number of actors with a live peer.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, a := range r.actors {
		if a.active {
			n++
		}
	}
	return n
}

// InactiveCount returns the number of disconnected actors awaiting rejoin.
func (r *Registry) InactiveCount() int {
	return len(r.actors) - r.ActiveCount()
}

// YetExpectedCount returns the number of reserved slots whose user has not
// joined in any form yet.
func (r *Registry) YetExpectedCount() int {
	n := 0
	for _, userID := range r.expectedUsers {
		if r.byUserID(userID) == nil {
			n++
		}
	}
	return n
}

// All returns the registry's actors in actor-number order.
func (r *Registry) All() []*Actor {
	out := make([]*Actor, len(r.actors))
	copy(out, r.actors)
	return out
}

// ActiveActors returns the actors with a live peer in actor-number order.
func (r *Registry) ActiveActors() []*Actor {
	var out []*Actor
	for _, a := range r.actors {
		if a.active {
			out = append(out, a)
		}
	}
	return out
}

// ActorNumbers returns the numbers of all active actors.
func (r *Registry) ActorNumbers() []int {
	var out []int
	for _, a := range r.actors {
		if a.active {
			out = append(out, a.number)
		}
	}
	return out
}

// AllActorNumbers returns the numbers of all actors, active and inactive.
func (r *Registry) AllActorNumbers() []int {
	out := make([]int, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, a.number)
	}
	return out
}

// ByNumber returns the actor with the given number, active or not.
func (r *Registry) ByNumber(actorNr int) *Actor {
	for _, a := range r.actors {
		if a.number == actorNr {
			return a
		}
	}
	return nil
}

// ActiveByUserID returns the active actor joined with the given user id.
func (r *Registry) ActiveByUserID(userID string) *Actor {
	if userID == "" {
		return nil
	}
	for _, a := range r.actors {
		if a.active && a.userID == userID {
			return a
		}
	}
	return nil
}

func (r *Registry) byUserID(userID string) *Actor {
	if userID == "" {
		return nil
	}
	for _, a := range r.actors {
		if a.userID == userID {
			return a
		}
	}
	return nil
}

func (r *Registry) inactiveByUserID(userID string) *Actor {
	if userID == "" {
		return nil
	}
	for _, a := range r.actors {
		if !a.active && a.userID == userID {
			return a
		}
	}
	return nil
}

func (r *Registry) inactiveByNumber(actorNr int) *Actor {
	for _, a := range r.actors {
		if !a.active && a.number == actorNr {
			return a
		}
	}
	return nil
}

// CheckUserOnJoin reports whether rejoin matching keys on user id.
func (r *Registry) CheckUserOnJoin() bool { return r.checkUserOnJoin }

// MasterClientID returns the lowest active actor number, or zero when the
// room has no active actors.
func (r *Registry) MasterClientID() int {
	for _, a := range r.actors {
		if a.active {
			return a.number
		}
	}
	return 0
}

// TryAddPeerToGame admits a peer as an actor. It reactivates an inactive
// actor when the join mode asks for a rejoin and one matches; otherwise it
// creates a fresh actor with the next actor number. isNew reports which path
// was taken. Capacity and open checks belong to the join coordinator, not
// here.
func (r *Registry) TryAddPeerToGame(peer transport.Peer, userID string, requestedActorNr int, joinMode protocol.JoinMode) (actor *Actor, isNew bool, err error) {
	if r.checkUserOnJoin {
		if existing := r.ActiveByUserID(userID); existing != nil {
			return nil, false, apperrors.WithMetadata(apperrors.CodeJoinPeerAlreadyJoined,
				"a peer with this user id is already joined",
				map[string]string{"userId": userID})
		}
	}

	if joinMode == protocol.JoinModeRejoinOnly || joinMode == protocol.JoinModeRejoinOrJoin {
		var existing *Actor
		if r.checkUserOnJoin {
			existing = r.inactiveByUserID(userID)
		} else if requestedActorNr > 0 {
			existing = r.inactiveByNumber(requestedActorNr)
		}
		if existing != nil {
			existing.active = true
			existing.peer = peer
			existing.deactivatedAt = time.Time{}
			return existing, false, nil
		}
		if joinMode == protocol.JoinModeRejoinOnly {
			return nil, false, apperrors.WithMetadata(apperrors.CodeJoinRejoinerNotFound,
				"no inactive actor found to rejoin",
				map[string]string{"userId": userID})
		}
	}

	nr := r.nextActorNumber
	if requestedActorNr >= r.nextActorNumber {
		nr = requestedActorNr
	}
	r.nextActorNumber = nr + 1

	propOpts := []properties.Option{}
	if r.deleteNullProps {
		propOpts = append(propOpts, properties.WithDeleteNullProps(true))
	}
	actor = &Actor{
		number: nr,
		userID: userID,
		active: true,
		peer:   peer,
		props:  properties.New(propOpts...),
	}
	r.actors = append(r.actors, actor)
	return actor, true, nil
}

// Deactivate marks an actor inactive, releasing its peer and group
// memberships but keeping its number, user id, and properties for rejoin.
func (r *Registry) Deactivate(actorNr int) *Actor {
	actor := r.ByNumber(actorNr)
	if actor == nil || !actor.active {
		return nil
	}
	actor.active = false
	actor.peer = nil
	actor.deactivatedAt = r.clock()
	r.leaveAllGroups(actor)
	return actor
}

// Remove permanently deletes an actor from the room.
func (r *Registry) Remove(actorNr int) *Actor {
	for i, a := range r.actors {
		if a.number == actorNr {
			r.leaveAllGroups(a)
			r.actors = append(r.actors[:i], r.actors[i+1:]...)
			return a
		}
	}
	return nil
}

// AddExpectedUsers reserves slots for user ids ahead of their joins. The
// reservation is atomic: if the combined active, inactive, and yet-expected
// count would exceed maxPlayers, no slot is reserved and a slot error is
// returned. Users that already occupy an actor (their own pending join, or a
// running rejoin) are tolerated without double counting.
func (r *Registry) AddExpectedUsers(userIDs []string, maxPlayers int) error {
	var newlyCounted, newlyListed []string
	for _, userID := range userIDs {
		if userID == "" {
			return apperrors.New(apperrors.CodeSlotError, "expected user id must not be empty")
		}
		if r.IsExpectedUser(userID) {
			continue
		}
		newlyListed = append(newlyListed, userID)
		if r.byUserID(userID) == nil {
			newlyCounted = append(newlyCounted, userID)
		}
	}

	if maxPlayers > 0 {
		occupied := len(r.actors) + r.YetExpectedCount()
		if occupied+len(newlyCounted) > maxPlayers {
			return apperrors.WithMetadata(apperrors.CodeSlotError,
				"not enough free slots to reserve expected users",
				map[string]string{"maxPlayers": strconv.Itoa(maxPlayers)})
		}
	}

	r.expectedUsers = append(r.expectedUsers, newlyListed...)
	return nil
}

// RemoveExpectedUser releases a slot reservation.
func (r *Registry) RemoveExpectedUser(userID string) {
	for i, u := range r.expectedUsers {
		if u == userID {
			r.expectedUsers = append(r.expectedUsers[:i], r.expectedUsers[i+1:]...)
			return
		}
	}
}

// IsExpectedUser reports whether the user id holds a slot reservation.
func (r *Registry) IsExpectedUser(userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range r.expectedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// ExpectedUsers returns a copy of the reservation list.
func (r *Registry) ExpectedUsers() []string {
	out := make([]string, len(r.expectedUsers))
	copy(out, r.expectedUsers)
	return out
}

// SetExpectedUsers replaces the reservation list wholesale, used when the
// well-known expected-users property is written via CAS.
func (r *Registry) SetExpectedUsers(userIDs []string) {
	r.expectedUsers = append([]string(nil), userIDs...)
}

// ChangeGroups updates the actor's interest-group membership. A nil remove
// list leaves all groups; a nil add list joins every group that currently
// has members. Empty lists are no-ops.
func (r *Registry) ChangeGroups(actor *Actor, add, remove []byte) {
	if actor == nil {
		return
	}
	if remove == nil {
		r.leaveAllGroups(actor)
	} else {
		for _, g := range remove {
			if members, ok := r.groups[g]; ok {
				delete(members, actor.number)
			}
		}
	}
	if add == nil {
		for g := range r.groups {
			r.joinGroup(actor, g)
		}
	} else {
		for _, g := range add {
			r.joinGroup(actor, g)
		}
	}
}

// ActorsInGroup returns the active members of an interest group.
func (r *Registry) ActorsInGroup(group byte) []*Actor {
	members, ok := r.groups[group]
	if !ok {
		return nil
	}
	var out []*Actor
	for _, a := range r.actors {
		if !a.active {
			continue
		}
		if _, in := members[a.number]; in {
			out = append(out, a)
		}
	}
	return out
}

func (r *Registry) joinGroup(actor *Actor, group byte) {
	members, ok := r.groups[group]
	if !ok {
		members = make(map[int]*Actor)
		r.groups[group] = members
	}
	members[actor.number] = actor
}

func (r *Registry) leaveAllGroups(actor *Actor) {
	for _, members := range r.groups {
		delete(members, actor.number)
	}
}

// RestoreActor re-creates an inactive actor from persisted room state.
func (r *Registry) RestoreActor(actorNr int, userID string, props map[string]any, deactivatedAt time.Time) {
	propOpts := []properties.Option{}
	if r.deleteNullProps {
		propOpts = append(propOpts, properties.WithDeleteNullProps(true))
	}
	table := properties.New(propOpts...)
	table.Set(props)
	r.actors = append(r.actors, &Actor{
		number:        actorNr,
		userID:        userID,
		props:         table,
		deactivatedAt: deactivatedAt,
	})
	if actorNr >= r.nextActorNumber {
		r.nextActorNumber = actorNr + 1
	}
}
