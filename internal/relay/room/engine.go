package room

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
	"github.com/quorumnet/relaycore/internal/relay/actors"
	"github.com/quorumnet/relaycore/internal/relay/eventcache"
	"github.com/quorumnet/relaycore/internal/relay/plugin"
	"github.com/quorumnet/relaycore/internal/relay/protocol"
	"github.com/quorumnet/relaycore/internal/relay/replication"
	"github.com/quorumnet/relaycore/internal/relay/storage"
	"github.com/quorumnet/relaycore/internal/transport"
)

const defaultQueueSize = 256

// EngineOptions wires one room's collaborators.
type EngineOptions struct {
	Room       *Room
	Plugin     plugin.Plugin
	Replicator replication.Notifier
	States     storage.StateStore
	// OnDisposed runs inside the room's execution context after teardown so
	// the directory can drop its entry.
	OnDisposed func(roomName string)
	QueueSize  int
	Logger     *log.Logger
}

// Engine serializes every operation against one room. Inbound operations are
// queued on a bounded channel and drained by a single goroutine, so Room,
// Registry, Table, and Cache state need no locking. Timers re-enter through
// the same queue instead of firing into room state from other goroutines.
type Engine struct {
	room       *Room
	plug       plugin.Plugin
	replicator replication.Notifier
	states     storage.StateStore
	onDisposed func(string)
	logger     *log.Logger
	tracer     trace.Tracer
	panicLog   *rate.Limiter

	ops chan func()
	ctx context.Context

	joins      map[string]*Coordinator // conn id -> join attempt
	peerActors map[string]int          // conn id -> actor number

	ttlTimers    map[int]*time.Timer
	removalTimer *time.Timer

	disposed       bool
	cacheErrorSent bool
}

// NewEngine creates an engine for room. Run must be started before peers
// enqueue operations.
func NewEngine(opts EngineOptions) *Engine {
	plug := opts.Plugin
	if plug == nil {
		plug = plugin.Noop{}
	}
	var replicator replication.Notifier = opts.Replicator
	if replicator == nil {
		replicator = replication.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("room %s: ", opts.Room.Name()), log.LstdFlags)
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Engine{
		room:       opts.Room,
		plug:       plug,
		replicator: replicator,
		states:     opts.States,
		onDisposed: opts.OnDisposed,
		logger:     logger,
		tracer:     otel.Tracer("relaycore/room"),
		panicLog:   rate.NewLimiter(rate.Every(time.Second), 5),
		ops:        make(chan func(), queueSize),
		ctx:        context.Background(),
		joins:      make(map[string]*Coordinator),
		peerActors: make(map[string]int),
		ttlTimers:  make(map[int]*time.Timer),
	}
}

// Room returns the engine's room.
func (e *Engine) Room() *Room { return e.room }

// Disposed reports whether the room was torn down. Only meaningful from
// inside the execution context.
func (e *Engine) Disposed() bool { return e.disposed }

// Run drains the operation queue until ctx ends. One call per engine.
func (e *Engine) Run(ctx context.Context) {
	e.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-e.ops:
			e.invoke(op)
		}
	}
}

// invoke is the engine's single recovery boundary: a panicking operation is
// logged (rate limited) and the room stays usable for the next operation.
func (e *Engine) invoke(op func()) {
	defer func() {
		if r := recover(); r != nil {
			if e.panicLog.Allow() {
				e.logger.Printf("operation panic: %v", r)
			}
		}
	}()
	op()
}

var errQueueFull = apperrors.New(apperrors.CodeOperationInvalid, "room operation queue is full")

func (e *Engine) enqueue(op func()) error {
	select {
	case e.ops <- op:
		return nil
	default:
		return errQueueFull
	}
}

// EnqueueJoin queues a CreateGame or JoinGame operation.
func (e *Engine) EnqueueJoin(peer transport.Peer, req protocol.JoinRequest, creating bool) error {
	return e.enqueue(func() { e.handleJoin(peer, req, creating) })
}

// EnqueueRaiseEvent queues a RaiseEvent operation.
func (e *Engine) EnqueueRaiseEvent(peer transport.Peer, req protocol.RaiseEventRequest) error {
	return e.enqueue(func() { e.handleRaiseEvent(peer, req) })
}

// EnqueueSetProperties queues a SetProperties operation.
func (e *Engine) EnqueueSetProperties(peer transport.Peer, req protocol.SetPropertiesRequest) error {
	return e.enqueue(func() { e.handleSetProperties(peer, req) })
}

// EnqueueGetProperties queues a GetProperties operation.
func (e *Engine) EnqueueGetProperties(peer transport.Peer, req protocol.GetPropertiesRequest) error {
	return e.enqueue(func() { e.handleGetProperties(peer, req) })
}

// EnqueueLeave queues an explicit Leave operation.
func (e *Engine) EnqueueLeave(peer transport.Peer, req protocol.LeaveRequest) error {
	return e.enqueue(func() { e.handleLeave(peer, req) })
}

// EnqueueChangeGroups queues a ChangeGroups operation.
func (e *Engine) EnqueueChangeGroups(peer transport.Peer, req protocol.ChangeGroupsRequest) error {
	return e.enqueue(func() { e.handleChangeGroups(peer, req) })
}

// EnqueueDebugGame queues a DebugGame operation.
func (e *Engine) EnqueueDebugGame(peer transport.Peer) error {
	return e.enqueue(func() { e.handleDebugGame(peer) })
}

// EnqueuePing queues a Ping operation.
func (e *Engine) EnqueuePing(peer transport.Peer) error {
	return e.enqueue(func() { e.handlePing(peer) })
}

// EnqueueDisconnect queues the transport's notice that a peer dropped.
func (e *Engine) EnqueueDisconnect(peer transport.Peer) error {
	return e.enqueue(func() { e.handleDisconnect(peer) })
}

func (e *Engine) span(name string) trace.Span {
	_, span := e.tracer.Start(e.ctx, name,
		trace.WithAttributes(attribute.String("room.name", e.room.Name())))
	return span
}

func respondOK(peer transport.Peer, op protocol.OperationCode, payload any) {
	peer.SendOperationResponse(protocol.OperationResponse{Code: op, Payload: payload}, transport.SendParameters{})
}

func respondError(peer transport.Peer, op protocol.OperationCode, err error) {
	peer.SendOperationResponse(protocol.OperationResponse{
		Code:         op,
		ReturnCode:   int16(apperrors.WireOf(err)),
		DebugMessage: err.Error(),
	}, transport.SendParameters{})
}

// actorFor resolves the sending peer to its active actor, rejecting peers
// whose join has not completed.
func (e *Engine) actorFor(peer transport.Peer) (*actors.Actor, error) {
	coord, ok := e.joins[peer.ConnID()]
	if !ok {
		return nil, apperrors.New(apperrors.CodeOperationNotAllowedState, "peer has not joined this room")
	}
	if err := coord.EnsureComplete(); err != nil {
		return nil, err
	}
	actor := e.room.Actors().ByNumber(e.peerActors[peer.ConnID()])
	if actor == nil || !actor.IsActive() {
		return nil, apperrors.New(apperrors.CodeOperationNotAllowedState, "actor is no longer active")
	}
	return actor, nil
}

func (e *Engine) replicate() {
	e.replicator.OnGameCreatedOrUpdated(e.room.Summary())
}

// ---- join ----

func (e *Engine) handleJoin(peer transport.Peer, req protocol.JoinRequest, creating bool) {
	op := protocol.OpJoinGame
	if creating {
		op = protocol.OpCreateGame
	}
	span := e.span("room.join")
	defer span.End()

	if e.disposed {
		// The room was torn down while the join waited in the queue; the
		// caller retries against a fresh room via the directory.
		respondError(peer, op, apperrors.New(apperrors.CodeGameIDNotExists, "the room was disposed"))
		return
	}

	connID := peer.ConnID()
	coord, ok := e.joins[connID]
	if !ok {
		coord = NewCoordinator(e.room)
		e.joins[connID] = coord
	}
	if coord.Complete() {
		respondError(peer, op, apperrors.New(apperrors.CodeJoinFoundActiveJoiner, "peer already joined this room"))
		return
	}

	wantsRejoin := req.JoinMode == protocol.JoinModeRejoinOnly || req.JoinMode == protocol.JoinModeRejoinOrJoin
	if err := e.plug.BeforeJoin(&plugin.JoinInfo{
		RoomName:        e.room.Name(),
		UserID:          peer.UserID(),
		ActorNr:         req.ActorNr,
		IsCreate:        creating,
		IsRejoin:        wantsRejoin,
		ActorProperties: req.ActorProperties,
	}); err != nil {
		delete(e.joins, connID)
		respondError(peer, op, err)
		return
	}

	res, err := coord.Admit(peer, peer.UserID(), req, creating)
	if err != nil {
		delete(e.joins, connID)
		respondError(peer, op, err)
		if creating && len(e.room.Actors().All()) == 0 {
			// A failed creating join aborts game creation entirely.
			e.dispose("game creation failed")
		}
		return
	}
	actor := res.Actor
	e.peerActors[connID] = actor.Number()
	e.cancelRemovalTimer()
	if !res.IsNew {
		e.cancelTTLTimer(actor.Number())
	}

	coord.Advance(StageGettingUserResponse)
	response := e.buildJoinResponse(actor)

	coord.Advance(StageSendingUserResponse)
	respondOK(peer, op, response)

	coord.Advance(StagePublishingEvents)
	if !e.room.SuppressRoomEvents() {
		e.broadcast(e.room.Actors().ActiveActors(), protocol.EventData{
			Code:    protocol.EvJoin,
			ActorNr: actor.Number(),
			Payload: map[string]any{
				"actorNr":    actor.Number(),
				"properties": e.actorResponseProperties(actor, nil),
			},
		})
	}
	e.replayTo(peer, res.ResumeSlice)

	coord.Advance(StageEventsPublished)
	coord.Advance(StageComplete)

	e.plug.OnJoined(plugin.JoinInfo{
		RoomName: e.room.Name(),
		UserID:   actor.UserID(),
		ActorNr:  actor.Number(),
		IsRejoin: !res.IsNew,
	})
	e.replicate()
}

func (e *Engine) buildJoinResponse(joined *actors.Actor) protocol.JoinResponse {
	registry := e.room.Actors()
	resp := protocol.JoinResponse{
		ActorNr:        joined.Number(),
		RoomProperties: e.room.ResponseProperties(nil),
	}
	if !e.room.SuppressRoomEvents() {
		resp.Actors = registry.ActorNumbers()
	}
	actorProps := make(map[int]map[string]any)
	for _, a := range registry.All() {
		props := e.actorResponseProperties(a, nil)
		if len(props) > 0 {
			actorProps[a.Number()] = props
		}
	}
	if len(actorProps) > 0 {
		resp.ActorProperties = actorProps
	}
	return resp
}

// actorResponseProperties builds one actor's outward property bag: custom
// properties plus the server-owned markers.
func (e *Engine) actorResponseProperties(a *actors.Actor, keys []string) map[string]any {
	props := a.Properties().Get(keys)
	if keys == nil {
		if !a.IsActive() {
			props[protocol.ActorPropKeyIsInactive] = true
		}
		if e.room.PublishUserID() {
			props[protocol.ActorPropKeyUserID] = a.UserID()
		}
	}
	return props
}

func (e *Engine) replayTo(peer transport.Peer, resumeSlice int) {
	e.room.Cache().Replay(resumeSlice,
		func(sliceIndex int) {
			peer.SendEvent(protocol.EventData{
				Code:    protocol.EvCacheSliceChanged,
				Payload: map[string]any{"slice": sliceIndex},
			}, transport.SendParameters{})
		},
		func(ev eventcache.Event) {
			peer.SendEvent(protocol.EventData{
				Code:    protocol.EventCode(ev.Code),
				ActorNr: ev.ActorNr,
				Payload: ev.Data,
			}, transport.SendParameters{})
		})
}

// ---- raise event ----

// handleRaiseEvent caches and fans out one event. Successful deliveries are
// not acknowledged; only failures and slice control operations get a
// response.
func (e *Engine) handleRaiseEvent(peer transport.Peer, req protocol.RaiseEventRequest) {
	span := e.span("room.raise_event")
	defer span.End()

	actor, err := e.actorFor(peer)
	if err != nil {
		respondError(peer, protocol.OpRaiseEvent, err)
		return
	}
	if err := e.plug.BeforeRaiseEvent(&plugin.RaiseEventInfo{
		RoomName:  e.room.Name(),
		SenderNr:  actor.Number(),
		EventCode: req.EventCode,
		Data:      req.Data,
	}); err != nil {
		respondError(peer, protocol.OpRaiseEvent, err)
		return
	}

	if req.Cache.IsSliceOp() {
		e.handleSliceOp(peer, req)
		return
	}

	cache := e.room.Cache()
	switch req.Cache {
	case protocol.CacheOpDoNotCache:
	case protocol.CacheOpAddToRoomCache:
		if !cache.AddToCurrentSlice(eventcache.Event{ActorNr: actor.Number(), Code: req.EventCode, Data: req.Data}) {
			e.forceCloseForCache()
			respondError(peer, protocol.OpRaiseEvent,
				apperrors.New(apperrors.CodeEventCacheExceeded, "event cache limit exceeded, room closed"))
			return
		}
	case protocol.CacheOpMergeCache:
		if !cache.MergeActorEvent(actor.Number(), req.EventCode, req.Data) {
			e.forceCloseForCache()
			respondError(peer, protocol.OpRaiseEvent,
				apperrors.New(apperrors.CodeEventCacheExceeded, "event cache limit exceeded, room closed"))
			return
		}
	case protocol.CacheOpReplaceCache:
		if !cache.ReplaceActorEvent(actor.Number(), req.EventCode, req.Data) {
			e.forceCloseForCache()
			respondError(peer, protocol.OpRaiseEvent,
				apperrors.New(apperrors.CodeEventCacheExceeded, "event cache limit exceeded, room closed"))
			return
		}
	case protocol.CacheOpRemoveCache:
		cache.RemoveActorEvent(actor.Number(), req.EventCode)
	default:
		respondError(peer, protocol.OpRaiseEvent,
			apperrors.New(apperrors.CodeOperationInvalid, fmt.Sprintf("unknown cache operation %d", req.Cache)))
		return
	}

	e.broadcast(e.resolveRecipients(actor, req), protocol.EventData{
		Code:    protocol.EventCode(req.EventCode),
		ActorNr: actor.Number(),
		Payload: req.Data,
	})
}

func (e *Engine) handleSliceOp(peer transport.Peer, req protocol.RaiseEventRequest) {
	cache := e.room.Cache()
	var err error
	switch req.Cache {
	case protocol.CacheOpSliceIncreaseIndex:
		var index int
		index, err = cache.AdvanceSlice()
		if err == nil {
			e.broadcast(e.room.Actors().ActiveActors(), protocol.EventData{
				Code:    protocol.EvCacheSliceChanged,
				Payload: map[string]any{"slice": index},
			})
		}
	case protocol.CacheOpSliceSetIndex:
		err = cache.SetSlice(req.CacheSlice)
	case protocol.CacheOpSlicePurgeIndex:
		err = cache.RemoveSlice(req.CacheSlice)
	case protocol.CacheOpSlicePurgeUpToIndex:
		err = cache.RemoveUpToSlice(req.CacheSlice)
	}
	if cache.Discarded() {
		e.forceCloseForCache()
	}
	if err != nil {
		respondError(peer, protocol.OpRaiseEvent, err)
		return
	}
	respondOK(peer, protocol.OpRaiseEvent, nil)
}

// forceCloseForCache closes the room after the event cache was discarded:
// consistent replay can no longer be guaranteed for anyone joining later.
// The error-info broadcast goes out exactly once per room.
func (e *Engine) forceCloseForCache() {
	if e.cacheErrorSent {
		return
	}
	e.cacheErrorSent = true
	e.room.SetOpen(false)
	e.logger.Printf("event cache exceeded, closing room")
	e.broadcast(e.room.Actors().ActiveActors(), protocol.EventData{
		Code: protocol.EvErrorInfo,
		Payload: map[string]any{
			"message": "event cache limit exceeded, the room no longer accepts joins",
		},
	})
	e.replicate()
}

func (e *Engine) resolveRecipients(sender *actors.Actor, req protocol.RaiseEventRequest) []*actors.Actor {
	registry := e.room.Actors()
	if len(req.Actors) > 0 {
		seen := make(map[int]bool, len(req.Actors))
		var out []*actors.Actor
		for _, nr := range req.Actors {
			if seen[nr] {
				continue
			}
			seen[nr] = true
			if a := registry.ByNumber(nr); a != nil && a.IsActive() {
				out = append(out, a)
			}
		}
		return out
	}
	if req.Group != 0 {
		var out []*actors.Actor
		for _, a := range registry.ActorsInGroup(req.Group) {
			if a.Number() != sender.Number() {
				out = append(out, a)
			}
		}
		return out
	}
	switch req.Receivers {
	case protocol.ReceiversAll:
		return registry.ActiveActors()
	case protocol.ReceiversMasterClient:
		if master := registry.ByNumber(registry.MasterClientID()); master != nil {
			return []*actors.Actor{master}
		}
		return nil
	default:
		var out []*actors.Actor
		for _, a := range registry.ActiveActors() {
			if a.Number() != sender.Number() {
				out = append(out, a)
			}
		}
		return out
	}
}

func (e *Engine) broadcast(recipients []*actors.Actor, ev protocol.EventData) {
	for _, a := range recipients {
		if peer := a.Peer(); peer != nil {
			peer.SendEvent(ev, transport.SendParameters{})
		}
	}
}

// ---- properties ----

func (e *Engine) handleSetProperties(peer transport.Peer, req protocol.SetPropertiesRequest) {
	span := e.span("room.set_properties")
	defer span.End()

	actor, err := e.actorFor(peer)
	if err != nil {
		respondError(peer, protocol.OpSetProperties, err)
		return
	}
	if err := e.plug.BeforeSetProperties(&plugin.SetPropertiesInfo{
		RoomName:   e.room.Name(),
		SenderNr:   actor.Number(),
		ActorNr:    req.ActorNr,
		Properties: req.Properties,
	}); err != nil {
		respondError(peer, protocol.OpSetProperties, err)
		return
	}

	if req.ActorNr > 0 {
		e.setActorProperties(peer, actor, req)
		return
	}
	e.setRoomProperties(peer, actor, req)
}

func (e *Engine) setRoomProperties(peer transport.Peer, sender *actors.Actor, req protocol.SetPropertiesRequest) {
	room := e.room
	usingCAS := len(req.ExpectedProperties) > 0
	wellKnown, custom := SplitProperties(req.Properties)
	expectedWellKnown, expectedCustom := SplitProperties(req.ExpectedProperties)

	if err := room.ValidateProperties(wellKnown); err != nil {
		respondError(peer, protocol.OpSetProperties, err)
		return
	}
	// Well-known expectations are checked before any half mutates so the
	// whole update stays all-or-nothing across both halves.
	for key, want := range expectedWellKnown {
		current, ok := room.WellKnownValue(key)
		if !ok || !looseEqual(current, want) {
			respondError(peer, protocol.OpSetProperties, apperrors.WithMetadata(
				apperrors.CodePropertyCASFailed,
				fmt.Sprintf("expected value mismatch for property %s", key),
				map[string]string{"key": key}))
			return
		}
	}

	tableSnapshot := room.Properties().Capture(mapKeys(custom))
	wkSnapshot := room.CaptureWellKnown()

	changed, err := room.Properties().CompareAndSwap(custom, expectedCustom)
	if err != nil {
		respondError(peer, protocol.OpSetProperties, err)
		return
	}
	wkChanged, lobbyChanged, err := room.ApplyWellKnown(wellKnown)
	if err != nil {
		room.Properties().Restore(tableSnapshot)
		room.RestoreWellKnown(wkSnapshot)
		respondError(peer, protocol.OpSetProperties, err)
		return
	}
	changed = changed || wkChanged

	if req.Broadcast && changed {
		recipients := e.room.Actors().ActiveActors()
		if !usingCAS && !room.BroadcastPropsChangeToAll() {
			recipients = e.allActiveExcept(sender.Number())
		}
		e.broadcast(recipients, protocol.EventData{
			Code:    protocol.EvPropertiesChanged,
			ActorNr: sender.Number(),
			Payload: map[string]any{
				"actorNr":    0,
				"properties": req.Properties,
			},
		})
	}
	if lobbyChanged {
		e.replicate()
	}
	respondOK(peer, protocol.OpSetProperties, nil)
}

func (e *Engine) setActorProperties(peer transport.Peer, sender *actors.Actor, req protocol.SetPropertiesRequest) {
	registry := e.room.Actors()
	target := registry.ByNumber(req.ActorNr)
	if target == nil {
		respondError(peer, protocol.OpSetProperties, apperrors.WithMetadata(
			apperrors.CodeOperationInvalid,
			"no actor with the requested number",
			map[string]string{"actorNr": fmt.Sprint(req.ActorNr)}))
		return
	}
	if req.Broadcast && target.IsActive() && target.Peer() != nil {
		// Broadcasting against a target whose join is still in flight would
		// leak a half-admitted actor to the room.
		if coord, ok := e.joins[target.Peer().ConnID()]; ok {
			if err := coord.EnsureComplete(); err != nil {
				respondError(peer, protocol.OpSetProperties, err)
				return
			}
		}
	}

	values := stripReservedActorKeys(req.Properties)
	changed, err := target.Properties().CompareAndSwap(values, req.ExpectedProperties)
	if err != nil {
		respondError(peer, protocol.OpSetProperties, err)
		return
	}
	if req.Broadcast && changed {
		usingCAS := len(req.ExpectedProperties) > 0
		recipients := e.room.Actors().ActiveActors()
		if !usingCAS && !e.room.BroadcastPropsChangeToAll() {
			recipients = e.allActiveExcept(sender.Number())
		}
		e.broadcast(recipients, protocol.EventData{
			Code:    protocol.EvPropertiesChanged,
			ActorNr: sender.Number(),
			Payload: map[string]any{
				"actorNr":    target.Number(),
				"properties": values,
			},
		})
	}
	respondOK(peer, protocol.OpSetProperties, nil)
}

func (e *Engine) allActiveExcept(actorNr int) []*actors.Actor {
	var out []*actors.Actor
	for _, a := range e.room.Actors().ActiveActors() {
		if a.Number() != actorNr {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) handleGetProperties(peer transport.Peer, req protocol.GetPropertiesRequest) {
	span := e.span("room.get_properties")
	defer span.End()

	_, err := e.actorFor(peer)
	if err != nil {
		respondError(peer, protocol.OpGetProperties, err)
		return
	}

	resp := protocol.GetPropertiesResponse{}
	if req.Type&protocol.PropertyTypeGame != 0 {
		resp.RoomProperties = e.room.ResponseProperties(req.RoomKeys)
	}
	if req.Type&protocol.PropertyTypeActor != 0 {
		registry := e.room.Actors()
		targets := registry.All()
		if len(req.Actors) > 0 {
			seen := make(map[int]bool, len(req.Actors))
			targets = nil
			for _, nr := range req.Actors {
				if seen[nr] {
					continue
				}
				seen[nr] = true
				// Unknown actor numbers are ignored, not an error.
				if a := registry.ByNumber(nr); a != nil {
					targets = append(targets, a)
				}
			}
		}
		actorProps := make(map[int]map[string]any, len(targets))
		for _, a := range targets {
			actorProps[a.Number()] = e.actorResponseProperties(a, req.ActorKeys)
		}
		resp.ActorProperties = actorProps
	}
	respondOK(peer, protocol.OpGetProperties, resp)
}

// ---- leave / disconnect ----

func (e *Engine) handleLeave(peer transport.Peer, req protocol.LeaveRequest) {
	span := e.span("room.leave")
	defer span.End()
	e.removePeer(peer, req.WillComeBack, protocol.EvLeave)
	respondOK(peer, protocol.OpLeave, nil)
}

// handleDisconnect treats a dropped connection as a leave with rejoin
// intent; the player TTL decides whether the actor survives it.
func (e *Engine) handleDisconnect(peer transport.Peer) {
	span := e.span("room.disconnect")
	defer span.End()
	e.removePeer(peer, true, protocol.EvDisconnect)
}

func (e *Engine) removePeer(peer transport.Peer, mayComeBack bool, evCode protocol.EventCode) {
	connID := peer.ConnID()
	actorNr, joined := e.peerActors[connID]
	delete(e.peerActors, connID)
	delete(e.joins, connID)
	if !joined || e.disposed {
		return
	}
	registry := e.room.Actors()
	actor := registry.ByNumber(actorNr)
	if actor == nil || !actor.IsActive() {
		return
	}

	keepInactive := mayComeBack && e.room.PlayerTTL() != 0
	if keepInactive {
		registry.Deactivate(actorNr)
		if ttl := e.room.PlayerTTL(); ttl > 0 {
			e.armTTLTimer(actorNr, ttl)
		}
	} else {
		e.purgeActor(actorNr)
	}

	if !e.room.SuppressRoomEvents() {
		e.broadcast(registry.ActiveActors(), protocol.EventData{
			Code:    evCode,
			ActorNr: actorNr,
			Payload: map[string]any{
				"actorNr":        actorNr,
				"isInactive":     keepInactive,
				"masterClientId": registry.MasterClientID(),
			},
		})
	}
	e.plug.OnLeave(plugin.LeaveInfo{
		RoomName: e.room.Name(),
		UserID:   actor.UserID(),
		ActorNr:  actorNr,
		Inactive: keepInactive,
	})

	if registry.ActiveCount() == 0 {
		e.armRemovalTimer()
	}
	if !e.disposed {
		e.replicate()
	}
}

// purgeActor removes an actor for good: registry entry, group membership,
// and its half of the event cache. Room-cache events survive unless the
// room cleans caches on leave.
func (e *Engine) purgeActor(actorNr int) {
	e.room.Actors().Remove(actorNr)
	if e.room.DeleteCacheOnLeave() {
		e.room.Cache().RemoveEventsByActor(actorNr)
		return
	}
	e.room.Cache().RemoveActorOwnedEntries(actorNr)
}

// expirePlayerTTL runs in the execution context when an inactive actor's
// rejoin window closes.
func (e *Engine) expirePlayerTTL(actorNr int) {
	if e.disposed {
		return
	}
	delete(e.ttlTimers, actorNr)
	registry := e.room.Actors()
	actor := registry.ByNumber(actorNr)
	if actor == nil || actor.IsActive() {
		return
	}
	e.purgeActor(actorNr)
	if !e.room.SuppressRoomEvents() {
		e.broadcast(registry.ActiveActors(), protocol.EventData{
			Code:    protocol.EvLeave,
			ActorNr: actorNr,
			Payload: map[string]any{
				"actorNr":        actorNr,
				"isInactive":     false,
				"masterClientId": registry.MasterClientID(),
			},
		})
	}
	e.replicate()
}

// ---- misc operations ----

func (e *Engine) handleChangeGroups(peer transport.Peer, req protocol.ChangeGroupsRequest) {
	span := e.span("room.change_groups")
	defer span.End()

	actor, err := e.actorFor(peer)
	if err != nil {
		respondError(peer, protocol.OpChangeGroups, err)
		return
	}
	e.room.Actors().ChangeGroups(actor, req.Add, req.Remove)
	respondOK(peer, protocol.OpChangeGroups, nil)
}

func (e *Engine) handleDebugGame(peer transport.Peer) {
	span := e.span("room.debug_game")
	defer span.End()
	respondOK(peer, protocol.OpDebugGame, e.room.DebugDump())
}

func (e *Engine) handlePing(peer transport.Peer) {
	respondOK(peer, protocol.OpPing, nil)
}

// ---- timers ----

// afterFunc schedules fn back into the execution context after d. A full
// queue re-arms a fresh timer instead of dropping the callback; the callback
// never touches the timer handed back to the caller, so Stop on the engine
// goroutine needs no synchronization with the timer goroutine.
func (e *Engine) afterFunc(d time.Duration, fn func()) *time.Timer {
	var retry func()
	retry = func() {
		if err := e.enqueue(fn); err != nil {
			time.AfterFunc(100*time.Millisecond, retry)
		}
	}
	return time.AfterFunc(d, retry)
}

func (e *Engine) armTTLTimer(actorNr int, ttl time.Duration) {
	e.cancelTTLTimer(actorNr)
	e.ttlTimers[actorNr] = e.afterFunc(ttl, func() { e.expirePlayerTTL(actorNr) })
}

func (e *Engine) cancelTTLTimer(actorNr int) {
	if timer, ok := e.ttlTimers[actorNr]; ok {
		timer.Stop()
		delete(e.ttlTimers, actorNr)
	}
}

// armRemovalTimer starts the empty-room countdown. A zero TTL tears the
// room down immediately.
func (e *Engine) armRemovalTimer() {
	e.cancelRemovalTimer()
	ttl := e.room.EmptyRoomTTL()
	if ttl <= 0 {
		e.dispose("last actor left")
		return
	}
	e.removalTimer = e.afterFunc(ttl, func() {
		if e.disposed || e.room.Actors().ActiveCount() > 0 {
			return
		}
		e.dispose("empty room ttl elapsed")
	})
}

func (e *Engine) cancelRemovalTimer() {
	if e.removalTimer != nil {
		e.removalTimer.Stop()
		e.removalTimer = nil
	}
}

// ---- teardown ----

// dispose tears the room down. Rooms holding inactive actors are snapshotted
// to the state store so a later join can restore them; rooms leaving nothing
// behind delete any stale snapshot instead.
func (e *Engine) dispose(reason string) {
	if e.disposed {
		return
	}
	e.disposed = true
	e.cancelRemovalTimer()
	for nr := range e.ttlTimers {
		e.cancelTTLTimer(nr)
	}

	registry := e.room.Actors()
	e.plug.OnClose(plugin.CloseInfo{
		RoomName:   e.room.Name(),
		ActorCount: len(registry.All()),
	})

	if e.states != nil {
		if registry.InactiveCount() > 0 && !e.room.Cache().Discarded() {
			e.saveStateAsync()
		} else {
			e.deleteStateAsync()
		}
	}

	e.replicator.OnGameRemoved(e.room.Name())
	for _, a := range registry.ActiveActors() {
		if peer := a.Peer(); peer != nil {
			peer.ScheduleDisconnect(reason, 0)
		}
	}
	e.logger.Printf("disposed: %s", reason)
	if e.onDisposed != nil {
		e.onDisposed(e.room.Name())
	}
}

// saveStateAsync snapshots synchronously, then writes off the execution
// context so the room never blocks on store I/O.
func (e *Engine) saveStateAsync() {
	blob, err := e.room.SnapshotState()
	if err != nil {
		e.logger.Printf("snapshot state: %v", err)
		return
	}
	record := storage.RoomStateRecord{RoomName: e.room.Name(), Data: blob, SavedAt: time.Now().UTC()}
	store := e.states
	logger := e.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SaveState(ctx, record); err != nil {
			logger.Printf("save state: %v", err)
		}
	}()
}

func (e *Engine) deleteStateAsync() {
	store := e.states
	logger := e.logger
	name := e.room.Name()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.DeleteState(ctx, name); err != nil && !apperrors.IsCode(err, apperrors.CodeNotFound) {
			logger.Printf("delete state: %v", err)
		}
	}()
}

// ---- helpers ----

func mapKeys(values map[string]any) []string {
	out := make([]string, 0, len(values))
	for key := range values {
		out = append(out, key)
	}
	return out
}

// looseEqual compares a stored well-known value against a caller-supplied
// expectation, tolerating the numeric and list shapes JSON decoding
// produces.
func looseEqual(current, want any) bool {
	if cn, ok := toInt(current); ok {
		if wn, ok := toInt(want); ok {
			return cn == wn
		}
		return false
	}
	if cl, ok := toStringSlice(current); ok {
		if wl, ok := toStringSlice(want); ok {
			return equalStrings(cl, wl)
		}
		return false
	}
	return current == want
}
