// Package eventcache buffers raised events so late joiners and rejoining
// actors can replay a consistent history.
//
// The cache has two halves: a room-level cache partitioned into ordered
// slices (generations advanced explicitly by peers), and a per-actor cache
// keyed by actor number and event code with merge/replace/remove semantics.
// Both halves share one total-event limit; exceeding it, or retaining too
// many slices, marks the cache discarded for the rest of the room's life.
package eventcache

import (
	"strconv"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
)

// Default bounds applied when Options leaves them zero.
const (
	DefaultMaxCachedEvents = 10000
	DefaultMaxSlices       = 1000
)

// Event is one cached room event.
type Event struct {
	ActorNr int
	Code    byte
	Data    map[string]any
}

// Options bounds the cache.
type Options struct {
	MaxCachedEvents int
	MaxSlices       int
}

type cacheSlice struct {
	index  int
	events []Event
}

type actorKey struct {
	actorNr int
	code    byte
}

// Cache is the event cache of a single room. It is not safe for concurrent
// use; the owning room's execution context serializes access.
type Cache struct {
	slices  []*cacheSlice // ascending by index
	current int

	actorEvents map[actorKey]map[string]any
	actorOrder  []actorKey

	total     int
	discarded bool

	maxEvents int
	maxSlices int
}

// New creates an empty cache with slice zero as the current slice.
func New(opts Options) *Cache {
	if opts.MaxCachedEvents <= 0 {
		opts.MaxCachedEvents = DefaultMaxCachedEvents
	}
	if opts.MaxSlices <= 0 {
		opts.MaxSlices = DefaultMaxSlices
	}
	return &Cache{
		slices:      []*cacheSlice{{index: 0}},
		actorEvents: make(map[actorKey]map[string]any),
		maxEvents:   opts.MaxCachedEvents,
		maxSlices:   opts.MaxSlices,
	}
}

// Discarded reports whether a cache bound was exceeded. The flag is terminal:
// no later removal clears it.
func (c *Cache) Discarded() bool {
	return c.discarded
}

// CurrentSlice returns the index of the slice new events are appended to.
func (c *Cache) CurrentSlice() int {
	return c.current
}

// Count returns the number of cached events across both cache halves.
func (c *Cache) Count() int {
	return c.total
}

func (c *Cache) sliceByIndex(index int) *cacheSlice {
	for _, s := range c.slices {
		if s.index == index {
			return s
		}
	}
	return nil
}

func (c *Cache) chargeOne() bool {
	if c.discarded {
		return false
	}
	if c.total+1 > c.maxEvents {
		c.discarded = true
		return false
	}
	c.total++
	return true
}

// AddToCurrentSlice caches an event in the current slice. It returns false,
// and marks the cache discarded, when the total-event limit is exhausted.
func (c *Cache) AddToCurrentSlice(ev Event) bool {
	if !c.chargeOne() {
		return false
	}
	s := c.sliceByIndex(c.current)
	if s == nil {
		s = &cacheSlice{index: c.current}
		c.slices = append(c.slices, s)
	}
	s.events = append(s.events, ev)
	return true
}

// AdvanceSlice increments the current slice index and returns the new index.
// Exceeding the retained-slice bound marks the cache discarded.
func (c *Cache) AdvanceSlice() (int, error) {
	if c.discarded {
		return c.current, apperrors.New(apperrors.CodeEventCacheExceeded, "event cache already discarded")
	}
	if len(c.slices)+1 > c.maxSlices {
		c.discarded = true
		return c.current, apperrors.New(apperrors.CodeEventCacheExceeded, "cache slice count limit exceeded")
	}
	c.current++
	c.slices = append(c.slices, &cacheSlice{index: c.current})
	return c.current, nil
}

// SetSlice moves the current slice forward to index. The index can never
// decrease; setting the current index is a no-op.
func (c *Cache) SetSlice(index int) error {
	if index < c.current {
		return apperrors.WithMetadata(apperrors.CodeCacheSliceInvalid,
			"cache slice index must not decrease",
			map[string]string{"index": strconv.Itoa(index)})
	}
	if index == c.current {
		return nil
	}
	if c.discarded {
		return apperrors.New(apperrors.CodeEventCacheExceeded, "event cache already discarded")
	}
	if len(c.slices)+1 > c.maxSlices {
		c.discarded = true
		return apperrors.New(apperrors.CodeEventCacheExceeded, "cache slice count limit exceeded")
	}
	c.current = index
	c.slices = append(c.slices, &cacheSlice{index: index})
	return nil
}

// RemoveSlice removes one retained slice. Removing the current slice is not
// allowed.
func (c *Cache) RemoveSlice(index int) error {
	if index == c.current {
		return apperrors.New(apperrors.CodeCacheSliceInvalid, "cannot remove the current cache slice")
	}
	for i, s := range c.slices {
		if s.index == index {
			c.total -= len(s.events)
			c.slices = append(c.slices[:i], c.slices[i+1:]...)
			return nil
		}
	}
	return apperrors.WithMetadata(apperrors.CodeCacheSliceInvalid,
		"unknown cache slice",
		map[string]string{"index": strconv.Itoa(index)})
}

// RemoveUpToSlice removes every retained slice with an index at or below
// index. The index must lie strictly below the current slice.
func (c *Cache) RemoveUpToSlice(index int) error {
	if index >= c.current {
		return apperrors.New(apperrors.CodeCacheSliceInvalid, "cannot purge the current or a future cache slice")
	}
	kept := c.slices[:0]
	for _, s := range c.slices {
		if s.index <= index {
			c.total -= len(s.events)
			continue
		}
		kept = append(kept, s)
	}
	c.slices = kept
	return nil
}

// MergeActorEvent shallow-merges data into the cached entry for the actor and
// event code, creating it when absent. Keys with nil values are removed from
// an existing entry. The return mirrors AddToCurrentSlice for new entries.
func (c *Cache) MergeActorEvent(actorNr int, code byte, data map[string]any) bool {
	key := actorKey{actorNr: actorNr, code: code}
	existing, ok := c.actorEvents[key]
	if !ok {
		if !c.chargeOne() {
			return false
		}
		fresh := make(map[string]any, len(data))
		for k, v := range data {
			if v != nil {
				fresh[k] = v
			}
		}
		c.actorEvents[key] = fresh
		c.actorOrder = append(c.actorOrder, key)
		return true
	}
	for k, v := range data {
		if v == nil {
			delete(existing, k)
			continue
		}
		existing[k] = v
	}
	return true
}

// ReplaceActorEvent overwrites the cached entry for the actor and event code.
func (c *Cache) ReplaceActorEvent(actorNr int, code byte, data map[string]any) bool {
	key := actorKey{actorNr: actorNr, code: code}
	if _, ok := c.actorEvents[key]; !ok {
		if !c.chargeOne() {
			return false
		}
		c.actorOrder = append(c.actorOrder, key)
	}
	copied := make(map[string]any, len(data))
	for k, v := range data {
		copied[k] = v
	}
	c.actorEvents[key] = copied
	return true
}

// RemoveActorEvent deletes the cached entry for the actor and event code.
func (c *Cache) RemoveActorEvent(actorNr int, code byte) {
	key := actorKey{actorNr: actorNr, code: code}
	if _, ok := c.actorEvents[key]; !ok {
		return
	}
	delete(c.actorEvents, key)
	c.actorOrder = removeKey(c.actorOrder, key)
	c.total--
}

// RemoveActorOwnedEntries drops the actor's entries from the per-actor cache
// half only, leaving its slice events in place. Used when an actor leaves a
// room that keeps departed actors' events.
func (c *Cache) RemoveActorOwnedEntries(actorNr int) {
	keptOrder := c.actorOrder[:0]
	for _, key := range c.actorOrder {
		if key.actorNr == actorNr {
			delete(c.actorEvents, key)
			c.total--
			continue
		}
		keptOrder = append(keptOrder, key)
	}
	c.actorOrder = keptOrder
}

// RemoveEventsByActor drops every cached event raised by the actor, in both
// cache halves. Used when an actor leaves for good.
func (c *Cache) RemoveEventsByActor(actorNr int) {
	c.removeEvents(func(nr int) bool { return nr == actorNr })
}

// RemoveEventsForActorsNotInList drops cached events from actors outside the
// given roster. Used on room cleanup.
func (c *Cache) RemoveEventsForActorsNotInList(actorNrs []int) {
	keep := make(map[int]bool, len(actorNrs))
	for _, nr := range actorNrs {
		keep[nr] = true
	}
	c.removeEvents(func(nr int) bool { return !keep[nr] })
}

func (c *Cache) removeEvents(drop func(actorNr int) bool) {
	for _, s := range c.slices {
		kept := s.events[:0]
		for _, ev := range s.events {
			if drop(ev.ActorNr) {
				c.total--
				continue
			}
			kept = append(kept, ev)
		}
		s.events = kept
	}
	keptOrder := c.actorOrder[:0]
	for _, key := range c.actorOrder {
		if drop(key.actorNr) {
			delete(c.actorEvents, key)
			c.total--
			continue
		}
		keptOrder = append(keptOrder, key)
	}
	c.actorOrder = keptOrder
}

// Replay walks the cache in delivery order for a joining peer: first the
// per-actor cache (one event per cached code, insertion order), then every
// slice at or above resumeSlice in ascending order. boundary is invoked
// before the events of each non-zero slice so the engine can emit the
// slice-changed marker.
func (c *Cache) Replay(resumeSlice int, boundary func(sliceIndex int), emit func(ev Event)) {
	for _, key := range c.actorOrder {
		data := c.actorEvents[key]
		copied := make(map[string]any, len(data))
		for k, v := range data {
			copied[k] = v
		}
		emit(Event{ActorNr: key.actorNr, Code: key.code, Data: copied})
	}
	for _, s := range c.slices {
		if s.index < resumeSlice {
			continue
		}
		if s.index != 0 && boundary != nil {
			boundary(s.index)
		}
		for _, ev := range s.events {
			emit(ev)
		}
	}
}

// SliceState is the exported form of one retained slice.
type SliceState struct {
	Index  int     `json:"index"`
	Events []Event `json:"events"`
}

// ActorEventState is the exported form of one per-actor cache entry.
type ActorEventState struct {
	ActorNr int            `json:"actorNr"`
	Code    byte           `json:"code"`
	Data    map[string]any `json:"data"`
}

// State is the serializable form of the cache, used when a room is evicted
// to storage and later restored.
type State struct {
	Current     int               `json:"current"`
	Discarded   bool              `json:"discarded,omitempty"`
	Slices      []SliceState      `json:"slices,omitempty"`
	ActorEvents []ActorEventState `json:"actorEvents,omitempty"`
}

// Export captures the cache contents for persistence.
func (c *Cache) Export() State {
	state := State{Current: c.current, Discarded: c.discarded}
	for _, s := range c.slices {
		state.Slices = append(state.Slices, SliceState{Index: s.index, Events: append([]Event(nil), s.events...)})
	}
	for _, key := range c.actorOrder {
		state.ActorEvents = append(state.ActorEvents, ActorEventState{
			ActorNr: key.actorNr,
			Code:    key.code,
			Data:    c.actorEvents[key],
		})
	}
	return state
}

// Import replaces the cache contents from a persisted state. Bounds keep the
// values the cache was created with.
func (c *Cache) Import(state State) {
	c.current = state.Current
	c.discarded = state.Discarded
	c.slices = nil
	c.total = 0
	for _, s := range state.Slices {
		c.slices = append(c.slices, &cacheSlice{index: s.Index, events: append([]Event(nil), s.Events...)})
		c.total += len(s.Events)
	}
	if c.sliceByIndex(c.current) == nil {
		c.slices = append(c.slices, &cacheSlice{index: c.current})
	}
	c.actorEvents = make(map[actorKey]map[string]any, len(state.ActorEvents))
	c.actorOrder = nil
	for _, entry := range state.ActorEvents {
		key := actorKey{actorNr: entry.ActorNr, code: entry.Code}
		c.actorEvents[key] = entry.Data
		c.actorOrder = append(c.actorOrder, key)
		c.total++
	}
}

func removeKey(keys []actorKey, target actorKey) []actorKey {
	for i, k := range keys {
		if k == target {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}
