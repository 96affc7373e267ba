package eventcache

import (
	"testing"

	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
)

func TestAddToCurrentSlice(t *testing.T) {
	cache := New(Options{})
	if !cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 10}) {
		t.Fatal("expected add to succeed")
	}
	if cache.Count() != 1 {
		t.Fatalf("expected 1 cached event, got %d", cache.Count())
	}
	if cache.CurrentSlice() != 0 {
		t.Fatalf("expected current slice 0, got %d", cache.CurrentSlice())
	}
}

func TestTotalLimitDiscardIsTerminal(t *testing.T) {
	cache := New(Options{MaxCachedEvents: 2})
	cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 1})
	cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 2})
	if cache.Discarded() {
		t.Fatal("expected cache not yet discarded")
	}
	if cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 3}) {
		t.Fatal("expected add past limit to fail")
	}
	if !cache.Discarded() {
		t.Fatal("expected cache discarded after exceeding limit")
	}

	// Removals never clear the discarded flag.
	cache.RemoveEventsByActor(1)
	if cache.Count() != 0 {
		t.Fatalf("expected empty cache, got %d", cache.Count())
	}
	if !cache.Discarded() {
		t.Fatal("expected discard to be terminal")
	}
	if cache.AddToCurrentSlice(Event{ActorNr: 2, Code: 1}) {
		t.Fatal("expected adds to keep failing after discard")
	}
}

func TestSliceLimitDiscards(t *testing.T) {
	cache := New(Options{MaxSlices: 2})
	if _, err := cache.AdvanceSlice(); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := cache.AdvanceSlice(); err == nil {
		t.Fatal("expected slice limit error")
	}
	if !cache.Discarded() {
		t.Fatal("expected cache discarded after slice limit")
	}
}

func TestSetSlice(t *testing.T) {
	cache := New(Options{})
	if err := cache.SetSlice(3); err != nil {
		t.Fatalf("set slice: %v", err)
	}
	if cache.CurrentSlice() != 3 {
		t.Fatalf("expected current slice 3, got %d", cache.CurrentSlice())
	}
	if err := cache.SetSlice(3); err != nil {
		t.Fatalf("expected setting current index to be a no-op: %v", err)
	}
	err := cache.SetSlice(1)
	if !apperrors.IsCode(err, apperrors.CodeCacheSliceInvalid) {
		t.Fatalf("expected slice-invalid error, got %v", err)
	}
}

func TestRemoveSlice(t *testing.T) {
	cache := New(Options{})
	cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 1})
	if _, err := cache.AdvanceSlice(); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if err := cache.RemoveSlice(cache.CurrentSlice()); err == nil {
		t.Fatal("expected removing current slice to fail")
	}
	if err := cache.RemoveSlice(7); err == nil {
		t.Fatal("expected removing unknown slice to fail")
	}
	if err := cache.RemoveSlice(0); err != nil {
		t.Fatalf("remove slice 0: %v", err)
	}
	if cache.Count() != 0 {
		t.Fatalf("expected cached events released, got %d", cache.Count())
	}
}

func TestRemoveUpToSlice(t *testing.T) {
	cache := New(Options{})
	cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 1})
	cache.AdvanceSlice()
	cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 2})
	cache.AdvanceSlice()

	if err := cache.RemoveUpToSlice(cache.CurrentSlice()); err == nil {
		t.Fatal("expected purge of current slice to fail")
	}
	if err := cache.RemoveUpToSlice(1); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if cache.Count() != 0 {
		t.Fatalf("expected all purged, got %d", cache.Count())
	}
}

func TestActorEventMergeReplaceRemove(t *testing.T) {
	cache := New(Options{})
	cache.MergeActorEvent(5, 20, map[string]any{"hp": 10, "mana": 4})
	cache.MergeActorEvent(5, 20, map[string]any{"hp": 8, "mana": nil})

	var got []Event
	cache.Replay(0, nil, func(ev Event) { got = append(got, ev) })
	if len(got) != 1 {
		t.Fatalf("expected one cached actor event, got %d", len(got))
	}
	if got[0].Data["hp"] != 8 {
		t.Fatalf("expected merged hp 8, got %v", got[0].Data["hp"])
	}
	if _, ok := got[0].Data["mana"]; ok {
		t.Fatal("expected nil-valued key removed by merge")
	}

	cache.ReplaceActorEvent(5, 20, map[string]any{"hp": 1})
	got = nil
	cache.Replay(0, nil, func(ev Event) { got = append(got, ev) })
	if len(got[0].Data) != 1 || got[0].Data["hp"] != 1 {
		t.Fatalf("expected replaced entry, got %v", got[0].Data)
	}

	cache.RemoveActorEvent(5, 20)
	if cache.Count() != 0 {
		t.Fatalf("expected empty cache, got %d", cache.Count())
	}
}

func TestReplayOrdering(t *testing.T) {
	cache := New(Options{})
	cache.ReplaceActorEvent(2, 40, map[string]any{"state": "b"})
	cache.ReplaceActorEvent(1, 30, map[string]any{"state": "a"})
	cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 1})
	cache.AdvanceSlice()
	cache.AddToCurrentSlice(Event{ActorNr: 2, Code: 2})
	cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 3})

	var order []string
	cache.Replay(0,
		func(sliceIndex int) { order = append(order, "boundary") },
		func(ev Event) { order = append(order, "ev") })

	// Actor cache first (insertion order), slice 0 without boundary, then
	// boundary before slice 1 events.
	want := []string{"ev", "ev", "ev", "boundary", "ev", "ev"}
	if len(order) != len(want) {
		t.Fatalf("expected %d entries, got %d (%v)", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestReplayResumeSlice(t *testing.T) {
	cache := New(Options{})
	cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 1})
	cache.AdvanceSlice()
	cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 2})

	var codes []byte
	cache.Replay(1, func(int) {}, func(ev Event) { codes = append(codes, ev.Code) })
	if len(codes) != 1 || codes[0] != 2 {
		t.Fatalf("expected only slice-1 events, got %v", codes)
	}
}

func TestRemoveEventsForActorsNotInList(t *testing.T) {
	cache := New(Options{})
	cache.AddToCurrentSlice(Event{ActorNr: 1, Code: 1})
	cache.AddToCurrentSlice(Event{ActorNr: 2, Code: 2})
	cache.ReplaceActorEvent(3, 9, map[string]any{"x": 1})

	cache.RemoveEventsForActorsNotInList([]int{1})
	if cache.Count() != 1 {
		t.Fatalf("expected one surviving event, got %d", cache.Count())
	}
	var got []Event
	cache.Replay(0, nil, func(ev Event) { got = append(got, ev) })
	if len(got) != 1 || got[0].ActorNr != 1 {
		t.Fatalf("expected only actor 1 events, got %v", got)
	}
}
