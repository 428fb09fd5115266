/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBus() *Bus {
	return NewBus(zerolog.Nop(), Options{})
}

func TestEmitDeliversToSubscriber(t *testing.T) {
	bus := newTestBus()
	defer bus.RemoveAll()

	got := make(chan Payload, 1)
	bus.Subscribe(SongCreated, func(kind Kind, payload Payload) {
		got <- payload
	})

	bus.Emit(SongCreated, Payload{"song_id": "s1"})

	select {
	case payload := <-got:
		if payload["song_id"] != "s1" {
			t.Fatalf("payload = %v, want song_id s1", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestEmissionOrderPerKind(t *testing.T) {
	bus := newTestBus()
	defer bus.RemoveAll()

	const n = 200
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})

	bus.Subscribe(SongStatusChanged, func(kind Kind, payload Payload) {
		mu.Lock()
		seen = append(seen, payload["id"].(string))
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
	})

	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('a'+i%26)) + string(rune('0'+i%10))
		bus.Emit(SongStatusChanged, Payload{"id": ids[i]})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("received %d of %d events", len(seen), n)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range ids {
		if seen[i] != ids[i] {
			t.Fatalf("event %d out of order: got %q want %q", i, seen[i], ids[i])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()
	defer bus.RemoveAll()

	calls := make(chan struct{}, 4)
	unsubscribe := bus.Subscribe(PlaylistSteered, func(kind Kind, payload Payload) {
		calls <- struct{}{}
	})

	unsubscribe()
	unsubscribe() // second call is a no-op

	bus.Emit(PlaylistSteered, Payload{"playlist_id": "pl-1"})

	select {
	case <-calls:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := newTestBus()
	defer bus.RemoveAll()

	bus.Subscribe(SongDeleted, func(kind Kind, payload Payload) {
		panic("boom")
	})

	got := make(chan struct{}, 2)
	bus.Subscribe(SongDeleted, func(kind Kind, payload Payload) {
		got <- struct{}{}
	})

	bus.Emit(SongDeleted, Payload{"song_id": "s1"})
	bus.Emit(SongDeleted, Payload{"song_id": "s2"})

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("second handler missed emit %d", i+1)
		}
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	bus := newTestBus()
	defer bus.RemoveAll()

	release := make(chan struct{})
	bus.Subscribe(SettingsChanged, func(kind Kind, payload Payload) {
		<-release
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Emit(SettingsChanged, Payload{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a stalled handler")
	}
	close(release)
}

func TestSubscribeAllSeesEveryKindInOrder(t *testing.T) {
	bus := newTestBus()
	defer bus.RemoveAll()

	var mu sync.Mutex
	var seen []Kind
	done := make(chan struct{})

	emitted := []Kind{SongCreated, PlaylistSteered, SettingsChanged, SongDeleted}
	bus.SubscribeAll(func(kind Kind, payload Payload) {
		mu.Lock()
		seen = append(seen, kind)
		if len(seen) == len(emitted) {
			close(done)
		}
		mu.Unlock()
	})

	for _, kind := range emitted {
		bus.Emit(kind, Payload{})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("received %d of %d events", len(seen), len(emitted))
	}

	mu.Lock()
	defer mu.Unlock()
	for i, kind := range emitted {
		if seen[i] != kind {
			t.Fatalf("event %d = %s, want %s", i, seen[i], kind)
		}
	}
}

func TestConcurrentEmittersYieldOneGlobalOrder(t *testing.T) {
	bus := newTestBus()
	defer bus.RemoveAll()

	// Two global subscribers must observe concurrent emits in the same
	// order: mailbox pushes happen under the emit lock.
	record := func(out *[]string, mu *sync.Mutex, done chan struct{}, total int) Handler {
		return func(kind Kind, payload Payload) {
			mu.Lock()
			*out = append(*out, payload["id"].(string))
			if len(*out) == total {
				close(done)
			}
			mu.Unlock()
		}
	}

	const emitters, perEmitter = 4, 50
	total := emitters * perEmitter

	var muA, muB sync.Mutex
	var seenA, seenB []string
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	bus.SubscribeAll(record(&seenA, &muA, doneA, total))
	bus.SubscribeAll(record(&seenB, &muB, doneB, total))

	var wg sync.WaitGroup
	for e := 0; e < emitters; e++ {
		wg.Add(1)
		go func(e int) {
			defer wg.Done()
			for i := 0; i < perEmitter; i++ {
				bus.Emit(SongCreated, Payload{"id": string(rune('a'+e)) + "-" + string(rune('0'+i%10))})
			}
		}(e)
	}
	wg.Wait()

	for _, done := range []chan struct{}{doneA, doneB} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber never drained all emits")
		}
	}

	muA.Lock()
	defer muA.Unlock()
	muB.Lock()
	defer muB.Unlock()
	for i := range seenA {
		if seenA[i] != seenB[i] {
			t.Fatalf("order diverged at %d: %q vs %q", i, seenA[i], seenB[i])
		}
	}
}

func TestSequenceAdvances(t *testing.T) {
	bus := newTestBus()
	defer bus.RemoveAll()

	before := bus.Sequence()
	bus.Emit(PlaylistHeartbeat, Payload{})
	bus.Emit(PlaylistHeartbeat, Payload{})
	if got := bus.Sequence(); got != before+2 {
		t.Fatalf("sequence = %d, want %d", got, before+2)
	}
}
