package capture

import (
	"sync"
	"testing"
)

func TestState_RecordIfNew(t *testing.T) {
	s := NewState()

	key := CanonicalKey("https://cdn.example.com/a.jpg?sig=1")
	if key != "https://cdn.example.com/a.jpg" {
		t.Fatalf("CanonicalKey = %q", key)
	}

	if !s.RecordIfNew(LedgerImageAll, key) {
		t.Error("first RecordIfNew returned false")
	}
	if s.RecordIfNew(LedgerImageAll, key) {
		t.Error("second RecordIfNew returned true")
	}

	// Same key under a differently-queried URL is still a duplicate.
	if s.RecordIfNew(LedgerImageAll, CanonicalKey("https://cdn.example.com/a.jpg?sig=2")) {
		t.Error("canonical key with different query was not deduplicated")
	}

	// Ledgers are independent.
	if !s.RecordIfNew(LedgerImageAccepted, key) {
		t.Error("key leaked across ledgers")
	}
}

func TestState_BeginFetch(t *testing.T) {
	s := NewState()

	if !s.BeginFetch("k") {
		t.Fatal("first BeginFetch returned false")
	}
	if s.BeginFetch("k") {
		t.Error("BeginFetch succeeded while in flight")
	}

	// Releasing the claim does not reopen an accepted key.
	s.EndFetch("k")
	if s.BeginFetch("k") {
		t.Error("BeginFetch succeeded for an already accepted key")
	}

	counts := s.Counts()
	if counts["video_accepted"] != 1 {
		t.Errorf("video_accepted = %d, want 1", counts["video_accepted"])
	}
	if counts["in_flight"] != 0 {
		t.Errorf("in_flight = %d, want 0", counts["in_flight"])
	}
}

func TestState_BeginFetch_RejectsAccepted(t *testing.T) {
	s := NewState()

	// A manifest save records acceptance without ever going in flight; a later
	// direct fetch of the same key must be refused.
	if !s.RecordIfNew(LedgerVideoAccepted, "k") {
		t.Fatal("RecordIfNew returned false")
	}
	if s.BeginFetch("k") {
		t.Error("BeginFetch succeeded for a ledger-accepted key")
	}
}

func TestState_BeginFetch_Concurrent(t *testing.T) {
	s := NewState()

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- s.BeginFetch("k")
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Errorf("%d goroutines claimed the key, want exactly 1", won)
	}
}
