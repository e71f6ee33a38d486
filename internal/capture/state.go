package capture

import "sync"

// Ledger identifies one of the per-category "seen" sets.
type Ledger int

const (
	// LedgerImageAll records every image candidate observed, before any save
	// decision.
	LedgerImageAll Ledger = iota
	// LedgerImageAccepted records images that passed validation and were
	// persisted (or at least attempted past the duplicate check).
	LedgerImageAccepted
	// LedgerVideoAll records every video candidate observed.
	LedgerVideoAll
	// LedgerVideoAccepted records manifests and direct videos accepted for
	// save/download.
	LedgerVideoAccepted

	ledgerCount
)

func (l Ledger) String() string {
	switch l {
	case LedgerImageAll:
		return "image_all"
	case LedgerImageAccepted:
		return "image_accepted"
	case LedgerVideoAll:
		return "video_all"
	case LedgerVideoAccepted:
		return "video_accepted"
	default:
		return "unknown"
	}
}

// State owns the classification ledgers and the in-flight download registry.
// It is created once at process start, shared by every exchange and background
// task, and never persisted. Membership is monotonic: keys are added at most
// once per process lifetime and never removed (the in-flight registry is the
// one exception, released when a download terminates).
type State struct {
	mu       sync.Mutex
	seen     [ledgerCount]map[string]struct{}
	inFlight map[string]struct{}
}

func NewState() *State {
	s := &State{inFlight: make(map[string]struct{})}
	for i := range s.seen {
		s.seen[i] = make(map[string]struct{})
	}

	return s
}

// RecordIfNew inserts the canonical key into the ledger and reports whether it
// was absent. Check and insert are a single atomic step.
func (s *State) RecordIfNew(l Ledger, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[l][key]; ok {
		return false
	}
	s.seen[l][key] = struct{}{}

	return true
}

// BeginFetch atomically claims a canonical key for download. It fails if the
// key is already in flight or already accepted; on success the key is both
// marked accepted and registered in flight before any network activity starts.
// This is the at-most-one-concurrent-fetch guarantee.
func (s *State) BeginFetch(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[key]; ok {
		return false
	}
	if _, ok := s.seen[LedgerVideoAccepted][key]; ok {
		return false
	}

	s.inFlight[key] = struct{}{}
	s.seen[LedgerVideoAccepted][key] = struct{}{}

	return true
}

// EndFetch releases the in-flight registration. It must run on every download
// exit path, success or not; a leaked registration makes the resource
// permanently unfetchable for the rest of the process lifetime.
func (s *State) EndFetch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, key)
}

// Counts returns the current ledger sizes and in-flight count, keyed by ledger
// name. Used by the status API.
func (s *State) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int, ledgerCount+1)
	for i := Ledger(0); i < ledgerCount; i++ {
		counts[i.String()] = len(s.seen[i])
	}
	counts["in_flight"] = len(s.inFlight)

	return counts
}
