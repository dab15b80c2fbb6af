package session

import (
	"sync"
	"testing"
)

func TestStore_PutIfAbsent(t *testing.T) {
	s := NewStore()
	first := newRecord("15551234567", "/tmp/session_15551234567", nil, s.nextGen())

	if !s.PutIfAbsent(first) {
		t.Fatal("expected first insert to succeed")
	}
	if !s.Has("15551234567") {
		t.Error("expected Has to report the record")
	}
	if s.Len() != 1 {
		t.Errorf("expected Len 1, got %d", s.Len())
	}

	second := newRecord("15551234567", "/tmp/session_15551234567", nil, s.nextGen())
	if s.PutIfAbsent(second) {
		t.Fatal("expected second insert for the same identifier to be refused")
	}

	got, ok := s.Get("15551234567")
	if !ok {
		t.Fatal("expected Get to find the record")
	}
	if got != first {
		t.Error("expected the first record to survive the conflicting insert")
	}
}

func TestStore_Remove(t *testing.T) {
	s := NewStore()
	rec := newRecord("15551234567", "", nil, s.nextGen())
	s.PutIfAbsent(rec)

	if got := s.Remove("15551234567"); got != rec {
		t.Fatalf("expected Remove to return the record, got %v", got)
	}
	if s.Has("15551234567") {
		t.Error("expected the record to be gone")
	}
	if got := s.Remove("15551234567"); got != nil {
		t.Errorf("expected nil for a second Remove, got %v", got)
	}
}

func TestStore_RemoveMatching(t *testing.T) {
	s := NewStore()
	rec := newRecord("15551234567", "", nil, s.nextGen())
	s.PutIfAbsent(rec)

	if got := s.RemoveMatching("15551234567", rec.Generation+1); got != nil {
		t.Fatalf("expected a generation mismatch to remove nothing, got %v", got)
	}
	if !s.Has("15551234567") {
		t.Fatal("expected the record to survive a mismatched removal")
	}

	if got := s.RemoveMatching("15551234567", rec.Generation); got != rec {
		t.Fatalf("expected a matching removal to return the record, got %v", got)
	}
	if s.Has("15551234567") {
		t.Error("expected the record to be gone")
	}

	if got := s.RemoveMatching("15551234567", rec.Generation); got != nil {
		t.Errorf("expected nil when no record exists, got %v", got)
	}
}

func TestStore_ConcurrentPutIfAbsent(t *testing.T) {
	s := NewStore()

	const attempts = 64
	var wg sync.WaitGroup
	wins := make(chan *Record, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := newRecord("15551234567", "", nil, s.nextGen())
			if s.PutIfAbsent(rec) {
				wins <- rec
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []*Record
	for rec := range wins {
		winners = append(winners, rec)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winning insert, got %d", len(winners))
	}
	got, ok := s.Get("15551234567")
	if !ok || got != winners[0] {
		t.Error("expected the store to hold the winning record")
	}
	if s.Len() != 1 {
		t.Errorf("expected Len 1, got %d", s.Len())
	}
}

func TestStore_GenerationsAreUnique(t *testing.T) {
	s := NewStore()
	a := newRecord("15551234567", "", nil, s.nextGen())
	b := newRecord("15551234567", "", nil, s.nextGen())
	if a.Generation == b.Generation {
		t.Errorf("expected distinct generations, both are %d", a.Generation)
	}
	if b.Generation <= a.Generation {
		t.Errorf("expected generations to increase, got %d then %d", a.Generation, b.Generation)
	}
}

func TestStore_SnapshotSorted(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"4915791234567", "15551234567", "447700900123"} {
		s.PutIfAbsent(newRecord(id, "", nil, s.nextGen()))
	}

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 records, got %d", len(snap))
	}
	want := []string{"15551234567", "447700900123", "4915791234567"}
	for i, rec := range snap {
		if rec.Identifier != want[i] {
			t.Errorf("snapshot[%d] = %q, want %q", i, rec.Identifier, want[i])
		}
	}
}

func TestRecord_MarkConnected(t *testing.T) {
	rec := newRecord("15551234567", "", nil, 1)
	if rec.Connected() {
		t.Fatal("expected a fresh record to be disconnected")
	}
	if !rec.markConnected() {
		t.Fatal("expected the first markConnected to latch")
	}
	if rec.markConnected() {
		t.Fatal("expected the second markConnected to report already connected")
	}
	if !rec.Connected() {
		t.Error("expected the record to stay connected")
	}
}
