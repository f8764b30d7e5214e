package history

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create history store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndReadPosition(t *testing.T) {
	s := newTestStore(t)

	if err := s.SavePosition("v1", 12.5); err != nil {
		t.Fatalf("SavePosition failed: %v", err)
	}

	pos, ok := s.Position("v1")
	if !ok {
		t.Fatal("Expected a remembered position")
	}
	if pos != 12.5 {
		t.Errorf("Expected position 12.5, got %v", pos)
	}
}

func TestPositionUpsertOverwrites(t *testing.T) {
	s := newTestStore(t)

	if err := s.SavePosition("v1", 3.0); err != nil {
		t.Fatalf("SavePosition failed: %v", err)
	}
	if err := s.SavePosition("v1", 7.25); err != nil {
		t.Fatalf("Second SavePosition failed: %v", err)
	}

	pos, ok := s.Position("v1")
	if !ok || pos != 7.25 {
		t.Errorf("Expected the newer position 7.25, got %v (ok=%v)", pos, ok)
	}
}

func TestUnknownEntryHasNoPosition(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.Position("never-seen"); ok {
		t.Error("Expected no position for an unknown entry")
	}
}

func TestImpressionLog(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordImpression("v1", 8.0, true); err != nil {
		t.Fatalf("RecordImpression failed: %v", err)
	}
	if err := s.RecordImpression("v1", 2.0, false); err != nil {
		t.Fatalf("Second RecordImpression failed: %v", err)
	}
	if err := s.RecordImpression("v2", 1.0, false); err != nil {
		t.Fatalf("RecordImpression for v2 failed: %v", err)
	}

	count, err := s.ImpressionCount("v1")
	if err != nil {
		t.Fatalf("ImpressionCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 impressions for v1, got %d", count)
	}

	count, err = s.ImpressionCount("v2")
	if err != nil {
		t.Fatalf("ImpressionCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 impression for v2, got %d", count)
	}
}
