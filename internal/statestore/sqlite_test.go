package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to init sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Record(ctx, "LawFirm", "p1")
	if err != nil {
		t.Fatalf("record lookup failed: %v", err)
	}
	if ok {
		t.Fatalf("expected no record before put")
	}

	seen := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	if err := store.PutRecord(ctx, "LawFirm", "p1", Record{Fingerprint: "fp-1", LastSeen: seen}); err != nil {
		t.Fatalf("put record failed: %v", err)
	}

	rec, ok, err := store.Record(ctx, "LawFirm", "p1")
	if err != nil {
		t.Fatalf("record lookup failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected record after put")
	}
	if rec.Fingerprint != "fp-1" {
		t.Fatalf("fingerprint = %q, want fp-1", rec.Fingerprint)
	}
	if !rec.LastSeen.Equal(seen) {
		t.Fatalf("last seen = %v, want %v", rec.LastSeen, seen)
	}
}

func TestPutRecordOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutRecord(ctx, "LawFirm", "p1", Record{Fingerprint: "old", LastSeen: time.Now().UTC()}); err != nil {
		t.Fatalf("put record failed: %v", err)
	}
	if err := store.PutRecord(ctx, "LawFirm", "p1", Record{Fingerprint: "new", LastSeen: time.Now().UTC()}); err != nil {
		t.Fatalf("put record failed: %v", err)
	}

	rec, ok, err := store.Record(ctx, "LawFirm", "p1")
	if err != nil || !ok {
		t.Fatalf("record lookup failed: ok=%v err=%v", ok, err)
	}
	if rec.Fingerprint != "new" {
		t.Fatalf("fingerprint = %q, want new", rec.Fingerprint)
	}
}

func TestRecordsAreScopedBySource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutRecord(ctx, "LawFirm", "p1", Record{Fingerprint: "a", LastSeen: time.Now().UTC()}); err != nil {
		t.Fatalf("put record failed: %v", err)
	}

	_, ok, err := store.Record(ctx, "LawFirm_search", "p1")
	if err != nil {
		t.Fatalf("record lookup failed: %v", err)
	}
	if ok {
		t.Fatalf("record leaked across source scopes")
	}
}

func TestPutRecordsBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := map[string]Record{
		"a": {Fingerprint: "fa", LastSeen: now},
		"b": {Fingerprint: "fb", LastSeen: now},
		"c": {Fingerprint: "fc", LastSeen: now},
	}
	if err := store.PutRecords(ctx, "legaltech", recs); err != nil {
		t.Fatalf("batch put failed: %v", err)
	}

	for id, want := range recs {
		rec, ok, err := store.Record(ctx, "legaltech", id)
		if err != nil || !ok {
			t.Fatalf("record %q lookup failed: ok=%v err=%v", id, ok, err)
		}
		if rec.Fingerprint != want.Fingerprint {
			t.Fatalf("record %q fingerprint = %q, want %q", id, rec.Fingerprint, want.Fingerprint)
		}
	}
}

func TestRateStateRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.RateState(ctx)
	if err != nil {
		t.Fatalf("rate state lookup failed: %v", err)
	}
	if ok {
		t.Fatalf("expected no rate state on first run")
	}

	st := RateState{
		WindowStart:    time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		WindowRequests: 12,
		DailyRequests:  340,
		DailyResetAt:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		ThrottleStreak: 2,
	}
	if err := store.SaveRateState(ctx, st); err != nil {
		t.Fatalf("save rate state failed: %v", err)
	}
	// Overwrite the singleton row.
	st.DailyRequests = 341
	if err := store.SaveRateState(ctx, st); err != nil {
		t.Fatalf("save rate state failed: %v", err)
	}

	got, ok, err := store.RateState(ctx)
	if err != nil || !ok {
		t.Fatalf("rate state lookup failed: ok=%v err=%v", ok, err)
	}
	if got.DailyRequests != 341 || got.WindowRequests != 12 || got.ThrottleStreak != 2 {
		t.Fatalf("rate state roundtrip mismatch: %+v", got)
	}
	if !got.WindowStart.Equal(st.WindowStart) || !got.DailyResetAt.Equal(st.DailyResetAt) {
		t.Fatalf("rate state timestamps mismatch: %+v", got)
	}
}

func TestLastCrawlRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LastCrawl(ctx, "LawFirm")
	if err != nil {
		t.Fatalf("last crawl lookup failed: %v", err)
	}
	if ok {
		t.Fatalf("expected no last crawl before set")
	}

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if err := store.SetLastCrawl(ctx, "LawFirm", at); err != nil {
		t.Fatalf("set last crawl failed: %v", err)
	}
	got, ok, err := store.LastCrawl(ctx, "LawFirm")
	if err != nil || !ok {
		t.Fatalf("last crawl lookup failed: ok=%v err=%v", ok, err)
	}
	if !got.Equal(at) {
		t.Fatalf("last crawl = %v, want %v", got, at)
	}
}
