package archive

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordAndRecent(t *testing.T) {
	a := openTestArchive(t)

	base := time.Now().Add(-time.Hour)
	for i, status := range []string{"completed", "failed", "completed"} {
		err := a.Record(Entry{
			TaskID:      []string{"t1", "t2", "t3"}[i],
			Direction:   DirectionSent,
			PeerID:      "peer-a",
			Instruction: "run step",
			Status:      status,
			Result:      "out",
			DurationMs:  1200,
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	entries, err := a.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].TaskID != "t3" {
		t.Errorf("most recent = %s, want t3", entries[0].TaskID)
	}
	if entries[0].DurationMs != 1200 || entries[0].PeerID != "peer-a" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestRecordIdempotentPerTask(t *testing.T) {
	a := openTestArchive(t)

	e := Entry{TaskID: "t1", Direction: DirectionReceived, Status: "failed", Error: "boom"}
	if err := a.Record(e); err != nil {
		t.Fatalf("first record: %v", err)
	}
	e.Status = "cancelled"
	if err := a.Record(e); err != nil {
		t.Fatalf("second record: %v", err)
	}

	stats, err := a.Summary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus["cancelled"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSearch(t *testing.T) {
	a := openTestArchive(t)

	_ = a.Record(Entry{TaskID: "t1", Status: "completed", Instruction: "deploy frontend"})
	_ = a.Record(Entry{TaskID: "t2", Status: "completed", Instruction: "restart db", Result: "db restarted"})
	_ = a.Record(Entry{TaskID: "t3", Status: "failed", Instruction: "other"})

	hits, err := a.Search("db", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].TaskID != "t2" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestByPeer(t *testing.T) {
	a := openTestArchive(t)
	_ = a.Record(Entry{TaskID: "t1", PeerID: "a", Status: "completed"})
	_ = a.Record(Entry{TaskID: "t2", PeerID: "b", Status: "completed"})

	hits, err := a.ByPeer("b", 10)
	if err != nil {
		t.Fatalf("byPeer: %v", err)
	}
	if len(hits) != 1 || hits[0].TaskID != "t2" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestRecordValidation(t *testing.T) {
	a := openTestArchive(t)
	if err := a.Record(Entry{}); err == nil {
		t.Error("empty entry accepted")
	}
}
