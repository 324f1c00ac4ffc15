package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestTrail(t *testing.T) *Trail {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	tr, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRecordAndForWorker(t *testing.T) {
	tr := openTestTrail(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := tr.Record(Event{Timestamp: now, WorkerID: "w1", Kind: Joined}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := tr.Record(Event{Timestamp: now.Add(time.Second), WorkerID: "w1", Kind: Left}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := tr.Record(Event{Timestamp: now, WorkerID: "w2", Kind: Joined}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := tr.ForWorker("w1")
	if err != nil {
		t.Fatalf("ForWorker: %v", err)
	}
	if len(events) != 2 || events[0].Kind != Joined || events[1].Kind != Left {
		t.Fatalf("got %+v", events)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	tr := openTestTrail(t)
	now := time.Now().UTC()

	tr.Record(Event{Timestamp: now, WorkerID: "w1", Kind: Joined})
	tr.Record(Event{Timestamp: now.Add(time.Second), WorkerID: "w1", Kind: ChildStarted})
	tr.Record(Event{Timestamp: now.Add(2 * time.Second), WorkerID: "w1", Kind: ChildExited, Detail: "exit_code=0"})

	recent, err := tr.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Kind != ChildExited || recent[1].Kind != ChildStarted {
		t.Fatalf("got %+v", recent)
	}
}

func TestMigrationsApplyOnlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	tr1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	tr1.Record(Event{Timestamp: time.Now(), WorkerID: "w1", Kind: Joined})
	tr1.Close()

	tr2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer tr2.Close()

	events, err := tr2.ForWorker("w1")
	if err != nil {
		t.Fatalf("ForWorker: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected prior data to survive reopen, got %+v", events)
	}
}
