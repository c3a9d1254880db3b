package txn

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/blitedb/blite/wal"
)

func newTestManager(t *testing.T) (*Manager, *wal.WAL) {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(filepath.Join(dir, "test.wal"))
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return NewManager(w), w
}

func TestBeginAssignsIncreasingIDs(t *testing.T) {
	m, _ := newTestManager(t)
	t1, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	t2, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if t2.ID() <= t1.ID() {
		t.Fatalf("expected increasing ids, got %d then %d", t1.ID(), t2.ID())
	}
	if t1.State() != StateActive {
		t.Fatalf("new txn state = %s, want Active", t1.State())
	}
}

func TestFullCommitLifecycle(t *testing.T) {
	m, w := newTestManager(t)
	txn, err := m.Begin(ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.AddWrite(Write{PageID: 3, AfterImage: []byte("hello"), Op: OpInsert}); err != nil {
		t.Fatalf("AddWrite: %v", err)
	}
	if err := txn.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if txn.State() != StatePreparing {
		t.Fatalf("state after Prepare = %s, want Preparing", txn.State())
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if txn.State() != StateCommitted {
		t.Fatalf("state after Commit = %s, want Committed", txn.State())
	}

	records, err := w.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("WAL has %d records, want 3 (Begin, Write, Commit)", len(records))
	}
	if records[0].Type != wal.RecordBegin || records[1].Type != wal.RecordWrite || records[2].Type != wal.RecordCommit {
		t.Fatalf("unexpected record sequence: %+v", records)
	}
}

func TestAddWriteCoalescesPerPage(t *testing.T) {
	m, _ := newTestManager(t)
	txn, _ := m.Begin(ReadCommitted)
	txn.AddWrite(Write{PageID: 7, AfterImage: []byte("first")})
	txn.AddWrite(Write{PageID: 7, AfterImage: []byte("second")})

	buf, ok := txn.GetBufferedPage(7)
	if !ok {
		t.Fatal("expected buffered page 7")
	}
	if string(buf) != "second" {
		t.Fatalf("GetBufferedPage = %q, want last-writer-wins %q", buf, "second")
	}
}

func TestAddWriteDefensiveCopy(t *testing.T) {
	m, _ := newTestManager(t)
	txn, _ := m.Begin(ReadCommitted)
	buf := []byte("mutable")
	txn.AddWrite(Write{PageID: 1, AfterImage: buf})
	buf[0] = 'X'

	got, _ := txn.GetBufferedPage(1)
	if got[0] == 'X' {
		t.Fatal("AddWrite must defensively copy AfterImage")
	}
}

func TestAddWriteRejectedAfterPrepare(t *testing.T) {
	m, _ := newTestManager(t)
	txn, _ := m.Begin(ReadCommitted)
	txn.AddWrite(Write{PageID: 1, AfterImage: []byte("x")})
	if err := txn.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	err := txn.AddWrite(Write{PageID: 2, AfterImage: []byte("y")})
	if !errors.Is(err, ErrTransactionConflict) {
		t.Fatalf("AddWrite after Prepare err = %v, want ErrTransactionConflict", err)
	}
}

func TestRollbackDiscardsWriteSet(t *testing.T) {
	m, w := newTestManager(t)
	txn, _ := m.Begin(ReadCommitted)
	txn.AddWrite(Write{PageID: 1, AfterImage: []byte("x")})

	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if txn.State() != StateAborted {
		t.Fatalf("state after Rollback = %s, want Aborted", txn.State())
	}
	if _, ok := txn.GetBufferedPage(1); ok {
		t.Fatal("expected write-set discarded after Rollback")
	}

	records, _ := w.ReadAll()
	if len(records) != 2 || records[1].Type != wal.RecordAbort {
		t.Fatalf("expected Begin+Abort records, got %+v", records)
	}
}

func TestRollbackIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	txn, _ := m.Begin(ReadCommitted)
	if err := txn.Rollback(); err != nil {
		t.Fatalf("first Rollback: %v", err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatalf("second Rollback: %v", err)
	}
}

func TestCommitRequiresPreparing(t *testing.T) {
	m, _ := newTestManager(t)
	txn, _ := m.Begin(ReadCommitted)
	if err := txn.Commit(); !errors.Is(err, ErrTransactionConflict) {
		t.Fatalf("Commit without Prepare err = %v, want ErrTransactionConflict", err)
	}
}

func TestManagerBufferedPageVisibleAfterCommit(t *testing.T) {
	m, _ := newTestManager(t)
	txn, _ := m.Begin(ReadCommitted)
	txn.AddWrite(Write{PageID: 4, AfterImage: []byte("checkpoint-pending")})
	txn.Prepare()
	txn.Commit()

	buf, ok := m.BufferedPage(4)
	if !ok || string(buf) != "checkpoint-pending" {
		t.Fatalf("Manager.BufferedPage(4) = %q, %v", buf, ok)
	}

	m.Forget(txn.ID())
	if _, ok := m.BufferedPage(4); ok {
		t.Fatal("expected BufferedPage to be gone after Forget")
	}
}
