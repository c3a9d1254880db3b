package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/blitedb/blite/storage"
	"github.com/blitedb/blite/txn"
	"github.com/blitedb/blite/wal"
)

func newTestTxnMgr(t *testing.T) (*storage.PageFile, *txn.Manager) {
	t.Helper()
	pf, err := storage.OpenMemory(storage.CreateOptions{PageSize: storage.PageSize8K})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { pf.Close() })

	w, err := wal.Open(filepath.Join(t.TempDir(), "test.wal"))
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	return pf, txn.NewManager(w)
}

func commit(t *testing.T, tx *txn.Txn) {
	t.Helper()
	if err := tx.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestInsertSeekRoundTrip(t *testing.T) {
	pf, txnMgr := newTestTxnMgr(t)
	tree, err := Create(pf, true, txnMgr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tx, err := txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	loc := storage.DocumentLocation{PageID: 5, SlotIndex: 2}
	if err := tree.Insert([]byte("alice"), loc, tx); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	commit(t, tx)

	got, ok, err := tree.Seek([]byte("alice"), nil)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !ok || got != loc {
		t.Fatalf("Seek = %v, %v; want %v, true", got, ok, loc)
	}

	if _, ok, err := tree.Seek([]byte("bob"), nil); err != nil || ok {
		t.Fatalf("Seek missing key: ok=%v err=%v", ok, err)
	}
}

func TestUniqueInsertRejectsDuplicate(t *testing.T) {
	pf, txnMgr := newTestTxnMgr(t)
	tree, err := Create(pf, true, txnMgr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tx, err := txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	loc := storage.DocumentLocation{PageID: 5, SlotIndex: 0}
	if err := tree.Insert([]byte("k"), loc, tx); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert([]byte("k"), storage.DocumentLocation{PageID: 6, SlotIndex: 0}, tx); err != ErrDuplicateKey {
		t.Fatalf("Insert duplicate: got %v, want ErrDuplicateKey", err)
	}
	tx.Rollback()
}

func TestNonUniqueFindAllReturnsEveryLocation(t *testing.T) {
	pf, txnMgr := newTestTxnMgr(t)
	tree, err := Create(pf, false, txnMgr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tx, err := txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	locs := []storage.DocumentLocation{
		{PageID: 1, SlotIndex: 0},
		{PageID: 2, SlotIndex: 0},
		{PageID: 3, SlotIndex: 0},
	}
	for _, loc := range locs {
		if err := tree.Insert([]byte("shared"), loc, tx); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	commit(t, tx)

	found, err := tree.FindAll([]byte("shared"), nil)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(found) != len(locs) {
		t.Fatalf("FindAll returned %d locations, want %d", len(found), len(locs))
	}
}

func TestSplitAcrossManyKeysKeepsAllSeekable(t *testing.T) {
	pf, txnMgr := newTestTxnMgr(t)
	tree, err := Create(pf, true, txnMgr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 2000
	tx, err := txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		loc := storage.DocumentLocation{PageID: uint32(i + 1), SlotIndex: 0}
		if err := tree.Insert(key, loc, tx); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	commit(t, tx)

	for i := 0; i < n; i += 37 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		loc, ok, err := tree.Seek(key, nil)
		if err != nil || !ok {
			t.Fatalf("Seek %s: ok=%v err=%v", key, ok, err)
		}
		if loc.PageID != uint32(i+1) {
			t.Fatalf("Seek %s = %v, want PageID %d", key, loc, i+1)
		}
	}
}

func TestRangeReturnsInclusiveBounds(t *testing.T) {
	pf, txnMgr := newTestTxnMgr(t)
	tree, err := Create(pf, true, txnMgr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tx, err := txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("k-%04d", i))
		if err := tree.Insert(key, storage.DocumentLocation{PageID: uint32(i + 1)}, tx); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	commit(t, tx)

	min := []byte("k-0100")
	max := []byte("k-0200")
	entries, err := tree.Range(min, max, nil)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(entries) != 101 {
		t.Fatalf("Range returned %d entries, want 101", len(entries))
	}
}

func TestRemoveThenSeekMiss(t *testing.T) {
	pf, txnMgr := newTestTxnMgr(t)
	tree, err := Create(pf, true, txnMgr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tx, err := txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	loc := storage.DocumentLocation{PageID: 9, SlotIndex: 1}
	if err := tree.Insert([]byte("gone"), loc, tx); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	commit(t, tx)

	tx2, err := txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tree.Remove([]byte("gone"), loc, tx2); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	commit(t, tx2)

	if _, ok, err := tree.Seek([]byte("gone"), nil); err != nil || ok {
		t.Fatalf("Seek after Remove: ok=%v err=%v", ok, err)
	}
}

func TestCompactMergesSparseLeaves(t *testing.T) {
	pf, txnMgr := newTestTxnMgr(t)
	tree, err := Create(pf, true, txnMgr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 1500
	tx, err := txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("c-%05d", i))
		if err := tree.Insert(key, storage.DocumentLocation{PageID: uint32(i + 1)}, tx); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	commit(t, tx)

	tx2, err := txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			continue
		}
		key := []byte(fmt.Sprintf("c-%05d", i))
		if err := tree.Remove(key, storage.DocumentLocation{PageID: uint32(i + 1)}, tx2); err != nil {
			t.Fatalf("Remove: %v", err)
		}
	}
	commit(t, tx2)

	tx3, err := txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tree.Compact(tx3); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	commit(t, tx3)

	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("c-%05d", i))
		if _, ok, err := tree.Seek(key, nil); err != nil || !ok {
			t.Fatalf("Seek %s after Compact: ok=%v err=%v", key, ok, err)
		}
	}
}
