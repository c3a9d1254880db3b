// Package txn implements BLite's transaction manager: per-transaction
// write-set buffering, the Active/Preparing/Committed/Aborted state
// machine, and the WAL append ordering that durability depends on.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/blitedb/blite/wal"
)

// State is a transaction's position in its state machine.
type State int

const (
	StateActive State = iota
	StatePreparing
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StatePreparing:
		return "Preparing"
	case StateCommitted:
		return "Committed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Isolation levels accepted by Begin. The only guarantee actually provided
// is ReadCommitted with read-your-own-writes; stronger levels degrade
// gracefully rather than failing.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

// Op identifies the kind of mutation a buffered write represents, carried
// alongside the page-level after-image for change-dispatcher bookkeeping.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

var (
	ErrTransactionConflict = errors.New("txn: transaction not in required state")
	ErrIOError             = errors.New("txn: I/O failure")
)

// Write is one buffered page mutation. DocID is optional context for change
// events and is not interpreted by the transaction manager itself.
type Write struct {
	PageID     uint32
	AfterImage []byte
	Op         Op
	DocID      []byte
}

// Txn is a single transaction's handle. Not safe for concurrent use by
// multiple goroutines (the scheduling model gives each thread at most one
// active transaction), except that its state may be inspected from
// elsewhere.
type Txn struct {
	mu     sync.Mutex
	id     uint64
	mgr    *Manager
	isol   Isolation
	state  State
	writes map[uint32]Write
	order  []uint32
}

// ID returns the transaction's monotonically assigned id.
func (t *Txn) ID() uint64 { return t.id }

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AddWrite buffers a page mutation. The manager makes a defensive copy of
// AfterImage so the caller may reuse its buffer immediately after this
// call returns. Writes to the same PageId coalesce, last-writer-wins.
func (t *Txn) AddWrite(w Write) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return fmt.Errorf("%w: AddWrite requires Active, got %s", ErrTransactionConflict, t.state)
	}
	cp := make([]byte, len(w.AfterImage))
	copy(cp, w.AfterImage)
	w.AfterImage = cp
	if _, exists := t.writes[w.PageID]; !exists {
		t.order = append(t.order, w.PageID)
	}
	t.writes[w.PageID] = w
	return nil
}

// GetBufferedPage looks up a page's buffered after-image in this
// transaction's write-set (read-your-own-writes).
func (t *Txn) GetBufferedPage(pageID uint32) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writes[pageID]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(w.AfterImage))
	copy(cp, w.AfterImage)
	return cp, true
}

// Prepare transitions Active -> Preparing, emitting every buffered Write
// record followed by a WAL flush. Any I/O failure aborts the transaction.
func (t *Txn) Prepare() error {
	t.mu.Lock()
	if t.state != StateActive {
		err := fmt.Errorf("%w: Prepare requires Active, got %s", ErrTransactionConflict, t.state)
		t.mu.Unlock()
		return err
	}
	t.state = StatePreparing
	order := append([]uint32(nil), t.order...)
	writes := t.writes
	t.mu.Unlock()

	for _, pid := range order {
		w := writes[pid]
		if err := t.mgr.wal.AppendWrite(t.id, w.PageID, w.AfterImage); err != nil {
			t.abortAfterIOFailure()
			return fmt.Errorf("%w: append write: %v", ErrIOError, err)
		}
	}
	if err := t.mgr.wal.Sync(); err != nil {
		t.abortAfterIOFailure()
		return fmt.Errorf("%w: flush after prepare: %v", ErrIOError, err)
	}
	return nil
}

// Commit must run after a successful Prepare. It emits the Commit record
// under the manager's commitLock (so commit ordering across transactions
// is total), flushes, and transitions to Committed. The write-set is
// retained afterward so readers in this process see the updates before the
// next checkpoint applies them to the PageFile.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.state != StatePreparing {
		err := fmt.Errorf("%w: Commit requires Preparing, got %s", ErrTransactionConflict, t.state)
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	t.mgr.commitMu.Lock()
	defer t.mgr.commitMu.Unlock()

	if err := t.mgr.wal.AppendCommit(t.id); err != nil {
		t.abortAfterIOFailure()
		return fmt.Errorf("%w: append commit: %v", ErrIOError, err)
	}
	if err := t.mgr.wal.Sync(); err != nil {
		t.abortAfterIOFailure()
		return fmt.Errorf("%w: flush commit: %v", ErrIOError, err)
	}

	t.mu.Lock()
	t.state = StateCommitted
	t.mu.Unlock()
	t.mgr.retainCommitted(t)
	return nil
}

// Rollback discards the write-set and emits Abort. Idempotent: calling it
// again after the transaction is already terminal does nothing.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	if t.state == StateAborted || t.state == StateCommitted {
		t.mu.Unlock()
		return nil
	}
	t.writes = map[uint32]Write{}
	t.order = nil
	t.state = StateAborted
	t.mu.Unlock()

	return t.mgr.wal.AppendAbort(t.id)
}

func (t *Txn) abortAfterIOFailure() {
	t.mu.Lock()
	t.writes = map[uint32]Write{}
	t.order = nil
	t.state = StateAborted
	t.mu.Unlock()
	t.mgr.wal.AppendAbort(t.id)
}

// pageVersion is the most recently committed after-image of a page, plus the
// commit-ordered sequence number it was installed at, so a page written by
// more than one committed-but-not-yet-checkpointed transaction always
// resolves to the latest one rather than whichever transaction a map
// iteration happens to visit first.
type pageVersion struct {
	seq   uint64
	image []byte
}

// Manager allocates transaction ids, emits Begin records and serializes
// commit ordering across every transaction sharing this WAL.
type Manager struct {
	commitMu  sync.Mutex
	nextTxnID uint64
	wal       *wal.WAL

	liveMu   sync.Mutex
	nextSeq  uint64
	pages    map[uint32]pageVersion // pageID -> latest committed-but-uncheckpointed image
	txnPages map[uint64]txnContrib  // txnID -> pageIDs + seq it committed at, for Forget
}

// txnContrib records which pages a committed transaction installed into
// the shared pages map, and at what sequence number, so Forget can tell
// whether that transaction's image is still the current one for a page
// (versus having already been superseded by a later transaction's commit).
type txnContrib struct {
	seq     uint64
	pageIDs []uint32
}

func NewManager(w *wal.WAL) *Manager {
	return &Manager{
		wal:      w,
		pages:    make(map[uint32]pageVersion),
		txnPages: make(map[uint64]txnContrib),
	}
}

// Begin assigns a fresh TxnId, emits its Begin record under the
// commitLock, and returns a handle in the Active state.
func (m *Manager) Begin(isolation Isolation) (*Txn, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	id := atomic.AddUint64(&m.nextTxnID, 1)
	if err := m.wal.AppendBegin(id); err != nil {
		return nil, fmt.Errorf("%w: append begin: %v", ErrIOError, err)
	}
	return &Txn{
		id:     id,
		mgr:    m,
		isol:   isolation,
		state:  StateActive,
		writes: make(map[uint32]Write),
	}, nil
}

// retainCommitted installs t's buffered pages into the commit-ordered page
// version map. It is called from Commit while commitMu is still held, so
// the sequence number assigned here reflects the total commit order across
// every transaction sharing this manager.
func (m *Manager) retainCommitted(t *Txn) {
	t.mu.Lock()
	order := append([]uint32(nil), t.order...)
	writes := t.writes
	t.mu.Unlock()

	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	m.nextSeq++
	seq := m.nextSeq
	ids := make([]uint32, 0, len(order))
	for _, pid := range order {
		w := writes[pid]
		cp := make([]byte, len(w.AfterImage))
		copy(cp, w.AfterImage)
		m.pages[pid] = pageVersion{seq: seq, image: cp}
		ids = append(ids, pid)
	}
	m.txnPages[t.id] = txnContrib{seq: seq, pageIDs: ids}
}

// BufferedPage looks up pageID's most recently committed after-image among
// every transaction committed since the last checkpoint forgot them,
// giving readers visibility into committed-but-not-yet-checkpointed pages.
// When more than one live transaction wrote the same page, the one that
// committed last wins, per commit order rather than map iteration order.
func (m *Manager) BufferedPage(pageID uint32) ([]byte, bool) {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	v, ok := m.pages[pageID]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(v.image))
	copy(cp, v.image)
	return cp, true
}

// Forget drops a committed transaction's contribution to the page version
// map, called by the checkpoint manager once it has applied that
// transaction's writes to the PageFile. A page is only removed if its
// current entry is still the one this transaction installed (matched by
// sequence number) — if a later transaction has since committed a newer
// image of the same page (one the checkpoint that's calling Forget never
// saw, because it started before that later commit), that newer image is
// left in place rather than dropped.
func (m *Manager) Forget(txnID uint64) {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	contrib, ok := m.txnPages[txnID]
	if !ok {
		return
	}
	for _, pid := range contrib.pageIDs {
		if cur, ok := m.pages[pid]; ok && cur.seq == contrib.seq {
			delete(m.pages, pid)
		}
	}
	delete(m.txnPages, txnID)
}
