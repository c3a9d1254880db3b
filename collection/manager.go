// Package collection implements BLite's collection manager (spec §4.9): the
// per-collection root pages, the id-map, and the insert/read/scan/update/
// delete operations that drive the slotted page, transaction, and B+Tree
// layers underneath a change-dispatched, schema-typed document store.
package collection

import (
	"fmt"
	"sync"

	"github.com/blitedb/blite/btree"
	"github.com/blitedb/blite/cbson"
	"github.com/blitedb/blite/changefeed"
	"github.com/blitedb/blite/concurrency"
	"github.com/blitedb/blite/storage"
	"github.com/blitedb/blite/txn"
)

// DefaultMaxDocumentBytes is the hard ceiling from spec §6.4 before Insert
// fails DocumentTooLarge.
const DefaultMaxDocumentBytes = 16 << 20

// Manager owns every collection's metadata page (shared catalog, page 1)
// and hands out *Collection handles that share the PageFile and
// Transaction manager, per spec §3.3's ownership rules.
type Manager struct {
	pf      *storage.PageFile
	schema  *cbson.FieldSchema
	txnMgr  *txn.Manager
	feed    *changefeed.Dispatcher
	latches *concurrency.LatchManager

	maxDocumentBytes int

	mu          sync.RWMutex
	collections map[string]*Collection
}

// Options configures a Manager beyond its required collaborators.
type Options struct {
	MaxDocumentBytes int
}

// Open loads every collection's metadata from the catalog chain rooted at
// page 1 and returns a ready Manager.
func Open(pf *storage.PageFile, schema *cbson.FieldSchema, txnMgr *txn.Manager, feed *changefeed.Dispatcher, opts Options) (*Manager, error) {
	if opts.MaxDocumentBytes == 0 {
		opts.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	m := &Manager{
		pf:               pf,
		schema:           schema,
		txnMgr:           txnMgr,
		feed:             feed,
		latches:          concurrency.NewLatchManager(concurrency.LatchPolicyWait),
		maxDocumentBytes: opts.MaxDocumentBytes,
		collections:      make(map[string]*Collection),
	}

	entries, err := loadCatalog(pf)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		c, err := m.collectionFromEntry(e)
		if err != nil {
			return nil, err
		}
		m.collections[e.name] = c
	}
	return m, nil
}

func (m *Manager) collectionFromEntry(e *catalogEntry) (*Collection, error) {
	c := &Collection{
		mgr:           m,
		name:          e.name,
		keyType:       e.keyType,
		mapper:        NewDocumentMapper(),
		primary:       btree.Open(m.pf, e.primaryRoot, true, m.txnMgr),
		headDataPage:  e.headDataPage,
		tailDataPage:  e.tailDataPage,
		schemaVersion: e.schemaVersion,
		secondary:     make(map[string]*secondaryIndex),
	}
	for _, s := range e.secondary {
		c.secondary[s.name] = &secondaryIndex{
			name:   s.name,
			unique: s.unique,
			tree:   btree.Open(m.pf, s.rootPageID, s.unique, m.txnMgr),
		}
	}
	return c, nil
}

// Create allocates a collection-metadata entry and a primary B+Tree root,
// and records schema version 1 for the collection; the version is a fixed
// value, not derived from the field-name schema's contents. Fails
// ErrExists if the name is already registered (spec §4.9).
func (m *Manager) Create(name string, keyType KeyType) (*Collection, error) {
	m.latches.CatalogMu.Lock()
	defer m.latches.CatalogMu.Unlock()

	m.mu.Lock()
	if _, exists := m.collections[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrExists, name)
	}
	m.mu.Unlock()

	primary, err := btree.Create(m.pf, true, m.txnMgr)
	if err != nil {
		return nil, fmt.Errorf("collection: create primary index for %q: %w", name, err)
	}
	headID, err := m.pf.AllocatePage(storage.PageTypeData)
	if err != nil {
		return nil, fmt.Errorf("collection: allocate first data page for %q: %w", name, err)
	}

	c := &Collection{
		mgr:           m,
		name:          name,
		keyType:       keyType,
		mapper:        NewDocumentMapper(),
		primary:       primary,
		headDataPage:  headID,
		tailDataPage:  headID,
		schemaVersion: 1,
		secondary:     make(map[string]*secondaryIndex),
	}

	m.mu.Lock()
	m.collections[name] = c
	m.mu.Unlock()

	if err := m.persistCatalogLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// Collection looks up a previously created collection by name.
func (m *Manager) Collection(name string) (*Collection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	return c, ok
}

// Names lists every registered collection.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.collections))
	for name := range m.collections {
		out = append(out, name)
	}
	return out
}

// SetMapper overrides the default *cbson.Document mapper for name, for
// callers using a code-generated typed mapper instead.
func (m *Manager) SetMapper(name string, mapper Mapper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
	}
	c.mapper = mapper
	return nil
}

// persistCatalogLocked must be called with latches.CatalogMu held; it
// snapshots every collection's current in-memory metadata and rewrites the
// catalog chain. Called after any structural change: collection/index
// creation, or a collection's head/tail/root pages moving.
func (m *Manager) persistCatalogLocked() error {
	m.mu.RLock()
	entries := make([]*catalogEntry, 0, len(m.collections))
	for _, c := range m.collections {
		entries = append(entries, c.toCatalogEntry())
	}
	m.mu.RUnlock()

	// Stable order by name for deterministic on-disk layout.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].name > entries[j].name; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
	return persistCatalog(m.pf, entries)
}

// readPage returns a page's current bytes, routing through the write-set
// first when tx is non-nil, else through any still-live committed
// transaction's retained pages, else the PageFile itself (spec §4.5's
// "write-set -> WAL-resident page cache -> PageFile" read path).
func (m *Manager) readPage(pageID uint32, tx *txn.Txn) (*storage.Page, error) {
	if tx != nil {
		if buf, ok := tx.GetBufferedPage(pageID); ok {
			return &storage.Page{Data: buf}, nil
		}
	}
	if buf, ok := m.txnMgr.BufferedPage(pageID); ok {
		return &storage.Page{Data: buf}, nil
	}
	return m.pf.ReadPage(pageID)
}
