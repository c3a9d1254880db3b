package collection

import (
	"errors"
	"fmt"

	"github.com/blitedb/blite/btree"
	"github.com/blitedb/blite/cbson"
	"github.com/blitedb/blite/changefeed"
	"github.com/blitedb/blite/storage"
	"github.com/blitedb/blite/txn"
)

// secondaryIndex pairs a live B+Tree handle with the descriptor fields that
// need to survive a catalog round-trip.
type secondaryIndex struct {
	name   string
	unique bool
	tree   *btree.Tree
}

// Collection is a named, schema-typed document store: a primary B+Tree
// keyed by id, zero or more secondary indexes, and the chain of Data pages
// holding its documents. Collections share the PageFile and Transaction
// manager with every other collection in the database (spec §3.3).
type Collection struct {
	mgr     *Manager
	name    string
	keyType KeyType
	mapper  Mapper

	primary       *btree.Tree
	secondary     map[string]*secondaryIndex
	headDataPage  uint32
	tailDataPage  uint32
	schemaVersion uint32
}

func (c *Collection) Name() string     { return c.name }
func (c *Collection) KeyType() KeyType { return c.keyType }

func (c *Collection) toCatalogEntry() *catalogEntry {
	e := &catalogEntry{
		name:          c.name,
		keyType:       c.keyType,
		primaryRoot:   c.primary.RootPageID(),
		headDataPage:  c.headDataPage,
		tailDataPage:  c.tailDataPage,
		schemaVersion: c.schemaVersion,
	}
	for _, s := range c.secondary {
		e.secondary = append(e.secondary, secondaryDesc{
			name:       s.name,
			unique:     s.unique,
			rootPageID: s.tree.RootPageID(),
		})
	}
	return e
}

// CreateIndex declares a secondary B+Tree over fieldName, populating it
// from every document currently in the collection.
func (c *Collection) CreateIndex(fieldName string, unique bool) error {
	c.mgr.latches.CatalogMu.Lock()
	defer c.mgr.latches.CatalogMu.Unlock()

	if _, exists := c.secondary[fieldName]; exists {
		return fmt.Errorf("%w: index on %q already exists", ErrExists, fieldName)
	}
	tree, err := btree.Create(c.mgr.pf, unique, c.mgr.txnMgr)
	if err != nil {
		return fmt.Errorf("collection: create index on %q: %w", fieldName, err)
	}
	c.secondary[fieldName] = &secondaryIndex{name: fieldName, unique: unique, tree: tree}

	tx, err := c.mgr.txnMgr.Begin(txn.ReadCommitted)
	if err != nil {
		return err
	}
	backfillErr := c.Scan(func(doc interface{}) (bool, error) {
		v, ok := fieldValue(doc, fieldName)
		if !ok {
			return true, nil
		}
		kt, ok := inferKeyType(v)
		if !ok {
			return true, nil
		}
		key, err := EncodeKey(kt, v)
		if err != nil {
			return true, nil
		}
		idVal, _ := c.mapper.GetID(doc)
		idKey, err := EncodeKey(c.keyType, idVal)
		if err != nil {
			return false, err
		}
		loc, found, err := c.primary.Seek(idKey, tx)
		if err != nil || !found {
			return true, nil
		}
		return true, tree.Insert(key, loc, tx)
	})
	if backfillErr != nil {
		tx.Rollback()
		return backfillErr
	}
	if err := tx.Prepare(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return c.mgr.persistCatalogLocked()
}

func fieldValue(doc interface{}, name string) (cbson.Value, bool) {
	d, ok := doc.(*cbson.Document)
	if !ok {
		return cbson.Value{}, false
	}
	return d.Get(name)
}

// inferKeyType picks the IndexKey encoding for a runtime BsonValue, used by
// secondary-index maintenance which (unlike the primary key) isn't bound to
// a single declared KeyType up front.
func inferKeyType(v cbson.Value) (KeyType, bool) {
	switch v.Kind {
	case cbson.KindObjectId:
		return KeyTypeObjectID, true
	case cbson.KindInt32, cbson.KindInt64:
		return KeyTypeInt64, true
	case cbson.KindString:
		return KeyTypeString, true
	default:
		return 0, false
	}
}

// recordFlagCompressed marks the one-byte prefix BLite stores ahead of
// every C-BSON document's bytes so compression (spec's "optional
// per-record compression before slotting") can be reversed on read without
// a side-channel.
const (
	recordFlagPlain      byte = 0
	recordFlagCompressed byte = 1
)

func wrapRecord(encoded []byte) []byte {
	body, compressed := storage.CompressRecord(encoded)
	out := make([]byte, len(body)+1)
	if compressed {
		out[0] = recordFlagCompressed
	} else {
		out[0] = recordFlagPlain
	}
	copy(out[1:], body)
	return out
}

func unwrapRecord(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty record", cbson.ErrMalformedDocument)
	}
	return storage.DecompressRecord(raw[1:], raw[0] == recordFlagCompressed)
}

// Insert encodes doc via the collection's mapper, places it into a Data
// page (or an Overflow chain if it doesn't fit one), and updates every
// declared index. If tx is nil, Insert runs in an implicit single-operation
// transaction. Returns the document's id.
func (c *Collection) Insert(doc interface{}, tx *txn.Txn) (cbson.Value, error) {
	implicit := tx == nil
	if implicit {
		var err error
		tx, err = c.mgr.txnMgr.Begin(txn.ReadCommitted)
		if err != nil {
			return cbson.Value{}, err
		}
	}

	id, err := c.insertTx(doc, tx)
	if err != nil {
		if implicit {
			tx.Rollback()
		}
		return cbson.Value{}, err
	}

	if implicit {
		if err := tx.Prepare(); err != nil {
			return cbson.Value{}, err
		}
		if err := tx.Commit(); err != nil {
			return cbson.Value{}, err
		}
		if err := c.persistMetadata(); err != nil {
			return cbson.Value{}, err
		}
	}
	return id, nil
}

// InsertBulk inserts every doc in docs under a single transaction (spec
// §4.9's insertBulk), committing once at the end if tx is nil. A document
// that violates a unique index aborts the whole batch, matching the
// all-or-nothing contract of a single enclosing transaction.
func (c *Collection) InsertBulk(docs []interface{}, tx *txn.Txn) ([]cbson.Value, error) {
	implicit := tx == nil
	if implicit {
		var err error
		tx, err = c.mgr.txnMgr.Begin(txn.ReadCommitted)
		if err != nil {
			return nil, err
		}
	}

	ids := make([]cbson.Value, 0, len(docs))
	for _, doc := range docs {
		id, err := c.insertTx(doc, tx)
		if err != nil {
			if implicit {
				tx.Rollback()
			}
			return nil, err
		}
		ids = append(ids, id)
	}

	if implicit {
		if err := tx.Prepare(); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		if err := c.persistMetadata(); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// persistMetadata writes the collection's current head/tail/root pointers
// to the catalog. Callers that batch several operations into one explicit
// transaction should call this once after their own commit rather than
// relying on each operation's implicit path.
func (c *Collection) persistMetadata() error {
	c.mgr.latches.CatalogMu.Lock()
	defer c.mgr.latches.CatalogMu.Unlock()
	return c.mgr.persistCatalogLocked()
}

func (c *Collection) insertTx(doc interface{}, tx *txn.Txn) (cbson.Value, error) {
	idVal, ok := c.mapper.GetID(doc)
	if !ok {
		if c.keyType != KeyTypeObjectID {
			return cbson.Value{}, ErrMissingID
		}
		idVal = nextObjectIDKey()
		c.mapper.SetID(doc, idVal)
	}
	key, err := EncodeKey(c.keyType, idVal)
	if err != nil {
		return cbson.Value{}, err
	}

	size, err := c.mapper.Size(doc, c.mgr.schema)
	if err != nil {
		return cbson.Value{}, err
	}
	if size > c.mgr.maxDocumentBytes {
		return cbson.Value{}, ErrDocumentTooLarge
	}
	buf := make([]byte, size)
	if _, err := c.mapper.Encode(doc, c.mgr.schema, buf); err != nil {
		return cbson.Value{}, err
	}
	wrapped := wrapRecord(buf)

	loc, err := c.place(wrapped, tx)
	if err != nil {
		return cbson.Value{}, err
	}

	if err := c.primary.Insert(key, loc, tx); err != nil {
		return cbson.Value{}, err
	}
	for _, s := range c.secondary {
		v, ok := fieldValue(doc, s.name)
		if !ok {
			continue
		}
		kt, ok := inferKeyType(v)
		if !ok {
			continue
		}
		sk, err := EncodeKey(kt, v)
		if err != nil {
			continue
		}
		if err := s.tree.Insert(sk, loc, tx); err != nil {
			return cbson.Value{}, err
		}
	}

	c.mgr.feed.Publish(c.name, changefeed.Change{
		Op:       changefeed.OpInsert,
		DocID:    key,
		After:    buf,
		Location: loc,
	})
	return idVal, nil
}

// place writes wrapped bytes into the collection's tail Data page, rolling
// to a fresh page when full, and falling back to an Overflow chain when the
// document alone exceeds a page's usable area (spec §4.3).
func (c *Collection) place(wrapped []byte, tx *txn.Txn) (storage.DocumentLocation, error) {
	pf := c.mgr.pf
	usable := pf.PageSize() - storage.PageHeaderSize - 8
	if len(wrapped)+storage.SlotSize > usable {
		first, err := c.writeOverflowChain(wrapped, tx)
		if err != nil {
			return storage.DocumentLocation{}, err
		}
		return c.insertOverflowPointer(uint32(len(wrapped)), first, tx)
	}
	return c.insertIntoTail(wrapped, tx)
}

// resolveTail walks forward from the catalog's cached tailDataPage to the
// real end of the chain, self-healing a stale cache left behind by a crash
// between a committed page split and the next persistCatalog (spec §7:
// catalog pointers are a durability hint, not the source of truth — the
// Data page chain itself is).
func (c *Collection) resolveTail(tx *txn.Txn) (*storage.Page, error) {
	pageID := c.tailDataPage
	for {
		page, err := c.mgr.readPage(pageID, tx)
		if err != nil {
			return nil, err
		}
		next := page.NextPageID()
		if next == 0 {
			c.tailDataPage = pageID
			return page, nil
		}
		pageID = next
	}
}

func (c *Collection) insertIntoTail(wrapped []byte, tx *txn.Txn) (storage.DocumentLocation, error) {
	page, err := c.resolveTail(tx)
	if err != nil {
		return storage.DocumentLocation{}, err
	}
	if idx, ok := page.Insert(wrapped); ok {
		if err := tx.AddWrite(txn.Write{PageID: c.tailDataPage, AfterImage: page.Data, Op: txn.OpInsert}); err != nil {
			return storage.DocumentLocation{}, err
		}
		return storage.DocumentLocation{PageID: c.tailDataPage, SlotIndex: uint16(idx)}, nil
	}

	newID, err := c.mgr.pf.AllocatePage(storage.PageTypeData)
	if err != nil {
		return storage.DocumentLocation{}, err
	}
	page.SetNextPageID(newID)
	if err := tx.AddWrite(txn.Write{PageID: c.tailDataPage, AfterImage: page.Data, Op: txn.OpUpdate}); err != nil {
		return storage.DocumentLocation{}, err
	}

	newPage, err := c.mgr.readPage(newID, tx)
	if err != nil {
		return storage.DocumentLocation{}, err
	}
	idx, ok := newPage.Insert(wrapped)
	if !ok {
		return storage.DocumentLocation{}, fmt.Errorf("collection: document does not fit a fresh data page")
	}
	if err := tx.AddWrite(txn.Write{PageID: newID, AfterImage: newPage.Data, Op: txn.OpInsert}); err != nil {
		return storage.DocumentLocation{}, err
	}
	c.tailDataPage = newID
	return storage.DocumentLocation{PageID: newID, SlotIndex: uint16(idx)}, nil
}

func (c *Collection) insertOverflowPointer(totalLen, firstOverflow uint32, tx *txn.Txn) (storage.DocumentLocation, error) {
	page, err := c.resolveTail(tx)
	if err != nil {
		return storage.DocumentLocation{}, err
	}
	if idx, ok := page.InsertOverflowPointer(totalLen, firstOverflow); ok {
		if err := tx.AddWrite(txn.Write{PageID: c.tailDataPage, AfterImage: page.Data, Op: txn.OpInsert}); err != nil {
			return storage.DocumentLocation{}, err
		}
		return storage.DocumentLocation{PageID: c.tailDataPage, SlotIndex: uint16(idx)}, nil
	}
	newID, err := c.mgr.pf.AllocatePage(storage.PageTypeData)
	if err != nil {
		return storage.DocumentLocation{}, err
	}
	page.SetNextPageID(newID)
	if err := tx.AddWrite(txn.Write{PageID: c.tailDataPage, AfterImage: page.Data, Op: txn.OpUpdate}); err != nil {
		return storage.DocumentLocation{}, err
	}
	newPage, err := c.mgr.readPage(newID, tx)
	if err != nil {
		return storage.DocumentLocation{}, err
	}
	idx, ok := newPage.InsertOverflowPointer(totalLen, firstOverflow)
	if !ok {
		return storage.DocumentLocation{}, fmt.Errorf("collection: overflow pointer does not fit a fresh data page")
	}
	if err := tx.AddWrite(txn.Write{PageID: newID, AfterImage: newPage.Data, Op: txn.OpInsert}); err != nil {
		return storage.DocumentLocation{}, err
	}
	c.tailDataPage = newID
	return storage.DocumentLocation{PageID: newID, SlotIndex: uint16(idx)}, nil
}

// writeOverflowChain splits payload across freshly allocated Overflow
// pages, linked by the common page header's NextPageId, and returns the
// first page's id.
func (c *Collection) writeOverflowChain(payload []byte, tx *txn.Txn) (uint32, error) {
	pf := c.mgr.pf
	capacity := storage.OverflowDataCapacity(pf.PageSize())
	var ids []uint32
	var pages []*storage.Page
	for off := 0; off < len(payload); off += capacity {
		end := off + capacity
		if end > len(payload) {
			end = len(payload)
		}
		id, err := pf.AllocatePage(storage.PageTypeOverflow)
		if err != nil {
			return 0, err
		}
		page := storage.NewPage(pf.PageSize(), id, storage.PageTypeOverflow)
		page.WriteOverflowChunk(payload[off:end])
		ids = append(ids, id)
		pages = append(pages, page)
	}
	for i, page := range pages {
		if i+1 < len(pages) {
			page.SetNextPageID(ids[i+1])
		}
		if err := tx.AddWrite(txn.Write{PageID: ids[i], AfterImage: page.Data, Op: txn.OpInsert}); err != nil {
			return 0, err
		}
	}
	return ids[0], nil
}

func (c *Collection) readOverflowChain(totalLen uint32, firstPage uint32, tx *txn.Txn) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	pageID := firstPage
	for pageID != 0 && uint32(len(out)) < totalLen {
		page, err := c.mgr.readPage(pageID, tx)
		if err != nil {
			return nil, err
		}
		remaining := int(totalLen) - len(out)
		out = append(out, page.ReadOverflowChunk(remaining)...)
		pageID = page.NextPageID()
	}
	return out, nil
}

// Get performs a primary B+Tree lookup, reads the slot, and decodes it.
func (c *Collection) Get(idVal cbson.Value, tx *txn.Txn) (interface{}, bool, error) {
	key, err := EncodeKey(c.keyType, idVal)
	if err != nil {
		return nil, false, err
	}
	loc, found, err := c.primary.Seek(key, tx)
	if err != nil || !found {
		return nil, false, err
	}
	raw, err := c.readAt(loc, tx)
	if err != nil {
		return nil, false, err
	}
	doc, err := c.mapper.Decode(raw, c.mgr.schema)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (c *Collection) readAt(loc storage.DocumentLocation, tx *txn.Txn) ([]byte, error) {
	page, err := c.mgr.readPage(loc.PageID, tx)
	if err != nil {
		return nil, err
	}
	slotBytes, err := page.Read(int(loc.SlotIndex))
	if err != nil {
		return nil, err
	}
	s := page.Slot(int(loc.SlotIndex))
	if s.Flags&storage.SlotHasOverflow != 0 {
		totalLen, firstPage := page.OverflowInfo(int(loc.SlotIndex))
		wrapped, err := c.readOverflowChain(totalLen, firstPage, tx)
		if err != nil {
			return nil, err
		}
		return unwrapRecord(wrapped)
	}
	return unwrapRecord(slotBytes)
}

// Update re-encodes doc under its existing id, updating it in place if the
// new encoding fits the slot, relocating it otherwise (spec §3.3).
func (c *Collection) Update(doc interface{}, tx *txn.Txn) error {
	implicit := tx == nil
	if implicit {
		var err error
		tx, err = c.mgr.txnMgr.Begin(txn.ReadCommitted)
		if err != nil {
			return err
		}
	}
	if err := c.updateTx(doc, tx); err != nil {
		if implicit {
			tx.Rollback()
		}
		return err
	}
	if implicit {
		if err := tx.Prepare(); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return c.persistMetadata()
	}
	return nil
}

func (c *Collection) updateTx(doc interface{}, tx *txn.Txn) error {
	idVal, ok := c.mapper.GetID(doc)
	if !ok {
		return ErrMissingID
	}
	key, err := EncodeKey(c.keyType, idVal)
	if err != nil {
		return err
	}
	loc, found, err := c.primary.Seek(key, tx)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	var oldDoc interface{}
	if len(c.secondary) > 0 {
		oldRaw, err := c.readAt(loc, tx)
		if err != nil {
			return err
		}
		oldDoc, err = c.mapper.Decode(oldRaw, c.mgr.schema)
		if err != nil {
			return err
		}
	}

	size, err := c.mapper.Size(doc, c.mgr.schema)
	if err != nil {
		return err
	}
	if size > c.mgr.maxDocumentBytes {
		return ErrDocumentTooLarge
	}
	buf := make([]byte, size)
	if _, err := c.mapper.Encode(doc, c.mgr.schema, buf); err != nil {
		return err
	}
	wrapped := wrapRecord(buf)

	page, err := c.mgr.readPage(loc.PageID, tx)
	if err != nil {
		return err
	}
	newLoc := loc
	if page.UpdateInPlace(int(loc.SlotIndex), wrapped) {
		if err := tx.AddWrite(txn.Write{PageID: loc.PageID, AfterImage: page.Data, Op: txn.OpUpdate}); err != nil {
			return err
		}
	} else {
		page.Delete(int(loc.SlotIndex))
		if err := tx.AddWrite(txn.Write{PageID: loc.PageID, AfterImage: page.Data, Op: txn.OpUpdate}); err != nil {
			return err
		}
		newLoc, err = c.place(wrapped, tx)
		if err != nil {
			return err
		}
		if err := c.primary.Remove(key, loc, tx); err != nil {
			return err
		}
		if err := c.primary.Insert(key, newLoc, tx); err != nil {
			return err
		}
	}

	if err := c.updateSecondaryIndexes(oldDoc, doc, loc, newLoc, tx); err != nil {
		return err
	}

	c.mgr.feed.Publish(c.name, changefeed.Change{
		Op:       changefeed.OpUpdate,
		DocID:    key,
		After:    buf,
		Location: newLoc,
	})
	return nil
}

// updateSecondaryIndexes removes every secondary-index entry keyed on
// oldDoc's field values at oldLoc and inserts one keyed on doc's current
// field values at newLoc, regardless of which branch of updateTx ran
// (relocated or in-place) — an indexed field's value can change without
// the document itself moving, and the document can move without its
// indexed fields changing, so both the old location and the old value must
// be used to find the stale entry.
func (c *Collection) updateSecondaryIndexes(oldDoc, doc interface{}, oldLoc, newLoc storage.DocumentLocation, tx *txn.Txn) error {
	for _, s := range c.secondary {
		if oldDoc != nil {
			if v, ok := fieldValue(oldDoc, s.name); ok {
				if kt, ok := inferKeyType(v); ok {
					if oldSk, err := EncodeKey(kt, v); err == nil {
						if err := s.tree.Remove(oldSk, oldLoc, tx); err != nil && !errors.Is(err, btree.ErrKeyNotFound) {
							return err
						}
					}
				}
			}
		}
		if v, ok := fieldValue(doc, s.name); ok {
			if kt, ok := inferKeyType(v); ok {
				if newSk, err := EncodeKey(kt, v); err == nil {
					if err := s.tree.Insert(newSk, newLoc, tx); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// Delete marks the document's slot Deleted and removes its index entries.
func (c *Collection) Delete(idVal cbson.Value, tx *txn.Txn) error {
	implicit := tx == nil
	if implicit {
		var err error
		tx, err = c.mgr.txnMgr.Begin(txn.ReadCommitted)
		if err != nil {
			return err
		}
	}
	if err := c.deleteTx(idVal, tx); err != nil {
		if implicit {
			tx.Rollback()
		}
		return err
	}
	if implicit {
		if err := tx.Prepare(); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return c.persistMetadata()
	}
	return nil
}

func (c *Collection) deleteTx(idVal cbson.Value, tx *txn.Txn) error {
	key, err := EncodeKey(c.keyType, idVal)
	if err != nil {
		return err
	}
	loc, found, err := c.primary.Seek(key, tx)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	var doc interface{}
	if len(c.secondary) > 0 {
		raw, err := c.readAt(loc, tx)
		if err == nil {
			doc, _ = c.mapper.Decode(raw, c.mgr.schema)
		}
	}

	page, err := c.mgr.readPage(loc.PageID, tx)
	if err != nil {
		return err
	}
	page.Delete(int(loc.SlotIndex))
	if err := tx.AddWrite(txn.Write{PageID: loc.PageID, AfterImage: page.Data, Op: txn.OpDelete}); err != nil {
		return err
	}
	if err := c.primary.Remove(key, loc, tx); err != nil {
		return err
	}
	if doc != nil {
		for _, s := range c.secondary {
			v, ok := fieldValue(doc, s.name)
			if !ok {
				continue
			}
			kt, ok := inferKeyType(v)
			if !ok {
				continue
			}
			sk, err := EncodeKey(kt, v)
			if err != nil {
				continue
			}
			s.tree.Remove(sk, loc, tx)
		}
	}

	c.mgr.feed.Publish(c.name, changefeed.Change{
		Op:       changefeed.OpDelete,
		DocID:    key,
		Location: loc,
	})
	return nil
}

// ScanFunc receives each live, decoded document in a Scan; returning false
// stops the scan early. An error aborts the scan and propagates out.
type ScanFunc func(doc interface{}) (bool, error)

// Scan walks every live slot across the collection's Data page chain in
// insertion order, decoding and handing each document to fn. Outside a
// transaction it reads committed pages not yet checkpointed, else the
// PageFile (no implicit transaction is created, matching a read-only
// operation).
func (c *Collection) Scan(fn ScanFunc) error {
	return c.ScanTx(fn, nil)
}

// ScanTx is Scan run against a specific transaction's view, for callers
// that want scan results consistent with their own uncommitted writes.
func (c *Collection) ScanTx(fn ScanFunc, tx *txn.Txn) error {
	pageID := c.headDataPage
	for pageID != 0 {
		page, err := c.mgr.readPage(pageID, tx)
		if err != nil {
			return err
		}
		for i := 0; i < page.SlotCount(); i++ {
			s := page.Slot(i)
			if s.Flags&storage.SlotDeleted != 0 {
				continue
			}
			var raw []byte
			if s.Flags&storage.SlotHasOverflow != 0 {
				totalLen, firstPage := page.OverflowInfo(i)
				wrapped, err := c.readOverflowChain(totalLen, firstPage, tx)
				if err != nil {
					return err
				}
				raw, err = unwrapRecord(wrapped)
				if err != nil {
					return err
				}
			} else {
				slotBytes, err := page.Read(i)
				if err != nil {
					continue
				}
				raw, err = unwrapRecord(slotBytes)
				if err != nil {
					return err
				}
			}
			doc, err := c.mapper.Decode(raw, c.mgr.schema)
			if err != nil {
				return err
			}
			cont, err := fn(doc)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		pageID = page.NextPageID()
	}
	return nil
}

// Range returns every document whose primary key falls in [minKey, maxKey].
// A nil bound is open-ended on that side, walking the primary B+Tree's
// leaf links.
func (c *Collection) Range(minKey, maxKey *cbson.Value, tx *txn.Txn) ([]interface{}, error) {
	var minB, maxB []byte
	if minKey != nil {
		b, err := EncodeKey(c.keyType, *minKey)
		if err != nil {
			return nil, err
		}
		minB = b
	}
	if maxKey != nil {
		b, err := EncodeKey(c.keyType, *maxKey)
		if err != nil {
			return nil, err
		}
		maxB = b
	}
	entries, err := c.primary.Range(minB, maxB, tx)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		raw, err := c.readAt(e.Location, tx)
		if err != nil {
			return nil, err
		}
		doc, err := c.mapper.Decode(raw, c.mgr.schema)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}
