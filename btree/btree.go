package btree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/blitedb/blite/storage"
	"github.com/blitedb/blite/txn"
)

var (
	// ErrDuplicateKey is returned by Insert on a unique index when the key
	// already exists. The transaction is left Active so the caller may
	// still roll it back cleanly.
	ErrDuplicateKey = errors.New("btree: duplicate key")
	ErrKeyNotFound  = errors.New("btree: key not found")
)

// Tree is a B+Tree index rooted at a single Index page. Unique trees store
// the caller's key verbatim; non-unique trees store key||DocumentLocation
// so repeated keys still sort deterministically (spec's composite-key
// construction for findAll).
type Tree struct {
	pf     *storage.PageFile
	txnMgr *txn.Manager
	root   uint32
	unique bool
}

// Open attaches to an existing Index page chain rooted at rootPageID.
// txnMgr may be nil for a tree that is never read outside the transaction
// that wrote it; the collection manager always supplies one so a nil-tx
// read (outside any transaction) still sees committed-but-not-yet-
// checkpointed writes, the same visibility collection.Manager.readPage
// gives Data pages.
func Open(pf *storage.PageFile, rootPageID uint32, unique bool, txnMgr *txn.Manager) *Tree {
	return &Tree{pf: pf, txnMgr: txnMgr, root: rootPageID, unique: unique}
}

// RootPageID returns the current root page, which changes whenever the
// root splits. Callers that persist the root elsewhere (the collection
// manager's metadata page) must re-read this after every Insert/Remove
// inside the same transaction.
func (t *Tree) RootPageID() uint32 { return t.root }

// Create allocates an empty leaf root and returns its page id. Allocation
// happens directly against the PageFile, outside any transaction, the same
// way the field-name schema's Dictionary chain is bootstrapped.
func Create(pf *storage.PageFile, unique bool, txnMgr *txn.Manager) (*Tree, error) {
	id, err := pf.AllocatePage(storage.PageTypeIndex)
	if err != nil {
		return nil, fmt.Errorf("btree: create root: %w", err)
	}
	n := newLeaf(id, pf.PageSize())
	page := &storage.Page{Data: n.encode()}
	if err := pf.WritePage(page); err != nil {
		return nil, fmt.Errorf("btree: write root: %w", err)
	}
	return &Tree{pf: pf, txnMgr: txnMgr, root: id, unique: unique}, nil
}

// readNode resolves a page through the same write-set -> committed-buffer
// -> PageFile order collection.Manager.readPage uses for Data pages, so a
// read made with tx == nil still observes a transaction this process just
// committed but hasn't checkpointed yet.
func (t *Tree) readNode(pageID uint32, tx *txn.Txn) (*node, error) {
	if tx != nil {
		if buf, ok := tx.GetBufferedPage(pageID); ok {
			return decodeNode(buf)
		}
	}
	if t.txnMgr != nil {
		if buf, ok := t.txnMgr.BufferedPage(pageID); ok {
			return decodeNode(buf)
		}
	}
	page, err := t.pf.ReadPage(pageID)
	if err != nil {
		return nil, fmt.Errorf("btree: read node %d: %w", pageID, err)
	}
	return decodeNode(page.Data)
}

func (t *Tree) writeNode(n *node, tx *txn.Txn) error {
	return tx.AddWrite(txn.Write{PageID: n.pageID, AfterImage: n.encode(), Op: txn.OpUpdate})
}

func (t *Tree) allocateNode(leaf bool, tx *txn.Txn) (*node, error) {
	ptype := storage.PageTypeIndex
	id, err := t.pf.AllocatePage(ptype)
	if err != nil {
		return nil, fmt.Errorf("btree: allocate node: %w", err)
	}
	var n *node
	if leaf {
		n = newLeaf(id, t.pf.PageSize())
	} else {
		n = newInternal(id, t.pf.PageSize())
	}
	return n, nil
}

func (t *Tree) compositeKey(key []byte, loc storage.DocumentLocation) []byte {
	if t.unique {
		return key
	}
	out := make([]byte, len(key)+storage.LocationSize)
	copy(out, key)
	copy(out[len(key):], loc.Bytes())
	return out
}

// userKey strips the trailing DocumentLocation a non-unique tree appends to
// every stored key, returning the caller-supplied key a bound comparison
// must be made against. On a unique tree the stored key already is the
// caller's key.
func (t *Tree) userKey(storageKey []byte) []byte {
	if t.unique {
		return storageKey
	}
	return storageKey[:len(storageKey)-storage.LocationSize]
}

// descend walks from the root to the leaf that should contain storageKey,
// returning every node visited (root first, leaf last) so the caller can
// propagate a split back up.
func (t *Tree) descend(storageKey []byte, tx *txn.Txn) ([]*node, error) {
	var path []*node
	pageID := t.root
	for {
		n, err := t.readNode(pageID, tx)
		if err != nil {
			return nil, err
		}
		path = append(path, n)
		if n.isLeaf {
			return path, nil
		}
		pageID = n.routeChild(storageKey)
	}
}

// Insert places (key, loc) into the tree, splitting overflowing nodes and
// growing the root when necessary.
func (t *Tree) Insert(key []byte, loc storage.DocumentLocation, tx *txn.Txn) error {
	storageKey := t.compositeKey(key, loc)
	path, err := t.descend(storageKey, tx)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]

	idx, exact := leaf.find(storageKey)
	if exact {
		if t.unique {
			return ErrDuplicateKey
		}
		// Non-unique composite key collision: identical (key, location)
		// pair already present; treat as a no-op upsert.
		leaf.entries[idx] = entry{key: storageKey, location: loc, isLeaf: true}
		return t.writeNode(leaf, tx)
	}
	leaf.insertAt(idx, entry{key: storageKey, location: loc, isLeaf: true})

	if leaf.fitsIn(leaf.pageSize) {
		return t.writeNode(leaf, tx)
	}
	return t.splitAndPropagate(path, tx)
}

// splitAndPropagate splits the overflowing node at the end of path (always
// a leaf on first call) and recurses upward through its ancestors,
// growing the root if the split reaches it.
func (t *Tree) splitAndPropagate(path []*node, tx *txn.Txn) error {
	cur := path[len(path)-1]
	ancestors := path[:len(path)-1]

	mid := len(cur.entries) / 2

	right, err := t.allocateNode(cur.isLeaf, tx)
	if err != nil {
		return err
	}

	var sepKey []byte
	if cur.isLeaf {
		// Copy-up: the separator key equals the first key moving to the
		// right leaf; that key stays in the right leaf and a copy of it
		// goes up into the parent.
		right.entries = append(right.entries, cur.entries[mid:]...)
		cur.entries = cur.entries[:mid]
		sepKey = append([]byte(nil), right.entries[0].key...)

		right.nextLeaf = cur.nextLeaf
		right.prevLeaf = cur.pageID
		cur.nextLeaf = right.pageID
		if right.nextLeaf != 0 {
			sibling, err := t.readNode(right.nextLeaf, tx)
			if err != nil {
				return err
			}
			sibling.prevLeaf = right.pageID
			if err := t.writeNode(sibling, tx); err != nil {
				return err
			}
		}
	} else {
		// Move-up: the median separator is promoted to the parent and
		// removed from both children. entries[mid] becomes the new
		// leftmost-child sentinel of the right node.
		sepKey = append([]byte(nil), cur.entries[mid].key...)
		right.entries = append(right.entries, entry{child: cur.entries[mid].child})
		right.entries = append(right.entries, cur.entries[mid+1:]...)
		cur.entries = cur.entries[:mid]
	}

	if err := t.writeNode(cur, tx); err != nil {
		return err
	}
	if err := t.writeNode(right, tx); err != nil {
		return err
	}

	if len(ancestors) == 0 {
		return t.growRoot(cur, right, sepKey, tx)
	}

	parent := ancestors[len(ancestors)-1]
	idx, _ := parent.find(sepKey)
	parent.insertAt(idx, entry{key: sepKey, child: right.pageID})
	if parent.fitsIn(parent.pageSize) {
		return t.writeNode(parent, tx)
	}
	return t.splitAndPropagate(ancestors, tx)
}

// growRoot builds a fresh internal root over the two halves of a split
// that reached the top of the tree.
func (t *Tree) growRoot(left, right *node, sepKey []byte, tx *txn.Txn) error {
	newRoot, err := t.allocateNode(false, tx)
	if err != nil {
		return err
	}
	newRoot.entries = []entry{
		{child: left.pageID},
		{key: sepKey, child: right.pageID},
	}
	if err := t.writeNode(newRoot, tx); err != nil {
		return err
	}
	t.root = newRoot.pageID
	return nil
}

// Seek performs a unique-key point lookup.
func (t *Tree) Seek(key []byte, tx *txn.Txn) (storage.DocumentLocation, bool, error) {
	path, err := t.descend(key, tx)
	if err != nil {
		return storage.DocumentLocation{}, false, err
	}
	leaf := path[len(path)-1]
	idx, exact := leaf.find(key)
	if !exact {
		return storage.DocumentLocation{}, false, nil
	}
	return leaf.entries[idx].location, true, nil
}

// FindAll returns every location stored for key, which only differs from
// Seek on non-unique indexes where multiple composite keys share the same
// user-supplied prefix.
func (t *Tree) FindAll(key []byte, tx *txn.Txn) ([]storage.DocumentLocation, error) {
	if t.unique {
		loc, ok, err := t.Seek(key, tx)
		if err != nil || !ok {
			return nil, err
		}
		return []storage.DocumentLocation{loc}, nil
	}

	path, err := t.descend(key, tx)
	if err != nil {
		return nil, err
	}
	leaf := path[len(path)-1]
	idx, _ := leaf.find(key)

	var out []storage.DocumentLocation
	for {
		for ; idx < len(leaf.entries); idx++ {
			e := leaf.entries[idx]
			if len(e.key) < len(key) || !bytes.Equal(e.key[:len(key)], key) {
				return out, nil
			}
			out = append(out, e.location)
		}
		if leaf.nextLeaf == 0 {
			return out, nil
		}
		leaf, err = t.readNode(leaf.nextLeaf, tx)
		if err != nil {
			return nil, err
		}
		idx = 0
	}
}

// RangeEntry is one (key, location) pair yielded by Range/Prefix.
type RangeEntry struct {
	Key      []byte
	Location storage.DocumentLocation
}

// Range returns every entry with key in [minKey, maxKey], inclusive. A nil
// bound is open-ended on that side.
func (t *Tree) Range(minKey, maxKey []byte, tx *txn.Txn) ([]RangeEntry, error) {
	var path []*node
	var err error
	if minKey == nil {
		path, err = t.descend([]byte{}, tx)
	} else {
		path, err = t.descend(minKey, tx)
	}
	if err != nil {
		return nil, err
	}
	leaf := path[len(path)-1]
	idx := 0
	if minKey != nil {
		idx, _ = leaf.find(minKey)
	}

	var out []RangeEntry
	for {
		for ; idx < len(leaf.entries); idx++ {
			e := leaf.entries[idx]
			// Compare only the caller's key, not the trailing DocumentLocation
			// a non-unique tree appends: the composite key is always longer
			// than maxKey even when its user-key prefix equals maxKey
			// exactly, which would otherwise wrongly exclude it from an
			// inclusive upper bound.
			if maxKey != nil && bytes.Compare(t.userKey(e.key), maxKey) > 0 {
				return out, nil
			}
			out = append(out, RangeEntry{Key: e.key, Location: e.location})
		}
		if leaf.nextLeaf == 0 {
			return out, nil
		}
		leaf, err = t.readNode(leaf.nextLeaf, tx)
		if err != nil {
			return nil, err
		}
		idx = 0
	}
}

// Prefix returns every entry whose key starts with prefix, equivalent to
// Range(prefix, prefix||0xFF...).
func (t *Tree) Prefix(prefix []byte, tx *txn.Txn) ([]RangeEntry, error) {
	upper := append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 32)...)
	entries, err := t.Range(prefix, upper, tx)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if len(e.Key) >= len(prefix) && bytes.Equal(e.Key[:len(prefix)], prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Remove deletes the (key, loc) entry. Underflow is lazy: nodes below 50%
// fill are left in place until Compact runs.
func (t *Tree) Remove(key []byte, loc storage.DocumentLocation, tx *txn.Txn) error {
	storageKey := t.compositeKey(key, loc)
	path, err := t.descend(storageKey, tx)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	idx, exact := leaf.find(storageKey)
	if !exact {
		return ErrKeyNotFound
	}
	leaf.removeAt(idx)
	return t.writeNode(leaf, tx)
}

// Compact merges adjacent leaf siblings that are both below half full,
// reclaiming pages left sparse by Remove's lazy underflow policy. It walks
// the leaf chain once; merged-away pages are returned to the PageFile's
// free list.
func (t *Tree) Compact(tx *txn.Txn) error {
	path, err := t.descend([]byte{}, tx)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	half := leaf.pageSize / 2

	for leaf.nextLeaf != 0 {
		next, err := t.readNode(leaf.nextLeaf, tx)
		if err != nil {
			return err
		}
		if leaf.encodedSize() < half && next.encodedSize() < half {
			merged := append(append([]entry(nil), leaf.entries...), next.entries...)
			if entriesSize(merged, leaf.pageSize) <= leaf.pageSize {
				leaf.entries = merged
				leaf.nextLeaf = next.nextLeaf
				if err := t.writeNode(leaf, tx); err != nil {
					return err
				}
				if next.nextLeaf != 0 {
					after, err := t.readNode(next.nextLeaf, tx)
					if err != nil {
						return err
					}
					after.prevLeaf = leaf.pageID
					if err := t.writeNode(after, tx); err != nil {
						return err
					}
				}
				if err := t.pf.FreePage(next.pageID); err != nil {
					return err
				}
				continue
			}
		}
		leaf = next
	}
	return nil
}

func entriesSize(entries []entry, pageSize int) int {
	n := &node{isLeaf: true, entries: entries, pageSize: pageSize}
	return n.encodedSize()
}
