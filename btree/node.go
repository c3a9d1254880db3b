// Package btree implements BLite's B+Tree secondary index: Index pages
// holding either internal routing entries or leaf entries that point at a
// document's location, linked horizontally at the leaf level for range
// scans.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blitedb/blite/storage"
)

// Node header occupies the 16 bytes immediately following the common
// 32-byte page header: IsLeaf(1), EntryCount(2), ParentPageId(4),
// NextLeafPageId(4), PrevLeafPageId(4), reserved(1).
const (
	nodeExtOff      = storage.PageHeaderSize // 32
	nodeExtSize     = 16
	offIsLeaf       = nodeExtOff
	offEntryCount   = nodeExtOff + 1
	offParentPageID = nodeExtOff + 3
	offNextLeafPage = nodeExtOff + 7
	offPrevLeafPage = nodeExtOff + 11
	entriesStart    = nodeExtOff + nodeExtSize // 48
)

// entry is one routing pair (internal) or key/location pair (leaf), decoded
// from a node's variable-length entry stream. An internal node's entries[0]
// always carries an empty key: it is the leftmost child pointer, sorting
// before every real separator key so the node needs no separate field for
// it. entries[1:] are (separatorKey, rightChild) pairs.
type entry struct {
	key      []byte
	child    uint32 // internal nodes
	location storage.DocumentLocation
	isLeaf   bool
}

// node is a decoded Index page, held in memory while a tree operation reads
// or mutates it, then re-encoded in full before being handed back to the
// transaction.
type node struct {
	pageID   uint32
	isLeaf   bool
	parent   uint32
	nextLeaf uint32
	prevLeaf uint32
	entries  []entry
	pageSize int
}

func newLeaf(pageID uint32, pageSize int) *node {
	return &node{pageID: pageID, isLeaf: true, pageSize: pageSize}
}

func newInternal(pageID uint32, pageSize int) *node {
	return &node{pageID: pageID, isLeaf: false, pageSize: pageSize}
}

func decodeNode(data []byte) (*node, error) {
	if len(data) < entriesStart {
		return nil, fmt.Errorf("btree: page too small for node header")
	}
	p := &storage.Page{Data: data}
	if !p.VerifyChecksum() {
		return nil, fmt.Errorf("btree: %w", storage.ErrChecksumMismatch)
	}
	n := &node{
		pageID:   p.PageID(),
		isLeaf:   data[offIsLeaf] != 0,
		parent:   binary.LittleEndian.Uint32(data[offParentPageID:]),
		nextLeaf: binary.LittleEndian.Uint32(data[offNextLeafPage:]),
		prevLeaf: binary.LittleEndian.Uint32(data[offPrevLeafPage:]),
		pageSize: len(data),
	}
	count := int(binary.LittleEndian.Uint16(data[offEntryCount:]))
	off := entriesStart
	for i := 0; i < count; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("btree: truncated entry stream")
		}
		keyLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+keyLen > len(data) {
			return nil, fmt.Errorf("btree: truncated key")
		}
		key := append([]byte(nil), data[off:off+keyLen]...)
		off += keyLen
		e := entry{key: key, isLeaf: n.isLeaf}
		if n.isLeaf {
			if off+storage.LocationSize > len(data) {
				return nil, fmt.Errorf("btree: truncated location")
			}
			e.location = storage.DecodeLocation(data[off : off+storage.LocationSize])
			off += storage.LocationSize
		} else {
			if off+4 > len(data) {
				return nil, fmt.Errorf("btree: truncated child pointer")
			}
			e.child = binary.LittleEndian.Uint32(data[off:])
			off += 4
		}
		n.entries = append(n.entries, e)
	}
	return n, nil
}

// encodedSize reports how many bytes this node needs, so callers can decide
// whether an insert will overflow the page before committing to it.
func (n *node) encodedSize() int {
	size := entriesStart
	for _, e := range n.entries {
		size += 2 + len(e.key)
		if n.isLeaf {
			size += storage.LocationSize
		} else {
			size += 4
		}
	}
	return size
}

func (n *node) fitsIn(pageSize int) bool {
	return n.encodedSize() <= pageSize
}

func (n *node) encode() []byte {
	data := make([]byte, n.pageSize)
	p := &storage.Page{Data: data}
	binary.LittleEndian.PutUint32(data[0:4], n.pageID)
	p.SetType(storage.PageTypeIndex)
	if n.isLeaf {
		data[offIsLeaf] = 1
	}
	binary.LittleEndian.PutUint16(data[offEntryCount:], uint16(len(n.entries)))
	binary.LittleEndian.PutUint32(data[offParentPageID:], n.parent)
	binary.LittleEndian.PutUint32(data[offNextLeafPage:], n.nextLeaf)
	binary.LittleEndian.PutUint32(data[offPrevLeafPage:], n.prevLeaf)

	off := entriesStart
	for _, e := range n.entries {
		binary.LittleEndian.PutUint16(data[off:], uint16(len(e.key)))
		off += 2
		copy(data[off:], e.key)
		off += len(e.key)
		if n.isLeaf {
			copy(data[off:], e.location.Bytes())
			off += storage.LocationSize
		} else {
			binary.LittleEndian.PutUint32(data[off:], e.child)
			off += 4
		}
	}
	p.StampChecksum()
	return data
}

// find returns the index of the first entry whose key is >= target, and
// whether that entry's key equals target exactly.
func (n *node) find(target []byte) (idx int, exact bool) {
	lo, hi := 0, len(n.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(n.entries[mid].key, target)
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(n.entries) && bytes.Equal(n.entries[lo].key, target) {
		return lo, true
	}
	return lo, false
}

// routeChild returns the child pointer to descend into for target, for
// internal nodes: the rightmost entry whose key is <= target (entries[0]'s
// empty key always qualifies as the floor).
func (n *node) routeChild(target []byte) uint32 {
	best := n.entries[0].child
	for _, e := range n.entries[1:] {
		if bytes.Compare(e.key, target) <= 0 {
			best = e.child
		} else {
			break
		}
	}
	return best
}

func (n *node) insertAt(i int, e entry) {
	n.entries = append(n.entries, entry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

func (n *node) removeAt(i int) {
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
}
