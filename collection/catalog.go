package collection

import (
	"encoding/binary"
	"fmt"

	"github.com/blitedb/blite/storage"
)

// KeyType identifies how a collection's primary key bytes are encoded on
// the wire, per spec §3.1's IndexKey concrete encodings.
type KeyType byte

const (
	KeyTypeObjectID KeyType = 0
	KeyTypeInt64    KeyType = 1
	KeyTypeString   KeyType = 2
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeObjectID:
		return "ObjectID"
	case KeyTypeInt64:
		return "Int64"
	case KeyTypeString:
		return "String"
	default:
		return fmt.Sprintf("KeyType(%d)", k)
	}
}

// secondaryDesc is a persisted secondary index descriptor.
type secondaryDesc struct {
	name       string
	unique     bool
	rootPageID uint32
}

// catalogEntry is one collection's persisted metadata, packed into the
// CollectionCatalog page chain rooted at page 1.
type catalogEntry struct {
	name           string
	keyType        KeyType
	primaryRoot    uint32
	headDataPage   uint32
	tailDataPage   uint32
	schemaVersion  uint32
	secondary      []secondaryDesc
}

func (e *catalogEntry) encodedSize() int {
	n := 1 + len(e.name) + 1 + 4 + 4 + 4 + 4 + 1
	for _, s := range e.secondary {
		n += 1 + len(s.name) + 1 + 4
	}
	return n
}

func (e *catalogEntry) encode(dst []byte) int {
	off := 0
	dst[off] = byte(len(e.name))
	off++
	off += copy(dst[off:], e.name)
	dst[off] = byte(e.keyType)
	off++
	binary.LittleEndian.PutUint32(dst[off:], e.primaryRoot)
	off += 4
	binary.LittleEndian.PutUint32(dst[off:], e.headDataPage)
	off += 4
	binary.LittleEndian.PutUint32(dst[off:], e.tailDataPage)
	off += 4
	binary.LittleEndian.PutUint32(dst[off:], e.schemaVersion)
	off += 4
	dst[off] = byte(len(e.secondary))
	off++
	for _, s := range e.secondary {
		dst[off] = byte(len(s.name))
		off++
		off += copy(dst[off:], s.name)
		if s.unique {
			dst[off] = 1
		} else {
			dst[off] = 0
		}
		off++
		binary.LittleEndian.PutUint32(dst[off:], s.rootPageID)
		off += 4
	}
	return off
}

// decodeCatalogEntry reads one entry from buf starting at 0, returning the
// entry and the number of bytes consumed.
func decodeCatalogEntry(buf []byte) (*catalogEntry, int, error) {
	if len(buf) < 1 {
		return nil, 0, fmt.Errorf("%w: truncated catalog entry", ErrCorruptCatalog)
	}
	off := 0
	nameLen := int(buf[off])
	off++
	if nameLen == 0 {
		return nil, 0, nil // zero-length name marks the end of a page's entries
	}
	if off+nameLen+17 > len(buf) {
		return nil, 0, fmt.Errorf("%w: entry overruns page", ErrCorruptCatalog)
	}
	e := &catalogEntry{name: string(buf[off : off+nameLen])}
	off += nameLen
	e.keyType = KeyType(buf[off])
	off++
	e.primaryRoot = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.headDataPage = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.tailDataPage = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.schemaVersion = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	secCount := int(buf[off])
	off++
	for i := 0; i < secCount; i++ {
		if off+1 > len(buf) {
			return nil, 0, fmt.Errorf("%w: truncated secondary descriptor", ErrCorruptCatalog)
		}
		sNameLen := int(buf[off])
		off++
		if off+sNameLen+5 > len(buf) {
			return nil, 0, fmt.Errorf("%w: secondary descriptor overruns page", ErrCorruptCatalog)
		}
		s := secondaryDesc{name: string(buf[off : off+sNameLen])}
		off += sNameLen
		s.unique = buf[off] != 0
		off++
		s.rootPageID = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		e.secondary = append(e.secondary, s)
	}
	return e, off, nil
}

// persistCatalog rewrites the entire catalog chain starting at page 1,
// allocating or freeing trailing pages as the entry set grows or shrinks.
// Mirrors cbson.FieldSchema.Persist's chained-page approach.
func persistCatalog(pf *storage.PageFile, entries []*catalogEntry) error {
	capacity := pf.PageSize() - storage.PageHeaderSize

	var pageBufs [][]byte
	cur := make([]byte, 0, capacity)
	for _, e := range entries {
		need := e.encodedSize()
		if len(cur)+need+1 > capacity { // +1 leaves room for the terminator byte
			pageBufs = append(pageBufs, cur)
			cur = make([]byte, 0, capacity)
		}
		buf := make([]byte, need)
		e.encode(buf)
		cur = append(cur, buf...)
	}
	pageBufs = append(pageBufs, cur)

	// Page 1 always exists (allocated by PageFile.initFileHeader); any
	// further chain pages are allocated/extended on demand and freed if the
	// catalog has shrunk since the last persist.
	ids := []uint32{1}
	existing, err := pf.ReadPage(1)
	if err != nil {
		return fmt.Errorf("collection: read catalog head: %w", err)
	}
	nextID := existing.NextPageID()
	for len(ids) < len(pageBufs) {
		if nextID != 0 {
			ids = append(ids, nextID)
			page, err := pf.ReadPage(nextID)
			if err != nil {
				return fmt.Errorf("collection: read catalog chain page: %w", err)
			}
			nextID = page.NextPageID()
		} else {
			id, err := pf.AllocatePage(storage.PageTypeCollectionCatalog)
			if err != nil {
				return fmt.Errorf("collection: allocate catalog page: %w", err)
			}
			ids = append(ids, id)
		}
	}
	// Free any leftover chain pages beyond what's needed now.
	for nextID != 0 && len(ids) >= len(pageBufs) {
		page, err := pf.ReadPage(nextID)
		if err != nil {
			break
		}
		freeing := nextID
		nextID = page.NextPageID()
		if err := pf.FreePage(freeing); err != nil {
			return err
		}
	}

	for i, id := range ids {
		page := storage.NewPage(pf.PageSize(), id, storage.PageTypeCollectionCatalog)
		copy(page.Data[storage.PageHeaderSize:], pageBufs[i])
		if i+1 < len(ids) {
			page.SetNextPageID(ids[i+1])
		}
		if err := pf.WritePage(page); err != nil {
			return fmt.Errorf("collection: write catalog page %d: %w", id, err)
		}
	}
	return nil
}

// loadCatalog reconstructs every collection's metadata from the chain
// rooted at page 1.
func loadCatalog(pf *storage.PageFile) ([]*catalogEntry, error) {
	var entries []*catalogEntry
	pageID := uint32(1)
	for pageID != 0 {
		page, err := pf.ReadPage(pageID)
		if err != nil {
			return nil, fmt.Errorf("collection: read catalog page %d: %w", pageID, err)
		}
		buf := page.Data[storage.PageHeaderSize:]
		for len(buf) > 0 {
			e, n, err := decodeCatalogEntry(buf)
			if err != nil {
				return nil, err
			}
			if e == nil {
				break
			}
			entries = append(entries, e)
			buf = buf[n:]
		}
		pageID = page.NextPageID()
	}
	return entries, nil
}
