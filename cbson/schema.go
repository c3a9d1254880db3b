package cbson

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/blitedb/blite/storage"
)

// FieldSchema is the database-wide bidirectional map between field names
// and their 16-bit ids. Ids are assigned on first use and never reused or
// renumbered, so a C-BSON byte stream stays valid across the schema's
// lifetime even as new fields are introduced. FieldSchema is safe for
// concurrent use.
type FieldSchema struct {
	mu       sync.RWMutex
	nameToID map[string]uint16
	idToName map[uint16]string
	typeHint map[uint16]byte
	nextID   uint16

	// pf, once attached, makes IDFor persist and fsync the Dictionary page
	// chain synchronously whenever it assigns a brand-new id — before that
	// id can appear in any document a caller goes on to commit. Without an
	// attached PageFile (pure codec unit tests, schemas built ahead of a
	// database existing) ids are still assigned in memory but never
	// written out; callers that need crash durability must Attach one.
	pf *storage.PageFile
}

// NewFieldSchema returns an empty schema. Id 0 is reserved and never
// assigned.
func NewFieldSchema() *FieldSchema {
	return &FieldSchema{
		nameToID: make(map[string]uint16),
		idToName: make(map[uint16]string),
		typeHint: make(map[uint16]byte),
		nextID:   1,
	}
}

// Attach associates the schema with the PageFile its Dictionary page chain
// lives in. Once attached, IDFor persists and fsyncs that chain immediately
// whenever it assigns a new id, so a transaction that goes on to encode a
// document using the id can never commit durably before the schema entry
// that explains it does.
func (s *FieldSchema) Attach(pf *storage.PageFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pf = pf
}

// IDFor returns the id for name, assigning a fresh one if name has never
// been seen before. Assigning a fresh id is synchronous with persisting it
// (see Attach) precisely because nothing downstream may reference that id
// durably until its dictionary entry is itself durable.
func (s *FieldSchema) IDFor(name string, kind byte) (uint16, error) {
	s.mu.RLock()
	if id, ok := s.nameToID[name]; ok {
		s.mu.RUnlock()
		return id, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	if id, ok := s.nameToID[name]; ok {
		s.mu.Unlock()
		return id, nil
	}
	if s.nextID == 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("cbson: field id space exhausted")
	}
	id := s.nextID
	s.nextID++
	s.nameToID[name] = id
	s.idToName[id] = name
	s.typeHint[id] = kind
	pf := s.pf
	s.mu.Unlock()

	if pf != nil {
		if err := s.Persist(pf); err != nil {
			return 0, fmt.Errorf("cbson: persist new field %q: %w", name, err)
		}
		if err := pf.Flush(); err != nil {
			return 0, fmt.Errorf("cbson: flush new field %q: %w", name, err)
		}
	}
	return id, nil
}

// NameFor resolves an id back to its field name.
func (s *FieldSchema) NameFor(id uint16) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.idToName[id]
	return name, ok
}

// Len reports the number of distinct field names registered.
func (s *FieldSchema) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nameToID)
}

// dictEntryHeaderSize is {fieldId(2), nameLen(1)}; the name bytes and the
// trailing bsonType(1) byte follow.
const dictEntryHeaderSize = 3

// Persist serializes the schema into a chain of Dictionary pages and
// records the chain's head in the FileHeader's DictionaryRootPageId. Any
// previously persisted chain is freed back to the PageFile's free list
// once the new chain is written and rooted, so repeated Persist calls
// (e.g. one per process Close) don't leak a new chain of pages every time.
func (s *FieldSchema) Persist(pf *storage.PageFile) error {
	oldRoot := pf.DictionaryRoot()

	s.mu.RLock()
	type entry struct {
		id   uint16
		name string
		kind byte
	}
	entries := make([]entry, 0, len(s.idToName))
	for id, name := range s.idToName {
		entries = append(entries, entry{id: id, name: name, kind: s.typeHint[id]})
	}
	s.mu.RUnlock()

	// Stable order by id so re-persisting an unchanged schema writes
	// byte-identical page contents (the chain itself lands in freshly
	// allocated pages).
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].id > entries[j].id; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}

	capacity := pf.PageSize() - storage.PageHeaderSize
	var pages []*storage.Page
	cur := storage.NewPage(pf.PageSize(), 0, storage.PageTypeDictionary)
	off := 0
	for _, e := range entries {
		need := dictEntryHeaderSize + len(e.name) + 1
		if off+need+2 > capacity { // +2 leaves room for the zero-id terminator
			pages = append(pages, cur)
			cur = storage.NewPage(pf.PageSize(), 0, storage.PageTypeDictionary)
			off = 0
		}
		buf := cur.Data[storage.PageHeaderSize+off:]
		binary.LittleEndian.PutUint16(buf, e.id)
		buf[2] = byte(len(e.name))
		copy(buf[3:], e.name)
		buf[3+len(e.name)] = e.kind
		off += need
	}
	pages = append(pages, cur)

	ids := make([]uint32, len(pages))
	for i := range pages {
		id, err := pf.AllocatePage(storage.PageTypeDictionary)
		if err != nil {
			return fmt.Errorf("cbson: allocate dictionary page: %w", err)
		}
		ids[i] = id
	}
	for i, page := range pages {
		// stamp the real page id now that it's known; the page was built
		// with a placeholder id of 0 while entries were packed above.
		binary.LittleEndian.PutUint32(page.Data[0:4], ids[i])
		if i+1 < len(pages) {
			page.SetNextPageID(ids[i+1])
		} else {
			page.SetNextPageID(0)
		}
		if err := pf.WritePage(page); err != nil {
			return fmt.Errorf("cbson: write dictionary page: %w", err)
		}
	}

	if err := pf.SetDictionaryRoot(ids[0]); err != nil {
		return err
	}

	for pageID := oldRoot; pageID != 0; {
		page, err := pf.ReadPage(pageID)
		if err != nil {
			return fmt.Errorf("cbson: read old dictionary page %d: %w", pageID, err)
		}
		next := page.NextPageID()
		if err := pf.FreePage(pageID); err != nil {
			return fmt.Errorf("cbson: free old dictionary page %d: %w", pageID, err)
		}
		pageID = next
	}
	return nil
}

// LoadFieldSchema reconstructs a FieldSchema from the Dictionary page chain
// rooted at the PageFile's DictionaryRootPageId. Returns an empty schema if
// none has ever been persisted.
func LoadFieldSchema(pf *storage.PageFile) (*FieldSchema, error) {
	s := NewFieldSchema()
	root := pf.DictionaryRoot()
	if root == 0 {
		return s, nil
	}

	pageID := root
	for pageID != 0 {
		page, err := pf.ReadPage(pageID)
		if err != nil {
			return nil, fmt.Errorf("cbson: read dictionary page %d: %w", pageID, err)
		}
		off := 0
		capacity := len(page.Data) - storage.PageHeaderSize
		for off+2 <= capacity {
			buf := page.Data[storage.PageHeaderSize+off:]
			id := binary.LittleEndian.Uint16(buf)
			if id == 0 {
				break
			}
			nameLen := int(buf[2])
			if off+dictEntryHeaderSize+nameLen+1 > capacity {
				return nil, fmt.Errorf("%w: dictionary entry overruns page", ErrMalformedDocument)
			}
			name := string(buf[3 : 3+nameLen])
			kind := buf[3+nameLen]
			s.nameToID[name] = id
			s.idToName[id] = name
			s.typeHint[id] = kind
			if id >= s.nextID {
				s.nextID = id + 1
			}
			off += dictEntryHeaderSize + nameLen + 1
		}
		pageID = page.NextPageID()
	}
	return s, nil
}
