// Package storage implements the hard storage core of BLite: the paged file
// manager, the slotted page layout, the in-memory page cache and the
// platform file lock.
package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// PageType identifies the purpose of a page.
type PageType byte

const (
	PageTypeEmpty             PageType = 0
	PageTypeFileHeader        PageType = 1
	PageTypeCollectionCatalog PageType = 2
	PageTypeData              PageType = 3
	PageTypeIndex             PageType = 4
	PageTypeOverflow          PageType = 6
	PageTypeDictionary        PageType = 7
	PageTypeSchema            PageType = 8
	PageTypeVector            PageType = 9
	PageTypeFree              PageType = 10
	PageTypeSpatial           PageType = 11
	PageTypeTimeSeries        PageType = 12
)

func (t PageType) String() string {
	switch t {
	case PageTypeEmpty:
		return "Empty"
	case PageTypeFileHeader:
		return "FileHeader"
	case PageTypeCollectionCatalog:
		return "CollectionCatalog"
	case PageTypeData:
		return "Data"
	case PageTypeIndex:
		return "Index"
	case PageTypeOverflow:
		return "Overflow"
	case PageTypeDictionary:
		return "Dictionary"
	case PageTypeSchema:
		return "Schema"
	case PageTypeVector:
		return "Vector"
	case PageTypeFree:
		return "Free"
	case PageTypeSpatial:
		return "Spatial"
	case PageTypeTimeSeries:
		return "TimeSeries"
	default:
		return fmt.Sprintf("PageType(%d)", t)
	}
}

// PageHeaderSize is the size of the common page header:
// PageId(4), PageType(1), FreeBytes(2), NextPageId(4), TransactionId(8),
// Checksum(4), DictionaryRootPageId(4), reserved(5).
const PageHeaderSize = 32

const (
	offPageID     = 0
	offPageType   = 4
	offFreeBytes  = 5
	offNextPageID = 7
	offTxnID      = 11
	offChecksum   = 19
	offDictRoot   = 23
	// 5 reserved bytes follow, [27:32)
)

// Page is a single fixed-size block of the database file. Its byte slice is
// exactly PageSize long; all accessors index directly into Data. Page size
// is chosen per database rather than fixed at compile time.
type Page struct {
	Data []byte
}

// NewPage allocates a zeroed page of the given size and stamps its header.
func NewPage(pageSize int, pageID uint32, ptype PageType) *Page {
	p := &Page{Data: make([]byte, pageSize)}
	binary.LittleEndian.PutUint32(p.Data[offPageID:], pageID)
	p.Data[offPageType] = byte(ptype)
	return p
}

func (p *Page) PageID() uint32 {
	return binary.LittleEndian.Uint32(p.Data[offPageID:])
}

func (p *Page) Type() PageType { return PageType(p.Data[offPageType]) }

func (p *Page) SetType(t PageType) { p.Data[offPageType] = byte(t) }

func (p *Page) FreeBytes() uint16 {
	return binary.LittleEndian.Uint16(p.Data[offFreeBytes:])
}

func (p *Page) setFreeBytes(v uint16) {
	binary.LittleEndian.PutUint16(p.Data[offFreeBytes:], v)
}

func (p *Page) NextPageID() uint32 {
	return binary.LittleEndian.Uint32(p.Data[offNextPageID:])
}

func (p *Page) SetNextPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[offNextPageID:], id)
}

func (p *Page) TransactionID() uint64 {
	return binary.LittleEndian.Uint64(p.Data[offTxnID:])
}

func (p *Page) SetTransactionID(id uint64) {
	binary.LittleEndian.PutUint64(p.Data[offTxnID:], id)
}

func (p *Page) DictionaryRootPageID() uint32 {
	return binary.LittleEndian.Uint32(p.Data[offDictRoot:])
}

func (p *Page) SetDictionaryRootPageID(id uint32) {
	binary.LittleEndian.PutUint32(p.Data[offDictRoot:], id)
}

// checksum returns the CRC32 of the page body excluding the checksum field
// itself.
func (p *Page) checksum() uint32 {
	crc := crc32.NewIEEE()
	crc.Write(p.Data[:offChecksum])
	crc.Write(p.Data[offChecksum+4:])
	return crc.Sum32()
}

// StampChecksum recomputes and writes the page checksum. Must be called
// before the page is handed to the PageFile for a write.
func (p *Page) StampChecksum() {
	binary.LittleEndian.PutUint32(p.Data[offChecksum:], p.checksum())
}

// VerifyChecksum reports whether the stored checksum matches the body.
func (p *Page) VerifyChecksum() bool {
	stored := binary.LittleEndian.Uint32(p.Data[offChecksum:])
	return stored == p.checksum()
}

// ---------- Slotted page (Data pages) ----------

// dataHeaderExt follows the common 32-byte header on Data pages and carries
// the fields the common header has no room for: slot count and the two
// free-space boundaries. Invariant: freeSpaceEnd <= slot.offset < pageSize;
// document bytes lie above freeSpaceStart.
const (
	dataExtOff        = PageHeaderSize // 32
	dataExtSize       = 8
	offSlotCount      = dataExtOff     // uint16
	offFreeSpaceStart = dataExtOff + 2 // uint16
	offFreeSpaceEnd   = dataExtOff + 4 // uint16
	// 2 reserved bytes at dataExtOff+6
)

// SlotSize is the size of one slot directory entry: Offset(2), Length(2),
// Flags(4).
const SlotSize = 8

// Slot flag bits.
const (
	SlotNone        uint32 = 0
	SlotDeleted     uint32 = 1
	SlotHasOverflow uint32 = 2
)

// InitDataPage stamps a freshly allocated page as an empty Data page.
func (p *Page) InitDataPage() {
	p.SetType(PageTypeData)
	binary.LittleEndian.PutUint16(p.Data[offSlotCount:], 0)
	binary.LittleEndian.PutUint16(p.Data[offFreeSpaceStart:], uint16(dataExtOff+dataExtSize))
	binary.LittleEndian.PutUint16(p.Data[offFreeSpaceEnd:], uint16(len(p.Data)))
	p.setFreeBytes(uint16(len(p.Data) - (dataExtOff + dataExtSize)))
}

func (p *Page) SlotCount() int {
	return int(binary.LittleEndian.Uint16(p.Data[offSlotCount:]))
}

func (p *Page) freeSpaceStart() uint16 {
	return binary.LittleEndian.Uint16(p.Data[offFreeSpaceStart:])
}

func (p *Page) freeSpaceEnd() uint16 {
	return binary.LittleEndian.Uint16(p.Data[offFreeSpaceEnd:])
}

func (p *Page) slotOffset(i int) int { return dataExtOff + dataExtSize + i*SlotSize }

// Slot is a decoded slot directory entry.
type Slot struct {
	Offset uint16
	Length uint16
	Flags  uint32
}

func (p *Page) readSlot(i int) Slot {
	off := p.slotOffset(i)
	return Slot{
		Offset: binary.LittleEndian.Uint16(p.Data[off:]),
		Length: binary.LittleEndian.Uint16(p.Data[off+2:]),
		Flags:  binary.LittleEndian.Uint32(p.Data[off+4:]),
	}
}

func (p *Page) writeSlot(i int, s Slot) {
	off := p.slotOffset(i)
	binary.LittleEndian.PutUint16(p.Data[off:], s.Offset)
	binary.LittleEndian.PutUint16(p.Data[off+2:], s.Length)
	binary.LittleEndian.PutUint32(p.Data[off+4:], s.Flags)
}

// Slot returns the slot at index i. It does no bounds check of its own;
// callers check i against SlotCount first.
func (p *Page) Slot(i int) Slot { return p.readSlot(i) }

// Insert appends a document's raw bytes as a new slot, growing the slot
// directory up from the header and the data area down from the page end.
// Returns the new slot index, or false if there isn't room (caller must
// allocate a fresh Data page or, for a single document too big for any
// page, chain Overflow pages).
func (p *Page) Insert(data []byte) (int, bool) {
	needed := SlotSize + len(data)
	if int(p.FreeBytes()) < needed {
		return 0, false
	}
	start := p.freeSpaceStart()
	end := p.freeSpaceEnd()
	newEnd := end - uint16(len(data))
	copy(p.Data[newEnd:end], data)

	idx := p.SlotCount()
	p.writeSlot(idx, Slot{Offset: newEnd, Length: uint16(len(data)), Flags: SlotNone})

	binary.LittleEndian.PutUint16(p.Data[offSlotCount:], uint16(idx+1))
	binary.LittleEndian.PutUint16(p.Data[offFreeSpaceStart:], start+SlotSize)
	binary.LittleEndian.PutUint16(p.Data[offFreeSpaceEnd:], newEnd)
	p.setFreeBytes(p.FreeBytes() - uint16(needed))
	return idx, true
}

// InsertOverflowPointer inserts a slot whose payload is
// {totalLen:uint32, firstOverflowPageId:uint32} and sets HasOverflow.
func (p *Page) InsertOverflowPointer(totalLen uint32, firstOverflowPageID uint32) (int, bool) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload, totalLen)
	binary.LittleEndian.PutUint32(payload[4:], firstOverflowPageID)
	idx, ok := p.Insert(payload)
	if !ok {
		return 0, false
	}
	s := p.readSlot(idx)
	s.Flags |= SlotHasOverflow
	p.writeSlot(idx, s)
	return idx, true
}

// ErrDeletedSlot is returned by Read when the slot has been marked deleted.
var ErrDeletedSlot = fmt.Errorf("storage: slot is deleted")

// Read returns a view into the page's bytes for the slot at index i. The
// returned slice is valid only until the next write to this page (spec
// §4.3 "valid until the next write to this page").
func (p *Page) Read(i int) ([]byte, error) {
	if i < 0 || i >= p.SlotCount() {
		return nil, fmt.Errorf("storage: slot %d out of range (count=%d)", i, p.SlotCount())
	}
	s := p.readSlot(i)
	if s.Flags&SlotDeleted != 0 {
		return nil, ErrDeletedSlot
	}
	return p.Data[s.Offset : s.Offset+s.Length], nil
}

// OverflowInfo extracts (totalLen, firstOverflowPageID) from an overflow
// pointer slot's payload.
func (p *Page) OverflowInfo(i int) (totalLen uint32, firstPage uint32) {
	s := p.readSlot(i)
	payload := p.Data[s.Offset : s.Offset+s.Length]
	if len(payload) < 8 {
		return 0, 0
	}
	return binary.LittleEndian.Uint32(payload), binary.LittleEndian.Uint32(payload[4:])
}

// Delete marks a slot Deleted without reclaiming its space immediately.
// HasOverflow is preserved so the overflow chain can still be freed by
// maintenance.
func (p *Page) Delete(i int) {
	s := p.readSlot(i)
	s.Flags |= SlotDeleted
	p.writeSlot(i, s)
}

// UpdateInPlace overwrites a slot's bytes if newData is no longer than the
// slot's current length.
// Shrinking leaves the tail of the old region as dead space inside the slot
// (reclaimed only by compact()); the slot's recorded Length becomes newData's
// length so Read returns exactly newData.
func (p *Page) UpdateInPlace(i int, newData []byte) bool {
	s := p.readSlot(i)
	if uint16(len(newData)) > s.Length {
		return false
	}
	copy(p.Data[s.Offset:], newData)
	s.Length = uint16(len(newData))
	s.Flags &^= SlotHasOverflow
	p.writeSlot(i, s)
	return true
}

// Compact rewrites live documents contiguously and rebuilds the slot
// directory. Slot indexes may change; only run this from background
// maintenance, never silently on a read path. Returns the number of dead
// (deleted) slots reclaimed.
func (p *Page) Compact() int {
	type live struct {
		data  []byte
		flags uint32
	}
	var entries []live
	reclaimed := 0
	for i := 0; i < p.SlotCount(); i++ {
		s := p.readSlot(i)
		if s.Flags&SlotDeleted != 0 {
			reclaimed++
			continue
		}
		buf := make([]byte, s.Length)
		copy(buf, p.Data[s.Offset:s.Offset+s.Length])
		entries = append(entries, live{data: buf, flags: s.Flags})
	}

	pageID := p.PageID()
	ptype := p.Type()
	nextID := p.NextPageID()
	txnID := p.TransactionID()
	dictRoot := p.DictionaryRootPageID()
	size := len(p.Data)

	for i := range p.Data {
		p.Data[i] = 0
	}
	binary.LittleEndian.PutUint32(p.Data[offPageID:], pageID)
	p.SetType(ptype)
	p.SetNextPageID(nextID)
	p.SetTransactionID(txnID)
	p.SetDictionaryRootPageID(dictRoot)
	binary.LittleEndian.PutUint16(p.Data[offFreeSpaceStart:], uint16(dataExtOff+dataExtSize))
	binary.LittleEndian.PutUint16(p.Data[offFreeSpaceEnd:], uint16(size))
	p.setFreeBytes(uint16(size - (dataExtOff + dataExtSize)))
	binary.LittleEndian.PutUint16(p.Data[offSlotCount:], 0)

	for _, e := range entries {
		idx, ok := p.Insert(e.data)
		if !ok {
			// Can't happen: compacted data is always <= original footprint.
			continue
		}
		s := p.readSlot(idx)
		s.Flags = e.flags
		p.writeSlot(idx, s)
	}
	return reclaimed
}

// ---------- Overflow pages ----------

// OverflowDataCapacity is the number of raw bytes an Overflow page can hold.
func OverflowDataCapacity(pageSize int) int { return pageSize - PageHeaderSize }

// WriteOverflowChunk writes a chunk of raw bytes after the page header.
func (p *Page) WriteOverflowChunk(chunk []byte) {
	copy(p.Data[PageHeaderSize:], chunk)
}

// ReadOverflowChunk reads up to length bytes of raw data after the header.
func (p *Page) ReadOverflowChunk(length int) []byte {
	cap := OverflowDataCapacity(len(p.Data))
	if length > cap {
		length = cap
	}
	out := make([]byte, length)
	copy(out, p.Data[PageHeaderSize:])
	return out
}
