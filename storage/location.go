package storage

import "encoding/binary"

// DocumentLocation uniquely addresses a document: the Data page holding it
// and its slot index within that page's slot directory.
type DocumentLocation struct {
	PageID    uint32
	SlotIndex uint16
}

// LocationSize is the serialized size of a DocumentLocation: PageId(4),
// SlotIndex(2).
const LocationSize = 6

func (l DocumentLocation) Bytes() []byte {
	b := make([]byte, LocationSize)
	binary.LittleEndian.PutUint32(b[0:4], l.PageID)
	binary.LittleEndian.PutUint16(b[4:6], l.SlotIndex)
	return b
}

func DecodeLocation(b []byte) DocumentLocation {
	return DocumentLocation{
		PageID:    binary.LittleEndian.Uint32(b[0:4]),
		SlotIndex: binary.LittleEndian.Uint16(b[4:6]),
	}
}
