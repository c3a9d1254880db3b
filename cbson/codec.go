package cbson

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Size computes the exact encoded length of doc without writing anything,
// so callers can allocate a right-sized buffer before calling Encode. Field
// ids don't affect the byte count (they're a fixed-width substitution for
// names), so Size needs no schema.
func Size(doc *Document) (int, error) {
	n := 4 // length prefix
	for _, e := range doc.Elements {
		elemLen, err := elementSize(e)
		if err != nil {
			return 0, err
		}
		n += 1 + 2 + elemLen // type code + field id + value
	}
	n++ // terminator
	return n, nil
}

func elementSize(e Element) (int, error) {
	switch e.Value.Kind {
	case KindDouble, KindInt64, KindDateTime, KindTimestamp:
		return 8, nil
	case KindString:
		return 4 + len(e.Value.Str) + 1, nil
	case KindDocument:
		return Size(e.Value.Doc)
	case KindArray:
		d := arrayToDocument(e.Value.Arr)
		return Size(d)
	case KindBinary:
		return 4 + 1 + len(e.Value.Bin), nil
	case KindObjectId:
		return 12, nil
	case KindBoolean:
		return 1, nil
	case KindNull:
		return 0, nil
	case KindInt32:
		return 4, nil
	case KindDecimal128:
		return 16, nil
	default:
		return 0, fmt.Errorf("%w: kind %#x", ErrUnknownTypeCode, e.Value.Kind)
	}
}

func arrayToDocument(vals []Value) *Document {
	d := &Document{Elements: make([]Element, len(vals))}
	for i, v := range vals {
		d.Elements[i] = Element{Name: arrayIndexName(i), Value: v}
	}
	return d
}

// Encode writes doc into dst using schema to substitute field names with
// 16-bit ids, assigning fresh ids for names never seen before. Returns the
// number of bytes written. Fails ErrBufferTooSmall if dst cannot hold the
// encoded document.
func Encode(doc *Document, schema *FieldSchema, dst []byte) (int, error) {
	total, err := Size(doc)
	if err != nil {
		return 0, err
	}
	if len(dst) < total {
		return 0, ErrBufferTooSmall
	}
	n, err := encodeInto(doc, schema, dst)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func encodeInto(doc *Document, schema *FieldSchema, dst []byte) (int, error) {
	start := 0
	cursor := 4
	for _, e := range doc.Elements {
		id, err := schema.IDFor(e.Name, e.Value.Kind)
		if err != nil {
			return 0, err
		}
		dst[cursor] = e.Value.Kind
		binary.LittleEndian.PutUint16(dst[cursor+1:], id)
		cursor += 3
		n, err := encodeValue(e.Value, schema, dst[cursor:])
		if err != nil {
			return 0, err
		}
		cursor += n
	}
	dst[cursor] = 0x00
	cursor++
	binary.LittleEndian.PutUint32(dst[start:], uint32(cursor-start))
	return cursor - start, nil
}

func encodeValue(v Value, schema *FieldSchema, dst []byte) (int, error) {
	switch v.Kind {
	case KindDouble:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v.Double))
		return 8, nil
	case KindString:
		b := []byte(v.Str)
		binary.LittleEndian.PutUint32(dst, uint32(len(b)+1))
		copy(dst[4:], b)
		dst[4+len(b)] = 0x00
		return 4 + len(b) + 1, nil
	case KindDocument:
		return encodeInto(v.Doc, schema, dst)
	case KindArray:
		return encodeInto(arrayToDocument(v.Arr), schema, dst)
	case KindBinary:
		binary.LittleEndian.PutUint32(dst, uint32(len(v.Bin)))
		dst[4] = v.BinSubtype
		copy(dst[5:], v.Bin)
		return 4 + 1 + len(v.Bin), nil
	case KindObjectId:
		copy(dst, v.OID[:])
		return 12, nil
	case KindBoolean:
		if v.Bool {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
		return 1, nil
	case KindDateTime:
		binary.LittleEndian.PutUint64(dst, uint64(v.DateTime.UnixMilli()))
		return 8, nil
	case KindNull:
		return 0, nil
	case KindInt32:
		binary.LittleEndian.PutUint32(dst, uint32(v.Int32))
		return 4, nil
	case KindTimestamp:
		binary.LittleEndian.PutUint64(dst, v.Timestamp)
		return 8, nil
	case KindInt64:
		binary.LittleEndian.PutUint64(dst, uint64(v.Int64))
		return 8, nil
	case KindDecimal128:
		copy(dst, v.Decimal128[:])
		return 16, nil
	default:
		return 0, fmt.Errorf("%w: kind %#x", ErrUnknownTypeCode, v.Kind)
	}
}

// Decode parses a full C-BSON document from src, resolving field ids to
// names via schema.
func Decode(src []byte, schema *FieldSchema) (*Document, error) {
	doc, n, err := decodeDocument(src, schema)
	if err != nil {
		return nil, err
	}
	if n != len(src) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedDocument, len(src)-n)
	}
	return doc, nil
}

func decodeDocument(src []byte, schema *FieldSchema) (*Document, int, error) {
	if len(src) < 5 {
		return nil, 0, fmt.Errorf("%w: document shorter than minimum frame", ErrMalformedDocument)
	}
	total := int(binary.LittleEndian.Uint32(src))
	if total < 5 || total > len(src) {
		return nil, 0, fmt.Errorf("%w: length prefix %d out of bounds", ErrMalformedDocument, total)
	}
	doc := &Document{}
	cursor := 4
	for cursor < total-1 {
		if cursor+3 > total {
			return nil, 0, fmt.Errorf("%w: truncated element header", ErrMalformedDocument)
		}
		kind := src[cursor]
		id := binary.LittleEndian.Uint16(src[cursor+1:])
		cursor += 3
		name, ok := schema.NameFor(id)
		if !ok {
			return nil, 0, fmt.Errorf("%w: field id %d", ErrUnknownField, id)
		}
		v, n, err := decodeValue(kind, src[cursor:total], schema)
		if err != nil {
			return nil, 0, err
		}
		doc.Elements = append(doc.Elements, Element{Name: name, Value: v})
		cursor += n
	}
	if cursor != total-1 || src[cursor] != 0x00 {
		return nil, 0, fmt.Errorf("%w: missing terminator", ErrMalformedDocument)
	}
	return doc, total, nil
}

func decodeValue(kind byte, src []byte, schema *FieldSchema) (Value, int, error) {
	switch kind {
	case KindDouble:
		if len(src) < 8 {
			return Value{}, 0, fmt.Errorf("%w: short double", ErrMalformedDocument)
		}
		return DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(src))), 8, nil
	case KindString:
		if len(src) < 4 {
			return Value{}, 0, fmt.Errorf("%w: short string length", ErrMalformedDocument)
		}
		l := int(binary.LittleEndian.Uint32(src))
		if l < 1 || 4+l > len(src) {
			return Value{}, 0, fmt.Errorf("%w: string length %d out of bounds", ErrMalformedDocument, l)
		}
		if src[4+l-1] != 0x00 {
			return Value{}, 0, fmt.Errorf("%w: string missing terminator", ErrMalformedDocument)
		}
		return StringValue(string(src[4 : 4+l-1])), 4 + l, nil
	case KindDocument:
		d, n, err := decodeDocument(src, schema)
		if err != nil {
			return Value{}, 0, err
		}
		return DocValue(d), n, nil
	case KindArray:
		d, n, err := decodeDocument(src, schema)
		if err != nil {
			return Value{}, 0, err
		}
		vals := make([]Value, len(d.Elements))
		for i, e := range d.Elements {
			vals[i] = e.Value
		}
		return ArrayValue(vals), n, nil
	case KindBinary:
		if len(src) < 5 {
			return Value{}, 0, fmt.Errorf("%w: short binary header", ErrMalformedDocument)
		}
		l := int(binary.LittleEndian.Uint32(src))
		if 5+l > len(src) {
			return Value{}, 0, fmt.Errorf("%w: binary length %d out of bounds", ErrMalformedDocument, l)
		}
		subtype := src[4]
		data := make([]byte, l)
		copy(data, src[5:5+l])
		return BinaryValue(subtype, data), 5 + l, nil
	case KindObjectId:
		if len(src) < 12 {
			return Value{}, 0, fmt.Errorf("%w: short ObjectId", ErrMalformedDocument)
		}
		id, _ := ObjectIdFromBytes(src[:12])
		return ObjectIdValue(id), 12, nil
	case KindBoolean:
		if len(src) < 1 {
			return Value{}, 0, fmt.Errorf("%w: short boolean", ErrMalformedDocument)
		}
		return BoolValue(src[0] != 0), 1, nil
	case KindDateTime:
		if len(src) < 8 {
			return Value{}, 0, fmt.Errorf("%w: short datetime", ErrMalformedDocument)
		}
		ms := int64(binary.LittleEndian.Uint64(src))
		return DateTimeValue(time.UnixMilli(ms).UTC()), 8, nil
	case KindNull:
		return NullValue(), 0, nil
	case KindInt32:
		if len(src) < 4 {
			return Value{}, 0, fmt.Errorf("%w: short int32", ErrMalformedDocument)
		}
		return Int32Value(int32(binary.LittleEndian.Uint32(src))), 4, nil
	case KindTimestamp:
		if len(src) < 8 {
			return Value{}, 0, fmt.Errorf("%w: short timestamp", ErrMalformedDocument)
		}
		return TimestampValue(binary.LittleEndian.Uint64(src)), 8, nil
	case KindInt64:
		if len(src) < 8 {
			return Value{}, 0, fmt.Errorf("%w: short int64", ErrMalformedDocument)
		}
		return Int64Value(int64(binary.LittleEndian.Uint64(src))), 8, nil
	case KindDecimal128:
		if len(src) < 16 {
			return Value{}, 0, fmt.Errorf("%w: short decimal128", ErrMalformedDocument)
		}
		var b [16]byte
		copy(b[:], src[:16])
		return Decimal128Value(b), 16, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: %#x", ErrUnknownTypeCode, kind)
	}
}

// ScanVisitor receives each top-level element of a document as it is
// scanned, without the whole document being materialized. Returning false
// stops the scan early.
type ScanVisitor func(name string, kind byte, raw []byte) bool

// Scan walks the top-level elements of an encoded document, handing each
// one's raw value bytes to visitor without decoding nested documents or
// strings. Used by collection predicates that only need a handful of
// fields out of a large document.
func Scan(src []byte, schema *FieldSchema, visitor ScanVisitor) error {
	if len(src) < 5 {
		return fmt.Errorf("%w: document shorter than minimum frame", ErrMalformedDocument)
	}
	total := int(binary.LittleEndian.Uint32(src))
	if total < 5 || total > len(src) {
		return fmt.Errorf("%w: length prefix %d out of bounds", ErrMalformedDocument, total)
	}
	cursor := 4
	for cursor < total-1 {
		if cursor+3 > total {
			return fmt.Errorf("%w: truncated element header", ErrMalformedDocument)
		}
		kind := src[cursor]
		id := binary.LittleEndian.Uint16(src[cursor+1:])
		cursor += 3
		name, ok := schema.NameFor(id)
		if !ok {
			return fmt.Errorf("%w: field id %d", ErrUnknownField, id)
		}
		n, err := valueSpan(kind, src[cursor:total])
		if err != nil {
			return err
		}
		if !visitor(name, kind, src[cursor:cursor+n]) {
			return nil
		}
		cursor += n
	}
	return nil
}

// valueSpan returns how many bytes of src the value occupies, without
// fully decoding it.
func valueSpan(kind byte, src []byte) (int, error) {
	switch kind {
	case KindDouble, KindInt64, KindDateTime, KindTimestamp:
		if len(src) < 8 {
			return 0, fmt.Errorf("%w: short fixed-size value", ErrMalformedDocument)
		}
		return 8, nil
	case KindString:
		if len(src) < 4 {
			return 0, fmt.Errorf("%w: short string length", ErrMalformedDocument)
		}
		l := int(binary.LittleEndian.Uint32(src))
		if l < 1 || 4+l > len(src) {
			return 0, fmt.Errorf("%w: string length %d out of bounds", ErrMalformedDocument, l)
		}
		return 4 + l, nil
	case KindDocument, KindArray:
		if len(src) < 4 {
			return 0, fmt.Errorf("%w: short nested document length", ErrMalformedDocument)
		}
		l := int(binary.LittleEndian.Uint32(src))
		if l < 5 || l > len(src) {
			return 0, fmt.Errorf("%w: nested document length %d out of bounds", ErrMalformedDocument, l)
		}
		return l, nil
	case KindBinary:
		if len(src) < 5 {
			return 0, fmt.Errorf("%w: short binary header", ErrMalformedDocument)
		}
		l := int(binary.LittleEndian.Uint32(src))
		if 5+l > len(src) {
			return 0, fmt.Errorf("%w: binary length %d out of bounds", ErrMalformedDocument, l)
		}
		return 5 + l, nil
	case KindObjectId:
		if len(src) < 12 {
			return 0, fmt.Errorf("%w: short ObjectId", ErrMalformedDocument)
		}
		return 12, nil
	case KindBoolean:
		if len(src) < 1 {
			return 0, fmt.Errorf("%w: short boolean", ErrMalformedDocument)
		}
		return 1, nil
	case KindNull:
		return 0, nil
	case KindInt32:
		if len(src) < 4 {
			return 0, fmt.Errorf("%w: short int32", ErrMalformedDocument)
		}
		return 4, nil
	case KindDecimal128:
		if len(src) < 16 {
			return 0, fmt.Errorf("%w: short decimal128", ErrMalformedDocument)
		}
		return 16, nil
	default:
		return 0, fmt.Errorf("%w: %#x", ErrUnknownTypeCode, kind)
	}
}
