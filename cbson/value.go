package cbson

import "time"

// BSON type codes, spec-compatible with BSON 1.1.
const (
	KindDouble     byte = 0x01
	KindString     byte = 0x02
	KindDocument   byte = 0x03
	KindArray      byte = 0x04
	KindBinary     byte = 0x05
	KindObjectId   byte = 0x07
	KindBoolean    byte = 0x08
	KindDateTime   byte = 0x09
	KindNull       byte = 0x0A
	KindInt32      byte = 0x10
	KindTimestamp  byte = 0x11
	KindInt64      byte = 0x12
	KindDecimal128 byte = 0x13
)

// Value is a tagged union holding one decoded BSON value. Only the field
// matching Kind is meaningful.
type Value struct {
	Kind byte

	Double     float64
	Str        string
	Doc        *Document
	Arr        []Value
	Bin        []byte
	BinSubtype byte
	OID        ObjectId
	Bool       bool
	DateTime   time.Time
	Int32      int32
	Timestamp  uint64
	Int64      int64
	Decimal128 [16]byte
}

// Element is one named slot of a Document, prior to field-id substitution.
type Element struct {
	Name  string
	Value Value
}

// Document is an ordered sequence of named values, the in-memory form
// encode/decode operate on.
type Document struct {
	Elements []Element
}

func NewDocument(elems ...Element) *Document {
	return &Document{Elements: elems}
}

func (d *Document) Append(name string, v Value) *Document {
	d.Elements = append(d.Elements, Element{Name: name, Value: v})
	return d
}

// Get returns the first element named name, if present.
func (d *Document) Get(name string) (Value, bool) {
	for _, e := range d.Elements {
		if e.Name == name {
			return e.Value, true
		}
	}
	return Value{}, false
}

func DoubleValue(f float64) Value { return Value{Kind: KindDouble, Double: f} }
func StringValue(s string) Value  { return Value{Kind: KindString, Str: s} }
func DocValue(d *Document) Value  { return Value{Kind: KindDocument, Doc: d} }
func ArrayValue(v []Value) Value  { return Value{Kind: KindArray, Arr: v} }

func BinaryValue(subtype byte, data []byte) Value {
	return Value{Kind: KindBinary, BinSubtype: subtype, Bin: data}
}

func ObjectIdValue(id ObjectId) Value { return Value{Kind: KindObjectId, OID: id} }
func BoolValue(b bool) Value          { return Value{Kind: KindBoolean, Bool: b} }
func DateTimeValue(t time.Time) Value { return Value{Kind: KindDateTime, DateTime: t} }
func NullValue() Value                { return Value{Kind: KindNull} }
func Int32Value(i int32) Value        { return Value{Kind: KindInt32, Int32: i} }
func TimestampValue(v uint64) Value   { return Value{Kind: KindTimestamp, Timestamp: v} }
func Int64Value(i int64) Value        { return Value{Kind: KindInt64, Int64: i} }

func Decimal128Value(b [16]byte) Value {
	return Value{Kind: KindDecimal128, Decimal128: b}
}

// arrayIndexName produces the numeric field name BSON arrays use for their
// elements ("0", "1", ...). The field-name schema still assigns these a
// 16-bit id like any other field.
func arrayIndexName(i int) string {
	if i == 0 {
		return "0"
	}
	digits := make([]byte, 0, 4)
	n := i
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
