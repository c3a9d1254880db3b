package cbson

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	schema := NewFieldSchema()
	doc := NewDocument(
		Element{Name: "name", Value: StringValue("ada")},
		Element{Name: "age", Value: Int32Value(37)},
		Element{Name: "active", Value: BoolValue(true)},
		Element{Name: "score", Value: DoubleValue(3.5)},
		Element{Name: "id", Value: ObjectIdValue(NewObjectId())},
	)

	size, err := Size(doc)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	buf := make([]byte, size)
	n, err := Encode(doc, schema, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != size {
		t.Fatalf("Encode wrote %d bytes, Size predicted %d", n, size)
	}

	decoded, err := Decode(buf, schema)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Elements) != len(doc.Elements) {
		t.Fatalf("decoded %d elements, want %d", len(decoded.Elements), len(doc.Elements))
	}
	name, ok := decoded.Get("name")
	if !ok || name.Str != "ada" {
		t.Fatalf("decoded name = %+v", name)
	}
	age, ok := decoded.Get("age")
	if !ok || age.Int32 != 37 {
		t.Fatalf("decoded age = %+v", age)
	}
}

func TestEncodeBufferTooSmall(t *testing.T) {
	schema := NewFieldSchema()
	doc := NewDocument(Element{Name: "x", Value: Int32Value(1)})
	buf := make([]byte, 2)
	if _, err := Encode(doc, schema, buf); !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("Encode with short buffer = %v, want ErrBufferTooSmall", err)
	}
}

func TestDecodeUnknownField(t *testing.T) {
	schema := NewFieldSchema()
	doc := NewDocument(Element{Name: "x", Value: Int32Value(1)})
	buf := make([]byte, mustSize(t, doc))
	if _, err := Encode(doc, schema, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	fresh := NewFieldSchema()
	if _, err := Decode(buf, fresh); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("Decode with fresh schema = %v, want ErrUnknownField", err)
	}
}

func TestNestedDocumentRoundtrip(t *testing.T) {
	schema := NewFieldSchema()
	inner := NewDocument(Element{Name: "city", Value: StringValue("zurich")})
	doc := NewDocument(Element{Name: "address", Value: DocValue(inner)})

	buf := make([]byte, mustSize(t, doc))
	if _, err := Encode(doc, schema, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(buf, schema)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	addr, ok := decoded.Get("address")
	if !ok || addr.Kind != KindDocument {
		t.Fatalf("decoded address = %+v", addr)
	}
	city, ok := addr.Doc.Get("city")
	if !ok || city.Str != "zurich" {
		t.Fatalf("decoded city = %+v", city)
	}
}

func TestArrayRoundtrip(t *testing.T) {
	schema := NewFieldSchema()
	doc := NewDocument(Element{Name: "tags", Value: ArrayValue([]Value{
		StringValue("a"), StringValue("b"), StringValue("c"),
	})})

	buf := make([]byte, mustSize(t, doc))
	if _, err := Encode(doc, schema, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(buf, schema)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tags, ok := decoded.Get("tags")
	if !ok || len(tags.Arr) != 3 || tags.Arr[1].Str != "b" {
		t.Fatalf("decoded tags = %+v", tags)
	}
}

func TestDateTimeRoundtrip(t *testing.T) {
	schema := NewFieldSchema()
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := NewDocument(Element{Name: "createdAt", Value: DateTimeValue(now)})

	buf := make([]byte, mustSize(t, doc))
	if _, err := Encode(doc, schema, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(buf, schema)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.Get("createdAt")
	if !ok || !got.DateTime.Equal(now) {
		t.Fatalf("decoded createdAt = %v, want %v", got.DateTime, now)
	}
}

func TestScanVisitsTopLevelFieldsWithoutDecoding(t *testing.T) {
	schema := NewFieldSchema()
	doc := NewDocument(
		Element{Name: "a", Value: Int32Value(1)},
		Element{Name: "b", Value: Int32Value(2)},
		Element{Name: "c", Value: Int32Value(3)},
	)
	buf := make([]byte, mustSize(t, doc))
	if _, err := Encode(doc, schema, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var seen []string
	err := Scan(buf, schema, func(name string, kind byte, raw []byte) bool {
		seen = append(seen, name)
		return name != "b" // stop after "b"
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("Scan visited %v, want [a b]", seen)
	}
}

func TestFieldSchemaAssignsStableIDs(t *testing.T) {
	s := NewFieldSchema()
	id1, err := s.IDFor("x", KindInt32)
	if err != nil {
		t.Fatalf("IDFor: %v", err)
	}
	id2, err := s.IDFor("x", KindInt32)
	if err != nil {
		t.Fatalf("IDFor: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("IDFor not stable: %d != %d", id1, id2)
	}
	if id1 == 0 {
		t.Fatal("field id 0 is reserved and must never be assigned")
	}
	name, ok := s.NameFor(id1)
	if !ok || name != "x" {
		t.Fatalf("NameFor(%d) = %q, %v", id1, name, ok)
	}
}

func TestObjectIdOrderingAndRoundtrip(t *testing.T) {
	a := NewObjectId()
	b := NewObjectId()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a < b for successively generated ids")
	}
	got, err := ObjectIdFromBytes(a.Bytes())
	if err != nil {
		t.Fatalf("ObjectIdFromBytes: %v", err)
	}
	if got != a {
		t.Fatalf("roundtrip mismatch: %v != %v", got, a)
	}
}

func mustSize(t *testing.T, doc *Document) int {
	t.Helper()
	n, err := Size(doc)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	return n
}
