package collection

import (
	"fmt"

	"github.com/blitedb/blite/cbson"
)

// Mapper is the external bytes-to-document contract (spec §6.2). The
// storage core never reflects over a caller's type: a generated mapper
// (from BLite's excluded codegen layer) or a hand-written one implements
// this interface and the collection manager only ever goes through it.
type Mapper interface {
	// Size reports the exact encoded length doc needs, so Encode's caller
	// can size its buffer up front (mirrors cbson.Size).
	Size(doc interface{}, schema *cbson.FieldSchema) (int, error)
	// Encode writes doc into dst, never allocating. Fails BufferTooSmall /
	// UnknownField, surfaced via the cbson sentinel errors.
	Encode(doc interface{}, schema *cbson.FieldSchema, dst []byte) (int, error)
	// Decode may allocate the returned document value.
	Decode(data []byte, schema *cbson.FieldSchema) (interface{}, error)
	// GetID returns the document's id field value, if set.
	GetID(doc interface{}) (cbson.Value, bool)
	// SetID stores id into the document's id field, mutating doc in place.
	SetID(doc interface{}, id cbson.Value)
}

// DocumentMapper is the default Mapper for callers that work directly in
// terms of *cbson.Document rather than a code-generated typed mapper. The
// id field is conventionally named "_id".
type DocumentMapper struct {
	IDField string
}

// NewDocumentMapper returns a DocumentMapper using the conventional "_id"
// field name.
func NewDocumentMapper() *DocumentMapper {
	return &DocumentMapper{IDField: "_id"}
}

func (m *DocumentMapper) idField() string {
	if m.IDField == "" {
		return "_id"
	}
	return m.IDField
}

func (m *DocumentMapper) asDoc(doc interface{}) (*cbson.Document, error) {
	d, ok := doc.(*cbson.Document)
	if !ok {
		return nil, fmt.Errorf("collection: DocumentMapper requires *cbson.Document, got %T", doc)
	}
	return d, nil
}

func (m *DocumentMapper) Size(doc interface{}, schema *cbson.FieldSchema) (int, error) {
	d, err := m.asDoc(doc)
	if err != nil {
		return 0, err
	}
	return cbson.Size(d)
}

func (m *DocumentMapper) Encode(doc interface{}, schema *cbson.FieldSchema, dst []byte) (int, error) {
	d, err := m.asDoc(doc)
	if err != nil {
		return 0, err
	}
	return cbson.Encode(d, schema, dst)
}

func (m *DocumentMapper) Decode(data []byte, schema *cbson.FieldSchema) (interface{}, error) {
	return cbson.Decode(data, schema)
}

func (m *DocumentMapper) GetID(doc interface{}) (cbson.Value, bool) {
	d, err := m.asDoc(doc)
	if err != nil {
		return cbson.Value{}, false
	}
	v, ok := d.Get(m.idField())
	if !ok || v.Kind == cbson.KindNull {
		return cbson.Value{}, false
	}
	return v, true
}

func (m *DocumentMapper) SetID(doc interface{}, id cbson.Value) {
	d, err := m.asDoc(doc)
	if err != nil {
		return
	}
	for i, e := range d.Elements {
		if e.Name == m.idField() {
			d.Elements[i].Value = id
			return
		}
	}
	d.Elements = append([]cbson.Element{{Name: m.idField(), Value: id}}, d.Elements...)
}
