package collection

import (
	"encoding/binary"
	"fmt"

	"github.com/blitedb/blite/cbson"
)

// ErrUnsupportedKeyValue is returned when a BsonValue's Kind doesn't match
// the collection's declared KeyType.
var ErrUnsupportedKeyValue = fmt.Errorf("collection: value does not match collection key type")

// EncodeKey renders a BsonValue as an IndexKey byte string, totally ordered
// by unsigned lexicographic comparison (spec §3.1): ObjectId as its 12 raw
// bytes, signed integers sign-flipped big-endian so negative values sort
// before positive ones, strings as UTF-8 plus a 0x00 terminator.
func EncodeKey(kt KeyType, v cbson.Value) ([]byte, error) {
	switch kt {
	case KeyTypeObjectID:
		if v.Kind != cbson.KindObjectId {
			return nil, ErrUnsupportedKeyValue
		}
		return append([]byte(nil), v.OID.Bytes()...), nil
	case KeyTypeInt64:
		var n int64
		switch v.Kind {
		case cbson.KindInt64:
			n = v.Int64
		case cbson.KindInt32:
			n = int64(v.Int32)
		default:
			return nil, ErrUnsupportedKeyValue
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n)^signFlip)
		return buf, nil
	case KeyTypeString:
		if v.Kind != cbson.KindString {
			return nil, ErrUnsupportedKeyValue
		}
		buf := make([]byte, len(v.Str)+1)
		copy(buf, v.Str)
		buf[len(v.Str)] = 0x00
		return buf, nil
	default:
		return nil, fmt.Errorf("collection: unknown key type %v", kt)
	}
}

// signFlip flips the sign bit of a two's-complement int64 so that unsigned
// big-endian byte comparison matches signed numeric ordering.
const signFlip = uint64(1) << 63

// DecodeKey reverses EncodeKey for the value kinds the collection actually
// uses as primary keys (needed by range-scan callers that want the typed
// value back, not just the raw bytes).
func DecodeKey(kt KeyType, key []byte) (cbson.Value, error) {
	switch kt {
	case KeyTypeObjectID:
		oid, err := cbson.ObjectIdFromBytes(key)
		if err != nil {
			return cbson.Value{}, err
		}
		return cbson.ObjectIdValue(oid), nil
	case KeyTypeInt64:
		if len(key) != 8 {
			return cbson.Value{}, fmt.Errorf("collection: int64 key must be 8 bytes, got %d", len(key))
		}
		u := binary.BigEndian.Uint64(key) ^ signFlip
		return cbson.Int64Value(int64(u)), nil
	case KeyTypeString:
		if len(key) == 0 || key[len(key)-1] != 0x00 {
			return cbson.Value{}, fmt.Errorf("collection: string key missing terminator")
		}
		return cbson.StringValue(string(key[:len(key)-1])), nil
	default:
		return cbson.Value{}, fmt.Errorf("collection: unknown key type %v", kt)
	}
}

// nextObjectIDKey is used when a document's id field is empty on insert.
func nextObjectIDKey() cbson.Value {
	return cbson.ObjectIdValue(cbson.NewObjectId())
}
