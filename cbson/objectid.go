package cbson

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ObjectId is a 12-byte identifier: a 4-byte Unix timestamp followed by an
// 8-byte monotonic counter. Counters are seeded from a random value at
// process start so ids stay unique across process restarts on the same
// second without needing a machine id, and totally ordered by byte-lexical
// comparison within a process.
type ObjectId [12]byte

var objectIDCounter uint64

func init() {
	seed := uuid.New()
	objectIDCounter = binary.BigEndian.Uint64(seed[:8])
}

// NewObjectId generates a fresh, monotonically increasing ObjectId.
func NewObjectId() ObjectId {
	var id ObjectId
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	c := atomic.AddUint64(&objectIDCounter, 1)
	binary.BigEndian.PutUint64(id[4:12], c)
	return id
}

// ObjectIdFromBytes wraps a 12-byte slice as an ObjectId.
func ObjectIdFromBytes(b []byte) (ObjectId, error) {
	var id ObjectId
	if len(b) != 12 {
		return id, fmt.Errorf("cbson: ObjectId must be 12 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Compare returns -1, 0 or 1 comparing id to other by unsigned byte order.
func (id ObjectId) Compare(other ObjectId) int {
	return bytes.Compare(id[:], other[:])
}

func (id ObjectId) Bytes() []byte { return id[:] }

func (id ObjectId) String() string { return hex.EncodeToString(id[:]) }

func (id ObjectId) Timestamp() time.Time {
	sec := binary.BigEndian.Uint32(id[0:4])
	return time.Unix(int64(sec), 0).UTC()
}

func (id ObjectId) IsZero() bool { return id == ObjectId{} }
