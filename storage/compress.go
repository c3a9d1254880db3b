package storage

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
)

// CompressRecord snappy-compresses data if doing so shrinks it. The
// collection manager calls this before handing bytes to Page.Insert and
// records the returned bool as a one-byte prefix on the stored record so
// DecompressRecord knows whether to reverse it.
func CompressRecord(data []byte) (out []byte, compressed bool) {
	c := snappy.Encode(nil, data)
	if len(c) < len(data) {
		return c, true
	}
	return data, false
}

// DecompressRecord reverses CompressRecord.
func DecompressRecord(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("storage: snappy decode: %w", err)
	}
	return out, nil
}
