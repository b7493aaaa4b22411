package codec

import (
	"bytes"
	"encoding/gob"
)

// BinaryMetaCodec implements a compact binary serialization used for
// the monitor's periodic state-dir snapshot (monitor.Snapshot).
// encoding/gob gives the same "avoid JSON's field-name overhead on
// every write" benefit the teacher's hand-rolled binary format chased,
// without hand-coding a new layout by hand.
//
// v must be a pointer — gob.Decode requires one.
type BinaryMetaCodec struct{}

func (c *BinaryMetaCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *BinaryMetaCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
