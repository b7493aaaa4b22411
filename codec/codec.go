// Package codec provides the serialization strategies used by the
// bridge daemon.
//
// The wire codec (Request/Response envelopes, spec §4.A/§6) is fixed to
// JSON — JSONCodec. Handle metadata files are also JSON per spec §6
// ("Files are JSON"). BinaryMetaCodec instead backs the background
// monitor's periodic resource-sample snapshot (monitor.Snapshot),
// which is written far more often than any single metadata file and
// benefits from the teacher's "skip JSON's field-name overhead"
// reasoning without needing to be human-readable.
package codec

// Codec is the interface for serialization/deserialization. Swapping an
// implementation never changes any other layer — this is the Strategy
// Pattern.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}
