// Package codec centralizes the encodings that cross the engine boundary.
//
// Two families live here:
//
//   - LEB128 collections (Writer, Reader): the bit-exact wire format of every
//     storage callback. Sequences are written as (uvarint length, bytes) pairs
//     followed by a single zero byte; maps interleave key then value.
//   - Codec (JSON, GoJSON): encoding of request payloads such as the
//     indexed-value -> keywords maps handed to an upsert.
package codec

// Codec encodes/decodes request payloads.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}
