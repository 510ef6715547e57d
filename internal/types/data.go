package types

import (
	"bytes"

	"github.com/zeebo/blake3"

	"AvailRecovery/internal/codec"
)

// PoV is the proof-of-validity block a candidate was validated against.
type PoV struct {
	BlockData []byte `cbor:"1,keyasint"` // BlockData is the opaque block payload
}

// Hash returns blake3 over the deterministic encoding of the PoV.
func (p PoV) Hash() Hash {
	enc, err := codec.Marshal(p)
	if err != nil {
		// A struct holding a byte slice always encodes.
		panic("types: encode PoV: " + err.Error())
	}

	return blake3.Sum256(enc)
}

// PersistedValidationData holds the inputs to candidate validation that are kept with the PoV.
type PersistedValidationData struct {
	ParentHead             []byte      `cbor:"1,keyasint"` // ParentHead is the parent head data
	RelayParentNumber      BlockNumber `cbor:"2,keyasint"` // RelayParentNumber is the relay parent height
	RelayParentStorageRoot Hash        `cbor:"3,keyasint"` // RelayParentStorageRoot is the relay parent state root
	MaxPoVSize             uint32      `cbor:"4,keyasint"` // MaxPoVSize is the PoV size limit at the relay parent
}

// AvailableData is the object erasure coding protects: the PoV plus its validation inputs.
type AvailableData struct {
	PoV            PoV                     `cbor:"1,keyasint"` // PoV is the proof-of-validity block
	ValidationData PersistedValidationData `cbor:"2,keyasint"` // ValidationData is the persisted validation data
}

// Equal reports whether two AvailableData values are identical.
func (d *AvailableData) Equal(other *AvailableData) bool {
	if d == nil || other == nil {
		return d == other
	}

	return bytes.Equal(d.PoV.BlockData, other.PoV.BlockData) &&
		bytes.Equal(d.ValidationData.ParentHead, other.ValidationData.ParentHead) &&
		d.ValidationData.RelayParentNumber == other.ValidationData.RelayParentNumber &&
		d.ValidationData.RelayParentStorageRoot == other.ValidationData.RelayParentStorageRoot &&
		d.ValidationData.MaxPoVSize == other.ValidationData.MaxPoVSize
}

// Encode returns the deterministic CBOR encoding of the data.
func (d *AvailableData) Encode() ([]byte, error) {
	return codec.Marshal(d)
}

// DecodeAvailableData decodes CBOR bytes produced by Encode.
func DecodeAvailableData(data []byte) (*AvailableData, error) {
	var d AvailableData
	if err := codec.Unmarshal(data, &d); err != nil {
		return nil, err
	}

	return &d, nil
}

// ErasureChunk is one erasure-coded shard with its Merkle inclusion proof.
type ErasureChunk struct {
	Index ChunkIndex `cbor:"1,keyasint"` // Index is the chunk position among the n chunks
	Chunk []byte     `cbor:"2,keyasint"` // Chunk is the raw shard bytes
	Proof []Hash     `cbor:"3,keyasint"` // Proof is the sibling path from leaf to root
}

// Encode returns the deterministic CBOR encoding of the chunk.
func (c *ErasureChunk) Encode() ([]byte, error) {
	return codec.Marshal(c)
}

// DecodeErasureChunk decodes CBOR bytes produced by Encode.
func DecodeErasureChunk(data []byte) (*ErasureChunk, error) {
	var c ErasureChunk
	if err := codec.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	return &c, nil
}
