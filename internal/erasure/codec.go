package erasure

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"AvailRecovery/internal/types"
)

// MaxValidators is the largest validator set the codec supports.
const MaxValidators = 65536

// lengthPrefix is the size of the payload length header written before the encoded data.
const lengthPrefix = 4

var (
	// ErrTooFewValidators is returned for n == 0.
	ErrTooFewValidators = errors.New("too few validators")

	// ErrTooManyValidators is returned for n > MaxValidators.
	ErrTooManyValidators = errors.New("too many validators")

	// ErrTooFewChunks is returned when fewer than the recovery threshold of chunks are supplied.
	ErrTooFewChunks = errors.New("not enough chunks to reconstruct")

	// ErrUnevenChunks is returned when supplied chunks differ in length.
	ErrUnevenChunks = errors.New("chunks are not of equal length")

	// ErrChunkIndexOutOfRange is returned when a chunk index is not below n.
	ErrChunkIndexOutOfRange = errors.New("chunk index out of range")

	// ErrBadPayload is returned when reconstructed bytes do not decode to AvailableData.
	ErrBadPayload = errors.New("reconstructed payload is malformed")
)

// RecoveryThreshold returns the minimum number of chunks needed to reconstruct
// data erasure-coded over n validators: f+1 with n >= 3f+1.
func RecoveryThreshold(n int) (int, error) {
	if n <= 0 {
		return 0, ErrTooFewValidators
	}

	if n > MaxValidators {
		return 0, ErrTooManyValidators
	}

	return (n-1)/3 + 1, nil
}

// SystematicThreshold returns how many leading chunks hold the raw data.
// The code is systematic, so it equals the recovery threshold.
func SystematicThreshold(n int) (int, error) {
	return RecoveryThreshold(n)
}

// newEncoder builds a Reed-Solomon encoder with t data and n-t parity shards.
func newEncoder(n int) (reedsolomon.Encoder, int, error) {
	t, err := RecoveryThreshold(n)
	if err != nil {
		return nil, 0, err
	}

	enc, err := reedsolomon.New(t, n-t)
	if err != nil {
		return nil, 0, fmt.Errorf("create encoder: %w", err)
	}

	return enc, t, nil
}

// ObtainChunks encodes data and splits it into n chunks.
func ObtainChunks(n int, data *types.AvailableData) ([][]byte, error) {
	enc, _, err := newEncoder(n)
	if err != nil {
		return nil, err
	}

	encoded, err := data.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode available data: %w", err)
	}

	payload := make([]byte, lengthPrefix+len(encoded))
	binary.BigEndian.PutUint32(payload, uint32(len(encoded)))
	copy(payload[lengthPrefix:], encoded)

	shards, err := enc.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("split payload: %w", err)
	}

	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("compute parity: %w", err)
	}

	return shards, nil
}

// Reconstruct rebuilds AvailableData from at least RecoveryThreshold(n) chunks.
func Reconstruct(n int, chunks map[types.ChunkIndex][]byte) (*types.AvailableData, error) {
	enc, t, err := newEncoder(n)
	if err != nil {
		return nil, err
	}

	if len(chunks) < t {
		return nil, ErrTooFewChunks
	}

	shards := make([][]byte, n)
	size := -1

	for idx, chunk := range chunks {
		if int(idx) >= n {
			return nil, fmt.Errorf("%w: %d >= %d", ErrChunkIndexOutOfRange, idx, n)
		}

		if size == -1 {
			size = len(chunk)
		} else if len(chunk) != size {
			return nil, ErrUnevenChunks
		}

		shards[idx] = chunk
	}

	if size == 0 {
		return nil, ErrBadPayload
	}

	if err := enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	return decodePayload(shards[:t])
}

// ReconstructFromSystematic joins the first t data chunks without decoding.
// chunks must hold exactly the systematic chunks in index order.
func ReconstructFromSystematic(n int, chunks [][]byte) (*types.AvailableData, error) {
	t, err := SystematicThreshold(n)
	if err != nil {
		return nil, err
	}

	if len(chunks) < t {
		return nil, ErrTooFewChunks
	}

	size := len(chunks[0])
	for _, c := range chunks[:t] {
		if len(c) != size {
			return nil, ErrUnevenChunks
		}
	}

	return decodePayload(chunks[:t])
}

// decodePayload concatenates data shards, strips the length prefix and decodes.
func decodePayload(data [][]byte) (*types.AvailableData, error) {
	total := 0
	for _, d := range data {
		total += len(d)
	}

	buf := make([]byte, 0, total)
	for _, d := range data {
		buf = append(buf, d...)
	}

	if len(buf) < lengthPrefix {
		return nil, ErrBadPayload
	}

	length := binary.BigEndian.Uint32(buf)
	if uint64(length) > uint64(len(buf)-lengthPrefix) {
		return nil, fmt.Errorf("%w: length %d exceeds %d", ErrBadPayload, length, len(buf)-lengthPrefix)
	}

	out, err := types.DecodeAvailableData(buf[lengthPrefix : lengthPrefix+int(length)])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	return out, nil
}

// ChunksWithProofs encodes data into n chunks and attaches a Merkle proof to each.
func ChunksWithProofs(n int, data *types.AvailableData) ([]types.ErasureChunk, types.Hash, error) {
	chunks, err := ObtainChunks(n, data)
	if err != nil {
		return nil, types.Hash{}, err
	}

	tree := Branches(chunks)
	out := make([]types.ErasureChunk, len(chunks))

	for i, c := range chunks {
		out[i] = types.ErasureChunk{
			Index: types.ChunkIndex(i),
			Chunk: c,
			Proof: tree.Proof(i),
		}
	}

	return out, tree.Root(), nil
}

// Root encodes data over n validators and returns the erasure root.
func Root(n int, data *types.AvailableData) (types.Hash, error) {
	chunks, err := ObtainChunks(n, data)
	if err != nil {
		return types.Hash{}, err
	}

	return Branches(chunks).Root(), nil
}
