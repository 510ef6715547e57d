package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"AvailRecovery/internal/types"
)

// Message types for the availability fetching protocol.
const (
	MsgChunkRequest      = 0x11 // Request for one erasure chunk
	MsgChunkResponse     = 0x12 // Chunk found
	MsgNoSuchChunk       = 0x13 // Chunk not held
	MsgAvailableRequest  = 0x21 // Request for the full available data
	MsgAvailableResponse = 0x22 // Full data found
	MsgNoSuchData        = 0x23 // Full data not held
)

const (
	chunkRequestSize     = 1 + types.HashSize + 4
	availableRequestSize = 1 + types.HashSize

	// maxDecompressed bounds the decoded size of a full-data response.
	maxDecompressed = 64 << 20
)

// ErrMalformed is returned for messages that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// ChunkFetchingRequest asks a validator for its chunk of a candidate.
type ChunkFetchingRequest struct {
	CandidateHash types.CandidateHash  // CandidateHash is the candidate being recovered
	Index         types.ValidatorIndex // Index is the validator whose chunk is requested
}

// AvailableDataFetchingRequest asks a backer for the full available data of a candidate.
type AvailableDataFetchingRequest struct {
	CandidateHash types.CandidateHash // CandidateHash is the candidate being recovered
}

// EncodeChunkRequest encodes a chunk request.
// Format: [1B type] [32B candidate] [4B index]
func EncodeChunkRequest(req *ChunkFetchingRequest) []byte {
	buf := make([]byte, chunkRequestSize)
	buf[0] = MsgChunkRequest
	copy(buf[1:33], req.CandidateHash[:])
	binary.BigEndian.PutUint32(buf[33:37], uint32(req.Index))

	return buf
}

// DecodeChunkRequest decodes a chunk request.
func DecodeChunkRequest(data []byte) (*ChunkFetchingRequest, error) {
	if len(data) != chunkRequestSize {
		return nil, fmt.Errorf("%w: chunk request length %d", ErrMalformed, len(data))
	}

	if data[0] != MsgChunkRequest {
		return nil, fmt.Errorf("%w: type 0x%02x", ErrMalformed, data[0])
	}

	req := &ChunkFetchingRequest{Index: types.ValidatorIndex(binary.BigEndian.Uint32(data[33:37]))}
	copy(req.CandidateHash[:], data[1:33])

	return req, nil
}

// EncodeChunkResponse encodes a chunk response; a nil chunk encodes "no such chunk".
// Format: [1B type] [CBOR chunk]
func EncodeChunkResponse(chunk *types.ErasureChunk) ([]byte, error) {
	if chunk == nil {
		return []byte{MsgNoSuchChunk}, nil
	}

	enc, err := chunk.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode chunk: %w", err)
	}

	return append([]byte{MsgChunkResponse}, enc...), nil
}

// DecodeChunkResponse decodes a chunk response. It returns nil, nil for "no such chunk".
func DecodeChunkResponse(data []byte) (*types.ErasureChunk, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformed)
	}

	switch data[0] {
	case MsgNoSuchChunk:
		return nil, nil
	case MsgChunkResponse:
		chunk, err := types.DecodeErasureChunk(data[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		return chunk, nil
	default:
		return nil, fmt.Errorf("%w: type 0x%02x", ErrMalformed, data[0])
	}
}

// EncodeAvailableDataRequest encodes a full-data request.
// Format: [1B type] [32B candidate]
func EncodeAvailableDataRequest(req *AvailableDataFetchingRequest) []byte {
	buf := make([]byte, availableRequestSize)
	buf[0] = MsgAvailableRequest
	copy(buf[1:], req.CandidateHash[:])

	return buf
}

// DecodeAvailableDataRequest decodes a full-data request.
func DecodeAvailableDataRequest(data []byte) (*AvailableDataFetchingRequest, error) {
	if len(data) != availableRequestSize {
		return nil, fmt.Errorf("%w: data request length %d", ErrMalformed, len(data))
	}

	if data[0] != MsgAvailableRequest {
		return nil, fmt.Errorf("%w: type 0x%02x", ErrMalformed, data[0])
	}

	req := &AvailableDataFetchingRequest{}
	copy(req.CandidateHash[:], data[1:])

	return req, nil
}

// EncodeAvailableDataResponse encodes a full-data response; nil encodes "no such data".
// Format: [1B type] [zstd(CBOR data)]
func EncodeAvailableDataResponse(data *types.AvailableData) ([]byte, error) {
	if data == nil {
		return []byte{MsgNoSuchData}, nil
	}

	raw, err := data.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode available data: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	defer encoder.Close()

	out := make([]byte, 1, 1+len(raw)/2)
	out[0] = MsgAvailableResponse

	return encoder.EncodeAll(raw, out), nil
}

// DecodeAvailableDataResponse decodes a full-data response. It returns nil, nil for "no such data".
func DecodeAvailableDataResponse(data []byte) (*types.AvailableData, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformed)
	}

	switch data[0] {
	case MsgNoSuchData:
		return nil, nil
	case MsgAvailableResponse:
	default:
		return nil, fmt.Errorf("%w: type 0x%02x", ErrMalformed, data[0])
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressed))
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(data[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
	}

	out, err := types.DecodeAvailableData(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return out, nil
}

// Request is a decoded inbound request: exactly one field is set.
type Request struct {
	Chunk     *ChunkFetchingRequest
	Available *AvailableDataFetchingRequest
}

// DecodeRequest dispatches on the type byte of an inbound request.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	switch data[0] {
	case MsgChunkRequest:
		req, err := DecodeChunkRequest(data)
		if err != nil {
			return nil, err
		}

		return &Request{Chunk: req}, nil
	case MsgAvailableRequest:
		req, err := DecodeAvailableDataRequest(data)
		if err != nil {
			return nil, err
		}

		return &Request{Available: req}, nil
	default:
		return nil, fmt.Errorf("%w: unknown request type 0x%02x", ErrMalformed, data[0])
	}
}
