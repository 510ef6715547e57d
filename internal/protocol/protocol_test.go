package protocol

import (
	"bytes"
	"errors"
	"testing"

	"AvailRecovery/internal/types"
)

// TestChunkRequestLayout checks the fixed byte layout of a chunk request.
func TestChunkRequestLayout(t *testing.T) {
	req := &ChunkFetchingRequest{Index: 0x01020304}
	req.CandidateHash[0] = 0xaa

	buf := EncodeChunkRequest(req)
	if len(buf) != 37 {
		t.Fatalf("expected 37 bytes, got %d", len(buf))
	}

	if buf[0] != MsgChunkRequest || buf[1] != 0xaa {
		t.Fatalf("unexpected header: % x", buf[:2])
	}

	if !bytes.Equal(buf[33:], []byte{1, 2, 3, 4}) {
		t.Fatalf("index not big-endian: % x", buf[33:])
	}

	decoded, err := DecodeRequest(buf)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	if decoded.Chunk == nil || decoded.Available != nil {
		t.Fatal("expected a chunk request")
	}

	if *decoded.Chunk != *req {
		t.Fatalf("decoded %+v, want %+v", decoded.Chunk, req)
	}
}

// TestDecodeRequestMalformed checks truncated and unknown requests are rejected.
func TestDecodeRequestMalformed(t *testing.T) {
	inputs := [][]byte{
		nil,
		{MsgChunkRequest, 1, 2},
		{MsgAvailableRequest},
		{0x7f, 0, 0},
	}

	for _, in := range inputs {
		if _, err := DecodeRequest(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeRequest(% x): expected ErrMalformed, got %v", in, err)
		}
	}
}

// TestNoSuchChunk checks the empty chunk response decodes to nil without error.
func TestNoSuchChunk(t *testing.T) {
	buf, err := EncodeChunkResponse(nil)
	if err != nil {
		t.Fatalf("EncodeChunkResponse: %v", err)
	}

	chunk, err := DecodeChunkResponse(buf)
	if err != nil {
		t.Fatalf("DecodeChunkResponse: %v", err)
	}

	if chunk != nil {
		t.Fatal("expected nil chunk")
	}
}

// TestChunkResponseCarriesProof checks proof and index survive the wire.
func TestChunkResponseCarriesProof(t *testing.T) {
	chunk := &types.ErasureChunk{
		Index: 7,
		Chunk: []byte("shard"),
		Proof: []types.Hash{{1}, {2}, {3}},
	}

	buf, err := EncodeChunkResponse(chunk)
	if err != nil {
		t.Fatalf("EncodeChunkResponse: %v", err)
	}

	got, err := DecodeChunkResponse(buf)
	if err != nil {
		t.Fatalf("DecodeChunkResponse: %v", err)
	}

	if got.Index != 7 || !bytes.Equal(got.Chunk, chunk.Chunk) || len(got.Proof) != 3 || got.Proof[2] != chunk.Proof[2] {
		t.Fatalf("decoded %+v, want %+v", got, chunk)
	}
}

// TestAvailableDataResponseCompressed checks full data is compressed and restored.
func TestAvailableDataResponseCompressed(t *testing.T) {
	data := &types.AvailableData{
		PoV:            types.PoV{BlockData: bytes.Repeat([]byte("block"), 4096)},
		ValidationData: types.PersistedValidationData{ParentHead: []byte("head"), RelayParentNumber: 9},
	}

	buf, err := EncodeAvailableDataResponse(data)
	if err != nil {
		t.Fatalf("EncodeAvailableDataResponse: %v", err)
	}

	if buf[0] != MsgAvailableResponse {
		t.Fatalf("unexpected type 0x%02x", buf[0])
	}

	if len(buf) >= len(data.PoV.BlockData) {
		t.Fatalf("response not compressed: %d bytes", len(buf))
	}

	got, err := DecodeAvailableDataResponse(buf)
	if err != nil {
		t.Fatalf("DecodeAvailableDataResponse: %v", err)
	}

	if !got.Equal(data) {
		t.Fatal("decoded data differs")
	}
}

// TestAvailableDataResponseCorrupt checks garbage after the type byte is malformed.
func TestAvailableDataResponseCorrupt(t *testing.T) {
	_, err := DecodeAvailableDataResponse([]byte{MsgAvailableResponse, 1, 2, 3, 4})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	got, err := DecodeAvailableDataResponse([]byte{MsgNoSuchData})
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for no such data, got %v, %v", got, err)
	}
}
