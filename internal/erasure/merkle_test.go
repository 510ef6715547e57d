package erasure

import (
	"errors"
	"testing"

	"AvailRecovery/internal/types"
)

// TestProofsVerify checks every chunk's proof verifies against the root.
func TestProofsVerify(t *testing.T) {
	for _, n := range []int{2, 3, 5, 10, 17} {
		chunks, root, err := ChunksWithProofs(n, testData(1234))
		if err != nil {
			t.Fatalf("n=%d: ChunksWithProofs: %v", n, err)
		}

		for i := range chunks {
			if !VerifyChunk(root, &chunks[i]) {
				t.Fatalf("n=%d: chunk %d does not verify", n, i)
			}

			leaf, err := BranchHash(root, chunks[i].Proof, chunks[i].Index)
			if err != nil {
				t.Fatalf("n=%d: BranchHash(%d): %v", n, i, err)
			}

			if leaf != ChunkHash(chunks[i].Chunk) {
				t.Fatalf("n=%d: BranchHash(%d) returned wrong leaf", n, i)
			}
		}
	}
}

// TestTamperedChunkRejected checks a modified chunk body fails verification.
func TestTamperedChunkRejected(t *testing.T) {
	chunks, root, err := ChunksWithProofs(10, testData(500))
	if err != nil {
		t.Fatalf("ChunksWithProofs: %v", err)
	}

	c := chunks[3]
	c.Chunk = append([]byte(nil), c.Chunk...)
	c.Chunk[0] ^= 0xff

	if VerifyChunk(root, &c) {
		t.Fatal("tampered chunk verified")
	}
}

// TestWrongIndexRejected checks a proof presented under another index fails.
func TestWrongIndexRejected(t *testing.T) {
	chunks, root, err := ChunksWithProofs(10, testData(500))
	if err != nil {
		t.Fatalf("ChunksWithProofs: %v", err)
	}

	c := chunks[2]
	c.Index = 5

	if VerifyChunk(root, &c) {
		t.Fatal("chunk verified under the wrong index")
	}
}

// TestBranchHashWrongRoot checks ErrInvalidProof for a foreign root.
func TestBranchHashWrongRoot(t *testing.T) {
	chunks, _, err := ChunksWithProofs(10, testData(500))
	if err != nil {
		t.Fatalf("ChunksWithProofs: %v", err)
	}

	var other types.Hash
	other[0] = 1

	if _, err := BranchHash(other, chunks[0].Proof, 0); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}

	if _, err := BranchHash(other, nil, 0); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof for empty proof, got %v", err)
	}
}

// TestProofOutOfRange checks Proof returns nil past the leaves.
func TestProofOutOfRange(t *testing.T) {
	tree := Branches([][]byte{{1}, {2}, {3}})

	if tree.Len() != 3 {
		t.Fatalf("expected 3 leaves, got %d", tree.Len())
	}

	if tree.Proof(3) != nil {
		t.Fatal("expected nil proof for padded leaf")
	}

	if tree.Proof(-1) != nil {
		t.Fatal("expected nil proof for negative index")
	}
}
