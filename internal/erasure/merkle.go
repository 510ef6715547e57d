package erasure

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"AvailRecovery/internal/types"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// ErrInvalidProof is returned when a proof does not lead to the expected root.
var ErrInvalidProof = errors.New("invalid merkle proof")

// Tree is a binary Merkle tree over chunk hashes, padded to a power of two.
type Tree struct {
	levels [][]types.Hash // levels[0] are the leaves, the last level holds the root
	count  int            // count is the number of real leaves
}

// ChunkHash returns the leaf hash of a chunk.
func ChunkHash(chunk []byte) types.Hash {
	h := blake3.New()
	h.Write([]byte{leafPrefix})
	h.Write(chunk)

	var out types.Hash
	copy(out[:], h.Sum(nil))

	return out
}

// hashNode combines two child hashes.
func hashNode(left, right types.Hash) types.Hash {
	var buf [1 + 2*types.HashSize]byte
	buf[0] = nodePrefix
	copy(buf[1:], left[:])
	copy(buf[1+types.HashSize:], right[:])

	return blake3.Sum256(buf[:])
}

// Branches builds the Merkle tree over chunks.
func Branches(chunks [][]byte) *Tree {
	width := 1
	for width < len(chunks) {
		width <<= 1
	}

	leaves := make([]types.Hash, width)
	for i, c := range chunks {
		leaves[i] = ChunkHash(c)
	}

	levels := [][]types.Hash{leaves}
	for cur := leaves; len(cur) > 1; {
		next := make([]types.Hash, len(cur)/2)
		for i := range next {
			next[i] = hashNode(cur[2*i], cur[2*i+1])
		}

		levels = append(levels, next)
		cur = next
	}

	return &Tree{levels: levels, count: len(chunks)}
}

// Root returns the tree root.
func (t *Tree) Root() types.Hash {
	return t.levels[len(t.levels)-1][0]
}

// Len returns the number of real leaves.
func (t *Tree) Len() int {
	return t.count
}

// Proof returns the leaf hash at index i followed by its sibling path up to the root.
// It returns nil for an out-of-range index.
func (t *Tree) Proof(i int) []types.Hash {
	if i < 0 || i >= t.count {
		return nil
	}

	proof := make([]types.Hash, 0, len(t.levels))
	proof = append(proof, t.levels[0][i])

	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		proof = append(proof, level[idx^1])
		idx >>= 1
	}

	return proof
}

// BranchHash walks proof up from index and returns the leaf hash it commits to
// if the path ends at root.
func BranchHash(root types.Hash, proof []types.Hash, index types.ChunkIndex) (types.Hash, error) {
	if len(proof) == 0 {
		return types.Hash{}, fmt.Errorf("%w: empty proof", ErrInvalidProof)
	}

	// Paths longer than the deepest supported tree cannot be genuine.
	if len(proof)-1 > 16 || uint64(index) >= uint64(1)<<(len(proof)-1) {
		return types.Hash{}, fmt.Errorf("%w: index %d does not fit a path of %d", ErrInvalidProof, index, len(proof)-1)
	}

	leaf := proof[0]
	cur := leaf
	idx := uint32(index)

	for _, sibling := range proof[1:] {
		if idx&1 == 0 {
			cur = hashNode(cur, sibling)
		} else {
			cur = hashNode(sibling, cur)
		}

		idx >>= 1
	}

	if cur != root {
		return types.Hash{}, ErrInvalidProof
	}

	return leaf, nil
}

// VerifyChunk reports whether chunk carries a valid proof of inclusion under root.
func VerifyChunk(root types.Hash, chunk *types.ErasureChunk) bool {
	leaf, err := BranchHash(root, chunk.Proof, chunk.Index)
	if err != nil {
		return false
	}

	return leaf == ChunkHash(chunk.Chunk)
}
