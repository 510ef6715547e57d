package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// HashSize is the size of every hash in the system.
const HashSize = 32

// Hash is a 32-byte blake3 digest.
type Hash [HashSize]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logging.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash

	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hex: %w", err)
	}

	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(b), HashSize)
	}

	copy(h[:], b)

	return h, nil
}

// CandidateHash identifies a candidate block.
type CandidateHash Hash

// String returns the hex encoding of the candidate hash.
func (c CandidateHash) String() string {
	return Hash(c).String()
}

// Short returns an abbreviated hex form for logging.
func (c CandidateHash) Short() string {
	return Hash(c).Short()
}

// ParseCandidateHash decodes a hex string into a CandidateHash.
func ParseCandidateHash(s string) (CandidateHash, error) {
	h, err := ParseHash(s)
	return CandidateHash(h), err
}

// SessionIndex identifies a session (a period with a fixed validator set).
type SessionIndex uint32

// ValidatorIndex is a validator's position in the session's validator list.
type ValidatorIndex uint32

// ChunkIndex is the position of an erasure chunk among the n chunks.
type ChunkIndex uint32

// GroupIndex identifies a backing group within a session.
type GroupIndex uint32

// BlockNumber is the height of a relay chain block.
type BlockNumber uint32

// AuthorityID is the ed25519 public key the transport uses to reach a validator.
type AuthorityID []byte

// PublicKey returns the authority as an ed25519 public key.
func (a AuthorityID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(a)
}

// String returns a short hex form of the authority key.
func (a AuthorityID) String() string {
	if len(a) > 8 {
		return hex.EncodeToString(a[:8])
	}

	return hex.EncodeToString(a)
}

// BlockRef points at a relay chain block.
type BlockRef struct {
	Number BlockNumber // Number is the block height
	Hash   Hash        // Hash is the block hash
}

// CandidateDescriptor holds the commitments of a candidate that recovery checks against.
type CandidateDescriptor struct {
	CandidateHash CandidateHash // CandidateHash identifies the candidate
	ErasureRoot   Hash          // ErasureRoot is the Merkle root over all n chunks
	PoVHash       Hash          // PoVHash is the hash of the proof-of-validity block
}

// SessionInfo describes the validator set of one session.
type SessionInfo struct {
	Validators      []AuthorityID      // Validators are the validator identities in index order
	DiscoveryKeys   []AuthorityID      // DiscoveryKeys are the keys used to reach each validator
	ValidatorGroups [][]ValidatorIndex // ValidatorGroups are the backing groups
	Threshold       int                // Threshold overrides the recovery threshold when non-zero
}

// ValidatorCount returns the number of validators in the session.
func (s *SessionInfo) ValidatorCount() int {
	return len(s.Validators)
}

// Group returns the validators of a backing group, or nil if the group does not exist.
func (s *SessionInfo) Group(idx GroupIndex) []ValidatorIndex {
	if int(idx) >= len(s.ValidatorGroups) {
		return nil
	}

	return s.ValidatorGroups[idx]
}

// Authority returns the discovery key of a validator, falling back to its identity key.
func (s *SessionInfo) Authority(idx ValidatorIndex) AuthorityID {
	if int(idx) < len(s.DiscoveryKeys) && len(s.DiscoveryKeys[idx]) > 0 {
		return s.DiscoveryKeys[idx]
	}

	if int(idx) < len(s.Validators) {
		return s.Validators[idx]
	}

	return nil
}
