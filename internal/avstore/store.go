package avstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"AvailRecovery/internal/erasure"
	"AvailRecovery/internal/types"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// Key prefixes.
var (
	prefixData   = []byte("a:") // a:<candidate> -> CBOR AvailableData
	prefixCount  = []byte("n:") // n:<candidate> -> 4B validator count
	prefixChunks = []byte("c:") // c:<candidate><4B index> -> CBOR ErasureChunk
)

// Store is the local availability store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
type Store struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// New opens a Store at the given path.
func New(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// StoreAvailableData erasure-codes data over n validators and writes the data,
// the validator count and every chunk with its proof in one batch.
// It returns the erasure root.
func (s *Store) StoreAvailableData(candidate types.CandidateHash, n int, data *types.AvailableData) (types.Hash, error) {
	chunks, root, err := erasure.ChunksWithProofs(n, data)
	if err != nil {
		return types.Hash{}, fmt.Errorf("erasure code: %w", err)
	}

	encoded, err := data.Encode()
	if err != nil {
		return types.Hash{}, fmt.Errorf("encode data: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(dataKey(candidate), encoded, nil); err != nil {
		return types.Hash{}, err
	}

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(n))

	if err := batch.Set(countKey(candidate), count[:], nil); err != nil {
		return types.Hash{}, err
	}

	for i := range chunks {
		enc, err := chunks[i].Encode()
		if err != nil {
			return types.Hash{}, fmt.Errorf("encode chunk %d: %w", i, err)
		}

		if err := batch.Set(chunkKey(candidate, chunks[i].Index), enc, nil); err != nil {
			return types.Hash{}, err
		}
	}

	if err := batch.Commit(pebble.NoSync); err != nil {
		return types.Hash{}, err
	}

	return root, nil
}

// StoreChunk writes a single chunk.
func (s *Store) StoreChunk(candidate types.CandidateHash, chunk *types.ErasureChunk) error {
	enc, err := chunk.Encode()
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}

	return s.db.Set(chunkKey(candidate, chunk.Index), enc, pebble.NoSync)
}

// QueryAvailableData returns the full data for candidate, or nil if not held.
func (s *Store) QueryAvailableData(_ context.Context, candidate types.CandidateHash) (*types.AvailableData, error) {
	raw, err := s.get(dataKey(candidate))
	if err != nil || raw == nil {
		return nil, err
	}

	data, err := types.DecodeAvailableData(raw)
	if err != nil {
		return nil, fmt.Errorf("decode data %s: %w", candidate.Short(), err)
	}

	return data, nil
}

// QueryChunk returns the chunk at index, or nil if not held.
func (s *Store) QueryChunk(_ context.Context, candidate types.CandidateHash, index types.ValidatorIndex) (*types.ErasureChunk, error) {
	raw, err := s.get(chunkKey(candidate, types.ChunkIndex(index)))
	if err != nil || raw == nil {
		return nil, err
	}

	chunk, err := types.DecodeErasureChunk(raw)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %s/%d: %w", candidate.Short(), index, err)
	}

	return chunk, nil
}

// QueryAllChunks returns every chunk held for candidate in index order.
func (s *Store) QueryAllChunks(_ context.Context, candidate types.CandidateHash) ([]types.ErasureChunk, error) {
	var out []types.ErasureChunk

	err := s.iteratePrefix(chunkPrefix(candidate), func(_, value []byte) error {
		chunk, err := types.DecodeErasureChunk(value)
		if err != nil {
			return fmt.Errorf("decode chunk %s: %w", candidate.Short(), err)
		}

		out = append(out, *chunk)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// QueryChunkSize returns the size of any locally held chunk of candidate.
func (s *Store) QueryChunkSize(_ context.Context, candidate types.CandidateHash) (int, bool, error) {
	size, found := 0, false

	err := s.iteratePrefix(chunkPrefix(candidate), func(_, value []byte) error {
		chunk, err := types.DecodeErasureChunk(value)
		if err != nil {
			return fmt.Errorf("decode chunk %s: %w", candidate.Short(), err)
		}

		size, found = len(chunk.Chunk), true

		return errStopIteration
	})
	if err != nil && err != errStopIteration {
		return 0, false, err
	}

	return size, found, nil
}

// ValidatorCount returns the number of validators the candidate was encoded for.
func (s *Store) ValidatorCount(candidate types.CandidateHash) (int, bool, error) {
	raw, err := s.get(countKey(candidate))
	if err != nil || raw == nil {
		return 0, false, err
	}

	if len(raw) != 4 {
		return 0, false, fmt.Errorf("corrupt validator count for %s", candidate.Short())
	}

	return int(binary.BigEndian.Uint32(raw)), true, nil
}

// Delete removes everything stored for candidate.
func (s *Store) Delete(candidate types.CandidateHash) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(dataKey(candidate), nil); err != nil {
		return err
	}

	if err := batch.Delete(countKey(candidate), nil); err != nil {
		return err
	}

	prefix := chunkPrefix(candidate)
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return err
	}

	return batch.Commit(pebble.NoSync)
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Store) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// get retrieves the value for key, or nil if absent.
func (s *Store) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// errStopIteration ends a prefix scan early without reporting an error.
var errStopIteration = errors.New("stop iteration")

// iteratePrefix calls fn for each key-value pair with the given prefix in key order.
func (s *Store) iteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}

	return nil
}

func dataKey(c types.CandidateHash) []byte {
	return append(append([]byte{}, prefixData...), c[:]...)
}

func countKey(c types.CandidateHash) []byte {
	return append(append([]byte{}, prefixCount...), c[:]...)
}

func chunkPrefix(c types.CandidateHash) []byte {
	return append(append([]byte{}, prefixChunks...), c[:]...)
}

// chunkKey uses a big-endian index so chunks iterate in index order.
func chunkKey(c types.CandidateHash, index types.ChunkIndex) []byte {
	key := chunkPrefix(c)
	return binary.BigEndian.AppendUint32(key, uint32(index))
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Store) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Store) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
