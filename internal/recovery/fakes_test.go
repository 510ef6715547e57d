package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AvailRecovery/internal/erasure"
	"AvailRecovery/internal/protocol"
	"AvailRecovery/internal/types"
)

// peerMode is how a fake peer answers.
type peerMode int

const (
	honest  peerMode = iota // serves the real chunk and data
	absent                  // answers "no such chunk" / "no such data"
	corrupt                 // serves chunks with a broken proof
	offline                 // fails with a network error
	silent                  // never answers before the request context ends
)

// fakeNetwork serves chunks and full data according to each peer's mode.
type fakeNetwork struct {
	mu     sync.Mutex
	modes  map[string]peerMode
	chunks []types.ErasureChunk
	data   *types.AvailableData
	delay  time.Duration

	chunkReqs   atomic.Int32
	fullReqs    atomic.Int32
	chunkByIdx  map[types.ValidatorIndex]int
	requestedBy map[string]int
}

func newFakeNetwork(chunks []types.ErasureChunk, data *types.AvailableData) *fakeNetwork {
	return &fakeNetwork{
		modes:       make(map[string]peerMode),
		chunks:      chunks,
		data:        data,
		chunkByIdx:  make(map[types.ValidatorIndex]int),
		requestedBy: make(map[string]int),
	}
}

func (f *fakeNetwork) setMode(a types.AuthorityID, m peerMode) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.modes[string(a)] = m
}

func (f *fakeNetwork) mode(a types.AuthorityID) peerMode {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.modes[string(a)]
}

func (f *fakeNetwork) chunkRequestsFor(idx types.ValidatorIndex) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.chunkByIdx[idx]
}

func (f *fakeNetwork) wait(ctx context.Context, m peerMode) error {
	if m == silent {
		<-ctx.Done()
		return &RequestError{Kind: KindNetwork, Err: ctx.Err()}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &RequestError{Kind: KindNetwork, Err: ctx.Err()}
		}
	}

	return nil
}

func (f *fakeNetwork) FetchChunk(ctx context.Context, authority types.AuthorityID, req protocol.ChunkFetchingRequest) (*types.ErasureChunk, error) {
	f.chunkReqs.Add(1)

	f.mu.Lock()
	f.chunkByIdx[req.Index]++
	f.requestedBy[string(authority)]++
	f.mu.Unlock()

	m := f.mode(authority)
	if err := f.wait(ctx, m); err != nil {
		return nil, err
	}

	switch m {
	case absent:
		return nil, nil
	case offline:
		return nil, &RequestError{Kind: KindNetwork, Err: errors.New("connection refused")}
	}

	if int(req.Index) >= len(f.chunks) {
		return nil, nil
	}

	chunk := f.chunks[req.Index]
	chunk.Chunk = append([]byte(nil), chunk.Chunk...)

	if m == corrupt {
		chunk.Chunk[0] ^= 0xff
	}

	return &chunk, nil
}

func (f *fakeNetwork) FetchAvailableData(ctx context.Context, authority types.AuthorityID, _ protocol.AvailableDataFetchingRequest) (*types.AvailableData, error) {
	f.fullReqs.Add(1)

	m := f.mode(authority)
	if err := f.wait(ctx, m); err != nil {
		return nil, err
	}

	switch m {
	case honest:
		return f.data, nil
	case corrupt:
		return &types.AvailableData{PoV: types.PoV{BlockData: []byte("forged")}}, nil
	case offline:
		return nil, &RequestError{Kind: KindNetwork, Err: errors.New("connection refused")}
	default:
		return nil, nil
	}
}

// fakeStore is an in-memory LocalStore.
type fakeStore struct {
	mu     sync.Mutex
	data   map[types.CandidateHash]*types.AvailableData
	chunks map[types.CandidateHash][]types.ErasureChunk
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data:   make(map[types.CandidateHash]*types.AvailableData),
		chunks: make(map[types.CandidateHash][]types.ErasureChunk),
	}
}

func (s *fakeStore) QueryAvailableData(_ context.Context, c types.CandidateHash) (*types.AvailableData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.data[c], nil
}

func (s *fakeStore) QueryChunkSize(_ context.Context, c types.CandidateHash) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.chunks[c]) == 0 {
		return 0, false, nil
	}

	return len(s.chunks[c][0].Chunk), true, nil
}

func (s *fakeStore) QueryAllChunks(_ context.Context, c types.CandidateHash) ([]types.ErasureChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]types.ErasureChunk(nil), s.chunks[c]...), nil
}

func (s *fakeStore) QueryChunk(_ context.Context, c types.CandidateHash, idx types.ValidatorIndex) (*types.ErasureChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.chunks[c] {
		if s.chunks[c][i].Index == types.ChunkIndex(idx) {
			chunk := s.chunks[c][i]
			return &chunk, nil
		}
	}

	return nil, nil
}

// fakeSessions serves fixed session info.
type fakeSessions struct {
	sessions map[types.SessionIndex]*types.SessionInfo
	calls    atomic.Int32
}

func (f *fakeSessions) SessionInfo(_ context.Context, _ types.Hash, idx types.SessionIndex) (*types.SessionInfo, error) {
	f.calls.Add(1)
	return f.sessions[idx], nil
}

// testEnv is one candidate erasure-coded over n validators, with fakes around it.
type testEnv struct {
	n          int
	data       *types.AvailableData
	chunks     []types.ErasureChunk
	descriptor types.CandidateDescriptor
	keys       []types.AuthorityID
	sessions   *fakeSessions
	store      *fakeStore
	net        *fakeNetwork
}

// newTestEnv encodes a PoV of size bytes over n validators in one backing group of the first three.
func newTestEnv(t *testing.T, n, size int) *testEnv {
	t.Helper()

	data := testAvailableData(size)

	chunks, root, err := erasure.ChunksWithProofs(n, data)
	if err != nil {
		t.Fatalf("encode chunks: %v", err)
	}

	keys := make([]types.AuthorityID, n)
	for i := range keys {
		key := make([]byte, 32)
		key[0], key[1] = byte(i), byte(i>>8)
		key[31] = 0xaa
		keys[i] = key
	}

	var candidate types.CandidateHash
	candidate[0] = byte(size)
	candidate[1] = byte(n)

	env := &testEnv{
		n:      n,
		data:   data,
		chunks: chunks,
		descriptor: types.CandidateDescriptor{
			CandidateHash: candidate,
			ErasureRoot:   root,
			PoVHash:       data.PoV.Hash(),
		},
		keys: keys,
		sessions: &fakeSessions{sessions: map[types.SessionIndex]*types.SessionInfo{
			1: {
				Validators:      keys,
				ValidatorGroups: [][]types.ValidatorIndex{{0, 1, 2}, {3, 4, 5}},
			},
		}},
		store: newFakeStore(),
		net:   newFakeNetwork(chunks, data),
	}

	return env
}

// setModes applies mode to the listed validators.
func (e *testEnv) setModes(m peerMode, validators ...int) {
	for _, v := range validators {
		e.net.setMode(e.keys[v], m)
	}
}

func testAvailableData(size int) *types.AvailableData {
	block := make([]byte, size)
	for i := range block {
		block[i] = byte(i*13 + 5)
	}

	return &types.AvailableData{
		PoV: types.PoV{BlockData: block},
		ValidationData: types.PersistedValidationData{
			ParentHead:        []byte("parent-head"),
			RelayParentNumber: 100,
			MaxPoVSize:        5 << 20,
		},
	}
}

// testConfig is a validator config recovering only from chunks with short timeouts.
func testConfig() Config {
	cfg := ValidatorConfig(0)
	cfg.Strategy = ChunksAlways
	cfg.ChunkRequestTimeout = time.Second
	cfg.FullRequestTimeout = time.Second
	cfg.TimeoutStartNewRequests = 100 * time.Millisecond

	return cfg
}

// startSubsystem runs a subsystem until the test ends.
func startSubsystem(t *testing.T, cfg Config, env *testEnv) *Subsystem {
	t.Helper()

	var store LocalStore = env.store
	if cfg.BypassAvailabilityStore {
		store = nil
	}

	sub, err := New(cfg, env.sessions, store, env.net, nil)
	if err != nil {
		t.Fatalf("create subsystem: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- sub.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("subsystem did not stop")
		}
	})

	return sub
}

// recoverWithin calls Recover with a deadline.
func recoverWithin(t *testing.T, sub *Subsystem, env *testEnv, group *types.GroupIndex) (*types.AvailableData, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return sub.Recover(ctx, env.descriptor, 1, group)
}

func groupIndex(g types.GroupIndex) *types.GroupIndex {
	return &g
}
