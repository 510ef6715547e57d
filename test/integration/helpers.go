// Package integration runs recovery across in-process nodes that talk over
// real QUIC connections and keep their chunks in pebble stores.
package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"AvailRecovery/internal/avstore"
	"AvailRecovery/internal/erasure"
	"AvailRecovery/internal/network"
	"AvailRecovery/internal/recovery"
	"AvailRecovery/internal/session"
	"AvailRecovery/internal/types"
)

// testSession is the session index every cluster registers.
const testSession types.SessionIndex = 1

// Node is one in-process participant.
type Node struct {
	index    int
	key      ed25519.PrivateKey
	store    *avstore.Store // store is nil for collators
	net      *network.Node
	recovery *recovery.Subsystem
	stopped  bool
}

// Cluster is a set of validators sharing one session.
type Cluster struct {
	t          *testing.T
	validators []*Node
	session    *types.SessionInfo
}

// clusterOpts configures a cluster.
type clusterOpts struct {
	validators int
	groups     [][]types.ValidatorIndex
}

// startCluster starts validators that each run a store-backed recovery subsystem.
func startCluster(t *testing.T, opts clusterOpts) *Cluster {
	t.Helper()

	keys := make([]ed25519.PrivateKey, opts.validators)
	authorities := make([]types.AuthorityID, opts.validators)

	for i := range keys {
		keys[i] = generateKey(t)
		authorities[i] = types.AuthorityID(keys[i].Public().(ed25519.PublicKey))
	}

	c := &Cluster{
		t: t,
		session: &types.SessionInfo{
			Validators:      authorities,
			ValidatorGroups: opts.groups,
		},
	}

	for i, key := range keys {
		store, err := avstore.New(t.TempDir())
		if err != nil {
			t.Fatalf("open store %d: %v", i, err)
		}

		node := c.startNode(i, key, recovery.ValidatorConfig(0), store)
		c.validators = append(c.validators, node)
	}

	c.connectAll()

	return c
}

// startCollator starts a node with the given config and no local store.
func (c *Cluster) startCollator(cfg recovery.Config) *Node {
	c.t.Helper()

	cfg.BypassAvailabilityStore = true

	node := c.startNode(-1, generateKey(c.t), cfg, nil)
	c.addPeersTo(node)

	return node
}

func (c *Cluster) startNode(index int, key ed25519.PrivateKey, cfg recovery.Config, store *avstore.Store) *Node {
	t := c.t
	t.Helper()

	net, err := network.NewNode(network.Config{
		PrivateKey:     key,
		ListenAddr:     "127.0.0.1:0",
		ReconnectDelay: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create network node: %v", err)
	}

	sessions := session.NewStatic()
	sessions.Set(testSession, c.session)

	var local recovery.LocalStore
	if store != nil {
		local = store
	}

	sub, err := recovery.New(cfg, sessions, local, network.NewBridge(net), nil)
	if err != nil {
		t.Fatalf("create recovery subsystem: %v", err)
	}

	network.Serve(net, sub)

	if err := net.Start(); err != nil {
		t.Fatalf("start network node: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- sub.Run(context.Background()) }()

	node := &Node{index: index, key: key, store: store, net: net, recovery: sub}

	t.Cleanup(func() {
		node.stop(t)

		if err := <-runErr; err != nil {
			t.Errorf("recovery loop of node %d: %v", index, err)
		}

		if store != nil {
			if err := store.Close(); err != nil {
				t.Errorf("close store of node %d: %v", index, err)
			}
		}
	})

	return node
}

// connectAll lets every validator dial every other one.
func (c *Cluster) connectAll() {
	for _, v := range c.validators {
		c.addPeersTo(v)
	}
}

func (c *Cluster) addPeersTo(node *Node) {
	for _, v := range c.validators {
		if v == node {
			continue
		}

		node.net.AddPeer(v.key.Public().(ed25519.PublicKey), v.net.Addr())
	}
}

// distribute erasure-codes data and stores chunk i on validator i.
// Validators listed in full also keep the full data.
func (c *Cluster) distribute(candidate types.CandidateHash, data *types.AvailableData, full ...int) types.CandidateDescriptor {
	t := c.t
	t.Helper()

	n := len(c.validators)

	chunks, root, err := erasure.ChunksWithProofs(n, data)
	if err != nil {
		t.Fatalf("erasure code: %v", err)
	}

	for i, v := range c.validators {
		if err := v.store.StoreChunk(candidate, &chunks[i]); err != nil {
			t.Fatalf("store chunk %d: %v", i, err)
		}
	}

	for _, i := range full {
		if _, err := c.validators[i].store.StoreAvailableData(candidate, n, data); err != nil {
			t.Fatalf("store full data on %d: %v", i, err)
		}
	}

	return types.CandidateDescriptor{
		CandidateHash: candidate,
		ErasureRoot:   root,
		PoVHash:       data.PoV.Hash(),
	}
}

// stopValidators concludes the listed validators and closes their transport.
func (c *Cluster) stopValidators(indices ...int) {
	for _, i := range indices {
		c.validators[i].stop(c.t)
	}
}

func (n *Node) stop(t *testing.T) {
	t.Helper()

	if n.stopped {
		return
	}

	n.stopped = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.recovery.Signal(ctx, recovery.Conclude{}); err != nil && !errors.Is(err, recovery.ErrChannelClosed) {
		t.Errorf("conclude node %d: %v", n.index, err)
	}

	select {
	case <-n.recovery.Done():
	case <-ctx.Done():
		t.Errorf("node %d did not stop", n.index)
	}

	n.net.Close()
}

// recoverWithin runs one recovery with a deadline.
func recoverWithin(t *testing.T, node *Node, d types.CandidateDescriptor, group *types.GroupIndex, timeout time.Duration) (*types.AvailableData, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return node.recovery.Recover(ctx, d, testSession, group)
}

func generateKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

func testData(size int, seed byte) *types.AvailableData {
	block := make([]byte, size)
	for i := range block {
		block[i] = byte(i*31) ^ seed
	}

	return &types.AvailableData{
		PoV: types.PoV{BlockData: block},
		ValidationData: types.PersistedValidationData{
			ParentHead:        []byte{seed, 0x01},
			RelayParentNumber: types.BlockNumber(seed),
			MaxPoVSize:        1 << 22,
		},
	}
}

func candidateHash(seed byte) types.CandidateHash {
	var c types.CandidateHash
	c[0], c[31] = seed, 0x5a

	return c
}
