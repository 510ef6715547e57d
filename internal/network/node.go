package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"AvailRecovery/internal/logger"
)

const (
	// defaultReconnectDelay is the first delay between reconnection attempts.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the reconnection backoff.
	maxReconnectDelay = 60 * time.Second

	// defaultInboundRate is the number of requests per second a single peer may send us.
	defaultInboundRate = 200

	// defaultInboundBurst is the burst allowed above defaultInboundRate.
	defaultInboundBurst = 400

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "availrecovery/1"
)

var (
	// ErrUnknownPeer means no address is known for the requested key.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrPeerClosed means the connection to the peer has been closed.
	ErrPeerClosed = errors.New("peer is closed")

	// ErrKeyMismatch means the remote presented a different key than expected.
	ErrKeyMismatch = errors.New("peer key mismatch")
)

// RequestHandler answers one inbound request. A nil response with a nil error closes the stream without reply.
type RequestHandler func(ctx context.Context, p *Peer, data []byte) ([]byte, error)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
	InboundRate    rate.Limit         // InboundRate is the per-peer inbound request rate
	InboundBurst   int                // InboundBurst is the per-peer inbound burst
}

// Node accepts and initiates QUIC connections to other authorities, keyed by their ed25519 key.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is derived from privateKey
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig carries the self-signed certificate
	quicConfig *quic.Config       // quicConfig holds QUIC transport settings

	listener *quic.Listener // listener accepts incoming connections

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex     // peersMu protects peers

	knownAddrs   map[string]string // knownAddrs maps public key hex to address
	knownAddrsMu sync.RWMutex      // knownAddrsMu protects knownAddrs

	dialMu sync.Mutex // dialMu serializes outbound dials so a key is dialed once

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection backoff
	inboundRate    rate.Limit    // inboundRate is the per-peer inbound request rate
	inboundBurst   int           // inboundBurst is the per-peer inbound burst

	onConnect    func(*Peer)    // onConnect is called when a peer connects
	onDisconnect func(*Peer)    // onDisconnect is called when a peer disconnects
	onRequest    RequestHandler // onRequest answers inbound requests
	handlersMu   sync.RWMutex   // handlersMu protects the handlers

	ctx    context.Context    // ctx is cancelled on Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg tracks background goroutines
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	inboundRate := cfg.InboundRate
	if inboundRate == 0 {
		inboundRate = defaultInboundRate
	}

	inboundBurst := cfg.InboundBurst
	if inboundBurst == 0 {
		inboundBurst = defaultInboundBurst
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // the remote key is checked against the authority after the handshake
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:     30 * time.Second,
		KeepAlivePeriod:    10 * time.Second,
		MaxIncomingStreams: 1024,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[string]*Peer),
		knownAddrs:     make(map[string]string),
		reconnectDelay: reconnectDelay,
		inboundRate:    inboundRate,
		inboundBurst:   inboundBurst,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("quic listener started", "addr", listener.Addr().String(), "key", hex.EncodeToString(n.publicKey[:8]))

	return nil
}

// AddPeer records the address of an authority so it can be dialed on demand.
func (n *Node) AddPeer(pubkey ed25519.PublicKey, addr string) {
	n.knownAddrsMu.Lock()
	n.knownAddrs[hex.EncodeToString(pubkey)] = addr
	n.knownAddrsMu.Unlock()
}

// Connect connects to a remote node at the given address.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Dial returns a connected peer for pubkey, connecting to its known address if needed.
func (n *Node) Dial(ctx context.Context, pubkey ed25519.PublicKey) (*Peer, error) {
	if p := n.GetPeer(pubkey); p != nil {
		return p, nil
	}

	keyHex := hex.EncodeToString(pubkey)

	n.knownAddrsMu.RLock()
	addr, ok := n.knownAddrs[keyHex]
	n.knownAddrsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, keyHex[:16])
	}

	n.dialMu.Lock()
	defer n.dialMu.Unlock()

	if p := n.GetPeer(pubkey); p != nil {
		return p, nil
	}

	peer, err := n.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}

	if !peer.publicKey.Equal(pubkey) {
		n.peersMu.Lock()
		if n.peers[hex.EncodeToString(peer.publicKey)] == peer {
			delete(n.peers, hex.EncodeToString(peer.publicKey))
		}
		n.peersMu.Unlock()

		peer.Close()
		return nil, fmt.Errorf("%w: dialed %s", ErrKeyMismatch, addr)
	}

	n.callOnConnect(peer)

	return peer, nil
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer for the given public key, or nil if not connected.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	keyHex := hex.EncodeToString(pubkey)

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[keyHex]
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming requests.
func (n *Node) OnRequest(fn RequestHandler) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
// Peers are closed before the node context so every remote receives a close.
func (n *Node) Close() error {
	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, "")
	if err != nil {
		logger.Debug("rejected incoming connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer creates a Peer from a QUIC connection. addr is empty for inbound connections,
// whose remote port is ephemeral and not worth reconnecting to.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key: %w", err)
	}

	keyHex := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
		limiter:   rate.NewLimiter(n.inboundRate, n.inboundBurst),
	}

	if addr == "" {
		peer.address = conn.RemoteAddr().String()
	}

	n.peersMu.Lock()
	old := n.peers[keyHex]
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	if old != nil {
		old.closed.Store(true)
		old.conn.CloseWithError(0, "replaced")
	}

	if addr != "" {
		n.AddPeer(pubKey, addr)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.serve(n.ctx)
	}()

	return peer, nil
}

// handlePeerDisconnect removes a peer and schedules a reconnection if its address is known.
func (n *Node) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(keyHex)
	}()
}

// reconnectPeer redials a known peer with capped exponential backoff until it
// is connected again, its address is forgotten or the node closes.
func (n *Node) reconnectPeer(keyHex string) {
	backoff := retry.NewExponential(n.reconnectDelay)
	backoff = retry.WithCappedDuration(maxReconnectDelay, backoff)
	backoff = retry.WithJitterPercent(10, backoff)

	attempt := 0

	err := retry.Do(n.ctx, backoff, func(ctx context.Context) error {
		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[keyHex]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return nil
		}

		n.peersMu.RLock()
		_, exists := n.peers[keyHex]
		n.peersMu.RUnlock()

		if exists {
			return nil
		}

		attempt++

		peer, err := n.Connect(ctx, addr)
		if err != nil {
			logger.Debug("reconnect failed", "peer", keyHex[:16], "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}

		n.callOnConnect(peer)

		return nil
	})
	if err != nil && n.ctx.Err() == nil {
		logger.Warn("gave up reconnecting", "peer", keyHex[:16], "error", err)
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(ctx context.Context, p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(ctx, p, data)
}
