package network

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"AvailRecovery/internal/logger"
)

const (
	// defaultRequestTimeout bounds a Request whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second

	// handlerTimeout bounds the local handling of one inbound request.
	handlerTimeout = 10 * time.Second
)

// Peer is a connection to a remote authority.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the owning node
	limiter   *rate.Limiter     // limiter bounds the requests this peer may send us
	closed    atomic.Bool       // closed is set once the peer is closed or disconnected
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Close closes the peer connection. A closed peer is not reconnected.
func (p *Peer) Close() error {
	p.closed.Store(true)

	return p.conn.CloseWithError(0, "closed")
}

// Request sends data on a new bidirectional stream and waits for the response.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	// Unblock the read if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { stream.CancelRead(0) })
	defer stop()

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	response, err := readFrame(stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("read response: %w", err)
	}

	return response, nil
}

// serve accepts request streams until the connection ends.
func (p *Peer) serve(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("peer connection ended", "peer", p.address, "error", err)
			break
		}

		go p.handleStream(ctx, stream)
	}

	p.handleDisconnect()
}

// handleStream answers one request stream.
func (p *Peer) handleStream(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(handlerTimeout))

	data, err := readFrame(stream)
	if err != nil {
		return
	}

	if !p.limiter.Allow() {
		logger.Debug("inbound request rate limited", "peer", hex.EncodeToString(p.publicKey[:8]))
		stream.CancelWrite(0)

		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	response, err := p.node.callOnRequest(reqCtx, p, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.address, "error", err)
		stream.CancelWrite(0)

		return
	}

	if err := writeFrame(stream, response); err != nil {
		logger.Debug("write response failed", "peer", p.address, "error", err)
	}
}

// handleDisconnect closes the connection and, unless the peer was closed
// locally, removes it from the node.
func (p *Peer) handleDisconnect() {
	p.conn.CloseWithError(0, "disconnected")

	if p.closed.Swap(true) {
		return
	}

	p.node.handlePeerDisconnect(p)
}
