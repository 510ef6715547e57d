package network

import (
	"context"
	"errors"
	"fmt"

	"AvailRecovery/internal/logger"
	"AvailRecovery/internal/protocol"
	"AvailRecovery/internal/recovery"
	"AvailRecovery/internal/types"
)

// Handler answers inbound recovery requests. *recovery.Subsystem implements it.
type Handler interface {
	HandleChunkRequest(ctx context.Context, req protocol.ChunkFetchingRequest) (*types.ErasureChunk, error)
	HandleAvailableDataRequest(ctx context.Context, req protocol.AvailableDataFetchingRequest) (*types.AvailableData, error)
}

// Bridge carries recovery requests over a Node. It implements recovery.Network.
type Bridge struct {
	node *Node
}

// NewBridge creates a bridge over node.
func NewBridge(node *Node) *Bridge {
	return &Bridge{node: node}
}

// FetchChunk asks authority for its chunk. A nil chunk means the peer does not hold it.
func (b *Bridge) FetchChunk(ctx context.Context, authority types.AuthorityID, req protocol.ChunkFetchingRequest) (*types.ErasureChunk, error) {
	resp, err := b.request(ctx, authority, protocol.EncodeChunkRequest(&req))
	if err != nil {
		return nil, err
	}

	chunk, err := protocol.DecodeChunkResponse(resp)
	if err != nil {
		return nil, &recovery.RequestError{Kind: recovery.KindInvalidResponse, Err: err}
	}

	return chunk, nil
}

// FetchAvailableData asks authority for the full data. Nil data means the peer does not hold it.
func (b *Bridge) FetchAvailableData(ctx context.Context, authority types.AuthorityID, req protocol.AvailableDataFetchingRequest) (*types.AvailableData, error) {
	resp, err := b.request(ctx, authority, protocol.EncodeAvailableDataRequest(&req))
	if err != nil {
		return nil, err
	}

	data, err := protocol.DecodeAvailableDataResponse(resp)
	if err != nil {
		return nil, &recovery.RequestError{Kind: recovery.KindInvalidResponse, Err: err}
	}

	return data, nil
}

// request sends payload to authority and classifies transport failures.
func (b *Bridge) request(ctx context.Context, authority types.AuthorityID, payload []byte) ([]byte, error) {
	peer, err := b.node.Dial(ctx, authority.PublicKey())
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("dial %s: %w", authority, err))
	}

	resp, err := peer.Request(ctx, payload)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("request %s: %w", authority, err))
	}

	return resp, nil
}

// classify wraps a transport error. Cancellation by the caller is reported as
// KindCanceled, everything else including deadlines as KindNetwork.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &recovery.RequestError{Kind: recovery.KindCanceled, Err: err}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}

	return &recovery.RequestError{Kind: recovery.KindNetwork, Err: err}
}

// Serve routes the node's inbound requests to h.
func Serve(node *Node, h Handler) {
	node.OnRequest(func(ctx context.Context, p *Peer, data []byte) ([]byte, error) {
		req, err := protocol.DecodeRequest(data)
		if err != nil {
			logger.Debug("malformed inbound request", "peer", p.Address(), "error", err)
			return nil, err
		}

		switch {
		case req.Chunk != nil:
			chunk, err := h.HandleChunkRequest(ctx, *req.Chunk)
			if err != nil {
				return nil, err
			}

			return protocol.EncodeChunkResponse(chunk)
		default:
			data, err := h.HandleAvailableDataRequest(ctx, *req.Available)
			if err != nil {
				return nil, err
			}

			return protocol.EncodeAvailableDataResponse(data)
		}
	})
}
