package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"AvailRecovery/internal/recovery"
	"AvailRecovery/internal/types"
)

// defaultTimeout is slightly above the server-side recovery timeout.
const defaultTimeout = 40 * time.Second

// Client talks to a node's recovery HTTP API.
type Client struct {
	baseURL string       // baseURL is "http://host:port" without a trailing slash
	http    *http.Client // http is the underlying HTTP client
}

// Status is the node's recovery engine snapshot.
type Status struct {
	CacheEntries  int    `json:"cacheEntries"`
	InFlight      int    `json:"inFlight"`
	Workers       int    `json:"workers"`
	LiveBlock     uint32 `json:"liveBlock"`
	LiveBlockHash string `json:"liveBlockHash"`
}

type recoverRequest struct {
	CandidateHash string  `json:"candidate_hash"`
	ErasureRoot   string  `json:"erasure_root"`
	PoVHash       string  `json:"pov_hash,omitempty"`
	Session       uint32  `json:"session"`
	Group         *uint32 `json:"group,omitempty"`
}

type recoverResponse struct {
	CandidateHash  string `json:"candidate_hash"`
	PoV            string `json:"pov"`
	PoVHash        string `json:"pov_hash"`
	ValidationData struct {
		ParentHead             string `json:"parent_head"`
		RelayParentNumber      uint32 `json:"relay_parent_number"`
		RelayParentStorageRoot string `json:"relay_parent_storage_root"`
		MaxPoVSize             uint32 `json:"max_pov_size"`
	} `json:"validation_data"`
}

// New creates a client for the node at addr ("host:port" or a full http URL).
// A nil httpClient uses a client with a default timeout.
func New(addr string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	base := strings.TrimSuffix(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{baseURL: base, http: httpClient}
}

// Recover asks the node to recover the available data of a candidate.
// Unavailable and invalid outcomes are returned as recovery.ErrUnavailable
// and recovery.ErrInvalid so callers can match them with errors.Is.
func (c *Client) Recover(ctx context.Context, d types.CandidateDescriptor, session types.SessionIndex, group *types.GroupIndex) (*types.AvailableData, error) {
	body := recoverRequest{
		CandidateHash: d.CandidateHash.String(),
		ErasureRoot:   d.ErasureRoot.String(),
		Session:       uint32(session),
	}

	if !d.PoVHash.IsZero() {
		body.PoVHash = d.PoVHash.String()
	}

	if group != nil {
		g := uint32(*group)
		body.Group = &g
	}

	var resp recoverResponse
	if err := c.httpPostJSON(ctx, "/recover", body, &resp); err != nil {
		return nil, mapRecoverError(err)
	}

	data, err := resp.availableData()
	if err != nil {
		return nil, fmt.Errorf("parse recover response:\n%w", err)
	}

	if got := data.PoV.Hash().String(); got != resp.PoVHash {
		return nil, fmt.Errorf("pov hash mismatch: response says %s, data hashes to %s", resp.PoVHash, got)
	}

	return data, nil
}

// Status returns the node's recovery engine snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.httpGet(ctx, "/status", &st); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return &st, nil
}

// Health reports whether the node's HTTP API answers.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}

	if err := c.httpGet(ctx, "/health", &resp); err != nil {
		return fmt.Errorf("health:\n%w", err)
	}

	if resp.Status != "ok" {
		return fmt.Errorf("health: status %q", resp.Status)
	}

	return nil
}

// mapRecoverError turns recovery status codes back into engine errors.
func mapRecoverError(err error) error {
	var serr *StatusError
	if !errors.As(err, &serr) {
		return err
	}

	switch serr.Code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", recovery.ErrUnavailable, serr.Message)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", recovery.ErrInvalid, serr.Message)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", recovery.ErrChannelClosed, serr.Message)
	case http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, serr.Message)
	default:
		return err
	}
}

func (r *recoverResponse) availableData() (*types.AvailableData, error) {
	pov, err := hex.DecodeString(r.PoV)
	if err != nil {
		return nil, fmt.Errorf("pov: %v", err)
	}

	parentHead, err := hex.DecodeString(r.ValidationData.ParentHead)
	if err != nil {
		return nil, fmt.Errorf("parent_head: %v", err)
	}

	root, err := types.ParseHash(r.ValidationData.RelayParentStorageRoot)
	if err != nil {
		return nil, fmt.Errorf("relay_parent_storage_root: %v", err)
	}

	return &types.AvailableData{
		PoV: types.PoV{BlockData: pov},
		ValidationData: types.PersistedValidationData{
			ParentHead:             parentHead,
			RelayParentNumber:      types.BlockNumber(r.ValidationData.RelayParentNumber),
			RelayParentStorageRoot: root,
			MaxPoVSize:             r.ValidationData.MaxPoVSize,
		},
	}, nil
}
