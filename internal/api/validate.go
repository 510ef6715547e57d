package api

import (
	"encoding/json"
	"fmt"

	"AvailRecovery/internal/types"
)

// recoverRequestJSON is the body of POST /recover. Hashes are hex.
type recoverRequestJSON struct {
	CandidateHash string  `json:"candidate_hash"`
	ErasureRoot   string  `json:"erasure_root"`
	PoVHash       string  `json:"pov_hash"`
	Session       uint32  `json:"session"`
	Group         *uint32 `json:"group,omitempty"`
}

type validationDataJSON struct {
	ParentHead             string `json:"parent_head"`
	RelayParentNumber      uint32 `json:"relay_parent_number"`
	RelayParentStorageRoot string `json:"relay_parent_storage_root"`
	MaxPoVSize             uint32 `json:"max_pov_size"`
}

type recoverResponse struct {
	CandidateHash  string             `json:"candidate_hash"`
	PoV            string             `json:"pov"`
	PoVHash        string             `json:"pov_hash"`
	ValidationData validationDataJSON `json:"validation_data"`
}

// recoverRequest is a validated POST /recover body.
type recoverRequest struct {
	descriptor types.CandidateDescriptor
	session    types.SessionIndex
	group      *types.GroupIndex
}

// parseRecoverRequest decodes and validates a POST /recover body.
func parseRecoverRequest(body []byte) (*recoverRequest, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty request")
	}

	var raw recoverRequestJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid json: %v", err)
	}

	candidate, err := types.ParseCandidateHash(raw.CandidateHash)
	if err != nil {
		return nil, fmt.Errorf("candidate_hash: %v", err)
	}

	root, err := types.ParseHash(raw.ErasureRoot)
	if err != nil {
		return nil, fmt.Errorf("erasure_root: %v", err)
	}

	var povHash types.Hash
	if raw.PoVHash != "" {
		if povHash, err = types.ParseHash(raw.PoVHash); err != nil {
			return nil, fmt.Errorf("pov_hash: %v", err)
		}
	}

	req := &recoverRequest{
		descriptor: types.CandidateDescriptor{
			CandidateHash: candidate,
			ErasureRoot:   root,
			PoVHash:       povHash,
		},
		session: types.SessionIndex(raw.Session),
	}

	if raw.Group != nil {
		g := types.GroupIndex(*raw.Group)
		req.group = &g
	}

	return req, nil
}
