package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"AvailRecovery/internal/types"
)

// File is the on-disk YAML layout of a session file.
type File struct {
	Sessions []SessionEntry `yaml:"sessions"`
}

// SessionEntry describes one session in a session file.
type SessionEntry struct {
	Index         uint32     `yaml:"index"`
	Threshold     int        `yaml:"threshold,omitempty"`
	Validators    []string   `yaml:"validators"`               // hex ed25519 public keys
	DiscoveryKeys []string   `yaml:"discovery_keys,omitempty"` // hex, defaults to Validators
	Groups        [][]uint32 `yaml:"groups"`
}

// Static serves session info from an in-memory table.
type Static struct {
	mu       sync.RWMutex
	sessions map[types.SessionIndex]*types.SessionInfo
}

// NewStatic creates an empty provider.
func NewStatic() *Static {
	return &Static{sessions: make(map[types.SessionIndex]*types.SessionInfo)}
}

// LoadFile reads a YAML session file.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	s := NewStatic()

	for _, entry := range f.Sessions {
		info, err := entry.toInfo()
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", entry.Index, err)
		}

		s.Set(types.SessionIndex(entry.Index), info)
	}

	return s, nil
}

// Set stores or replaces the info of a session.
func (s *Static) Set(idx types.SessionIndex, info *types.SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[idx] = info
}

// SessionInfo returns the info of a session, or nil if unknown. The block is ignored.
func (s *Static) SessionInfo(_ context.Context, _ types.Hash, idx types.SessionIndex) (*types.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sessions[idx], nil
}

// Len returns the number of known sessions.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// toInfo validates an entry and converts it to SessionInfo.
func (e *SessionEntry) toInfo() (*types.SessionInfo, error) {
	if len(e.Validators) == 0 {
		return nil, fmt.Errorf("no validators")
	}

	validators, err := decodeKeys(e.Validators)
	if err != nil {
		return nil, fmt.Errorf("validators: %w", err)
	}

	var discovery []types.AuthorityID
	if len(e.DiscoveryKeys) > 0 {
		if len(e.DiscoveryKeys) != len(e.Validators) {
			return nil, fmt.Errorf("discovery_keys has %d entries, want %d", len(e.DiscoveryKeys), len(e.Validators))
		}

		if discovery, err = decodeKeys(e.DiscoveryKeys); err != nil {
			return nil, fmt.Errorf("discovery_keys: %w", err)
		}
	}

	groups := make([][]types.ValidatorIndex, len(e.Groups))
	for g, members := range e.Groups {
		for _, v := range members {
			if int(v) >= len(validators) {
				return nil, fmt.Errorf("group %d: validator %d out of range", g, v)
			}

			groups[g] = append(groups[g], types.ValidatorIndex(v))
		}
	}

	if e.Threshold < 0 || e.Threshold > len(validators) {
		return nil, fmt.Errorf("threshold %d out of range", e.Threshold)
	}

	return &types.SessionInfo{
		Validators:      validators,
		DiscoveryKeys:   discovery,
		ValidatorGroups: groups,
		Threshold:       e.Threshold,
	}, nil
}

func decodeKeys(in []string) ([]types.AuthorityID, error) {
	out := make([]types.AuthorityID, len(in))

	for i, s := range in {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}

		if len(b) != 32 {
			return nil, fmt.Errorf("key %d: length %d, want 32", i, len(b))
		}

		out[i] = types.AuthorityID(b)
	}

	return out, nil
}
