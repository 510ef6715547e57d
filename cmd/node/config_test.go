package main

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"AvailRecovery/internal/recovery"
)

// TestParseConfigDefaults tests the validator preset without flags.
func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	rc, err := cfg.recoveryConfig()
	if err != nil {
		t.Fatalf("recovery config: %v", err)
	}

	if rc.Strategy != recovery.BackersFirstIfSizeLowerThenSystematic || rc.BypassAvailabilityStore {
		t.Fatalf("unexpected preset: %+v", rc)
	}
}

// TestParseConfigFileAndFlags tests that flags override the YAML file.
func TestParseConfigFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")

	file := "http: \":7000\"\nstrategy: chunks-always\nworkers: 3\nchunk_request_timeout: 2s\ncollator: true\n"
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := parseConfig([]string{"--config", path, "--workers=1", "--post-recovery-check", "reencode"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.HTTPAddress != ":7000" || cfg.Workers != 1 || cfg.ChunkRequestTimeout != 2*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	rc, err := cfg.recoveryConfig()
	if err != nil {
		t.Fatalf("recovery config: %v", err)
	}

	if rc.Strategy != recovery.ChunksAlways || !rc.BypassAvailabilityStore || rc.PostRecoveryCheck != recovery.Reencode {
		t.Fatalf("unexpected recovery config: %+v", rc)
	}
}

// TestRecoveryConfigRejects tests unknown names.
func TestRecoveryConfigRejects(t *testing.T) {
	cfg := defaultConfig()
	cfg.Strategy = "fastest"

	if _, err := cfg.recoveryConfig(); err == nil {
		t.Fatal("expected an error for an unknown strategy")
	}

	cfg = defaultConfig()
	cfg.PostRecoveryCheck = "none"

	if _, err := cfg.recoveryConfig(); err == nil {
		t.Fatal("expected an error for an unknown check")
	}
}

// TestParsePeers tests peer entry parsing.
func TestParsePeers(t *testing.T) {
	key := strings.Repeat("ab", 32)

	cfg := defaultConfig()
	cfg.Peers = []string{key + "@127.0.0.1:9001"}

	peers, err := cfg.parsePeers()
	if err != nil {
		t.Fatalf("parse peers: %v", err)
	}

	if len(peers) != 1 || peers[0].addr != "127.0.0.1:9001" || hex.EncodeToString(peers[0].key) != key {
		t.Fatalf("unexpected peers: %+v", peers)
	}

	for _, bad := range []string{"127.0.0.1:9001", key + "@", "abcd@127.0.0.1:9001"} {
		cfg.Peers = []string{bad}

		if _, err := cfg.parsePeers(); err == nil {
			t.Errorf("expected an error for %q", bad)
		}
	}
}

// TestLoadOrGenerateKey tests that a generated key is persisted and reloaded.
func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	second, err := loadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !first.Equal(second) {
		t.Fatal("reloaded key differs")
	}
}
