package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"AvailRecovery/internal/recovery"
)

// Config holds the node configuration. Every field can be set in the YAML file;
// flags override the file.
type Config struct {
	DataPath    string   `yaml:"data"`         // DataPath is the directory for the availability store
	HTTPAddress string   `yaml:"http"`         // HTTPAddress is the HTTP API listen address
	QUICAddress string   `yaml:"quic"`         // QUICAddress is the QUIC listen address
	KeyPath     string   `yaml:"key"`          // KeyPath is the path to the ed25519 private key file
	SessionFile string   `yaml:"session_file"` // SessionFile is the YAML validator set description
	Peers       []string `yaml:"peers"`        // Peers are "hexkey@host:port" entries
	LogLevel    string   `yaml:"log_level"`

	Collator             bool          `yaml:"collator"` // Collator selects the collator preset
	Strategy             string        `yaml:"strategy"` // Strategy overrides the preset strategy when set
	FetchChunksThreshold int           `yaml:"fetch_chunks_threshold"`
	PostRecoveryCheck    string        `yaml:"post_recovery_check"`
	Workers              int           `yaml:"workers"`
	CacheSize            int           `yaml:"cache_size"`
	ChunkRequestTimeout  time.Duration `yaml:"chunk_request_timeout"`
	FullRequestTimeout   time.Duration `yaml:"full_request_timeout"`

	PrivateKey ed25519.PrivateKey `yaml:"-"`
}

// peerEntry is a parsed "hexkey@host:port".
type peerEntry struct {
	key  ed25519.PublicKey
	addr string
}

func defaultConfig() *Config {
	return &Config{
		DataPath:            "./data",
		HTTPAddress:         ":8080",
		QUICAddress:         ":9000",
		LogLevel:            "info",
		Workers:             recovery.DefaultWorkers,
		CacheSize:           recovery.DefaultCacheSize,
		ChunkRequestTimeout: recovery.DefaultChunkRequestTimeout,
		FullRequestTimeout:  recovery.DefaultFullRequestTimeout,
	}
}

// parseConfig reads the optional --config file, then applies flags on top.
func parseConfig(args []string) (*Config, error) {
	cfg := defaultConfig()

	if path := configPath(args); path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}

	fs := pflag.NewFlagSet("node", pflag.ContinueOnError)
	fs.String("config", "", "YAML configuration file")
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Availability store directory")
	fs.StringVar(&cfg.HTTPAddress, "http", cfg.HTTPAddress, "HTTP API address")
	fs.StringVar(&cfg.QUICAddress, "quic", cfg.QUICAddress, "QUIC address")
	fs.StringVar(&cfg.KeyPath, "key", cfg.KeyPath, "Ed25519 private key path (generates new if missing)")
	fs.StringVar(&cfg.SessionFile, "session-file", cfg.SessionFile, "Validator set YAML file")
	fs.StringSliceVar(&cfg.Peers, "peers", cfg.Peers, "Known peers as hexkey@host:port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Collator, "collator", cfg.Collator, "Use the collator preset (no local store, PoV hash check)")
	fs.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "Recovery strategy (overrides the preset)")
	fs.IntVar(&cfg.FetchChunksThreshold, "fetch-chunks-threshold", cfg.FetchChunksThreshold, "PoV size in bytes below which backers are asked for the full data")
	fs.StringVar(&cfg.PostRecoveryCheck, "post-recovery-check", cfg.PostRecoveryCheck, "Post-recovery check (reencode, pov-hash)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Erasure worker pool size")
	fs.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "Recovered result cache size")
	fs.DurationVar(&cfg.ChunkRequestTimeout, "chunk-request-timeout", cfg.ChunkRequestTimeout, "Timeout of one chunk request")
	fs.DurationVar(&cfg.FullRequestTimeout, "full-request-timeout", cfg.FullRequestTimeout, "Timeout of one full data request")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// configPath finds --config in args before the full flag set is built.
func configPath(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--config" && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}

	return ""
}

// loadConfigFile decodes a YAML file over cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file:\n%w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s:\n%w", path, err)
	}

	return nil
}

// recoveryConfig builds the engine configuration from the preset and overrides.
func (c *Config) recoveryConfig() (recovery.Config, error) {
	rc := recovery.ValidatorConfig(c.FetchChunksThreshold)
	if c.Collator {
		rc = recovery.CollatorConfig(c.FetchChunksThreshold)
	}

	if c.Strategy != "" {
		kind, err := recovery.ParseStrategyKind(c.Strategy)
		if err != nil {
			return rc, err
		}

		rc.Strategy = kind
	}

	if c.PostRecoveryCheck != "" {
		check, err := recovery.ParsePostRecoveryCheck(c.PostRecoveryCheck)
		if err != nil {
			return rc, err
		}

		rc.PostRecoveryCheck = check
	}

	rc.Workers = c.Workers
	rc.CacheSize = c.CacheSize
	rc.ChunkRequestTimeout = c.ChunkRequestTimeout
	rc.FullRequestTimeout = c.FullRequestTimeout

	if err := rc.Validate(); err != nil {
		return rc, err
	}

	return rc, nil
}

// parsePeers parses the configured peer list.
func (c *Config) parsePeers() ([]peerEntry, error) {
	peers := make([]peerEntry, 0, len(c.Peers))

	for _, p := range c.Peers {
		keyHex, addr, ok := strings.Cut(p, "@")
		if !ok || addr == "" {
			return nil, fmt.Errorf("invalid peer %q: want hexkey@host:port", p)
		}

		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid peer key in %q", p)
		}

		peers = append(peers, peerEntry{key: key, addr: addr})
	}

	return peers, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
