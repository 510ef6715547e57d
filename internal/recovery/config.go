package recovery

import (
	"fmt"
	"time"
)

const (
	// DefaultFetchChunksThreshold is the PoV size below which backers are asked for the full data.
	DefaultFetchChunksThreshold = 1 << 20

	// DefaultCacheSize is the number of recovered results kept in memory.
	DefaultCacheSize = 16

	// DefaultWorkers is the erasure worker pool size.
	DefaultWorkers = 2

	// MaxWorkers caps the erasure worker pool.
	MaxWorkers = 4

	// DefaultChunkRequestTimeout bounds one chunk request.
	DefaultChunkRequestTimeout = time.Second

	// DefaultFullRequestTimeout bounds one full-data request to a backer.
	DefaultFullRequestTimeout = 1200 * time.Millisecond

	// nParallel caps the number of chunk requests in flight at once.
	nParallel = 50

	// systematicRetryLimit is how many non-fatal failures a (validator, chunk) pair
	// may have during systematic recovery before it is given up on.
	systematicRetryLimit = 2

	// regularRetryLimit is the same limit for regular chunk recovery.
	regularRetryLimit = 5
)

// StrategyKind selects which strategies a recovery tries, and in which order.
type StrategyKind int

const (
	// BackersFirstIfSizeLower asks backers for the full data when the PoV is estimated
	// below the fetch threshold, then falls back to chunks.
	BackersFirstIfSizeLower StrategyKind = iota
	// BackersFirstIfSizeLowerThenSystematic is BackersFirstIfSizeLower with systematic
	// chunks tried before regular chunks.
	BackersFirstIfSizeLowerThenSystematic
	// BackersFirstAlways always asks backers first, then falls back to chunks.
	BackersFirstAlways
	// BackersThenSystematic always asks backers, then systematic chunks, then chunks.
	BackersThenSystematic
	// SystematicChunks tries systematic chunks, then regular chunks.
	SystematicChunks
	// ChunksAlways only ever recovers from chunks.
	ChunksAlways
)

var strategyKindNames = map[StrategyKind]string{
	BackersFirstIfSizeLower:               "backers-first-if-size-lower",
	BackersFirstIfSizeLowerThenSystematic: "backers-first-if-size-lower-then-systematic",
	BackersFirstAlways:                    "backers-first-always",
	BackersThenSystematic:                 "backers-then-systematic",
	SystematicChunks:                      "systematic-chunks",
	ChunksAlways:                          "chunks-always",
}

// String returns the configuration name of the kind.
func (k StrategyKind) String() string {
	if name, ok := strategyKindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("strategy(%d)", int(k))
}

// ParseStrategyKind parses a configuration name.
func ParseStrategyKind(s string) (StrategyKind, error) {
	for k, name := range strategyKindNames {
		if name == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("unknown recovery strategy %q", s)
}

// sizeLimited reports whether the kind only uses backers for small PoVs.
func (k StrategyKind) sizeLimited() bool {
	return k == BackersFirstIfSizeLower || k == BackersFirstIfSizeLowerThenSystematic
}

// systematic reports whether the kind tries systematic chunks.
func (k StrategyKind) systematic() bool {
	return k == BackersFirstIfSizeLowerThenSystematic || k == BackersThenSystematic || k == SystematicChunks
}

// PostRecoveryCheck selects how recovered data is verified.
type PostRecoveryCheck int

const (
	// Reencode re-encodes the data and compares the erasure root.
	Reencode PostRecoveryCheck = iota
	// PoVHash compares the PoV hash with the descriptor.
	PoVHash
)

// String returns the configuration name of the check.
func (c PostRecoveryCheck) String() string {
	switch c {
	case Reencode:
		return "reencode"
	case PoVHash:
		return "pov-hash"
	default:
		return fmt.Sprintf("check(%d)", int(c))
	}
}

// ParsePostRecoveryCheck parses a configuration name.
func ParsePostRecoveryCheck(s string) (PostRecoveryCheck, error) {
	switch s {
	case "reencode":
		return Reencode, nil
	case "pov-hash":
		return PoVHash, nil
	default:
		return 0, fmt.Errorf("unknown post-recovery check %q", s)
	}
}

// Config holds the recovery engine options.
type Config struct {
	Strategy                StrategyKind      // Strategy selects the strategy chain
	FetchChunksThreshold    int               // FetchChunksThreshold is the small-PoV limit in bytes
	BypassAvailabilityStore bool              // BypassAvailabilityStore skips the local store entirely
	PostRecoveryCheck       PostRecoveryCheck // PostRecoveryCheck verifies recovered data
	Workers                 int               // Workers is the erasure pool size, clamped to [1, MaxWorkers]
	CacheSize               int               // CacheSize is the result cache capacity
	ChunkRequestTimeout     time.Duration     // ChunkRequestTimeout bounds one chunk request
	FullRequestTimeout      time.Duration     // FullRequestTimeout bounds one full-data request

	// TimeoutStartNewRequests is how long the oldest live chunk request may run
	// before it stops occupying a parallelism slot. Defaults to ChunkRequestTimeout.
	TimeoutStartNewRequests time.Duration
}

// DefaultConfig returns the validator configuration with the default threshold.
func DefaultConfig() Config {
	return ValidatorConfig(0)
}

// ValidatorConfig returns the configuration for validator nodes: backers for small PoVs,
// then systematic chunks, then regular chunks, with re-encoding checks.
// A zero threshold selects DefaultFetchChunksThreshold.
func ValidatorConfig(threshold int) Config {
	if threshold <= 0 {
		threshold = DefaultFetchChunksThreshold
	}

	return Config{
		Strategy:             BackersFirstIfSizeLowerThenSystematic,
		FetchChunksThreshold: threshold,
		PostRecoveryCheck:    Reencode,
		Workers:              DefaultWorkers,
		CacheSize:            DefaultCacheSize,
		ChunkRequestTimeout:  DefaultChunkRequestTimeout,
		FullRequestTimeout:   DefaultFullRequestTimeout,
	}
}

// CollatorConfig returns the configuration for collator nodes, which never touch
// the local store and only check the PoV hash.
func CollatorConfig(threshold int) Config {
	cfg := ValidatorConfig(threshold)
	cfg.Strategy = BackersFirstIfSizeLower
	cfg.BypassAvailabilityStore = true
	cfg.PostRecoveryCheck = PoVHash

	return cfg
}

// Validate checks the configuration and fills zero durations with defaults.
func (c *Config) Validate() error {
	if _, ok := strategyKindNames[c.Strategy]; !ok {
		return fmt.Errorf("invalid strategy %d", int(c.Strategy))
	}

	if c.PostRecoveryCheck != Reencode && c.PostRecoveryCheck != PoVHash {
		return fmt.Errorf("invalid post-recovery check %d", int(c.PostRecoveryCheck))
	}

	if c.FetchChunksThreshold < 0 {
		return fmt.Errorf("fetch chunks threshold must not be negative: %d", c.FetchChunksThreshold)
	}

	if c.FetchChunksThreshold == 0 {
		c.FetchChunksThreshold = DefaultFetchChunksThreshold
	}

	if c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive: %d", c.CacheSize)
	}

	if c.Workers < 1 {
		c.Workers = 1
	}

	if c.Workers > MaxWorkers {
		c.Workers = MaxWorkers
	}

	if c.ChunkRequestTimeout <= 0 {
		c.ChunkRequestTimeout = DefaultChunkRequestTimeout
	}

	if c.FullRequestTimeout <= 0 {
		c.FullRequestTimeout = DefaultFullRequestTimeout
	}

	if c.TimeoutStartNewRequests <= 0 {
		c.TimeoutStartNewRequests = c.ChunkRequestTimeout
	}

	return nil
}
