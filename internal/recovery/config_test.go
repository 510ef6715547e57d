package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// TestPresets tests the validator and collator presets.
func TestPresets(t *testing.T) {
	v := ValidatorConfig(0)
	if v.Strategy != BackersFirstIfSizeLowerThenSystematic || v.PostRecoveryCheck != Reencode || v.BypassAvailabilityStore {
		t.Fatalf("unexpected validator preset: %+v", v)
	}

	if v.FetchChunksThreshold != DefaultFetchChunksThreshold {
		t.Fatalf("expected default threshold, got %d", v.FetchChunksThreshold)
	}

	c := CollatorConfig(4096)
	if c.Strategy != BackersFirstIfSizeLower || c.PostRecoveryCheck != PoVHash || !c.BypassAvailabilityStore {
		t.Fatalf("unexpected collator preset: %+v", c)
	}

	if c.FetchChunksThreshold != 4096 {
		t.Fatalf("expected threshold 4096, got %d", c.FetchChunksThreshold)
	}
}

// TestValidateFillsDefaults tests clamping and default durations.
func TestValidateFillsDefaults(t *testing.T) {
	cfg := Config{Strategy: ChunksAlways, CacheSize: 1, Workers: 99, ChunkRequestTimeout: 3 * time.Second}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Workers != MaxWorkers {
		t.Fatalf("expected %d workers, got %d", MaxWorkers, cfg.Workers)
	}

	if cfg.FullRequestTimeout != DefaultFullRequestTimeout {
		t.Fatalf("expected default full timeout, got %v", cfg.FullRequestTimeout)
	}

	if cfg.TimeoutStartNewRequests != 3*time.Second {
		t.Fatalf("expected start-new timeout to follow the chunk timeout, got %v", cfg.TimeoutStartNewRequests)
	}

	cfg = Config{Strategy: ChunksAlways, CacheSize: 1}
	if err := cfg.Validate(); err != nil || cfg.Workers != 1 {
		t.Fatalf("expected 1 worker, got %d (%v)", cfg.Workers, err)
	}
}

// TestValidateRejects tests invalid configurations.
func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero cache", Config{Strategy: ChunksAlways}},
		{"bad strategy", Config{Strategy: StrategyKind(42), CacheSize: 1}},
		{"bad check", Config{Strategy: ChunksAlways, CacheSize: 1, PostRecoveryCheck: PostRecoveryCheck(9)}},
		{"negative threshold", Config{Strategy: ChunksAlways, CacheSize: 1, FetchChunksThreshold: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

// TestParseNames tests that every kind and check parses back from its name.
func TestParseNames(t *testing.T) {
	for kind, name := range strategyKindNames {
		got, err := ParseStrategyKind(name)
		if err != nil || got != kind {
			t.Fatalf("parse %q: got %v, %v", name, got, err)
		}
	}

	if _, err := ParseStrategyKind("fastest"); err == nil {
		t.Fatal("expected an error for an unknown strategy")
	}

	for _, check := range []PostRecoveryCheck{Reencode, PoVHash} {
		got, err := ParsePostRecoveryCheck(check.String())
		if err != nil || got != check {
			t.Fatalf("parse %q: got %v, %v", check, got, err)
		}
	}
}

// TestRequestErrorKind tests classification of transport errors.
func TestRequestErrorKind(t *testing.T) {
	invalid := &RequestError{Kind: KindInvalidResponse, Err: errors.New("bad frame")}

	if got := requestErrorKind(invalid); got != KindInvalidResponse {
		t.Fatalf("expected invalid response, got %v", got)
	}

	if got := requestErrorKind(errors.New("reset")); got != KindNetwork {
		t.Fatalf("expected network, got %v", got)
	}

	if !errors.Is(invalid, invalid.Err) {
		t.Fatal("request error should unwrap")
	}

	if got := requestErrorKind(fmt.Errorf("fetch: %w", context.Canceled)); got != KindCanceled {
		t.Fatalf("expected canceled, got %v", got)
	}

	names := map[RequestErrorKind]string{
		KindInvalidResponse: "invalid_response",
		KindNetwork:         "network",
		KindCanceled:        "canceled",
	}

	for kind, want := range names {
		if kind.String() != want {
			t.Errorf("kind %d: got %q, want %q", int(kind), kind.String(), want)
		}
	}
}
