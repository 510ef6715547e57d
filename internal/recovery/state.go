package recovery

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"AvailRecovery/internal/types"
)

// cachedResult is a terminal outcome worth remembering: valid data or invalid.
type cachedResult struct {
	data    *types.AvailableData // data is nil when invalid
	invalid bool
}

func (c cachedResult) result() Result {
	if c.invalid {
		return Result{Err: ErrInvalid}
	}

	return Result{Data: c.data}
}

// cacheable converts a task outcome into a cache entry. Unavailable and internal
// failures are not cacheable because they may resolve later.
func cacheable(r Result) (cachedResult, bool) {
	switch {
	case r.Err == nil && r.Data != nil:
		return cachedResult{data: r.Data}, true
	case isInvalid(r.Err):
		return cachedResult{invalid: true}, true
	default:
		return cachedResult{}, false
	}
}

// waiter is one caller attached to an in-flight recovery.
type waiter struct {
	ctx   context.Context
	reply chan Result // buffered, capacity 1
}

// deliver hands r to the waiter unless it has gone away.
func (w waiter) deliver(r Result) bool {
	if w.ctx.Err() != nil {
		return false
	}

	select {
	case w.reply <- r:
		return true
	default:
		return false
	}
}

// recoveryHandle is an in-flight task and the callers waiting on it.
type recoveryHandle struct {
	waiters []waiter // waiters receive the result when the task completes
}

// state is owned by the subsystem loop goroutine.
type state struct {
	cache     *lru.Cache[types.CandidateHash, cachedResult] // cache holds Valid and Invalid results
	ongoing   map[types.CandidateHash]*recoveryHandle       // ongoing tracks in-flight tasks by candidate
	liveBlock types.BlockRef                                // liveBlock is the highest activated leaf
}

func newState(cacheSize int) (*state, error) {
	cache, err := lru.New[types.CandidateHash, cachedResult](cacheSize)
	if err != nil {
		return nil, err
	}

	return &state{
		cache:   cache,
		ongoing: make(map[types.CandidateHash]*recoveryHandle),
	}, nil
}

// observeLeaf moves the live block forward to the highest activated leaf.
func (s *state) observeLeaf(leaf types.BlockRef) {
	if leaf.Number > s.liveBlock.Number || s.liveBlock.Hash.IsZero() {
		s.liveBlock = leaf
	}
}
