package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"AvailRecovery/internal/erasure"
	"AvailRecovery/internal/logger"
	"AvailRecovery/internal/types"
)

// task drives the strategy chain of one candidate.
type task struct {
	params     recoveryParams // params are fixed for the task's lifetime
	strategies []strategy     // strategies run in order until one succeeds
	state      *taskState     // state is shared by the strategies

	network Network      // network reaches other validators
	store   LocalStore   // store is nil when the store is bypassed
	metrics *Metrics     // metrics records request outcomes
	log     *slog.Logger // log carries the candidate hash

	submit func(ctx context.Context, job erasureJob) error // submit hands a job to the subsystem loop
	closed <-chan struct{}                                 // closed is closed when the loop exits
}

// run returns the data from the local store if present, otherwise tries each
// strategy in order. Unavailable moves on; anything else ends the task.
func (t *task) run(ctx context.Context) (*types.AvailableData, error) {
	if data := t.inAvailabilityStore(ctx); data != nil {
		return data, nil
	}

	t.metrics.onRecoveryStarted()

	start := time.Now()
	defer t.metrics.observeFullRecovery(start)

	for i, s := range t.strategies {
		t.log.Debug("starting strategy", "strategy", s.displayName())

		data, err := s.run(ctx, t)

		switch {
		case err == nil:
			t.metrics.onRecoverySucceeded(s.strategyType())
			t.log.Debug("recovery complete", "strategy", s.displayName(), "received", t.state.chunkCount(), logger.Timed(start))

			return data, nil
		case errors.Is(err, ErrUnavailable) && i < len(t.strategies)-1:
			t.log.Debug("strategy did not conclude, trying the next one", "strategy", s.displayName())
			continue
		case errors.Is(err, ErrInvalid):
			t.metrics.onRecoveryInvalid(s.strategyType())
			return nil, err
		default:
			t.metrics.onRecoveryFailed()
			return nil, err
		}
	}

	t.metrics.onRecoveryFailed()

	return nil, ErrUnavailable
}

// inAvailabilityStore returns the full data if the local store already holds it.
func (t *task) inAvailabilityStore(ctx context.Context) *types.AvailableData {
	if t.params.bypassStore || t.store == nil {
		return nil
	}

	data, err := t.store.QueryAvailableData(ctx, t.params.candidate)
	if err != nil {
		t.log.Warn("failed to query the availability store", "error", err)
		return nil
	}

	return data
}

// recoveryRequest is one caller's request for a candidate.
type recoveryRequest struct {
	descriptor   types.CandidateDescriptor
	session      types.SessionIndex
	backingGroup *types.GroupIndex
}

// newTask resolves the session and builds the parameters and strategy chain.
func (s *Subsystem) newTask(ctx context.Context, req recoveryRequest, liveBlock types.BlockRef) (*task, error) {
	candidate := req.descriptor.CandidateHash
	log := logger.With("candidate", candidate.Short())

	info, err := s.sessions.SessionInfo(ctx, liveBlock.Hash, req.session)
	if err != nil || info == nil {
		log.Warn("session info unavailable", "session", req.session, "block", liveBlock.Hash.Short(), "error", err)
		return nil, fmt.Errorf("%w: session %d at %s", ErrSessionInfoUnavailable, req.session, liveBlock.Hash.Short())
	}

	n := info.ValidatorCount()

	threshold, err := erasure.RecoveryThreshold(n)
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", req.session, err)
	}

	// A larger session threshold is honoured; a smaller one could not decode.
	if info.Threshold > threshold && info.Threshold <= n {
		threshold = info.Threshold
	}

	systematicThreshold, err := erasure.SystematicThreshold(n)
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", req.session, err)
	}

	authorities := make([]types.AuthorityID, n)
	for i := range authorities {
		authorities[i] = info.Authority(types.ValidatorIndex(i))
	}

	t := &task{
		params: recoveryParams{
			authorities:         authorities,
			n:                   n,
			threshold:           threshold,
			systematicThreshold: systematicThreshold,
			candidate:           candidate,
			erasureRoot:         req.descriptor.ErasureRoot,
			povHash:             req.descriptor.PoVHash,
			bypassStore:         s.cfg.BypassAvailabilityStore,
			postCheck:           s.cfg.PostRecoveryCheck,
			chunkTimeout:        s.cfg.ChunkRequestTimeout,
			fullTimeout:         s.cfg.FullRequestTimeout,
			startNewTimeout:     s.cfg.TimeoutStartNewRequests,
		},
		state:   newTaskState(),
		network: s.network,
		store:   s.store,
		metrics: s.metrics,
		log:     log,
		submit:  s.submitJob,
		closed:  s.done,
	}

	t.strategies = s.buildStrategies(ctx, t, info, req.backingGroup)

	return t, nil
}

// buildStrategies orders the strategies for the configured kind:
// backers (if allowed), then systematic chunks (if configured), then regular chunks.
func (s *Subsystem) buildStrategies(ctx context.Context, t *task, info *types.SessionInfo, group *types.GroupIndex) []strategy {
	var (
		strategies []strategy
		backers    []types.AuthorityID
	)

	kind := s.cfg.Strategy

	if group != nil {
		if members := info.Group(*group); members != nil {
			small := true
			if kind.sizeLimited() {
				small = s.isSmallPoV(ctx, t)
			}

			if kind == BackersFirstAlways || kind == BackersThenSystematic || (kind.sizeLimited() && small) {
				strategies = append(strategies, newFetchFull(members))
			}

			for _, v := range members {
				if int(v) < len(t.params.authorities) {
					backers = append(backers, t.params.authorities[v])
				}
			}
		}
	}

	if kind.systematic() {
		strategies = append(strategies, newFetchSystematicChunks(t.params.authorities, t.params.systematicThreshold, backers))
	}

	return append(strategies, newFetchChunks(t.params.authorities))
}

// isSmallPoV estimates the PoV size from a locally held chunk.
// Without a local chunk the PoV is treated as large.
func (s *Subsystem) isSmallPoV(ctx context.Context, t *task) bool {
	if s.store == nil {
		return false
	}

	size, ok, err := s.store.QueryChunkSize(ctx, t.params.candidate)
	if err != nil || !ok {
		return false
	}

	estimate := size * t.params.systematicThreshold
	if estimate < s.cfg.FetchChunksThreshold {
		t.log.Debug("prefer fetch from backing group", "pov_size_estimate", estimate, "fetch_chunks_threshold", s.cfg.FetchChunksThreshold)
		return true
	}

	return false
}
