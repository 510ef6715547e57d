package recovery

import (
	"context"
	"errors"

	"AvailRecovery/internal/types"
)

// fetchChunks requests chunks from the whole validator set in parallel and
// reconstructs once the threshold is reached.
type fetchChunks struct {
	validators validatorQueue

	// Running totals used to adapt parallelism to the observed error rate.
	responses int
	failures  int
}

func newFetchChunks(authorities []types.AuthorityID) *fetchChunks {
	queue := make(validatorQueue, len(authorities))
	for i, a := range authorities {
		queue[i] = validatorRef{authority: a, index: types.ValidatorIndex(i)}
	}

	shuffle(queue)

	return &fetchChunks{validators: queue}
}

func (s *fetchChunks) displayName() string { return "Fetch chunks" }

func (s *fetchChunks) strategyType() string { return "regular_chunks" }

// desiredRequestCount is the number of requests to keep live: the chunks still
// needed plus extra to make up for the observed error rate, capped at min(nParallel, threshold).
func (s *fetchChunks) desiredRequestCount(received, threshold int) int {
	boundary := min(nParallel, threshold)
	remaining := max(0, threshold-received)

	extra := 0
	if s.failures > 0 {
		if invErrorRate := s.responses / s.failures; invErrorRate > 0 {
			extra = remaining / invErrorRate
		}
	}

	return min(boundary, remaining+extra)
}

func (s *fetchChunks) run(ctx context.Context, t *task) (*types.AvailableData, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !t.params.bypassStore {
		local := t.populateFromStore(ctx)
		s.validators.retain(func(ref validatorRef) bool { return !local[ref.index] })
	}

	// Skip chunks already held and pairs that failed in earlier strategies.
	s.validators.retain(func(ref validatorRef) bool {
		_, have := t.state.received[types.ChunkIndex(ref.index)]
		return !have && t.state.canRetry(ref, regularRetryLimit)
	})

	threshold := t.params.threshold
	reqs := newRequestSet(ctx)

	for {
		received := t.state.chunkCount()
		if received >= threshold {
			return s.attemptRecovery(ctx, t)
		}

		if isUnavailable(received, reqs.totalLen(), len(s.validators), threshold) {
			t.log.Debug("data recovery from chunks is not possible",
				"received", received,
				"requesting", reqs.totalLen(),
				"unrequested", len(s.validators),
				"threshold", threshold,
			)

			return nil, ErrUnavailable
		}

		reqs.launch(t, s.strategyType(), s.desiredRequestCount(received, threshold), &s.validators)

		responses, errCount, err := t.waitForChunks(s.strategyType(), regularRetryLimit, &s.validators, reqs, nil,
			func(unrequested, inFlight, received, _ int) bool {
				return received >= threshold || isUnavailable(received, inFlight, unrequested, threshold)
			})
		if err != nil {
			return nil, err
		}

		s.responses += responses
		s.failures += errCount
	}
}

// attemptRecovery decodes on the worker pool and checks the result.
// Both a decode failure and a check failure mean the committed data is invalid.
func (s *fetchChunks) attemptRecovery(ctx context.Context, t *task) (*types.AvailableData, error) {
	data, err := t.reconstruct(ctx)
	if err != nil {
		if errors.Is(err, ErrChannelClosed) || ctx.Err() != nil {
			return nil, err
		}

		t.log.Debug("data recovery error", "error", err)

		return nil, ErrInvalid
	}

	checked, err := t.postRecoveryCheck(ctx, data)
	if err != nil {
		return nil, err
	}

	t.log.Debug("data recovery from chunks complete", "received", t.state.chunkCount())

	return checked, nil
}
