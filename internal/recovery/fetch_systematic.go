package recovery

import (
	"context"
	"errors"
	"slices"

	"AvailRecovery/internal/erasure"
	"AvailRecovery/internal/types"
)

// fetchSystematicChunks requests only the data chunks 0..t-1 and joins them
// without decoding. Backers act as a fallback source for chunks whose owner failed.
type fetchSystematicChunks struct {
	validators validatorQueue
	backers    []types.AuthorityID
}

// newFetchSystematicChunks builds the strategy for the systematic validators.
// Chunk i is held by validator i.
func newFetchSystematicChunks(authorities []types.AuthorityID, systematicThreshold int, backers []types.AuthorityID) *fetchSystematicChunks {
	queue := make(validatorQueue, 0, systematicThreshold)
	for i := 0; i < systematicThreshold && i < len(authorities); i++ {
		queue = append(queue, validatorRef{authority: authorities[i], index: types.ValidatorIndex(i)})
	}

	return &fetchSystematicChunks{
		validators: queue,
		backers:    append([]types.AuthorityID(nil), backers...),
	}
}

func (s *fetchSystematicChunks) displayName() string { return "Fetch systematic chunks" }

func (s *fetchSystematicChunks) strategyType() string { return "systematic_chunks" }

func (s *fetchSystematicChunks) run(ctx context.Context, t *task) (*types.AvailableData, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !t.params.bypassStore {
		local := t.populateFromStore(ctx)
		s.validators.retain(func(ref validatorRef) bool { return !local[ref.index] })
	}

	s.validators.retain(func(ref validatorRef) bool {
		_, have := t.state.received[types.ChunkIndex(ref.index)]
		return !have
	})

	threshold := t.params.systematicThreshold
	reqs := newRequestSet(ctx)

	for {
		received := t.state.systematicChunkCount(threshold)
		if received >= threshold {
			return s.attemptRecovery(ctx, t)
		}

		if isUnavailable(received, reqs.totalLen(), len(s.validators), threshold) {
			t.log.Debug("data recovery from systematic chunks is not possible",
				"received", received,
				"requesting", reqs.totalLen(),
				"unrequested", len(s.validators),
				"threshold", threshold,
			)

			return nil, ErrUnavailable
		}

		reqs.launch(t, s.strategyType(), min(nParallel, threshold-received), &s.validators)

		_, _, err := t.waitForChunks(s.strategyType(), systematicRetryLimit, &s.validators, reqs, &s.backers,
			func(unrequested, inFlight, _, systematic int) bool {
				return systematic >= threshold || isUnavailable(systematic, inFlight, unrequested, threshold)
			})
		if err != nil {
			return nil, err
		}
	}
}

// attemptRecovery joins the systematic chunks and checks the result.
// A bad result is reported as unavailable so regular chunk recovery still runs.
func (s *fetchSystematicChunks) attemptRecovery(ctx context.Context, t *task) (*types.AvailableData, error) {
	threshold := t.params.systematicThreshold

	indices := make([]types.ChunkIndex, 0, threshold)
	for idx := range t.state.received {
		if int(idx) < threshold {
			indices = append(indices, idx)
		}
	}

	slices.Sort(indices)

	chunks := make([][]byte, len(indices))
	for i, idx := range indices {
		chunks[i] = t.state.received[idx].chunk
	}

	data, err := erasure.ReconstructFromSystematic(t.params.n, chunks)
	if err != nil {
		t.log.Debug("systematic data recovery error", "error", err)
		return nil, ErrUnavailable
	}

	checked, err := t.postRecoveryCheck(ctx, data)
	if errors.Is(err, ErrInvalid) {
		t.log.Debug("systematic data recovery produced invalid data, falling back to regular chunks")
		return nil, ErrUnavailable
	}

	if err != nil {
		return nil, err
	}

	t.log.Debug("data recovery from systematic chunks complete", "received", len(chunks))

	return checked, nil
}
