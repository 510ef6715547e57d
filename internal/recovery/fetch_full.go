package recovery

import (
	"context"
	"errors"

	"AvailRecovery/internal/protocol"
	"AvailRecovery/internal/types"
)

// fetchFull asks the backing group, one validator at a time, for the whole data.
type fetchFull struct {
	validators []types.ValidatorIndex
}

func newFetchFull(group []types.ValidatorIndex) *fetchFull {
	validators := append([]types.ValidatorIndex(nil), group...)
	shuffle(validators)

	return &fetchFull{validators: validators}
}

func (s *fetchFull) displayName() string { return "Full recovery from backers" }

func (s *fetchFull) strategyType() string { return "full_from_backers" }

func (s *fetchFull) run(ctx context.Context, t *task) (*types.AvailableData, error) {
	for len(s.validators) > 0 {
		validator := s.validators[len(s.validators)-1]
		s.validators = s.validators[:len(s.validators)-1]

		if int(validator) >= len(t.params.authorities) {
			continue
		}

		authority := t.params.authorities[validator]
		t.log.Debug("trying to recover from backer", "validator", validator)

		reqCtx, cancel := context.WithTimeout(ctx, t.params.fullTimeout)
		data, err := t.network.FetchAvailableData(reqCtx, authority, protocol.AvailableDataFetchingRequest{
			CandidateHash: t.params.candidate,
		})
		cancel()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err != nil {
			t.metrics.onFullRequestFinished("error")
			t.log.Debug("error fetching full data from backer", "validator", validator, "error", err)
			continue
		}

		if data == nil {
			t.metrics.onFullRequestFinished("no_such_data")
			t.log.Debug("backer did not have the data", "validator", validator)
			continue
		}

		checked, err := t.postRecoveryCheck(ctx, data)
		if errors.Is(err, ErrInvalid) {
			t.metrics.onFullRequestFinished("invalid")
			t.log.Debug("invalid data from backer", "validator", validator)
			continue
		}

		if err != nil {
			return nil, err
		}

		t.metrics.onFullRequestFinished("succeeded")
		t.log.Debug("received full data from backer", "validator", validator)

		return checked, nil
	}

	return nil, ErrUnavailable
}
