package recovery

import (
	"context"
	"math/rand/v2"
	"time"

	"AvailRecovery/internal/erasure"
	"AvailRecovery/internal/protocol"
	"AvailRecovery/internal/types"
)

// strategy is one way of obtaining the data. The set is closed: fetchFull,
// fetchSystematicChunks and fetchChunks.
type strategy interface {
	// run blocks until the strategy obtains verified data or gives up.
	// ErrUnavailable hands over to the next strategy; any other error is terminal.
	run(ctx context.Context, t *task) (*types.AvailableData, error)

	// displayName is used in logs.
	displayName() string

	// strategyType is used as a metric label.
	strategyType() string
}

// recoveryParams are derived once per recovery and shared by its strategies.
type recoveryParams struct {
	authorities         []types.AuthorityID // authorities are discovery keys by validator index
	n                   int                 // n is the validator count
	threshold           int                 // threshold is the number of chunks needed to decode
	systematicThreshold int                 // systematicThreshold is the number of data chunks
	candidate           types.CandidateHash // candidate is the candidate being recovered
	erasureRoot         types.Hash          // erasureRoot is the committed root over all chunks
	povHash             types.Hash          // povHash is the committed PoV hash
	bypassStore         bool                // bypassStore skips the local store
	postCheck           PostRecoveryCheck   // postCheck verifies recovered data
	chunkTimeout        time.Duration       // chunkTimeout bounds one chunk request
	fullTimeout         time.Duration       // fullTimeout bounds one full-data request
	startNewTimeout     time.Duration       // startNewTimeout turns live requests undead
}

// validatorRef pairs the authority to ask with the validator whose chunk is wanted.
// A backer asked for another validator's chunk has a different authority.
type validatorRef struct {
	authority types.AuthorityID
	index     types.ValidatorIndex
}

// errorKey identifies a (authority, validator chunk) request pair.
type errorKey struct {
	authority string
	index     types.ValidatorIndex
}

func keyOf(ref validatorRef) errorKey {
	return errorKey{authority: string(ref.authority), index: ref.index}
}

// errorRecord counts non-fatal failures; fatal pairs are never retried.
type errorRecord struct {
	fatal    bool
	nonFatal int
}

// receivedChunk is a verified chunk keyed by chunk index in task state.
type receivedChunk struct {
	chunk     []byte
	validator types.ValidatorIndex
}

// taskState is progress shared between the strategies of one task.
type taskState struct {
	received map[types.ChunkIndex]receivedChunk
	errors   map[errorKey]errorRecord
}

func newTaskState() *taskState {
	return &taskState{
		received: make(map[types.ChunkIndex]receivedChunk),
		errors:   make(map[errorKey]errorRecord),
	}
}

func (s *taskState) insertChunk(index types.ChunkIndex, c receivedChunk) {
	s.received[index] = c
}

func (s *taskState) chunkCount() int {
	return len(s.received)
}

// systematicChunkCount counts received chunks with index below threshold.
func (s *taskState) systematicChunkCount(threshold int) int {
	count := 0
	for idx := range s.received {
		if int(idx) < threshold {
			count++
		}
	}

	return count
}

func (s *taskState) recordFatal(ref validatorRef) {
	s.errors[keyOf(ref)] = errorRecord{fatal: true}
}

func (s *taskState) recordNonFatal(ref validatorRef) {
	rec := s.errors[keyOf(ref)]
	if !rec.fatal {
		rec.nonFatal++
	}

	s.errors[keyOf(ref)] = rec
}

// canRetry reports whether ref may be asked again under limit.
func (s *taskState) canRetry(ref validatorRef, limit int) bool {
	rec, ok := s.errors[keyOf(ref)]
	if !ok {
		return true
	}

	return !rec.fatal && rec.nonFatal < limit
}

func (s *taskState) hasError(ref validatorRef) bool {
	_, ok := s.errors[keyOf(ref)]
	return ok
}

// isUnavailable reports whether threshold can no longer be reached.
func isUnavailable(received, inFlight, unrequested, threshold int) bool {
	return received+inFlight+unrequested < threshold
}

// isChunkValid checks the chunk's Merkle proof against the erasure root.
func (t *task) isChunkValid(chunk *types.ErasureChunk) bool {
	leaf, err := erasure.BranchHash(t.params.erasureRoot, chunk.Proof, chunk.Index)
	if err != nil {
		t.log.Debug("invalid merkle proof", "chunk_index", chunk.Index, "error", err)
		return false
	}

	if leaf != erasure.ChunkHash(chunk.Chunk) {
		t.log.Debug("merkle proof mismatch", "chunk_index", chunk.Index)
		return false
	}

	return true
}

// populateFromStore loads locally held chunks and returns the validator indices they cover.
func (t *task) populateFromStore(ctx context.Context) map[types.ValidatorIndex]bool {
	covered := make(map[types.ValidatorIndex]bool)

	if t.store == nil {
		return covered
	}

	chunks, err := t.store.QueryAllChunks(ctx, t.params.candidate)
	if err != nil {
		t.log.Warn("failed to reach the availability store", "error", err)
		return covered
	}

	for i := range chunks {
		chunk := &chunks[i]
		validator := types.ValidatorIndex(chunk.Index)
		covered[validator] = true

		if !t.isChunkValid(chunk) {
			t.log.Error("loaded invalid chunk from disk, store corruption likely", "chunk_index", chunk.Index)
			continue
		}

		t.state.insertChunk(chunk.Index, receivedChunk{chunk: chunk.Chunk, validator: validator})
	}

	return covered
}

// postRecoveryCheck verifies data against the descriptor using the configured check.
func (t *task) postRecoveryCheck(ctx context.Context, data *types.AvailableData) (*types.AvailableData, error) {
	switch t.params.postCheck {
	case PoVHash:
		if got := data.PoV.Hash(); got != t.params.povHash {
			t.log.Debug("pov hash mismatch", "expected", t.params.povHash.Short(), "actual", got.Short())
			return nil, ErrInvalid
		}

		return data, nil
	default:
		checked, err := t.reencode(ctx, data)
		if err != nil {
			return nil, err
		}

		if checked == nil {
			t.log.Debug("erasure root mismatch", "erasure_root", t.params.erasureRoot.Short())
			return nil, ErrInvalid
		}

		return checked, nil
	}
}

// validatorQueue is a deque: requests pop from the back, retries push to the front.
type validatorQueue []validatorRef

func (q *validatorQueue) popBack() (validatorRef, bool) {
	if len(*q) == 0 {
		return validatorRef{}, false
	}

	last := (*q)[len(*q)-1]
	*q = (*q)[:len(*q)-1]

	return last, true
}

func (q *validatorQueue) pushFront(ref validatorRef) {
	*q = append(validatorQueue{ref}, *q...)
}

// retain keeps the refs for which keep returns true.
func (q *validatorQueue) retain(keep func(validatorRef) bool) {
	out := (*q)[:0]
	for _, ref := range *q {
		if keep(ref) {
			out = append(out, ref)
		}
	}

	*q = out
}

func shuffle[T any](s []T) {
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// chunkResponse is the outcome of one chunk request.
type chunkResponse struct {
	ref   validatorRef        // ref is the validator that was asked
	chunk *types.ErasureChunk // chunk is nil when the validator did not have it
	err   error               // err is the request failure, if any
	gen   uint64              // gen is the generation the request was launched in
}

// requestSet tracks in-flight chunk requests. Requests that outlive
// startNewTimeout become undead: they still count as in flight, but no
// longer hold a parallelism slot.
type requestSet struct {
	ctx       context.Context    // ctx bounds every request of the set
	results   chan chunkResponse // results receives finished requests
	live      int                // live is the number of requests holding a slot
	undead    int                // undead is the number of requests past startNewTimeout
	gen       uint64             // gen increments when live requests turn undead
	firstLive time.Time          // firstLive is when the oldest live request started
}

func newRequestSet(ctx context.Context) *requestSet {
	return &requestSet{ctx: ctx, results: make(chan chunkResponse)}
}

// liveLen is the number of requests holding a parallelism slot.
func (r *requestSet) liveLen() int {
	return r.live
}

// totalLen counts live and undead requests.
func (r *requestSet) totalLen() int {
	return r.live + r.undead
}

// launch issues chunk requests from the back of queue until desired are live.
func (r *requestSet) launch(t *task, strategyType string, desired int, queue *validatorQueue) {
	for r.live < desired {
		ref, ok := queue.popBack()
		if !ok {
			return
		}

		if r.live == 0 {
			r.firstLive = time.Now()
		}

		r.live++
		gen := r.gen

		t.metrics.onChunkRequestIssued(strategyType)
		t.log.Debug("requesting chunk", "validator", ref.index, "authority", ref.authority)

		go func() {
			start := time.Now()
			defer t.metrics.observeChunkRequest(strategyType, start)

			reqCtx, cancel := context.WithTimeout(r.ctx, t.params.chunkTimeout)
			defer cancel()

			chunk, err := t.network.FetchChunk(reqCtx, ref.authority, protocol.ChunkFetchingRequest{
				CandidateHash: t.params.candidate,
				Index:         ref.index,
			})

			select {
			case r.results <- chunkResponse{ref: ref, chunk: chunk, err: err, gen: gen}:
			case <-r.ctx.Done():
			}
		}()
	}
}

// next waits for the next response. It returns false when nothing is in flight
// or when the oldest live request passes timeout, in which case every live
// request becomes undead.
func (r *requestSet) next(timeout time.Duration) (chunkResponse, bool, error) {
	if r.totalLen() == 0 {
		return chunkResponse{}, false, nil
	}

	var expired <-chan time.Time
	if r.live > 0 {
		timer := time.NewTimer(max(0, timeout-time.Since(r.firstLive)))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case resp := <-r.results:
		if resp.gen == r.gen {
			r.live--
		} else {
			r.undead--
		}

		return resp, true, nil
	case <-expired:
		r.undead += r.live
		r.live = 0
		r.gen++

		return chunkResponse{}, false, nil
	case <-r.ctx.Done():
		return chunkResponse{}, false, r.ctx.Err()
	}
}

// concludeFunc reports whether a strategy can stop waiting, given the number of
// unrequested validators, requests in flight, chunks received and systematic chunks received.
type concludeFunc func(unrequested, inFlight, received, systematic int) bool

// waitForChunks consumes responses until canConclude holds, nothing is in flight,
// or the live requests time out. Failed pairs are retried up to retryLimit,
// then handed to an unused backer from backups if any.
func (t *task) waitForChunks(
	strategyType string,
	retryLimit int,
	queue *validatorQueue,
	reqs *requestSet,
	backups *[]types.AuthorityID,
	canConclude concludeFunc,
) (responses, errCount int, err error) {
	for {
		resp, ok, err := reqs.next(t.params.startNewTimeout)
		if err != nil {
			return responses, errCount, err
		}

		if !ok {
			return responses, errCount, nil
		}

		responses++

		if !t.handleChunkResponse(strategyType, resp) {
			errCount++
			t.requeue(resp.ref, retryLimit, queue, backups)
		}

		if canConclude(len(*queue), reqs.totalLen(), t.state.chunkCount(), t.state.systematicChunkCount(t.params.systematicThreshold)) {
			t.log.Debug("can conclude strategy",
				"unrequested", len(*queue),
				"received", t.state.chunkCount(),
				"requesting", reqs.liveLen(),
				"threshold", t.params.threshold,
			)

			return responses, errCount, nil
		}
	}
}

// handleChunkResponse records the outcome of one request and reports whether it produced a valid chunk.
func (t *task) handleChunkResponse(strategyType string, resp chunkResponse) bool {
	if resp.err != nil {
		switch requestErrorKind(resp.err) {
		case KindInvalidResponse:
			t.metrics.onChunkRequestFinished(strategyType, chunkInvalid)
			t.log.Debug("chunk fetching response was invalid", "validator", resp.ref.index, "error", resp.err)
			t.state.recordFatal(resp.ref)
		default:
			if isTimeout(resp.err) {
				t.metrics.onChunkRequestFinished(strategyType, chunkTimeout)
			} else {
				t.metrics.onChunkRequestFinished(strategyType, chunkError)
			}

			t.state.recordNonFatal(resp.ref)
		}

		return false
	}

	if resp.chunk == nil {
		t.metrics.onChunkRequestFinished(strategyType, chunkNoSuchChunk)
		t.log.Debug("validator did not have the chunk", "validator", resp.ref.index)
		t.state.recordFatal(resp.ref)

		return false
	}

	if !t.isChunkValid(resp.chunk) {
		t.metrics.onChunkRequestFinished(strategyType, chunkInvalid)
		t.state.recordFatal(resp.ref)

		return false
	}

	t.metrics.onChunkRequestFinished(strategyType, chunkSucceeded)
	t.state.insertChunk(resp.chunk.Index, receivedChunk{chunk: resp.chunk.Chunk, validator: resp.ref.index})

	return true
}

// requeue schedules a retry of ref, or of its chunk from an unused backer.
func (t *task) requeue(ref validatorRef, retryLimit int, queue *validatorQueue, backups *[]types.AuthorityID) {
	if t.state.canRetry(ref, retryLimit) {
		queue.pushFront(ref)
		return
	}

	if backups == nil {
		return
	}

	for i, backer := range *backups {
		alt := validatorRef{authority: backer, index: ref.index}
		if t.state.hasError(alt) {
			continue
		}

		last := len(*backups) - 1
		(*backups)[i] = (*backups)[last]
		*backups = (*backups)[:last]

		queue.pushFront(alt)

		return
	}
}

// reconstruct hands the received chunks to the worker pool.
func (t *task) reconstruct(ctx context.Context) (*types.AvailableData, error) {
	chunks := make(map[types.ChunkIndex][]byte, len(t.state.received))
	for idx, c := range t.state.received {
		chunks[idx] = c.chunk
	}

	job := &reconstructJob{n: t.params.n, chunks: chunks, reply: make(chan reconstructResult, 1)}
	if err := t.submit(ctx, job); err != nil {
		return nil, err
	}

	select {
	case res := <-job.reply:
		return res.data, res.err
	case <-t.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reencode asks the worker pool to check data against the erasure root.
// It returns nil data on mismatch.
func (t *task) reencode(ctx context.Context, data *types.AvailableData) (*types.AvailableData, error) {
	job := &reencodeJob{n: t.params.n, root: t.params.erasureRoot, data: data, reply: make(chan *types.AvailableData, 1)}
	if err := t.submit(ctx, job); err != nil {
		return nil, err
	}

	select {
	case out := <-job.reply:
		return out, nil
	case <-t.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
