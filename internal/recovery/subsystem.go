package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"AvailRecovery/internal/logger"
	"AvailRecovery/internal/protocol"
	"AvailRecovery/internal/types"
)

// SessionInfoProvider describes the validator set of a session as of a block.
// A nil info with a nil error means the session is unknown.
type SessionInfoProvider interface {
	SessionInfo(ctx context.Context, block types.Hash, idx types.SessionIndex) (*types.SessionInfo, error)
}

// LocalStore is the node's own availability store.
// Nil results with nil errors mean "not held".
type LocalStore interface {
	QueryAvailableData(ctx context.Context, candidate types.CandidateHash) (*types.AvailableData, error)
	QueryChunkSize(ctx context.Context, candidate types.CandidateHash) (int, bool, error)
	QueryAllChunks(ctx context.Context, candidate types.CandidateHash) ([]types.ErasureChunk, error)
	QueryChunk(ctx context.Context, candidate types.CandidateHash, index types.ValidatorIndex) (*types.ErasureChunk, error)
}

// Network sends requests to other validators.
// Nil results with nil errors mean the peer does not hold the chunk or data.
// Failures should be *RequestError so they can be classified.
type Network interface {
	FetchChunk(ctx context.Context, authority types.AuthorityID, req protocol.ChunkFetchingRequest) (*types.ErasureChunk, error)
	FetchAvailableData(ctx context.Context, authority types.AuthorityID, req protocol.AvailableDataFetchingRequest) (*types.AvailableData, error)
}

// Result is the terminal outcome of a recovery: data, or one of
// ErrUnavailable, ErrInvalid and ErrChannelClosed.
type Result struct {
	Data *types.AvailableData
	Err  error
}

// Signal is a control message for the subsystem: ActiveLeaves, BlockFinalized or Conclude.
type Signal interface {
	isSignal()
}

// ActiveLeaves reports a newly activated block, used for session lookups.
type ActiveLeaves struct {
	Activated *types.BlockRef
}

// BlockFinalized reports a finalized block.
type BlockFinalized struct {
	Block types.BlockRef
}

// Conclude stops the subsystem.
type Conclude struct{}

func (ActiveLeaves) isSignal()   {}
func (BlockFinalized) isSignal() {}
func (Conclude) isSignal()       {}

// Status is a snapshot of the subsystem state.
type Status struct {
	CacheEntries int            // CacheEntries is the number of cached results
	InFlight     int            // InFlight is the number of running recoveries
	LiveBlock    types.BlockRef // LiveBlock is the highest activated leaf
	Workers      int            // Workers is the erasure worker pool size
}

// Inbound request kinds, also used as metric labels.
const (
	inboundChunk = "chunk"
	inboundFull  = "available_data"
)

type recoverMsg struct {
	req    recoveryRequest
	waiter waiter
}

type inboundMsg struct {
	ctx       context.Context
	kind      string
	candidate types.CandidateHash
	index     types.ValidatorIndex
	reply     chan inboundReply // buffered, capacity 1
}

type inboundReply struct {
	chunk *types.ErasureChunk
	data  *types.AvailableData
	err   error
}

type taskDone struct {
	candidate types.CandidateHash
	result    Result
}

// Subsystem recovers available data on request, deduplicating concurrent
// requests and caching terminal results. All state is owned by the Run loop.
type Subsystem struct {
	cfg      Config              // cfg is the validated configuration
	sessions SessionInfoProvider // sessions resolves validator sets
	store    LocalStore          // store is nil when the store is bypassed
	network  Network             // network reaches other validators
	metrics  *Metrics            // metrics records recovery outcomes

	recoverCh   chan recoverMsg  // recoverCh carries Recover calls
	signalCh    chan Signal      // signalCh carries signals, drained before other messages
	jobsCh      chan erasureJob  // jobsCh carries erasure jobs from tasks to the pool
	inboundCh   chan inboundMsg  // inboundCh carries peer requests
	completions chan taskDone    // completions carries finished task results
	statusCh    chan chan Status // statusCh carries Status queries

	done    chan struct{}  // done is closed when Run returns
	started atomic.Bool    // started guards against a second Run
	tasks   sync.WaitGroup // tasks tracks task goroutines
}

// New creates a subsystem. store may be nil when the store is bypassed.
// A nil metrics creates unregistered collectors.
func New(cfg Config, sessions SessionInfoProvider, store LocalStore, network Network, metrics *Metrics) (*Subsystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if sessions == nil || network == nil {
		return nil, errors.New("session provider and network are required")
	}

	if store == nil && !cfg.BypassAvailabilityStore {
		return nil, errors.New("local store is required unless bypassed")
	}

	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Subsystem{
		cfg:         cfg,
		sessions:    sessions,
		store:       store,
		network:     network,
		metrics:     metrics,
		recoverCh:   make(chan recoverMsg, 64),
		signalCh:    make(chan Signal, 16),
		jobsCh:      make(chan erasureJob, 16),
		inboundCh:   make(chan inboundMsg, 64),
		completions: make(chan taskDone, 16),
		statusCh:    make(chan chan Status),
		done:        make(chan struct{}),
	}, nil
}

// Run executes the subsystem loop until Conclude, ctx cancellation or an
// internal failure. It may only be called once.
func (s *Subsystem) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("subsystem already running")
	}

	st, err := newState(s.cfg.CacheSize)
	if err != nil {
		close(s.done)
		return fmt.Errorf("create cache: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	var workers errgroup.Group

	pool := newWorkerPool(s.cfg.Workers, s.metrics)
	pool.start(&workers)

	logger.Info("availability recovery started",
		"strategy", s.cfg.Strategy,
		"workers", pool.size(),
		"cache", s.cfg.CacheSize,
	)

	err = s.loop(runCtx, st, pool)

	close(s.done)
	cancel()
	pool.close()
	s.tasks.Wait()
	_ = workers.Wait()

	logger.Info("availability recovery stopped", "error", err)

	return err
}

// loop serves every channel. Pending signals are applied before any other
// message so a request sent after a signal observes it.
func (s *Subsystem) loop(ctx context.Context, st *state, pool *workerPool) error {
	for {
		if s.drainSignals(st) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig := <-s.signalCh:
			if s.handleSignal(st, sig) {
				logger.Debug("subsystem concluded")
				return nil
			}

		case msg := <-s.recoverCh:
			if s.drainSignals(st) {
				return nil
			}

			s.handleRecover(ctx, st, msg)

		case job := <-s.jobsCh:
			if err := pool.dispatch(ctx, job); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				return fmt.Errorf("dispatch erasure job: %w", err)
			}

		case msg := <-s.inboundCh:
			s.handleInbound(ctx, msg)

		case done := <-s.completions:
			s.handleCompletion(st, done)

		case reply := <-s.statusCh:
			if s.drainSignals(st) {
				return nil
			}

			reply <- Status{
				CacheEntries: st.cache.Len(),
				InFlight:     len(st.ongoing),
				LiveBlock:    st.liveBlock,
				Workers:      pool.size(),
			}
		}
	}
}

// drainSignals applies every queued signal and reports whether one was Conclude.
func (s *Subsystem) drainSignals(st *state) bool {
	for {
		select {
		case sig := <-s.signalCh:
			if s.handleSignal(st, sig) {
				logger.Debug("subsystem concluded")
				return true
			}
		default:
			return false
		}
	}
}

// handleSignal applies a signal and reports whether the loop should stop.
func (s *Subsystem) handleSignal(st *state, sig Signal) bool {
	switch sig := sig.(type) {
	case Conclude:
		return true
	case ActiveLeaves:
		if sig.Activated != nil {
			st.observeLeaf(*sig.Activated)
		}
	case BlockFinalized:
	}

	return false
}

// handleRecover answers from the cache, joins an in-flight recovery, or starts a new one.
func (s *Subsystem) handleRecover(ctx context.Context, st *state, msg recoverMsg) {
	candidate := msg.req.descriptor.CandidateHash

	if cached, ok := st.cache.Get(candidate); ok {
		msg.waiter.deliver(cached.result())
		return
	}

	if handle, ok := st.ongoing[candidate]; ok {
		handle.waiters = append(handle.waiters, msg.waiter)
		return
	}

	st.ongoing[candidate] = &recoveryHandle{waiters: []waiter{msg.waiter}}
	s.metrics.setInFlight(len(st.ongoing))

	liveBlock := st.liveBlock

	s.tasks.Add(1)

	go func() {
		defer s.tasks.Done()

		result := s.recover(ctx, msg.req, liveBlock)

		select {
		case s.completions <- taskDone{candidate: candidate, result: result}:
		case <-ctx.Done():
		}
	}()
}

// recover runs one recovery task to completion.
func (s *Subsystem) recover(ctx context.Context, req recoveryRequest, liveBlock types.BlockRef) Result {
	t, err := s.newTask(ctx, req, liveBlock)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}

	data, err := t.run(ctx)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			t.log.Warn("recovery failed, data unavailable", "error", err)
		} else if errors.Is(err, ErrInvalid) {
			t.log.Warn("recovery produced invalid data")
		} else if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}

		return Result{Err: err}
	}

	return Result{Data: data}
}

// handleCompletion broadcasts a finished task's result and caches it when terminal.
func (s *Subsystem) handleCompletion(st *state, done taskDone) {
	handle, ok := st.ongoing[done.candidate]
	if !ok {
		return
	}

	delete(st.ongoing, done.candidate)
	s.metrics.setInFlight(len(st.ongoing))

	if entry, ok := cacheable(done.result); ok {
		st.cache.Add(done.candidate, entry)
		s.metrics.setCacheEntries(st.cache.Len())
	}

	for _, w := range handle.waiters {
		w.deliver(done.result)
	}
}

// handleInbound answers a peer request from the local store off the loop.
func (s *Subsystem) handleInbound(ctx context.Context, msg inboundMsg) {
	if s.cfg.BypassAvailabilityStore || s.store == nil {
		s.metrics.onRequestServed(msg.kind, "bypassed")
		msg.reply <- inboundReply{}

		return
	}

	s.tasks.Add(1)

	go func() {
		defer s.tasks.Done()

		qctx, cancel := mergeContext(ctx, msg.ctx)
		defer cancel()

		var reply inboundReply

		switch msg.kind {
		case inboundChunk:
			reply.chunk, reply.err = s.store.QueryChunk(qctx, msg.candidate, msg.index)
		default:
			reply.data, reply.err = s.store.QueryAvailableData(qctx, msg.candidate)
		}

		switch {
		case reply.err != nil:
			s.metrics.onRequestServed(msg.kind, "error")
			logger.Debug("failed to serve request", "kind", msg.kind, "candidate", msg.candidate.Short(), "error", reply.err)
		case reply.chunk == nil && reply.data == nil:
			s.metrics.onRequestServed(msg.kind, "not_found")
		default:
			s.metrics.onRequestServed(msg.kind, "served")
		}

		msg.reply <- reply
	}()
}

// submitJob hands an erasure job to the loop for dispatch to the worker pool.
func (s *Subsystem) submitJob(ctx context.Context, job erasureJob) error {
	select {
	case s.jobsCh <- job:
		return nil
	case <-s.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover recovers the available data of a candidate. backingGroup may be nil.
// It returns ErrUnavailable, ErrInvalid or ErrChannelClosed on failure.
func (s *Subsystem) Recover(ctx context.Context, descriptor types.CandidateDescriptor, session types.SessionIndex, backingGroup *types.GroupIndex) (*types.AvailableData, error) {
	ch, err := s.RecoverAsync(ctx, descriptor, session, backingGroup)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.Data, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case r := <-ch:
			return r.Data, r.Err
		default:
			return nil, ErrChannelClosed
		}
	}
}

// RecoverAsync queues a recovery and returns a channel receiving exactly one Result,
// unless ctx ends first, in which case the result is dropped.
func (s *Subsystem) RecoverAsync(ctx context.Context, descriptor types.CandidateDescriptor, session types.SessionIndex, backingGroup *types.GroupIndex) (<-chan Result, error) {
	reply := make(chan Result, 1)

	msg := recoverMsg{
		req:    recoveryRequest{descriptor: descriptor, session: session, backingGroup: backingGroup},
		waiter: waiter{ctx: ctx, reply: reply},
	}

	select {
	case s.recoverCh <- msg:
		return reply, nil
	case <-s.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Signal delivers a control signal to the loop.
func (s *Subsystem) Signal(ctx context.Context, sig Signal) error {
	select {
	case s.signalCh <- sig:
		return nil
	case <-s.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleChunkRequest serves a peer's chunk request from the local store.
// It returns nil when the chunk is not held.
func (s *Subsystem) HandleChunkRequest(ctx context.Context, req protocol.ChunkFetchingRequest) (*types.ErasureChunk, error) {
	reply, err := s.inbound(ctx, inboundMsg{kind: inboundChunk, candidate: req.CandidateHash, index: req.Index})
	return reply.chunk, err
}

// HandleAvailableDataRequest serves a peer's full-data request from the local store.
// It returns nil when the data is not held or the store is bypassed.
func (s *Subsystem) HandleAvailableDataRequest(ctx context.Context, req protocol.AvailableDataFetchingRequest) (*types.AvailableData, error) {
	reply, err := s.inbound(ctx, inboundMsg{kind: inboundFull, candidate: req.CandidateHash})
	return reply.data, err
}

func (s *Subsystem) inbound(ctx context.Context, msg inboundMsg) (inboundReply, error) {
	msg.ctx = ctx
	msg.reply = make(chan inboundReply, 1)

	select {
	case s.inboundCh <- msg:
	case <-s.done:
		return inboundReply{}, ErrChannelClosed
	case <-ctx.Done():
		return inboundReply{}, ctx.Err()
	}

	select {
	case reply := <-msg.reply:
		return reply, reply.err
	case <-s.done:
		return inboundReply{}, ErrChannelClosed
	case <-ctx.Done():
		return inboundReply{}, ctx.Err()
	}
}

// Status returns a snapshot of the cache and in-flight recoveries.
func (s *Subsystem) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)

	select {
	case s.statusCh <- reply:
	case <-s.done:
		return Status{}, ErrChannelClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return Status{}, ErrChannelClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Done is closed once Run has returned.
func (s *Subsystem) Done() <-chan struct{} {
	return s.done
}

func isInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}

// mergeContext returns a context cancelled when either parent is.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}
