package recovery

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"AvailRecovery/internal/erasure"
	"AvailRecovery/internal/logger"
	"AvailRecovery/internal/types"
)

// workerQueueSize is the buffer of each worker's job channel.
const workerQueueSize = 8

// erasureJob is CPU-bound codec work executed off the subsystem loop.
type erasureJob interface {
	execute(m *Metrics)
}

// reconstructJob decodes AvailableData from chunks.
type reconstructJob struct {
	n      int
	chunks map[types.ChunkIndex][]byte
	reply  chan reconstructResult // buffered, capacity 1
}

type reconstructResult struct {
	data *types.AvailableData
	err  error
}

func (j *reconstructJob) execute(m *Metrics) {
	start := time.Now()
	data, err := erasure.Reconstruct(j.n, j.chunks)
	m.observeReconstruct(start)

	j.reply <- reconstructResult{data: data, err: err}
}

// reencodeJob re-encodes data and replies with it only if the erasure root matches.
type reencodeJob struct {
	n     int
	root  types.Hash
	data  *types.AvailableData
	reply chan *types.AvailableData // buffered, capacity 1
}

func (j *reencodeJob) execute(m *Metrics) {
	start := time.Now()
	root, err := erasure.Root(j.n, j.data)
	m.observeReencode(start)

	if err != nil {
		logger.Debug("reencode failed", "error", err)
		j.reply <- nil
		return
	}

	if root != j.root {
		j.reply <- nil
		return
	}

	j.reply <- j.data
}

// workerPool is a fixed set of goroutines, each reading its own job channel.
// The subsystem loop assigns jobs round-robin.
type workerPool struct {
	queues  []chan erasureJob
	next    int
	metrics *Metrics
}

// newWorkerPool creates a pool of size workers, clamped to [1, MaxWorkers].
func newWorkerPool(size int, metrics *Metrics) *workerPool {
	size = max(1, min(size, MaxWorkers))

	p := &workerPool{
		queues:  make([]chan erasureJob, size),
		metrics: metrics,
	}

	for i := range p.queues {
		p.queues[i] = make(chan erasureJob, workerQueueSize)
	}

	return p
}

// start launches the workers on g. They exit once close is called.
func (p *workerPool) start(g *errgroup.Group) {
	for _, q := range p.queues {
		g.Go(func() error {
			for job := range q {
				job.execute(p.metrics)
			}

			return nil
		})
	}
}

// dispatch hands job to the next worker in rotation.
func (p *workerPool) dispatch(ctx context.Context, job erasureJob) error {
	q := p.queues[p.next]
	p.next = (p.next + 1) % len(p.queues)

	select {
	case q <- job:
		return nil
	case <-ctx.Done():
		return ErrChannelClosed
	}
}

// close stops the workers after they drain their queues.
func (p *workerPool) close() {
	for _, q := range p.queues {
		close(q)
	}
}

// size returns the number of workers.
func (p *workerPool) size() int {
	return len(p.queues)
}
