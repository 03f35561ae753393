package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
)

// QueueLimiter controls per-queue rate limiting and concurrency. The
// pool calls Acquire before claiming from a queue, Release after a
// claimed job finishes, and Refund when the claim produced no job so
// the grant does not count against the queue's throughput.
type QueueLimiter interface {
	// Acquire checks rate limits and concurrency for the queue.
	// Returns true if a claim may proceed.
	Acquire(queue string) bool
	// Release settles an Acquire whose job ran to completion.
	Release(queue string)
	// Refund settles an Acquire that claimed nothing, returning any
	// rate token it consumed.
	Refund(queue string)
}

// Pool manages per-queue sets of worker goroutines that claim jobs and
// execute them through the Executor. Each queue gets its own workers so
// a slow queue cannot starve the others. It also runs the lease sweep
// that reclaims jobs from dead workers.
type Pool struct {
	store        job.Store
	executor     *Executor
	concurrency  int
	queues       map[string]int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Lease sweep configuration. Zero disables the sweep.
	sweepInterval time.Duration

	// Queue limiter (optional).
	limiter QueueLimiter

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the worker count used for queues that do not
// declare their own.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will claim from, mapped to
// the number of workers dedicated to each. A zero count falls back to
// the pool default.
func WithPoolQueues(queues map[string]int) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how long an idle worker sleeps before checking
// its queues again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithSweepInterval sets how often the pool expires stale leases.
// A zero value disables the sweep.
func WithSweepInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.sweepInterval = d }
}

// WithQueueLimiter sets the limiter for per-queue rate limiting and
// concurrency control.
func WithQueueLimiter(l QueueLimiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		store:         store,
		executor:      executor,
		concurrency:   4,
		queues:        map[string]int{"default": 0},
		pollInterval:  500 * time.Millisecond,
		sweepInterval: 5 * time.Second,
		workerID:      id.NewWorkerID(),
		logger:        logger,
		stopCh:        make(chan struct{}),
		activeJobs:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	total := 0
	for queue, n := range p.queues {
		if n <= 0 {
			n = p.concurrency
		}
		total += n
		for range n {
			p.wg.Add(1)
			go p.claimLoop(queue)
		}
	}

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("workers", total),
		slog.Any("queues", p.queues),
	)

	if p.sweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time
// runs out; their leases expire later and the sweep retries them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine for its queue. It claims
// one job per pass and sleeps when the queue yields nothing.
func (p *Pool) claimLoop(queue string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if !p.claimOnce(queue) {
			p.sleep()
		}
	}
}

// claimOnce claims and executes at most one job from the queue.
// Returns false when the queue yielded no job.
func (p *Pool) claimOnce(queue string) bool {
	if p.limiter != nil && !p.limiter.Acquire(queue) {
		return false
	}

	j, err := p.store.ClaimNext(context.Background(), queue, p.workerID)
	if err != nil {
		p.refund(queue)
		p.logger.Error("claim error",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		return false
	}
	if j == nil {
		p.refund(queue)
		return false
	}

	p.runJob(j)
	p.release(queue)
	return true
}

func (p *Pool) release(queue string) {
	if p.limiter != nil {
		p.limiter.Release(queue)
	}
}

func (p *Pool) refund(queue string) {
	if p.limiter != nil {
		p.limiter.Refund(queue)
	}
}

// runJob executes a claimed job, tracking its cancel func so a forced
// shutdown can interrupt it.
func (p *Pool) runJob(j *job.Job) {
	p.executor.hooks.EmitJobStarted(context.Background(), j)

	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID.String(), cancel)
	defer func() {
		p.untrackJob(j.ID.String())
		cancel()
	}()

	if err := p.executor.Execute(ctx, j); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", err.Error()),
		)
	}
}

// sweepLoop periodically expires leases held past their deadline,
// returning jobs from dead or wedged workers to the retry path.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepLeases()
		}
	}
}

func (p *Pool) sweepLeases() {
	ctx := context.Background()
	expired, err := p.store.ExpireLeases(ctx, time.Now().UTC())
	if err != nil {
		p.logger.Error("lease sweep error", slog.String("error", err.Error()))
		return
	}

	for _, j := range expired {
		switch j.State {
		case job.StateDelayed:
			p.executor.hooks.EmitJobRetrying(ctx, j, j.Attempts, j.RunAt)
		case job.StateFailed:
			p.executor.hooks.EmitJobFailed(ctx, j, context.DeadlineExceeded)
		}
		p.logger.Warn("expired stale lease",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("state", string(j.State)),
			slog.Int("attempts", j.Attempts),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
