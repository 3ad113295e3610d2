package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/storage"
)

const (
	// DefaultPollInterval is how often an idle worker checks for due jobs.
	DefaultPollInterval = 1 * time.Second
	// DefaultClaimBatch bounds how many jobs one worker claims per poll.
	DefaultClaimBatch = 10
	// DefaultStaleClaimAge is how long a claim may be held before the reaper
	// treats its worker as crashed and returns the job to pending.
	DefaultStaleClaimAge = 5 * time.Minute
	// reapInterval is how often the reaper sweeps stale claims.
	reapInterval = 30 * time.Second
)

// JobHandler processes one claimed job. A nil return completes the job; an
// error fails it, which retries the job until max_attempts.
type JobHandler func(ctx context.Context, job models.Job) error

// WorkerPool owns a fixed set of workers that poll the job store through
// the atomic claim, so concurrent pools on separate processes partition due
// jobs without double-processing. One background reaper returns jobs whose
// worker crashed mid-claim.
type WorkerPool struct {
	store         storage.Store
	logger        Logger
	handlers      map[string]JobHandler
	pollInterval  time.Duration
	claimBatch    int
	staleClaimAge time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

func NewWorkerPool(mainCtx context.Context, store storage.Store, logger Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(mainCtx)
	return &WorkerPool{
		store:         store,
		logger:        logger,
		handlers:      make(map[string]JobHandler),
		pollInterval:  DefaultPollInterval,
		claimBatch:    DefaultClaimBatch,
		staleClaimAge: DefaultStaleClaimAge,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetPollInterval adjusts the idle poll cadence. Call before Start.
func (wp *WorkerPool) SetPollInterval(d time.Duration) {
	wp.pollInterval = d
}

// Register binds a job kind to its handler. Jobs of unregistered kinds are
// failed on claim.
func (wp *WorkerPool) Register(kind string, handler JobHandler) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.handlers[kind] = handler
}

// Start begins the worker pool with the specified number of workers plus
// the reaper
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.wg.Add(1)
	go wp.reaper()
	wp.logger.Infof("Worker pool started with %d workers", workers)
}

// Stop cancels polling and waits for in-flight ticks to drain.
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
	wp.logger.Infof("Worker pool stopped")
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()
	for {
		// Drain due jobs before going back to sleep.
		for wp.ctx.Err() == nil {
			claimed, err := wp.store.ClaimDueJobs("", wp.claimBatch)
			if err != nil {
				wp.logger.Errorf("Worker %d: claim failed: %v", id, err)
				break
			}
			if len(claimed) == 0 {
				break
			}
			for _, job := range claimed {
				wp.handle(job)
			}
		}

		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handle runs a claimed job to completion. The claim is released through
// CompleteJob or FailJob even if the worker pool is shutting down: a claimed
// job is finished, never abandoned.
func (wp *WorkerPool) handle(job models.Job) {
	wp.mu.RLock()
	handler, ok := wp.handlers[job.Kind]
	wp.mu.RUnlock()
	if !ok {
		wp.logger.Errorf("Job %s has unregistered kind %q", job.ID, job.Kind)
		if err := wp.store.FailJob(job.ID, "unregistered job kind "+job.Kind); err != nil {
			wp.logger.Errorf("Failed to fail job %s: %v", job.ID, err)
		}
		return
	}

	if err := handler(context.Background(), job); err != nil {
		wp.logger.Errorf("Job %s (%s) attempt %d failed: %v", job.ID, job.Kind, job.Attempts+1, err)
		if failErr := wp.store.FailJob(job.ID, err.Error()); failErr != nil {
			wp.logger.Errorf("Failed to record failure of job %s: %v", job.ID, failErr)
		}
		return
	}
	if err := wp.store.CompleteJob(job.ID); err != nil {
		wp.logger.Errorf("Failed to complete job %s: %v", job.ID, err)
	}
}

// reaper periodically returns jobs stuck in_progress behind a crashed
// worker to pending so another claimer picks them up.
func (wp *WorkerPool) reaper() {
	defer wp.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			n, err := wp.store.ReapStaleJobs(wp.staleClaimAge)
			if err != nil {
				wp.logger.Errorf("Reaper failed: %v", err)
				continue
			}
			if n > 0 {
				wp.logger.Infof("Reaper returned %d stale jobs to pending", n)
			}
		}
	}
}
