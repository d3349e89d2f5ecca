// Package worker processes the async job queue: a pool of processors polls
// for jobs, retries failures with exponential backoff and hands unfinished
// work back to the queue on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/partilha-pro/backend/internal/models"
)

// Handler is a function that processes a job
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers
type Handlers map[string]Handler

// Queue is the persistent job store the worker drains.
type Queue interface {
	ClaimNextJob(ctx context.Context, workerID string, staleAfter time.Duration) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	ReleaseJob(ctx context.Context, id int64) error
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Stats holds worker statistics
type Stats struct {
	JobsProcessed   int64     `json:"jobs_processed"`
	JobsSucceeded   int64     `json:"jobs_succeeded"`
	JobsFailed      int64     `json:"jobs_failed"`
	JobsRetried     int64     `json:"jobs_retried"`
	ActiveJobs      int       `json:"active_jobs"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the maximum number of concurrent job processors
	MaxConcurrent int
	// PollInterval is the time between polling for new jobs
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff
	RetryBackoffMultiplier float64
	// JobTimeout is the maximum time allowed for a job to run
	JobTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for jobs to complete during shutdown
	ShutdownTimeout time.Duration
	// RecordTimeout bounds the queue write that records a job's outcome
	RecordTimeout time.Duration
	// CleanupInterval is how often finished jobs older than Retention are purged
	CleanupInterval time.Duration
	// Retention is how long finished jobs are kept
	Retention time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         5 * time.Second,
		RetryMaxDelay:          10 * time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             time.Minute,
		ShutdownTimeout:        30 * time.Second,
		RecordTimeout:          10 * time.Second,
		CleanupInterval:        time.Hour,
		Retention:              7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.RetryBackoffMultiplier <= 1 {
		c.RetryBackoffMultiplier = d.RetryBackoffMultiplier
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = d.RecordTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// Worker is the async job queue processor
type Worker struct {
	config   Config
	queue    Queue
	handlers Handlers
	logger   zerolog.Logger

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks currently processing job IDs for graceful shutdown
	activeJobs map[int64]context.CancelFunc

	statsMu sync.RWMutex
	stats   Stats
}

// New creates a new Worker instance
func New(config Config, queue Queue, logger zerolog.Logger) *Worker {
	id := "worker-" + uuid.NewString()[:8]
	return &Worker{
		config:     config.withDefaults(),
		queue:      queue,
		handlers:   Handlers{},
		logger:     logger.With().Str("worker_id", id).Logger(),
		workerID:   id,
		stopCh:     make(chan struct{}),
		activeJobs: make(map[int64]context.CancelFunc),
	}
}

// RegisterHandler binds a job type to its handler. It must be called before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// Start begins the worker loop. Cancelling ctx stops polling; use Stop to
// also hand running jobs back to the queue.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("max_concurrent", w.config.MaxConcurrent).Msg("[worker] starting")

	w.wg.Add(1)
	go w.janitor(ctx)

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	w.logger.Info().Msg("[worker] initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.releaseActiveJobs(shutdownCtx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info().Msg("[worker] graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		return errors.New("worker: shutdown timeout exceeded")
	}
}

func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	log := w.logger.With().Int("processor", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
			if err := w.processNextJob(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				log.Error().Err(err).Msg("[worker] processor error")
				w.sleep(ctx, w.config.PollInterval)
			}
		}
	}
}

// processNextJob claims and runs one job, or waits a poll interval when the
// queue is empty.
func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID, w.staleClaimAfter())
	if err != nil {
		return err
	}
	if job == nil {
		w.sleep(ctx, w.config.PollInterval)
		return nil
	}

	w.processJob(ctx, job)
	return nil
}

func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	w.logger.Debug().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("[worker] processing job")

	w.mu.RLock()
	handler, ok := w.handlers[job.JobType]
	w.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for job type: %s", job.JobType)
	} else {
		err = handler(jobCtx, job)
	}

	// The outcome is recorded even when ctx or the job's own deadline has
	// already expired.
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), w.config.RecordTimeout)
	defer cancelRecord()

	switch {
	case err == nil:
		w.handleSuccess(recordCtx, job, start)
	case errors.Is(err, context.Canceled) && w.isStopped():
		w.releaseJob(recordCtx, job.ID)
	default:
		w.handleError(recordCtx, job, err, start)
	}
}

// staleClaimAfter is how long a job may sit in processing before another
// worker claims it again. It outlasts a run plus a graceful shutdown.
func (w *Worker) staleClaimAfter() time.Duration {
	return w.config.JobTimeout + w.config.ShutdownTimeout
}

func (w *Worker) isStopped() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopped
}

func (w *Worker) releaseJob(ctx context.Context, id int64) {
	if err := w.queue.ReleaseJob(ctx, id); err != nil {
		w.logger.Error().Err(err).Int64("job_id", id).Msg("[worker] failed to release job")
	}
}

func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	w.recordResult(false)

	log := w.logger.With().Int64("job_id", job.ID).Str("job_type", job.JobType).Logger()

	if job.Attempts < job.MaxAttempts {
		delay := w.backoff(job.Attempts)

		w.statsMu.Lock()
		w.stats.JobsRetried++
		w.statsMu.Unlock()

		log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", job.Attempts).Msg("[worker] job failed; retry scheduled")
		if serr := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), time.Now().Add(delay)); serr != nil {
			log.Error().Err(serr).Msg("[worker] failed to schedule retry")
		}
		return
	}

	log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("[worker] job exhausted its attempts")
	if merr := w.queue.MarkFailed(ctx, job.ID, err.Error()); merr != nil {
		log.Error().Err(merr).Msg("[worker] failed to mark job failed")
	}
}

func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	w.recordResult(true)

	w.logger.Info().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Dur("elapsed", time.Since(start)).
		Msg("[worker] job completed")

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("[worker] failed to mark job completed")
	}
}

// backoff returns the delay before the next attempt: base * multiplier^(attempt-1),
// capped at RetryMaxDelay, with +/-20% jitter.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempt-1))
	delay := math.Min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

func (w *Worker) recordResult(ok bool) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.JobsProcessed++
	if ok {
		w.stats.JobsSucceeded++
	} else {
		w.stats.JobsFailed++
	}
	w.stats.LastProcessedAt = time.Now()
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// releaseActiveJobs cancels running jobs and hands them back to the queue.
func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		cancel()
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.releaseJob(ctx, id)
	}
}

// janitor purges finished jobs past their retention.
func (w *Worker) janitor(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			n, err := w.queue.CleanupOldJobs(ctx, w.config.Retention)
			if err != nil {
				w.logger.Error().Err(err).Msg("[worker] cleanup failed")
				continue
			}
			if n > 0 {
				w.logger.Info().Int64("removed", n).Msg("[worker] removed finished jobs")
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	s := w.stats
	w.statsMu.RUnlock()

	w.mu.RLock()
	s.ActiveJobs = len(w.activeJobs)
	w.mu.RUnlock()
	return s
}
