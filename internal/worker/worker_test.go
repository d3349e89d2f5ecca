package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/partilha-pro/backend/internal/mail"
	"github.com/PortNumber53/partilha-pro/backend/internal/models"
)

type fakeQueue struct {
	mu        sync.Mutex
	pending   []*models.Job
	completed []int64
	failed    []int64
	retried   []int64
	released  []int64
}

func (q *fakeQueue) ClaimNextJob(ctx context.Context, workerID string, staleAfter time.Duration) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	job.Attempts++
	return job, nil
}

func (q *fakeQueue) MarkCompleted(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, id int64, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, id)
	return nil
}

func (q *fakeQueue) ScheduleRetry(ctx context.Context, id int64, msg string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, id)
	return nil
}

func (q *fakeQueue) ReleaseJob(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, id)
	return nil
}

func (q *fakeQueue) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (s *recordingSender) Send(ctx context.Context, m mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

func upgradeJob(id int64, attempts, max int) *models.Job {
	return &models.Job{
		ID:          id,
		JobType:     models.JobTypeUpgradeEmail,
		Attempts:    attempts,
		MaxAttempts: max,
		Payload:     models.JSONB{"user_id": "u1", "email": "ana@example.com", "plan": "pro"},
	}
}

func TestProcessNextJobSendsUpgradeEmail(t *testing.T) {
	q := &fakeQueue{pending: []*models.Job{upgradeJob(1, 0, 5)}}
	sender := &recordingSender{}

	w := New(Config{}, q, zerolog.Nop())
	RegisterUpgradeJobs(w, sender, "https://app.example.com")

	require.NoError(t, w.processNextJob(context.Background()))

	assert.Equal(t, []int64{1}, q.completed)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ana@example.com", sender.sent[0].To)
	assert.Equal(t, int64(1), w.GetStats().JobsSucceeded)
}

func TestProcessNextJobRetriesThenFails(t *testing.T) {
	sender := &recordingSender{err: errors.New("postmark down")}

	q := &fakeQueue{pending: []*models.Job{upgradeJob(2, 0, 2)}}
	w := New(Config{}, q, zerolog.Nop())
	RegisterUpgradeJobs(w, sender, "")

	require.NoError(t, w.processNextJob(context.Background()))
	assert.Equal(t, []int64{2}, q.retried)
	assert.Empty(t, q.failed)

	q.pending = []*models.Job{upgradeJob(2, 1, 2)}
	require.NoError(t, w.processNextJob(context.Background()))
	assert.Equal(t, []int64{2}, q.failed)
}

func TestProcessNextJobUnknownType(t *testing.T) {
	q := &fakeQueue{pending: []*models.Job{{ID: 3, JobType: "mystery", MaxAttempts: 1}}}
	w := New(Config{}, q, zerolog.Nop())

	require.NoError(t, w.processNextJob(context.Background()))
	assert.Equal(t, []int64{3}, q.failed)
}

func TestBackoffIsCapped(t *testing.T) {
	w := New(Config{RetryBaseDelay: time.Second, RetryMaxDelay: 10 * time.Second}, &fakeQueue{}, zerolog.Nop())

	first := w.backoff(1)
	assert.GreaterOrEqual(t, first, 800*time.Millisecond)
	assert.LessOrEqual(t, first, 1200*time.Millisecond)

	late := w.backoff(20)
	assert.LessOrEqual(t, late, 12*time.Second)
}

func TestStartStop(t *testing.T) {
	q := &fakeQueue{pending: []*models.Job{upgradeJob(4, 0, 3)}}
	sender := &recordingSender{}

	w := New(Config{PollInterval: 10 * time.Millisecond, MaxConcurrent: 1}, q, zerolog.Nop())
	RegisterUpgradeJobs(w, sender, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.completed) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
}

func (q *fakeQueue) snapshot() (retried, released, failed, completed []int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.retried...), append([]int64(nil), q.released...),
		append([]int64(nil), q.failed...), append([]int64(nil), q.completed...)
}

// blockUntilCancelled registers a handler that parks until its context ends.
func blockUntilCancelled(w *Worker, started chan<- struct{}) {
	w.RegisterHandler(models.JobTypeUpgradeEmail, func(ctx context.Context, job *models.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
}

func TestCancelledRunContextStillRecordsOutcome(t *testing.T) {
	q := &fakeQueue{pending: []*models.Job{upgradeJob(7, 0, 5)}}
	w := New(Config{PollInterval: 10 * time.Millisecond, MaxConcurrent: 1}, q, zerolog.Nop())
	started := make(chan struct{})
	blockUntilCancelled(w, started)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	<-started
	cancel()

	require.Eventually(t, func() bool {
		retried, _, _, _ := q.snapshot()
		return len(retried) == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))

	retried, _, failed, completed := q.snapshot()
	assert.Equal(t, []int64{7}, retried)
	assert.Empty(t, failed)
	assert.Empty(t, completed)
}

func TestStopReleasesRunningJob(t *testing.T) {
	q := &fakeQueue{pending: []*models.Job{upgradeJob(8, 0, 5)}}
	w := New(Config{PollInterval: 10 * time.Millisecond, MaxConcurrent: 1}, q, zerolog.Nop())
	started := make(chan struct{})
	blockUntilCancelled(w, started)

	w.Start(context.Background())
	<-started
	require.NoError(t, w.Stop(context.Background()))

	retried, released, failed, _ := q.snapshot()
	assert.Contains(t, released, int64(8))
	assert.Empty(t, retried, "a job interrupted by shutdown must not spend an attempt")
	assert.Empty(t, failed)
}

func TestStaleClaimOutlastsRunAndShutdown(t *testing.T) {
	w := New(Config{JobTimeout: time.Minute, ShutdownTimeout: 30 * time.Second}, &fakeQueue{}, zerolog.Nop())
	assert.Equal(t, 90*time.Second, w.staleClaimAfter())
}
