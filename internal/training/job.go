package training

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobState is the lifecycle of an asynchronous training job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Job tracks one asynchronous training run.
type Job struct {
	ID         string
	TemplateID string
	StartedAt  time.Time

	mu     sync.Mutex
	state  JobState
	report *Report
	err    error
	done   chan struct{}
}

// State returns the job's current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the report and error once the job has finished; both are nil
// while it is still queued or running.
func (j *Job) Result() (*Report, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report, j.err
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or the context is cancelled.
func (j *Job) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-j.done:
		return j.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (j *Job) finish(report *Report, err error) {
	j.mu.Lock()
	j.report, j.err = report, err
	if err != nil {
		j.state = JobFailed
	} else {
		j.state = JobSucceeded
	}
	j.mu.Unlock()
	close(j.done)
}

// TrainAsync starts a training run in the background and returns immediately.
// The run is detached from the caller's context; the trainer's own timeout
// bounds it.
func (t *Trainer) TrainAsync(templateID string) *Job {
	job := &Job{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		StartedAt:  time.Now().UTC(),
		state:      JobQueued,
		done:       make(chan struct{}),
	}

	t.mu.Lock()
	t.jobs[job.ID] = job
	t.latest[templateID] = job
	t.mu.Unlock()

	go func() {
		job.mu.Lock()
		job.state = JobRunning
		job.mu.Unlock()

		report, err := t.TrainIfReady(context.Background(), templateID)
		if err != nil {
			t.logger.Error("training job failed",
				zap.String("job_id", job.ID),
				zap.String("template_id", templateID),
				zap.Error(err),
			)
		}
		job.finish(report, err)
	}()

	return job
}

// Job returns a job by ID.
func (t *Trainer) Job(id string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	return job, ok
}

// LatestJob returns the most recently started job for a template.
func (t *Trainer) LatestJob(templateID string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.latest[templateID]
	return job, ok
}
