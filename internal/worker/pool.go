// Package worker runs long device operations in the background and tracks
// their progress, so callers get a job id immediately and poll for state.
package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobStatus represents the lifecycle state of a background job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job is the tracked state of one background operation. Result is whatever
// the job function returned on success.
type Job struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	Status      JobStatus   `json:"status"`
	Done        int         `json:"done"`
	Total       int         `json:"total"`
	Current     string      `json:"current,omitempty"`
	Error       string      `json:"error,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Reporter lets a running job publish progress.
type Reporter func(done, total int, current string)

// Fn is the body of a background job. It reports progress through report
// and returns an optional result.
type Fn func(report Reporter) (interface{}, error)

type queued struct {
	id string
	fn Fn
}

// Pool runs jobs on a fixed number of workers. Job state survives
// completion so callers can poll results; Prune discards old entries.
type Pool struct {
	jobs    map[string]*Job
	jobsMux sync.RWMutex
	queue   chan queued
	stopped bool
	wg      sync.WaitGroup
	logger  *logrus.Logger
}

// NewPool starts a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	p := &Pool{
		jobs:   make(map[string]*Job),
		queue:  make(chan queued, 64),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit queues a job and returns its id immediately. Submitting to a
// stopped pool is an error, not a panic.
func (p *Pool) Submit(kind string, fn Fn) (string, error) {
	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	p.jobsMux.Lock()
	defer p.jobsMux.Unlock()
	if p.stopped {
		return "", fmt.Errorf("worker pool is stopped")
	}
	p.jobs[job.ID] = job

	select {
	case p.queue <- queued{id: job.ID, fn: fn}:
		return job.ID, nil
	default:
		delete(p.jobs, job.ID)
		return "", fmt.Errorf("job queue full")
	}
}

// Job returns a snapshot of a job's state.
func (p *Pool) Job(id string) (Job, bool) {
	p.jobsMux.RLock()
	defer p.jobsMux.RUnlock()
	job, ok := p.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Jobs returns snapshots of all tracked jobs.
func (p *Pool) Jobs() []Job {
	p.jobsMux.RLock()
	defer p.jobsMux.RUnlock()
	out := make([]Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		out = append(out, *job)
	}
	return out
}

// Prune drops finished jobs older than maxAge and returns how many were
// dropped.
func (p *Pool) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	p.jobsMux.Lock()
	defer p.jobsMux.Unlock()

	pruned := 0
	for id, job := range p.jobs {
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(p.jobs, id)
			pruned++
		}
	}
	return pruned
}

// Stop closes the queue and waits for in-flight jobs to finish (idempotent).
func (p *Pool) Stop() {
	p.jobsMux.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.jobsMux.Unlock()
	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for q := range p.queue {
		p.run(q)
	}
}

func (p *Pool) run(q queued) {
	p.update(q.id, func(job *Job) { job.Status = StatusRunning })

	report := func(done, total int, current string) {
		p.update(q.id, func(job *Job) {
			job.Done = done
			job.Total = total
			job.Current = current
		})
	}

	result, err := q.fn(report)
	now := time.Now()

	p.update(q.id, func(job *Job) {
		job.CompletedAt = &now
		if err != nil {
			job.Status = StatusFailed
			job.Error = err.Error()
			return
		}
		job.Status = StatusCompleted
		job.Result = result
	})

	if err != nil {
		p.logger.WithError(err).WithField("job_id", q.id).Error("Background job failed")
	}
}

func (p *Pool) update(id string, mutate func(*Job)) {
	p.jobsMux.Lock()
	defer p.jobsMux.Unlock()
	if job, ok := p.jobs[id]; ok {
		mutate(job)
	}
}
