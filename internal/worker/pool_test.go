package worker

import (
	"fmt"
	"testing"
	"time"
)

func waitForStatus(t *testing.T, p *Pool, id string, want JobStatus) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := p.Job(id); ok && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := p.Job(id)
	t.Fatalf("Job %s never reached %s, last state: %+v", id, want, job)
	return Job{}
}

func TestPoolRunsJob(t *testing.T) {
	pool := NewPool(2)
	defer pool.Stop()

	id, err := pool.Submit("test", func(report Reporter) (interface{}, error) {
		report(1, 3, "step one")
		report(3, 3, "")
		return map[string]int{"count": 3}, nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job := waitForStatus(t, pool, id, StatusCompleted)
	if job.Done != 3 || job.Total != 3 {
		t.Errorf("Final progress = %d/%d, want 3/3", job.Done, job.Total)
	}
	if job.Result == nil {
		t.Error("Completed job should carry its result")
	}
	if job.CompletedAt == nil {
		t.Error("Completed job should carry a completion time")
	}
}

func TestPoolRecordsFailure(t *testing.T) {
	pool := NewPool(1)
	defer pool.Stop()

	id, err := pool.Submit("test", func(report Reporter) (interface{}, error) {
		return nil, fmt.Errorf("device on fire")
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	job := waitForStatus(t, pool, id, StatusFailed)
	if job.Error != "device on fire" {
		t.Errorf("Error = %q", job.Error)
	}
}

func TestPoolUnknownJob(t *testing.T) {
	pool := NewPool(1)
	defer pool.Stop()

	if _, ok := pool.Job("no-such-id"); ok {
		t.Error("Unknown job id should not resolve")
	}
}

func TestPoolPrune(t *testing.T) {
	pool := NewPool(1)
	defer pool.Stop()

	id, err := pool.Submit("test", func(report Reporter) (interface{}, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForStatus(t, pool, id, StatusCompleted)

	if pruned := pool.Prune(time.Hour); pruned != 0 {
		t.Errorf("Fresh job should survive pruning, pruned = %d", pruned)
	}
	if pruned := pool.Prune(-time.Second); pruned != 1 {
		t.Errorf("Expected the finished job to be pruned, pruned = %d", pruned)
	}
	if jobs := pool.Jobs(); len(jobs) != 0 {
		t.Errorf("Jobs after prune = %d, want 0", len(jobs))
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := NewPool(1)
	pool.Stop()

	if _, err := pool.Submit("test", func(report Reporter) (interface{}, error) {
		return nil, nil
	}); err == nil {
		t.Error("Submit after Stop should fail")
	}

	// Stopping twice is harmless.
	pool.Stop()
}

func TestPoolSerializesWithOneWorker(t *testing.T) {
	pool := NewPool(1)
	defer pool.Stop()

	started := make(chan string, 2)
	release := make(chan struct{})

	first, err := pool.Submit("test", func(report Reporter) (interface{}, error) {
		started <- "first"
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	second, err := pool.Submit("test", func(report Reporter) (interface{}, error) {
		started <- "second"
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	<-started
	// With one worker the second job stays pending until the first returns.
	if job, _ := pool.Job(second); job.Status != StatusPending {
		t.Errorf("Second job = %s, want pending", job.Status)
	}
	close(release)

	waitForStatus(t, pool, first, StatusCompleted)
	waitForStatus(t, pool, second, StatusCompleted)
}
