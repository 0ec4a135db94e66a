package jobs_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/internal/jobs"
	"github.com/sibylhq/sibyl/pkg/models"
)

func fastBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 5 * time.Millisecond
	b.Multiplier = 1.1
	return b
}

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeJobStore() *fakeJobStore { return &fakeJobStore{jobs: make(map[string]*models.Job)} }

func (f *fakeJobStore) CreateJob(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobStore) GetJob(_ context.Context, _, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %q not found", id)
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) UpdateJob(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobStore) ListQueuedJobs(_ context.Context, _ string, _ int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.jobs {
		if j.Status == models.JobQueued {
			out = append(out, *j)
		}
	}
	return out, nil
}

type fakeAppender struct{}

func (fakeAppender) AppendMessage(context.Context, *models.Message) error { return nil }

func TestQueue_RunsHandlerAndMarksSucceeded(t *testing.T) {
	st := newFakeJobStore()
	b := bus.New(fakeAppender{})
	q := jobs.New(st, b)

	done := make(chan struct{})
	q.Register(models.JobGenerateStatusHint, func(ctx context.Context, job *models.Job) error {
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go q.Start(ctx, "acme", 2)

	job, err := q.Enqueue(context.Background(), "acme", models.JobGenerateStatusHint, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	cancel()

	for i := 0; i < 100; i++ {
		got, _ := st.GetJob(context.Background(), "acme", job.ID)
		if got.Status == models.JobSucceeded {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached JobSucceeded")
}

func TestQueue_RetriesThenFailsPermanently(t *testing.T) {
	st := newFakeJobStore()
	b := bus.New(fakeAppender{})
	q := jobs.New(st, b, jobs.WithBackoffFactory(fastBackoff))

	var attempts int
	var mu sync.Mutex
	q.Register(models.JobSyncSource, func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return fmt.Errorf("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx, "acme", 1)

	job, err := q.Enqueue(context.Background(), "acme", models.JobSyncSource, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var final *models.Job
	for i := 0; i < 200; i++ {
		got, _ := st.GetJob(context.Background(), "acme", job.ID)
		if got.Status == models.JobFailed {
			final = got
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if final == nil {
		t.Fatal("job never reached JobFailed")
	}
	if final.Error == "" {
		t.Error("failed job has no recorded error")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Errorf("attempts = %d, want at least 2 (retry happened)", attempts)
	}
}
