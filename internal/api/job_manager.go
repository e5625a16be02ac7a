package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/haloview/server/internal/jobstore"
)

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent traversal jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// Executor runs one job. It reports progress and results through the store.
type Executor func(ctx context.Context, store *jobstore.Store, job *jobstore.Job) error

// JobManager runs traversal jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run each job.
	Executor Executor
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	return &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}, nil
}

// Store returns the underlying store.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start recovers from a previous shutdown, then starts the workers and the
// cleanup ticker.
func (jm *JobManager) Start() {
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}
	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			// Left queued; Start picks it up after a restart.
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		log.Printf("[JobManager] job %s vanished before start: %v", jobID, err)
		return
	}
	if job.Status != jobstore.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID, 0); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, job)
	}

	var status jobstore.JobStatus
	var msg string
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = jobstore.JobStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = jobstore.JobStatusFailed, execErr.Error()
	default:
		status = jobstore.JobStatusCompleted
	}
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		log.Printf("[JobManager] failed to finish job %s: %v", jobID, err)
	}
	log.Printf("[JobManager] job %s %s", jobID, status)
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params jobstore.JobParams) (*jobstore.Job, error) {
	id, err := generateJobID()
	if err != nil {
		return nil, err
	}
	job := &jobstore.Job{
		ID:        id,
		DatasetID: params.DatasetID,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
	default:
		jm.store.UpdateJobStatus(id, jobstore.JobStatusFailed, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}
	return job, nil
}

// Get returns a job by ID, or nil.
func (jm *JobManager) Get(id string) *jobstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel cancels a running job or marks a queued one as cancelled.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, jobstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete cancels a job if needed and deletes it with its results.
func (jm *JobManager) Delete(id string) error {
	jm.Cancel(id)
	return jm.store.DeleteJob(id)
}

func generateJobID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
