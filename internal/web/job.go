package web

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emailassist/emailassist/internal/inbox"
)

// JobStatus represents the status of a background job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusError     JobStatus = "error" // Stopped due to mailbox/config error
)

// Job represents a background inbox run
type Job struct {
	ID          string
	Mode        inbox.Mode
	Status      JobStatus
	Progress    int
	Done        int
	Total       int
	Processed   int
	Failed      int
	Skipped     int
	Current     string // subject of the email last handled
	Items       []inbox.Item
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string

	ctx        context.Context
	cancelFunc context.CancelFunc
	mu         sync.Mutex
}

// Update records one settled email
func (j *Job) Update(done, total int, item inbox.Item) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.Done = done
	j.Total = total
	j.Current = item.Subject
	j.Items = append(j.Items, item)
	switch {
	case item.Skipped != "":
		j.Skipped++
	case item.Error != "":
		j.Failed++
	default:
		j.Processed++
	}
	if total > 0 {
		j.Progress = (done * 100) / total
	}
}

// Complete marks the job as completed
func (j *Job) Complete() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != JobStatusRunning {
		return
	}
	j.Status = JobStatusCompleted
	j.CompletedAt = time.Now()
	j.Progress = 100
	j.Current = ""
}

// StopWithError stops the job due to an error
func (j *Job) StopWithError(errorMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != JobStatusRunning {
		return
	}
	j.Status = JobStatusError
	j.CompletedAt = time.Now()
	j.Error = errorMsg
	j.Current = ""
}

// Cancel cancels the job
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status == JobStatusRunning {
		j.Status = JobStatusCancelled
		j.CompletedAt = time.Now()
		if j.cancelFunc != nil {
			j.cancelFunc()
		}
	}
}

// IsRunning returns true while the job has not settled
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == JobStatusRunning
}

// Context returns the job's context
func (j *Job) Context() context.Context {
	return j.ctx
}

// ToJSON returns the job data for JSON serialization
func (j *Job) ToJSON() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	items := make([]inbox.Item, len(j.Items))
	copy(items, j.Items)

	return map[string]interface{}{
		"id":           j.ID,
		"mode":         j.Mode,
		"status":       j.Status,
		"progress":     j.Progress,
		"done":         j.Done,
		"total":        j.Total,
		"processed":    j.Processed,
		"failed":       j.Failed,
		"skipped":      j.Skipped,
		"current":      j.Current,
		"items":        items,
		"started_at":   j.StartedAt,
		"completed_at": j.CompletedAt,
		"error":        j.Error,
	}
}

// JobManager manages background jobs
type JobManager struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*Job),
	}
}

// Create creates a new running job for mode
func (jm *JobManager) Create(mode inbox.Mode) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	job := &Job{
		ID:         uuid.New().String(),
		Mode:       mode,
		Status:     JobStatusRunning,
		StartedAt:  time.Now(),
		ctx:        ctx,
		cancelFunc: cancel,
	}

	jm.jobs[job.ID] = job
	return job
}

// Get returns a job by ID, or nil if not found
func (jm *JobManager) Get(id string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return jm.jobs[id]
}

// GetActive returns the currently running job, or nil if none
func (jm *JobManager) GetActive() *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	for _, job := range jm.jobs {
		if job.IsRunning() {
			return job
		}
	}
	return nil
}

// CancelAll cancels every running job
func (jm *JobManager) CancelAll() {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	for _, job := range jm.jobs {
		job.Cancel()
	}
}

// Cleanup removes finished jobs older than the specified duration
func (jm *JobManager) Cleanup(maxAge time.Duration) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range jm.jobs {
		if !job.IsRunning() && job.CompletedAt.Before(cutoff) {
			delete(jm.jobs, id)
		}
	}
}
