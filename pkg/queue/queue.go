// Package queue holds loan returns the gateway accepted while the lending
// service was unreachable, until they can be replayed.
package queue

import (
	"sync"
	"time"
)

type Job struct {
	ID         string    `json:"id"`
	LoanID     string    `json:"loanId"`
	Actor      string    `json:"actor"`
	Note       string    `json:"note,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	RetryAt    time.Time `json:"retryAt"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	LastError  string    `json:"lastError,omitempty"`
}

// Queue keeps waiting jobs in items and jobs handed out by Due in inflight
// until Done or Reschedule settles them.
type Queue struct {
	items    []*Job
	inflight map[string]*Job
	mu       sync.Mutex
}

func NewQueue() *Queue {
	return &Queue{items: make([]*Job, 0), inflight: make(map[string]*Job)}
}

func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, job)
}

// Due hands out every job whose RetryAt is not after now, oldest first. The
// jobs stay pending until Done or Reschedule is called for them.
func (q *Queue) Due(now time.Time) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Job
	kept := q.items[:0]
	for _, job := range q.items {
		if !job.RetryAt.After(now) {
			due = append(due, job)
			q.inflight[job.ID] = job
		} else {
			kept = append(kept, job)
		}
	}
	q.items = kept
	return due
}

// Reschedule puts a failed job back with RetryAt = now + delay. It reports
// false, and drops the job, once MaxRetries attempts have been made.
func (q *Queue) Reschedule(job *Job, now time.Time, delay time.Duration, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.ID)

	job.RetryCount++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.RetryCount >= job.MaxRetries {
		return false
	}
	job.RetryAt = now.Add(delay)
	q.items = append(q.items, job)
	return true
}

// Done settles a job handed out by Due that needs no further attempt.
func (q *Queue) Done(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.ID)
}

// Pending reports whether a return of loanID is queued or being replayed.
func (q *Queue) Pending(loanID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.items {
		if job.LoanID == loanID {
			return true
		}
	}
	for _, job := range q.inflight {
		if job.LoanID == loanID {
			return true
		}
	}
	return false
}

// Size counts waiting and in-flight jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.inflight)
}

func (q *Queue) GetAll() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]Job, len(q.items))
	for i, job := range q.items {
		result[i] = *job
	}
	return result
}
