package domain

import (
	"time"

	"designer/internal/diff"
)

// JobStatus is the lifecycle state of a queued save.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobInFlight JobStatus = "in-flight"
	JobFailed   JobStatus = "failed"
	JobDone     JobStatus = "done"
)

// SaveJob is one queued persistence request for a project.
type SaveJob struct {
	ID        string     `json:"id" cbor:"id"`
	ProjectID string     `json:"projectId" cbor:"projectId"`
	Seq       uint64     `json:"seq" cbor:"seq"`
	Delta     diff.Delta `json:"delta" cbor:"delta"`
	Status    JobStatus  `json:"status" cbor:"status"`
	Attempts  int        `json:"attempts" cbor:"attempts"`
	LastError string     `json:"lastError,omitempty" cbor:"lastError,omitempty"`
	CreatedAt time.Time  `json:"createdAt" cbor:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt" cbor:"updatedAt"`
}

// SavePayload is what a remote receives for a single job.
type SavePayload struct {
	ProjectID string     `json:"projectId"`
	JobID     string     `json:"jobId"`
	Seq       uint64     `json:"seq"`
	BaseSeq   uint64     `json:"baseSeq"` // snapshot seq the delta applies on top of
	Delta     diff.Delta `json:"delta"`
}

// QueueStatus is the read model reported to the editor for one project.
type QueueStatus struct {
	ProjectID     string    `json:"projectId"`
	Pending       int       `json:"pending"`
	Failed        int       `json:"failed"`
	Syncing       bool      `json:"syncing"`
	LastError     string    `json:"lastError,omitempty"`
	LastSyncedSeq uint64    `json:"lastSyncedSeq"`
	LastSyncedAt  time.Time `json:"lastSyncedAt,omitempty"`
	NextRetryAt   time.Time `json:"nextRetryAt,omitempty"`
}
