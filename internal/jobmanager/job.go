package jobmanager

import (
	"time"

	"github.com/nixpig/opspool/internal/protocol"
)

// Job is one entry of the registry's job table. The worker producing the
// job's output runs detached; a Job only tracks how far its owner has read.
type Job struct {
	Token   string
	Owner   string
	Command string

	StartTime  time.Time
	LastUpdate time.Time

	// ReadOffset is the end of the range the owner may read next. It never
	// decreases while the job is Running and is -1 once the job is Dead.
	ReadOffset int64

	Status JobStatus
}

func newJob(token, owner, command string, now time.Time) *Job {
	return &Job{
		Token:      token,
		Owner:      owner,
		Command:    command,
		StartTime:  now,
		LastUpdate: now,
		Status:     JobStatusRunning,
	}
}

// Record returns the wire representation of the Job.
func (j *Job) Record() protocol.Record {
	return protocol.Record{
		StartTime:  j.StartTime.Unix(),
		Command:    j.Command,
		Token:      j.Token,
		User:       j.Owner,
		ReadOffset: j.ReadOffset,
	}
}

// advance applies a single next request given the current spool size and
// whether the completion marker exists. It returns the offset before the
// update.
//
// A Dead job reports -1. Otherwise the offset grows by chunk while the spool
// holds more than a chunk beyond it, and is clamped to the spool size when
// it doesn't. A clamped offset with the marker present is the last range
// the owner will get: the job turns Dead.
func (j *Job) advance(size int64, finished bool, chunk int64) int64 {
	from := j.ReadOffset

	if j.Status == JobStatusDead {
		j.ReadOffset = -1
		return from
	}

	if size > j.ReadOffset+chunk {
		j.ReadOffset += chunk
		return from
	}

	j.ReadOffset = max(j.ReadOffset, size)

	if finished {
		j.Status = JobStatusDead
	}

	return from
}
