package jobmanager

type JobStatus int

const (
	// JobStatusUnknown is the zero value for functions that return a
	// (possibly absent) JobStatus.
	JobStatusUnknown JobStatus = iota

	// JobStatusRunning indicates the worker may still produce output, or the
	// owner has not yet read all of it.
	JobStatusRunning

	// JobStatusDead indicates the worker has finished and the owner has read
	// everything it wrote.
	JobStatusDead
)

// NOTE: This slice needs to be kept in sync with any changes to the JobStatus
// values.
var jobStatuses = []string{
	"Unknown",
	"Running",
	"Dead",
}

// String implements the Stringer interface for JobStatus.
func (s JobStatus) String() string {
	if int(s) < 0 || int(s) >= len(jobStatuses) {
		return jobStatuses[0]
	}

	return jobStatuses[s]
}
