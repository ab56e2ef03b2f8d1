// Package work defines the contract between background workers and the
// scheduler that runs them.
package work

// Result is a worker run's terminal outcome. Retry asks the scheduler to run
// the same worker again later with backoff; Failure means the run can never
// succeed and must not be rescheduled.
type Result int

const (
	Success Result = iota
	Retry
	Failure
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}
