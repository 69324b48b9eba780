package task

import "fmt"

// Kind classifies the outcome of handling a task. The queue consumer inspects
// the kind to decide between acknowledge, requeue with backoff, and
// dead-letter; handlers never drive retries through panics or raw errors.
type Kind int

const (
	// KindDone acknowledges the task.
	KindDone Kind = iota

	// KindRetry requeues the task with backoff. After the attempt budget is
	// exhausted the queue dead-letters it instead.
	KindRetry

	// KindFatal dead-letters the task immediately (malformed payload,
	// unknown type, non-recoverable content error).
	KindFatal
)

// Result is the explicit outcome of a task handler.
type Result struct {
	Kind   Kind
	Reason error
}

// Done reports successful completion.
func Done() Result {
	return Result{Kind: KindDone}
}

// Retry reports a transient failure worth another attempt.
func Retry(reason error) Result {
	return Result{Kind: KindRetry, Reason: reason}
}

// Fatal reports a permanent failure; the task is dead-lettered for manual
// inspection.
func Fatal(reason error) Result {
	return Result{Kind: KindFatal, Reason: reason}
}

func (r Result) String() string {
	switch r.Kind {
	case KindDone:
		return "done"
	case KindRetry:
		return fmt.Sprintf("retry: %v", r.Reason)
	case KindFatal:
		return fmt.Sprintf("fatal: %v", r.Reason)
	default:
		return fmt.Sprintf("unknown(%d)", r.Kind)
	}
}
