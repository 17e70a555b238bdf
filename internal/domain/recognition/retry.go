package recognition

// RetryPolicy bounds redelivery of messages that failed for transient
// infrastructure reasons. The attempt counter travels on the message itself,
// so the budget holds across worker restarts.
type RetryPolicy struct {
	MaxAttempts int
}

// DefaultMaxAttempts matches the dispatch queue's historical retry budget.
const DefaultMaxAttempts = 5

func NewRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return RetryPolicy{MaxAttempts: maxAttempts}
}

// Exhausted reports whether a message on the given attempt has used up its
// retry budget and must be dead-lettered instead of requeued.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
