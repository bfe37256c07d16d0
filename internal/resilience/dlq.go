package resilience

import (
	"time"

	"github.com/shelfsight/shelfscan/internal/model"
)

// DLQEntry is a job whose run failed for infrastructure reasons (store
// outage, comparator unreachable, every executor down) and that can be
// retried later. Budget and accuracy outcomes are run results, not failures,
// and never land here.
type DLQEntry struct {
	ID           string    `json:"id"`
	Job          model.Job `json:"job"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has retry budget left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
