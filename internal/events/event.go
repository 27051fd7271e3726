package events

import "time"

// TopicThrottled is the topic throttle events are published to.
const TopicThrottled = "quota.throttled"

// Outcome is how a throttled call ended.
type Outcome string

const (
	// OutcomeAdmittedAfterWait means the call waited at least one retry interval and then ran.
	OutcomeAdmittedAfterWait Outcome = "admitted_after_wait"
	// OutcomeRateLimited means the call was rejected without running.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeCanceled means the caller gave up while waiting.
	OutcomeCanceled Outcome = "canceled"
)

// Throttled is emitted when a gated call could not be admitted on its first attempt.
type Throttled struct {
	ID         string        `json:"id"`
	Instance   string        `json:"instance"`
	Outcome    Outcome       `json:"outcome"`
	Attempts   int           `json:"attempts"`
	Waited     time.Duration `json:"waited"`
	Window     string        `json:"window,omitempty"`
	Count      int64         `json:"count,omitempty"`
	Capacity   int64         `json:"capacity,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}
