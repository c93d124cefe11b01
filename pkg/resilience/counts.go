package resilience

import "time"

// Counts holds request statistics tracked by a CircuitBreaker.
type Counts struct {
	Requests             int
	Successes            int
	Failures             int
	ConsecutiveSuccesses int
	ConsecutiveFailures  int

	Timeout        int
	ShortCircuited int
	Rejected       int

	LastSuccess time.Time
	LastFailure time.Time
	LastTimeout time.Time

	TotalSuccesses uint32
	TotalFailures  uint32
}

// NewCounts creates a zeroed Counts instance.
func NewCounts() Counts {
	return Counts{}
}

func (c *Counts) RecordSuccess() {
	c.Requests++
	c.Successes++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
	c.LastSuccess = time.Now()
}

func (c *Counts) RecordFailure() {
	c.Requests++
	c.Failures++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	c.LastFailure = time.Now()
}

func (c *Counts) RecordTimeout() {
	c.Requests++
	c.Failures++
	c.TotalFailures++
	c.Timeout++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	c.LastTimeout = time.Now()
	c.LastFailure = time.Now()
}

func (c *Counts) RecordRejected() {
	c.Rejected++
}

func (c *Counts) RecordShortCircuited() {
	c.ShortCircuited++
}

func (c *Counts) Reset() {
	c.Requests = 0
	c.Successes = 0
	c.Failures = 0
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveFailures = 0
	c.Timeout = 0
	c.ShortCircuited = 0
	c.Rejected = 0
}

func (c *Counts) ResetTimestamps() {
	c.LastSuccess = time.Time{}
	c.LastFailure = time.Time{}
	c.LastTimeout = time.Time{}
}
