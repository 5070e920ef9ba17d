package engine

import (
	"time"

	"fanout/internal/transport"
)

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeNoChannel Outcome = "no_channel"
)

// TargetResult is one target's final outcome within a job.
type TargetResult struct {
	Target   transport.Target `json:"target"`
	Outcome  Outcome          `json:"outcome"`
	Identity string           `json:"identity,omitempty"`
	Error    string           `json:"error,omitempty"`
	Attempts int              `json:"attempts"`
	Took     time.Duration    `json:"took"`
}

// Status summarizes a whole job. Partial means some but not all targets
// were delivered; callers surface it distinctly from success and failure.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusDuplicate Status = "duplicate"
)

// Report is the aggregated result of one distribution job. Targets holds
// per-target detail in submission order, and the four counters always sum
// to len(Targets).
type Report struct {
	JobID     string         `json:"job_id"`
	Status    Status         `json:"status"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Targets   []TargetResult `json:"targets,omitempty"`
	Sent      int            `json:"sent"`
	Failed    int            `json:"failed"`
	NotFound  int            `json:"not_found"`
	NoChannel int            `json:"no_channel"`
	Took      time.Duration  `json:"took"`
}

type Config struct {
	// Concurrency bounds simultaneous sends within one job. Targets are
	// still started in submission order.
	Concurrency int

	// PacingMin/PacingMax bound the delay inserted before every send.
	// With Adaptive set the base delay grows as the ready fraction of the
	// pool shrinks; with Randomize each delay is jittered 0.7x-1.3x.
	PacingMin time.Duration
	PacingMax time.Duration
	Adaptive  bool
	Randomize bool

	// SendTimeout bounds one transport send call.
	SendTimeout time.Duration

	// RetryMax is the total attempt budget per target; RetryDelay is the
	// fixed wait before each re-attempt with a freshly selected identity.
	RetryMax   int
	RetryDelay time.Duration

	// RatePerSecond globally caps sends across all jobs; 0 disables the cap.
	RatePerSecond float64
	RateBurst     int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = 2
	}
	if out.PacingMin <= 0 {
		out.PacingMin = 3 * time.Second
	}
	if out.PacingMax < out.PacingMin {
		out.PacingMax = 12 * time.Second
		if out.PacingMax < out.PacingMin {
			out.PacingMax = out.PacingMin
		}
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 30 * time.Second
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = time.Minute
	}
	if out.RateBurst <= 0 {
		out.RateBurst = 1
	}
	return out
}
