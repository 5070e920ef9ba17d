// Package selector picks which identity carries the next send. It gates
// candidates on connectivity (pool), rate ceilings and cooldown (usage),
// then applies the configured strategy.
package selector

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"fanout/internal/pool"
	"fanout/internal/usage"
	logx "fanout/pkg/logx"
)

// ErrNoChannelAvailable is returned when every identity is either not
// ready, over a rate ceiling, or cooling down. Callers treat it as a
// retryable backpressure signal, not a failure.
var ErrNoChannelAvailable = errors.New("no channel available")

type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastUsed   Strategy = "least_used"
	StrategyRandom      Strategy = "random"
	StrategyIntelligent Strategy = "intelligent"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyLeastUsed, StrategyRandom, StrategyIntelligent:
		return Strategy(s), nil
	case "":
		return StrategyRoundRobin, nil
	}
	return "", fmt.Errorf("unknown selection strategy %q", s)
}

// Source lists ready identities, their performance stats, and the pool's
// ready/total counts. *pool.Pool satisfies it.
type Source interface {
	Ready() []string
	Stats(id string) (pool.PerformanceStats, bool)
	Size() (ready, total int)
}

// Usage gates and books identity use. Now exposes the tracker's clock so
// idle-time scoring stays on the same time base as the windows.
// *usage.Tracker satisfies it.
type Usage interface {
	WithinLimits(id string) bool
	PastCooldown(id string) bool
	RecordUse(id string)
	Snapshot(id string) usage.Window
	Now() time.Time
}

// Weights tunes the intelligent strategy's score. Fields at or below zero
// fall back to the defaults documented on score.
type Weights struct {
	MinutePenalty          float64
	HourPenalty            float64
	DayPenalty             float64
	IdleBonusCap           float64 // max idle bonus, one point per idle minute
	SuccessWeight          float64 // points per percent distance from 50%
	LatencyFloorMS         float64 // average latency below this is free
	LatencyPenaltyPer100MS float64
}

func DefaultWeights() Weights {
	return Weights{
		MinutePenalty:          10,
		HourPenalty:            2,
		DayPenalty:             0.5,
		IdleBonusCap:           20,
		SuccessWeight:          0.5,
		LatencyFloorMS:         1000,
		LatencyPenaltyPer100MS: 1,
	}
}

func (w Weights) withDefaults() Weights {
	def := DefaultWeights()
	if w.MinutePenalty <= 0 {
		w.MinutePenalty = def.MinutePenalty
	}
	if w.HourPenalty <= 0 {
		w.HourPenalty = def.HourPenalty
	}
	if w.DayPenalty <= 0 {
		w.DayPenalty = def.DayPenalty
	}
	if w.IdleBonusCap <= 0 {
		w.IdleBonusCap = def.IdleBonusCap
	}
	if w.SuccessWeight <= 0 {
		w.SuccessWeight = def.SuccessWeight
	}
	if w.LatencyFloorMS <= 0 {
		w.LatencyFloorMS = def.LatencyFloorMS
	}
	if w.LatencyPenaltyPer100MS <= 0 {
		w.LatencyPenaltyPer100MS = def.LatencyPenaltyPer100MS
	}
	return w
}

type Selector struct {
	mu       sync.Mutex
	strategy Strategy
	weights  Weights
	cursor   int

	src   Source
	usage Usage
	log   logx.Logger

	// randIntN is swappable so tests can pin the random strategy.
	randIntN func(n int) int
}

func New(strategy Strategy, w Weights, src Source, u Usage, log logx.Logger) *Selector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Selector{
		strategy: strategy,
		weights:  w.withDefaults(),
		src:      src,
		usage:    u,
		log:      log,
		randIntN: rand.IntN,
	}
}

// Apply switches the strategy and score weights at runtime. The round-robin
// cursor is kept; it simply resumes from wherever it was if the strategy
// comes back.
func (s *Selector) Apply(strategy Strategy, w Weights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strategy != s.strategy {
		s.log.Info("selection strategy changed",
			logx.String("from", string(s.strategy)), logx.String("to", string(strategy)))
		s.strategy = strategy
	}
	s.weights = w.withDefaults()
}

// Acquire picks one eligible identity and books the use against its rate
// windows in the same critical section, so concurrent acquirers cannot
// both take the last slot under a ceiling.
func (s *Selector) Acquire() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []string
	for _, id := range s.src.Ready() {
		if s.usage.WithinLimits(id) && s.usage.PastCooldown(id) {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return "", ErrNoChannelAvailable
	}

	var id string
	switch s.strategy {
	case StrategyLeastUsed:
		id = s.pickLeastUsed(eligible)
	case StrategyRandom:
		id = eligible[s.randIntN(len(eligible))]
	case StrategyIntelligent:
		id = s.pickIntelligent(eligible)
	default:
		id = s.pickRoundRobin(eligible)
	}

	s.usage.RecordUse(id)
	return id, nil
}

// Eligible reports how many identities currently pass the gates, how many
// are Ready, and the configured pool size. The engine adapts pacing on the
// ready fraction; nothing is booked.
func (s *Selector) Eligible() (eligible, ready, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.src.Ready()
	for _, id := range ids {
		if s.usage.WithinLimits(id) && s.usage.PastCooldown(id) {
			eligible++
		}
	}
	_, total = s.src.Size()
	return eligible, len(ids), total
}
