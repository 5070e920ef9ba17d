package selector

// pickRoundRobin advances the cursor first, then indexes, so consecutive
// calls with a stable candidate set alternate through it. The cursor is
// global rather than per-set; a membership change just shifts the rotation.
func (s *Selector) pickRoundRobin(eligible []string) string {
	s.cursor++
	return eligible[s.cursor%len(eligible)]
}

// pickLeastUsed prefers the fewest sends in the day window; on a tie the
// identity idle longest wins, then configured order.
func (s *Selector) pickLeastUsed(eligible []string) string {
	best := eligible[0]
	bestWin := s.usage.Snapshot(best)
	for _, id := range eligible[1:] {
		win := s.usage.Snapshot(id)
		if win.Day < bestWin.Day ||
			(win.Day == bestWin.Day && win.LastUsedAt.Before(bestWin.LastUsedAt)) {
			best, bestWin = id, win
		}
	}
	return best
}

// pickIntelligent scores each candidate on recent load, idle time, and
// send quality, and takes the highest. Ties fall to the lexicographically
// smallest id so the choice is deterministic.
func (s *Selector) pickIntelligent(eligible []string) string {
	best := eligible[0]
	bestScore := s.score(best)
	for _, id := range eligible[1:] {
		sc := s.score(id)
		if sc > bestScore || (sc == bestScore && id < best) {
			best, bestScore = id, sc
		}
	}
	return best
}

// score starts every identity at 100 and adjusts it per the configured
// weights; the defaults give:
//
//	recent load     -10 per minute-window send, -2 per hour, -0.5 per day
//	idle bonus      +1 per minute since last use, capped at +20
//	reliability     +/- half the distance of the success rate from 50%
//	latency penalty -1 per 100ms of average response time beyond 1s
//
// Idle time is measured on the usage tracker's clock, not the wall clock,
// so it lines up with the windows it is scored against.
func (s *Selector) score(id string) float64 {
	w := s.weights
	win := s.usage.Snapshot(id)
	score := 100.0
	score -= w.MinutePenalty * float64(win.Minute)
	score -= w.HourPenalty * float64(win.Hour)
	score -= w.DayPenalty * float64(win.Day)

	idle := w.IdleBonusCap
	if !win.LastUsedAt.IsZero() {
		idle = s.usage.Now().Sub(win.LastUsedAt).Minutes()
		if idle > w.IdleBonusCap {
			idle = w.IdleBonusCap
		}
	}
	score += idle

	if st, ok := s.src.Stats(id); ok {
		score += (float64(st.SuccessRate) - 50) * w.SuccessWeight
		if over := float64(st.AvgResponseMS) - w.LatencyFloorMS; over > 0 {
			score -= over / 100 * w.LatencyPenaltyPer100MS
		}
	}
	return score
}
