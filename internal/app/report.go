package app

import (
	"fanout/internal/pool"
	"fanout/internal/stats"
)

// HealthReport is the operator-facing view of the identity pool.
type HealthReport struct {
	Ready        int                 `json:"ready"`
	Total        int                 `json:"total"`
	Identities   []pool.IdentityInfo `json:"identities"`
	DedupEntries int                 `json:"dedup_entries"`
}

func (a *App) ReportHealth() HealthReport {
	ready, total := a.pool.Size()
	return HealthReport{
		Ready:        ready,
		Total:        total,
		Identities:   a.pool.Snapshot(),
		DedupEntries: a.dedup.Len(),
	}
}

func (a *App) ReportStats() stats.Snapshot {
	return a.stats.Snapshot()
}
