package models

// UnknownDatabase groups rows whose database name could not be resolved
const UnknownDatabase = "unknown"

// DatabaseSummary holds the per database totals of one snapshot
type DatabaseSummary struct {
	Count                int64
	MaxDurationSeconds   int64
	TotalDurationSeconds int64
	TotalCPUTimeMs       int64
	TotalReads           int64
	TotalLogicalReads    int64
	TotalMemoryKb        int64
}

// AvgDurationSeconds is the mean duration of the database's long running queries
func (s DatabaseSummary) AvgDurationSeconds() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TotalDurationSeconds) / float64(s.Count)
}

// AggregatedMetrics is the read-only summary of one snapshot, recomputed every poll
type AggregatedMetrics struct {
	Databases                 map[string]DatabaseSummary
	TotalCount                int64
	OverallMaxDurationSeconds int64
	BlockedCount              int64
}
