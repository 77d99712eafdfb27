// Package aggregator reduces a snapshot into metric lines and log entries for the ingest API
package aggregator

import (
	"github.com/newrelic/nri-longquery/src/models"
)

// Aggregate groups rows by database and sums their numeric fields. It is a pure function
// and the result does not depend on the order of rows.
func Aggregate(rows []models.QuerySnapshotRow) models.AggregatedMetrics {
	m := models.AggregatedMetrics{
		Databases: make(map[string]models.DatabaseSummary),
	}

	for _, row := range rows {
		name := databaseName(row)
		s := m.Databases[name]
		s.Count++
		s.MaxDurationSeconds = max(s.MaxDurationSeconds, row.DurationSeconds)
		s.TotalDurationSeconds += row.DurationSeconds
		s.TotalCPUTimeMs += row.CPUTimeMs
		s.TotalReads += row.Reads
		s.TotalLogicalReads += row.LogicalReads
		s.TotalMemoryKb += row.GrantedMemoryKb
		m.Databases[name] = s

		m.TotalCount++
		m.OverallMaxDurationSeconds = max(m.OverallMaxDurationSeconds, row.DurationSeconds)
		if row.IsBlocked() {
			m.BlockedCount++
		}
	}

	return m
}

func databaseName(row models.QuerySnapshotRow) string {
	if row.DatabaseName == "" {
		return models.UnknownDatabase
	}
	return row.DatabaseName
}
