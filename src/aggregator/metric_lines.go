package aggregator

import (
	"sort"
	"strconv"
	"strings"

	"github.com/newrelic/nri-longquery/src/models"
)

// MetricPrefix is shared by every metric the collector reports
const MetricPrefix = "custom.db.long_queries."

// Dimensions are attached to every metric line and log entry of a poll
type Dimensions struct {
	DBType string
	Host   string
}

type dimension struct {
	key   string
	value string
}

// MetricLines renders m in line protocol. Databases are emitted in name order followed by
// the overall lines. An empty snapshot yields only the zero total_count line.
func MetricLines(m models.AggregatedMetrics, dims Dimensions) []string {
	overall := []dimension{{"db.type", dims.DBType}, {"host", dims.Host}}

	if m.TotalCount == 0 {
		return []string{metricLine("total_count", overall, 0)}
	}

	names := make([]string, 0, len(m.Databases))
	for name := range m.Databases {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names)*6+3)
	for _, name := range names {
		s := m.Databases[name]
		perDB := []dimension{{"db.type", dims.DBType}, {"db.name", name}, {"host", dims.Host}}
		lines = append(lines,
			metricLine("count", perDB, s.Count),
			metricLine("max_duration_seconds", perDB, s.MaxDurationSeconds),
			metricLine("total_cpu_ms", perDB, s.TotalCPUTimeMs),
			metricLine("total_reads", perDB, s.TotalReads),
			metricLine("total_logical_reads", perDB, s.TotalLogicalReads),
			metricLine("total_memory_kb", perDB, s.TotalMemoryKb),
		)
	}

	return append(lines,
		metricLine("total_count", overall, m.TotalCount),
		metricLine("overall_max_duration_seconds", overall, m.OverallMaxDurationSeconds),
		metricLine("blocked_count", overall, m.BlockedCount),
	)
}

func metricLine(name string, dims []dimension, value int64) string {
	var sb strings.Builder
	sb.WriteString(MetricPrefix)
	sb.WriteString(name)
	for _, d := range dims {
		sb.WriteByte(',')
		sb.WriteString(d.key)
		sb.WriteByte('=')
		sb.WriteString(dimensionValue(d.value))
	}
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(value, 10))
	return sb.String()
}

// dimensionValue quotes values the line protocol would otherwise split on
func dimensionValue(v string) string {
	if !strings.ContainsAny(v, " ,=\"\\") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}
