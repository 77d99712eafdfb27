package aggregator

import (
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/newrelic/nri-longquery/src/models"
)

const (
	// QueryLogSource tags per query log entries
	QueryLogSource = "custom.db.long_running_query"
	// LifecycleLogSource tags collector lifecycle log entries
	LifecycleLogSource = "custom.db.monitoring_service"

	// ErrorDurationSeconds is the duration above which a query is logged as ERROR
	ErrorDurationSeconds = 300
	// MaxContentLength bounds the query text sent in a log entry
	MaxContentLength = 10000
)

// Severities used in log entries
const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// LogEntries builds one flat log entry per row
func LogEntries(rows []models.QuerySnapshotRow, dims Dimensions) []map[string]string {
	entries := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, logEntry(row, dims))
	}
	return entries
}

func logEntry(row models.QuerySnapshotRow, dims Dimensions) map[string]string {
	severity := SeverityWarn
	if row.DurationSeconds > ErrorDurationSeconds {
		severity = SeverityError
	}

	e := map[string]string{
		"content":    truncate(row.QueryText(), MaxContentLength),
		"log.source": QueryLogSource,
		"severity":   severity,
		"db.type":    dims.DBType,
		"db.name":    databaseName(row),
		"db.host":    dims.Host,

		"query.session_id":             itoa(row.SessionID),
		"query.duration_seconds":       itoa(row.DurationSeconds),
		"query.database":               row.DatabaseName,
		"query.server":                 row.Server,
		"query.status":                 row.Status,
		"query.command":                row.Command,
		"query.wait_type":              row.WaitType,
		"query.wait_time_ms":           itoa(row.WaitTimeMs),
		"query.cpu_time_ms":            itoa(row.CPUTimeMs),
		"query.reads":                  itoa(row.Reads),
		"query.writes":                 itoa(row.Writes),
		"query.logical_reads":          itoa(row.LogicalReads),
		"query.row_count":              itoa(row.RowCount),
		"query.granted_memory_kb":      itoa(row.GrantedMemoryKb),
		"query.blocking_session_id":    itoa(row.BlockingSessionID),
		"query.open_transaction_count": itoa(row.OpenTransactionCount),
		"query.isolation_level":        row.IsolationLevel,
		"query.login_name":             row.LoginName,
		"query.client_host":            row.ClientHost,
		"query.program_name":           row.ProgramName,
		"query.statement_text":         truncate(row.StatementText, MaxContentLength),
		"query.query_hash":             row.QueryHash,
		"query.plan_hash":              row.PlanHash,
	}

	if !row.StartTime.IsZero() {
		e["query.start_time"] = row.StartTime.UTC().Format(time.RFC3339)
	}
	if row.PercentComplete != nil {
		e["query.percent_complete"] = strconv.FormatFloat(*row.PercentComplete, 'f', 2, 64)
	}
	if row.EstimatedCompletionMs != nil {
		e["query.estimated_completion_ms"] = itoa(*row.EstimatedCompletionMs)
	}
	if row.QueryStoreID != nil {
		e["query.query_store_id"] = itoa(*row.QueryStoreID)
	}
	if row.PlanID != nil {
		e["query.plan_id"] = itoa(*row.PlanID)
	}

	return e
}

// LifecycleEntry builds the log entry reporting a collector lifecycle event
func LifecycleEntry(event models.LifecycleEvent, dims Dimensions) map[string]string {
	severity := SeverityInfo
	if event.Type == models.LifecycleError {
		severity = SeverityError
	}

	content := event.Message
	if content == "" {
		content = "Long running query collector " + string(event.Type)
	}

	e := make(map[string]string, len(event.Attributes)+7)
	for k, v := range event.Attributes {
		e[k] = v
	}
	e["content"] = truncate(content, MaxContentLength)
	e["log.source"] = LifecycleLogSource
	e["severity"] = severity
	e["event.type"] = string(event.Type)
	e["db.type"] = dims.DBType
	e["db.host"] = dims.Host
	if !event.Timestamp.IsZero() {
		e["timestamp"] = strconv.FormatInt(event.Timestamp.UnixMilli(), 10)
	}

	return e
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// truncate cuts s to at most n characters without splitting a multi-byte character
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
