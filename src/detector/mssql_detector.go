package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/newrelic/nri-longquery/src/connection"
	"github.com/newrelic/nri-longquery/src/models"
)

// mssqlLongRunningQuery reads active user requests joined to their sessions. The threshold
// is formatted in as an integer.
const mssqlLongRunningQuery = `SELECT
	r.session_id AS session_id,
	r.start_time AS start_time,
	DATEDIFF(SECOND, r.start_time, GETDATE()) AS duration_seconds,
	DB_NAME(r.database_id) AS database_name,
	@@SERVERNAME AS server_name,
	r.status AS status,
	r.command AS command,
	r.wait_type AS wait_type,
	r.wait_time AS wait_time_ms,
	r.cpu_time AS cpu_time_ms,
	r.reads AS reads,
	r.writes AS writes,
	r.logical_reads AS logical_reads,
	r.row_count AS row_count,
	CAST(r.granted_query_memory AS BIGINT) * 8 AS granted_memory_kb,
	r.blocking_session_id AS blocking_session_id,
	r.open_transaction_count AS open_transaction_count,
	CASE r.transaction_isolation_level
		WHEN 1 THEN 'ReadUncommitted'
		WHEN 2 THEN 'ReadCommitted'
		WHEN 3 THEN 'RepeatableRead'
		WHEN 4 THEN 'Serializable'
		WHEN 5 THEN 'Snapshot'
		ELSE 'Unspecified'
	END AS isolation_level,
	CAST(NULLIF(r.percent_complete, 0) AS FLOAT) AS percent_complete,
	NULLIF(r.estimated_completion_time, 0) AS estimated_completion_ms,
	s.login_name AS login_name,
	s.host_name AS client_host,
	s.program_name AS program_name,
	SUBSTRING(st.text, (r.statement_start_offset / 2) + 1,
		((CASE r.statement_end_offset WHEN -1 THEN DATALENGTH(st.text) ELSE r.statement_end_offset END
			- r.statement_start_offset) / 2) + 1) AS statement_text,
	st.text AS full_query_text,
	r.query_hash AS query_hash,
	r.query_plan_hash AS plan_hash
FROM sys.dm_exec_requests r WITH (NOLOCK)
INNER JOIN sys.dm_exec_sessions s WITH (NOLOCK) ON s.session_id = r.session_id
OUTER APPLY sys.dm_exec_sql_text(r.sql_handle) st
WHERE s.is_user_process = 1
	AND r.session_id <> @@SPID
	AND r.status NOT IN ('background', 'sleeping')
	AND DATEDIFF(SECOND, r.start_time, GETDATE()) > %d
ORDER BY duration_seconds DESC`

type mssqlRow struct {
	snapshotRow
	QueryHash *models.HexString `db:"query_hash"`
	PlanHash  *models.HexString `db:"plan_hash"`
}

// MSSQLDetector reads sys.dm_exec_requests
type MSSQLDetector struct {
	conn         *connection.SQLConnection
	queryTimeout time.Duration
}

// Detect implements Detector
func (d *MSSQLDetector) Detect(ctx context.Context, thresholdSeconds int, rules []models.ExclusionRule) ([]models.QuerySnapshotRow, error) {
	ctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	rows, err := d.conn.QueryxContext(ctx, fmt.Sprintf(mssqlLongRunningQuery, thresholdSeconds))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectorUnavailable, err)
	}
	defer rows.Close()

	results := make([]models.QuerySnapshotRow, 0)
	for rows.Next() {
		var r mssqlRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("%w: scanning request row: %w", ErrDetectorUnavailable, err)
		}
		row := r.toModel()
		if r.QueryHash != nil {
			row.QueryHash = string(*r.QueryHash)
		}
		if r.PlanHash != nil {
			row.PlanHash = string(*r.PlanHash)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectorUnavailable, err)
	}

	return finalize(results, thresholdSeconds, rules), nil
}
