package detector

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/connection"
	"github.com/newrelic/nri-longquery/src/models"
)

const (
	postgresVersionQuery = "SHOW server_version"

	// postgresLongRunningQuery reads active client backends. The query id expression and
	// the threshold are formatted in.
	postgresLongRunningQuery = `SELECT
	pid AS session_id,
	query_start AS start_time,
	EXTRACT(EPOCH FROM (now() - query_start))::bigint AS duration_seconds,
	datname AS database_name,
	inet_server_addr()::text AS server_name,
	state AS status,
	CASE WHEN wait_event_type IS NULL THEN NULL ELSE wait_event_type || ':' || COALESCE(wait_event, '') END AS wait_type,
	COALESCE((pg_blocking_pids(pid))[1], 0) AS blocking_session_id,
	CASE WHEN backend_xid IS NULL THEN 0 ELSE 1 END AS open_transaction_count,
	usename AS login_name,
	client_addr::text AS client_host,
	application_name AS program_name,
	query AS statement_text,
	query AS full_query_text,
	%s AS query_hash
FROM pg_stat_activity
WHERE state = 'active'
	AND backend_type = 'client backend'
	AND pid <> pg_backend_pid()
	AND query_start IS NOT NULL
	AND EXTRACT(EPOCH FROM (now() - query_start)) > %d
ORDER BY duration_seconds DESC`
)

// query_id was added to pg_stat_activity in 14
var (
	queryIDMinVersion    = semver.MustParse("14.0.0")
	postgresVersionRegex = regexp.MustCompile(`\d+(\.\d+)+`)

	// leading whitespace, block comments and line comments are skipped before the first keyword
	commandRegex = regexp.MustCompile(`^(?:\s+|/\*(?s:.*?)\*/|--[^\n]*(?:\n|$))*([A-Za-z]+)`)
)

type postgresRow struct {
	snapshotRow
	QueryHash *string `db:"query_hash"`
}

// PostgresDetector reads pg_stat_activity
type PostgresDetector struct {
	conn         *connection.SQLConnection
	queryTimeout time.Duration
	version      *semver.Version
}

// Detect implements Detector
func (d *PostgresDetector) Detect(ctx context.Context, thresholdSeconds int, rules []models.ExclusionRule) ([]models.QuerySnapshotRow, error) {
	ctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	query := postgresQuery(thresholdSeconds, d.supportsQueryID(ctx))
	rows, err := d.conn.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectorUnavailable, err)
	}
	defer rows.Close()

	results := make([]models.QuerySnapshotRow, 0)
	for rows.Next() {
		var r postgresRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("%w: scanning activity row: %w", ErrDetectorUnavailable, err)
		}
		row := r.toModel()
		row.QueryHash = str(r.QueryHash)
		row.Command = commandFromQuery(row.QueryText())
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectorUnavailable, err)
	}

	return finalize(results, thresholdSeconds, rules), nil
}

// commandFromQuery returns the upper-cased first keyword of query, or "" when there is none
func commandFromQuery(query string) string {
	m := commandRegex.FindStringSubmatch(query)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

func postgresQuery(thresholdSeconds int, withQueryID bool) string {
	queryID := "NULL::text"
	if withQueryID {
		queryID = "query_id::text"
	}
	return fmt.Sprintf(postgresLongRunningQuery, queryID, thresholdSeconds)
}

// supportsQueryID reads the server version once and caches it. A failed lookup is retried
// on the next poll.
func (d *PostgresDetector) supportsQueryID(ctx context.Context) bool {
	if d.version == nil {
		v, err := postgresVersion(ctx, d.conn)
		if err != nil {
			log.Warn("Could not determine PostgreSQL version, query ids disabled: %s", err.Error())
			return false
		}
		log.Debug("PostgreSQL server version: %s", v)
		d.version = &v
	}
	return d.version.GE(queryIDMinVersion)
}

func postgresVersion(ctx context.Context, conn *connection.SQLConnection) (semver.Version, error) {
	var raw []string
	if err := conn.QueryContext(ctx, &raw, postgresVersionQuery); err != nil {
		return semver.Version{}, err
	}
	if len(raw) != 1 {
		return semver.Version{}, fmt.Errorf("expected 1 row for server version got %d", len(raw))
	}
	versionStr := postgresVersionRegex.FindString(raw[0])
	if versionStr == "" {
		return semver.Version{}, fmt.Errorf("could not parse version from %q", raw[0])
	}
	return semver.ParseTolerant(versionStr)
}
