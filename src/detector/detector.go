// Package detector finds the currently executing queries that outlived the configured threshold
package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/args"
	"github.com/newrelic/nri-longquery/src/connection"
	"github.com/newrelic/nri-longquery/src/exclusion"
	"github.com/newrelic/nri-longquery/src/models"
)

// ErrDetectorUnavailable is returned when the engine could not be queried. The poll that
// got it is abandoned, callers must not retry within the same poll.
var ErrDetectorUnavailable = errors.New("long running query detector unavailable")

// Detector returns the snapshot of queries running longer than thresholdSeconds that are
// not covered by an exclusion rule grace window
type Detector interface {
	Detect(ctx context.Context, thresholdSeconds int, rules []models.ExclusionRule) ([]models.QuerySnapshotRow, error)
}

// New returns the detector for the given source kind
func New(kind string, conn *connection.SQLConnection, queryTimeout time.Duration) (Detector, error) {
	switch kind {
	case args.SourceMSSQL:
		return &MSSQLDetector{conn: conn, queryTimeout: queryTimeout}, nil
	case args.SourcePostgres:
		return &PostgresDetector{conn: conn, queryTimeout: queryTimeout}, nil
	}
	return nil, fmt.Errorf("%w: no detector for source kind %q", args.ErrInvalidConfig, kind)
}

// snapshotRow holds the columns shared by both engine queries. Every column is nullable.
type snapshotRow struct {
	SessionID             *int64     `db:"session_id"`
	StartTime             *time.Time `db:"start_time"`
	DurationSeconds       *int64     `db:"duration_seconds"`
	DatabaseName          *string    `db:"database_name"`
	ServerName            *string    `db:"server_name"`
	Status                *string    `db:"status"`
	Command               *string    `db:"command"`
	WaitType              *string    `db:"wait_type"`
	WaitTimeMs            *int64     `db:"wait_time_ms"`
	CPUTimeMs             *int64     `db:"cpu_time_ms"`
	Reads                 *int64     `db:"reads"`
	Writes                *int64     `db:"writes"`
	LogicalReads          *int64     `db:"logical_reads"`
	RowCount              *int64     `db:"row_count"`
	GrantedMemoryKb       *int64     `db:"granted_memory_kb"`
	BlockingSessionID     *int64     `db:"blocking_session_id"`
	OpenTransactionCount  *int64     `db:"open_transaction_count"`
	IsolationLevel        *string    `db:"isolation_level"`
	PercentComplete       *float64   `db:"percent_complete"`
	EstimatedCompletionMs *int64     `db:"estimated_completion_ms"`
	LoginName             *string    `db:"login_name"`
	ClientHost            *string    `db:"client_host"`
	ProgramName           *string    `db:"program_name"`
	StatementText         *string    `db:"statement_text"`
	FullQueryText         *string    `db:"full_query_text"`
}

// toModel converts NULL text to "" and NULL numerics to 0. Optional progress columns stay nil.
func (r snapshotRow) toModel() models.QuerySnapshotRow {
	row := models.QuerySnapshotRow{
		SessionID:             i64(r.SessionID),
		DurationSeconds:       i64(r.DurationSeconds),
		DatabaseName:          str(r.DatabaseName),
		Server:                str(r.ServerName),
		Status:                str(r.Status),
		Command:               str(r.Command),
		WaitType:              str(r.WaitType),
		WaitTimeMs:            i64(r.WaitTimeMs),
		CPUTimeMs:             i64(r.CPUTimeMs),
		Reads:                 i64(r.Reads),
		Writes:                i64(r.Writes),
		LogicalReads:          i64(r.LogicalReads),
		RowCount:              i64(r.RowCount),
		GrantedMemoryKb:       i64(r.GrantedMemoryKb),
		BlockingSessionID:     i64(r.BlockingSessionID),
		OpenTransactionCount:  i64(r.OpenTransactionCount),
		IsolationLevel:        str(r.IsolationLevel),
		PercentComplete:       r.PercentComplete,
		EstimatedCompletionMs: r.EstimatedCompletionMs,
		LoginName:             str(r.LoginName),
		ClientHost:            str(r.ClientHost),
		ProgramName:           str(r.ProgramName),
		StatementText:         str(r.StatementText),
		FullQueryText:         str(r.FullQueryText),
	}
	if r.StartTime != nil {
		row.StartTime = *r.StartTime
	}
	return row
}

// finalize enforces the threshold, keeps the longest request per session and then
// applies the exclusion rules. Rules are not evaluated when nothing is over the threshold.
func finalize(rows []models.QuerySnapshotRow, thresholdSeconds int, rules []models.ExclusionRule) []models.QuerySnapshotRow {
	bySession := make(map[int64]int, len(rows))
	out := make([]models.QuerySnapshotRow, 0, len(rows))
	for _, row := range rows {
		if row.DurationSeconds <= int64(thresholdSeconds) {
			continue
		}
		if i, ok := bySession[row.SessionID]; ok {
			if row.DurationSeconds > out[i].DurationSeconds {
				out[i] = row
			}
			continue
		}
		bySession[row.SessionID] = len(out)
		out = append(out, row)
	}

	if len(out) == 0 {
		return out
	}

	kept := exclusion.Apply(out, rules)
	log.Debug("Detected %d long running queries, %d after exclusions", len(out), len(kept))
	return kept
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func i64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
