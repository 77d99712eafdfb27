package models

import "time"

// QuerySnapshotRow is one currently executing query that outlived the detection threshold.
// DurationSeconds is computed by the engine at poll time and is only meaningful within that poll.
type QuerySnapshotRow struct {
	SessionID             int64
	StartTime             time.Time
	DurationSeconds       int64
	DatabaseName          string
	Server                string
	Status                string
	Command               string
	WaitType              string
	WaitTimeMs            int64
	CPUTimeMs             int64
	Reads                 int64
	Writes                int64
	LogicalReads          int64
	RowCount              int64
	GrantedMemoryKb       int64
	BlockingSessionID     int64
	OpenTransactionCount  int64
	IsolationLevel        string
	PercentComplete       *float64
	EstimatedCompletionMs *int64
	LoginName             string
	ClientHost            string
	ProgramName           string
	StatementText         string
	FullQueryText         string
	QueryHash             string
	PlanHash              string
	QueryStoreID          *int64
	PlanID                *int64
}

// IsBlocked reports whether another session is blocking this one
func (r QuerySnapshotRow) IsBlocked() bool {
	return r.BlockingSessionID > 0
}

// QueryText returns the batch text, falling back to the current statement
func (r QuerySnapshotRow) QueryText() string {
	if r.FullQueryText != "" {
		return r.FullQueryText
	}
	return r.StatementText
}

// PlanIdentifiers are the stable plan-store identifiers correlated to a query hash
type PlanIdentifiers struct {
	QueryStoreID *int64
	PlanID       *int64
}
