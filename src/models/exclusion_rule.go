package models

import (
	"fmt"
	"strings"
)

// MatchField selects which attribute of a snapshot row an exclusion pattern is matched against
type MatchField string

const (
	MatchTextPattern MatchField = "TEXT_PATTERN"
	MatchLogin       MatchField = "LOGIN"
	MatchCommand     MatchField = "COMMAND"
	MatchProgramName MatchField = "PROGRAM_NAME"
)

// ParseMatchField accepts the match field names case-insensitively
func ParseMatchField(s string) (MatchField, error) {
	f := MatchField(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case MatchTextPattern, MatchLogin, MatchCommand, MatchProgramName:
		return f, nil
	}
	return "", fmt.Errorf("unknown match field %q", s)
}

// ExclusionRule raises the effective threshold for queries matching a known benign pattern.
// A matching query is suppressed only while its duration is within ThresholdSeconds.
type ExclusionRule struct {
	MatchField       MatchField `yaml:"match_field"`
	Pattern          string     `yaml:"pattern"`
	ThresholdSeconds int64      `yaml:"threshold_seconds"`
	Active           bool       `yaml:"active"`
}

// Target returns the row attribute the rule's pattern is matched against
func (r ExclusionRule) Target(row QuerySnapshotRow) string {
	switch r.MatchField {
	case MatchTextPattern:
		return row.QueryText()
	case MatchLogin:
		return row.LoginName
	case MatchCommand:
		return row.Command
	case MatchProgramName:
		return row.ProgramName
	}
	return ""
}
