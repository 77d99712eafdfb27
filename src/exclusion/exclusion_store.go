// Package exclusion loads the operator maintained exclusion rules and applies them to a snapshot
package exclusion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/args"
	"github.com/newrelic/nri-longquery/src/connection"
	"github.com/newrelic/nri-longquery/src/models"
	"gopkg.in/yaml.v2"
)

// ErrLoadRules is returned when the configured rule source can not be read
var ErrLoadRules = errors.New("unable to load exclusion rules")

const rulesQuery = "SELECT match_field, pattern, threshold_seconds, is_active FROM %s"

// tableNameRegex accepts table, schema.table and db.schema.table identifiers
var tableNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*){0,2}$`)

// Store is a source of exclusion rules. Rules are loaded on every call and never cached.
type Store interface {
	Load(ctx context.Context) ([]models.ExclusionRule, error)
}

// NewStore picks the rule source configured in args. With neither a table nor a file
// configured every snapshot row is reported.
func NewStore(al *args.ArgumentList, conn *connection.SQLConnection) (Store, error) {
	switch {
	case al.ExclusionTable != "":
		if !tableNameRegex.MatchString(al.ExclusionTable) {
			return nil, fmt.Errorf("%w: exclusion_table %q is not a valid table name", args.ErrInvalidConfig, al.ExclusionTable)
		}
		return &SQLStore{conn: conn, table: al.ExclusionTable}, nil
	case al.ExclusionFile != "":
		return &FileStore{Path: al.ExclusionFile}, nil
	default:
		return noopStore{}, nil
	}
}

// ruleRow is a row of the exclusion table
type ruleRow struct {
	MatchField       *string `db:"match_field"`
	Pattern          *string `db:"pattern"`
	ThresholdSeconds *int64  `db:"threshold_seconds"`
	IsActive         *bool   `db:"is_active"`
}

// SQLStore reads rules from a table in the monitored database
type SQLStore struct {
	conn  *connection.SQLConnection
	table string
}

// Load reads every row of the rule table and keeps the valid active ones
func (s *SQLStore) Load(ctx context.Context) ([]models.ExclusionRule, error) {
	rows := make([]ruleRow, 0)
	if err := s.conn.QueryContext(ctx, &rows, fmt.Sprintf(rulesQuery, s.table)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadRules, err)
	}

	rules := make([]models.ExclusionRule, 0, len(rows))
	for _, row := range rows {
		if row.MatchField == nil || row.Pattern == nil {
			log.Warn("Skipping exclusion rule with empty match_field or pattern")
			continue
		}
		field, err := models.ParseMatchField(*row.MatchField)
		if err != nil {
			log.Warn("Skipping exclusion rule %q: %s", *row.Pattern, err.Error())
			continue
		}
		rule := models.ExclusionRule{
			MatchField: field,
			Pattern:    *row.Pattern,
			Active:     row.IsActive != nil && *row.IsActive,
		}
		if row.ThresholdSeconds != nil {
			rule.ThresholdSeconds = *row.ThresholdSeconds
		}
		rules = append(rules, rule)
	}

	return normalize(rules), nil
}

// fileRule mirrors a rule in the YAML file. Rules are active unless stated otherwise.
type fileRule struct {
	MatchField       string `yaml:"match_field"`
	Pattern          string `yaml:"pattern"`
	ThresholdSeconds int64  `yaml:"threshold_seconds"`
	Active           *bool  `yaml:"active"`
}

// FileStore reads rules from a YAML file of the form
//
//	rules:
//	  - match_field: PROGRAM_NAME
//	    pattern: "SQLAgent%"
//	    threshold_seconds: 3600
type FileStore struct {
	Path string
}

// Load reads and parses the rule file
func (s *FileStore) Load(_ context.Context) ([]models.ExclusionRule, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadRules, err)
	}

	var c struct {
		Rules []fileRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrLoadRules, s.Path, err)
	}

	rules := make([]models.ExclusionRule, 0, len(c.Rules))
	for _, fr := range c.Rules {
		field, err := models.ParseMatchField(fr.MatchField)
		if err != nil {
			log.Warn("Skipping exclusion rule %q: %s", fr.Pattern, err.Error())
			continue
		}
		rules = append(rules, models.ExclusionRule{
			MatchField:       field,
			Pattern:          fr.Pattern,
			ThresholdSeconds: fr.ThresholdSeconds,
			Active:           fr.Active == nil || *fr.Active,
		})
	}

	return normalize(rules), nil
}

type noopStore struct{}

func (noopStore) Load(context.Context) ([]models.ExclusionRule, error) {
	return []models.ExclusionRule{}, nil
}

// normalize keeps active rules with a pattern and a non negative threshold, the first
// of any (match field, pattern) pair wins
func normalize(rules []models.ExclusionRule) []models.ExclusionRule {
	seen := make(map[string]struct{}, len(rules))
	out := make([]models.ExclusionRule, 0, len(rules))
	for _, r := range rules {
		if !r.Active || r.Pattern == "" {
			continue
		}
		if r.ThresholdSeconds < 0 {
			log.Warn("Skipping exclusion rule %s %q with negative threshold %d", r.MatchField, r.Pattern, r.ThresholdSeconds)
			continue
		}
		key := string(r.MatchField) + "\x00" + strings.ToLower(r.Pattern)
		if _, ok := seen[key]; ok {
			log.Warn("Skipping duplicate exclusion rule %s %q", r.MatchField, r.Pattern)
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
