package exclusion

import (
	"regexp"
	"strings"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/models"
)

// compileGlob turns a LIKE style pattern into an anchored case-insensitive regexp.
// % matches any run of characters and _ matches exactly one.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString(`(?is)^`)
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(`.*`)
		case '_':
			sb.WriteString(`.`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString(`$`)
	return regexp.Compile(sb.String())
}

type compiledRule struct {
	rule models.ExclusionRule
	re   *regexp.Regexp
}

// Apply drops every row that matches an active rule while its duration is still within
// that rule's threshold. A matching row that outlives the rule's threshold is kept.
func Apply(rows []models.QuerySnapshotRow, rules []models.ExclusionRule) []models.QuerySnapshotRow {
	if len(rows) == 0 || len(rules) == 0 {
		return rows
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		re, err := compileGlob(rule.Pattern)
		if err != nil {
			log.Warn("Ignoring exclusion rule %q: %s", rule.Pattern, err.Error())
			continue
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}

	kept := make([]models.QuerySnapshotRow, 0, len(rows))
	for _, row := range rows {
		if suppressed(row, compiled) {
			log.Debug("Session %d suppressed by exclusion rules", row.SessionID)
			continue
		}
		kept = append(kept, row)
	}
	return kept
}

func suppressed(row models.QuerySnapshotRow, rules []compiledRule) bool {
	for _, c := range rules {
		if row.DurationSeconds <= c.rule.ThresholdSeconds && c.re.MatchString(c.rule.Target(row)) {
			return true
		}
	}
	return false
}
