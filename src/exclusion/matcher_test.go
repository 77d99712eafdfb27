package exclusion

import (
	"testing"

	"github.com/newrelic/nri-longquery/src/models"
	"github.com/stretchr/testify/assert"
)

func TestCompileGlob(t *testing.T) {
	testCases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"SQLAgent%", "SQLAgent - TSQL JobStep (Job 0x1)", true},
		{"sqlagent%", "SQLAgent - TSQL JobStep", true},
		{"%WAITFOR DELAY%", "begin\nWAITFOR DELAY '00:10'\nend", true},
		{"svc_backup", "SVC_BACKUP", true},
		{"svc_backup", "svc_backup2", false},
		{"BACKUP_", "BACKUPS", true},
		{"BACKUP_", "BACKUP", false},
		{"a.b(c)", "a.b(c)", true},
		{"a.b(c)", "axb(c)", false},
		{"%", "", true},
	}

	for _, tc := range testCases {
		re, err := compileGlob(tc.pattern)
		if !assert.NoError(t, err, tc.pattern) {
			continue
		}
		assert.Equal(t, tc.want, re.MatchString(tc.value), "%q ~ %q", tc.pattern, tc.value)
	}
}

func TestApply_GraceWindow(t *testing.T) {
	rules := []models.ExclusionRule{
		{MatchField: models.MatchProgramName, Pattern: "SQLAgent%", ThresholdSeconds: 3600, Active: true},
	}

	within := models.QuerySnapshotRow{SessionID: 51, DurationSeconds: 3600, ProgramName: "SQLAgent - Job"}
	beyond := models.QuerySnapshotRow{SessionID: 52, DurationSeconds: 3601, ProgramName: "SQLAgent - Job"}
	other := models.QuerySnapshotRow{SessionID: 53, DurationSeconds: 120, ProgramName: "Orders API"}

	out := Apply([]models.QuerySnapshotRow{within, beyond, other}, rules)
	assert.Equal(t, []models.QuerySnapshotRow{beyond, other}, out)
}

func TestApply_AnyRuleSuppresses(t *testing.T) {
	rules := []models.ExclusionRule{
		{MatchField: models.MatchLogin, Pattern: "svc_backup", ThresholdSeconds: 60, Active: true},
		{MatchField: models.MatchCommand, Pattern: "BACKUP%", ThresholdSeconds: 7200, Active: true},
		{MatchField: models.MatchTextPattern, Pattern: "%index rebuild%", ThresholdSeconds: 7200, Active: false},
	}

	backup := models.QuerySnapshotRow{SessionID: 60, DurationSeconds: 900, LoginName: "svc_backup", Command: "BACKUP DATABASE"}
	rebuild := models.QuerySnapshotRow{SessionID: 61, DurationSeconds: 900, StatementText: "-- index rebuild"}

	out := Apply([]models.QuerySnapshotRow{backup, rebuild}, rules)
	assert.Equal(t, []models.QuerySnapshotRow{rebuild}, out)
}

func TestApply_EmptyStatementStillReported(t *testing.T) {
	rules := []models.ExclusionRule{
		{MatchField: models.MatchTextPattern, Pattern: "%WAITFOR%", ThresholdSeconds: 600, Active: true},
	}
	row := models.QuerySnapshotRow{SessionID: 70, DurationSeconds: 90}

	assert.Equal(t, []models.QuerySnapshotRow{row}, Apply([]models.QuerySnapshotRow{row}, rules))
}

func TestApply_NoRules(t *testing.T) {
	rows := []models.QuerySnapshotRow{{SessionID: 1, DurationSeconds: 100}}
	assert.Equal(t, rows, Apply(rows, nil))
}
