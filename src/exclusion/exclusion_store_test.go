package exclusion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/newrelic/nri-longquery/src/args"
	"github.com/newrelic/nri-longquery/src/connection"
	"github.com/newrelic/nri-longquery/src/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/DATA-DOG/go-sqlmock.v1"
)

func createMockSQL(t *testing.T) (*connection.SQLConnection, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	return &connection.SQLConnection{Connection: sqlx.NewDb(mockDB, "sqlmock")}, mock
}

func TestNewStore(t *testing.T) {
	conn, _ := createMockSQL(t)

	s, err := NewStore(&args.ArgumentList{ExclusionTable: "monitoring.dbo.long_query_exclusions"}, conn)
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)

	s, err = NewStore(&args.ArgumentList{ExclusionFile: "rules.yml"}, conn)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = NewStore(&args.ArgumentList{}, conn)
	require.NoError(t, err)
	rules, err := s.Load(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, rules)

	_, err = NewStore(&args.ArgumentList{ExclusionTable: "rules; DROP TABLE x"}, conn)
	assert.True(t, errors.Is(err, args.ErrInvalidConfig))
}

func TestSQLStore_Load(t *testing.T) {
	conn, mock := createMockSQL(t)
	store := &SQLStore{conn: conn, table: "dbo.long_query_exclusions"}

	rows := sqlmock.NewRows([]string{"match_field", "pattern", "threshold_seconds", "is_active"}).
		AddRow("PROGRAM_NAME", "SQLAgent%", 3600, true).
		AddRow("login", "svc_backup", 7200, true).
		AddRow("PROGRAM_NAME", "sqlagent%", 60, true). // duplicate, case-insensitive
		AddRow("COMMAND", "BACKUP%", -1, true).        // negative threshold
		AddRow("TEXT_PATTERN", "%WAITFOR%", 600, false).
		AddRow("HOST", "app01", 600, true).
		AddRow(nil, "x", 600, true)
	mock.ExpectQuery(regexp.QuoteMeta(fmt.Sprintf(rulesQuery, "dbo.long_query_exclusions"))).WillReturnRows(rows)

	rules, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.ExclusionRule{
		{MatchField: models.MatchProgramName, Pattern: "SQLAgent%", ThresholdSeconds: 3600, Active: true},
		{MatchField: models.MatchLogin, Pattern: "svc_backup", ThresholdSeconds: 7200, Active: true},
	}, rules)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var errPermissionDenied = errors.New("permission denied")

func TestSQLStore_Load_Error(t *testing.T) {
	conn, mock := createMockSQL(t)
	store := &SQLStore{conn: conn, table: "long_query_exclusions"}

	mock.ExpectQuery(regexp.QuoteMeta(fmt.Sprintf(rulesQuery, "long_query_exclusions"))).
		WillReturnError(errPermissionDenied)

	_, err := store.Load(context.Background())
	assert.True(t, errors.Is(err, ErrLoadRules))
	assert.True(t, errors.Is(err, errPermissionDenied))
}

func TestFileStore_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	content := `
rules:
  - match_field: program_name
    pattern: "SQLAgent%"
    threshold_seconds: 3600
  - match_field: TEXT_PATTERN
    pattern: "%WAITFOR DELAY%"
    threshold_seconds: 600
    active: false
  - match_field: COMMAND
    pattern: "DBCC%"
    threshold_seconds: 1800
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rules, err := (&FileStore{Path: path}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.ExclusionRule{
		{MatchField: models.MatchProgramName, Pattern: "SQLAgent%", ThresholdSeconds: 3600, Active: true},
		{MatchField: models.MatchCommand, Pattern: "DBCC%", ThresholdSeconds: 1800, Active: true},
	}, rules)
}

func TestFileStore_Load_Errors(t *testing.T) {
	_, err := (&FileStore{Path: filepath.Join(t.TempDir(), "missing.yml")}).Load(context.Background())
	assert.True(t, errors.Is(err, ErrLoadRules))

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [\n"), 0o600))
	_, err = (&FileStore{Path: path}).Load(context.Background())
	assert.True(t, errors.Is(err, ErrLoadRules))
}
