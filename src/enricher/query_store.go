package enricher

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
	serverPropertiesQuery = `SELECT CAST(SERVERPROPERTY('ProductVersion') AS NVARCHAR(128)) AS product_version,
	CAST(SERVERPROPERTY('EngineEdition') AS INT) AS engine_edition,
	DB_NAME() AS current_database`

	queryStoreDatabasesQuery = "SELECT name AS database_name FROM sys.databases WHERE is_query_store_on = 1"

	// queryStorePlansQuery returns the newest plan first for every matching query hash
	queryStorePlansQuery = `SELECT qsq.query_hash AS query_hash, qsq.query_id AS query_id, qsp.plan_id AS plan_id
FROM %[1]ssys.query_store_query qsq
INNER JOIN %[1]ssys.query_store_plan qsp ON qsp.query_id = qsq.query_id
WHERE qsq.query_hash IN (%[2]s)
ORDER BY qsp.last_execution_time DESC`

	// Query Store shipped with SQL Server 2016
	queryStoreMinMajorVersion = 13

	// Azure editions report a 12.x product version but always have Query Store
	azureSQLDatabaseEngineEdition        = 5
	azureSQLManagedInstanceEngineEdition = 8
)

var versionRegex = regexp.MustCompile(`\b(\d+\.\d+\.\d+)\b`)

type serverProperties struct {
	ProductVersion  *string `db:"product_version"`
	EngineEdition   *int    `db:"engine_edition"`
	CurrentDatabase *string `db:"current_database"`
}

type queryStorePlanRow struct {
	QueryHash models.HexString `db:"query_hash"`
	QueryID   int64            `db:"query_id"`
	PlanID    int64            `db:"plan_id"`
}

// QueryStoreEnricher reads sys.query_store_query and sys.query_store_plan of every
// snapshot database that has Query Store turned on
type QueryStoreEnricher struct {
	conn          *connection.SQLConnection
	lookupTimeout time.Duration
}

// Enrich implements Enricher
func (e *QueryStoreEnricher) Enrich(ctx context.Context, rows []models.QuerySnapshotRow) Identifiers {
	ids := make(Identifiers)

	grouped := hashesByDatabase(rows, func(h string) bool { return models.HexString(h).IsValid() })
	if len(grouped) == 0 {
		return ids
	}

	props, ok := e.serverProperties(ctx)
	if !ok || !queryStoreSupported(props) {
		return ids
	}

	enabled, err := e.queryStoreDatabases(ctx)
	if err != nil {
		log.Debug("Could not list Query Store databases: %s", err.Error())
		return ids
	}

	for _, db := range sortedKeys(grouped) {
		if _, ok := enabled[db]; !ok {
			log.Debug("Query Store is off for database %s, skipping enrichment", db)
			continue
		}
		// Azure SQL Database can not reach other databases by three part name
		qualifier := quoteIdentifier(db) + "."
		if props.engineEdition() == azureSQLDatabaseEngineEdition {
			if db != props.currentDatabase() {
				log.Debug("Skipping enrichment of %s, only %s is reachable on Azure SQL Database", db, props.currentDatabase())
				continue
			}
			qualifier = ""
		}
		byHash, err := e.lookup(ctx, qualifier, grouped[db])
		if err != nil {
			log.Debug("Query Store lookup failed for database %s: %s", db, err.Error())
			continue
		}
		if len(byHash) > 0 {
			ids[db] = byHash
		}
	}

	return ids
}

func (e *QueryStoreEnricher) serverProperties(ctx context.Context) (serverProperties, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	rows := make([]serverProperties, 0)
	if err := e.conn.QueryContext(ctx, &rows, serverPropertiesQuery); err != nil || len(rows) != 1 {
		log.Debug("Could not read SQL Server properties: %v", err)
		return serverProperties{}, false
	}
	return rows[0], true
}

func (p serverProperties) engineEdition() int {
	if p.EngineEdition == nil {
		return 0
	}
	return *p.EngineEdition
}

func (p serverProperties) currentDatabase() string {
	if p.CurrentDatabase == nil {
		return ""
	}
	return *p.CurrentDatabase
}

func queryStoreSupported(p serverProperties) bool {
	switch p.engineEdition() {
	case azureSQLDatabaseEngineEdition, azureSQLManagedInstanceEngineEdition:
		return true
	}

	if p.ProductVersion == nil {
		return false
	}
	versionStr := versionRegex.FindString(*p.ProductVersion)
	if versionStr == "" {
		log.Debug("Could not parse version from product version %q", *p.ProductVersion)
		return false
	}
	version, err := semver.ParseTolerant(versionStr)
	if err != nil {
		log.Debug("Error parsing version: %s", err.Error())
		return false
	}
	if version.Major < queryStoreMinMajorVersion {
		log.Debug("SQL Server %s has no Query Store, skipping enrichment", version)
		return false
	}
	return true
}

func (e *QueryStoreEnricher) queryStoreDatabases(ctx context.Context) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	var names []string
	if err := e.conn.QueryContext(ctx, &names, queryStoreDatabasesQuery); err != nil {
		return nil, err
	}
	enabled := make(map[string]struct{}, len(names))
	for _, n := range names {
		enabled[n] = struct{}{}
	}
	return enabled, nil
}

func (e *QueryStoreEnricher) lookup(ctx context.Context, qualifier string, hashes []string) (map[string]models.PlanIdentifiers, error) {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	rows := make([]queryStorePlanRow, 0)
	if err := e.conn.QueryContext(ctx, &rows, queryStorePlansSQL(qualifier, hashes)); err != nil {
		return nil, err
	}

	byHash := make(map[string]models.PlanIdentifiers, len(hashes))
	for _, row := range rows {
		hash := string(row.QueryHash)
		if _, ok := byHash[hash]; ok {
			continue
		}
		queryID, planID := row.QueryID, row.PlanID
		byHash[hash] = models.PlanIdentifiers{QueryStoreID: &queryID, PlanID: &planID}
	}
	return byHash, nil
}

// queryStorePlansSQL builds the lookup for one database. qualifier is the quoted database
// name followed by a dot, or empty for the current database. Hashes are validated hex literals.
func queryStorePlansSQL(qualifier string, hashes []string) string {
	return fmt.Sprintf(queryStorePlansQuery, qualifier, strings.Join(hashes, ", "))
}

func quoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
