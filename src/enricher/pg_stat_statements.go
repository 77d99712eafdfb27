package enricher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/connection"
	"github.com/newrelic/nri-longquery/src/models"
)

const (
	statementsInstalledQuery = "SELECT COUNT(*) FROM pg_extension WHERE extname = 'pg_stat_statements'"

	statementsLookupQuery = `SELECT DISTINCT s.queryid::text AS query_id
FROM pg_stat_statements s
INNER JOIN pg_database d ON d.oid = s.dbid
WHERE d.datname = '%s' AND s.queryid IN (%s)`
)

// StatementsEnricher confirms query ids against pg_stat_statements. PostgreSQL keeps no
// plan store so PlanID is never set.
type StatementsEnricher struct {
	conn          *connection.SQLConnection
	lookupTimeout time.Duration
}

// Enrich implements Enricher
func (e *StatementsEnricher) Enrich(ctx context.Context, rows []models.QuerySnapshotRow) Identifiers {
	ids := make(Identifiers)

	grouped := hashesByDatabase(rows, isQueryID)
	if len(grouped) == 0 || !e.installed(ctx) {
		return ids
	}

	for _, db := range sortedKeys(grouped) {
		byHash, err := e.lookup(ctx, db, grouped[db])
		if err != nil {
			log.Debug("pg_stat_statements lookup failed for database %s: %s", db, err.Error())
			continue
		}
		if len(byHash) > 0 {
			ids[db] = byHash
		}
	}

	return ids
}

func (e *StatementsEnricher) installed(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	var count []int
	if err := e.conn.QueryContext(ctx, &count, statementsInstalledQuery); err != nil || len(count) != 1 {
		log.Debug("Could not check for pg_stat_statements: %v", err)
		return false
	}
	if count[0] == 0 {
		log.Debug("pg_stat_statements is not installed, skipping enrichment")
		return false
	}
	return true
}

func (e *StatementsEnricher) lookup(ctx context.Context, db string, queryIDs []string) (map[string]models.PlanIdentifiers, error) {
	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	query := fmt.Sprintf(statementsLookupQuery, strings.ReplaceAll(db, "'", "''"), strings.Join(queryIDs, ", "))
	var found []string
	if err := e.conn.QueryContext(ctx, &found, query); err != nil {
		return nil, err
	}

	byHash := make(map[string]models.PlanIdentifiers, len(found))
	for _, id := range found {
		v, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		byHash[id] = models.PlanIdentifiers{QueryStoreID: &v}
	}
	return byHash, nil
}

func isQueryID(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}
