// Package enricher correlates snapshot rows with the engine's plan store identifiers
package enricher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/newrelic/nri-longquery/src/args"
	"github.com/newrelic/nri-longquery/src/connection"
	"github.com/newrelic/nri-longquery/src/models"
)

// Identifiers maps database name to query hash to the identifiers found for it
type Identifiers map[string]map[string]models.PlanIdentifiers

// Enricher looks up plan store identifiers. Lookups are best effort: a failure for one
// database is logged and the others are still looked up.
type Enricher interface {
	Enrich(ctx context.Context, rows []models.QuerySnapshotRow) Identifiers
}

// New returns the enricher for the given source kind
func New(kind string, conn *connection.SQLConnection, lookupTimeout time.Duration) (Enricher, error) {
	switch kind {
	case args.SourceMSSQL:
		return &QueryStoreEnricher{conn: conn, lookupTimeout: lookupTimeout}, nil
	case args.SourcePostgres:
		return &StatementsEnricher{conn: conn, lookupTimeout: lookupTimeout}, nil
	}
	return nil, fmt.Errorf("%w: no enricher for source kind %q", args.ErrInvalidConfig, kind)
}

// Apply returns a copy of rows with the identifiers attached. Rows are never dropped and
// no other field is changed.
func Apply(rows []models.QuerySnapshotRow, ids Identifiers) []models.QuerySnapshotRow {
	out := make([]models.QuerySnapshotRow, len(rows))
	copy(out, rows)
	for i := range out {
		byHash, ok := ids[out[i].DatabaseName]
		if !ok || out[i].QueryHash == "" {
			continue
		}
		if pi, ok := byHash[out[i].QueryHash]; ok {
			out[i].QueryStoreID = pi.QueryStoreID
			out[i].PlanID = pi.PlanID
		}
	}
	return out
}

// hashesByDatabase groups the distinct query hashes of rows by database, keeping only
// hashes accepted by valid. Hashes are sorted so the generated SQL is stable.
func hashesByDatabase(rows []models.QuerySnapshotRow, valid func(string) bool) map[string][]string {
	seen := make(map[string]map[string]struct{})
	for _, row := range rows {
		if row.DatabaseName == "" || !valid(row.QueryHash) {
			continue
		}
		if seen[row.DatabaseName] == nil {
			seen[row.DatabaseName] = make(map[string]struct{})
		}
		seen[row.DatabaseName][row.QueryHash] = struct{}{}
	}

	grouped := make(map[string][]string, len(seen))
	for db, set := range seen {
		hashes := make([]string, 0, len(set))
		for h := range set {
			hashes = append(hashes, h)
		}
		sort.Strings(hashes)
		grouped[db] = hashes
	}
	return grouped
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
