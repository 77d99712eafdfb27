// Package validation checks that the collector login can see every session on the server
package validation

import (
	"context"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/args"
	"github.com/newrelic/nri-longquery/src/connection"
)

const mssqlPermissionsQuery = `
	SELECT
		CASE
			WHEN IS_SRVROLEMEMBER('sysadmin') = 1 OR HAS_PERMS_BY_NAME(null, null, 'VIEW SERVER STATE') = 1
			THEN 1
			ELSE 0
		END AS has_permission
`

const postgresPermissionsQuery = `
	SELECT
		(SELECT rolsuper FROM pg_roles WHERE rolname = current_user)
		OR pg_has_role(current_user, 'pg_read_all_stats', 'USAGE') AS has_permission
`

func checkPermissions(ctx context.Context, sqlConnection *connection.SQLConnection) (bool, error) {
	query := mssqlPermissionsQuery
	if sqlConnection.Kind == args.SourcePostgres {
		query = postgresPermissionsQuery
	}

	var hasPermission bool
	if err := sqlConnection.Connection.GetContext(ctx, &hasPermission, query); err != nil {
		return false, err
	}
	return hasPermission, nil
}

// ValidatePreConditions logs what the collector will miss with the current login.
// A login without the permission still sees its own sessions so the collector keeps running.
func ValidatePreConditions(ctx context.Context, sqlConnection *connection.SQLConnection) bool {
	log.Debug("Starting pre-requisite validation")

	hasPerms, err := checkPermissions(ctx, sqlConnection)
	if err != nil {
		log.Warn("Error checking permissions: %s", err.Error())
		return false
	}
	if !hasPerms {
		if sqlConnection.Kind == args.SourcePostgres {
			log.Warn("Login is neither superuser nor member of pg_read_all_stats, queries of other users are reported without text")
		} else {
			log.Warn("Login is missing VIEW SERVER STATE, only its own sessions are visible in sys.dm_exec_requests")
		}
		return false
	}

	log.Debug("Pre-requisite validation completed successfully")
	return true
}
