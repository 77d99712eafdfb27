// Package instance contains helper methods for identifying the monitored server
package instance

import (
	"context"
	"fmt"
	"strings"

	"github.com/newrelic/infra-integrations-sdk/v3/integration"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/args"
	"github.com/newrelic/nri-longquery/src/connection"
)

const (
	// mssqlInstanceNameQuery gets the instance name
	mssqlInstanceNameQuery = "select @@SERVERNAME as instance_name"

	// postgresInstanceNameQuery prefers the configured cluster name over the server address
	postgresInstanceNameQuery = "select COALESCE(NULLIF(current_setting('cluster_name', true), ''), host(inet_server_addr())) as instance_name"
)

// NameRow is a row result in the instance name queries
type NameRow struct {
	Name *string `db:"instance_name"`
}

// ServerName asks the server for its own name
func ServerName(ctx context.Context, con *connection.SQLConnection) (string, error) {
	query := mssqlInstanceNameQuery
	if con.Kind == args.SourcePostgres {
		query = postgresInstanceNameQuery
	}

	instanceRows := make([]*NameRow, 0)
	if err := con.QueryContext(ctx, &instanceRows, query); err != nil {
		return "", err
	}

	if length := len(instanceRows); length != 1 {
		return "", fmt.Errorf("expected 1 row for instance name got %d", length)
	}

	if instanceRows[0].Name == nil || *instanceRows[0].Name == "" {
		return "", fmt.Errorf("server reported an empty instance name")
	}

	return *instanceRows[0].Name, nil
}

// HostDimension returns the value of the host dimension: metric_host when configured,
// otherwise the server's own name, otherwise the first label of the configured hostname
func HostDimension(ctx context.Context, con *connection.SQLConnection, al *args.ArgumentList) string {
	if al.MetricHost != "" {
		return al.MetricHost
	}

	name, err := ServerName(ctx, con)
	if err == nil {
		return name
	}

	fallback := ClusterIdentifier(al.Hostname)
	log.Warn("Could not read the server name, using %s: %s", fallback, err.Error())
	return fallback
}

// ClusterIdentifier is the first DNS label of hostname, e.g. the cluster name of an
// Aurora endpoint
func ClusterIdentifier(hostname string) string {
	label, _, _ := strings.Cut(hostname, ".")
	return label
}

// CreateInstanceEntity creates the entity samples are reported on
func CreateInstanceEntity(i *integration.Integration, con *connection.SQLConnection, name string) (*integration.Entity, error) {
	namespace := "ms-instance"
	if con.Kind == args.SourcePostgres {
		namespace = "pg-instance"
	}

	endpointIDAttr := integration.NewIDAttribute("endpoint", con.Host)
	return i.EntityReportedVia(con.Host, name, namespace, endpointIDAttr)
}
