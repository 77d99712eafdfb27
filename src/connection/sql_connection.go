// Package connection contains the SQLConnection type and methods for manipulating and querying the connection
package connection

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	// go-mssqldb and the pgx stdlib adapter register the database/sql drivers but aren't used in code
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/args"
)

// ApplicationName identifies the collector's own sessions on the server
const ApplicationName = "nri-longquery"

// SQLConnection represents a wrapper around a SQL Server or PostgreSQL connection
type SQLConnection struct {
	Connection *sqlx.DB
	Host       string
	Kind       string
}

// NewConnection creates a new SQLConnection from args. The pool is opened lazily so an
// unreachable server surfaces on the first query rather than at startup.
func NewConnection(args *args.ArgumentList) (*SQLConnection, error) {
	driver, dsn := "mssql", CreateConnectionURL(args)
	if args.SourceKind == "postgres" {
		driver, dsn = "pgx", CreatePostgresURL(args)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	// queries run strictly one after the other
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLConnection{
		Connection: db,
		Host:       args.Hostname,
		Kind:       args.SourceKind,
	}, nil
}

// Close closes the SQL connection. If an error occurs
// it is logged as a warning.
func (sc SQLConnection) Close() {
	if err := sc.Connection.Close(); err != nil {
		log.Warn("Unable to close SQL Connection: %s", err.Error())
	}
}

// QueryContext runs a query bounded by ctx and loads results into v
func (sc SQLConnection) QueryContext(ctx context.Context, v interface{}, query string) error {
	log.Debug("Running query: %s", query)
	return sc.Connection.SelectContext(ctx, v, query)
}

// QueryxContext runs a query bounded by ctx and returns a set of rows
func (sc SQLConnection) QueryxContext(ctx context.Context, query string) (*sqlx.Rows, error) {
	log.Debug("Running query: %s", query)
	return sc.Connection.QueryxContext(ctx, query)
}

// CreateConnectionURL tags in args and creates the SQL Server connection string.
// All args should be validated before calling this.
func CreateConnectionURL(args *args.ArgumentList) string {
	connectionURL := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(args.Username, args.Password),
		Host:   args.Hostname,
	}

	// If port is present use port if not user instance
	if args.Port != "" {
		connectionURL.Host = fmt.Sprintf("%s:%s", connectionURL.Host, args.Port)
	} else {
		connectionURL.Path = args.Instance
	}

	// Format query parameters
	query := url.Values{}
	if args.Database != "" {
		query.Add("database", args.Database)
	}
	query.Add("dial timeout", args.Timeout)
	query.Add("connection timeout", args.Timeout)
	query.Add("app name", ApplicationName)

	addExtraArgs(query, args.ExtraConnectionURLArgs)

	if args.EnableSSL {
		query.Add("encrypt", "true")

		query.Add("TrustServerCertificate", strconv.FormatBool(args.TrustServerCertificate))

		if !args.TrustServerCertificate {
			query.Add("certificate", args.CertificateLocation)
		}
	}

	connectionURL.RawQuery = query.Encode()

	return connectionURL.String()
}

// CreatePostgresURL tags in args and creates the PostgreSQL connection string.
// All args should be validated before calling this.
func CreatePostgresURL(args *args.ArgumentList) string {
	database := args.Database
	if database == "" {
		database = "postgres"
	}

	connectionURL := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(args.Username, args.Password),
		Host:   fmt.Sprintf("%s:%s", args.Hostname, args.Port),
		Path:   "/" + database,
	}

	query := url.Values{}
	query.Add("connect_timeout", args.Timeout)
	query.Add("application_name", ApplicationName)

	switch {
	case !args.EnableSSL:
		query.Add("sslmode", "prefer")
	case args.TrustServerCertificate:
		query.Add("sslmode", "require")
	default:
		query.Add("sslmode", "verify-full")
		query.Add("sslrootcert", args.CertificateLocation)
	}

	addExtraArgs(query, args.ExtraConnectionURLArgs)

	connectionURL.RawQuery = query.Encode()

	return connectionURL.String()
}

func addExtraArgs(query url.Values, extra string) {
	if extra == "" {
		return
	}
	extraArgsMap, err := url.ParseQuery(extra)
	if err != nil {
		log.Warn("Could not successfully parse ExtraConnectionURLArgs: %s", err.Error())
		return
	}
	for k, v := range extraArgsMap {
		query.Add(k, v[0])
	}
}
