// Package args contains the argument list, defined as a struct, along with methods that validate and default passed-in args
package args

import (
	"errors"
	"fmt"
	"strings"

	sdkArgs "github.com/newrelic/infra-integrations-sdk/v3/args"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
)

// Supported source kinds. They double as the db.type dimension value.
const (
	SourceMSSQL    = "mssql"
	SourcePostgres = "postgres"
)

const (
	// IntervalSecondsDefault is the poll interval used when none is configured.
	IntervalSecondsDefault = 60
	// IntervalSecondsMin is the shortest interval the collector will poll at.
	IntervalSecondsMin = 30
	// MaxRuntimeHoursDefault bounds the lifetime of one collector process.
	MaxRuntimeHoursDefault = 6
	// TimeoutSecondsDefault applies to the detector query and to each outbound HTTP call.
	TimeoutSecondsDefault = 30
	// LogBatchSizeMax is the ingest limit of log entries per request.
	LogBatchSizeMax = 100
	// MaxBackoffSecondsDefault caps the sleep after consecutive failed iterations.
	MaxBackoffSecondsDefault = 300

	mssqlDefaultPort    = "1433"
	postgresDefaultPort = "5432"
)

// ErrInvalidConfig is returned for any configuration that can not be used to start the collector
var ErrInvalidConfig = errors.New("invalid configuration")

// ArgumentList struct that holds all collector arguments
type ArgumentList struct {
	sdkArgs.DefaultArgumentList

	// Source
	SourceKind             string `default:"mssql" help:"Database engine to poll: mssql or postgres"`
	Username               string `default:"" help:"The database connection user name"`
	Password               string `default:"" help:"The database connection password"`
	Instance               string `default:"" help:"The Microsoft SQL Server instance to connect to"`
	Hostname               string `default:"127.0.0.1" help:"The database connection host name"`
	Port                   string `default:"" help:"The database port to connect to. Only needed when instance not specified"`
	Database               string `default:"" help:"Database to connect to. For postgres this is the maintenance database used to read pg_stat_activity"`
	EnableSSL              bool   `default:"false" help:"If true will use SSL encryption, false will not use encryption"`
	TrustServerCertificate bool   `default:"false" help:"If true server certificate is not verified for SSL. If false certificate will be verified against supplied certificate"`
	CertificateLocation    string `default:"" help:"Certificate file to verify SSL encryption against"`
	Timeout                string `default:"30" help:"Timeout in seconds for establishing a connection"`
	ExtraConnectionURLArgs string `default:"" help:"Appends additional parameters to connection url. Ex. 'applicationintent=readonly&foo=bar'"`
	QueryTimeout           int    `default:"30" help:"Timeout in seconds for the long running query detection query"`
	ThresholdSeconds       int    `default:"60" help:"Queries running longer than this many seconds are reported"`
	IncludeExecutionPlan   bool   `default:"false" help:"Attach Query Store / pg_stat_statements identifiers to reported queries"`
	ExclusionTable         string `default:"" help:"Table holding exclusion rules (match_field, pattern, threshold_seconds, is_active)"`
	ExclusionFile          string `default:"" help:"YAML file holding exclusion rules, used when no exclusion table is configured"`

	// Telemetry
	EndpointURL    string `default:"" help:"Telemetry backend base URL, e.g. https://abc123.live.dynatrace.com"`
	TokenEnvVar    string `default:"" help:"Name of the environment variable holding the ingest token"`
	TokenSecretRef string `default:"" help:"Name of the OS credential store entry holding the ingest token"`
	Token          string `default:"" help:"Ingest token literal. Last resort, prefer token_env_var or token_secret_ref"`
	MetricsTimeout int    `default:"30" help:"Timeout in seconds for a metrics ingest request"`
	LogsTimeout    int    `default:"30" help:"Timeout in seconds for each log ingest batch"`
	LogBatchSize   int    `default:"100" help:"Log entries per ingest request. Max 100"`
	MetricHost     string `default:"" help:"Value of the host dimension. Defaults to the server name reported by the database"`

	// Service
	IntervalSeconds   int    `default:"60" help:"Seconds between polls. Minimum 30"`
	MaxRuntimeHours   int    `default:"6" help:"Hours after which the collector exits cleanly so its supervisor restarts it"`
	ServiceName       string `default:"nri-longquery" help:"Service name reported with lifecycle events"`
	SingleRun         bool   `default:"false" help:"Run a single collection cycle and exit"`
	StateDir          string `default:"" help:"Directory for the restart marker. Defaults to the OS temp directory"`
	MaxBackoffSeconds int    `default:"300" help:"Upper bound of the sleep after consecutive failed polls"`
	PublishSamples    bool   `default:"false" help:"Also publish aggregated metrics as integration samples on stdout"`

	CollectorConfig string `default:"" help:"YAML file with source, telemetry and service sections overriding the flags"`
}

// Validate validates collector specific arguments
func (al *ArgumentList) Validate() error {
	al.SourceKind = strings.ToLower(strings.TrimSpace(al.SourceKind))
	if al.SourceKind == "postgresql" {
		al.SourceKind = SourcePostgres
	}

	if al.SourceKind != SourceMSSQL && al.SourceKind != SourcePostgres {
		return fmt.Errorf("%w: source_kind must be %s or %s, got %q", ErrInvalidConfig, SourceMSSQL, SourcePostgres, al.SourceKind)
	}

	if al.Username == "" {
		return fmt.Errorf("%w: must specify a username", ErrInvalidConfig)
	}

	if al.Hostname == "" {
		return fmt.Errorf("%w: must specify a hostname", ErrInvalidConfig)
	}

	if al.Port != "" && al.Instance != "" {
		return fmt.Errorf("%w: specify either port or instance but not both", ErrInvalidConfig)
	}

	if al.Instance != "" && al.SourceKind == SourcePostgres {
		return fmt.Errorf("%w: instance is only supported for mssql", ErrInvalidConfig)
	}

	if al.EnableSSL && (!al.TrustServerCertificate && al.CertificateLocation == "") {
		return fmt.Errorf("%w: must specify a certificate file when using SSL and not trusting server certificate", ErrInvalidConfig)
	}

	if al.ThresholdSeconds <= 0 {
		return fmt.Errorf("%w: threshold_seconds must be positive, got %d", ErrInvalidConfig, al.ThresholdSeconds)
	}

	if al.EndpointURL == "" {
		return fmt.Errorf("%w: must specify an endpoint_url", ErrInvalidConfig)
	}

	return nil
}

// SetDefaults replaces missing or out of range values with their defaults. Call after Validate.
func (al *ArgumentList) SetDefaults() {
	if al.Port == "" && al.Instance == "" {
		al.Port = mssqlDefaultPort
		if al.SourceKind == SourcePostgres {
			al.Port = postgresDefaultPort
		}
		log.Info("Both port and instance were not specified using default port of %s", al.Port)
	}

	if al.IntervalSeconds <= 0 {
		al.IntervalSeconds = IntervalSecondsDefault
	} else if al.IntervalSeconds < IntervalSecondsMin {
		log.Warn("Interval of %d seconds is below the minimum, setting to %d", al.IntervalSeconds, IntervalSecondsMin)
		al.IntervalSeconds = IntervalSecondsMin
	}

	if al.MaxRuntimeHours <= 0 {
		al.MaxRuntimeHours = MaxRuntimeHoursDefault
	}

	if al.LogBatchSize <= 0 || al.LogBatchSize > LogBatchSizeMax {
		if al.LogBatchSize > LogBatchSizeMax {
			log.Warn("Log batch size %d is greater than max supported value, setting to %d", al.LogBatchSize, LogBatchSizeMax)
		}
		al.LogBatchSize = LogBatchSizeMax
	}

	al.QueryTimeout = positiveOrDefault(al.QueryTimeout, TimeoutSecondsDefault)
	al.MetricsTimeout = positiveOrDefault(al.MetricsTimeout, TimeoutSecondsDefault)
	al.LogsTimeout = positiveOrDefault(al.LogsTimeout, TimeoutSecondsDefault)

	if al.MaxBackoffSeconds < al.IntervalSeconds {
		al.MaxBackoffSeconds = max(MaxBackoffSecondsDefault, al.IntervalSeconds)
	}

	if al.ServiceName == "" {
		al.ServiceName = "nri-longquery"
	}
}

func positiveOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// String hides the secrets so the argument list can be logged
func (al ArgumentList) String() string {
	return fmt.Sprintf("source_kind=%s hostname=%s port=%s instance=%s username=%s database=%s threshold_seconds=%d endpoint_url=%s interval_seconds=%d max_runtime_hours=%d single_run=%t",
		al.SourceKind, al.Hostname, al.Port, al.Instance, al.Username, al.Database, al.ThresholdSeconds, al.EndpointURL, al.IntervalSeconds, al.MaxRuntimeHours, al.SingleRun)
}
