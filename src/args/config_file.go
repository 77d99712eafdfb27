package args

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"gopkg.in/yaml.v2"
)

// envFiles are tried in order, the first one found is loaded
var envFiles = []string{".env", "/etc/nri-longquery/.env"}

// LoadEnvFiles loads the first .env file found into the process environment without
// overriding variables that are already set. It must run before the SDK parses the
// argument list so those variables are picked up as arguments.
func LoadEnvFiles() {
	for _, path := range envFiles {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			log.Warn("Could not load env file %s: %s", path, err.Error())
			continue
		}
		log.Debug("Loaded environment from %s", path)
		return
	}
}

// fileConfig mirrors the nested collector configuration. Pointers distinguish an
// absent key from a zero value so only present keys override the flags.
type fileConfig struct {
	Source struct {
		Kind                   *string `yaml:"kind"`
		Hostname               *string `yaml:"hostname"`
		Port                   *string `yaml:"port"`
		Instance               *string `yaml:"instance"`
		Username               *string `yaml:"username"`
		Password               *string `yaml:"password"`
		Database               *string `yaml:"database"`
		ExtraConnectionURLArgs *string `yaml:"extra_connection_url_args"`
		EnableSSL              *bool   `yaml:"enable_ssl"`
		TrustServerCertificate *bool   `yaml:"trust_server_certificate"`
		CertificateLocation    *string `yaml:"certificate_location"`
		QueryTimeout           *int    `yaml:"query_timeout"`
		ThresholdSeconds       *int    `yaml:"threshold_seconds"`
		IncludeExecutionPlan   *bool   `yaml:"include_execution_plan"`
		ExclusionTable         *string `yaml:"exclusion_table"`
		ExclusionFile          *string `yaml:"exclusion_file"`
	} `yaml:"source"`
	Telemetry struct {
		EndpointURL    *string `yaml:"endpoint_url"`
		TokenEnvVar    *string `yaml:"token_env_var"`
		TokenSecretRef *string `yaml:"token_secret_ref"`
		Token          *string `yaml:"token"`
		MetricsTimeout *int    `yaml:"metrics_timeout"`
		LogsTimeout    *int    `yaml:"logs_timeout"`
		LogBatchSize   *int    `yaml:"log_batch_size"`
		MetricHost     *string `yaml:"metric_host"`
	} `yaml:"telemetry"`
	Service struct {
		IntervalSeconds   *int    `yaml:"interval_seconds"`
		MaxRuntimeHours   *int    `yaml:"max_runtime_hours"`
		Name              *string `yaml:"name"`
		SingleRun         *bool   `yaml:"single_run"`
		StateDir          *string `yaml:"state_dir"`
		MaxBackoffSeconds *int    `yaml:"max_backoff_seconds"`
		PublishSamples    *bool   `yaml:"publish_samples"`
	} `yaml:"service"`
}

// ApplyConfigFile overlays the YAML file named by CollectorConfig on top of the argument list
func (al *ArgumentList) ApplyConfigFile() error {
	if al.CollectorConfig == "" {
		return nil
	}

	b, err := os.ReadFile(al.CollectorConfig)
	if err != nil {
		return fmt.Errorf("%w: failed to read collector_config: %w", ErrInvalidConfig, err)
	}

	return al.applyConfig(b)
}

func (al *ArgumentList) applyConfig(b []byte) error {
	var c fileConfig
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return fmt.Errorf("%w: failed to parse collector_config: %w", ErrInvalidConfig, err)
	}

	s := c.Source
	setString(&al.SourceKind, s.Kind)
	setString(&al.Hostname, s.Hostname)
	setString(&al.Port, s.Port)
	setString(&al.Instance, s.Instance)
	setString(&al.Username, s.Username)
	setString(&al.Password, s.Password)
	setString(&al.Database, s.Database)
	setString(&al.ExtraConnectionURLArgs, s.ExtraConnectionURLArgs)
	setBool(&al.EnableSSL, s.EnableSSL)
	setBool(&al.TrustServerCertificate, s.TrustServerCertificate)
	setString(&al.CertificateLocation, s.CertificateLocation)
	setInt(&al.QueryTimeout, s.QueryTimeout)
	setInt(&al.ThresholdSeconds, s.ThresholdSeconds)
	setBool(&al.IncludeExecutionPlan, s.IncludeExecutionPlan)
	setString(&al.ExclusionTable, s.ExclusionTable)
	setString(&al.ExclusionFile, s.ExclusionFile)

	t := c.Telemetry
	setString(&al.EndpointURL, t.EndpointURL)
	setString(&al.TokenEnvVar, t.TokenEnvVar)
	setString(&al.TokenSecretRef, t.TokenSecretRef)
	setString(&al.Token, t.Token)
	setInt(&al.MetricsTimeout, t.MetricsTimeout)
	setInt(&al.LogsTimeout, t.LogsTimeout)
	setInt(&al.LogBatchSize, t.LogBatchSize)
	setString(&al.MetricHost, t.MetricHost)

	sv := c.Service
	setInt(&al.IntervalSeconds, sv.IntervalSeconds)
	setInt(&al.MaxRuntimeHours, sv.MaxRuntimeHours)
	setString(&al.ServiceName, sv.Name)
	setBool(&al.SingleRun, sv.SingleRun)
	setString(&al.StateDir, sv.StateDir)
	setInt(&al.MaxBackoffSeconds, sv.MaxBackoffSeconds)
	setBool(&al.PublishSamples, sv.PublishSamples)

	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
