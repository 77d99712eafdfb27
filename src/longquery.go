package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/integration"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/aggregator"
	"github.com/newrelic/nri-longquery/src/args"
	"github.com/newrelic/nri-longquery/src/connection"
	"github.com/newrelic/nri-longquery/src/credential"
	"github.com/newrelic/nri-longquery/src/detector"
	"github.com/newrelic/nri-longquery/src/enricher"
	"github.com/newrelic/nri-longquery/src/exclusion"
	"github.com/newrelic/nri-longquery/src/instance"
	"github.com/newrelic/nri-longquery/src/sample"
	"github.com/newrelic/nri-longquery/src/service"
	"github.com/newrelic/nri-longquery/src/telemetry"
	"github.com/newrelic/nri-longquery/src/validation"
)

const (
	integrationName    = "com.newrelic.nri-longquery"
	integrationVersion = "0.1.0"
)

var argList args.ArgumentList

func main() {
	os.Exit(run())
}

func run() int {
	args.LoadEnvFiles()

	// Create Integration
	i, err := integration.New(integrationName, integrationVersion, integration.Args(&argList))
	if err != nil {
		return fail("Could not create integration: %s", err)
	}

	// Setup logging with verbose
	log.SetupLogging(argList.Verbose)

	// Validate arguments
	if err := configure(&argList); err != nil {
		return fail("Configuration error: %s", err)
	}
	log.Debug("Running with %s", argList)

	token, source, err := credential.Resolve(&argList)
	if err != nil {
		return fail("Configuration error: %s", err)
	}
	log.Info("Ingest token resolved from %s", source)

	// Create a new connection, the first poll surfaces an unreachable server
	con, err := connection.NewConnection(&argList)
	if err != nil {
		return fail("Error creating connection to %s: %s", argList.SourceKind, err)
	}
	defer con.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	preCtx, cancel := context.WithTimeout(ctx, time.Duration(argList.QueryTimeout)*time.Second)
	validation.ValidatePreConditions(preCtx, con)
	cancel()

	loop, err := newLoop(ctx, i, con, token)
	if err != nil {
		return fail("Configuration error: %s", err)
	}

	if argList.SingleRun {
		if err := loop.RunOnce(ctx); err != nil {
			return fail("Collection failed: %s", err)
		}
		return 0
	}

	if err := loop.Run(ctx); err != nil {
		return fail("Collector stopped: %s", err)
	}
	return 0
}

// configure overlays the collector config file then validates and defaults the arguments
func configure(al *args.ArgumentList) error {
	if err := al.ApplyConfigFile(); err != nil {
		return err
	}
	if err := al.Validate(); err != nil {
		return err
	}
	al.SetDefaults()
	return nil
}

func newLoop(ctx context.Context, i *integration.Integration, con *connection.SQLConnection, token string) (*service.Loop, error) {
	queryTimeout := time.Duration(argList.QueryTimeout) * time.Second

	rules, err := exclusion.NewStore(&argList, con)
	if err != nil {
		return nil, err
	}

	det, err := detector.New(argList.SourceKind, con, queryTimeout)
	if err != nil {
		return nil, err
	}

	hostCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	dims := aggregator.Dimensions{
		DBType: argList.SourceKind,
		Host:   instance.HostDimension(hostCtx, con, &argList),
	}

	components := service.Components{
		Rules:    rules,
		Detector: det,
		Reporter: telemetry.NewClient(&argList, token),
	}

	if argList.IncludeExecutionPlan {
		enr, err := enricher.New(argList.SourceKind, con, queryTimeout)
		if err != nil {
			return nil, err
		}
		components.Enricher = enr
	}

	if argList.PublishSamples {
		components.Samples = sample.NewPublisher(i, con, dims)
	}

	return service.New(service.ConfigFromArgs(&argList, dims), token, components), nil
}

// fail logs to stderr and returns the exit code for any unrecoverable error
func fail(format string, a ...interface{}) int {
	log.Error(format, a...)
	return 1
}
