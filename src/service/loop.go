// Package service drives the detect, enrich, aggregate and report cycle for the lifetime of the process
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/aggregator"
	"github.com/newrelic/nri-longquery/src/args"
	"github.com/newrelic/nri-longquery/src/detector"
	"github.com/newrelic/nri-longquery/src/enricher"
	"github.com/newrelic/nri-longquery/src/exclusion"
	"github.com/newrelic/nri-longquery/src/models"
)

// ErrCyclePanic wraps a panic recovered inside a poll cycle
var ErrCyclePanic = errors.New("poll cycle panicked")

// Phase is the lifecycle state of the loop
type Phase string

// Loop phases. Polling and Sleeping alternate until Stopping.
const (
	PhaseStarting   Phase = "Starting"
	PhasePolling    Phase = "Polling"
	PhaseSleeping   Phase = "Sleeping"
	PhaseStopping   Phase = "Stopping"
	PhaseTerminated Phase = "Terminated"
)

// State is owned by the loop and lives for one process
type State struct {
	Token               string
	StartedAt           time.Time
	Iterations          int
	ConsecutiveFailures int
	Phase               Phase
}

// Reporter sends poll results and lifecycle events to the backend
type Reporter interface {
	SendMetrics(ctx context.Context, lines []string) error
	SendLogs(ctx context.Context, entries []map[string]string) (int, error)
	SendLifecycle(ctx context.Context, event models.LifecycleEvent, dims aggregator.Dimensions) error
}

// SamplePublisher writes aggregated metrics locally
type SamplePublisher interface {
	Publish(m models.AggregatedMetrics) error
}

// Config holds the loop settings
type Config struct {
	ServiceName          string
	ThresholdSeconds     int
	Interval             time.Duration
	MaxRuntime           time.Duration
	MaxBackoff           time.Duration
	IncludeExecutionPlan bool
	StateDir             string
	Dimensions           aggregator.Dimensions
}

// ConfigFromArgs builds a Config from validated and defaulted arguments
func ConfigFromArgs(al *args.ArgumentList, dims aggregator.Dimensions) Config {
	return Config{
		ServiceName:          al.ServiceName,
		ThresholdSeconds:     al.ThresholdSeconds,
		Interval:             time.Duration(al.IntervalSeconds) * time.Second,
		MaxRuntime:           time.Duration(al.MaxRuntimeHours) * time.Hour,
		MaxBackoff:           time.Duration(al.MaxBackoffSeconds) * time.Second,
		IncludeExecutionPlan: al.IncludeExecutionPlan,
		StateDir:             al.StateDir,
		Dimensions:           dims,
	}
}

// Components are the pipeline stages the loop drives. Enricher and Samples are optional.
type Components struct {
	Rules    exclusion.Store
	Detector detector.Detector
	Enricher enricher.Enricher
	Reporter Reporter
	Samples  SamplePublisher
}

// Loop runs poll cycles strictly one after the other
type Loop struct {
	cfg   Config
	state State
	Components

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rss   func() (uint64, error)
}

// New creates a Loop in the Starting phase
func New(cfg Config, token string, c Components) *Loop {
	return &Loop{
		cfg:        cfg,
		state:      State{Token: token, Phase: PhaseStarting},
		Components: c,
		now:        time.Now,
		sleep:      sleepContext,
		rss:        processRSS,
	}
}

// State returns a copy of the loop state
func (l *Loop) State() State {
	return l.state
}

// Run emits START (or RESTART after a runtime bound exit) and polls until the maximum
// runtime is reached or ctx is cancelled. Failed cycles are reported and retried after
// a backoff, they never end the loop. Run returns nil so the supervisor restarts the process.
func (l *Loop) Run(ctx context.Context) error {
	l.state.StartedAt = l.now()
	l.state.Phase = PhaseStarting

	startType := models.LifecycleStart
	if l.consumeRestartMarker() {
		startType = models.LifecycleRestart
	}
	log.Info("Starting %s, polling every %s for queries over %ds", l.cfg.ServiceName, l.cfg.Interval, l.cfg.ThresholdSeconds)
	l.emit(ctx, startType, "")

	for {
		if ctx.Err() != nil {
			return l.stop(ctx, "collector interrupted")
		}

		if elapsed := l.now().Sub(l.state.StartedAt); elapsed >= l.cfg.MaxRuntime {
			log.Info("Maximum runtime of %s reached after %d polls, exiting for restart", l.cfg.MaxRuntime, l.state.Iterations)
			l.writeRestartMarker()
			return l.stop(ctx, "maximum runtime reached")
		}

		l.state.Phase = PhasePolling
		err := l.cycle(ctx)
		l.state.Iterations++

		wait := l.cfg.Interval
		if err != nil {
			if ctx.Err() != nil {
				return l.stop(ctx, "collector interrupted")
			}
			l.state.ConsecutiveFailures++
			log.Error("Poll %d failed (%d in a row): %s", l.state.Iterations, l.state.ConsecutiveFailures, err.Error())
			l.emit(ctx, models.LifecycleError, err.Error())
			wait = Backoff(l.cfg.Interval, l.cfg.MaxBackoff, l.state.ConsecutiveFailures)
		} else {
			l.state.ConsecutiveFailures = 0
		}

		l.state.Phase = PhaseSleeping
		log.Debug("Sleeping %s before next poll", wait)
		if err := l.sleep(ctx, wait); err != nil {
			return l.stop(ctx, "collector interrupted")
		}
	}
}

// RunOnce runs a single cycle without START or STOP events. A failure is reported as
// an ERROR event and returned.
func (l *Loop) RunOnce(ctx context.Context) error {
	l.state.StartedAt = l.now()
	l.state.Phase = PhasePolling

	err := l.cycle(ctx)
	l.state.Iterations++
	l.state.Phase = PhaseTerminated

	if err != nil {
		l.emit(ctx, models.LifecycleError, err.Error())
		return err
	}
	return nil
}

// cycle runs one Detect, Enrich, Aggregate, Send pass. Nothing is sent when rules or
// detection fail.
func (l *Loop) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCyclePanic, r)
		}
	}()

	rules, err := l.Rules.Load(ctx)
	if err != nil {
		return err
	}

	rows, err := l.Detector.Detect(ctx, l.cfg.ThresholdSeconds, rules)
	if err != nil {
		return err
	}

	if l.cfg.IncludeExecutionPlan && l.Enricher != nil && len(rows) > 0 {
		rows = enricher.Apply(rows, l.Enricher.Enrich(ctx, rows))
	}

	m := aggregator.Aggregate(rows)
	lines := aggregator.MetricLines(m, l.cfg.Dimensions)
	entries := aggregator.LogEntries(rows, l.cfg.Dimensions)

	if err := l.Reporter.SendMetrics(ctx, lines); err != nil {
		return err
	}

	if len(entries) > 0 {
		sent, err := l.Reporter.SendLogs(ctx, entries)
		if err != nil {
			return fmt.Errorf("sent %d of %d log entries: %w", sent, len(entries), err)
		}
	}

	if l.Samples != nil {
		if err := l.Samples.Publish(m); err != nil {
			log.Warn("Could not publish samples: %s", err.Error())
		}
	}

	log.Info("Poll %d: %d long running queries, %d blocked, %d metric lines sent", l.state.Iterations+1, m.TotalCount, m.BlockedCount, len(lines))
	return nil
}

func (l *Loop) stop(ctx context.Context, message string) error {
	l.state.Phase = PhaseStopping
	l.emit(context.WithoutCancel(ctx), models.LifecycleStop, message)
	l.state.Phase = PhaseTerminated
	return nil
}

// emit reports a lifecycle event. A failure is only logged locally.
func (l *Loop) emit(ctx context.Context, eventType models.LifecycleEventType, message string) {
	event := models.LifecycleEvent{
		Type:       eventType,
		Message:    message,
		Timestamp:  l.now(),
		Attributes: l.eventAttributes(),
	}
	if err := l.Reporter.SendLifecycle(ctx, event, l.cfg.Dimensions); err != nil {
		log.Warn("Could not report %s lifecycle event: %s", eventType, err.Error())
	}
}

func (l *Loop) eventAttributes() map[string]string {
	attrs := map[string]string{
		"service.name":                 l.cfg.ServiceName,
		"service.iterations":           fmt.Sprint(l.state.Iterations),
		"service.consecutive_failures": fmt.Sprint(l.state.ConsecutiveFailures),
		"service.phase":                string(l.state.Phase),
	}
	if !l.state.StartedAt.IsZero() {
		attrs["service.uptime_seconds"] = fmt.Sprint(int64(l.now().Sub(l.state.StartedAt).Seconds()))
	}
	if rss, err := l.rss(); err == nil {
		attrs["process.rss_bytes"] = fmt.Sprint(rss)
	} else {
		log.Debug("Could not read process memory: %s", err.Error())
	}
	return attrs
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
