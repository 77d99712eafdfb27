// Package sample publishes the aggregated metrics of a poll as integration samples on stdout
package sample

import (
	"sort"

	"github.com/newrelic/infra-integrations-sdk/v3/data/attribute"
	"github.com/newrelic/infra-integrations-sdk/v3/data/metric"
	"github.com/newrelic/infra-integrations-sdk/v3/integration"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/aggregator"
	"github.com/newrelic/nri-longquery/src/connection"
	"github.com/newrelic/nri-longquery/src/instance"
	"github.com/newrelic/nri-longquery/src/models"
)

// Event types of the published samples
const (
	DatabaseEventType = "LongRunningQuerySample"
	SummaryEventType  = "LongRunningQuerySummarySample"
)

// Publisher writes one sample per database plus a summary sample for every poll
type Publisher struct {
	i    *integration.Integration
	conn *connection.SQLConnection
	dims aggregator.Dimensions
}

// NewPublisher creates a Publisher reporting on the instance entity named dims.Host
func NewPublisher(i *integration.Integration, conn *connection.SQLConnection, dims aggregator.Dimensions) *Publisher {
	return &Publisher{i: i, conn: conn, dims: dims}
}

// DBMetricSetLookup maps database names to their metric set
type DBMetricSetLookup map[string]*metric.Set

// CreateDBMetricSetLookup creates a metric set for each database on the instance entity
func CreateDBMetricSetLookup(e *integration.Entity, dbNames []string, dims aggregator.Dimensions) DBMetricSetLookup {
	lookup := make(DBMetricSetLookup, len(dbNames))
	for _, name := range dbNames {
		lookup[name] = e.NewMetricSet(DatabaseEventType,
			attribute.Attr("displayName", name),
			attribute.Attr("database", name),
			attribute.Attr("dbType", dims.DBType),
			attribute.Attr("host", dims.Host),
		)
	}
	return lookup
}

// Publish writes m and clears the integration for the next poll
func (p *Publisher) Publish(m models.AggregatedMetrics) error {
	e, err := instance.CreateInstanceEntity(p.i, p.conn, p.dims.Host)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(m.Databases))
	for name := range m.Databases {
		names = append(names, name)
	}
	sort.Strings(names)

	lookup := CreateDBMetricSetLookup(e, names, p.dims)
	for _, name := range names {
		s := m.Databases[name]
		setMetrics(lookup[name], map[string]int64{
			"longQueries.count":                s.Count,
			"longQueries.maxDurationSeconds":   s.MaxDurationSeconds,
			"longQueries.totalDurationSeconds": s.TotalDurationSeconds,
			"longQueries.totalCpuMs":           s.TotalCPUTimeMs,
			"longQueries.totalReads":           s.TotalReads,
			"longQueries.totalLogicalReads":    s.TotalLogicalReads,
			"longQueries.totalMemoryKb":        s.TotalMemoryKb,
		})
		if err := lookup[name].SetMetric("longQueries.avgDurationSeconds", s.AvgDurationSeconds(), metric.GAUGE); err != nil {
			log.Error("Could not set metric longQueries.avgDurationSeconds: %s", err.Error())
		}
	}

	summary := e.NewMetricSet(SummaryEventType,
		attribute.Attr("dbType", p.dims.DBType),
		attribute.Attr("host", p.dims.Host),
	)
	setMetrics(summary, map[string]int64{
		"longQueries.totalCount":                m.TotalCount,
		"longQueries.overallMaxDurationSeconds": m.OverallMaxDurationSeconds,
		"longQueries.blockedCount":              m.BlockedCount,
	})

	if err := p.i.Publish(); err != nil {
		return err
	}
	p.i.Clear()

	return nil
}

func setMetrics(set *metric.Set, values map[string]int64) {
	for name, value := range values {
		if err := set.SetMetric(name, value, metric.GAUGE); err != nil {
			log.Error("Could not set metric %s: %s", name, err.Error())
		}
	}
}
