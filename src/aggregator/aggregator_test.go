package aggregator

import (
	"math/rand"
	"testing"

	"github.com/newrelic/nri-longquery/src/models"
	"github.com/stretchr/testify/assert"
)

func sampleRows() []models.QuerySnapshotRow {
	return []models.QuerySnapshotRow{
		{SessionID: 51, DatabaseName: "Orders", DurationSeconds: 400, CPUTimeMs: 1000, Reads: 10, LogicalReads: 100, GrantedMemoryKb: 1024},
		{SessionID: 52, DatabaseName: "Orders", DurationSeconds: 90, CPUTimeMs: 500, Reads: 5, LogicalReads: 50, BlockingSessionID: 51},
		{SessionID: 53, DatabaseName: "Billing", DurationSeconds: 120, CPUTimeMs: 20, GrantedMemoryKb: 256, BlockingSessionID: 51},
		{SessionID: 54, DatabaseName: "", DurationSeconds: 61},
	}
}

func TestAggregate(t *testing.T) {
	m := Aggregate(sampleRows())

	assert.Equal(t, models.AggregatedMetrics{
		Databases: map[string]models.DatabaseSummary{
			"Orders":  {Count: 2, MaxDurationSeconds: 400, TotalDurationSeconds: 490, TotalCPUTimeMs: 1500, TotalReads: 15, TotalLogicalReads: 150, TotalMemoryKb: 1024},
			"Billing": {Count: 1, MaxDurationSeconds: 120, TotalDurationSeconds: 120, TotalCPUTimeMs: 20, TotalMemoryKb: 256},
			"unknown": {Count: 1, MaxDurationSeconds: 61, TotalDurationSeconds: 61},
		},
		TotalCount:                4,
		OverallMaxDurationSeconds: 400,
		BlockedCount:              2,
	}, m)

	assert.Equal(t, 245.0, m.Databases["Orders"].AvgDurationSeconds())
	assert.Equal(t, 0.0, models.DatabaseSummary{}.AvgDurationSeconds())
}

func TestAggregate_Empty(t *testing.T) {
	m := Aggregate(nil)

	assert.Equal(t, int64(0), m.TotalCount)
	assert.Equal(t, int64(0), m.OverallMaxDurationSeconds)
	assert.Equal(t, int64(0), m.BlockedCount)
	assert.NotNil(t, m.Databases)
	assert.Empty(t, m.Databases)
}

func TestAggregate_OrderIndependentAndIdempotent(t *testing.T) {
	rows := sampleRows()
	want := Aggregate(rows)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]models.QuerySnapshotRow(nil), rows...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Aggregate(shuffled))
	}
	assert.Equal(t, want, Aggregate(rows))
}
