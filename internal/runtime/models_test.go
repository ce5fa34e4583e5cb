package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rabbitflow/broker"
	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	"github.com/drblury/rabbitflow/internal/runtime/jsoncodec"
)

func TestBindingStatsCollectsMetrics(t *testing.T) {
	stats := newBindingStats(nil)

	call := stats.onMessageStart()
	assert.Equal(t, uint64(1), stats.Backlog.InFlight)
	stats.onMessageFinish(call, 5*time.Millisecond, nil, nil)

	call = stats.onMessageStart()
	stats.onMessageFinish(call, 15*time.Millisecond, errors.New("publish failed"), nil)

	stats.mu.Lock()
	defer stats.mu.Unlock()
	assert.Equal(t, uint64(2), stats.MessagesProcessed)
	assert.Equal(t, uint64(1), stats.MessagesFailed)
	assert.Zero(t, stats.Backlog.InFlight)
	assert.Equal(t, uint64(1), stats.Backlog.MaxInFlight)
	assert.Equal(t, uint64(1), stats.Errors.Other)
	assert.Equal(t, "publish failed", stats.Errors.LastError)
	assert.Equal(t, uint64(2), stats.Throughput.TotalMessages)
	assert.Equal(t, 2, stats.Latency.SampleSize)
	assert.Equal(t, int64(10*time.Millisecond), stats.Latency.AverageNs)
	assert.Equal(t, int64(15*time.Millisecond), stats.Latency.LastNs)
	assert.False(t, stats.LastProcessedAt.IsZero())
}

func TestBindingStatsNilIsSafe(t *testing.T) {
	var stats *BindingStats
	assert.NotPanics(t, func() {
		stats.onMessageFinish(stats.onMessageStart(), time.Millisecond, nil, nil)
	})
}

func TestBindingStatsMarshalJSON(t *testing.T) {
	stats := newBindingStats(newResourceTracker())
	stats.onMessageFinish(stats.onMessageStart(), time.Millisecond, nil, nil)

	data, err := jsoncodec.Marshal(BindingInfo{Channel: "orders", Type: "SUB", Stats: stats})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, jsoncodec.Unmarshal(data, &decoded))
	assert.Equal(t, "orders", decoded["channel"])
	inner, ok := decoded["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), inner["messages_processed"])
	assert.NotContains(t, inner, "latencyWindow")
}

func TestDefaultErrorClassifier(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ErrorCategoryNone},
		{&errspkg.ParsePayloadError{Err: errors.New("bad")}, ErrorCategoryValidation},
		{&PipelineError{Err: &errspkg.ParsePayloadError{Err: errors.New("bad")}}, ErrorCategoryValidation},
		{&errspkg.ConnectionError{Err: errors.New("down")}, ErrorCategoryTransport},
		{fmt.Errorf("publish: %w", broker.ErrNotConnected), ErrorCategoryTransport},
		{broker.ErrUnexpectedClose, ErrorCategoryTransport},
		{context.DeadlineExceeded, ErrorCategoryDownstream},
		{errors.New("anything else"), ErrorCategoryOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, defaultErrorClassifier(tc.err), "%v", tc.err)
	}
}

func TestErrorBreakdownRecord(t *testing.T) {
	var e ErrorBreakdown
	e.Record(ErrorCategoryNone, nil)
	e.Record(ErrorCategoryNone, errors.New("odd"))
	e.Record(ErrorCategoryValidation, errors.New("v"))
	e.Record(ErrorCategoryTransport, errors.New("t"))
	e.Record(ErrorCategoryDownstream, errors.New("d"))
	e.Record("custom", errors.New("c"))

	assert.Equal(t, ErrorBreakdown{Validation: 1, Transport: 1, Downstream: 1, Other: 2, LastError: "c"}, e)
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	lw := newLatencyWindow(3)
	for i := 1; i <= 5; i++ {
		lw.Add(time.Duration(i))
	}
	snap := lw.Snapshot()
	assert.Equal(t, 3, snap.SampleSize)
	assert.Equal(t, int64(4), snap.AverageNs)
	assert.Equal(t, int64(4), snap.P50Ns)
	assert.Equal(t, int64(5), snap.LastNs)
	assert.Equal(t, LatencyMetrics{}, newLatencyWindow(0).Snapshot())
}

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40}
	assert.Equal(t, int64(10), percentile(samples, 0))
	assert.Equal(t, int64(40), percentile(samples, 1))
	assert.Equal(t, int64(25), percentile(samples, 0.5))
	assert.Zero(t, percentile(nil, 0.5))
}

func TestThroughputWindowDropsOldSamples(t *testing.T) {
	tw := newThroughputWindow(time.Second)
	base := time.Now()
	tw.AddAndSnapshot(base)
	tw.AddAndSnapshot(base.Add(500 * time.Millisecond))
	snap := tw.AddAndSnapshot(base.Add(2 * time.Second))

	assert.Equal(t, 1, snap.Count)

	snap = tw.AddAndSnapshot(base.Add(2500 * time.Millisecond))
	assert.Equal(t, 2, snap.Count)
	assert.InDelta(t, 0.5, snap.WindowSeconds, 0.001)
	assert.InDelta(t, 4.0, snap.CurrentRPS, 0.01)
}
