package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camelia-d-e/openfactory-sdk/errors"
	"github.com/camelia-d-e/openfactory-sdk/upstream"
)

func TestListDevices(t *testing.T) {
	mock := upstream.NewMock()
	mock.QueryResults[devicesQuery] = &upstream.Result{Rows: []upstream.Row{
		{"ASSET_UUID": "IVAC"},
		{"ASSET_UUID": "PRESS-1"},
	}}

	r, err := New(mock)
	require.NoError(t, err)

	assert.Equal(t, []string{"IVAC", "PRESS-1"}, r.ListDevices(context.Background()))
}

func TestListDevicesDegradesToEmpty(t *testing.T) {
	mock := upstream.NewMock()
	mock.QueryFunc = func(context.Context, string) (*upstream.Result, error) {
		return nil, fmt.Errorf("catalog unreachable")
	}

	r, err := New(mock)
	require.NoError(t, err)

	devices := r.ListDevices(context.Background())
	assert.NotNil(t, devices)
	assert.Empty(t, devices)
}

func TestDataItems(t *testing.T) {
	mock := upstream.NewMock()
	query := fmt.Sprintf(dataItemsQueryFmt, "IVAC")
	mock.QueryResults[query] = &upstream.Result{Rows: []upstream.Row{
		{"ID": "A1ToolPlus", "VALUE": "ON"},
		{"ID": "A2BlastGate", "VALUE": "OPEN"},
	}}

	r, err := New(mock)
	require.NoError(t, err)

	items := r.DataItems(context.Background(), "IVAC")
	assert.Equal(t, map[string]string{
		"A1ToolPlus":  "ON",
		"A2BlastGate": "OPEN",
	}, items)
}

func TestDataItemsDegradesToEmpty(t *testing.T) {
	mock := upstream.NewMock()
	mock.QueryFunc = func(context.Context, string) (*upstream.Result, error) {
		return nil, fmt.Errorf("catalog unreachable")
	}

	r, err := New(mock)
	require.NoError(t, err)

	items := r.DataItems(context.Background(), "IVAC")
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestDurationStats(t *testing.T) {
	mock := upstream.NewMock()
	query := fmt.Sprintf(durationTotalsQueryFmt, "IVAC", "ivac")
	mock.QueryResults[query] = &upstream.Result{Rows: []upstream.Row{
		{"IVAC_POWER_KEY": "A1ToolPlus_ON", "TOTAL_DURATION_SEC": 125.5},
		{"IVAC_POWER_KEY": "A1ToolPlus_OFF", "TOTAL_DURATION_SEC": "300"},
		{"IVAC_POWER_KEY": "A2ToolPlus_ON", "TOTAL_DURATION_SEC": "garbage"},
	}}

	r, err := New(mock, WithAggregateDevice("IVAC"))
	require.NoError(t, err)

	stats := r.DurationStats(context.Background(), "IVAC")
	assert.Equal(t, map[string]float64{
		"A1ToolPlus_ON":  125.5,
		"A1ToolPlus_OFF": 300,
	}, stats)
}

func TestDurationStatsOnlyForAggregateDevice(t *testing.T) {
	mock := upstream.NewMock()
	mock.QueryFunc = func(context.Context, string) (*upstream.Result, error) {
		t.Fatal("no query expected for non-aggregate device")
		return nil, nil
	}

	r, err := New(mock, WithAggregateDevice("IVAC"))
	require.NoError(t, err)

	stats := r.DurationStats(context.Background(), "PRESS-1")
	assert.NotNil(t, stats)
	assert.Empty(t, stats)
}

func TestEnsureFeedIdempotent(t *testing.T) {
	mock := upstream.NewMock()
	r, err := New(mock)
	require.NoError(t, err)

	ctx := context.Background()
	feed1, err := r.EnsureFeed(ctx, "IVAC")
	require.NoError(t, err)
	feed2, err := r.EnsureFeed(ctx, "IVAC")
	require.NoError(t, err)

	assert.Equal(t, feed1, feed2)
	assert.Equal(t, 1, mock.CreateFeedCalls())
	assert.True(t, mock.HasFeed("IVAC"))
}

func TestEnsureFeedConcurrent(t *testing.T) {
	mock := upstream.NewMock()
	r, err := New(mock)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.EnsureFeed(context.Background(), "IVAC")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Racing first calls may each reach upstream; creation there is
	// idempotent, so the registry just needs a single surviving handle.
	assert.True(t, mock.HasFeed("IVAC"))
	assert.Equal(t, []string{"IVAC"}, r.ProvisionedFeeds())
}

func TestDropFeedForgetsHandle(t *testing.T) {
	mock := upstream.NewMock()
	r, err := New(mock)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = r.EnsureFeed(ctx, "IVAC")
	require.NoError(t, err)

	require.NoError(t, r.DropFeed(ctx, "IVAC"))
	assert.False(t, mock.HasFeed("IVAC"))
	assert.Empty(t, r.ProvisionedFeeds())

	// Re-provisioning after a drop reaches upstream again.
	_, err = r.EnsureFeed(ctx, "IVAC")
	require.NoError(t, err)
	assert.Equal(t, 2, mock.CreateFeedCalls())
}

func TestEnsureDurationStatsIssuesAllStatements(t *testing.T) {
	mock := upstream.NewMock()
	var statements []string
	mock.QueryFunc = func(_ context.Context, sql string) (*upstream.Result, error) {
		statements = append(statements, sql)
		return &upstream.Result{}, nil
	}

	r, err := New(mock, WithAggregateDevice("IVAC"))
	require.NoError(t, err)

	err = r.EnsureDurationStats(context.Background(), []string{"A1ToolPlus", "A2ToolPlus"})
	require.NoError(t, err)

	require.Len(t, statements, 4)
	assert.Contains(t, statements[0], "ivac_power_events")
	assert.Contains(t, statements[0], "'A1ToolPlus', 'A2ToolPlus'")
	assert.Contains(t, statements[1], "latest_ivac_power_state")
	assert.Contains(t, statements[2], "ivac_power_durations")
	assert.Contains(t, statements[3], "ivac_power_state_totals")
}

func TestEnsureDurationStatsContinuesPastFailures(t *testing.T) {
	mock := upstream.NewMock()
	var calls int
	mock.QueryFunc = func(context.Context, string) (*upstream.Result, error) {
		calls++
		if calls == 2 {
			return nil, errors.WrapInvalid(
				fmt.Errorf("statement rejected"),
				"Mock", "Query", "execute statement")
		}
		return &upstream.Result{}, nil
	}

	r, err := New(mock, WithAggregateDevice("IVAC"))
	require.NoError(t, err)

	err = r.EnsureDurationStats(context.Background(), []string{"A1ToolPlus"})
	require.NoError(t, err)

	// A rejected statement is not retried; the remaining statements in
	// the chain still run.
	assert.Equal(t, 4, calls)
}

func TestEnsureDurationStatsRetriesTransientFailures(t *testing.T) {
	mock := upstream.NewMock()
	var calls int
	mock.QueryFunc = func(context.Context, string) (*upstream.Result, error) {
		calls++
		if calls == 2 {
			return nil, fmt.Errorf("engine not ready")
		}
		return &upstream.Result{}, nil
	}

	r, err := New(mock, WithAggregateDevice("IVAC"))
	require.NoError(t, err)

	err = r.EnsureDurationStats(context.Background(), []string{"A1ToolPlus"})
	require.NoError(t, err)

	// The second statement fails once and succeeds on its retry, so all
	// four statements land with one extra query.
	assert.Equal(t, 5, calls)
}

func TestEnsureDurationStatsRequiresAggregateDevice(t *testing.T) {
	mock := upstream.NewMock()
	r, err := New(mock)
	require.NoError(t, err)

	err = r.EnsureDurationStats(context.Background(), []string{"A1ToolPlus"})
	assert.Error(t, err)
}
