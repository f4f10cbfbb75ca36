package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/camelia-d-e/openfactory-sdk/errors"
	"github.com/camelia-d-e/openfactory-sdk/pkg/retry"
)

// Declarative statements materializing per-state duration totals for the
// aggregate-bearing device. Each derivation is IF NOT EXISTS so repeated
// provisioning converges without clearing accumulated totals.
const (
	powerEventsStmtFmt = "CREATE STREAM IF NOT EXISTS %[1]s_power_events " +
		"WITH (KAFKA_TOPIC='power_events', PARTITIONS=1) AS " +
		"SELECT id AS key, asset_uuid, value, ROWTIME AS ts " +
		"FROM ASSETS_STREAM " +
		"WHERE asset_uuid = '%[2]s' AND id IN (%[3]s) " +
		"EMIT CHANGES;"

	latestStateStmtFmt = "CREATE TABLE IF NOT EXISTS latest_%[1]s_power_state AS " +
		"SELECT key, LATEST_BY_OFFSET(value) AS last_value, " +
		"LATEST_BY_OFFSET(ts) AS last_ts " +
		"FROM %[1]s_power_events GROUP BY key;"

	durationsStmtFmt = "CREATE STREAM IF NOT EXISTS %[1]s_power_durations AS " +
		"SELECT event.key, s.last_value AS state_just_ended, " +
		"(event.ts - s.last_ts) / 1000 AS duration_sec " +
		"FROM %[1]s_power_events event " +
		"JOIN latest_%[1]s_power_state s ON event.key = s.key " +
		"WHERE event.value IS DISTINCT FROM s.last_value " +
		"EMIT CHANGES;"

	totalsStmtFmt = "CREATE TABLE IF NOT EXISTS %[1]s_power_state_totals AS " +
		"SELECT CONCAT(EVENT_KEY, '_', STATE_JUST_ENDED) AS %[2]s_power_key, " +
		"SUM(DURATION_SEC) AS total_duration_sec, " +
		"COUNT(*) AS state_change_count " +
		"FROM %[1]s_power_durations " +
		"GROUP BY CONCAT(EVENT_KEY, '_', STATE_JUST_ENDED) " +
		"EMIT CHANGES;"
)

// EnsureDurationStats materializes the derivation chain that accumulates
// per-state duration totals for the aggregate-bearing device: raw power
// events, latest state per item, state-change durations, and the running
// totals that DurationStats reads. powerItems names the data items whose
// power state is tracked.
//
// Statements are issued independently with a short retry window, since
// the query engine often needs a moment after a restart before it
// accepts DDL. Malformed statements are not retried. A failed statement
// is logged and the rest still run, so a partially provisioned chain
// heals on the next call. Returns an error only when no aggregate
// device is configured.
func (r *Registry) EnsureDurationStats(ctx context.Context, powerItems []string) error {
	if r.aggregateDevice == "" {
		return errors.WrapInvalid(
			fmt.Errorf("no aggregate device configured"),
			"Registry", "EnsureDurationStats", "validate configuration")
	}
	if len(powerItems) == 0 {
		r.logger.Warn("No power items configured, skipping duration stats provisioning",
			"device", r.aggregateDevice)
		return nil
	}

	lower := strings.ToLower(r.aggregateDevice)
	upper := strings.ToUpper(r.aggregateDevice)

	quoted := make([]string, len(powerItems))
	for i, item := range powerItems {
		quoted[i] = "'" + item + "'"
	}
	itemList := strings.Join(quoted, ", ")

	statements := []struct {
		name string
		stmt string
	}{
		{"power events stream", fmt.Sprintf(powerEventsStmtFmt, lower, r.aggregateDevice, itemList)},
		{"latest state table", fmt.Sprintf(latestStateStmtFmt, lower)},
		{"durations stream", fmt.Sprintf(durationsStmtFmt, lower)},
		{"totals table", fmt.Sprintf(totalsStmtFmt, lower, upper)},
	}

	cfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	for _, s := range statements {
		stmt := s.stmt
		err := retry.Do(ctx, cfg, func() error {
			_, qerr := r.source.Query(ctx, stmt)
			if errors.IsInvalid(qerr) {
				return retry.NonRetryable(qerr)
			}
			return qerr
		})
		if err != nil {
			r.logger.Warn("Duration stats statement failed",
				"device", r.aggregateDevice, "statement", s.name, "error", err)
			continue
		}
		r.logger.Debug("Duration stats statement applied",
			"device", r.aggregateDevice, "statement", s.name)
	}
	return nil
}
