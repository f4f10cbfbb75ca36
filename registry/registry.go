// Package registry resolves the device catalog and provisions per-device
// event feeds on the upstream source.
//
// Catalog lookups degrade gracefully: a failed query yields an empty
// result and a logged warning rather than an error, so a flapping
// upstream never takes the serving path down with it.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/camelia-d-e/openfactory-sdk/errors"
	"github.com/camelia-d-e/openfactory-sdk/upstream"
)

// Catalog queries. The upstream catalog models every asset in a flat
// table; devices are the assets typed 'Device'.
const (
	devicesQuery = "SELECT ASSET_UUID FROM assets_type WHERE TYPE = 'Device';"

	dataItemsQueryFmt = "SELECT ID, VALUE FROM assets " +
		"WHERE ASSET_UUID = '%s' AND TYPE IN ('Events', 'Condition') " +
		"AND VALUE != 'UNAVAILABLE';"

	durationTotalsQueryFmt = "SELECT %s_POWER_KEY, TOTAL_DURATION_SEC " +
		"FROM %s_power_state_totals;"
)

// Option configures a Registry.
type Option func(*Registry) error

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		r.logger = logger
		return nil
	}
}

// WithAggregateDevice names the device that carries per-state duration
// statistics. Duration lookups for any other device return empty.
func WithAggregateDevice(deviceID string) Option {
	return func(r *Registry) error {
		r.aggregateDevice = deviceID
		return nil
	}
}

// Registry answers device catalog lookups and owns feed provisioning.
// Safe for concurrent use.
type Registry struct {
	source          upstream.Source
	logger          *slog.Logger
	aggregateDevice string

	mu    sync.Mutex
	feeds map[string]string // device id -> feed handle
}

// New creates a Registry backed by the given upstream source.
func New(source upstream.Source, opts ...Option) (*Registry, error) {
	if source == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("source cannot be nil"),
			"Registry", "New", "validate source")
	}

	r := &Registry{
		source: source,
		logger: slog.Default(),
		feeds:  make(map[string]string),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, errors.WrapInvalid(err, "Registry", "New", "apply option")
		}
	}
	return r, nil
}

// AggregateDevice returns the configured aggregate-bearing device id.
func (r *Registry) AggregateDevice() string {
	return r.aggregateDevice
}

// ListDevices returns the identifiers of all known devices. A failed
// catalog query yields an empty list.
func (r *Registry) ListDevices(ctx context.Context) []string {
	result, err := r.source.Query(ctx, devicesQuery)
	if err != nil {
		r.logger.Warn("Device catalog query failed, returning empty list",
			"error", err)
		return []string{}
	}
	devices := result.Strings("ASSET_UUID")
	if devices == nil {
		devices = []string{}
	}
	return devices
}

// DataItems returns the current value of every available data item on the
// device. A failed query yields an empty map.
func (r *Registry) DataItems(ctx context.Context, deviceID string) map[string]string {
	result, err := r.source.Query(ctx, fmt.Sprintf(dataItemsQueryFmt, deviceID))
	if err != nil {
		r.logger.Warn("Data item query failed, returning empty map",
			"device", deviceID, "error", err)
		return map[string]string{}
	}
	return result.StringMap("ID", "VALUE")
}

// DurationStats returns the accumulated per-state duration totals (in
// seconds) for the aggregate-bearing device. Other devices, and any query
// failure, yield an empty map.
func (r *Registry) DurationStats(ctx context.Context, deviceID string) map[string]float64 {
	stats := map[string]float64{}
	if deviceID == "" || deviceID != r.aggregateDevice {
		return stats
	}

	upper := strings.ToUpper(deviceID)
	lower := strings.ToLower(deviceID)
	result, err := r.source.Query(ctx, fmt.Sprintf(durationTotalsQueryFmt, upper, lower))
	if err != nil {
		r.logger.Warn("Duration totals query failed, returning empty stats",
			"device", deviceID, "error", err)
		return stats
	}

	keyColumn := upper + "_POWER_KEY"
	for _, row := range result.Rows {
		key, ok := row[keyColumn].(string)
		if !ok {
			continue
		}
		if secs, ok := toFloat(row["TOTAL_DURATION_SEC"]); ok {
			stats[key] = secs
		}
	}
	return stats
}

// toFloat coerces the numeric representations a decoded JSON row can hold.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// EnsureFeed provisions the device's event feed if it has not been
// provisioned by this registry yet and returns its handle. Repeated calls
// for the same device return the cached handle without touching upstream.
func (r *Registry) EnsureFeed(ctx context.Context, deviceID string) (string, error) {
	r.mu.Lock()
	if feed, ok := r.feeds[deviceID]; ok {
		r.mu.Unlock()
		return feed, nil
	}
	r.mu.Unlock()

	// Upstream creation is itself idempotent, so a racing duplicate call
	// converges on the same feed.
	feed, err := r.source.CreateFeed(ctx, deviceID)
	if err != nil {
		return "", errors.WrapTransient(err, "Registry", "EnsureFeed",
			fmt.Sprintf("provision feed for %s", deviceID))
	}

	r.mu.Lock()
	r.feeds[deviceID] = feed
	r.mu.Unlock()

	r.logger.Info("Provisioned device feed", "device", deviceID, "feed", feed)
	return feed, nil
}

// DropFeed tears down the device's feed and forgets its handle. Dropping
// a device with no provisioned feed still forwards to upstream, which
// treats an absent feed as already dropped.
func (r *Registry) DropFeed(ctx context.Context, deviceID string) error {
	if err := r.source.DropFeed(ctx, deviceID); err != nil {
		return errors.WrapTransient(err, "Registry", "DropFeed",
			fmt.Sprintf("drop feed for %s", deviceID))
	}

	r.mu.Lock()
	delete(r.feeds, deviceID)
	r.mu.Unlock()

	r.logger.Info("Dropped device feed", "device", deviceID)
	return nil
}

// ProvisionedFeeds returns a snapshot of the device ids with a live feed
// handle.
func (r *Registry) ProvisionedFeeds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.feeds))
	for id := range r.feeds {
		out = append(out, id)
	}
	return out
}
