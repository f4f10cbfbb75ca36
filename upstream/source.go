package upstream

import (
	"context"
	"fmt"
)

// RawEvent is one device change event as delivered by the upstream source.
// The device identifier travels separately (as the event key); the ingest
// adapter attaches it before dispatch.
type RawEvent struct {
	ID        string `json:"id"`
	Value     any    `json:"value"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Row is one row of a tabular query result, keyed by column name.
type Row map[string]any

// Result is the tabular response to a catalog query.
type Result struct {
	Rows []Row `json:"rows"`
}

// Strings extracts a column as strings, skipping rows where the column is
// absent or not a string.
func (r *Result) Strings(column string) []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		if v, ok := row[column].(string); ok {
			out = append(out, v)
		}
	}
	return out
}

// StringMap extracts two columns as a key→value mapping, skipping rows
// where the key column is absent. Values are stringified.
func (r *Result) StringMap(keyColumn, valueColumn string) map[string]string {
	out := make(map[string]string)
	if r == nil {
		return out
	}
	for _, row := range r.Rows {
		key, ok := row[keyColumn].(string)
		if !ok {
			continue
		}
		if val, ok := row[valueColumn]; ok {
			out[key] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

// EventHandler receives feed events: the event key (device identifier) and
// the decoded event payload.
type EventHandler func(key string, event RawEvent)

// Subscription is a live feed subscription. Unsubscribe stops delivery and
// is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// Source is the upstream event source consumed by the broker. All methods
// are safe for concurrent use.
type Source interface {
	// Query runs an ad hoc catalog/statistics query and returns a tabular
	// result.
	Query(ctx context.Context, sql string) (*Result, error)

	// CreateFeed declaratively materializes the per-device event feed and
	// returns its handle. Idempotent: an existing feed is returned as-is.
	CreateFeed(ctx context.Context, deviceID string) (string, error)

	// DropFeed tears down the per-device feed. Dropping an absent feed is
	// not an error.
	DropFeed(ctx context.Context, deviceID string) error

	// Subscribe attaches handler to a materialized feed under the given
	// group identity. Delivery is asynchronous until Unsubscribe.
	Subscribe(ctx context.Context, feed, group string, handler EventHandler) (Subscription, error)

	// SendCommand publishes a fire-and-forget device command.
	SendCommand(ctx context.Context, name, args string) error
}
