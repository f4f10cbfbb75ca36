package upstream

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/camelia-d-e/openfactory-sdk/errors"
)

// Subjects and naming conventions shared with the rest of the platform.
const (
	// feedPrefix names the per-device JetStream stream.
	feedPrefix = "DEVICE_"
	// eventSubjectPrefix is the subject a device's events are published on.
	eventSubjectPrefix = "openfactory.events."
	// querySubject serves catalog and statistics queries over request/reply.
	querySubject = "openfactory.query"
	// commandSubject carries fire-and-forget device commands.
	commandSubject = "openfactory.cmd"
)

// queryRequest is the request envelope for catalog queries.
type queryRequest struct {
	SQL string `json:"sql"`
}

// queryResponse is the reply envelope. A non-empty Error means the query
// was rejected upstream.
type queryResponse struct {
	Rows  []Row  `json:"rows"`
	Error string `json:"error,omitempty"`
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithClientName sets the connection name advertised to the NATS server.
func WithClientName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithConnectTimeout sets the dial timeout.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("connect timeout must be positive, got %v", timeout)
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithQueryTimeout sets the request/reply timeout for Query.
func WithQueryTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("query timeout must be positive, got %v", timeout)
		}
		c.queryTimeout = timeout
		return nil
	}
}

// WithDrainTimeout bounds how long Close waits for in-flight messages.
func WithDrainTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("drain timeout must be positive, got %v", timeout)
		}
		c.drainTimeout = timeout
		return nil
	}
}

// Client is the NATS-backed Source implementation. Feeds are JetStream
// streams, one per device, and subscriptions are durable consumers so a
// reconnecting subscriber resumes where it left off.
type Client struct {
	url            string
	clientName     string
	connectTimeout time.Duration
	queryTimeout   time.Duration
	drainTimeout   time.Duration
	logger         *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	// Live consume contexts keyed by feed:group, stopped on Close.
	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	mu     sync.RWMutex
	closed atomic.Bool
}

// Compile-time check that Client satisfies Source.
var _ Source = (*Client)(nil)

// NewClient creates a NATS-backed Source for the given server URL.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("url cannot be empty"),
			"Client", "NewClient", "validate url")
	}

	c := &Client{
		url:            url,
		logger:         slog.Default(),
		connectTimeout: 5 * time.Second,
		queryTimeout:   10 * time.Second,
		drainTimeout:   30 * time.Second,
		consumers:      make(map[string]jetstream.ConsumeContext),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	return c, nil
}

// Connect establishes the NATS connection and the JetStream context.
func (c *Client) Connect(ctx context.Context) error {
	natsOpts := []nats.Option{
		nats.Timeout(c.connectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("Upstream connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("Upstream connection restored", "url", nc.ConnectedUrl())
		}),
	}
	if c.clientName != "" {
		natsOpts = append(natsOpts, nats.Name(c.clientName))
	}

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, natsOpts...)
		if err != nil {
			connectDone <- err
			return
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.logger.Info("Connected to upstream", "url", c.url)
	return nil
}

// Close stops all consumers and drains the connection. Safe to call more
// than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.consumersMu.Lock()
	for key, cc := range c.consumers {
		cc.Stop()
		c.logger.Debug("Stopped consumer", "consumer", key)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	drainTimeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- conn.Drain()
	}()

	var drainErr error
	select {
	case err := <-drainDone:
		if err != nil {
			drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		drainErr = errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", drainTimeout),
			"Client", "Close", "drain connection")
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}

	conn.Close()
	return drainErr
}

// connection returns the live NATS connection or an error if unavailable.
func (c *Client) connection() (*nats.Conn, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, errors.ErrUpstreamUnavailable
	}
	return conn, nil
}

// jetStream returns the JetStream context or an error if unavailable.
func (c *Client) jetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return nil, errors.ErrUpstreamUnavailable
	}
	return js, nil
}

// Query runs a catalog query over request/reply and decodes the tabular
// response.
func (c *Client) Query(ctx context.Context, sql string) (*Result, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Query", "check connection")
	}

	payload, err := json.Marshal(queryRequest{SQL: sql})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Query", "encode request")
	}

	queryCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}

	msg, err := conn.RequestWithContext(queryCtx, querySubject, payload)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrQueryFailed, err),
			"Client", "Query", "execute query")
	}

	var resp queryResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Query", "decode response")
	}
	if resp.Error != "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrQueryFailed, resp.Error),
			"Client", "Query", "execute query")
	}

	return &Result{Rows: resp.Rows}, nil
}

// FeedName returns the stream name backing a device's event feed.
func FeedName(deviceID string) string {
	return feedPrefix + sanitizeToken(deviceID)
}

// EventSubject returns the subject a device's events are published on.
func EventSubject(deviceID string) string {
	return eventSubjectPrefix + deviceID
}

// sanitizeToken maps a device identifier onto the character set JetStream
// accepts for stream and consumer names.
func sanitizeToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// CreateFeed declaratively materializes the per-device stream. JetStream's
// CreateOrUpdateStream makes repeated calls converge on the same stream, so
// provisioning is idempotent.
func (c *Client) CreateFeed(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("device id cannot be empty"),
			"Client", "CreateFeed", "validate device id")
	}

	js, err := c.jetStream()
	if err != nil {
		return "", errors.WrapTransient(err, "Client", "CreateFeed", "check connection")
	}

	name := FeedName(deviceID)
	cfg := jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{EventSubject(deviceID)},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}

	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return "", errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrFeedNotProvisioned, err),
			"Client", "CreateFeed", fmt.Sprintf("materialize feed %s", name))
	}

	c.logger.Debug("Feed materialized", "feed", name, "device", deviceID)
	return name, nil
}

// DropFeed deletes the per-device stream. An absent stream is treated as
// already dropped.
func (c *Client) DropFeed(ctx context.Context, deviceID string) error {
	js, err := c.jetStream()
	if err != nil {
		return errors.WrapTransient(err, "Client", "DropFeed", "check connection")
	}

	name := FeedName(deviceID)
	if err := js.DeleteStream(ctx, name); err != nil {
		if stderrors.Is(err, jetstream.ErrStreamNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "Client", "DropFeed",
			fmt.Sprintf("drop feed %s", name))
	}

	c.logger.Debug("Feed dropped", "feed", name, "device", deviceID)
	return nil
}

// clientSubscription wraps a ConsumeContext with idempotent teardown.
type clientSubscription struct {
	stop func()
	once sync.Once
}

func (s *clientSubscription) Unsubscribe() {
	s.once.Do(s.stop)
}

// Subscribe attaches handler to a feed through a durable consumer named
// after the group. Each event's key is recovered from its subject.
func (c *Client) Subscribe(
	ctx context.Context,
	feed, group string,
	handler EventHandler,
) (Subscription, error) {
	if c.closed.Load() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("client is closed"),
			"Client", "Subscribe", "check client state")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("handler cannot be nil"),
			"Client", "Subscribe", "validate handler")
	}

	js, err := c.jetStream()
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "check connection")
	}

	consumerCfg := jetstream.ConsumerConfig{
		Durable:       sanitizeToken(group),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, feed, consumerCfg)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Client", "Subscribe", fmt.Sprintf("create consumer on %s", feed))
	}

	logger := c.logger
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		var event RawEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			logger.Warn("Discarding undecodable event",
				"feed", feed, "error", err)
			msg.Ack()
			return
		}
		handler(keyFromSubject(msg.Subject()), event)
		msg.Ack()
	})
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Client", "Subscribe", fmt.Sprintf("consume feed %s", feed))
	}

	key := feed + ":" + group

	c.consumersMu.Lock()
	if c.closed.Load() {
		c.consumersMu.Unlock()
		consumeCtx.Stop()
		return nil, errors.WrapInvalid(
			fmt.Errorf("client is closing"),
			"Client", "Subscribe", "register consumer")
	}
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
		c.logger.Debug("Replaced existing consumer", "consumer", key)
	}
	c.consumers[key] = consumeCtx
	c.consumersMu.Unlock()

	sub := &clientSubscription{stop: func() {
		c.consumersMu.Lock()
		if c.consumers != nil && c.consumers[key] == consumeCtx {
			delete(c.consumers, key)
		}
		c.consumersMu.Unlock()
		consumeCtx.Stop()
	}}

	c.logger.Debug("Subscribed to feed", "feed", feed, "group", group)
	return sub, nil
}

// keyFromSubject recovers the device identifier from an event subject.
func keyFromSubject(subject string) string {
	return strings.TrimPrefix(subject, eventSubjectPrefix)
}

// SendCommand publishes a device command. Commands are best-effort: the
// caller learns whether the publish succeeded, not whether the device
// acted on it.
func (c *Client) SendCommand(_ context.Context, name, args string) error {
	conn, err := c.connection()
	if err != nil {
		return errors.WrapTransient(err, "Client", "SendCommand", "check connection")
	}

	payload, err := json.Marshal(map[string]string{
		"name": name,
		"args": args,
	})
	if err != nil {
		return errors.WrapInvalid(err, "Client", "SendCommand", "encode command")
	}

	if err := conn.Publish(commandSubject, payload); err != nil {
		return errors.WrapTransient(err, "Client", "SendCommand",
			fmt.Sprintf("publish command %s", name))
	}

	c.logger.Debug("Command sent", "command", name, "args", args)
	return nil
}
