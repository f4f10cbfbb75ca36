package relay

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
)

// listen maintains one device's broker connection until ctx is
// cancelled. Every connection failure bumps the retry counter and
// sleeps the backoff delay; a successful connect resets the counter,
// so a long-stable connection that drops reconnects quickly.
func (r *Relay) listen(ctx context.Context, deviceID string) {
	defer r.wg.Done()

	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := r.dial(ctx, deviceID)
		if err != nil {
			r.errorCount.Add(1)
			retries++
			if r.giveUp(deviceID, retries) {
				return
			}
			delay := r.backoff.Delay(retries)
			r.logger.Warn("Broker dial failed, backing off",
				"device", deviceID, "retries", retries, "delay", delay, "error", err)
			if r.metrics != nil {
				r.metrics.reconnectsTotal.WithLabelValues(deviceID).Inc()
			}
			if err := r.backoff.Sleep(ctx, retries); err != nil {
				return
			}
			continue
		}

		retries = 0
		if r.metrics != nil {
			r.metrics.listenersUp.Inc()
		}
		r.logger.Info("Device listener connected", "device", deviceID)

		r.receive(ctx, deviceID, conn)

		if r.metrics != nil {
			r.metrics.listenersUp.Dec()
		}
		if ctx.Err() != nil {
			return
		}

		retries++
		if r.giveUp(deviceID, retries) {
			return
		}
		delay := r.backoff.Delay(retries)
		r.logger.Warn("Broker connection lost, backing off",
			"device", deviceID, "retries", retries, "delay", delay)
		if r.metrics != nil {
			r.metrics.reconnectsTotal.WithLabelValues(deviceID).Inc()
		}
		if err := r.backoff.Sleep(ctx, retries); err != nil {
			return
		}
	}
}

// giveUp reports whether the retry budget is exhausted. A zero budget
// means retry forever.
func (r *Relay) giveUp(deviceID string, retries int) bool {
	if r.maxRetries > 0 && retries > r.maxRetries {
		r.logger.Error("Device listener giving up",
			"device", deviceID, "retries", retries-1)
		if r.healthMonitor != nil {
			r.healthMonitor.UpdateDegraded("relay",
				"listener for "+deviceID+" exhausted retries")
		}
		return true
	}
	return false
}

func (r *Relay) dial(ctx context.Context, deviceID string) (*websocket.Conn, error) {
	conn, resp, err := r.dialer.DialContext(ctx, r.endpoint("/ws/devices/"+deviceID), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// receive pumps broker frames onto the output feed until the connection
// ends. A frame that fails to decode is logged and skipped; broker
// heartbeat pings are consumed here rather than relayed, since the
// downstream feed has its own keep-alive discipline.
func (r *Relay) receive(ctx context.Context, deviceID string, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	// Closing the connection is what unblocks ReadMessage on cancel.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Debug("Device listener read failed",
					"device", deviceID, "error", err)
			}
			return
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			r.errorCount.Add(1)
			if r.metrics != nil {
				r.metrics.decodeFailures.WithLabelValues(deviceID).Inc()
			}
			r.logger.Warn("Dropping undecodable frame",
				"device", deviceID, "error", err)
			continue
		}
		if frame["event"] == "ping" {
			continue
		}

		r.publish(Event{DeviceUUID: deviceID, Frame: frame})
	}
}
