package broker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camelia-d-e/openfactory-sdk/registry"
	"github.com/camelia-d-e/openfactory-sdk/upstream"
)

// wsConn is the slice of *websocket.Conn a session uses, separated so
// tests can drive sessions with an in-memory connection.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ wsConn = (*websocket.Conn)(nil)

// session runs one viewer's device websocket: a sender loop draining the
// connection's outbound queue with heartbeat pings on idle, and a
// receiver loop handling client commands under a read deadline. The
// loops share a context so either one failing tears both down, and the
// connection leaves the registry exactly once.
type session struct {
	deviceID string
	conn     wsConn
	client   *Client

	conns    *ConnRegistry
	registry *registry.Registry
	ingest   *Ingest
	source   upstream.Source

	senderIdle   time.Duration
	receiverIdle time.Duration
	writeTimeout time.Duration

	logger  *slog.Logger
	metrics *Metrics
}

// run executes the session until the client disconnects, a loop fails,
// or ctx is cancelled. Blocks until both loops have exited.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The receiver blocks in ReadMessage; closing the connection is what
	// unblocks it when the sender side ends first.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.sender(ctx)
	}()

	reason := s.receiver(ctx)
	cancel()
	wg.Wait()

	s.conns.Remove(s.client, reason)
}

// sender drains the outbound queue. When no frame arrives within the
// idle window it sends a ping so the client can tell a quiet stream from
// a dead one.
func (s *session) sender(ctx context.Context) {
	timer := time.NewTimer(s.senderIdle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case payload := <-s.client.outbound:
			if err := s.write(payload); err != nil {
				s.logger.Debug("Session write failed",
					"device", s.deviceID, "connection", s.client.ID(), "error", err)
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.senderIdle)
		case <-timer.C:
			if err := s.write(mustMarshal(newPingFrame())); err != nil {
				return
			}
			if s.metrics != nil {
				s.metrics.pingsSent.Inc()
			}
			timer.Reset(s.senderIdle)
		}
	}
}

func (s *session) write(payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// receiver reads client commands until the connection ends. A read
// deadline bounds each wait; hitting it just re-arms the read, it is not
// an error. Returns the disconnect reason.
func (s *session) receiver(ctx context.Context) string {
	for {
		select {
		case <-ctx.Done():
			return "session_cancelled"
		case <-s.client.Done():
			return "registry_removed"
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.receiverIdle))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client_closed"
			}
			return "read_error"
		}

		s.handleCommand(ctx, data)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// handleCommand decodes and executes one client command. Malformed input
// produces an error frame; the session keeps running either way.
func (s *session) handleCommand(ctx context.Context, data []byte) {
	var cmd CommandFrame
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.reply(ErrorFrame{
			Event:   EventError,
			Message: fmt.Sprintf("Invalid JSON: %v", err),
		})
		s.countCommand("invalid", "parse_error")
		return
	}

	switch {
	case cmd.Method == MethodSimulationMode:
		s.handleSimulationMode(ctx, cmd.Params)
	case cmd.Method == MethodDrop || cmd.Action == ActionDrop:
		target := cmd.AssetUUID
		if target == "" {
			target = s.deviceID
		}
		s.handleDrop(ctx, target)
	case cmd.Action != "":
		s.reply(ErrorFrame{
			Event:   EventError,
			Message: fmt.Sprintf("Unknown action: %s", cmd.Action),
		})
		s.countCommand(cmd.Action, "unknown_action")
	default:
		s.reply(ErrorFrame{
			Event:   EventError,
			Message: fmt.Sprintf("Unknown method: %s", cmd.Method),
		})
		s.countCommand(cmd.Method, "unknown_method")
	}
}

// handleSimulationMode forwards the simulation toggle to the upstream
// command channel and acknowledges with the value actually sent.
func (s *session) handleSimulationMode(ctx context.Context, params CommandParams) {
	name := params.Name
	if name == "" {
		name = "SimulationMode"
	}
	value := strings.ToLower(fmt.Sprintf("%v", params.Args))

	err := s.source.SendCommand(ctx, name, value)
	if err != nil {
		s.logger.Warn("Simulation mode command failed",
			"device", s.deviceID, "error", err)
	}

	s.reply(SimulationModeUpdatedFrame{
		Event:   EventSimulationModeUpdated,
		Success: err == nil,
		Value:   value,
	})
	s.countCommand(MethodSimulationMode, outcome(err))
}

// handleDrop tears down a device's feed and adapter on client request.
// Existing sessions stay connected; they simply stop receiving events.
func (s *session) handleDrop(ctx context.Context, deviceID string) {
	err := s.registry.DropFeed(ctx, deviceID)
	if err != nil {
		s.logger.Warn("Feed drop failed", "device", deviceID, "error", err)
	} else {
		s.ingest.RemoveAdapter(deviceID)
	}

	s.reply(StreamDroppedFrame{
		Event:   EventStreamDropped,
		Success: err == nil,
	})
	s.countCommand(MethodDrop, outcome(err))
}

// reply enqueues a frame for this session's viewer. Replies share the
// outbound queue with broadcast frames, so the sender loop stays the
// connection's only writer.
func (s *session) reply(frame any) {
	s.client.Enqueue(mustMarshal(frame))
}

func (s *session) countCommand(method, result string) {
	if s.metrics != nil {
		s.metrics.commandsTotal.WithLabelValues(method, result).Inc()
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
