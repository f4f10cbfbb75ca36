package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// pingEvent is the keep-alive frame emitted on the SSE stream when no
// device event arrives within the idle window.
type pingEvent struct {
	Event     string  `json:"event"`
	Timestamp float64 `json:"timestamp"`
}

func newPingEvent() pingEvent {
	return pingEvent{
		Event:     "ping",
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// ServeSSE streams the relay's output feed as Server-Sent Events. It
// drains the same feed as Events, so mount it or consume the channel,
// not both.
func (r *Relay) ServeSSE(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	timer := time.NewTimer(r.idleWindow)
	defer timer.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case ev := <-r.out:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.idleWindow)
		case <-timer.C:
			if err := writeSSE(w, newPingEvent()); err != nil {
				return
			}
			flusher.Flush()
			if r.metrics != nil {
				r.metrics.pingsSent.Inc()
			}
			timer.Reset(r.idleWindow)
		}
	}
}

// Handler returns the relay's HTTP routes: the SSE stream plus a device
// list snapshot.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", r.ServeSSE)
	mux.HandleFunc("GET /devices", func(w http.ResponseWriter, req *http.Request) {
		devices, err := r.FetchDevices(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"devices": devices,
			"total":   len(devices),
		}); err != nil {
			r.errorCount.Add(1)
		}
	})
	return mux
}

func writeSSE(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
