package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"packsmith/internal/metrics"
)

// Heartbeat interval. Comments keep proxies from idling the connection out
// between slow pipeline stages.
const heartbeatInterval = 25 * time.Second

// ServeSSE drains the stream into an SSE response until the terminal event,
// the client disconnect, or ctx cancellation. Returns the terminal event when
// one was delivered.
func ServeSSE(ctx context.Context, w http.ResponseWriter, stream *Stream) (*Event, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-heartbeat.C:
			// SSE comment line; clients ignore it, proxies see traffic.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil, err
			}
			flusher.Flush()
		case e, open := <-stream.Events():
			if !open {
				return nil, nil
			}
			if err := writeEvent(w, e); err != nil {
				return nil, err
			}
			flusher.Flush()
			if e.Terminal() {
				return &e, nil
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
