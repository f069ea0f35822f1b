package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/dripper/service/engine"
	"github.com/brojonat/dripper/service/nats"
)

// keepaliveInterval is how often an idle stream gets a comment line.
var keepaliveInterval = 10 * time.Second

func validStreamStatus(status string) bool {
	switch engine.Status(status) {
	case "", engine.StatusSuccess, engine.StatusRateLimited, engine.StatusNoAddress,
		engine.StatusInvalidAddress, engine.StatusNotInitialized, engine.StatusFundingFailed:
		return true
	}
	return false
}

// handleStreamDrips streams drip events as Server-Sent Events.
// GET /api/v1/stream/drips[/{status}]
func handleStreamDrips(sub nats.Subscriber, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := r.PathValue("status")
		if !validStreamStatus(status) {
			writeError(w, fmt.Sprintf("unknown drip status %q", status), http.StatusBadRequest)
			return
		}

		events, err := sub.Subscribe(r.Context(), status)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to subscribe to drip events",
				"status", status,
				"error", err,
			)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		// Streams outlive the server's write timeout.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		filter := status
		if filter == "" {
			filter = "all"
		}
		fmt.Fprintf(w, "event: connected\ndata: {\"status\":%q}\n\n", filter)
		rc.Flush()

		logger.DebugContext(r.Context(), "SSE client connected",
			"status", filter,
			"remote_addr", r.RemoteAddr,
		)

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				rc.Flush()

			case event, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: drip\ndata: %s\n\n", data)
				rc.Flush()

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"status", filter,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
