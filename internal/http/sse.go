package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// handleEventsLive streams a run's events via Server-Sent Events.
//
// The stream starts at ?from= (defaulting to 1), replays the journal up
// to the current tail, then follows live publishes. A terminal run.status
// event ends the stream. Clients that disconnect resume with
// from=lastSeen+1 and observe exactly the events they missed.
//
// Example:
//
//	GET /api/v1/runs/{run}/events/live?from=1
//
//	id: 1
//	event: run.status
//	data: {"status":"queued"}
//
//	id: 2
//	event: log.append
//	data: {"line":"analyzed prompt"}
func (s *Server) handleEventsLive(c echo.Context) error {
	fromSeq, err := parseFromSeq(c.QueryParam("from"))
	if err != nil {
		return err
	}

	sub, err := s.bus.SubscribeLive(c.Request().Context(), c.Param("run"), fromSeq)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	// Set SSE headers
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	// Heartbeat ticker to prevent proxy timeouts
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// Journal sealed (terminal run) or this subscriber lagged
				// and was dropped; either way the client replays from its
				// last seen sequence.
				return nil
			}

			data := []byte(ev.Payload)
			if len(data) == 0 {
				data = []byte("{}")
			}

			fmt.Fprintf(c.Response(), "id: %d\n", ev.Seq)
			fmt.Fprintf(c.Response(), "event: %s\n", ev.Type)
			fmt.Fprintf(c.Response(), "data: %s\n\n", data)
			c.Response().Flush()

		case <-ticker.C:
			// Send heartbeat to keep connection alive
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			// Client disconnected
			return nil
		}
	}
}
