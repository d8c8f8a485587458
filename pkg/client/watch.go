package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// WatchHandler receives each event in order. Returning an error stops the
// watch and propagates the error to the Watch caller.
type WatchHandler func(ev v1.Event) error

// Watch follows a run's event stream from fromSeq, invoking fn for every
// event. It survives dropped connections by resuming from the last seen
// sequence with capped exponential backoff; the journal's replay guarantee
// means no event is duplicated or lost across reconnects.
//
// Watch returns nil once a terminal run.status event has been delivered,
// fn's error if fn fails, ctx.Err() on cancellation, or a connection error
// after MaxReconnects consecutive failed attempts.
func (c *Client) Watch(ctx context.Context, runID string, fromSeq uint64, fn WatchHandler) error {
	if fromSeq == 0 {
		fromSeq = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialReconnectWait
	bo.MaxInterval = c.config.MaxReconnectWait

	next := fromSeq
	attempts := 0

	for {
		delivered, terminal, err := c.streamOnce(ctx, runID, next, fn)
		next += delivered
		if terminal {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var handlerErr *watchHandlerError
			if errors.As(err, &handlerErr) {
				return handlerErr.err
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) && !retryableStatus(apiErr.Status) {
				return err
			}
		}

		// A clean EOF without a terminal event is also a drop: the
		// journal is resumable, so reconnect from where we left off.
		if delivered > 0 {
			bo.Reset()
			attempts = 0
		}
		attempts++
		if attempts > c.config.MaxReconnects {
			return fmt.Errorf("event stream for run %s lost after %d reconnect attempts: %w",
				runID, c.config.MaxReconnects, err)
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamOnce opens one SSE connection and pumps events until it ends.
// It returns how many events were delivered and whether a terminal
// run.status was seen.
func (c *Client) streamOnce(ctx context.Context, runID string, fromSeq uint64, fn WatchHandler) (delivered uint64, terminal bool, err error) {
	u := fmt.Sprintf("%s%s/events/live?from=%d", c.base, c.runPath(runID), fromSeq)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive any request timeout; rely on ctx for cancellation.
	streamClient := &http.Client{Transport: c.hc.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return 0, false, decodeAPIError(resp)
	}

	var (
		seq     uint64
		evType  string
		scanner = bufio.NewScanner(resp.Body)
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			seq, _ = strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "event: "):
			evType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev := v1.Event{
				RunID:   runID,
				Seq:     seq,
				Type:    v1.EventType(evType),
				Payload: json.RawMessage(strings.TrimPrefix(line, "data: ")),
			}
			if err := fn(ev); err != nil {
				return delivered, false, &watchHandlerError{err: err}
			}
			delivered++

			if ev.Type == v1.EventRunStatus {
				var status v1.StatusPayload
				if jerr := json.Unmarshal(ev.Payload, &status); jerr == nil && status.Status.Terminal() {
					return delivered, true, nil
				}
			}
		}
		// Comment lines (heartbeats) and blank separators are skipped.
	}
	return delivered, false, scanner.Err()
}

type watchHandlerError struct{ err error }

func (e *watchHandlerError) Error() string { return e.err.Error() }
func (e *watchHandlerError) Unwrap() error { return e.err }

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
