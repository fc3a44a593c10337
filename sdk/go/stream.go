package runlinesdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StreamEvent is one server-sent event of a run stream. Data is the raw
// JSON payload of the variant named by Kind.
type StreamEvent struct {
	Index int64
	Kind  string
	Data  json.RawMessage
}

// Finished reports whether this is the terminal event.
func (e StreamEvent) Finished() bool { return e.Kind == "finish" }

// Status decodes the run status carried by a finish event.
func (e StreamEvent) Status() string {
	var f struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(e.Data, &f)
	return f.Status
}

// ErrStreamIncomplete is returned when reconnect attempts run out before
// the finish event arrives.
var ErrStreamIncomplete = errors.New("run stream ended before finish")

// Stream delivers run events from index from until the finish event. A
// dropped connection is resumed at the index after the last delivered
// event, so fn sees every index once and in order. API errors are not
// retried.
func (c *Client) Stream(ctx context.Context, runID string, from int64, fn func(StreamEvent) error) error {
	next := from
	attempts := 0
	for {
		progressed, done, err := c.streamOnce(ctx, runID, &next, fn)
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return err
		}
		var cbErr callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		if progressed {
			attempts = 0
		}
		attempts++
		if attempts > c.maxReconnects() {
			return fmt.Errorf("%w: resume at %d: %v", ErrStreamIncomplete, next, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectWait() * time.Duration(attempts)):
		}
	}
}

type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }

func (c *Client) maxReconnects() int {
	if c.MaxReconnects <= 0 {
		return 5
	}
	return c.MaxReconnects
}

func (c *Client) reconnectWait() time.Duration {
	if c.ReconnectWait <= 0 {
		return 500 * time.Millisecond
	}
	return c.ReconnectWait
}

func (c *Client) streamOnce(ctx context.Context, runID string, next *int64, fn func(StreamEvent) error) (progressed, done bool, err error) {
	endpoint := fmt.Sprintf("runs/%s/stream?startIndex=%d", url.PathEscape(runID), *next)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	client := c.StreamClient
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return false, false, newAPIError(resp.StatusCode, b)
	}

	var evt StreamEvent
	var data strings.Builder
	haveID := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if !haveID {
				continue
			}
			evt.Data = json.RawMessage(data.String())
			if evt.Index >= *next {
				if err := fn(evt); err != nil {
					return progressed, false, callbackError{err}
				}
				*next = evt.Index + 1
				progressed = true
				if evt.Finished() {
					return progressed, true, nil
				}
			}
			evt, haveID = StreamEvent{}, false
			data.Reset()
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			idx, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return progressed, false, fmt.Errorf("bad event id %q", value)
			}
			evt.Index, haveID = idx, true
		case "event":
			evt.Kind = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return progressed, false, err
	}
	return progressed, false, io.ErrUnexpectedEOF
}
