package chimera

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"

	"chimera/internal/auditloop"
)

// GenerateRequest is the body of a synchronous generation call.
type GenerateRequest struct {
	Prompt     string `json:"prompt"`
	MaxRetries int    `json:"maxRetries,omitempty"`
}

const maxEventSize = 4 << 20

// Generate streams audit loop events for prompt. The sequence ends after the
// final event, on the first error, or when the caller stops ranging, which
// also closes the underlying connection.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) iter.Seq2[auditloop.Event, error] {
	return func(yield func(auditloop.Event, error) bool) {
		body, err := json.Marshal(req)
		if err != nil {
			yield(auditloop.Event{}, fmt.Errorf("encode request: %w", err))
			return
		}
		resp, err := c.send(ctx, c.streamHTTP, http.MethodPost, "/api/v1/generate", body)
		if err != nil {
			yield(auditloop.Event{}, err)
			return
		}
		if resp.StatusCode >= 400 {
			yield(auditloop.Event{}, readError(resp))
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var event auditloop.Event
			if err := json.Unmarshal(line, &event); err != nil {
				yield(auditloop.Event{}, fmt.Errorf("decode event: %w", err))
				return
			}
			if !yield(event, nil) || event.Final() {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(auditloop.Event{}, fmt.Errorf("read event stream: %w", err))
			return
		}
		yield(auditloop.Event{}, fmt.Errorf("chimera: event stream ended before a final event"))
	}
}

// GenerateAndWait drains Generate and returns the final event.
func (c *Client) GenerateAndWait(ctx context.Context, req GenerateRequest) (auditloop.Event, error) {
	for event, err := range c.Generate(ctx, req) {
		if err != nil {
			return auditloop.Event{}, err
		}
		if event.Final() {
			return event, nil
		}
	}
	return auditloop.Event{}, ctx.Err()
}
