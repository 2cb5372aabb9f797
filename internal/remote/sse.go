// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxEventSize is the maximum allowed size for a single SSE event (64KB).
const MaxEventSize = 64 * 1024

// streamBuffer is the channel depth between the SSE reader goroutine and
// the consumer. Small on purpose: the stream engine is the only consumer
// and applies deltas immediately.
const streamBuffer = 64

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType identifies one of the four feed event kinds.
type EventType int

const (
	// EventDelta carries one incremental text fragment.
	EventDelta EventType = iota

	// EventComplete marks the end of an assistant turn.
	EventComplete

	// EventError reports a server-side turn failure.
	EventError

	// EventHeartbeat is a keepalive; it resets the inactivity timeout.
	EventHeartbeat
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventDelta:
		return "delta"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	case EventHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// StreamEvent is one decoded event from a session's feed.
type StreamEvent struct {
	Type      EventType
	MessageID string
	Seq       uint64
	Text      string

	// Error event payload
	Code    string
	Message string
}

// deltaPayload is the wire shape of a delta event.
type deltaPayload struct {
	MessageID string `json:"message_id"`
	Seq       uint64 `json:"seq"`
	Text      string `json:"text"`
}

// donePayload is the wire shape of a turn-complete event.
type donePayload struct {
	MessageID string `json:"message_id"`
}

// errorPayload is the wire shape of an error event.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a byte stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// rawEvent is one framed SSE event before decoding.
type rawEvent struct {
	ID    string
	Event string
	Data  []byte
}

// ReadEvent reads the next SSE event. Returns io.EOF when the stream
// ends. Comment lines and unknown fields are ignored per the SSE spec.
func (s *SSEReader) ReadEvent() (*rawEvent, error) {
	ev := &rawEvent{}
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				ev.Data = bytes.Join(dataLines, []byte("\n"))
				return ev, nil
			}
			return nil, err
		}

		size += len(line)
		if size > MaxEventSize {
			return nil, fmt.Errorf("SSE event too large: %d bytes", size)
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line terminates the event.
		if len(line) == 0 {
			if len(dataLines) > 0 || ev.Event != "" {
				ev.Data = bytes.Join(dataLines, []byte("\n"))
				return ev, nil
			}
			size = 0
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("id:")):
			ev.ID = string(bytes.TrimSpace(line[3:]))
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Event = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// Ignore retry: and comment lines starting with ':'.
	}
}

// =============================================================================
// STREAM
// =============================================================================

// Stream is one open SSE feed for a session. Events arrive on Events();
// after the channel closes Err reports why.
type Stream struct {
	events chan StreamEvent
	cancel context.CancelFunc

	mu          sync.Mutex
	err         error
	lastEventID string
}

// Events returns the decoded event channel. Closed when the feed ends.
func (s *Stream) Events() <-chan StreamEvent {
	return s.events
}

// Err returns the terminal error, if any, once Events is closed.
// A server-initiated clean close yields ErrStreamClosed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastEventID returns the most recent SSE id seen, for resumption.
func (s *Stream) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Close cancels the feed. Safe to call multiple times.
func (s *Stream) Close() {
	s.cancel()
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Stream) setLastEventID(id string) {
	s.mu.Lock()
	s.lastEventID = id
	s.mu.Unlock()
}

// =============================================================================
// OPENING A FEED
// =============================================================================

// OpenStream opens the long-lived event feed for a session. If
// lastEventID is non-empty it is sent as Last-Event-ID so a resuming
// server can skip already-delivered deltas.
//
// The returned stream lives until the server closes it, an error
// occurs, or the supplied context is cancelled.
func (c *Client) OpenStream(ctx context.Context, sessionID, lastEventID string) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/sessions/"+sessionID+"/events", nil)
	if err != nil {
		cancel()
		return nil, newError(KindNetwork, 0, "", "failed to create stream request", err)
	}

	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		cancel()
		return nil, classifyTransport(err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := readResponse(resp)
		resp.Body.Close()
		cancel()
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	stream := &Stream{
		events: make(chan StreamEvent, streamBuffer),
		cancel: cancel,
	}

	go c.pump(ctx, resp.Body, stream)

	return stream, nil
}

// pump reads raw SSE events, decodes them, and forwards them to the
// stream channel until the feed ends or the context is cancelled.
// Malformed events are logged and skipped, never fatal.
func (c *Client) pump(ctx context.Context, body io.ReadCloser, stream *Stream) {
	defer close(stream.events)
	defer body.Close()

	reader := NewSSEReader(body)

	for {
		raw, err := reader.ReadEvent()
		if err != nil {
			if ctx.Err() != nil {
				stream.setErr(ctx.Err())
			} else if err == io.EOF {
				stream.setErr(ErrStreamClosed)
			} else {
				stream.setErr(newError(KindNetwork, 0, "", "stream read failed", err))
			}
			return
		}

		if raw.ID != "" {
			stream.setLastEventID(raw.ID)
		}

		event, ok := decodeEvent(raw)
		if !ok {
			c.log.Warn().
				Str("event", raw.Event).
				Int("bytes", len(raw.Data)).
				Msg("skipping malformed stream event")
			continue
		}

		select {
		case stream.events <- event:
		case <-ctx.Done():
			stream.setErr(ctx.Err())
			return
		}
	}
}

// decodeEvent translates a raw SSE frame into a typed event.
func decodeEvent(raw *rawEvent) (StreamEvent, bool) {
	switch raw.Event {
	case "delta":
		var p deltaPayload
		if err := json.Unmarshal(raw.Data, &p); err != nil || p.MessageID == "" {
			return StreamEvent{}, false
		}
		return StreamEvent{
			Type:      EventDelta,
			MessageID: p.MessageID,
			Seq:       p.Seq,
			Text:      p.Text,
		}, true

	case "done":
		var p donePayload
		if err := json.Unmarshal(raw.Data, &p); err != nil || p.MessageID == "" {
			return StreamEvent{}, false
		}
		return StreamEvent{Type: EventComplete, MessageID: p.MessageID}, true

	case "error":
		var p errorPayload
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return StreamEvent{}, false
		}
		return StreamEvent{Type: EventError, Code: p.Code, Message: p.Message}, true

	case "heartbeat", "":
		// Bare keepalives may arrive with no event name.
		return StreamEvent{Type: EventHeartbeat}, true

	default:
		return StreamEvent{}, false
	}
}
