package eventstream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rohanthewiz/serr"
)

// Anthropic stream event names, in their emission order.
const (
	SSEMessageStart      = "message_start"
	SSEContentBlockStart = "content_block_start"
	SSEContentBlockDelta = "content_block_delta"
	SSEContentBlockStop  = "content_block_stop"
	SSEMessageDelta      = "message_delta"
	SSEMessageStop       = "message_stop"
)

// BlockIndexed is implemented by payloads that address a content block.
type BlockIndexed interface {
	BlockIndex() int
}

// SSEWriter emits Anthropic stream events in SSE form: one
// "event: <name>\ndata: <json>\n\n" record per event, flushed immediately.
// It enforces the stream grammar: exactly one message_start and one
// message_stop, and no delta or stop for a block index that was never
// started.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
	started map[int]bool
	stopped map[int]bool
	opened  bool
	closed  bool
}

// NewSSEWriter wraps w, flushing after every event when w supports it.
func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w, started: make(map[int]bool), stopped: make(map[int]bool)}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Event validates the grammar for name/payload and writes the record.
func (s *SSEWriter) Event(name string, payload any) error {
	switch name {
	case SSEMessageStart:
		if s.opened {
			return serr.New("message_start emitted twice")
		}
		s.opened = true
	case SSEContentBlockStart:
		idx, err := s.payloadIndex(name, payload)
		if err != nil {
			return err
		}
		if s.started[idx] {
			return serr.New(fmt.Sprintf("content_block_start repeated for index %d", idx))
		}
		s.started[idx] = true
	case SSEContentBlockDelta:
		idx, err := s.payloadIndex(name, payload)
		if err != nil {
			return err
		}
		if !s.started[idx] {
			return serr.New(fmt.Sprintf("content_block_delta for unopened index %d", idx))
		}
		if s.stopped[idx] {
			return serr.New(fmt.Sprintf("content_block_delta for closed index %d", idx))
		}
	case SSEContentBlockStop:
		idx, err := s.payloadIndex(name, payload)
		if err != nil {
			return err
		}
		if !s.started[idx] {
			return serr.New(fmt.Sprintf("content_block_stop for unopened index %d", idx))
		}
		if s.stopped[idx] {
			return serr.New(fmt.Sprintf("content_block_stop repeated for index %d", idx))
		}
		s.stopped[idx] = true
	case SSEMessageStop:
		if !s.opened {
			return serr.New("message_stop before message_start")
		}
		if s.closed {
			return serr.New("message_stop emitted twice")
		}
		s.closed = true
	case SSEMessageDelta:
		if !s.opened {
			return serr.New("message_delta before message_start")
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return serr.Wrap(err, "failed to marshal SSE payload", "event", name)
	}
	if _, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return serr.Wrap(err, "failed to write SSE event", "event", name)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Closed reports whether message_stop has been written.
func (s *SSEWriter) Closed() bool {
	return s.closed
}

// Opened reports whether message_start has been written.
func (s *SSEWriter) Opened() bool {
	return s.opened
}

func (s *SSEWriter) payloadIndex(name string, payload any) (int, error) {
	bi, ok := payload.(BlockIndexed)
	if !ok {
		return 0, serr.New("payload for " + name + " does not carry a block index")
	}
	return bi.BlockIndex(), nil
}
