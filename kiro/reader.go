package kiro

import (
	"io"

	"github.com/rohanthewiz/logger"

	"kiroproxy/eventstream"
)

// EventReader adapts a raw upstream response body into typed events: it
// reads chunks, frames them with the event-stream decoder, and routes each
// frame through DecodeEvent. Events are yielded in wire order.
type EventReader struct {
	r       io.Reader
	dec     *eventstream.Decoder
	buf     []byte
	eof     bool
	unknown int
}

// NewEventReader wraps an upstream response body.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{r: r, dec: eventstream.NewDecoder(), buf: make([]byte, 4096)}
}

// Next returns the next typed event, io.EOF at clean end of stream, or a
// decode/transport error. Ignorable frames (followups, unknown types) are
// skipped and counted.
func (er *EventReader) Next() (Event, error) {
	for {
		frame, err := er.dec.Next()
		if err != nil {
			return nil, err
		}
		if frame == nil {
			if er.eof {
				if er.dec.Buffered() > 0 {
					logger.Warn("Upstream stream ended mid-frame", "buffered", er.dec.Buffered())
				}
				return nil, io.EOF
			}
			n, rerr := er.r.Read(er.buf)
			if n > 0 {
				er.dec.Feed(er.buf[:n])
			}
			if rerr == io.EOF {
				er.eof = true
			} else if rerr != nil {
				return nil, rerr
			}
			continue
		}

		ev, err := DecodeEvent(frame.MessageType(), frame.EventType(), frame.Payload)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			er.unknown++
			continue
		}
		return ev, nil
	}
}

// Unknown reports how many frames were skipped as unrecognized or ignorable.
func (er *EventReader) Unknown() int {
	return er.unknown
}
