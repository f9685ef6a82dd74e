// Package eventstream implements the AWS event-stream binary framing used by
// the upstream response channel, and the SSE writer used on the client side.
//
// Wire layout of one frame:
//
//	total_len   u32 big-endian  (whole frame, prelude through trailing CRC)
//	headers_len u32 big-endian
//	prelude_crc u32 big-endian  CRC32 of the first 8 bytes
//	headers     headers_len bytes
//	payload     total_len - headers_len - 16 bytes
//	msg_crc     u32 big-endian  CRC32 of everything before it
package eventstream

import "fmt"

// Header value types per the event-stream encoding.
const (
	TypeBoolTrue  byte = 0
	TypeBoolFalse byte = 1
	TypeByte      byte = 2
	TypeInt16     byte = 3
	TypeInt32     byte = 4
	TypeInt64     byte = 5
	TypeBytes     byte = 6
	TypeString    byte = 7
	TypeTimestamp byte = 8
	TypeUUID      byte = 9
)

// Well-known header names.
const (
	HeaderMessageType   = ":message-type"
	HeaderEventType     = ":event-type"
	HeaderExceptionType = ":exception-type"
	HeaderContentType   = ":content-type"
)

// Header is one decoded frame header.
type Header struct {
	Name  string
	Type  byte
	Value any
}

// Frame is one decoded event-stream message.
type Frame struct {
	Headers []Header
	Payload []byte
}

// Header returns the named header, if present.
func (f *Frame) Header(name string) (Header, bool) {
	for _, h := range f.Headers {
		if h.Name == name {
			return h, true
		}
	}
	return Header{}, false
}

// StringHeader returns the named header's string value, or "" when absent
// or not a string.
func (f *Frame) StringHeader(name string) string {
	h, ok := f.Header(name)
	if !ok || h.Type != TypeString {
		return ""
	}
	s, _ := h.Value.(string)
	return s
}

// MessageType returns the :message-type header value; empty means "event".
func (f *Frame) MessageType() string {
	return f.StringHeader(HeaderMessageType)
}

// EventType returns the routing type: :event-type for events,
// :exception-type for exceptions.
func (f *Frame) EventType() string {
	if t := f.StringHeader(HeaderEventType); t != "" {
		return t
	}
	return f.StringHeader(HeaderExceptionType)
}

// CorruptFrameError reports an unrecoverable framing fault: the stream can
// not be resynchronized past it.
type CorruptFrameError struct {
	Reason string
}

func (e *CorruptFrameError) Error() string {
	return fmt.Sprintf("corrupt event stream frame: %s", e.Reason)
}
