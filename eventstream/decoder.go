package eventstream

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	preludeLen = 12
	// maxFrameLen guards against a garbage length prefix pinning memory.
	maxFrameLen = 16 << 20
)

// Decoder incrementally parses event-stream frames from a growing byte
// buffer. Feed bytes in any chunking; Next yields complete frames and
// retains the trailing partial one. A corrupt frame poisons the decoder:
// every subsequent Next returns the same error.
type Decoder struct {
	buf []byte
	off int // consumed prefix of buf
	err error
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw bytes from the wire.
func (d *Decoder) Feed(p []byte) {
	if d.err != nil || len(p) == 0 {
		return
	}
	// Compact once the consumed prefix dominates.
	if d.off > 0 && d.off >= len(d.buf)/2 {
		d.buf = append(d.buf[:0], d.buf[d.off:]...)
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered reports how many unconsumed bytes are held.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next returns the next complete frame, (nil, nil) when more bytes are
// needed, or a *CorruptFrameError when the stream is broken.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	b := d.buf[d.off:]
	if len(b) < preludeLen {
		return nil, nil
	}

	totalLen := binary.BigEndian.Uint32(b[0:4])
	headersLen := binary.BigEndian.Uint32(b[4:8])
	preludeCRC := binary.BigEndian.Uint32(b[8:12])

	if crc := crc32.ChecksumIEEE(b[0:8]); crc != preludeCRC {
		return nil, d.fail(fmt.Sprintf("prelude crc mismatch: want %08x got %08x", preludeCRC, crc))
	}
	if totalLen < 16+headersLen {
		return nil, d.fail(fmt.Sprintf("declared length %d shorter than headers %d + framing", totalLen, headersLen))
	}
	if totalLen > maxFrameLen {
		return nil, d.fail(fmt.Sprintf("declared length %d exceeds frame cap", totalLen))
	}
	if uint32(len(b)) < totalLen {
		return nil, nil
	}

	msg := b[:totalLen]
	wantCRC := binary.BigEndian.Uint32(msg[totalLen-4:])
	if crc := crc32.ChecksumIEEE(msg[:totalLen-4]); crc != wantCRC {
		return nil, d.fail(fmt.Sprintf("message crc mismatch: want %08x got %08x", wantCRC, crc))
	}

	headers, err := parseHeaders(msg[preludeLen : preludeLen+headersLen])
	if err != nil {
		d.err = err
		return nil, err
	}

	payload := make([]byte, totalLen-headersLen-16)
	copy(payload, msg[preludeLen+headersLen:totalLen-4])

	d.off += int(totalLen)
	return &Frame{Headers: headers, Payload: payload}, nil
}

func (d *Decoder) fail(reason string) error {
	d.err = &CorruptFrameError{Reason: reason}
	return d.err
}

// parseHeaders walks the headers block. Values of all ten wire types are
// decoded; unknown type tags are a framing fault.
func parseHeaders(b []byte) ([]Header, error) {
	var headers []Header
	for len(b) > 0 {
		nameLen := int(b[0])
		if len(b) < 1+nameLen+1 {
			return nil, &CorruptFrameError{Reason: "truncated header name"}
		}
		name := string(b[1 : 1+nameLen])
		vType := b[1+nameLen]
		b = b[1+nameLen+1:]

		var value any
		var need int
		switch vType {
		case TypeBoolTrue:
			value = true
		case TypeBoolFalse:
			value = false
		case TypeByte:
			need = 1
		case TypeInt16:
			need = 2
		case TypeInt32:
			need = 4
		case TypeInt64, TypeTimestamp:
			need = 8
		case TypeBytes, TypeString:
			if len(b) < 2 {
				return nil, &CorruptFrameError{Reason: "truncated header length"}
			}
			need = int(binary.BigEndian.Uint16(b[0:2])) + 2
		case TypeUUID:
			need = 16
		default:
			return nil, &CorruptFrameError{Reason: fmt.Sprintf("unknown header value type %d", vType)}
		}
		if len(b) < need {
			return nil, &CorruptFrameError{Reason: "truncated header value"}
		}

		switch vType {
		case TypeByte:
			value = b[0]
		case TypeInt16:
			value = int16(binary.BigEndian.Uint16(b[0:2]))
		case TypeInt32:
			value = int32(binary.BigEndian.Uint32(b[0:4]))
		case TypeInt64, TypeTimestamp:
			value = int64(binary.BigEndian.Uint64(b[0:8]))
		case TypeBytes:
			value = append([]byte(nil), b[2:need]...)
		case TypeString:
			value = string(b[2:need])
		case TypeUUID:
			value = append([]byte(nil), b[0:16]...)
		}

		b = b[need:]
		headers = append(headers, Header{Name: name, Type: vType, Value: value})
	}
	return headers, nil
}
