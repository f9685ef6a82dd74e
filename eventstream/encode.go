package eventstream

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/rohanthewiz/serr"
)

// EncodeFrame renders headers and payload into the event-stream wire form.
// Decoding the result yields the inputs back; encoding a decoded frame
// reproduces the original bytes.
func EncodeFrame(headers []Header, payload []byte) ([]byte, error) {
	hb, err := encodeHeaders(headers)
	if err != nil {
		return nil, err
	}

	totalLen := 12 + len(hb) + len(payload) + 4
	out := make([]byte, 0, totalLen)
	out = binary.BigEndian.AppendUint32(out, uint32(totalLen))
	out = binary.BigEndian.AppendUint32(out, uint32(len(hb)))
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out[0:8]))
	out = append(out, hb...)
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	return out, nil
}

func encodeHeaders(headers []Header) ([]byte, error) {
	var b []byte
	for _, h := range headers {
		if len(h.Name) > 255 {
			return nil, serr.New("header name too long: " + h.Name)
		}
		b = append(b, byte(len(h.Name)))
		b = append(b, h.Name...)
		b = append(b, h.Type)

		switch h.Type {
		case TypeBoolTrue, TypeBoolFalse:
			// no value bytes
		case TypeByte:
			v, ok := h.Value.(byte)
			if !ok {
				return nil, badHeaderValue(h)
			}
			b = append(b, v)
		case TypeInt16:
			v, ok := h.Value.(int16)
			if !ok {
				return nil, badHeaderValue(h)
			}
			b = binary.BigEndian.AppendUint16(b, uint16(v))
		case TypeInt32:
			v, ok := h.Value.(int32)
			if !ok {
				return nil, badHeaderValue(h)
			}
			b = binary.BigEndian.AppendUint32(b, uint32(v))
		case TypeInt64, TypeTimestamp:
			v, ok := h.Value.(int64)
			if !ok {
				return nil, badHeaderValue(h)
			}
			b = binary.BigEndian.AppendUint64(b, uint64(v))
		case TypeBytes:
			v, ok := h.Value.([]byte)
			if !ok {
				return nil, badHeaderValue(h)
			}
			b = binary.BigEndian.AppendUint16(b, uint16(len(v)))
			b = append(b, v...)
		case TypeString:
			v, ok := h.Value.(string)
			if !ok {
				return nil, badHeaderValue(h)
			}
			b = binary.BigEndian.AppendUint16(b, uint16(len(v)))
			b = append(b, v...)
		case TypeUUID:
			v, ok := h.Value.([]byte)
			if !ok || len(v) != 16 {
				return nil, badHeaderValue(h)
			}
			b = append(b, v...)
		default:
			return nil, serr.New(fmt.Sprintf("unknown header value type %d for %s", h.Type, h.Name))
		}
	}
	return b, nil
}

func badHeaderValue(h Header) error {
	return serr.New(fmt.Sprintf("header %s value %T does not match wire type %d", h.Name, h.Value, h.Type))
}

// StringHeaderPair is a convenience for building string-typed headers.
func StringHeaderPair(name, value string) Header {
	return Header{Name: name, Type: TypeString, Value: value}
}
