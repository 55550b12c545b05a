package telemetry

import (
	"encoding/binary"
	"errors"
)

// WebSocket message framing. Each binary message carries a fixed 8-byte
// header followed by the device ID and the payload:
//
//	MsgType(1) | DeviceIDLen(1) | PayloadLen(2, LE) | Sequence(4, LE) | DeviceID | Payload
//
// Multi-byte fields are little-endian, matching the packed layout the
// firmware historically put on the wire.

// MsgType identifies the content of a framed message.
type MsgType uint8

const (
	MsgCSIData       MsgType = 1
	MsgSystemMetrics MsgType = 2
	MsgHeartbeat     MsgType = 3
	MsgAlert         MsgType = 4
	MsgBatchCSI      MsgType = 5
	MsgPing          MsgType = 6
	MsgPong          MsgType = 7
)

const (
	frameHeaderSize  = 8
	maxDeviceIDLen   = 255
	maxFramePayload  = 65535
	frameAbsoluteMax = frameHeaderSize + maxDeviceIDLen + maxFramePayload
)

var (
	ErrFrameTooShort   = errors.New("telemetry: frame shorter than header")
	ErrFrameTruncated  = errors.New("telemetry: frame truncated")
	ErrFrameOversize   = errors.New("telemetry: payload exceeds frame limit")
	ErrDeviceIDTooLong = errors.New("telemetry: device id exceeds 255 bytes")
)

// Frame is a decoded WebSocket message envelope.
type Frame struct {
	Type     MsgType
	Sequence uint32
	DeviceID string
	Payload  []byte
}

// EncodeFrame serializes a frame to its wire form.
func EncodeFrame(f *Frame) ([]byte, error) {
	if len(f.DeviceID) > maxDeviceIDLen {
		return nil, ErrDeviceIDTooLong
	}
	if len(f.Payload) > maxFramePayload {
		return nil, ErrFrameOversize
	}
	buf := make([]byte, frameHeaderSize+len(f.DeviceID)+len(f.Payload))
	buf[0] = byte(f.Type)
	buf[1] = byte(len(f.DeviceID))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint32(buf[4:8], f.Sequence)
	copy(buf[frameHeaderSize:], f.DeviceID)
	copy(buf[frameHeaderSize+len(f.DeviceID):], f.Payload)
	return buf, nil
}

// DecodeFrame parses a wire message back into a frame. The payload slice is
// copied so the caller may reuse the input buffer.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < frameHeaderSize {
		return nil, ErrFrameTooShort
	}
	idLen := int(data[1])
	payloadLen := int(binary.LittleEndian.Uint16(data[2:4]))
	if len(data) != frameHeaderSize+idLen+payloadLen {
		return nil, ErrFrameTruncated
	}
	f := &Frame{
		Type:     MsgType(data[0]),
		Sequence: binary.LittleEndian.Uint32(data[4:8]),
		DeviceID: string(data[frameHeaderSize : frameHeaderSize+idLen]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, data[frameHeaderSize+idLen:])
	}
	return f, nil
}
