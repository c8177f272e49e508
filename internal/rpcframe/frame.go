// Package rpcframe implements the wire framing spec.md §6 defines for
// any transport that plugs into the core's RPC pipe: encoding and
// decoding only. No server or client is implemented here — the
// HTTP/WebSocket transport itself is an external collaborator per
// spec.md §3, and no real listener exercises this package yet; see
// DESIGN NOTES in SPEC_FULL.md.
package rpcframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Action identifies a frame's purpose.
type Action byte

const (
	ActionError    Action = 0x0
	ActionRequest  Action = 0x1
	ActionResponse Action = 0x2
	ActionPart     Action = 0x3
	ActionClose    Action = 0x4
)

// ErrFrameTooShort is returned when a byte slice is shorter than the
// fixed action+channel header.
var ErrFrameTooShort = errors.New("rpcframe: frame shorter than header")

// ErrUnknownAction is returned when a frame's action byte doesn't
// match any defined Action.
var ErrUnknownAction = errors.New("rpcframe: unknown action byte")

const headerSize = 1 + 2 // action(u8) + channel(u16 BE)

// Frame is a decoded wire frame: action, channel id, and payload.
type Frame struct {
	Action  Action
	Channel uint16
	Payload []byte
}

// Encode serializes f as action(u8) || channel(u16 BE) || payload.
func Encode(f Frame) []byte {
	out := make([]byte, headerSize+len(f.Payload))
	out[0] = byte(f.Action)
	binary.BigEndian.PutUint16(out[1:3], f.Channel)
	copy(out[3:], f.Payload)
	return out
}

// Decode parses a wire frame from b. The returned Frame's Payload
// aliases b — callers that retain it past the lifetime of b's backing
// array must copy it.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerSize {
		return Frame{}, ErrFrameTooShort
	}
	action := Action(b[0])
	switch action {
	case ActionError, ActionRequest, ActionResponse, ActionPart, ActionClose:
	default:
		return Frame{}, fmt.Errorf("%w: 0x%x", ErrUnknownAction, b[0])
	}
	return Frame{
		Action:  action,
		Channel: binary.BigEndian.Uint16(b[1:3]),
		Payload: b[headerSize:],
	}, nil
}

// RequestPayload is the decoded body of an ActionRequest frame:
// service_id(u16 BE) || call_id(u16 BE) || protobuf bytes.
type RequestPayload struct {
	ServiceID uint16
	CallID    uint16
	Body      []byte
}

const requestHeaderSize = 2 + 2

// EncodeRequest serializes a RequestPayload.
func EncodeRequest(p RequestPayload) []byte {
	out := make([]byte, requestHeaderSize+len(p.Body))
	binary.BigEndian.PutUint16(out[0:2], p.ServiceID)
	binary.BigEndian.PutUint16(out[2:4], p.CallID)
	copy(out[4:], p.Body)
	return out
}

// DecodeRequest parses a RequestPayload from a Request frame's Payload.
func DecodeRequest(b []byte) (RequestPayload, error) {
	if len(b) < requestHeaderSize {
		return RequestPayload{}, ErrFrameTooShort
	}
	return RequestPayload{
		ServiceID: binary.BigEndian.Uint16(b[0:2]),
		CallID:    binary.BigEndian.Uint16(b[2:4]),
		Body:      b[requestHeaderSize:],
	}, nil
}

// ServiceID returns the CRC-16/CCITT-FALSE checksum of name, the
// stable identifier code generation assigns to a service or method
// name per spec.md §6 ("Service/call ids are CRC-16 of the
// service/method name").
func ServiceID(name string) uint16 {
	return crc16CCITT([]byte(name))
}
