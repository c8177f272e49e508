package rpcframe

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Action: ActionRequest, Channel: 42, Payload: []byte("hello")}
	encoded := Encode(f)

	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Action != f.Action || got.Channel != f.Channel || !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("got %+v, want %+v", got, f)
	}
}

func TestDecode_TooShort(t *testing.T) {
	_, err := Decode([]byte{0x1, 0x0})
	if !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("error = %v, want ErrFrameTooShort", err)
	}
}

func TestDecode_UnknownAction(t *testing.T) {
	_, err := Decode([]byte{0xFF, 0x0, 0x0})
	if !errors.Is(err, ErrUnknownAction) {
		t.Errorf("error = %v, want ErrUnknownAction", err)
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	f := Frame{Action: ActionClose, Channel: 7}
	got, err := Decode(Encode(f))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("got payload %v, want empty", got.Payload)
	}
}

func TestRequestPayloadRoundTrip(t *testing.T) {
	p := RequestPayload{ServiceID: 0x1234, CallID: 0xABCD, Body: []byte{1, 2, 3, 4}}
	encoded := EncodeRequest(p)

	got, err := DecodeRequest(encoded)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.ServiceID != p.ServiceID || got.CallID != p.CallID || !bytes.Equal(got.Body, p.Body) {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestDecodeRequest_TooShort(t *testing.T) {
	_, err := DecodeRequest([]byte{0x1, 0x2, 0x3})
	if !errors.Is(err, ErrFrameTooShort) {
		t.Errorf("error = %v, want ErrFrameTooShort", err)
	}
}

func TestServiceID_StableAndDeterministic(t *testing.T) {
	a := ServiceID("DeviceService.SetValue")
	b := ServiceID("DeviceService.SetValue")
	if a != b {
		t.Errorf("ServiceID not deterministic: %d != %d", a, b)
	}
	if other := ServiceID("DeviceService.GetValue"); other == a {
		t.Error("expected distinct method names to (almost certainly) hash differently")
	}
}

func TestServiceID_KnownVector(t *testing.T) {
	// CRC-16/CCITT-FALSE("123456789") = 0x29B1, the standard check
	// value used to validate table-driven CCITT-FALSE implementations.
	got := ServiceID("123456789")
	if got != 0x29B1 {
		t.Errorf("ServiceID(\"123456789\") = 0x%X, want 0x29B1", got)
	}
}
