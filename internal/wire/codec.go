package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building canonical CBOR encoder: %v", err))
	}
	// The wire carries byte-strings only (major type 2), never CBOR text
	// strings — ByteStringToStringAllowed lets a byte-string populate a
	// Go string field/key instead of being rejected outright.
	decMode, err = cbor.DecOptions{ByteStringToString: cbor.ByteStringToStringAllowed}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building CBOR decoder: %v", err))
	}
}

// wireFour is the on-the-wire shape for notifications and replies.
type wireFour struct {
	_         struct{} `cbor:",toarray"`
	RequestID int64
	Type      int
	Command   []byte
	Data      []byte
}

// wireSix is the on-the-wire shape for requests.
type wireSix struct {
	_         struct{} `cbor:",toarray"`
	RequestID int64
	Type      int
	Command   []byte
	Data      []byte
	Timeout   int64
	Timestamp int64
}

// EncodePacket serializes p into its canonical CBOR body (four- or
// six-element array depending on p.IsRequest()). Decoding the result
// with DecodePacket and re-encoding it yields byte-identical output
// (P1), since both forms are emitted via the same canonical EncMode.
func EncodePacket(p Packet) ([]byte, error) {
	if p.IsRequest() {
		return encMode.Marshal(wireSix{
			RequestID: p.RequestID,
			Type:      p.Type,
			Command:   []byte(p.Command),
			Data:      p.Data,
			Timeout:   p.Timeout,
			Timestamp: p.Timestamp,
		})
	}
	return encMode.Marshal(wireFour{
		RequestID: p.RequestID,
		Type:      p.Type,
		Command:   []byte(p.Command),
		Data:      p.Data,
	})
}

// DecodePacket parses a packet body produced by EncodePacket. It accepts
// both the four- and six-element array forms, distinguishing them by
// array length, and rejects anything else as malformed.
func DecodePacket(body []byte) (Packet, error) {
	var raw []cbor.RawMessage
	if err := decMode.Unmarshal(body, &raw); err != nil {
		return Packet{}, fmt.Errorf("decoding packet array: %w", err)
	}

	switch len(raw) {
	case 4:
		var w wireFour
		if err := decMode.Unmarshal(body, &w); err != nil {
			return Packet{}, fmt.Errorf("decoding 4-element packet: %w", err)
		}
		return Packet{
			RequestID: w.RequestID,
			Type:      w.Type,
			Command:   string(w.Command),
			Data:      w.Data,
		}, nil
	case 6:
		var w wireSix
		if err := decMode.Unmarshal(body, &w); err != nil {
			return Packet{}, fmt.Errorf("decoding 6-element packet: %w", err)
		}
		return Packet{
			RequestID: w.RequestID,
			Type:      w.Type,
			Command:   string(w.Command),
			Data:      w.Data,
			Timeout:   w.Timeout,
			Timestamp: w.Timestamp,
		}, nil
	default:
		return Packet{}, fmt.Errorf("malformed packet: expected 4 or 6 elements, got %d", len(raw))
	}
}

// EncodeValue CBOR-encodes an arbitrary structured payload (cborData in
// spec terms) using the same canonical mode as EncodePacket.
func EncodeValue(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	return b, nil
}

// DecodeValue decodes a cborData payload into v.
func DecodeValue(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}
	return nil
}

// Key is a CBOR map key that always marshals as a byte string rather
// than a text string, for the handful of map-shaped payloads (e.g. the
// GameLog "outdated" toast) whose wire shape is a fixed {byte-string:
// byte-string} map rather than a toarray struct.
type Key string

// MarshalCBOR implements cbor.Marshaler.
func (k Key) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal([]byte(k))
}
