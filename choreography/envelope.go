package choreography

import (
	"fmt"

	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
)

// FrameTag prefixes every ceremony frame on a shared network so the receive
// loop can tell ceremony traffic from other frames.
const FrameTag byte = 0xC1

// Envelope is the wire form of a ceremony message. The receipt proves the
// sender charged its flow budget before transmitting.
type Envelope struct {
	Session    interfaces.SessionID
	Kind       Kind
	Name       string
	Phase      Phase
	Attempt    uint32
	From       interfaces.DeviceID
	To         interfaces.DeviceID
	Payload    []byte
	HasReceipt bool
	Receipt    journal.Receipt
}

// Encode returns the tagged frame.
func (e *Envelope) Encode() ([]byte, error) {
	body, err := journal.Encode(e)
	if err != nil {
		return nil, err
	}
	return append([]byte{FrameTag}, body...), nil
}

// IsFrame reports whether data carries a ceremony envelope.
func IsFrame(data []byte) bool {
	return len(data) > 0 && data[0] == FrameTag
}

// DecodeEnvelope parses a tagged frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if !IsFrame(data) {
		return nil, fmt.Errorf("%w: not a ceremony frame", interfaces.ErrInvalidArgument)
	}
	var e Envelope
	if err := journal.Decode(data[1:], &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodePayload decodes the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := journal.Decode(e.Payload, v); err != nil {
		return fmt.Errorf("%s payload from %s: %w", e.Name, e.From, err)
	}
	return nil
}

// EncodePayload is the canonical payload encoding.
func EncodePayload(v any) ([]byte, error) {
	return journal.Encode(v)
}
