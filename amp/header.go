package amp

import (
	"encoding/binary"
	"fmt"

	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
)

const (
	// HeaderSize is the encoded size of a Header.
	HeaderSize = 80
	// EnvelopeOverhead is the header plus the AEAD tag.
	EnvelopeOverhead = HeaderSize + cryptoutils.TagSize

	reservedOffset = 64
)

// Header addresses one message: the channel, its epoch and the ratchet
// generation within the epoch. The encoded header is the AEAD associated data.
type Header struct {
	Context    interfaces.ContextID
	Channel    interfaces.ChannelID
	Epoch      uint64
	Generation uint64
}

// Encode returns context(16) || channel(32) || epoch(8 LE) || gen(8 LE) || reserved(16).
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:16], h.Context[:])
	copy(b[16:48], h.Channel[:])
	binary.LittleEndian.PutUint64(b[48:56], h.Epoch)
	binary.LittleEndian.PutUint64(b[56:64], h.Generation)
	return b
}

// DecodeHeader parses an encoded header. Reserved bytes must be zero.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: amp header is %d bytes, want %d", interfaces.ErrInvalidArgument, len(b), HeaderSize)
	}
	for _, r := range b[reservedOffset:HeaderSize] {
		if r != 0 {
			return Header{}, fmt.Errorf("%w: amp header reserved bytes set", interfaces.ErrInvalidArgument)
		}
	}
	var h Header
	copy(h.Context[:], b[0:16])
	copy(h.Channel[:], b[16:48])
	h.Epoch = binary.LittleEndian.Uint64(b[48:56])
	h.Generation = binary.LittleEndian.Uint64(b[56:64])
	return h, nil
}

// MessageKey is H(context || channel || epoch_le || gen_le), keyed by the
// epoch secret of the channel.
func (h Header) MessageKey(epochSecret []byte) cryptoutils.Hash {
	return cryptoutils.DomainSum("aura.amp.message_key",
		epochSecret, h.Context[:], h.Channel[:],
		cryptoutils.Uint64LE(h.Epoch), cryptoutils.Uint64LE(h.Generation))
}

func (h Header) nonce() []byte {
	n := cryptoutils.DomainSum("aura.amp.nonce", h.Encode())
	return n[:cryptoutils.NonceSize]
}

// Envelope is a sealed message on the wire.
type Envelope struct {
	Header     Header
	Tag        [cryptoutils.TagSize]byte
	Ciphertext []byte
}

// Encode returns header(80) || tag(16) || ciphertext.
func (e *Envelope) Encode() []byte {
	out := make([]byte, 0, EnvelopeOverhead+len(e.Ciphertext))
	out = append(out, e.Header.Encode()...)
	out = append(out, e.Tag[:]...)
	return append(out, e.Ciphertext...)
}

// DecodeEnvelope parses a wire envelope.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	if len(b) < EnvelopeOverhead {
		return nil, fmt.Errorf("%w: amp envelope is %d bytes", interfaces.ErrInvalidArgument, len(b))
	}
	h, err := DecodeHeader(b[:HeaderSize])
	if err != nil {
		return nil, err
	}
	e := &Envelope{Header: h, Ciphertext: append([]byte(nil), b[EnvelopeOverhead:]...)}
	copy(e.Tag[:], b[HeaderSize:EnvelopeOverhead])
	return e, nil
}

// Seal encrypts plaintext under the message key of h.
func Seal(h Header, epochSecret, plaintext []byte) (*Envelope, error) {
	key := h.MessageKey(epochSecret)
	tag, ct, err := cryptoutils.SealDetached(key[:], h.nonce(), plaintext, h.Encode())
	if err != nil {
		return nil, err
	}
	return &Envelope{Header: h, Tag: tag, Ciphertext: ct}, nil
}

// Open decrypts e. Any change to the header or ciphertext fails
// authentication.
func Open(e *Envelope, epochSecret []byte) ([]byte, error) {
	key := e.Header.MessageKey(epochSecret)
	return cryptoutils.OpenDetached(key[:], e.Header.nonce(), e.Tag, e.Ciphertext, e.Header.Encode())
}
