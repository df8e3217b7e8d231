package journal

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/aura/interfaces"
)

var (
	// ErrSerialization is returned when journal data does not decode.
	ErrSerialization = &interfaces.Error{Kind: interfaces.KindFatal, Message: "journal serialization"}
)

// Encode returns the canonical encoding of a journal value.
func Encode(v any) ([]byte, error) {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindFatal, "journal encode", err)
	}
	return b, nil
}

func decode(data []byte, v any) error {
	if err := rlp.DecodeBytes(data, v); err != nil {
		return interfaces.WrapError(interfaces.KindFatal, "journal decode", err)
	}
	return nil
}

// Decode parses a canonical encoding into v.
func Decode(data []byte, v any) error {
	return decode(data, v)
}
