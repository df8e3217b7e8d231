package cryptoutils

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainSumSeparatesParts(t *testing.T) {
	a := DomainSum("test", []byte("ab"), []byte("c"))
	b := DomainSum("test", []byte("a"), []byte("bc"))
	c := DomainSum("other", []byte("ab"), []byte("c"))

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, DomainSum("test", []byte("ab"), []byte("c")))

	// Plain Sum is concatenation
	assert.Equal(t, Sum([]byte("ab"), []byte("c")), Sum([]byte("abc")))
}

func TestDetachedRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, KeySize)
	nonce := make([]byte, NonceSize)
	ad := []byte("header")

	testCases := []struct {
		name string
		data []byte
	}{
		{"Simple string", []byte("This is a secret message")},
		{"Empty data", []byte{}},
		{"Long data", make([]byte, 4096)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tag, ct, err := SealDetached(key, nonce, tc.data, ad)
			require.NoError(t, err)
			assert.Len(t, ct, len(tc.data))

			pt, err := OpenDetached(key, nonce, tag, ct, ad)
			require.NoError(t, err)
			assert.Equal(t, tc.data, append([]byte{}, pt...))

			// Tampered associated data fails authentication
			_, err = OpenDetached(key, nonce, tag, ct, []byte("other"))
			assert.ErrorIs(t, err, ErrDecryption)
		})
	}
}

func TestSealOpen(t *testing.T) {
	key := PassphraseKey([]byte("correct horse"), []byte("salt-salt-salt-1"))
	require.Len(t, key, 32)

	sealed, err := Seal(key, []byte("share"), nil)
	require.NoError(t, err)

	pt, err := Open(key, sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("share"), pt)

	wrongKey := PassphraseKey([]byte("wrong"), []byte("salt-salt-salt-1"))
	_, err = Open(wrongKey, sealed, nil)
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = Open(key, sealed[:10], nil)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestShareSealing(t *testing.T) {
	recipient, err := GenerateShareKeyPair(rand.Reader)
	require.NoError(t, err)
	other, err := GenerateShareKeyPair(rand.Reader)
	require.NoError(t, err)

	info := []byte("aura.dkg.share")
	aad := []byte("from=1,to=2")

	sealed, err := SealShare(recipient.Public, info, aad, []byte("secret share"), rand.Reader)
	require.NoError(t, err)

	pt, err := recipient.OpenShare(sealed, info, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret share"), pt)

	_, err = other.OpenShare(sealed, info, aad)
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = recipient.OpenShare(sealed, info, []byte("from=3,to=2"))
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDeriveKey(t *testing.T) {
	k1, err := DeriveKey([]byte("secret"), nil, "aura.amp", 32)
	require.NoError(t, err)
	k2, err := DeriveKey([]byte("secret"), nil, "aura.other", 32)
	require.NoError(t, err)
	assert.Len(t, k1, 32)
	assert.NotEqual(t, k1, k2)
}
