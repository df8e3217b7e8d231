package frost

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signWith runs both signing rounds for the given holders.
func signWith(t *testing.T, keys []*KeyPackage, message []byte) ([]Commitment, []SignatureShare) {
	t.Helper()
	nonces := make([]*Nonce, len(keys))
	commitments := make([]Commitment, len(keys))
	for i, k := range keys {
		n, c, err := k.Commit(rand.Reader)
		require.NoError(t, err)
		nonces[i], commitments[i] = n, c
	}

	shares := make([]SignatureShare, len(keys))
	for i, k := range keys {
		s, err := k.Sign(nonces[i], message, commitments)
		require.NoError(t, err)
		shares[i] = s
	}
	return commitments, shares
}

func TestSignAggregate(t *testing.T) {
	tests := []struct {
		name      string
		n, m      int
		signerIdx []int
	}{
		{"single device", 1, 1, []int{0}},
		{"two of two", 2, 2, []int{0, 1}},
		{"two of three first pair", 3, 2, []int{0, 1}},
		{"two of three last pair", 3, 2, []int{1, 2}},
		{"three of five", 5, 3, []int{0, 2, 4}},
		{"all of five with threshold three", 5, 3, []int{0, 1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, pub, err := KeyGen(tt.n, tt.m, rand.Reader)
			require.NoError(t, err)

			var signers []*KeyPackage
			for _, i := range tt.signerIdx {
				signers = append(signers, keys[i])
			}

			message := []byte("tree:add_leaf")
			commitments, shares := signWith(t, signers, message)

			sig, err := Aggregate(pub, message, commitments, shares)
			require.NoError(t, err)
			assert.True(t, ed25519.Verify(pub.PublicKey(), message, sig))
			assert.False(t, Verify(pub.GroupKey, []byte("other"), sig))

			for _, s := range shares {
				assert.True(t, VerifyShare(pub, message, commitments, s))
			}
		})
	}
}

func TestSignRejectsBelowThreshold(t *testing.T) {
	keys, pub, err := KeyGen(5, 3, rand.Reader)
	require.NoError(t, err)

	n0, c0, err := keys[0].Commit(rand.Reader)
	require.NoError(t, err)
	_, c1, err := keys[1].Commit(rand.Reader)
	require.NoError(t, err)

	_, err = keys[0].Sign(n0, []byte("m"), []Commitment{c0, c1})
	var insufficient *InsufficientParticipantsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 2, insufficient.Have)
	assert.Equal(t, 3, insufficient.Need)

	// Even if the signers lie about the threshold the aggregate never verifies.
	forged := []*KeyPackage{}
	for _, k := range keys[:2] {
		c := *k
		c.Threshold = 2
		forged = append(forged, &c)
	}
	lowered := *pub
	lowered.Threshold = 2
	commitments, shares := signWith(t, forged, []byte("m"))
	_, err = Aggregate(&lowered, []byte("m"), commitments, shares)
	require.Error(t, err)
}

func TestAggregateIdentifiesInvalidPartial(t *testing.T) {
	keys, pub, err := KeyGen(3, 2, rand.Reader)
	require.NoError(t, err)

	commitments, shares := signWith(t, keys[:2], []byte("m"))
	shares[1].Share = shares[0].Share

	_, err = Aggregate(pub, []byte("m"), commitments, shares)
	var invalid *InvalidPartialError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, keys[1].Identifier, invalid.Signer)
}

func TestDuplicateIdentifier(t *testing.T) {
	keys, pub, err := KeyGen(3, 2, rand.Reader)
	require.NoError(t, err)

	_, c0, err := keys[0].Commit(rand.Reader)
	require.NoError(t, err)

	_, err = Aggregate(pub, []byte("m"), []Commitment{c0, c0}, nil)
	var dup *DuplicateIdentifierError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, Identifier(1), dup.Identifier)
}

func TestNonceIsSingleUse(t *testing.T) {
	keys, _, err := KeyGen(1, 1, rand.Reader)
	require.NoError(t, err)

	n, c, err := keys[0].Commit(rand.Reader)
	require.NoError(t, err)
	_, err = keys[0].Sign(n, []byte("a"), []Commitment{c})
	require.NoError(t, err)
	_, err = keys[0].Sign(n, []byte("b"), []Commitment{c})
	require.Error(t, err)
}

func runDKG(t *testing.T, n, m int, context []byte) ([]*DKGParticipant, []*Round1Package, [][]*Round2Package) {
	t.Helper()
	participants := make([]*DKGParticipant, n)
	round1 := make([]*Round1Package, n)
	for i := range n {
		p, pkg, err := NewDKGParticipant(Identifier(i+1), m, n, context, rand.Reader)
		require.NoError(t, err)
		participants[i], round1[i] = p, pkg
	}

	round2 := make([][]*Round2Package, n)
	for i, p := range participants {
		out, err := p.Round2(round1)
		require.NoError(t, err)
		round2[i] = out
	}
	return participants, round1, round2
}

func flatten(in [][]*Round2Package) []*Round2Package {
	var out []*Round2Package
	for _, pkgs := range in {
		out = append(out, pkgs...)
	}
	return out
}

func TestDKG(t *testing.T) {
	participants, _, round2 := runDKG(t, 3, 2, []byte("ceremony-1"))
	all := flatten(round2)

	var keys []*KeyPackage
	var pubs []*PublicKeyPackage
	for _, p := range participants {
		key, pub, err := p.Finalize(all)
		require.NoError(t, err)
		keys = append(keys, key)
		pubs = append(pubs, pub)
	}

	// Every participant agrees on the group key and verifying shares
	for _, pub := range pubs[1:] {
		assert.Equal(t, pubs[0], pub)
	}

	commitments, shares := signWith(t, []*KeyPackage{keys[0], keys[2]}, []byte("hello"))
	sig, err := Aggregate(pubs[0], []byte("hello"), commitments, shares)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pubs[0].PublicKey(), []byte("hello"), sig))
}

func TestDKGDetectsInvalidShare(t *testing.T) {
	participants, _, round2 := runDKG(t, 3, 2, []byte("ceremony-2"))

	// Participant 2 sends garbage to participant 1
	for _, pkg := range round2[1] {
		if pkg.To == 1 {
			pkg.SealedShare[len(pkg.SealedShare)-1] ^= 0xff
		}
	}

	_, _, err := participants[0].Finalize(flatten(round2))
	var invalid *InvalidShareError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, Identifier(2), invalid.From)
}

func TestDKGRejectsMissingAndDuplicate(t *testing.T) {
	context := []byte("ceremony-3")
	p1, pkg1, err := NewDKGParticipant(1, 2, 3, context, rand.Reader)
	require.NoError(t, err)
	_, pkg2, err := NewDKGParticipant(2, 2, 3, context, rand.Reader)
	require.NoError(t, err)

	_, err = p1.Round2([]*Round1Package{pkg1, pkg2})
	var missing *MissingParticipantError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, Identifier(3), missing.Identifier)

	_, err = p1.Round2([]*Round1Package{pkg1, pkg2, pkg2})
	var dup *DuplicateIdentifierError
	require.ErrorAs(t, err, &dup)
}

func TestDKGRejectsForeignProof(t *testing.T) {
	participants, round1, _ := runDKG(t, 2, 2, []byte("ceremony-4"))

	// A proof made for another ceremony context fails
	_, foreign, err := NewDKGParticipant(2, 2, 2, []byte("other"), rand.Reader)
	require.NoError(t, err)

	_, err = participants[0].Round2([]*Round1Package{round1[0], foreign})
	var invalid *InvalidShareError
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestRefreshPreservesGroupKey(t *testing.T) {
	keys, pub, err := KeyGen(3, 2, rand.Reader)
	require.NoError(t, err)
	secret, err := Reconstruct(keys[:2])
	require.NoError(t, err)

	ids := pub.Identifiers()
	refreshers := make([]*RefreshParticipant, len(keys))
	round1 := make([]*Round1Package, len(keys))
	for i, k := range keys {
		r, pkg, err := NewRefreshParticipant(k, pub, ids, []byte("refresh-1"), rand.Reader)
		require.NoError(t, err)
		refreshers[i], round1[i] = r, pkg
	}
	var round2 []*Round2Package
	for _, r := range refreshers {
		out, err := r.Round2(round1)
		require.NoError(t, err)
		round2 = append(round2, out...)
	}

	newKeys := make([]*KeyPackage, len(keys))
	var newPub *PublicKeyPackage
	for i, r := range refreshers {
		k, p, err := r.Finalize(round2)
		require.NoError(t, err)
		newKeys[i], newPub = k, p
	}

	assert.Equal(t, pub.GroupKey, newPub.GroupKey)
	assert.NotEqual(t, keys[0].SigningShare, newKeys[0].SigningShare)

	refreshed, err := Reconstruct(newKeys[1:])
	require.NoError(t, err)
	assert.Equal(t, secret, refreshed)

	// Mixing an old share with a new one no longer reconstructs the secret
	mixed, err := Reconstruct([]*KeyPackage{keys[0], newKeys[1]})
	require.NoError(t, err)
	assert.NotEqual(t, secret, mixed)

	commitments, shares := signWith(t, newKeys[:2], []byte("after refresh"))
	_, err = Aggregate(newPub, []byte("after refresh"), commitments, shares)
	require.NoError(t, err)
}

func TestRefreshDetectsNonZeroContribution(t *testing.T) {
	keys, pub, err := KeyGen(2, 2, rand.Reader)
	require.NoError(t, err)
	ids := pub.Identifiers()

	r1, pkg1, err := NewRefreshParticipant(keys[0], pub, ids, nil, rand.Reader)
	require.NoError(t, err)

	// Participant 2 deals a DKG-style polynomial instead of a zero-sum one
	_, bad, err := NewDKGParticipant(2, 2, 2, nil, rand.Reader)
	require.NoError(t, err)

	_, err = r1.Round2([]*Round1Package{pkg1, bad})
	var failed *ShareRefreshFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, Identifier(2), failed.Participant)
}

func TestReshareEnrollsDevice(t *testing.T) {
	keys, pub, err := KeyGen(1, 1, rand.Reader)
	require.NoError(t, err)

	newIDs := []Identifier{1, 2}
	quorum := []Identifier{1}
	context := []byte("enroll")

	var recipients []*ReshareRecipient
	var announcements []RecipientAnnouncement
	for _, id := range newIDs {
		r, a, err := NewReshareRecipient(id, 2, newIDs, pub, quorum, context, rand.Reader)
		require.NoError(t, err)
		recipients = append(recipients, r)
		announcements = append(announcements, a)
	}

	dealing, err := Reshare(keys[0], pub, quorum, 2, announcements, context, rand.Reader)
	require.NoError(t, err)

	var newKeys []*KeyPackage
	var newPub *PublicKeyPackage
	for _, r := range recipients {
		k, p, err := r.Finalize([]*Dealing{dealing})
		require.NoError(t, err)
		newKeys = append(newKeys, k)
		newPub = p
	}

	assert.Equal(t, pub.GroupKey, newPub.GroupKey)
	assert.Equal(t, uint16(2), newPub.Threshold)
	assert.Equal(t, 2, newPub.MaxSigners())

	commitments, shares := signWith(t, newKeys, []byte("enrolled"))
	sig, err := Aggregate(newPub, []byte("enrolled"), commitments, shares)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub.PublicKey(), []byte("enrolled"), sig))
}

func TestReshareRejectsWrongDealer(t *testing.T) {
	keys, pub, err := KeyGen(2, 2, rand.Reader)
	require.NoError(t, err)
	otherKeys, _, err := KeyGen(2, 2, rand.Reader)
	require.NoError(t, err)

	quorum := []Identifier{1, 2}
	r, a, err := NewReshareRecipient(1, 1, []Identifier{1}, pub, quorum, nil, rand.Reader)
	require.NoError(t, err)

	good, err := Reshare(keys[0], pub, quorum, 1, []RecipientAnnouncement{a}, nil, rand.Reader)
	require.NoError(t, err)
	bad, err := Reshare(otherKeys[1], pub, quorum, 1, []RecipientAnnouncement{a}, nil, rand.Reader)
	require.NoError(t, err)

	_, _, err = r.Finalize([]*Dealing{good, bad})
	var invalid *InvalidShareError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, Identifier(2), invalid.From)
}

func TestDerivationIsIndependentOfSigningSet(t *testing.T) {
	keys, _, err := KeyGen(3, 2, rand.Reader)
	require.NoError(t, err)
	context := []byte("account|app|ctx")

	derive := func(holders []*KeyPackage) []byte {
		ids := make([]Identifier, len(holders))
		for i, k := range holders {
			ids[i] = k.Identifier
		}
		var commits []DerivationCommitment
		var reveals []DerivationContribution
		for _, k := range holders {
			contribution, commit, err := k.DeriveContribution(context, ids)
			require.NoError(t, err)
			commits = append(commits, commit)
			reveals = append(reveals, contribution)
		}
		point, err := AggregateDerivation(commits, reveals)
		require.NoError(t, err)
		return point
	}

	a := derive(keys[:2])
	b := derive(keys[1:])
	assert.Equal(t, a, b)

	other, _, err := KeyGen(1, 1, rand.Reader)
	require.NoError(t, err)
	assert.NotEqual(t, a, derive(other))
}

func TestDerivationCommitmentMismatch(t *testing.T) {
	keys, _, err := KeyGen(2, 2, rand.Reader)
	require.NoError(t, err)
	ids := []Identifier{1, 2}

	c1, h1, err := keys[0].DeriveContribution([]byte("ctx"), ids)
	require.NoError(t, err)
	c2, h2, err := keys[1].DeriveContribution([]byte("ctx"), ids)
	require.NoError(t, err)

	// Participant 2 reveals a point for a different context
	swapped, _, err := keys[1].DeriveContribution([]byte("other"), ids)
	require.NoError(t, err)

	_, err = AggregateDerivation([]DerivationCommitment{h1, h2}, []DerivationContribution{c1, swapped})
	var mismatch *CommitmentMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, Identifier(2), mismatch.Participant)

	_, err = AggregateDerivation([]DerivationCommitment{h1, h2}, []DerivationContribution{c1, c2})
	require.NoError(t, err)
}

func TestKeyPackageFromSecret(t *testing.T) {
	keys, pub, err := KeyGen(3, 2, rand.Reader)
	require.NoError(t, err)
	secret, err := Reconstruct(keys[:2])
	require.NoError(t, err)

	key, single, err := KeyPackageFromSecret(secret, pub.GroupKey)
	require.NoError(t, err)
	require.NoError(t, key.Validate())
	assert.Equal(t, pub.GroupKey, single.GroupKey)

	msg := []byte("recovered")
	commitments, shares := signWith(t, []*KeyPackage{key}, msg)
	sig, err := Aggregate(single, msg, commitments, shares)
	require.NoError(t, err)
	assert.True(t, Verify(pub.GroupKey, msg, sig))

	_, other, err := KeyGen(1, 1, rand.Reader)
	require.NoError(t, err)
	_, _, err = KeyPackageFromSecret(secret, other.GroupKey)
	assert.ErrorIs(t, err, ErrGroupKeyMismatch)
}
