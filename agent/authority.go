package agent

import (
	"crypto/ed25519"

	"github.com/ruteri/aura/capability"
	"github.com/ruteri/aura/cryptoutils"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/journal"
	"github.com/ruteri/aura/ratchettree"
)

// authorityContext is the context capability facts of an account live in.
func authorityContext(account interfaces.AccountID) interfaces.ContextID {
	return contextFor("authority", account)
}

// emitRoot makes device a root authority holding every permission. Roots can
// only be added before the first delegation.
func emitRoot(j *journal.Journal, device interfaces.DeviceID, author interfaces.DeviceID) error {
	grant := capability.RootGrant{Subject: capability.Device(device), Permissions: capability.NewSet(capability.AllPermissions...)}
	nonce := journal.NonceFromHash(cryptoutils.DomainSum("aura.agent.root", device[:]))
	_, err := j.Emit(journal.TypeCapRoot, authorityContext(j.Account.Account), nonce, &grant, author)
	return err
}

// grantAll delegates every permission grantor holds to device, unattenuated.
// The delegations are validated against a copy of graph.
func grantAll(graph *capability.AuthorityGraph, grantor capability.Subject, device interfaces.DeviceID) ([]capability.Delegation, error) {
	g := graph.Clone()
	var out []capability.Delegation
	for _, perm := range g.Capabilities(grantor) {
		d, err := g.Delegate(grantor, capability.Device(device), perm, capability.Any())
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// rootSubject returns a root authority of the account, preferring a live
// device.
func rootSubject(j *journal.Journal) (capability.Subject, bool) {
	live := map[string]bool{}
	for _, d := range j.Account.LiveDevices() {
		live[d.ID.String()] = true
	}
	var fallback *capability.Subject
	for _, root := range j.Account.Authority.Roots {
		if root.Subject.Kind == capability.SubjectDevice && live[root.Subject.ID] {
			return root.Subject, true
		}
		if fallback == nil {
			s := root.Subject
			fallback = &s
		}
	}
	if fallback == nil {
		return capability.Subject{}, false
	}
	return *fallback, true
}

func emitDelegations(j *journal.Journal, ds []capability.Delegation, author interfaces.DeviceID) error {
	for _, d := range ds {
		if _, err := j.Emit(journal.TypeCapDelegate, authorityContext(j.Account.Account), journal.NonceFromHash(d.ID()), &d, author); err != nil {
			return err
		}
	}
	return nil
}

// deviceLeaf is the tree leaf of a device holding FROST identifier id.
func deviceLeaf(device interfaces.DeviceID, name string, id uint16, signingKey ed25519.PublicKey) (ratchettree.LeafNode, error) {
	meta, err := journal.Encode(&journal.DeviceMetadata{Name: name, Identifier: id})
	if err != nil {
		return ratchettree.LeafNode{}, err
	}
	return ratchettree.LeafNode{
		ID:        ratchettree.LeafID(device),
		Role:      ratchettree.RoleDevice,
		PublicKey: signingKey,
		Metadata:  meta,
	}, nil
}

func guardianLeaf(guardian interfaces.GuardianID, name string, index uint8, signingKey ed25519.PublicKey) (ratchettree.LeafNode, error) {
	meta, err := journal.Encode(&journal.GuardianMetadata{Name: name, ShareIndex: index})
	if err != nil {
		return ratchettree.LeafNode{}, err
	}
	return ratchettree.LeafNode{
		ID:        ratchettree.LeafID(guardian),
		Role:      ratchettree.RoleGuardian,
		PublicKey: signingKey,
		Metadata:  meta,
	}, nil
}
