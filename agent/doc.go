// Package agent is the device runtime of an account. It owns the device's
// journal replica, its FROST key share and its identity keys, and drives the
// account operations as ceremonies: genesis and bootstrap, enrollment and
// removal of devices, share refresh, threshold signing, context key
// derivation, guardian setup and guardian-assisted recovery.
//
// An Agent answers ceremonies started by other devices from Run, which also
// serves journal anti-entropy on the same network.
package agent
