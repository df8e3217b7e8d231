// Package recovery implements guardian-based account recovery.
//
// Guardians hold Shamir shares of a recovery secret. A new device files a
// request, guardians approve it by releasing their share sealed to the new
// device's key, and once enough approvals are in and the cooldown has passed
// the device combines the shares. Any live device can cancel a request
// during the cooldown, and guardians or devices can dispute it. The request
// status is reduced from journal facts, so every replica computes the same
// answer.
package recovery
