// Package amp implements the channel layer of the messaging protocol: the
// 80-byte message header, channel epoch state reduced from journal facts,
// send and receive generation windows, replay defense, envelope encryption,
// rendezvous descriptors and the anti-entropy sync scheduler.
//
// Channel state is never a local counter. Every change (checkpoints, epoch
// bumps, generation advances) is a journal fact, and the state is recomputed
// by Reduce, so replicas that have merged the same facts agree on it.
package amp
