// Package transport defines the packet bearer interfaces the channel layer
// runs on and the refusal detection shared by every bearer kind.
//
// Key concepts:
// - Transport: dials/listens for Sessions of a specific Kind (udp/tcp/quic/mem/winpipe)
// - Session: one established bidirectional packet pipe to a remote end
// - Listener: accepts inbound Sessions
//
// Bearers deliver whole packets or nothing; ordering, retransmission and
// duplicate suppression live in the channel layer above.
package transport
