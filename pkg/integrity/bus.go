package integrity

import (
	"context"

	"github.com/cuemby/enrolld/pkg/types"
)

// Peer is the one-sided message bus contract the Synchronizer drives: it
// only ever publishes a message at the peer and never blocks waiting for
// a reply on the same call. A reply, if the peer has one, arrives later
// as its own independent Publish back at the local Receive entry point.
// This mirrors the wire shape of the underlying protocol, where a
// checksum announcement and a checksum_fail/no_data/state response are
// all the same kind of one-way message, not a request/response pair.
type Peer interface {
	// Publish sends msg at the peer. It returns once the peer's Receive
	// has handled the message, reporting Receive's error if it failed;
	// any reply still arrives as a separate Publish.
	Publish(ctx context.Context, msg *types.SyncMessage) error
}
