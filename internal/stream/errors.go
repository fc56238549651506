package stream

import "errors"

// Error taxonomy for stream downloads. Terminal states are reported with
// a specific error so callers can tell "no peers" from "peers too slow"
// from "data integrity problem".
var (
	// ErrInvalidDescriptor means the stream descriptor is malformed.
	// Fatal for the stream; never retried.
	ErrInvalidDescriptor = errors.New("invalid stream descriptor")

	// ErrCorruptData means a hash or decryption mismatch. Never retried
	// with the same bytes, but the blob may be retried from a different
	// peer.
	ErrCorruptData = errors.New("corrupt stream data")

	// ErrPeerTimeout means every candidate peer for a blob failed to
	// deliver within the per-blob timeout.
	ErrPeerTimeout = errors.New("peer timed out")

	// ErrNoPeersFound means the DHT lookup exhausted within the peer
	// search timeout without finding any holder.
	ErrNoPeersFound = errors.New("no peers found")

	// ErrStreamTimeout means the overall per-stream deadline elapsed.
	ErrStreamTimeout = errors.New("stream download timed out")

	// ErrCancelled means the download was cancelled by the caller.
	ErrCancelled = errors.New("stream download cancelled")
)
