// Package protoerr defines the sentinel error kinds shared by every layer
// of the tunnel: cipher, label codec, receiver, and sender.
package protoerr

import "errors"

// Sentinel errors for the protocol's error kinds (spec §7). Wrap these
// with fmt.Errorf("...: %w", Err...) at the point of occurrence and
// compare with errors.Is.
var (
	// ErrConfig covers a bad key length, an oversized domain, or a
	// chunk size that cannot fit a QNAME within 255 octets. Detected
	// once at startup; fatal.
	ErrConfig = errors.New("protoerr: configuration error")

	// ErrFormat covers a malformed QNAME, a short packet, or invalid
	// Base32. The receiver never lets this disturb session state.
	ErrFormat = errors.New("protoerr: malformed wire format")

	// ErrAuth covers a GCM tag mismatch. Indistinguishable from any
	// other decrypt failure to the caller.
	ErrAuth = errors.New("protoerr: authentication failed")

	// ErrTimeout covers a DNS query that received no answer within
	// the configured per-query timeout.
	ErrTimeout = errors.New("protoerr: query timed out")

	// ErrNoPeer covers a reset handshake that failed MAX_RETX times.
	// Fatal for the session.
	ErrNoPeer = errors.New("protoerr: no peer answered reset")

	// ErrPermanentLoss covers a single chunk that exceeded MAX_RETX
	// retransmissions. Fatal for the session.
	ErrPermanentLoss = errors.New("protoerr: chunk exceeded retransmission budget")
)
