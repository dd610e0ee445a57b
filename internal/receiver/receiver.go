// Package receiver holds the server side of the protocol's reliability
// state: the next expected chunk sequence number and the set of chunks
// received so far, including any buffered ahead of a gap (spec §4.4).
//
// Grounded on the teacher's internal/dns-server storage (a
// sync.RWMutex-guarded in-memory map) and on other_examples'
// ucanyiit-middlebox covert-txt DNS handler, whose mapMutex-protected
// map[int][]byte of received chunks is exactly the shape this state
// needs. A single sync.Mutex guards expectedSeq and receivedChunks
// together, since every request both reads and commits state.
package receiver

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/faanross/dnscovert/internal/cipher"
	"github.com/faanross/dnscovert/internal/labelcodec"
)

// ResetSeq is the sequence number carried by the reset control message.
const ResetSeq = labelcodec.ResetSeq

// Stats counts rejected queries (malformed, unauthenticated, duplicate)
// and accepted resets for observability (spec §9).
type Stats struct {
	FormatErrors int
	AuthFailures int
	Duplicates   int
	Resets       int
}

// Receiver holds one tunnel session's reassembly state.
type Receiver struct {
	domain string
	cipher *cipher.Cipher
	logger zerolog.Logger

	mu             sync.Mutex
	expectedSeq    int
	receivedChunks map[int][]byte
	stats          Stats
}

// New builds a Receiver that only accepts queries ending in domain and
// decrypts chunks with c.
func New(domain string, c *cipher.Cipher, logger zerolog.Logger) *Receiver {
	return &Receiver{
		domain:         domain,
		cipher:         c,
		logger:         logger,
		receivedChunks: make(map[int][]byte),
	}
}

// HandleQuery implements spec §4.4's six-step request-handling
// algorithm and returns the ACK to encode in the reply. It never
// returns an error to the caller: every rejection (malformed QNAME,
// stale sequence, failed authentication, duplicate) is answered with
// the current expectedSeq, exactly as any other ACK. Malformed,
// unauthenticated and duplicate chunks are counted in Stats; stale
// chunks are only logged.
func (r *Receiver) HandleQuery(qname string) (ack int, err error) {
	seq, nonce, tag, ciphertext, decErr := labelcodec.Decode(qname, r.domain)

	r.mu.Lock()
	defer r.mu.Unlock()

	if decErr != nil {
		r.stats.FormatErrors++
		r.logger.Debug().Err(decErr).Str("qname", qname).Msg("rejected malformed query")
		return r.expectedSeq, nil
	}

	if seq == ResetSeq {
		r.receivedChunks = make(map[int][]byte)
		r.expectedSeq = 0
		r.stats.Resets++
		r.logger.Info().Msg("session reset")
		return 0, nil
	}

	if seq < r.expectedSeq {
		r.logger.Debug().Int("seq", seq).Int("expected", r.expectedSeq).Msg("stale chunk")
		return r.expectedSeq, nil
	}

	plaintext, authErr := r.cipher.Decrypt(nonce, tag, ciphertext)
	if authErr != nil {
		r.stats.AuthFailures++
		r.logger.Warn().Err(authErr).Int("seq", seq).Msg("authentication failed")
		return r.expectedSeq, nil
	}

	if _, dup := r.receivedChunks[seq]; dup {
		r.stats.Duplicates++
		return r.expectedSeq, nil
	}

	r.receivedChunks[seq] = plaintext
	for {
		if _, ok := r.receivedChunks[r.expectedSeq]; !ok {
			break
		}
		r.expectedSeq++
	}
	return r.expectedSeq, nil
}

// Snapshot returns a copy of the received-chunk map and the current
// expectedSeq, suitable for handing to the reassembler at shutdown.
func (r *Receiver) Snapshot() (chunks map[int][]byte, expectedSeq int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chunks = make(map[int][]byte, len(r.receivedChunks))
	for k, v := range r.receivedChunks {
		chunks[k] = v
	}
	return chunks, r.expectedSeq
}

// Stats returns a copy of the receiver's observability counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
