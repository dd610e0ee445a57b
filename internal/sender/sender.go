// Package sender drives the protocol from the client side: it chunks a
// message, runs the reset handshake, and carries the TCP-style
// congestion controller (slow start, congestion avoidance, fast
// retransmit, fast recovery) that spec §4.5 specifies.
//
// Grounded on QuantaraX's ChunkWorkerPool (_examples/other_examples): a
// per-chunk goroutine dials out and reports its result back over a
// channel to a single driving goroutine. That demultiplexing shape is
// used here instead of the teacher's single-threaded one-ACK-per-
// iteration loop, so the driver sees ACKs strictly in network-arrival
// order regardless of how many chunks are in flight.
package sender

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/faanross/dnscovert/internal/cipher"
	"github.com/faanross/dnscovert/internal/labelcodec"
	"github.com/faanross/dnscovert/internal/protoerr"
)

// Carrier is the transport seam a Sender drives: issue a query, get
// back the ACK it carried. *dnscarrier.Client satisfies this; tests
// substitute an in-process fake so the congestion controller can be
// exercised without real sockets.
type Carrier interface {
	Send(qname string) (ack int, err error)
}

// Chunk splits message into consecutive pieces of at most size bytes,
// the plaintext unit the congestion controller transmits one at a
// time. Chunk plaintext is always 1..size bytes (spec §3); an empty
// message yields zero chunks rather than one zero-length chunk, since
// a zero-length packet can never pass internal/labelcodec's minimum
// packet-length check and would otherwise make the sender retransmit
// an undecodable chunk forever.
func Chunk(message []byte, size int) [][]byte {
	if len(message) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(message)+size-1)/size)
	for i := 0; i < len(message); i += size {
		end := i + size
		if end > len(message) {
			end = len(message)
		}
		chunks = append(chunks, message[i:end])
	}
	return chunks
}

const pacingInterval = 10 * time.Millisecond

type chunkRecord struct {
	sendTime    time.Time
	retransmits int
}

type ackResult struct {
	seq int
	ack int
	err error
}

// Sender carries one message's chunks across the tunnel.
type Sender struct {
	domain     string
	cipher     *cipher.Cipher
	carrier    Carrier
	chunks     [][]byte
	maxRetries int
	logger     zerolog.Logger

	ackCh chan ackResult
}

// New builds a Sender for chunks, addressed to domain, authenticated
// with c, transported by carrier. maxRetries bounds both the reset
// handshake and any single chunk's retransmission count.
func New(domain string, c *cipher.Cipher, carrier Carrier, chunks [][]byte, maxRetries int, logger zerolog.Logger) *Sender {
	return &Sender{
		domain:     domain,
		cipher:     c,
		carrier:    carrier,
		chunks:     chunks,
		maxRetries: maxRetries,
		logger:     logger,
		ackCh:      make(chan ackResult, len(chunks)),
	}
}

// Send runs the reset handshake and then the congestion-controlled
// main loop until every chunk is acknowledged. It returns
// protoerr.ErrNoPeer if the reset handshake never gets 1.2.0.0 back
// within maxRetries+1 tries (one attempt plus maxRetries retries),
// protoerr.ErrPermanentLoss if any chunk
// exceeds its retransmission budget, or nil on success. ctx
// cancellation stops admission of new chunks and lets in-flight
// queries complete or time out before returning ctx.Err().
func (s *Sender) Send(ctx context.Context) error {
	if err := s.reset(); err != nil {
		return err
	}
	return s.runMainLoop(ctx)
}

func (s *Sender) reset() error {
	nonce, tag, ciphertext := ([]byte)(nil), ([]byte)(nil), ([]byte)(nil)
	qname := labelcodec.Encode(labelcodec.ResetSeq, nonce, tag, ciphertext, s.domain)

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		ack, err := s.carrier.Send(qname)
		if err == nil && ack == 0 {
			s.logger.Info().Msg("reset handshake complete")
			return nil
		}
		s.logger.Debug().Err(err).Int("ack", ack).Int("attempt", attempt).Msg("reset handshake attempt failed")
	}
	return fmt.Errorf("%w: no reset acknowledgment after %d attempts", protoerr.ErrNoPeer, s.maxRetries+1)
}

func (s *Sender) sendChunk(seq int) (ack int, err error) {
	nonce, tag, ciphertext, err := s.cipher.Encrypt(s.chunks[seq])
	if err != nil {
		return 0, err
	}
	qname := labelcodec.Encode(seq, nonce, tag, ciphertext, s.domain)
	return s.carrier.Send(qname)
}

func (s *Sender) awaitAck(seq int) {
	ack, err := s.sendChunk(seq)
	s.ackCh <- ackResult{seq: seq, ack: ack, err: err}
}

// runMainLoop implements spec §4.5: admission (a), timeout reaction on
// a chunk's own per-query timeout (b), cumulative/duplicate/stale ACK
// reactions (c), and pacing (d) via the select's ticker case.
func (s *Sender) runMainLoop(ctx context.Context) error {
	const initialSsthresh = 8.0

	total := len(s.chunks)
	cwnd := 2.0
	ssthresh := initialSsthresh
	base := 0
	nextSeq := 0
	dupAckCount := 0
	lastAck := -1
	inFastRecovery := false
	inFlight := make(map[int]*chunkRecord)
	outstanding := 0 // queries whose result has not yet been read from ackCh

	admit := func() {
		for nextSeq < base+int(math.Floor(cwnd)) && nextSeq < total {
			inFlight[nextSeq] = &chunkRecord{sendTime: time.Now()}
			go s.awaitAck(nextSeq)
			outstanding++
			nextSeq++
		}
	}

	retransmit := func(seq int) error {
		rec, ok := inFlight[seq]
		if !ok {
			return nil
		}
		rec.retransmits++
		if rec.retransmits > s.maxRetries {
			return fmt.Errorf("%w: chunk %d exceeded %d retransmissions", protoerr.ErrPermanentLoss, seq, s.maxRetries)
		}
		rec.sendTime = time.Now()
		go s.awaitAck(seq)
		outstanding++
		return nil
	}

	ticker := time.NewTicker(pacingInterval)
	defer ticker.Stop()

	admit()

	for base < total {
		select {
		case <-ctx.Done():
			// Stop admitting; wait for every in-flight query to
			// complete or hit its own per-query timeout.
			for ; outstanding > 0; outstanding-- {
				<-s.ackCh
			}
			return ctx.Err()

		case res := <-s.ackCh:
			outstanding--
			if res.err != nil {
				// This chunk's own query timed out (spec §4.5b): back
				// off the window and retransmit just that chunk.
				ssthresh = math.Max(2, math.Floor(cwnd/2))
				cwnd = 1
				inFastRecovery = false
				dupAckCount = 0
				if err := retransmit(res.seq); err != nil {
					return err
				}
				admit()
				continue
			}

			ack := res.ack
			switch {
			case ack > base:
				for seq := range inFlight {
					if seq < ack {
						delete(inFlight, seq)
					}
				}
				base = ack
				dupAckCount = 0
				if inFastRecovery {
					cwnd = ssthresh
					inFastRecovery = false
				} else if cwnd < ssthresh {
					cwnd++
				} else {
					cwnd += 1 / cwnd
				}

			case ack == lastAck && ack == base:
				dupAckCount++
				if inFastRecovery {
					cwnd++
				} else if dupAckCount == 3 {
					ssthresh = math.Max(2, math.Floor(cwnd/2))
					cwnd = ssthresh + 3
					inFastRecovery = true
					if err := retransmit(base); err != nil {
						return err
					}
				}

			case ack < base:
				// Stale ACK: ignore, do not move lastAck backwards.
				admit()
				continue
			}

			lastAck = ack
			admit()

		case <-ticker.C:
			admit()
		}
	}

	s.logger.Info().Int("chunks", total).Msg("message fully acknowledged")
	return nil
}
