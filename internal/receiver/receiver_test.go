package receiver

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/faanross/dnscovert/internal/cipher"
	"github.com/faanross/dnscovert/internal/labelcodec"
)

const testDomain = "covert.example.com"

func mustCipher(t *testing.T) *cipher.Cipher {
	t.Helper()
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatalf("key generation: %v", err)
	}
	c, err := cipher.New(key)
	if err != nil {
		t.Fatalf("cipher.New: %v", err)
	}
	return c
}

func encodeChunk(t *testing.T, c *cipher.Cipher, seq int, plaintext []byte) string {
	t.Helper()
	nonce, tag, ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return labelcodec.Encode(seq, nonce, tag, ciphertext, testDomain)
}

func TestHandleQueryInOrderRoundTrip(t *testing.T) {
	c := mustCipher(t)
	r := New(testDomain, c, zerolog.Nop())

	chunks := [][]byte{[]byte("abc"), []byte("def"), []byte("ghi")}
	for i, pt := range chunks {
		qname := encodeChunk(t, c, i, pt)
		ack, err := r.HandleQuery(qname)
		if err != nil {
			t.Fatalf("HandleQuery: %v", err)
		}
		if ack != i+1 {
			t.Fatalf("chunk %d: expected ack %d, got %d", i, i+1, ack)
		}
	}

	got, expected := r.Snapshot()
	if expected != len(chunks) {
		t.Fatalf("expected expectedSeq %d, got %d", len(chunks), expected)
	}
	for i, pt := range chunks {
		if !bytes.Equal(got[i], pt) {
			t.Fatalf("chunk %d: got %q, want %q", i, got[i], pt)
		}
	}
}

func TestHandleQueryOutOfOrderHoldsAckAtGap(t *testing.T) {
	c := mustCipher(t)
	r := New(testDomain, c, zerolog.Nop())

	qname2 := encodeChunk(t, c, 2, []byte("two"))
	ack, err := r.HandleQuery(qname2)
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if ack != 0 {
		t.Fatalf("expected ack to hold at 0 with a gap, got %d", ack)
	}

	qname0 := encodeChunk(t, c, 0, []byte("zero"))
	qname1 := encodeChunk(t, c, 1, []byte("one"))
	if ack, err = r.HandleQuery(qname0); err != nil || ack != 1 {
		t.Fatalf("chunk 0: ack=%d err=%v", ack, err)
	}
	if ack, err = r.HandleQuery(qname1); err != nil || ack != 3 {
		t.Fatalf("chunk 1: expected ack 3 after filling the gap, got ack=%d err=%v", ack, err)
	}
}

func TestHandleQueryRejectsTamperedCiphertext(t *testing.T) {
	c := mustCipher(t)
	r := New(testDomain, c, zerolog.Nop())

	nonce, tag, ciphertext, err := c.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ciphertext[0] ^= 0xFF
	qname := labelcodec.Encode(0, nonce, tag, ciphertext, testDomain)

	ack, err := r.HandleQuery(qname)
	if err != nil {
		t.Fatalf("HandleQuery should never return an error, got %v", err)
	}
	if ack != 0 {
		t.Fatalf("expected ack unchanged at 0 after auth failure, got %d", ack)
	}

	chunks, expected := r.Snapshot()
	if expected != 0 || len(chunks) != 0 {
		t.Fatalf("expected no state change after auth failure, got expectedSeq=%d chunks=%v", expected, chunks)
	}
	if r.Stats().AuthFailures != 1 {
		t.Fatalf("expected one auth failure counted, got %d", r.Stats().AuthFailures)
	}
}

func TestHandleQueryResetIsIdempotent(t *testing.T) {
	c := mustCipher(t)
	r := New(testDomain, c, zerolog.Nop())

	for i := 0; i < 3; i++ {
		qname := encodeChunk(t, c, i, []byte("x"))
		if _, err := r.HandleQuery(qname); err != nil {
			t.Fatalf("HandleQuery: %v", err)
		}
	}

	resetQname := labelcodec.Encode(labelcodec.ResetSeq, nil, nil, nil, testDomain)
	for i := 0; i < 2; i++ {
		ack, err := r.HandleQuery(resetQname)
		if err != nil {
			t.Fatalf("HandleQuery reset: %v", err)
		}
		if ack != 0 {
			t.Fatalf("reset %d: expected ack 0, got %d", i, ack)
		}
		chunks, expected := r.Snapshot()
		if expected != 0 || len(chunks) != 0 {
			t.Fatalf("reset %d: expected clean state, got expectedSeq=%d chunks=%v", i, expected, chunks)
		}
	}
}

func TestHandleQueryDuplicateDoesNotOverwrite(t *testing.T) {
	c := mustCipher(t)
	r := New(testDomain, c, zerolog.Nop())

	// Chunk 1 arrives ahead of chunk 0, so it is buffered at or above
	// expectedSeq and its replay reaches the duplicate check rather than
	// the stale-sequence check.
	qname := encodeChunk(t, c, 1, []byte("first"))
	if _, err := r.HandleQuery(qname); err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	dupQname := encodeChunk(t, c, 1, []byte("second"))
	ack, err := r.HandleQuery(dupQname)
	if err != nil {
		t.Fatalf("HandleQuery duplicate: %v", err)
	}
	if ack != 0 {
		t.Fatalf("expected ack to stay at 0, got %d", ack)
	}

	chunks, _ := r.Snapshot()
	if !bytes.Equal(chunks[1], []byte("first")) {
		t.Fatalf("duplicate overwrote stored chunk: got %q", chunks[1])
	}
	if r.Stats().Duplicates != 1 {
		t.Fatalf("expected one duplicate counted, got %d", r.Stats().Duplicates)
	}
}

func TestHandleQueryRejectsMalformedQname(t *testing.T) {
	c := mustCipher(t)
	r := New(testDomain, c, zerolog.Nop())

	ack, err := r.HandleQuery("totally-not-a-valid-qname.other.domain")
	if err != nil {
		t.Fatalf("HandleQuery should never return an error, got %v", err)
	}
	if ack != 0 {
		t.Fatalf("expected ack unchanged at 0, got %d", ack)
	}
	if r.Stats().FormatErrors != 1 {
		t.Fatalf("expected one format error counted, got %d", r.Stats().FormatErrors)
	}
}

func TestHandleQueryStaleChunkDoesNotLowerAck(t *testing.T) {
	c := mustCipher(t)
	r := New(testDomain, c, zerolog.Nop())

	for i := 0; i < 3; i++ {
		qname := encodeChunk(t, c, i, []byte("x"))
		if _, err := r.HandleQuery(qname); err != nil {
			t.Fatalf("HandleQuery: %v", err)
		}
	}

	staleQname := encodeChunk(t, c, 0, []byte("replay"))
	ack, err := r.HandleQuery(staleQname)
	if err != nil {
		t.Fatalf("HandleQuery stale: %v", err)
	}
	if ack != 3 {
		t.Fatalf("expected ack to remain 3 on stale chunk, got %d", ack)
	}
}
