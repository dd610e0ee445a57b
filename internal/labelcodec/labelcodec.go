// Package labelcodec turns an encrypted chunk packet into a DNS query
// name and back: Base32-encode, split into ≤63-character labels,
// prepend a "seq{N}" label, append the tunnel domain (spec §3, §4.2).
//
// Label splitting and domain-suffix handling follow dnsconn's
// marshalPayload and slipstream-go's splitIntoLabels/dns_handler.go
// (_examples/other_examples), which do the same 63-char Base32
// label-splitting dance over miekg/dns's SplitDomainName.
package labelcodec

import (
	"encoding/base32"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/faanross/dnscovert/internal/protoerr"
)

// MaxLabelLen is the DNS wire limit on a single label (RFC 1035).
const MaxLabelLen = 63

// MaxQNAMELen is the DNS wire limit on a full query name.
const MaxQNAMELen = 255

// ResetSeq is the distinguished sequence number for the reset control
// message (spec §3, §4.4).
const ResetSeq = -1

var base32Enc = base32.StdEncoding.WithPadding(base32.NoPadding)

var seqLabelPattern = regexp.MustCompile(`(?i)^seq(-?\d+)$`)

// Encode composes the QNAME for one chunk: "seq{N}.{enc1}…{encK}.{DOMAIN}".
// For the reset message (seq == ResetSeq) nonce/tag/ciphertext must all
// be empty and the QNAME carries no data labels at all: "seq-1.{DOMAIN}".
//
// A QNAME that would exceed 255 octets is a misconfigured chunk size —
// a programmer error caught by config.Validate before this is ever
// reached — so Encode panics rather than silently truncating (spec
// §4.2).
func Encode(seq int, nonce, tag, ciphertext []byte, domain string) string {
	seqLabel := "seq" + strconv.Itoa(seq)

	var qname string
	if seq == ResetSeq {
		qname = seqLabel + "." + domain
	} else {
		packet := make([]byte, 0, len(nonce)+len(tag)+len(ciphertext))
		packet = append(packet, nonce...)
		packet = append(packet, tag...)
		packet = append(packet, ciphertext...)

		encoded := base32Enc.EncodeToString(packet)
		fragments := splitIntoLabels(encoded, MaxLabelLen)
		qname = seqLabel + "." + strings.Join(fragments, ".") + "." + domain
	}

	if len(qname) > MaxQNAMELen {
		panic(fmt.Sprintf("labelcodec: QNAME %d octets exceeds %d-octet limit; chunk size is misconfigured", len(qname), MaxQNAMELen))
	}
	return qname
}

// Decode is Encode's inverse: it strips the DOMAIN suffix, parses the
// leading "seq{N}" label, and Base32-decodes the remaining labels back
// into nonce, tag, and ciphertext. Any structural problem — wrong
// domain, unparsable sequence label, invalid Base32, a packet shorter
// than 33 bytes — is reported as protoerr.ErrFormat.
//
// For the reset message (seq == ResetSeq) nonce/tag/ciphertext all
// come back nil.
func Decode(qname, domain string) (seq int, nonce, tag, ciphertext []byte, err error) {
	qLabels := dns.SplitDomainName(qname)
	dLabels := dns.SplitDomainName(domain)

	if len(qLabels) <= len(dLabels) {
		return 0, nil, nil, nil, fmt.Errorf("%w: qname %q has no room for a sequence label under domain %q", protoerr.ErrFormat, qname, domain)
	}

	suffix := qLabels[len(qLabels)-len(dLabels):]
	if !strings.EqualFold(strings.Join(suffix, "."), strings.Join(dLabels, ".")) {
		return 0, nil, nil, nil, fmt.Errorf("%w: qname %q does not end in domain %q", protoerr.ErrFormat, qname, domain)
	}

	remaining := qLabels[:len(qLabels)-len(dLabels)]
	seqLabel := remaining[0]
	dataLabels := remaining[1:]

	m := seqLabelPattern.FindStringSubmatch(seqLabel)
	if m == nil {
		return 0, nil, nil, nil, fmt.Errorf("%w: label %q is not a sequence label", protoerr.ErrFormat, seqLabel)
	}
	seq, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, nil, nil, nil, fmt.Errorf("%w: sequence label %q does not parse: %v", protoerr.ErrFormat, seqLabel, convErr)
	}

	if seq == ResetSeq {
		return ResetSeq, nil, nil, nil, nil
	}

	encoded := strings.ToUpper(strings.Join(dataLabels, ""))
	if rem := len(encoded) % 8; rem != 0 {
		encoded += strings.Repeat("=", 8-rem)
	}

	packet, decErr := base32Enc.WithPadding('=').DecodeString(encoded)
	if decErr != nil {
		return 0, nil, nil, nil, fmt.Errorf("%w: base32 decode failed: %v", protoerr.ErrFormat, decErr)
	}

	const minPacketLen = 16 + 16 + 1 // nonce + tag + at least one ciphertext byte
	if len(packet) < minPacketLen {
		return 0, nil, nil, nil, fmt.Errorf("%w: packet is %d bytes, need at least %d", protoerr.ErrFormat, len(packet), minPacketLen)
	}

	nonce = packet[0:16]
	tag = packet[16:32]
	ciphertext = packet[32:]
	return seq, nonce, tag, ciphertext, nil
}

// splitIntoLabels breaks s into consecutive chunks of at most maxLen
// characters, left to right.
func splitIntoLabels(s string, maxLen int) []string {
	if len(s) == 0 {
		return nil
	}
	fragments := make([]string, 0, (len(s)+maxLen-1)/maxLen)
	for i := 0; i < len(s); i += maxLen {
		end := i + maxLen
		if end > len(s) {
			end = len(s)
		}
		fragments = append(fragments, s[i:end])
	}
	return fragments
}
