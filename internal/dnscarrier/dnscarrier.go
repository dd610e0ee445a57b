// Package dnscarrier is the DNS transport boundary: it turns an encoded
// QNAME into an outgoing A-record query (sender side) and an incoming
// A-record query into a decoded ACK (receiver side), per spec §4.3.
//
// Grounded on the teacher's cmd/dns-server/main.go (dns.HandleFunc over
// a dns.Server) and cmd/stego-send/main.go (dns.Client.Exchange),
// generalized from UDP steganography delivery to the TCP-only query/ACK
// exchange spec §3 requires so a single query round trip always reports
// exactly one ACK.
package dnscarrier

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/faanross/dnscovert/internal/protoerr"
)

// AckToIP encodes a cumulative ACK count into the IPv4 literal spec
// §4.3 defines: "1.2.A.B" where ack == A*256+B. The reset
// acknowledgment is ack == 0, i.e. "1.2.0.0".
func AckToIP(ack int) net.IP {
	a := byte((ack >> 8) & 0xFF)
	b := byte(ack & 0xFF)
	return net.IPv4(1, 2, a, b)
}

// IPToAck is AckToIP's inverse. An address outside the 1.2.A.B range is
// reported as protoerr.ErrFormat.
func IPToAck(ip net.IP) (int, error) {
	ip4 := ip.To4()
	if ip4 == nil || ip4[0] != 1 || ip4[1] != 2 {
		return 0, fmt.Errorf("%w: %s is not an ack-encoded address", protoerr.ErrFormat, ip)
	}
	return int(ip4[2])<<8 | int(ip4[3]), nil
}

// Client issues chunk queries over TCP DNS and decodes the ACK carried
// back in the first answer record.
type Client struct {
	dnsClient  *dns.Client
	serverAddr string
}

// NewClient builds a Client that dials serverIP:serverPort over TCP,
// giving up on a single query after timeout.
func NewClient(serverIP string, serverPort int, timeout time.Duration) *Client {
	return &Client{
		dnsClient:  &dns.Client{Net: "tcp", Timeout: timeout},
		serverAddr: net.JoinHostPort(serverIP, strconv.Itoa(serverPort)),
	}
}

// Send issues qname as an A query and returns the ACK encoded in the
// response. Any network failure, timeout, or missing answer is
// reported as protoerr.ErrTimeout — the congestion controller (spec
// §4.5) treats all three identically.
func (c *Client) Send(qname string) (ack int, err error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), dns.TypeA)
	msg.RecursionDesired = false

	resp, _, err := c.dnsClient.Exchange(msg, c.serverAddr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", protoerr.ErrTimeout, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return 0, fmt.Errorf("%w: server returned rcode %d", protoerr.ErrTimeout, resp.Rcode)
	}
	if len(resp.Answer) == 0 {
		return 0, fmt.Errorf("%w: no answer records", protoerr.ErrTimeout)
	}
	aRec, ok := resp.Answer[0].(*dns.A)
	if !ok {
		return 0, fmt.Errorf("%w: answer is not an A record", protoerr.ErrFormat)
	}
	return IPToAck(aRec.A)
}

// Handler processes one query's QNAME and returns the ACK to encode in
// the reply. It is the seam between the DNS transport and the
// receiver's reliability state.
type Handler func(qname string) (ack int, err error)

// Server answers A queries under domain by delegating to a Handler and
// encoding its returned ACK in the reply's A record.
type Server struct {
	domain string
	handle Handler
	logger zerolog.Logger

	srv *dns.Server
}

// NewServer builds a Server bound to addr, answering only queries whose
// QNAME ends in domain.
func NewServer(addr, domain string, handle Handler, logger zerolog.Logger) *Server {
	s := &Server{
		domain: dns.Fqdn(domain),
		handle: handle,
		logger: logger,
	}
	mux := dns.NewServeMux()
	mux.HandleFunc(s.domain, s.serveDNS)
	s.srv = &dns.Server{Addr: addr, Net: "tcp", Handler: mux}
	return s
}

// ListenAndServe blocks, serving queries until Shutdown is called.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// ActivateAndServe serves queries over an already-bound listener; tests
// use this to pick an ephemeral port rather than binding Addr.
func (s *Server) ActivateAndServe(l net.Listener) error {
	s.srv.Listener = l
	return s.srv.ActivateAndServe()
}

// Shutdown stops the server, waiting for in-flight queries to finish or
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownContext(ctx)
}

func (s *Server) serveDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	if len(r.Question) != 1 || r.Question[0].Qtype != dns.TypeA {
		m.SetRcode(r, dns.RcodeFormatError)
		_ = w.WriteMsg(m)
		return
	}
	qname := r.Question[0].Name

	ack, err := s.handle(qname)
	if err != nil {
		s.logger.Warn().Err(err).Str("qname", qname).Msg("query rejected")
		m.SetRcode(r, dns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}

	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
		A:   AckToIP(ack),
	})
	_ = w.WriteMsg(m)
}
