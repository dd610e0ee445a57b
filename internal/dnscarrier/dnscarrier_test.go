package dnscarrier

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/faanross/dnscovert/internal/protoerr"
)

func TestAckIPRoundTrip(t *testing.T) {
	for _, ack := range []int{0, 1, 255, 256, 65535} {
		ip := AckToIP(ack)
		got, err := IPToAck(ip)
		if err != nil {
			t.Fatalf("IPToAck(%s): %v", ip, err)
		}
		if got != ack {
			t.Fatalf("round trip mismatch: encoded %d, decoded %d", ack, got)
		}
	}
}

func TestIPToAckRejectsForeignAddress(t *testing.T) {
	if _, err := IPToAck(net.IPv4(8, 8, 8, 8)); err == nil {
		t.Fatal("expected error for a non-ack-encoded address")
	}
}

func startTestServer(t *testing.T, handle Handler) (addr string, shutdown func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := NewServer(l.Addr().String(), "tun.example.com", handle, zerolog.Nop())
	go func() {
		_ = srv.ActivateAndServe(l)
	}()
	// ActivateAndServe needs a moment to start accepting; dns.Server has
	// no synchronous ready signal, so a short wait is the simplest way
	// a client dial will succeed.
	time.Sleep(20 * time.Millisecond)

	return l.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	var gotQname string
	handle := func(qname string) (int, error) {
		gotQname = qname
		return 513, nil
	}

	addr, shutdown := startTestServer(t, handle)
	defer shutdown()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	client := NewClient(host, port, 2*time.Second)
	ack, err := client.Send("seq1.AAAA.tun.example.com")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack != 513 {
		t.Fatalf("expected ack 513, got %d", ack)
	}
	if gotQname == "" {
		t.Fatal("handler never saw a qname")
	}
}

func TestClientReportsTimeoutOnRefusedConnection(t *testing.T) {
	client := NewClient("127.0.0.1", 1, 200*time.Millisecond)
	if _, err := client.Send("seq1.AAAA.tun.example.com"); !errors.Is(err, protoerr.ErrTimeout) {
		t.Fatalf("expected ErrTimeout dialing a closed port, got %v", err)
	}
}
