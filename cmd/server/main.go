// Command server is the receiver side of the tunnel: it answers chunk
// and reset queries until interrupted, then reassembles and prints
// whatever message arrived.
//
// Grounded on the teacher's cmd/dns-server/main.go interrupt handler
// (signal.Notify/<-sigChan, a final stats printout before exit).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/faanross/dnscovert/internal/cipher"
	"github.com/faanross/dnscovert/internal/config"
	"github.com/faanross/dnscovert/internal/dnscarrier"
	"github.com/faanross/dnscovert/internal/protoerr"
	"github.com/faanross/dnscovert/internal/reassembler"
	"github.com/faanross/dnscovert/internal/receiver"
)

func main() {
	domain := flag.String("domain", "covert.example.com", "tunnel domain")
	addr := flag.String("addr", ":5354", "listen address")
	keyEnv := flag.String("key-env", "DNSCOVERT_KEY", "environment variable holding the hex-encoded shared key")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	hexKey := os.Getenv(*keyEnv)
	if hexKey == "" {
		logger.Fatal().Msgf("%v: environment variable %s is empty", protoerr.ErrConfig, *keyEnv)
	}
	key, err := config.ParseKeyHex(hexKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not parse shared key")
	}

	cfg := &config.Config{
		SharedKey:  key,
		Domain:     *domain,
		ChunkSize:  config.DefaultChunkSize,
		ServerPort: addrPort(*addr),
		ServerIP:   "0.0.0.0",
		Timeout:    config.DefaultTimeout,
		MaxRetries: config.DefaultMaxRetries,
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("configuration rejected")
	}

	c, err := cipher.New(cfg.SharedKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("cipher setup failed")
	}

	recv := receiver.New(cfg.Domain, c, logger)
	srv := dnscarrier.NewServer(*addr, cfg.Domain, recv.HandleQuery, logger)

	fmt.Printf("\n🌐 dnscovert server\n")
	fmt.Printf("   domain: %s\n", cfg.Domain)
	fmt.Printf("   listen: %s (tcp)\n", *addr)
	fmt.Println("\n✅ ready — waiting for chunks")

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	select {
	case err := <-serveErrCh:
		logger.Fatal().Err(err).Msg("DNS server stopped unexpectedly")
	case <-sigCh:
		fmt.Println("\n🛑 shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("shutdown did not complete cleanly")
	}

	printReport(recv)
}

func printReport(recv *receiver.Receiver) {
	chunks, expectedSeq := recv.Snapshot()
	message, missing := reassembler.Reassemble(chunks)
	stats := recv.Stats()

	received := make([]int, 0, len(chunks))
	for seq := range chunks {
		received = append(received, seq)
	}
	sort.Ints(received)

	fmt.Printf("\n📬 session summary\n")
	fmt.Printf("   chunks received: %d %v\n", len(chunks), received)
	fmt.Printf("   expected_seq:    %d\n", expectedSeq)
	fmt.Printf("   format errors:   %d\n", stats.FormatErrors)
	fmt.Printf("   auth failures:   %d\n", stats.AuthFailures)
	fmt.Printf("   duplicates:      %d\n", stats.Duplicates)
	fmt.Printf("   resets:          %d\n", stats.Resets)

	if len(missing) == 0 {
		fmt.Printf("\n✅ message complete (%d bytes):\n\n%s\n", len(message), message)
	} else {
		fmt.Printf("\n⚠️  incomplete message (%d bytes recovered), missing sequences: %v\n\n%s\n", len(message), missing, message)
	}
}

func addrPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return config.DefaultServerPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config.DefaultServerPort
	}
	return port
}
