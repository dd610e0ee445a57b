// Command agent is the sender side of the tunnel: it reads a message
// from a file or stdin, chunks it, and drives it across the covert
// channel under the congestion controller in internal/sender.
//
// Grounded on the teacher's cmd/stego-send/main.go for CLI shape
// (flag-based configuration, a startup banner, log.Fatal on
// unrecoverable setup errors) and internal/scrypto.GetSecurePassword
// for the hidden-input key prompt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/faanross/dnscovert/internal/cipher"
	"github.com/faanross/dnscovert/internal/config"
	"github.com/faanross/dnscovert/internal/dnscarrier"
	"github.com/faanross/dnscovert/internal/protoerr"
	"github.com/faanross/dnscovert/internal/sender"
)

func main() {
	domain := flag.String("domain", "covert.example.com", "tunnel domain")
	server := flag.String("server", "127.0.0.1:5354", "receiver address (host:port)")
	keyEnv := flag.String("key-env", "DNSCOVERT_KEY", "environment variable holding the hex-encoded shared key")
	keyPrompt := flag.Bool("key-prompt", false, "prompt for the hex-encoded shared key instead of reading -key-env")
	chunkSize := flag.Int("chunk-size", config.DefaultChunkSize, "plaintext bytes per chunk")
	timeout := flag.Duration("timeout", config.DefaultTimeout, "per-query timeout")
	maxRetries := flag.Int("max-retries", config.DefaultMaxRetries, "retransmission budget per chunk and for the reset handshake")
	input := flag.String("input", "", "file to send; reads stdin if omitted")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	key, err := resolveKey(*keyEnv, *keyPrompt)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not obtain shared key")
	}

	host, portStr, err := net.SplitHostPort(*server)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid -server address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid -server port")
	}

	cfg := &config.Config{
		SharedKey:  key,
		Domain:     *domain,
		ChunkSize:  *chunkSize,
		ServerIP:   host,
		ServerPort: port,
		Timeout:    *timeout,
		MaxRetries: *maxRetries,
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("configuration rejected")
	}

	message, err := readInput(*input)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not read input")
	}

	chunks := sender.Chunk(message, cfg.ChunkSize)
	fmt.Printf("\n📤 dnscovert agent\n")
	fmt.Printf("   domain:  %s\n", cfg.Domain)
	fmt.Printf("   server:  %s\n", *server)
	fmt.Printf("   payload: %d bytes across %d chunks\n", len(message), len(chunks))

	c, err := cipher.New(cfg.SharedKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("cipher setup failed")
	}
	carrier := dnscarrier.NewClient(cfg.ServerIP, cfg.ServerPort, cfg.Timeout)
	snd := sender.New(cfg.Domain, c, carrier, chunks, cfg.MaxRetries, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := snd.Send(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			logger.Warn().Msg("interrupted")
			os.Exit(130)
		case errors.Is(err, protoerr.ErrNoPeer):
			logger.Error().Err(err).Msg("no peer")
			os.Exit(2)
		case errors.Is(err, protoerr.ErrPermanentLoss):
			logger.Error().Err(err).Msg("permanent loss")
			os.Exit(3)
		default:
			logger.Error().Err(err).Msg("send failed")
			os.Exit(1)
		}
	}

	fmt.Println("\n✅ delivery complete")
}

func resolveKey(keyEnv string, prompt bool) ([]byte, error) {
	if prompt {
		fmt.Print("shared key (hex): ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return nil, fmt.Errorf("key read failed: %w", err)
		}
		return config.ParseKeyHex(string(raw))
	}

	hexKey := os.Getenv(keyEnv)
	if hexKey == "" {
		return nil, fmt.Errorf("%w: environment variable %s is empty", protoerr.ErrConfig, keyEnv)
	}
	return config.ParseKeyHex(hexKey)
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
