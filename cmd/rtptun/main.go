package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/me-asri/rtptun/internal/envelope"
	"github.com/me-asri/rtptun/internal/key"
	"github.com/me-asri/rtptun/internal/metrics"
	"github.com/me-asri/rtptun/internal/tunnel"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	switch args[0] {
	case "client":
		return runClient(args[1:])
	case "server":
		return runServer(args[1:])
	case "gen-key", "--gen-key":
		return runGenKey(args[1:])
	case "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "rtptun: unknown command %q\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: rtptun <command> [flags]

commands:
  client    run the tunnel client
  server    run the tunnel server
  gen-key   print a freshly generated AEAD key and exit`)
}

func runGenKey(args []string) int {
	fs := flag.NewFlagSet("gen-key", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	k, err := key.Generate(32)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rtptun: generating key:", err)
		return 1
	}
	fmt.Println(key.Encode(k))
	return 0
}

// commonFlags are shared between the client and server subcommands.
type commonFlags struct {
	keyHex      string
	xorKey      string
	logLevel    string
	metricsAddr string
	timeout     time.Duration
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.keyHex, "key", "", "base64-encoded 32-byte AEAD key (mutually exclusive with --xor-key)")
	fs.StringVar(&c.xorKey, "xor-key", "", "XOR obfuscation key, at least 16 bytes (mutually exclusive with --key)")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "optional address to expose Prometheus metrics on, e.g. 127.0.0.1:9090")
	fs.DurationVar(&c.timeout, "timeout", 0, "idle flow timeout (default 120s)")
}

func (c *commonFlags) resolveMode() (envelope.Mode, error) {
	switch {
	case c.keyHex != "" && c.xorKey != "":
		return nil, fmt.Errorf("--key and --xor-key are mutually exclusive")
	case c.keyHex != "":
		k, err := key.Decode(c.keyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding --key: %w", err)
		}
		return envelope.NewAEADMode(k)
	case c.xorKey != "":
		return envelope.NewXORMode([]byte(c.xorKey))
	default:
		return envelope.NoneMode{}, nil
	}
}

func (c *commonFlags) buildLogger() zerolog.Logger {
	lvl, err := zerolog.ParseLevel(c.logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

func (c *commonFlags) serveMetrics(side string, logger zerolog.Logger) *metrics.Collectors {
	if c.metricsAddr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg, side)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: c.metricsAddr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	return collectors
}

func shutdownContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func runClient(args []string) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	localAddr := fs.String("local-addr", "127.0.0.1:5000", "address to accept plain UDP traffic on")
	serverAddr := fs.String("server-addr", "", "tunnel server address (required)")
	payloadType := fs.Uint8("payload-type", 0, "RTP payload type to stamp on outgoing packets")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *serverAddr == "" {
		fmt.Fprintln(os.Stderr, "rtptun: --server-addr is required")
		return 1
	}

	logger := c.buildLogger()
	mode, err := c.resolveMode()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid crypto configuration")
	}
	collectors := c.serveMetrics("client", logger)

	engine, err := tunnel.NewClientEngine(tunnel.ClientConfig{
		LocalAddr:   *localAddr,
		ServerAddr:  *serverAddr,
		PayloadType: *payloadType,
		Mode:        mode,
		Timeout:     c.timeout,
		Metrics:     collectors,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start client engine")
	}

	logger.Info().Str("local", *localAddr).Str("server", *serverAddr).Msg("rtptun client started")
	engine.Run(shutdownContext())
	logger.Info().Msg("rtptun client stopped")
	return 0
}

func runServer(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	listenAddr := fs.String("listen-addr", "0.0.0.0:6000", "address to accept tunnel traffic on")
	destAddr := fs.String("dest-addr", "", "address to forward decrypted payloads to (required)")
	payloadType := fs.Uint8("payload-type", 0, "RTP payload type to stamp on outgoing packets")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *destAddr == "" {
		fmt.Fprintln(os.Stderr, "rtptun: --dest-addr is required")
		return 1
	}

	logger := c.buildLogger()
	mode, err := c.resolveMode()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid crypto configuration")
	}
	collectors := c.serveMetrics("server", logger)

	engine, err := tunnel.NewServerEngine(tunnel.ServerConfig{
		ListenAddr:  *listenAddr,
		DestAddr:    *destAddr,
		PayloadType: *payloadType,
		Mode:        mode,
		Timeout:     c.timeout,
		Metrics:     collectors,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start server engine")
	}

	logger.Info().Str("listen", *listenAddr).Str("dest", *destAddr).Msg("rtptun server started")
	engine.Run(shutdownContext())
	logger.Info().Msg("rtptun server stopped")
	return 0
}
