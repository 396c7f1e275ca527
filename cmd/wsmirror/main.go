package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/wsmirror/client"
	wsnet "github.com/guseggert/wsmirror/internal/net"
	"github.com/guseggert/wsmirror/process"
	"github.com/guseggert/wsmirror/relay"
	"github.com/guseggert/wsmirror/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.WithOptions(zap.IncreaseLevel(lvl)), nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "wsmirror",
		Usage:     "mirror each WebSocket connection to its own subprocess",
		ArgsUsage: "[-- command args...]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "The port to listen on.",
				Value:   7681,
				EnvVars: []string{"WSMIRROR_PORT"},
			},
			&cli.BoolFlag{
				Name:    "ssl",
				Aliases: []string{"s"},
				Usage:   "Serve HTTPS and WSS.",
				EnvVars: []string{"WSMIRROR_SSL"},
			},
			&cli.BoolFlag{
				Name:    "killmask",
				Aliases: []string{"k"},
				Usage:   "Accepted for compatibility. Client masking is always enforced.",
				EnvVars: []string{"WSMIRROR_KILLMASK"},
			},
			&cli.StringFlag{
				Name:    "interface",
				Aliases: []string{"i"},
				Usage:   "Listen only on the first address of this network interface.",
				EnvVars: []string{"WSMIRROR_INTERFACE"},
			},
			&cli.BoolFlag{
				Name:    "closetest",
				Aliases: []string{"c"},
				Usage:   fmt.Sprintf("Close every connection after %d ticks.", relay.DefaultCloseTestTicks),
				EnvVars: []string{"WSMIRROR_CLOSETEST"},
			},
			&cli.StringFlag{
				Name:    "cert-file",
				Usage:   "The PEM certificate for --ssl. A self-signed one is generated if empty.",
				EnvVars: []string{"WSMIRROR_CERT_FILE"},
			},
			&cli.StringFlag{
				Name:    "key-file",
				Usage:   "The PEM private key for --ssl.",
				EnvVars: []string{"WSMIRROR_KEY_FILE"},
			},
			&cli.StringFlag{
				Name:    "resource-path",
				Usage:   "Serve test.html and favicon.ico from this directory instead of the built-in page.",
				EnvVars: []string{"WSMIRROR_RESOURCE_PATH"},
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "How often child output is drained.",
				Value:   relay.DefaultTickInterval,
				EnvVars: []string{"WSMIRROR_TICK_INTERVAL"},
			},
			&cli.IntFlag{
				Name:    "chunk-size",
				Usage:   "The most bytes of child output sent in one message.",
				Value:   relay.DefaultChunkSize,
				EnvVars: []string{"WSMIRROR_CHUNK_SIZE"},
			},
			&cli.IntFlag{
				Name:    "max-drain-chunks",
				Usage:   "The most messages one connection is sent per tick.",
				Value:   relay.DefaultMaxDrainChunks,
				EnvVars: []string{"WSMIRROR_MAX_DRAIN_CHUNKS"},
			},
			&cli.IntFlag{
				Name:    "inbound-queue-bytes",
				Usage:   "The most input bytes queued for a child. Messages that don't fit are dropped.",
				Value:   relay.DefaultInboundQueueBytes,
				EnvVars: []string{"WSMIRROR_INBOUND_QUEUE_BYTES"},
			},
			&cli.IntFlag{
				Name:    "outbound-queue",
				Usage:   "The most messages queued for writing to one connection.",
				Value:   server.DefaultOutboundQueue,
				EnvVars: []string{"WSMIRROR_OUTBOUND_QUEUE"},
			},
			&cli.BoolFlag{
				Name:    "binary",
				Usage:   "Send child output as binary messages instead of text.",
				EnvVars: []string{"WSMIRROR_BINARY"},
			},
			&cli.DurationFlag{
				Name:    "kill-grace",
				Usage:   "How long a child has to exit after SIGTERM before it is killed.",
				Value:   process.DefaultKillGrace,
				EnvVars: []string{"WSMIRROR_KILL_GRACE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"WSMIRROR_LOG_LEVEL"},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:      "connect",
				Usage:     "pipe stdin and stdout through a mirror connection",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "ca-file",
						Usage:   "Trust the PEM CA certificate in this file for wss URLs.",
						EnvVars: []string{"WSMIRROR_CA_FILE"},
					},
					&cli.BoolFlag{
						Name:    "binary",
						Usage:   "Send input as binary messages instead of text.",
						EnvVars: []string{"WSMIRROR_BINARY"},
					},
					&cli.StringFlag{
						Name:    "log-level",
						Usage:   "One of [debug,info,warn,error].",
						Value:   "warn",
						EnvVars: []string{"WSMIRROR_LOG_LEVEL"},
					},
				},
				Action: connect,
			},
		},
	}
}

func serve(ctx *cli.Context) error {
	logger, err := newLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if ctx.Bool("killmask") {
		sugar.Warn("--killmask has no effect, client frames are always required to be masked")
	}

	iface := ctx.String("interface")
	listenAddr, err := wsnet.ListenAddr(iface, ctx.Int("port"))
	if err != nil {
		return fmt.Errorf("resolving listen address: %w", err)
	}

	sessionConfig := relay.Config{
		ChunkSize:         ctx.Int("chunk-size"),
		MaxDrainChunks:    ctx.Int("max-drain-chunks"),
		InboundQueueBytes: ctx.Int("inbound-queue-bytes"),
	}
	if ctx.Bool("closetest") {
		sessionConfig.CloseAfterTicks = relay.DefaultCloseTestTicks
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithListenAddr(listenAddr),
		server.WithResourcePath(ctx.String("resource-path")),
		server.WithSessionConfig(sessionConfig),
		server.WithTickInterval(ctx.Duration("tick-interval")),
		server.WithOutboundQueue(ctx.Int("outbound-queue")),
		server.WithBinary(ctx.Bool("binary")),
		server.WithProcessManager(&process.Manager{
			Log:       sugar.Named("process"),
			Stderr:    os.Stderr,
			KillGrace: ctx.Duration("kill-grace"),
		}),
	}
	if args := ctx.Args().Slice(); len(args) > 0 {
		opts = append(opts, server.WithCommand(args[0], args[1:]...))
	}

	if ctx.Bool("ssl") {
		var hosts []string
		if iface != "" {
			ip, err := wsnet.InterfaceIP(iface)
			if err != nil {
				return err
			}
			hosts = append(hosts, ip.String())
		}
		tlsConfig, certs, err := server.LoadTLSConfig(ctx.String("cert-file"), ctx.String("key-file"), hosts...)
		if err != nil {
			return fmt.Errorf("building TLS config: %w", err)
		}
		if certs != nil {
			sugar.Warn("no cert file given, using a generated self-signed certificate")
			sugar.Debugf("generated CA certificate:\n%s", certs.CA.CertPEMBytes)
		}
		opts = append(opts, server.WithTLSConfig(tlsConfig))
	}

	s, err := server.New(opts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(runCtx)
}

func connect(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("connect takes exactly one URL")
	}
	logger, err := newLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := []client.ClientOption{
		client.WithClientLogger(logger),
		client.WithBinaryMessages(ctx.Bool("binary")),
	}
	if caFile := ctx.String("ca-file"); caFile != "" {
		tlsConfig, err := loadClientTLS(caFile)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithTLSConfig(tlsConfig))
	}

	c, err := client.NewClient(ctx.Args().First(), opts...)
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := c.Dial(runCtx)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Pipe(runCtx, os.Stdin, os.Stdout)
}

func loadClientTLS(caFile string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	return client.ClientTLSConfig(caPEM)
}
