package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"chatstream/internal/adapter/dialect"
	"chatstream/internal/adapter/mockupstream"
	"chatstream/internal/adapter/relay"
	"chatstream/internal/adapter/upstream"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/logger"
	"chatstream/internal/infra/tracer"
	"chatstream/internal/usecase/executor"
	"chatstream/internal/usecase/retrier"
)

const (
	defaultConfigPath = "config.yaml"
	defaultMockAddr   = "127.0.0.1:8421"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	loadDotEnv()

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "help", "--help", "-h":
		showUsage()
		return
	case "serve":
		err = runServe(args)
	case "dialects":
		err = runDialects()
	case "encrypt":
		err = runEncrypt(args)
	case "mock-upstream":
		err = runMockUpstream(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chatstream --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chatstream - chat generation dispatch and stream normalization engine

USAGE:
    chatstream [COMMAND] [FLAGS]

COMMANDS:
    serve           Run the particle relay (default)
    dialects        List supported upstream dialects
    encrypt VALUE   Encrypt a secret for config.yaml (needs CHATSTREAM_CONFIG_KEY)
    mock-upstream   Serve lorem ipsum completions (openai-chat, ollama-chat)

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --mock             serve: also run the mock upstream
    --addr HOST:PORT   mock-upstream: listen address (default: 127.0.0.1:8421)
    --delay DURATION   mock-upstream: pause between words (default: 50ms)

CONFIGURATION:
    Config file: ./config.yaml, or CHATSTREAM_CONFIG
    Environment: CHATSTREAM_* variables override config; a .env file is loaded first`)
}

// loadDotEnv loads ./.env when present. Existing variables win.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
		}
	}
}

// flagValue returns the value of --name or --name=value in args.
func flagValue(args []string, name string) (string, bool) {
	flag := "--" + name
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v, true
		}
	}
	return "", false
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == "--"+name {
			return true
		}
	}
	return false
}

func configPath(args []string) string {
	if p, ok := flagValue(args, "config"); ok {
		return p
	}
	if p := os.Getenv("CHATSTREAM_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func runServe(args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	srv := newRelay(cfg, log)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if hasFlag(args, "mock") {
		g.Go(func() error { return serveMock(gctx, defaultMockAddr, 50*time.Millisecond, log) })
	}

	log.Info("chatstream running", "providers", len(cfg.Upstream.Providers), "dialects", dialect.IDs())
	return g.Wait()
}

// newRelay wires the engine: connector, orchestrator, retrier, registry.
func newRelay(cfg *config.Config, log *slog.Logger) *relay.Server {
	connector := upstream.NewConnector(cfg.Upstream, nil, log.With("component", "upstream"))
	exec := executor.New(cfg.Dispatch, connector, log.With("component", "executor"))
	ops := retrier.New(cfg.Retry, exec, log.With("component", "retrier"))
	registry := upstream.NewRegistry(cfg.Upstream.Providers)

	var auth relay.Authenticator
	if len(cfg.Relay.Tokens) > 0 {
		auth = relay.NewStaticTokenAuth(cfg.Relay.Tokens)
	}
	return relay.NewServer(cfg.Relay, ops, registry, auth, log.With("component", "relay"))
}

func runDialects() error {
	for _, id := range dialect.IDs() {
		fmt.Println(id)
	}
	return nil
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: chatstream encrypt VALUE")
	}
	key := os.Getenv("CHATSTREAM_CONFIG_KEY")
	if key == "" {
		return errors.New("CHATSTREAM_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], key)
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}

func runMockUpstream(args []string) error {
	addr := defaultMockAddr
	if v, ok := flagValue(args, "addr"); ok {
		addr = v
	}
	delay := 50 * time.Millisecond
	if v, ok := flagValue(args, "delay"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("--delay: %w", err)
		}
		delay = d
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return serveMock(ctx, addr, delay, log)
}

func serveMock(ctx context.Context, addr string, delay time.Duration, log *slog.Logger) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mock upstream listen: %w", err)
	}
	srv := &http.Server{
		Handler:           mockupstream.New(delay, log.With("component", "mock-upstream")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("mock upstream started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("mock upstream serve: %w", err)
	}
	return nil
}
