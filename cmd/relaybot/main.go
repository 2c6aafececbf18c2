package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"relaybot/internal/adapter/channel"
	"relaybot/internal/adapter/llm"
	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
	"relaybot/internal/infra/logger"
	"relaybot/internal/infra/tracer"
	"relaybot/internal/usecase"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "encrypt":
		if err := runEncrypt(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'relaybot --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`relaybot - Telegram relay for streaming chat-completion models

USAGE:
    relaybot [COMMAND] [FLAGS]

COMMANDS:
    encrypt VALUE   Encrypt a secret for config.yaml (needs RELAYBOT_CONFIG_KEY)
    doctor          Check config, Telegram token and backend reachability

    (no command) - Run the bot

FLAGS:
    -h, --help      Show this help message
    --config PATH   Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (optional)
    Environment: RELAYBOT_* variables override the file;
                 TG_BOT_TOKEN and DEEPSEEK_API_KEY are read as well

EXAMPLES:
    TG_BOT_TOKEN=... DEEPSEEK_API_KEY=... relaybot
    relaybot --config /etc/relaybot/config.yaml
    RELAYBOT_CONFIG_KEY=secret relaybot encrypt sk-...`)
}

// configPath returns the --config flag, RELAYBOT_CONFIG or ./config.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("RELAYBOT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger, cfg.Telegram.Token, cfg.LLM.APIKey)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	// 3. Generation backend
	gen := initGenerator(cfg.LLM, log)

	// 4. Telegram transport
	tg := channel.NewTelegramClient(cfg.Telegram, log)

	// 5. Relay
	relay := usecase.NewRelay(usecase.RelayDeps{
		Transport: tg,
		Generator: gen,
		Sessions: usecase.NewSessionStore(usecase.SessionConfig{
			DefaultRole:        cfg.Relay.DefaultRole,
			DefaultTemperature: cfg.Relay.DefaultTemperature,
			MaxHistory:         cfg.Relay.MaxHistory,
			TrimWindow:         cfg.Relay.TrimWindow,
		}),
		Tasks:  usecase.NewTaskRegistry(),
		Config: cfg.Relay,
		Stream: cfg.LLM.Stream,
		Logger: log,
	})

	// 6. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("relaybot starting",
		"backend", gen.Name(),
		"model", cfg.LLM.Model,
		"stream", cfg.LLM.Stream,
		"tracing", cfg.Tracer.Enabled,
	)
	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

// initGenerator builds the backend client, wrapped in a circuit breaker
// when enabled.
func initGenerator(cfg config.LLMConfig, log *slog.Logger) domain.Generator {
	var gen domain.Generator = llm.NewOpenAIGenerator(cfg, log)

	cb := cfg.CircuitBreaker
	if cb.Enabled {
		gen = llm.NewCircuitBreakerGenerator(gen, cb, log)
		log.Info("llm circuit breaker enabled",
			"max_failures", cb.MaxFailures,
			"timeout", cb.Timeout,
			"interval", cb.Interval,
		)
	}
	return gen
}

// runEncrypt prints the enc: form of a secret for the config file.
func runEncrypt(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("usage: relaybot encrypt VALUE")
	}
	passphrase := os.Getenv("RELAYBOT_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("RELAYBOT_CONFIG_KEY must be set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
