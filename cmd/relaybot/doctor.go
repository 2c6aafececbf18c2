package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"relaybot/internal/adapter/channel"
	"relaybot/internal/adapter/llm"
	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const doctorTimeout = 10 * time.Second

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config", Fn: checkConfig(cfgPath, cfgErr)},
		{Name: "Telegram", Fn: checkTelegram},
		{Name: "Backend", Fn: checkBackend},
	}

	fmt.Println("relaybot doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfig reports how the configuration was loaded.
func checkConfig(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			fix := "Check config.yaml syntax and the RELAYBOT_* environment"
			var ve *config.ValidationError
			if errors.As(cfgErr, &ve) {
				fix = "Set the missing values in config.yaml or the environment"
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config invalid: %v", cfgErr),
				Fix:     fix,
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkTelegram resolves the bot account with the configured token.
func checkTelegram(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()

	client := channel.NewTelegramClient(cfg.Telegram, quietLogger())
	start := time.Now()
	name, err := client.BotUsername(ctx)
	if err != nil {
		res := CheckResult{Status: StatusFail, Message: fmt.Sprintf("getMe failed: %v", err)}
		if errors.Is(err, domain.ErrAuthInvalid) {
			res.Fix = "Check TG_BOT_TOKEN; get a token from @BotFather"
		}
		return res
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("@%s reachable (latency: %dms)", name, time.Since(start).Milliseconds()),
	}
}

// checkBackend lists the backend's models and looks for the configured one.
func checkBackend(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()

	gen := llm.NewOpenAIGenerator(cfg.LLM, quietLogger())
	start := time.Now()
	models, err := gen.ListModels(ctx)
	if err != nil {
		res := CheckResult{Status: StatusFail, Message: fmt.Sprintf("list models failed: %v", err)}
		if errors.Is(err, domain.ErrAuthInvalid) {
			res.Fix = "Check DEEPSEEK_API_KEY or llm.api_key"
		}
		return res
	}
	latency := time.Since(start).Milliseconds()

	if !slices.Contains(models, cfg.LLM.Model) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s reachable, but model %q is not listed (have: %s)", cfg.LLM.Name, cfg.LLM.Model, strings.Join(models, ", ")),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s serves %s (latency: %dms)", cfg.LLM.Name, cfg.LLM.Model, latency),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
