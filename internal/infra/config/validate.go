package config

import (
	"fmt"
	"net/url"
	"strings"

	"relaybot/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Unwrap lets callers match validation failures with errors.Is(err, domain.ErrConfigLoad).
func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateTelegram(cfg, ve)
	validateLLM(cfg, ve)
	validateRelay(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateTelegram(cfg *Config, ve *ValidationError) {
	t := cfg.Telegram
	if t.Token == "" {
		ve.Add("telegram.token is required (set via TG_BOT_TOKEN or RELAYBOT_TELEGRAM_TOKEN)")
	}
	if !isHTTPURL(t.BaseURL) {
		ve.Add("telegram.base_url %q must be an http(s) URL", t.BaseURL)
	}
	if t.PollTimeout <= 0 {
		ve.Add("telegram.poll_timeout must be > 0")
	}
	if t.RequestTimeout <= 0 {
		ve.Add("telegram.request_timeout must be > 0")
	}
	if t.RateLimit < 0 {
		ve.Add("telegram.rate_limit must be >= 0 (0 disables pacing)")
	}
	if t.RateLimit > 0 && t.RateBurst <= 0 {
		ve.Add("telegram.rate_burst must be > 0 when rate_limit is set")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	l := cfg.LLM
	if l.Name == "" {
		ve.Add("llm.name must not be empty")
	}
	if l.APIKey == "" {
		ve.Add("llm.api_key is required (set via DEEPSEEK_API_KEY or RELAYBOT_LLM_API_KEY)")
	}
	if !isHTTPURL(l.BaseURL) {
		ve.Add("llm.base_url %q must be an http(s) URL", l.BaseURL)
	}
	if l.Model == "" {
		ve.Add("llm.model must not be empty")
	}
	if l.ConnTimeout < 0 || l.RespTimeout < 0 {
		ve.Add("llm.conn_timeout and llm.resp_timeout must be >= 0")
	}
	if l.CircuitBreaker.Enabled && l.CircuitBreaker.Timeout < 0 {
		ve.Add("llm.circuit_breaker.timeout must be >= 0")
	}
}

func validateRelay(cfg *Config, ve *ValidationError) {
	r := cfg.Relay
	if strings.TrimSpace(r.DefaultRole) == "" {
		ve.Add("relay.default_role must not be empty")
	}
	if r.DefaultTemperature < 0 || r.DefaultTemperature > 2 {
		ve.Add("relay.default_temperature %.2f is out of range [0, 2]", r.DefaultTemperature)
	}
	// The system entry plus at least one full exchange must fit.
	if r.MaxHistory < 3 {
		ve.Add("relay.max_history must be >= 3")
	}
	if r.TrimWindow < 1 || r.TrimWindow >= r.MaxHistory {
		ve.Add("relay.trim_window must be in [1, max_history)")
	}
	if r.EditInterval <= 0 {
		ve.Add("relay.edit_interval must be > 0")
	}
	if r.EditGrowth <= 0 {
		ve.Add("relay.edit_growth must be > 0")
	}
	if r.MaxDisplayUnits <= 0 || r.MaxDisplayUnits > 4096 {
		ve.Add("relay.max_display_units must be in (0, 4096]")
	}
	if r.MaxEditAttempts <= 0 {
		ve.Add("relay.max_edit_attempts must be > 0")
	}
	if r.RateLimitBackoff <= 0 || r.FinalEditTimeout <= 0 || r.PreemptWait <= 0 || r.PollBackoff <= 0 {
		ve.Add("relay durations (rate_limit_backoff, final_edit_timeout, preempt_wait, poll_backoff) must be > 0")
	}
	if r.MaxConcurrent <= 0 {
		ve.Add("relay.max_concurrent must be > 0")
	}
	if r.Texts.Placeholder == "" || r.Texts.StopButton == "" {
		ve.Add("relay.texts.placeholder and relay.texts.stop_button must not be empty")
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
	validExporters  = map[string]bool{"stdout": true, "noop": true, "": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.Enabled && !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
