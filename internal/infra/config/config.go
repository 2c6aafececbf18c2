package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"relaybot/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	LLM      LLMConfig      `yaml:"llm"`
	Relay    RelayConfig    `yaml:"relay"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Includes []string       `yaml:"includes,omitempty"`
}

// TelegramConfig holds Bot API settings.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
	// PollTimeout is the getUpdates long-poll duration.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// RequestTimeout bounds every non-polling Bot API call.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimit is the per-chat outbound call rate in calls per second.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// LLMConfig holds generation backend settings.
type LLMConfig struct {
	Name           string               `yaml:"name"`
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	Model          string               `yaml:"model"`
	Stream         bool                 `yaml:"stream"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for the backend.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for the backend.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// RelayConfig holds orchestrator and session settings.
type RelayConfig struct {
	DefaultRole        string  `yaml:"default_role"`
	DefaultTemperature float64 `yaml:"default_temperature"`
	// MaxHistory bounds the per-conversation history, system entry included.
	MaxHistory int `yaml:"max_history"`
	// TrimWindow is how many of the oldest non-system entries are evicted
	// when MaxHistory is reached.
	TrimWindow int `yaml:"trim_window"`

	EditInterval     time.Duration `yaml:"edit_interval"`
	EditGrowth       int           `yaml:"edit_growth"`
	MaxDisplayUnits  int           `yaml:"max_display_units"`
	MaxEditAttempts  int           `yaml:"max_edit_attempts"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
	FinalEditTimeout time.Duration `yaml:"final_edit_timeout"`
	PreemptWait      time.Duration `yaml:"preempt_wait"`
	PollBackoff      time.Duration `yaml:"poll_backoff"`
	MaxConcurrent    int           `yaml:"max_concurrent"`

	Texts TextsConfig `yaml:"texts"`
}

// TextsConfig holds the user-visible strings of the relay.
type TextsConfig struct {
	Placeholder     string `yaml:"placeholder"`
	StopButton      string `yaml:"stop_button"`
	Stopping        string `yaml:"stopping"`
	NothingToStop   string `yaml:"nothing_to_stop"`
	Finished        string `yaml:"finished"`
	Stopped         string `yaml:"stopped"`
	EmptyResponse   string `yaml:"empty_response"`
	Failed          string `yaml:"failed"`
	RoleChanged     string `yaml:"role_changed"`
	HistoryCleared  string `yaml:"history_cleared"`
	DefaultRoleSet  string `yaml:"default_role_set"`
	Temperature     string `yaml:"temperature"`
	BadTemperature  string `yaml:"bad_temperature"`
	StatsToggled    string `yaml:"stats_toggled"`
	MissingArgument string `yaml:"missing_argument"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Telegram: TelegramConfig{
			BaseURL:        "https://api.telegram.org",
			PollTimeout:    30 * time.Second,
			RequestTimeout: 30 * time.Second,
			RateLimit:      1,
			RateBurst:      3,
		},
		LLM: LLMConfig{
			Name:        "deepseek",
			BaseURL:     "https://api.deepseek.com/v1",
			Model:       "deepseek-chat",
			Stream:      true,
			ConnTimeout: 30 * time.Second,
			RespTimeout: 300 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Relay: RelayConfig{
			DefaultRole:        "You are a helpful assistant. Format answers with Telegram HTML.",
			DefaultTemperature: 1.5,
			MaxHistory:         50,
			TrimWindow:         2,
			EditInterval:       3 * time.Second,
			EditGrowth:         150,
			MaxDisplayUnits:    3500,
			MaxEditAttempts:    3,
			RateLimitBackoff:   time.Second,
			FinalEditTimeout:   15 * time.Second,
			PreemptWait:        5 * time.Second,
			PollBackoff:        3 * time.Second,
			MaxConcurrent:      16,
			Texts: TextsConfig{
				Placeholder:     "Thinking...",
				StopButton:      "Stop",
				Stopping:        "Stopping...",
				NothingToStop:   "Nothing to stop.",
				Finished:        "Response finished.",
				Stopped:         "Response stopped.",
				EmptyResponse:   "Empty response.",
				Failed:          "Generation failed",
				RoleChanged:     "Role changed, history cleared.",
				HistoryCleared:  "History cleared.",
				DefaultRoleSet:  "Default role restored, history cleared.",
				Temperature:     "Temperature",
				BadTemperature:  "Temperature must be a number between 0 and 2.",
				StatsToggled:    "Show token usage",
				MissingArgument: "Usage",
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := finish(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: read config: %v", domain.ErrConfigLoad, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve config path: %v", domain.ErrConfigLoad, err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfigLoad, err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config (second pass): %v", domain.ErrConfigLoad, err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish decrypts secrets (when RELAYBOT_CONFIG_KEY is set) and validates.
func finish(cfg *Config) error {
	if passphrase := os.Getenv("RELAYBOT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return fmt.Errorf("%w: decrypt secrets: %v", domain.ErrConfigLoad, err)
		}
	}
	return Validate(cfg)
}

// ApplyEnvOverrides maps RELAYBOT_* env vars to config fields. The bare
// TG_BOT_TOKEN and DEEPSEEK_API_KEY variables fill the secrets when the
// prefixed ones are unset.
func ApplyEnvOverrides(cfg *Config) {
	if v := firstEnv("RELAYBOT_TELEGRAM_TOKEN", "TG_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("RELAYBOT_TELEGRAM_BASE_URL"); v != "" {
		cfg.Telegram.BaseURL = v
	}
	if v := firstEnv("RELAYBOT_LLM_API_KEY", "DEEPSEEK_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("RELAYBOT_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("RELAYBOT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("RELAYBOT_LLM_STREAM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LLM.Stream = b
		}
	}
	if v := os.Getenv("RELAYBOT_RELAY_DEFAULT_ROLE"); v != "" {
		cfg.Relay.DefaultRole = v
	}
	if v := os.Getenv("RELAYBOT_RELAY_DEFAULT_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Relay.DefaultTemperature = f
		}
	}
	if v := os.Getenv("RELAYBOT_RELAY_MAX_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Relay.MaxHistory = n
		}
	}
	if v := os.Getenv("RELAYBOT_RELAY_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Relay.MaxConcurrent = n
		}
	}
	if v := os.Getenv("RELAYBOT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RELAYBOT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RELAYBOT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("RELAYBOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

const encPrefix = "enc:"

// decryptSecrets finds "enc:..." values in the secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name  string
		field *string
	}{
		{"telegram.token", &cfg.Telegram.Token},
		{"llm.api_key", &cfg.LLM.APIKey},
	}
	for _, s := range secrets {
		if !strings.HasPrefix(*s.field, encPrefix) {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*s.field, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.field = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat config: %v", domain.ErrConfigLoad, err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("%w: config file %s has insecure permissions %o (want 0600 or 0644)", domain.ErrConfigLoad, path, mode)
	}
	return nil
}
