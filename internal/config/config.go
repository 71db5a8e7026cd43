// Package config provides the environment-driven configuration schema for
// the Hearthline voice companion, plus the persona file loaded from YAML.
//
// Configuration is read from process environment variables (optionally
// seeded from a .env file via godotenv) and validated once at startup.
// Missing vendor credentials or an unusable database path are fatal.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LogLevel controls log verbosity for the Hearthline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration for the Hearthline server.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// Server is the external hostname used when building callback URLs
	// (e.g. the wss:// media-stream URL embedded in TwiML).
	Server string

	// DBPath is the journal/memory database file path.
	DBPath string

	// VoiceModel is the TTS voice tag (e.g. "aura-2-luna-en").
	VoiceModel string

	// Vendor credentials.
	STTKey string
	LLMKey string
	TTSKey string

	// TTS throttling and breaker policy.
	TTSMaxRequestsPerSecond    float64
	TTSRequestSpacing          time.Duration
	TTSCircuitBreakerThreshold int
	TTSCircuitRecoveryTime     time.Duration

	// STT reconnection policy.
	STTMaxRetries        int
	STTInitialRetryDelay time.Duration
	STTMaxRetryDelay     time.Duration

	// RecordingEnabled toggles the recording pass-through path.
	RecordingEnabled bool

	// TransferNumber is the destination for human handoff.
	TransferNumber string

	// Timezone is the display/grouping timezone for journal timestamps.
	Timezone *time.Location

	// MinimumCallDuration is the threshold below which a call is not
	// persisted. Default 2s.
	MinimumCallDuration time.Duration

	// LogLevel controls verbosity. Default info.
	LogLevel LogLevel

	// PersonaPath is the YAML persona file. When empty a built-in default
	// persona is used.
	PersonaPath string
}

// Defaults applied when the corresponding variable is unset.
const (
	defaultPort                = 3000
	defaultVoiceModel          = "aura-2-luna-en"
	defaultTTSMaxRPS           = 2.0
	defaultTTSSpacing          = 200 * time.Millisecond
	defaultBreakerThreshold    = 3
	defaultBreakerRecovery     = 30 * time.Second
	defaultSTTMaxRetries       = 10
	defaultSTTInitialDelay     = time.Second
	defaultSTTMaxDelay         = 30 * time.Second
	defaultMinimumCallDuration = 2 * time.Second
)

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	// Absent .env is fine — env vars may come from the deployment.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from the given lookup function. Split out from
// Load so tests can inject a map instead of mutating the process env.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Server:         getenv("SERVER"),
		DBPath:         getenv("DB_PATH"),
		STTKey:         getenv("STT_KEY"),
		LLMKey:         getenv("LLM_KEY"),
		TTSKey:         getenv("TTS_KEY"),
		TransferNumber: getenv("TRANSFER_NUMBER"),
		PersonaPath:    getenv("PERSONA_PATH"),
	}

	var err error
	if cfg.Port, err = intVar(getenv, "PORT", defaultPort); err != nil {
		return nil, err
	}
	if cfg.VoiceModel = getenv("VOICE_MODEL"); cfg.VoiceModel == "" {
		cfg.VoiceModel = defaultVoiceModel
	}

	if cfg.TTSMaxRequestsPerSecond, err = floatVar(getenv, "TTS_MAX_REQUESTS_PER_SECOND", defaultTTSMaxRPS); err != nil {
		return nil, err
	}
	if cfg.TTSRequestSpacing, err = msVar(getenv, "TTS_REQUEST_SPACING_MS", defaultTTSSpacing); err != nil {
		return nil, err
	}
	if cfg.TTSCircuitBreakerThreshold, err = intVar(getenv, "TTS_CIRCUIT_BREAKER_THRESHOLD", defaultBreakerThreshold); err != nil {
		return nil, err
	}
	if cfg.TTSCircuitRecoveryTime, err = msVar(getenv, "TTS_CIRCUIT_RECOVERY_TIME_MS", defaultBreakerRecovery); err != nil {
		return nil, err
	}

	if cfg.STTMaxRetries, err = intVar(getenv, "STT_MAX_RETRIES", defaultSTTMaxRetries); err != nil {
		return nil, err
	}
	if cfg.STTInitialRetryDelay, err = msVar(getenv, "STT_INITIAL_RETRY_DELAY_MS", defaultSTTInitialDelay); err != nil {
		return nil, err
	}
	if cfg.STTMaxRetryDelay, err = msVar(getenv, "STT_MAX_RETRY_DELAY_MS", defaultSTTMaxDelay); err != nil {
		return nil, err
	}

	cfg.RecordingEnabled = boolVar(getenv, "RECORDING_ENABLED")

	tz := getenv("TIMEZONE")
	if tz == "" {
		cfg.Timezone = time.UTC
	} else {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("config: invalid TIMEZONE %q: %w", tz, err)
		}
		cfg.Timezone = loc
	}

	secs, err := intVar(getenv, "MINIMUM_CALL_DURATION_SECONDS", int(defaultMinimumCallDuration/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.MinimumCallDuration = time.Duration(secs) * time.Second

	cfg.LogLevel = LogLevel(getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if !cfg.LogLevel.IsValid() {
		return nil, fmt.Errorf("config: invalid LOG_LEVEL %q", cfg.LogLevel)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate enforces the fatal-at-startup rules: credentials must be present
// and the database directory must exist and be writable.
func (c *Config) validate() error {
	var errs []error
	if c.STTKey == "" {
		errs = append(errs, errors.New("STT_KEY is required"))
	}
	if c.LLMKey == "" {
		errs = append(errs, errors.New("LLM_KEY is required"))
	}
	if c.TTSKey == "" {
		errs = append(errs, errors.New("TTS_KEY is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	} else if c.DBPath != ":memory:" {
		dir := filepath.Dir(c.DBPath)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("DB_PATH directory %q is not usable", dir))
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ListenAddr returns the TCP address the HTTP server binds to.
func (c *Config) ListenAddr() string { return ":" + strconv.Itoa(c.Port) }

// ── Env parsing helpers ──────────────────────────────────────────────────────

func intVar(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func floatVar(getenv func(string) string, key string, def float64) (float64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a number", key, v)
	}
	return f, nil
}

func msVar(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a millisecond count", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func boolVar(getenv func(string) string, key string) bool {
	switch getenv(key) {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}
