package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// envMap returns a getenv func backed by m.
func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

// minimalEnv is a valid baseline configuration for tests.
func minimalEnv() map[string]string {
	return map[string]string{
		"STT_KEY": "dg-key",
		"LLM_KEY": "oa-key",
		"TTS_KEY": "tts-key",
		"DB_PATH": ":memory:",
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(minimalEnv()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.VoiceModel != "aura-2-luna-en" {
		t.Errorf("VoiceModel = %q", cfg.VoiceModel)
	}
	if cfg.TTSCircuitBreakerThreshold != 3 {
		t.Errorf("breaker threshold = %d, want 3", cfg.TTSCircuitBreakerThreshold)
	}
	if cfg.TTSCircuitRecoveryTime != 30*time.Second {
		t.Errorf("breaker recovery = %v, want 30s", cfg.TTSCircuitRecoveryTime)
	}
	if cfg.MinimumCallDuration != 2*time.Second {
		t.Errorf("min call duration = %v, want 2s", cfg.MinimumCallDuration)
	}
	if cfg.Timezone != time.UTC {
		t.Errorf("Timezone = %v, want UTC", cfg.Timezone)
	}
	if cfg.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	env := minimalEnv()
	env["PORT"] = "8080"
	env["TTS_REQUEST_SPACING_MS"] = "350"
	env["TTS_CIRCUIT_BREAKER_THRESHOLD"] = "5"
	env["STT_MAX_RETRIES"] = "4"
	env["MINIMUM_CALL_DURATION_SECONDS"] = "10"
	env["RECORDING_ENABLED"] = "true"
	env["TIMEZONE"] = "UTC"

	cfg, err := FromEnv(envMap(env))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.TTSRequestSpacing != 350*time.Millisecond {
		t.Errorf("spacing = %v, want 350ms", cfg.TTSRequestSpacing)
	}
	if cfg.TTSCircuitBreakerThreshold != 5 {
		t.Errorf("threshold = %d, want 5", cfg.TTSCircuitBreakerThreshold)
	}
	if cfg.STTMaxRetries != 4 {
		t.Errorf("stt retries = %d, want 4", cfg.STTMaxRetries)
	}
	if cfg.MinimumCallDuration != 10*time.Second {
		t.Errorf("min duration = %v, want 10s", cfg.MinimumCallDuration)
	}
	if !cfg.RecordingEnabled {
		t.Error("RecordingEnabled = false, want true")
	}
}

func TestFromEnv_MissingCredentialsFatal(t *testing.T) {
	for _, missing := range []string{"STT_KEY", "LLM_KEY", "TTS_KEY", "DB_PATH"} {
		t.Run(missing, func(t *testing.T) {
			env := minimalEnv()
			delete(env, missing)
			_, err := FromEnv(envMap(env))
			if err == nil {
				t.Fatalf("expected error when %s is missing", missing)
			}
			if !strings.Contains(err.Error(), missing) {
				t.Errorf("error %q does not name %s", err, missing)
			}
		})
	}
}

func TestFromEnv_BadValues(t *testing.T) {
	tests := []struct{ key, val string }{
		{"PORT", "not-a-port"},
		{"PORT", "70000"},
		{"TTS_REQUEST_SPACING_MS", "fast"},
		{"TIMEZONE", "Mars/Olympus"},
		{"LOG_LEVEL", "verbose"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.val, func(t *testing.T) {
			env := minimalEnv()
			env[tt.key] = tt.val
			if _, err := FromEnv(envMap(env)); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestFromEnv_DBPathDirectoryMustExist(t *testing.T) {
	env := minimalEnv()
	env["DB_PATH"] = "/definitely/not/a/real/dir/calls.db"
	if _, err := FromEnv(envMap(env)); err == nil {
		t.Fatal("expected error for unusable DB_PATH directory")
	}

	env["DB_PATH"] = filepath.Join(t.TempDir(), "calls.db")
	if _, err := FromEnv(envMap(env)); err != nil {
		t.Fatalf("unexpected error for valid DB_PATH: %v", err)
	}
}

func TestLoadPersona_Default(t *testing.T) {
	p, err := LoadPersona("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Greetings) == 0 || p.SystemPrompt == "" {
		t.Error("default persona incomplete")
	}
}

func TestLoadPersona_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	content := "name: rosie\nsystem_prompt: You are Rosie.\ngreetings:\n  - Hello love!\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPersona(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "rosie" || p.SystemPrompt != "You are Rosie." {
		t.Errorf("persona = %+v", p)
	}
	if len(p.Greetings) != 1 || p.Greetings[0] != "Hello love!" {
		t.Errorf("greetings = %v", p.Greetings)
	}
}

func TestLoadPersona_MissingFile(t *testing.T) {
	if _, err := LoadPersona("/no/such/persona.yaml"); err == nil {
		t.Fatal("expected error for missing persona file")
	}
}
