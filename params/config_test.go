package params

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.API.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.API.Addr)
	}
	if cfg.StatePath() != filepath.Join("data", "state") {
		t.Errorf("state path = %q", cfg.StatePath())
	}
	if len(cfg.Events.KafkaBrokers) != 0 {
		t.Errorf("brokers = %v, want none", cfg.Events.KafkaBrokers)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "API_ADDR=:9000\nKAFKA_BROKERS=a:9092, b:9092\nLOG_LEVEL=warn\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	// godotenv.Load never overrides variables that are already set
	t.Setenv("API_ADDR", ":7000")
	t.Setenv("DB_PATH", "/tmp/db")
	t.Setenv("VERBOSE", "true")
	t.Setenv("IN_MEMORY", "true")
	t.Cleanup(func() {
		os.Unsetenv("KAFKA_BROKERS")
		os.Unsetenv("LOG_LEVEL")
	})

	cfg := LoadFromEnv(envFile)

	if cfg.API.Addr != ":7000" {
		t.Errorf("addr = %q, want env value", cfg.API.Addr)
	}
	if got := cfg.Events.KafkaBrokers; len(got) != 2 || got[1] != "b:9092" {
		t.Errorf("brokers = %v", got)
	}
	if cfg.StatePath() != "/tmp/db" {
		t.Errorf("state path = %q", cfg.StatePath())
	}
	if !cfg.Storage.InMemory || !cfg.Log.Verbose || cfg.Log.Level != "debug" {
		t.Errorf("flags = %+v %+v", cfg.Storage, cfg.Log)
	}
}

func TestLogFileStdout(t *testing.T) {
	t.Setenv("LOG_FILE", LogStdout)
	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	if cfg.Log.File != "" {
		t.Errorf("log file = %q, want none", cfg.Log.File)
	}

	t.Setenv("LOG_FILE", "/var/log/node.log")
	cfg = LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	if cfg.Log.File != "/var/log/node.log" {
		t.Errorf("log file = %q", cfg.Log.File)
	}
}
