package params

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Storage struct {
	DataDir string
	// DBPath is the Pebble directory; empty means DataDir/state
	DBPath string
	// InMemory keeps state in process only. Restarts start empty.
	InMemory bool
	// JournalPath receives one JSON line per served call; empty disables it
	JournalPath string
}

type API struct {
	Addr        string
	CORSOrigins []string
}

type Events struct {
	KafkaBrokers []string
	KafkaTopic   string
	// QueueSize bounds the async Kafka queue, in batches
	QueueSize int
}

// LogStdout as LOG_FILE disables the log file
const LogStdout = "stdout"

type Log struct {
	// File is teed with stdout; empty logs to stdout only
	File    string
	Level   string
	Verbose bool
}

type Config struct {
	Storage Storage
	API     API
	Events  Events
	Log     Log
}

func Default() Config {
	return Config{
		Storage: Storage{
			DataDir:     "data",
			JournalPath: "data/calls.jsonl",
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Events: Events{
			KafkaTopic: "hyperswap.events",
			QueueSize:  1024,
		},
		Log: Log{
			File:  "data/node.log",
			Level: "info",
		},
	}
}

// StatePath returns where the Pebble state lives
func (c Config) StatePath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.Storage.DataDir, "state")
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.DBPath = getEnv("DB_PATH", cfg.Storage.DBPath)
	cfg.Storage.JournalPath = getEnv("JOURNAL_PATH", cfg.Storage.JournalPath)
	if v := os.Getenv("IN_MEMORY"); v != "" {
		cfg.Storage.InMemory = v == "true"
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := splitList(os.Getenv("CORS_ORIGINS")); len(origins) > 0 {
		cfg.API.CORSOrigins = origins
	}

	// Brokers from comma-separated list, e.g. "localhost:9092,localhost:9093"
	cfg.Events.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.Events.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Events.KafkaTopic)
	if size := os.Getenv("EVENT_QUEUE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil && n > 0 {
			cfg.Events.QueueSize = n
		}
	}

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	if cfg.Log.File == LogStdout {
		cfg.Log.File = ""
	}
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	if os.Getenv("VERBOSE") == "true" {
		cfg.Log.Verbose = true
		cfg.Log.Level = "debug"
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
