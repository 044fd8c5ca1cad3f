package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/himanshub16/upnext-juggler/radio"
)

type Config struct {
	Addr          string
	DBURL         string
	RedisURL      string
	UploadDir     string
	JWTSecret     string
	YoutubeAPIKey string

	MPVPath     string
	MPVSocket   string
	FallbackURL string
	FallbackDir string

	ParentWait       time.Duration
	ProgressInterval time.Duration
	SubmitWorkers    int

	LogPretty bool
	LogLevel  string
}

// LoadConfig builds the config from flags, then the environment, then a
// .env file (ENV_FILE overrides its path), then defaults.
func LoadConfig(args []string) (Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", envFile, err)
	}

	getEnv := func(key, defaultValue string) string {
		if value := os.Getenv(key); value != "" {
			return value
		}
		if value := dotenv[key]; value != "" {
			return value
		}
		return defaultValue
	}

	parentWait, err := time.ParseDuration(getEnv("PARENT_WAIT", radio.DefaultParentWait.String()))
	if err != nil {
		return Config{}, fmt.Errorf("PARENT_WAIT: %w", err)
	}
	progressInterval, err := time.ParseDuration(getEnv("PROGRESS_INTERVAL", radio.DefaultProgressInterval.String()))
	if err != nil {
		return Config{}, fmt.Errorf("PROGRESS_INTERVAL: %w", err)
	}
	workers, err := strconv.Atoi(getEnv("SUBMIT_WORKERS", strconv.Itoa(radio.DefaultWorkers)))
	if err != nil {
		return Config{}, fmt.Errorf("SUBMIT_WORKERS: %w", err)
	}
	pretty, err := strconv.ParseBool(getEnv("LOG_PRETTY", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("LOG_PRETTY: %w", err)
	}

	var cfg Config
	flags := flag.NewFlagSet("juggler", flag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", getEnv("ADDR", ":3000"), "http listen address")
	flags.StringVar(&cfg.DBURL, "db-url", getEnv("DB_URL", ""), "history database, sqlite://<file> or postgres://...")
	flags.StringVar(&cfg.RedisURL, "redis-url", getEnv("REDIS_URL", ""), "redis to publish snapshots to")
	flags.StringVar(&cfg.UploadDir, "upload-dir", getEnv("UPLOAD_DIR", "static/songs"), "where uploaded tracks are stored")
	flags.StringVar(&cfg.JWTSecret, "jwt-secret", getEnv("JWT_SECRET", "secret"), "secret for signing login tokens")
	flags.StringVar(&cfg.YoutubeAPIKey, "youtube-api-key", getEnv("YOUTUBE_API_KEY", ""), "YouTube Data API key for link titles")
	flags.StringVar(&cfg.MPVPath, "mpv", getEnv("MPV_PATH", "mpv"), "mpv binary")
	flags.StringVar(&cfg.MPVSocket, "mpv-socket", getEnv("MPV_SOCKET", ""), "mpv ipc socket path")
	flags.StringVar(&cfg.FallbackURL, "fallback-url", getEnv("FALLBACK_URL", "http://relay1.slayradio.org:8000/"), "stream played while the queue is empty")
	flags.StringVar(&cfg.FallbackDir, "fallback-dir", getEnv("FALLBACK_DIR", ""), "local directory looped when the stream fails")
	flags.DurationVar(&cfg.ParentWait, "parent-wait", parentWait, "how long a submission waits for its parent")
	flags.DurationVar(&cfg.ProgressInterval, "progress-interval", progressInterval, "how often playback position is broadcast")
	flags.IntVar(&cfg.SubmitWorkers, "submit-workers", workers, "queued submissions processed at once")
	flags.BoolVar(&cfg.LogPretty, "log-pretty", pretty, "human readable logs")
	flags.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "debug, info, warn or error")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("log level: %w", err)
	}
	if cfg.SubmitWorkers < 1 {
		return Config{}, fmt.Errorf("submit workers must be positive, got %d", cfg.SubmitWorkers)
	}
	return cfg, nil
}

func newLogger(cfg Config) zerolog.Logger {
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
