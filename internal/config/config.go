package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr     string
	DatabaseURL    string
	JWTSecret      string
	RequestTimeout time.Duration

	FFmpegPath    string
	LocalRTSPHost string
	LocalRTSPPort int

	ConnectTimeout    time.Duration
	StopGracePeriod   time.Duration
	MaxReconnects     int
	ReconnectDelay    time.Duration
	MetricsInterval   time.Duration
	MetricsRetention  time.Duration
	RelayHTTPTimeout  time.Duration
	StaleActiveCutoff time.Duration

	LogLevel string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:        envOrDefault("SENTRI_LISTEN_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("SENTRI_DATABASE_URL"),
		JWTSecret:         os.Getenv("SENTRI_JWT_SECRET"),
		RequestTimeout:    secondsEnv("SENTRI_REQUEST_TIMEOUT_SECONDS", 60),
		FFmpegPath:        envOrDefault("SENTRI_FFMPEG_PATH", "ffmpeg"),
		LocalRTSPHost:     envOrDefault("SENTRI_LOCAL_RTSP_HOST", "127.0.0.1"),
		LocalRTSPPort:     PositiveIntEnv("SENTRI_LOCAL_RTSP_PORT", 8554),
		ConnectTimeout:    secondsEnv("SENTRI_CONNECT_TIMEOUT_SECONDS", 15),
		StopGracePeriod:   secondsEnv("SENTRI_STOP_GRACE_SECONDS", 5),
		MaxReconnects:     PositiveIntEnv("SENTRI_MAX_RECONNECTS", 3),
		ReconnectDelay:    secondsEnv("SENTRI_RECONNECT_DELAY_SECONDS", 5),
		MetricsInterval:   secondsEnv("SENTRI_METRICS_INTERVAL_SECONDS", 5),
		MetricsRetention:  secondsEnv("SENTRI_METRICS_RETENTION_SECONDS", 6*3600),
		RelayHTTPTimeout:  secondsEnv("SENTRI_RELAY_HTTP_TIMEOUT_SECONDS", 10),
		StaleActiveCutoff: secondsEnv("SENTRI_STALE_ACTIVE_CUTOFF_SECONDS", 300),
		LogLevel:          envOrDefault("SENTRI_LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("SENTRI_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("SENTRI_JWT_SECRET is required")
	}
	if strings.TrimSpace(cfg.FFmpegPath) == "" {
		return Config{}, fmt.Errorf("SENTRI_FFMPEG_PATH must not be blank")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func PositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func secondsEnv(k string, d int) time.Duration {
	return time.Duration(PositiveIntEnv(k, d)) * time.Second
}
