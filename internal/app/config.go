// Package app assembles the long-lived dependencies (config, wiring)
// shared by cmd/server/main.go.
package app

import (
	"os"
	"strconv"
	"strings"
)

// Config is Lumina's full environment-variable surface (spec §6).
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ExtractorPath string
	MuxerPath     string
	DownloadDir   string
	MetaDir       string
	MetaMode      string // off|sidecar|folder

	Proxy                 string
	DisableBrowserCookies bool
	ForceBrowserCookies   bool
	CookiesFilePath       string

	FastStart          bool
	FastInfo           bool
	NoBrowser          bool
	DisableAccelerator bool
	AcceleratorBinDir  string

	Workers          int
	RetryBudget      int
	MinFreeDiskBytes int64
	CleanupMaxKeep   int

	InfoCacheCapacity             int
	InfoCacheTTLSecs              int64
	NegativeBaseCooldownSecs      int64
	NegativeEscalatedCooldownSecs int64
	NegativeEscalateThreshold     int

	TwitterPreflight           bool
	TwitterPreflightMode       string // strict|lenient
	TwitterPreflightTCPTimeout float64
	TwitterPreflightIPLimit    int
	TwitterPreflightTTLSecs    int64

	CORSAllowedOrigins []string // empty = allow all (dev mode)
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		ExtractorPath: getEnv("EXTRACTOR_PATH", "yt-dlp"),
		MuxerPath:     getEnv("MUXER_PATH", "ffmpeg"),
		DownloadDir:   getEnv("DOWNLOAD_DIR", "downloads"),
		MetaDir:       getEnv("META_DIR", ""),
		MetaMode:      strings.ToLower(getEnv("META_MODE", "off")),

		Proxy:                 getEnv("PROXY", ""),
		DisableBrowserCookies: getEnvBool("DISABLE_BROWSER_COOKIES", false),
		ForceBrowserCookies:   getEnvBool("FORCE_BROWSER_COOKIES", false),
		CookiesFilePath:       getEnv("COOKIES_FILE", ""),

		FastStart:          getEnvBool("FAST_START", false),
		FastInfo:           getEnvBool("FAST_INFO", false),
		NoBrowser:          getEnvBool("NO_BROWSER", false),
		DisableAccelerator: getEnvBool("DISABLE_ACCELERATOR", false),
		AcceleratorBinDir:  getEnv("ACCELERATOR_BIN_DIR", ""),

		Workers:          int(getEnvInt64("WORKERS", 2)),
		RetryBudget:      int(getEnvInt64("RETRY_BUDGET", 0)),
		MinFreeDiskBytes: getEnvInt64("MIN_FREE_DISK_BYTES", 0),
		CleanupMaxKeep:   int(getEnvInt64("CLEANUP_MAX_KEEP", 200)),

		InfoCacheCapacity:             int(getEnvInt64("INFO_CACHE_CAPACITY", 50)),
		InfoCacheTTLSecs:              getEnvInt64("INFO_CACHE_TTL_SECONDS", 3600),
		NegativeBaseCooldownSecs:      getEnvInt64("NEGATIVE_BASE_COOLDOWN_SECONDS", 180),
		NegativeEscalatedCooldownSecs: getEnvInt64("NEGATIVE_ESCALATED_COOLDOWN_SECONDS", 420),
		NegativeEscalateThreshold:     int(getEnvInt64("NEGATIVE_ESCALATE_THRESHOLD", 3)),

		TwitterPreflight:           getEnvBool("TWITTER_PREFLIGHT", true),
		TwitterPreflightMode:       strings.ToLower(getEnv("TWITTER_PREFLIGHT_MODE", "lenient")),
		TwitterPreflightTCPTimeout: getEnvFloat("TWITTER_PREFLIGHT_TCP_TIMEOUT", 0.8, 0.8),
		TwitterPreflightIPLimit:    clampInt(int(getEnvInt64("TWITTER_PREFLIGHT_IP_LIMIT", 3)), 1, 5),
		TwitterPreflightTTLSecs:    getEnvInt64("TWITTER_PREFLIGHT_TTL", 60),

		CORSAllowedOrigins: parseCSV(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}
}

func parseCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback, min float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < min {
		return fallback
	}
	return parsed
}
