/*
Package config reads runtime settings from the environment.

An optional .env file in the working directory is loaded first; variables
already set in the environment win over it.

KEYS:
  DEDUP_ADDR                  HTTP listen address           (:8080)
  DEDUP_DB_PATH               SQLite database path          (client_dedup.db)
  DEDUP_FIELD_SYNONYMS        JSON column-synonym file      (built-in table)
  DEDUP_NICKNAMES             JSON nickname file            (built-in table)
  DEDUP_CHUNK_SIZE            rows per upload chunk         (1000)
  DEDUP_BATCH_SIZE            clients per bulk write        (250)
  DEDUP_CANONICAL_SOURCES     comma-separated source names  (none)
  DEDUP_FLAG_THRESHOLD        flag and prune threshold      (0.9)
  DEDUP_AUTO_MERGE_THRESHOLD  scan auto-merge threshold     (0.95)
  DEDUP_FUZZY_BUCKET_SAMPLE   clients per fuzzy bucket      (500)
  DEDUP_SCAN_INTERVAL         periodic scan, e.g. "6h"      (off)
  DEDUP_SCAN_AUTO_MERGE       periodic scans auto-merge     (false)
  DEDUP_LOG_LEVEL             debug|info|warn|error         (info)
  DEDUP_LOG_FORMAT            json|console                  (json)
  DEDUP_CORS_ORIGINS          comma-separated origins       (localhost dev ports)
  DEDUP_MAX_UPLOAD_MB         upload body limit             (25)

Malformed numbers fall back to their defaults. Malformed thresholds and
intervals are errors, since a silently wrong threshold changes which
clients get merged.
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/casework/client-dedup/fieldmap"
	"github.com/casework/client-dedup/matching"
	"github.com/casework/client-dedup/scan"
	"github.com/casework/client-dedup/upload"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	Addr   string
	DBPath string

	FieldSynonymsPath string
	NicknamesPath     string

	ChunkSize          int
	BatchSize          int
	CanonicalSources   []string
	FlagThreshold      decimal.Decimal
	AutoMergeThreshold decimal.Decimal
	FuzzyBucketSample  int
	ScanInterval       time.Duration
	ScanAutoMerge      bool

	LogLevel  string
	LogFormat string

	CORSAllowedOrigins []string
	MaxUploadBytes     int64
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:              getEnv("DEDUP_ADDR", ":8080"),
		DBPath:            getEnv("DEDUP_DB_PATH", "client_dedup.db"),
		FieldSynonymsPath: os.Getenv("DEDUP_FIELD_SYNONYMS"),
		NicknamesPath:     os.Getenv("DEDUP_NICKNAMES"),
		ChunkSize:         getEnvInt("DEDUP_CHUNK_SIZE", 1000),
		BatchSize:         getEnvInt("DEDUP_BATCH_SIZE", 250),
		CanonicalSources:  getEnvCSV("DEDUP_CANONICAL_SOURCES", nil),
		FuzzyBucketSample: getEnvInt("DEDUP_FUZZY_BUCKET_SAMPLE", 500),
		ScanAutoMerge:     getEnvBool("DEDUP_SCAN_AUTO_MERGE", false),
		LogLevel:          getEnv("DEDUP_LOG_LEVEL", "info"),
		LogFormat:         getEnv("DEDUP_LOG_FORMAT", "json"),
		CORSAllowedOrigins: getEnvCSV("DEDUP_CORS_ORIGINS", []string{
			"http://localhost:5173",
			"http://localhost:8080",
		}),
		MaxUploadBytes: int64(getEnvInt("DEDUP_MAX_UPLOAD_MB", 25)) * 1024 * 1024,
	}

	var err error
	if cfg.FlagThreshold, err = getEnvScore("DEDUP_FLAG_THRESHOLD", "0.9"); err != nil {
		return Config{}, err
	}
	if cfg.AutoMergeThreshold, err = getEnvScore("DEDUP_AUTO_MERGE_THRESHOLD", "0.95"); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("DEDUP_SCAN_INTERVAL"); v != "" {
		if cfg.ScanInterval, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("DEDUP_SCAN_INTERVAL: %w", err)
		}
	}
	if cfg.BatchSize > cfg.ChunkSize {
		cfg.BatchSize = cfg.ChunkSize
	}
	return cfg, nil
}

// =============================================================================
// ENGINE SETTINGS
// =============================================================================

func (c Config) Upload() upload.Config {
	return upload.Config{
		ChunkSize:     c.ChunkSize,
		BatchSize:     c.BatchSize,
		FlagThreshold: c.FlagThreshold.InexactFloat64(),
	}
}

func (c Config) Scan() scan.Config {
	return scan.Config{
		AutoMergeThreshold: c.AutoMergeThreshold.InexactFloat64(),
		FuzzyMinScore:      c.FlagThreshold.InexactFloat64(),
		BucketSample:       c.FuzzyBucketSample,
	}
}

// Mapper loads the column-synonym table, falling back to the built-in one.
func (c Config) Mapper(log *zap.Logger) *fieldmap.Mapper {
	return fieldmap.Load(c.FieldSynonymsPath, log)
}

// Matching loads the nickname table, falling back to the built-in one.
func (c Config) Matching(log *zap.Logger) matching.Config {
	cfg := matching.Config{CanonicalSources: c.CanonicalSources}
	if c.NicknamesPath != "" {
		cfg.Nicknames = matching.LoadNicknames(c.NicknamesPath, log)
	}
	return cfg
}

// =============================================================================
// HELPERS
// =============================================================================

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvCSV(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}

// getEnvScore parses a similarity threshold in (0, 1].
func getEnvScore(key, fallback string) (decimal.Decimal, error) {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if !d.IsPositive() || d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%s: %s is outside (0, 1]", key, v)
	}
	return d, nil
}
