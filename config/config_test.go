package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "client_dedup.db", cfg.DBPath)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, "0.9", cfg.FlagThreshold.String())
	assert.Equal(t, "0.95", cfg.AutoMergeThreshold.String())
	assert.Zero(t, cfg.ScanInterval)
	assert.False(t, cfg.ScanAutoMerge)
	assert.Equal(t, int64(25*1024*1024), cfg.MaxUploadBytes)
	assert.Len(t, cfg.CORSAllowedOrigins, 2)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("DEDUP_CHUNK_SIZE", "200")
	t.Setenv("DEDUP_BATCH_SIZE", "500")
	t.Setenv("DEDUP_CANONICAL_SOURCES", " SMIS, ,EMHware ")
	t.Setenv("DEDUP_FLAG_THRESHOLD", "0.85")
	t.Setenv("DEDUP_SCAN_INTERVAL", "6h")
	t.Setenv("DEDUP_SCAN_AUTO_MERGE", "true")
	t.Setenv("DEDUP_FUZZY_BUCKET_SAMPLE", "not-a-number")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.ChunkSize)
	assert.Equal(t, 200, cfg.BatchSize, "batch size is capped at the chunk size")
	assert.Equal(t, []string{"SMIS", "EMHware"}, cfg.CanonicalSources)
	assert.Equal(t, 6*time.Hour, cfg.ScanInterval)
	assert.True(t, cfg.ScanAutoMerge)
	assert.Equal(t, 500, cfg.FuzzyBucketSample)

	assert.InDelta(t, 0.85, cfg.Upload().FlagThreshold, 1e-9)
	assert.InDelta(t, 0.85, cfg.Scan().FuzzyMinScore, 1e-9)
	assert.InDelta(t, 0.95, cfg.Scan().AutoMergeThreshold, 1e-9)
}

func TestFromEnv_RejectsBadThresholds(t *testing.T) {
	for _, v := range []string{"abc", "0", "1.5", "-0.2"} {
		t.Setenv("DEDUP_AUTO_MERGE_THRESHOLD", v)
		_, err := FromEnv()
		assert.Error(t, err, v)
	}
}

func TestFromEnv_RejectsBadInterval(t *testing.T) {
	t.Setenv("DEDUP_SCAN_INTERVAL", "hourly")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestMatchingAndMapper_LoadFiles(t *testing.T) {
	dir := t.TempDir()
	nick := filepath.Join(dir, "nicknames.json")
	require.NoError(t, os.WriteFile(nick, []byte(`{"margaret": ["peggy"]}`), 0o600))

	cfg := Config{NicknamesPath: nick, FieldSynonymsPath: filepath.Join(dir, "missing.json")}
	log := zaptest.NewLogger(t)

	m := cfg.Matching(log)
	require.NotNil(t, m.Nicknames)
	assert.Greater(t, m.Nicknames.Related("margaret", "peggy"), 0.0)

	assert.NotNil(t, cfg.Mapper(log))
}
