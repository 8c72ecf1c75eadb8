package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(dst, 0o755))

	path := writeConfig(t, dir, map[string]any{
		"database_file":          filepath.Join(dir, "catalog.db"),
		"backup_sources":         []map[string]any{{"parent_directory": src}},
		"backup_destinations":    []string{dst},
		"max_mebibytes_for_hash": 1,
		"max_threads":            4,
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(1024*1024), cfg.MaxHashBytes())
	require.True(t, filepath.IsAbs(cfg.BackupSources[0].ParentDirectory))
}

func TestLoadRejectsMissingSource(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	path := writeConfig(t, dir, map[string]any{
		"database_file":       filepath.Join(dir, "catalog.db"),
		"backup_sources":      []map[string]any{{"parent_directory": filepath.Join(dir, "nope")}},
		"backup_destinations": []string{dst},
	})

	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "backup_sources", cfgErr.Field)
}

func TestLoadRejectsOverlappingDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))

	path := writeConfig(t, dir, map[string]any{
		"database_file":       filepath.Join(dir, "catalog.db"),
		"backup_sources":      []map[string]any{{"parent_directory": src}},
		"backup_destinations": []string{src},
	})

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsZeroThreads(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(dst, 0o755))

	path := writeConfig(t, dir, map[string]any{
		"database_file":       filepath.Join(dir, "catalog.db"),
		"backup_sources":      []map[string]any{{"parent_directory": src}},
		"backup_destinations": []string{dst},
		"max_threads":         0,
	})

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadDefaultsThreadsWhenOmitted(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(dst, 0o755))

	path := writeConfig(t, dir, map[string]any{
		"database_file":       filepath.Join(dir, "catalog.db"),
		"backup_sources":      []map[string]any{{"parent_directory": src}},
		"backup_destinations": []string{dst},
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Greater(t, cfg.MaxThreads, 0)
}

func TestValidateRejectsBadSkipDirGlob(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(dst, 0o755))

	cfg := &Config{
		DatabaseFile:         filepath.Join(dir, "catalog.db"),
		BackupSources:        []Source{{ParentDirectory: src, SkipDirs: []string{"[invalid"}}},
		BackupDestinations:  []string{dst},
		MaxMebibytesForHash: 1,
		MaxThreads:          1,
	}
	err := cfg.Validate()
	require.Error(t, err)
}
