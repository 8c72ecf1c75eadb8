// Package config loads and validates the declarative backup configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Error reports a malformed or invalid configuration. Field names the
// offending key ("(root)" when the file as a whole could not be read or
// parsed); Hint is a short remediation message, the same on every host OS.
type Error struct {
	Field string
	Hint  string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v (%s)", e.Field, e.Err, e.Hint)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Hint)
}

func (e *Error) Unwrap() error { return e.Err }

// Source describes one tree to walk for backup candidates.
type Source struct {
	ParentDirectory string   `json:"parent_directory"`
	MaxDepth        int      `json:"max_depth,omitempty"`
	SkipDirs        []string `json:"skip_dirs,omitempty"`
}

// Config is the root configuration document, loaded from JSON.
type Config struct {
	DatabaseFile                      string   `json:"database_file"`
	BackupSources                     []Source `json:"backup_sources"`
	BackupDestinations                []string `json:"backup_destinations"`
	MaxMebibytesForHash               int64    `json:"max_mebibytes_for_hash"`
	SkipSourceHashCheckIfNewer        bool     `json:"skip_source_hash_check_if_newer"`
	ForceOverwriteBackup              bool     `json:"force_overwrite_backup"`
	OverwriteBackupIfExistingIsNewer  bool     `json:"overwrite_backup_if_existing_is_newer"`
	MaxThreads                        int      `json:"max_threads"`
	MinFreeSpaceMiB                   int64    `json:"min_free_space_mib"`
	Schedule                          string   `json:"schedule,omitempty"`
	RunOnStartup                      bool     `json:"run_on_startup,omitempty"`
}

// MaxHashBytes returns the digest byte budget in bytes.
func (c *Config) MaxHashBytes() int64 {
	return c.MaxMebibytesForHash * 1024 * 1024
}

// Load reads and parses path, applies defaults, canonicalizes paths, and
// validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Field: "(root)", Hint: "check the --config path", Err: err}
	}
	defer f.Close()

	cfg := &Config{
		MaxMebibytesForHash: 1,
		MaxThreads:          runtime.NumCPU(),
	}
	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, &Error{Field: "(root)", Hint: "config file must be valid JSON", Err: err}
	}

	if err := cfg.canonicalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) canonicalize() error {
	if c.DatabaseFile != ":memory:" {
		abs, err := filepath.Abs(c.DatabaseFile)
		if err != nil {
			return &Error{Field: "database_file", Hint: "could not resolve to an absolute path", Err: err}
		}
		c.DatabaseFile = filepath.Clean(abs)
	}
	for i := range c.BackupSources {
		abs, err := filepath.Abs(c.BackupSources[i].ParentDirectory)
		if err != nil {
			return &Error{Field: "backup_sources", Hint: "could not resolve source to an absolute path", Err: err}
		}
		c.BackupSources[i].ParentDirectory = filepath.Clean(abs)
	}
	for i := range c.BackupDestinations {
		abs, err := filepath.Abs(c.BackupDestinations[i])
		if err != nil {
			return &Error{Field: "backup_destinations", Hint: "could not resolve destination to an absolute path", Err: err}
		}
		c.BackupDestinations[i] = filepath.Clean(abs)
	}
	return nil
}

// Validate enforces the structural and filesystem preconditions of §4.A.
func (c *Config) Validate() error {
	if c.DatabaseFile == "" {
		return &Error{Field: "database_file", Hint: "must be set, or \":memory:\" for tests"}
	}
	if len(c.BackupSources) == 0 {
		return &Error{Field: "backup_sources", Hint: "must contain at least one entry"}
	}
	if len(c.BackupDestinations) == 0 {
		return &Error{Field: "backup_destinations", Hint: "must contain at least one entry"}
	}
	if c.MaxThreads <= 0 {
		return &Error{Field: "max_threads", Hint: "must be a positive integer"}
	}
	if c.MaxMebibytesForHash <= 0 {
		return &Error{Field: "max_mebibytes_for_hash", Hint: "must be a positive integer"}
	}
	if c.MinFreeSpaceMiB < 0 {
		return &Error{Field: "min_free_space_mib", Hint: "must not be negative"}
	}

	for _, s := range c.BackupSources {
		info, err := os.Stat(s.ParentDirectory)
		if err != nil {
			return &Error{Field: "backup_sources", Hint: fmt.Sprintf("source %q is not accessible", s.ParentDirectory), Err: err}
		}
		if !info.IsDir() {
			return &Error{Field: "backup_sources", Hint: fmt.Sprintf("source %q is not a directory", s.ParentDirectory)}
		}
		dir, err := os.Open(s.ParentDirectory)
		if err != nil {
			return &Error{Field: "backup_sources", Hint: fmt.Sprintf("source %q is not readable", s.ParentDirectory), Err: err}
		}
		dir.Close()
		for _, pattern := range s.SkipDirs {
			if _, err := doublestar.Match(pattern, "probe"); err != nil {
				return &Error{Field: "backup_sources.skip_dirs", Hint: fmt.Sprintf("invalid glob %q", pattern), Err: err}
			}
		}
	}

	for _, d := range c.BackupDestinations {
		parent := filepath.Dir(d)
		info, err := os.Stat(parent)
		if err != nil {
			return &Error{Field: "backup_destinations", Hint: fmt.Sprintf("parent of destination %q is not accessible", d), Err: err}
		}
		if !info.IsDir() {
			return &Error{Field: "backup_destinations", Hint: fmt.Sprintf("parent of destination %q is not a directory", d)}
		}
		probe, err := os.CreateTemp(parent, ".hashbackup-probe-*")
		if err != nil {
			return &Error{Field: "backup_destinations", Hint: fmt.Sprintf("parent of destination %q is not writable", d), Err: err}
		}
		probe.Close()
		os.Remove(probe.Name())
		for _, s := range c.BackupSources {
			if overlaps(s.ParentDirectory, d) {
				return &Error{Field: "backup_destinations", Hint: fmt.Sprintf("destination %q overlaps source %q", d, s.ParentDirectory)}
			}
		}
	}

	if c.Schedule != "" {
		if err := validateCronExpression(c.Schedule); err != nil {
			return &Error{Field: "schedule", Hint: "must be a five-field cron expression", Err: err}
		}
	}

	return nil
}

func overlaps(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)
	if a == b {
		return true
	}
	return strings.HasPrefix(a+string(filepath.Separator), b+string(filepath.Separator)) ||
		strings.HasPrefix(b+string(filepath.Separator), a+string(filepath.Separator))
}

// validateCronExpression checks syntax only: five space-separated fields.
// The external scheduler owns actual cron evaluation; the engine only
// needs to reject garbage before it is persisted.
func validateCronExpression(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	for _, f := range fields {
		if f == "" {
			return fmt.Errorf("empty cron field")
		}
	}
	return nil
}
