package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config captures environment driven configuration values for the archive
// migration tooling.
type Config struct {
	DatabasePath      string
	BackupDir         string
	BackupKeep        int
	BackupPrefix      string
	MigrationsEnabled bool
	LogLevel          string
}

// Load parses configuration values from the current process environment.
//
// The loader applies sensible defaults for optional fields while validating
// provided values and reporting every offending variable in one pass.
func Load() (Config, error) {
	cfg := Config{
		DatabasePath:      "archive.db",
		BackupDir:         "backups",
		BackupKeep:        5,
		BackupPrefix:      "archive_backup",
		MigrationsEnabled: true,
		LogLevel:          "info",
	}

	invalid := make([]string, 0, 2)

	if path := strings.TrimSpace(os.Getenv("ARCHIVE_SQLITE_PATH")); path != "" {
		cfg.DatabasePath = path
	}

	if dir := strings.TrimSpace(os.Getenv("ARCHIVE_BACKUP_DIR")); dir != "" {
		cfg.BackupDir = dir
	}

	if keepValue := strings.TrimSpace(os.Getenv("ARCHIVE_BACKUP_KEEP")); keepValue != "" {
		keep, err := strconv.Atoi(keepValue)
		if err != nil || keep < 1 {
			invalid = append(invalid, "ARCHIVE_BACKUP_KEEP")
		} else {
			cfg.BackupKeep = keep
		}
	}

	if prefix := strings.TrimSpace(os.Getenv("ARCHIVE_BACKUP_PREFIX")); prefix != "" {
		if strings.ContainsAny(prefix, "/\\ ") {
			invalid = append(invalid, "ARCHIVE_BACKUP_PREFIX")
		} else {
			cfg.BackupPrefix = prefix
		}
	}

	if enabled := strings.TrimSpace(os.Getenv("ARCHIVE_MIGRATIONS_ENABLED")); enabled != "" {
		parsed, err := strconv.ParseBool(enabled)
		if err != nil {
			invalid = append(invalid, "ARCHIVE_MIGRATIONS_ENABLED")
		} else {
			cfg.MigrationsEnabled = parsed
		}
	}

	if level := strings.TrimSpace(os.Getenv("ARCHIVE_LOG_LEVEL")); level != "" {
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "warning", "error":
			cfg.LogLevel = strings.ToLower(level)
		default:
			invalid = append(invalid, "ARCHIVE_LOG_LEVEL")
		}
	}

	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid configuration values: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}
