// Package backup snapshots the whole archive database file and restores it.
//
// Snapshots are plain file copies taken after a WAL checkpoint, verified by
// a BLAKE2b digest compare plus the engine's own integrity check before
// they are ever handed out as rollback targets. Restore is the one
// crash-unsafe critical section in the system: a kill during the copy can
// leave the primary truncated, so the window is kept minimal and the
// restored file is re-verified immediately.
package backup

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/example/media-archive/internal/persistence/sqlite"
)

// Database is the live handle a snapshot store guards. Restore closes and
// reopens it around the file copy.
type Database interface {
	Path() string
	Checkpoint(ctx context.Context) error
	Close() error
	Reopen() error
}

// Snapshot describes one verified backup of the database file.
type Snapshot struct {
	Path      string    // Snapshot file path
	CreatedAt time.Time // File modification time
	Label     string    // Originating operation label, may be empty
	Checksum  string    // Hex BLAKE2b-256 digest of the file content
	Verified  bool      // True once digest and integrity check both passed
}

// Config holds snapshot naming and retention settings.
type Config struct {
	// Dir is the directory snapshots are written to.
	Dir string

	// Prefix is the leading component of every snapshot filename.
	Prefix string

	// Keep is the number of most recent snapshots Cleanup retains.
	Keep int
}

const timestampLayout = "20060102T150405"

// Store creates, verifies, restores and prunes snapshots for one database.
type Store struct {
	db     Database
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	namePattern *regexp.Regexp
}

// NewStore creates a snapshot store for the given database.
func NewStore(db Database, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "archive_backup"
	}
	if cfg.Keep < 1 {
		cfg.Keep = 5
	}
	pattern := regexp.MustCompile(
		`^` + regexp.QuoteMeta(cfg.Prefix) + `_(\d{8}T\d{6})(?:_([A-Za-z0-9_-]+))?(?:-\d+)?\.db$`)
	return &Store{
		db:          db,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		namePattern: pattern,
	}
}

// CreateSnapshot copies the database file into the backup directory and
// verifies the copy. The returned snapshot is safe to use as a rollback
// target; a snapshot that fails verification is deleted and never returned.
func (s *Store) CreateSnapshot(ctx context.Context, label string) (Snapshot, error) {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("backup: create directory %s: %w", s.cfg.Dir, err)
	}

	// Fold WAL content into the main file so the copy sees everything.
	if err := s.db.Checkpoint(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("backup: checkpoint before snapshot: %w", err)
	}

	source := s.db.Path()
	sourceSum, err := checksumFile(source)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: checksum source: %w", err)
	}

	dest := s.snapshotPath(label)
	if err := copyFile(source, dest); err != nil {
		_ = os.Remove(dest)
		return Snapshot{}, fmt.Errorf("backup: copy %s to %s: %w", source, dest, err)
	}

	destSum, err := checksumFile(dest)
	if err != nil {
		_ = os.Remove(dest)
		return Snapshot{}, NewIntegrityError(dest, err)
	}
	if destSum != sourceSum {
		_ = os.Remove(dest)
		return Snapshot{}, NewIntegrityError(dest,
			fmt.Errorf("%w: digest mismatch after copy", ErrSnapshotVerification))
	}

	if err := sqlite.CheckIntegrity(ctx, dest); err != nil {
		_ = os.Remove(dest)
		return Snapshot{}, NewIntegrityError(dest,
			fmt.Errorf("%w: %v", ErrSnapshotVerification, err))
	}

	if err := os.WriteFile(dest+".sum", []byte(destSum+"\n"), 0o644); err != nil {
		s.logger.Warn("failed to write snapshot digest sidecar", "path", dest, "error", err)
	}

	s.logger.Info("snapshot created", "path", dest, "label", label, "checksum", destSum)

	return Snapshot{
		Path:      dest,
		CreatedAt: s.now(),
		Label:     label,
		Checksum:  destSum,
		Verified:  true,
	}, nil
}

// Restore replaces the primary database file with the snapshot at path.
//
// The snapshot is re-verified before the live handle is closed. The copy
// itself is a crash-unsafe critical section; callers get a RestoreError
// with Indeterminate set once the primary file may have been modified.
func (s *Store) Restore(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return NewRestoreError(path, false, fmt.Errorf("%w: %v", ErrSnapshotMissing, err))
	}

	sum, err := checksumFile(path)
	if err != nil {
		return NewRestoreError(path, false, err)
	}
	if recorded, err := os.ReadFile(path + ".sum"); err == nil {
		if want := strings.TrimSpace(string(recorded)); want != "" && want != sum {
			return NewRestoreError(path, false,
				fmt.Errorf("%w: snapshot digest does not match recorded digest", ErrSnapshotVerification))
		}
	}
	if err := sqlite.CheckIntegrity(ctx, path); err != nil {
		return NewRestoreError(path, false, fmt.Errorf("%w: %v", ErrSnapshotVerification, err))
	}

	primary := s.db.Path()
	if err := s.db.Close(); err != nil {
		return NewRestoreError(path, false, fmt.Errorf("close live database: %w", err))
	}

	// Crash-unsafe window begins here.
	copyErr := copyFile(path, primary)
	// Stale WAL/SHM files from the pre-restore database must not be
	// replayed against the restored file.
	_ = os.Remove(primary + "-wal")
	_ = os.Remove(primary + "-shm")

	if copyErr != nil {
		// Leave the store usable for whoever inspects the damage; a
		// closed store returns nil handles to every later caller.
		if rerr := s.db.Reopen(); rerr != nil {
			s.logger.Error("reopen after failed restore copy", "primary", primary, "error", rerr)
		}
		return NewRestoreError(path, true, fmt.Errorf("copy snapshot over primary: %w", copyErr))
	}

	if err := s.db.Reopen(); err != nil {
		return NewRestoreError(path, true, fmt.Errorf("reopen after restore: %w", err))
	}

	if err := sqlite.CheckIntegrity(ctx, primary); err != nil {
		return NewRestoreError(path, true, fmt.Errorf("post-restore verification: %w", err))
	}

	s.logger.Info("database restored from snapshot", "snapshot", path, "primary", primary)
	return nil
}

// Cleanup deletes snapshots beyond the retention count, oldest first by
// modification time, and returns the removed paths.
func (s *Store) Cleanup(keep int) ([]string, error) {
	if keep < 1 {
		keep = s.cfg.Keep
	}

	snapshots, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(snapshots) <= keep {
		return nil, nil
	}

	var removed []string
	for _, snap := range snapshots[keep:] {
		if err := os.Remove(snap.Path); err != nil {
			return removed, fmt.Errorf("backup: remove %s: %w", snap.Path, err)
		}
		_ = os.Remove(snap.Path + ".sum")
		removed = append(removed, snap.Path)
		s.logger.Info("snapshot pruned", "path", snap.Path)
	}
	return removed, nil
}

// List returns the known snapshots, newest first by modification time.
func (s *Store) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: read directory %s: %w", s.cfg.Dir, err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := s.namePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())
		snap := Snapshot{
			Path:      path,
			CreatedAt: info.ModTime(),
			Label:     matches[2],
		}
		if sum, err := os.ReadFile(path + ".sum"); err == nil {
			snap.Checksum = strings.TrimSpace(string(sum))
		}
		snapshots = append(snapshots, snap)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].Path > snapshots[j].Path
		}
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// snapshotPath builds <dir>/<prefix>_<timestamp>[_<label>].db, appending a
// counter when a snapshot with the same name already exists.
func (s *Store) snapshotPath(label string) string {
	name := s.cfg.Prefix + "_" + s.now().UTC().Format(timestampLayout)
	if cleaned := sanitizeLabel(label); cleaned != "" {
		name += "_" + cleaned
	}

	candidate := filepath.Join(s.cfg.Dir, name+".db")
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(s.cfg.Dir, fmt.Sprintf("%s-%d.db", name, i))
	}
}

// sanitizeLabel reduces a label to filename-safe characters.
func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '.', r == ':', r == '/':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// checksumFile computes the hex BLAKE2b-256 digest of the file at path.
func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// copyFile copies src to dst, truncating dst, and syncs the result.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
