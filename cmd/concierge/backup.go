package main

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/concierge/internal/config"
	"github.com/mtzanidakis/concierge/internal/store"
)

const (
	recordsEntry = "records.db"
	archiveEntry = "router.db"
)

type database struct {
	entry string
	path  string
}

func databases(cfg *config.Config) []database {
	return []database{
		{entry: recordsEntry, path: cfg.Store.Path},
		{entry: archiveEntry, path: cfg.Router.ArchivePath},
	}
}

// databaseTarget maps an archive entry back to the configured file path.
func databaseTarget(cfg *config.Config, name string) (string, bool) {
	name = path.Clean(strings.TrimLeft(name, "./"))
	for _, db := range databases(cfg) {
		if name == db.entry {
			return db.path, true
		}
	}
	return "", false
}

func parseFileArgs(args []string) (file string, overwrite bool, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return "", false, fmt.Errorf("missing value for -f")
			}
			i++
			file = args[i]
		case "-overwrite":
			overwrite = true
		}
	}
	return file, overwrite, nil
}

func runBackup(args []string) error {
	outputPath, _, err := parseFileArgs(args)
	if err != nil {
		return err
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: concierge backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	n, err := backupDatabases(context.Background(), cfg, outputPath)
	if err != nil {
		return err
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d databases, %s\n", n, formatSize(size))
	return nil
}

// backupDatabases snapshots every configured database that exists with
// VACUUM INTO, so a running process keeps serving while the copy is taken.
func backupDatabases(ctx context.Context, cfg *config.Config, outputPath string) (int, error) {
	tmp, err := os.MkdirTemp("", "concierge-backup-")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0
	for _, db := range databases(cfg) {
		if _, err := os.Stat(db.path); os.IsNotExist(err) {
			slog.Warn("database not found, skipping", "path", db.path)
			continue
		}
		slog.Info("backing up database", "path", db.path)
		snapshot := filepath.Join(tmp, db.entry)
		if err := snapshotDatabase(ctx, db.path, snapshot); err != nil {
			return 0, fmt.Errorf("snapshot %s: %w", db.path, err)
		}
		if err := addFile(tw, db.entry, snapshot); err != nil {
			return 0, fmt.Errorf("archive %s: %w", db.path, err)
		}
		count++
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}
	return count, nil
}

func snapshotDatabase(ctx context.Context, src, dst string) error {
	s, err := store.New(config.StoreConfig{Path: src})
	if err != nil {
		return err
	}
	defer s.Close()

	quoted := "'" + strings.ReplaceAll(dst, "'", "''") + "'"
	if _, err := s.DB().ExecContext(ctx, "VACUUM INTO "+quoted); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	inputPath, overwrite, err := parseFileArgs(args)
	if err != nil {
		return err
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: concierge restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	n, err := restoreDatabases(cfg, inputPath, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d databases\n", n)
	return nil
}

// restoreDatabases writes each archived database to its configured path.
// Processes using the databases must be stopped first.
func restoreDatabases(cfg *config.Config, inputPath string, overwrite bool) (int, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, ok := databaseTarget(cfg, hdr.Name)
		if !ok {
			slog.Warn("skipping unknown archive entry", "name", hdr.Name)
			continue
		}
		if !overwrite {
			if _, err := os.Stat(target); err == nil {
				return restored, fmt.Errorf("database %s already exists, add -overwrite to replace it", target)
			}
		}
		slog.Info("restoring database", "path", target)
		if err := writeDatabase(target, tr); err != nil {
			return restored, fmt.Errorf("restore %s: %w", target, err)
		}
		restored++
	}
	return restored, nil
}

// writeDatabase replaces target atomically and drops stale WAL files that
// belonged to the previous database.
func writeDatabase(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".restore"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(target + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Rename(tmp, target)
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
