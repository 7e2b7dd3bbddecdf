// Package archive snapshots run artifacts into a backup tree and optionally
// ships them to object storage.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FolderLimitSize is the default cap, in bytes, on the backup tree.
// Backups are skipped once the tree has grown past it.
const FolderLimitSize int64 = 10 << 30

// FolderSize sums the sizes of regular files under path. A missing path is 0.
func FolderSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive: sizing %s: %w", path, err)
	}
	return total, nil
}

// OverLimit reports whether root already holds more than limit bytes.
// A non-positive limit means FolderLimitSize.
func OverLimit(root string, limit int64) (bool, int64, error) {
	if limit <= 0 {
		limit = FolderLimitSize
	}
	size, err := FolderSize(root)
	if err != nil {
		return false, 0, err
	}
	return size > limit, size, nil
}

// Backup copies src (a file or a directory) into bakDir/className/.
// A missing src is not an error; nothing is copied.
func Backup(src, bakDir, className string) error {
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	dst := filepath.Join(bakDir, className, filepath.Base(src))
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("archive: copying %s: %w", src, err)
	}
	return out.Close()
}
