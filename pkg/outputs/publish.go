package outputs

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CountCSV returns the number of data rows (excluding the header) and the
// header's column count. An empty file has no rows and no columns.
func CountCSV(p string) (rows, cols int, err error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	cols = len(header)

	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, cols, nil
		}
		if err != nil {
			return 0, 0, err
		}
		rows++
	}
}

// Publish copies classified outputs from srcRoot into the workspaces.
//
// Every output goes to highDir. Medium-privacy outputs also go to mediumDir;
// an excluded one is replaced there by its message file and any earlier copy
// of the original is removed. A published output clears a stale message file
// left by an earlier run.
func Publish(res *Result, srcRoot, highDir, mediumDir string) error {
	for _, o := range res.Outputs {
		src := filepath.Join(srcRoot, filepath.FromSlash(o.Path))

		if err := copyFile(src, filepath.Join(highDir, filepath.FromSlash(o.Path))); err != nil {
			return fmt.Errorf("publish %s to high privacy workspace: %w", o.Path, err)
		}

		if !o.Tier.MediumPrivacy() || mediumDir == "" {
			continue
		}

		dst := filepath.Join(mediumDir, filepath.FromSlash(o.Path))
		msg := dst + MessageSuffix
		if o.Excluded {
			if err := removeIfExists(dst); err != nil {
				return err
			}
			if err := writeFileAtomic(msg, []byte(o.Message+"\n")); err != nil {
				return fmt.Errorf("write exclusion message for %s: %w", o.Path, err)
			}
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("publish %s to medium privacy workspace: %w", o.Path, err)
		}
		if err := removeIfExists(msg); err != nil {
			return err
		}
	}
	return nil
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// copyFile copies src to dst via a temp file and rename, so readers never see
// a partial file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	return os.Rename(tmpName, dst)
}

func writeFileAtomic(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
