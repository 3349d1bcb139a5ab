package retention

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/proxylog/internal/logger"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/afero"
)

const (
	suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffixLength   = 8
)

// archiveFile moves src to dst, adding a random suffix when dst is taken, and
// gzips it when compress is set. It returns the final path.
func archiveFile(fs afero.Fs, src, dst string, compress bool) (string, error) {
	if err := fs.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	compress = compress && !strings.HasSuffix(src, ".gz")
	dst, err := freeName(fs, dst, compress)
	if err != nil {
		return "", err
	}

	if err := moveFile(fs, src, dst); err != nil {
		return "", err
	}
	if !compress {
		return dst, nil
	}

	if err := logger.CompressFile(fs, dst); err != nil {
		// The uncompressed copy is already archived; keep it
		return dst, nil
	}
	return dst + ".gz", nil
}

// freeName returns dst, or dst with a nanoid inserted before its extension,
// such that neither the name nor its .gz form exists.
func freeName(fs afero.Fs, dst string, compress bool) (string, error) {
	taken := func(name string) bool {
		if _, err := fs.Stat(name); !os.IsNotExist(err) {
			return true
		}
		if compress {
			if _, err := fs.Stat(name + ".gz"); !os.IsNotExist(err) {
				return true
			}
		}
		return false
	}

	if !taken(dst) {
		return dst, nil
	}

	ext := filepath.Ext(dst)
	stem := strings.TrimSuffix(dst, ext)
	for i := 0; i < 5; i++ {
		id, err := gonanoid.Generate(suffixAlphabet, suffixLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate archive suffix: %w", err)
		}
		candidate := fmt.Sprintf("%s-%s%s", stem, id, ext)
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free archive name for %s", dst)
}

// moveFile renames src to dst, falling back to copy and remove when rename is
// not possible (e.g. across devices). The modification time is kept.
func moveFile(fs afero.Fs, src, dst string) error {
	if err := fs.Rename(src, dst); err == nil {
		return nil
	}

	info, err := fs.Stat(src)
	if err != nil {
		return err
	}
	if err := copyFile(fs, src, dst); err != nil {
		fs.Remove(dst)
		return fmt.Errorf("failed to copy to archive: %w", err)
	}
	if err := fs.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return fs.Remove(src)
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
