package retention

import (
	"errors"
	"io/fs"
	"os"

	"github.com/harun/proxylog/internal/observability"
	"github.com/spf13/afero"
)

// fileInfo is one regular file found by a scan.
type fileInfo struct {
	path string
	info os.FileInfo
}

// scanFiles lists regular files under dir. Entries that vanish mid-walk and a
// missing dir are not errors.
func scanFiles(afs afero.Fs, dir string) ([]fileInfo, error) {
	var files []fileInfo
	err := afero.Walk(afs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() {
			files = append(files, fileInfo{path: path, info: info})
		}
		return nil
	})
	return files, err
}

func usageOf(files []fileInfo) CategoryUsage {
	var u CategoryUsage
	for _, f := range files {
		u.Count++
		u.Size += f.info.Size()
	}
	return u
}

// GetLogDiskUsage sums file counts and sizes per category. It is safe to call
// while writers are active.
func (m *Manager) GetLogDiskUsage() (DiskUsage, error) {
	var usage DiskUsage

	dirs := []struct {
		name string
		dir  string
		dst  *CategoryUsage
	}{
		{CategoryLegacy, m.layout.LegacyDir, &usage.LegacyLogs},
		{CategorySessions, m.layout.SessionsDir, &usage.SessionLogs},
		{CategoryArchive, m.layout.ArchiveDir, &usage.ArchiveLogs},
	}

	for _, d := range dirs {
		files, err := scanFiles(m.fs, d.dir)
		if err != nil {
			return usage, err
		}
		*d.dst = usageOf(files)
		usage.TotalSize += d.dst.Size
		observability.SetDiskUsage(d.name, d.dst.Count, d.dst.Size)
	}

	return usage, nil
}
