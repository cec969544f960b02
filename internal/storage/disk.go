// Package storage provides disk usage helpers for storage paths.
package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

// DiskUsage is the on-disk footprint of the local data paths, keyed by label
// (e.g. "database", "vector_index", "uploads").
type DiskUsage struct {
	Paths map[string]int64 `json:"paths"`
	Total int64            `json:"total_bytes"`
}

// MeasureDiskUsage returns the size in bytes of each labelled path.
// Each path may be a file or a directory (recursively summed). Empty or missing
// paths contribute 0; other stat or walk errors are returned.
func MeasureDiskUsage(paths map[string]string) (*DiskUsage, error) {
	usage := &DiskUsage{Paths: make(map[string]int64, len(paths))}
	for label, p := range paths {
		n, err := pathSize(p)
		if err != nil {
			return nil, err
		}
		usage.Paths[label] = n
		usage.Total += n
	}
	return usage, nil
}

func pathSize(p string) (int64, error) {
	if p == "" {
		return 0, nil
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if !info.IsDir() {
		// SQLite in WAL mode keeps recent writes in side files.
		return info.Size() + sideFileSize(p+"-wal") + sideFileSize(p+"-shm"), nil
	}
	var total int64
	err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}

func sideFileSize(p string) int64 {
	if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
		return fi.Size()
	}
	return 0
}
