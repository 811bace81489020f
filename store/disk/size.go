package disk

import (
	"cmp"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// tempFilePrefix names entry files that are still being written.
const tempFilePrefix = "entry-"

type entryFile struct {
	path    string
	size    int64
	modTime time.Time
}

// entryFiles walks root and returns every committed entry file below it.
// Temp files of writes in progress are skipped. A missing root yields no
// files.
func entryFiles(root string) ([]entryFile, int64, error) {
	var (
		files []entryFile
		total int64
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempFilePrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // removed concurrently
			}
			return err
		}
		total += info.Size()
		files = append(files, entryFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	return files, total, err
}

func dirSize(root string) (int64, error) {
	_, total, err := entryFiles(root)
	return total, err
}

// pruneDir removes the least recently written files under root until the
// remaining size is at or below targetBytes.
func pruneDir(root string, targetBytes int64) (freed int64, remaining int64, err error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	files, total, err := entryFiles(root)
	if err != nil {
		return 0, 0, err
	}
	remaining = total
	if remaining <= targetBytes {
		return 0, remaining, nil
	}

	slices.SortFunc(files, func(a, b entryFile) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return cmp.Compare(a.path, b.path)
	})

	for _, f := range files {
		if remaining <= targetBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, remaining, err
		}
		remaining -= f.size
		freed += f.size
	}
	return freed, remaining, nil
}
