package fs

import (
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// FileExists checks to see if a path exists and is a file
func FileExists(path string) bool {
	info, err := os.Stat(path)

	if err != nil && !os.IsNotExist(err) {
		return false
	}

	return info != nil && err == nil && !info.IsDir()
}

// PathExists checks to see if a path exists
func PathExists(path string) bool {
	info, err := os.Stat(path)

	if err != nil && !os.IsNotExist(err) {
		return false
	}

	return info != nil && err == nil
}

// CleanJoin checks to make sure that the prefix path remains after the join, this is to
// control for path traversal
func CleanJoin(prefix string, elem string) (string, error) {
	cleanPrefix := filepath.Clean(prefix)
	destPath := filepath.Join(cleanPrefix, elem)
	if destPath != cleanPrefix && !strings.HasPrefix(destPath, cleanPrefix+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path: %s", elem)
	}
	return destPath, nil
}

// ListFiles returns the absolute paths of every regular file under root in
// lexical order. Symlinks and other special files are left out.
func ListFiles(root string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.Type().IsRegular() {
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			files = append(files, abs)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// FreeSpace returns the number of bytes available to unprivileged users on
// the filesystem holding path
func FreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("could not statfs: path=%q error=%w", path, err)
	}

	return stat.Bavail * uint64(stat.Bsize), nil
}
