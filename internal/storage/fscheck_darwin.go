//go:build darwin

package storage

import (
	"fmt"
	"syscall"
)

// detectFilesystemType reports the f_fstypename of the mount holding path
// (e.g. "apfs", "smbfs", "nfs").
func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	name := make([]byte, 0, len(stat.Fstypename))
	for _, c := range stat.Fstypename {
		if c == 0 {
			break
		}
		name = append(name, byte(c))
	}
	return string(name), nil
}
