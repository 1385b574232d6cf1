package mount

import (
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// Checker verifies that a device directory is a mounted filesystem
// before any DB access touches it. The result is intentionally not
// cached: freshness over speed.
type Checker struct {
	// Disabled bypasses the check entirely (mount_check = false).
	Disabled bool
}

// IsMounted reports whether root/drive exists and is a mount point on
// the local filesystem. With the checker disabled the guard passes
// unconditionally; the broker creates the directory tree on first use.
func (c *Checker) IsMounted(root, drive string) bool {
	if c.Disabled {
		return true
	}
	path := filepath.Join(root, drive)
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return false
	}
	parts, err := disk.Partitions(true)
	if err != nil {
		return false
	}
	for _, p := range parts {
		if p.Mountpoint == abs {
			return true
		}
	}
	return false
}
