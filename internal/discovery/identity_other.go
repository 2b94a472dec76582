//go:build !unix

package discovery

import "io/fs"

// fileIdentity has no device/inode pair to offer here; ids then depend on
// the path alone.
func fileIdentity(fs.FileInfo) (dev, ino uint64) {
	return 0, 0
}
