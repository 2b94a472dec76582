//go:build unix

package discovery

import (
	"io/fs"
	"syscall"
)

func fileIdentity(info fs.FileInfo) (dev, ino uint64) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev), uint64(st.Ino)
	}
	return 0, 0
}
