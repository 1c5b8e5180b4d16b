//go:build linux

package filebuffer

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseRandom tells the kernel that f is read at random offsets, which
// turns off readahead for row lookups.
func adviseRandom(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}
