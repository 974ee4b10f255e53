//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package supervisor

import (
	"io"
	"os"
)

// stoppableFile returns f unchanged: without poll a blocked read cannot be
// abandoned, so the reader is not joined while a read is in flight.
func stoppableFile(f *os.File, _ <-chan struct{}) (io.Reader, bool) {
	return f, false
}
