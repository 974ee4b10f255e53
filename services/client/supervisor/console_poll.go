//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package supervisor

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const pollIntervalMillis = 50

// pollFile reads from f only after poll reports it readable, checking stop
// between polls so a waiting read can be abandoned.
type pollFile struct {
	f    *os.File
	fd   int32
	stop <-chan struct{}
}

func stoppableFile(f *os.File, stop <-chan struct{}) (io.Reader, bool) {
	return &pollFile{f: f, fd: int32(f.Fd()), stop: stop}, true
}

func (p *pollFile) Read(b []byte) (int, error) {
	fds := []unix.PollFd{{Fd: p.fd, Events: unix.POLLIN}}
	for {
		select {
		case <-p.stop:
			return 0, errInterrupted
		default:
		}

		n, err := unix.Poll(fds, pollIntervalMillis)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return p.f.Read(b)
		}
	}
}
