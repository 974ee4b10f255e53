package supervisor

import (
	"errors"
	"io"
	"os"
	"strings"
)

var errInterrupted = errors.New("console read interrupted")

type consoleLine struct {
	text string
	err  error
}

// console reads operator input one line at a time, and only while a caller
// is waiting for a line. Nothing is read ahead, so once close returns no
// further input is consumed.
type console struct {
	src io.Reader
	// interrupt unblocks an in-flight read after stop is closed.
	interrupt func()
	// joinable is false when an in-flight read cannot be interrupted.
	joinable bool

	requests chan struct{}
	lines    chan consoleLine
	stop     chan struct{}
	exited   chan struct{}
	pending  bool
}

func newConsole(in io.Reader) *console {
	c := &console{
		requests: make(chan struct{}),
		lines:    make(chan consoleLine),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
		joinable: true,
	}

	c.src = in
	switch r := in.(type) {
	case *os.File:
		c.src, c.joinable = stoppableFile(r, c.stop)
	case io.Closer:
		c.interrupt = func() { r.Close() }
	}

	go c.loop()
	return c
}

func (c *console) loop() {
	defer close(c.exited)
	for {
		select {
		case <-c.stop:
			return
		case <-c.requests:
		}

		text, err := readLine(c.src)
		line := consoleLine{text: strings.TrimRight(text, "\r"), err: err}

		select {
		case c.lines <- line:
		case <-c.stop:
			return
		}
	}
}

// next returns the next input line. It gives up when cancel is closed; the
// read stays pending and is picked up by the following call.
func (c *console) next(cancel <-chan struct{}) (string, error) {
	if !c.pending {
		select {
		case c.requests <- struct{}{}:
			c.pending = true
		case <-cancel:
			return "", errInterrupted
		}
	}
	select {
	case line := <-c.lines:
		c.pending = false
		return line.text, line.err
	case <-cancel:
		return "", errInterrupted
	}
}

// close stops the reader and waits for it to exit.
func (c *console) close() {
	close(c.stop)
	if c.pending && c.interrupt != nil {
		c.interrupt()
	}
	if c.pending && !c.joinable {
		return
	}
	<-c.exited
}

// readLine reads up to and excluding the next newline, one byte at a time.
// A final unterminated line is returned without error.
func readLine(r io.Reader) (string, error) {
	var (
		b   strings.Builder
		buf [1]byte
	)
	for {
		n, err := r.Read(buf[:])
		if n > 0 {
			if buf[0] == '\n' {
				return b.String(), nil
			}
			b.WriteByte(buf[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && b.Len() > 0 {
				return b.String(), nil
			}
			return b.String(), err
		}
	}
}
