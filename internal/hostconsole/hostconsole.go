// Package hostconsole adapts the host terminal to the kernel's file and
// keyboard abstractions, so a booted process's stdin/stdout/stderr and
// the VM86 monitor's keyboard polling are backed by the operator's real
// terminal rather than a simulated device.
package hostconsole

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned when standard input is not a terminal.
var ErrNoTTY = errors.New("hostconsole: not a TTY")

// Console is the host terminal, put into raw mode and adapted to look
// like a single character device: kfs.File for a process's fd 0/1/2,
// and dosvm.Keyboard for int 0x16 polling.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	mu      sync.Mutex
	pending []byte

	cancel context.CancelFunc
}

// New puts sin into raw mode and starts a background reader feeding
// keystrokes to Console's internal queue. Callers must call Close to
// restore the terminal.
func New(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTTY, err)
	}

	c := &Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		state: saved,
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, saved)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.readLoop(ctx)

	return c, nil
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = c.in.SetReadDeadline(time.Time{})

	return nil
}

func (c *Console) readLoop(ctx context.Context) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			return
		}

		c.mu.Lock()
		c.pending = append(c.pending, b)
		c.mu.Unlock()
	}
}

// ReadAt satisfies kfs.File. The terminal has no addressable offset, so
// off is ignored and bytes are served from whatever the background
// reader has queued, blocking until at least one is available.
func (c *Console) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		c.mu.Lock()
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		c.mu.Unlock()

		if n > 0 {
			return n, nil
		}

		time.Sleep(time.Millisecond)
	}
}

// WriteAt satisfies kfs.File, writing straight to the terminal
// regardless of off.
func (c *Console) WriteAt(p []byte, off int64) (int, error) {
	return c.out.Write(p)
}

// Size satisfies kfs.File. A character device has no size.
func (c *Console) Size() (uint32, error) { return 0, nil }

// Close restores the terminal to its original state and stops the
// background reader.
func (c *Console) Close() error {
	c.cancel()

	return term.Restore(c.fd, c.state)
}

// Peek satisfies dosvm.Keyboard: reports the next queued byte without
// consuming it.
func (c *Console) Peek() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return 0, false
	}

	return c.pending[0], true
}

// Read satisfies dosvm.Keyboard: blocks until a byte is queued and
// consumes it.
func (c *Console) Read() byte {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			b := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()

			return b
		}
		c.mu.Unlock()

		time.Sleep(time.Millisecond)
	}
}
