// The test is skipped when stdin is not a terminal (ErrNoTTY). Notably,
// this includes when run with "go test" because it redirects tests'
// standard input/output streams. Build a test binary and run it
// directly to exercise it against a real TTY.
package hostconsole_test

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/retrodos/imm-dos-nx/internal/hostconsole"
)

func TestConsoleReadWrite(t *testing.T) {
	c, err := hostconsole.New(os.Stdin, os.Stdout)
	if errors.Is(err, hostconsole.ErrNoTTY) {
		t.Skipf("error: %s", err)
	}

	if err != nil {
		t.Fatalf("New: %s", err)
	}

	defer c.Close()

	if _, err := c.WriteAt([]byte("ready\r\n"), 0); err != nil {
		t.Fatalf("WriteAt: %s", err)
	}

	if _, ok := c.Peek(); ok {
		t.Fatal("expected no key pending before any input")
	}

	time.Sleep(10 * time.Millisecond)
}
