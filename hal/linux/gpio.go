//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"chiplink/hal"
)

// SysfsRoot is where the legacy GPIO interface lives.
var SysfsRoot = "/sys/class/gpio"

// Direction of a sysfs GPIO.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
	// OutHigh configures an output that starts asserted.
	OutHigh Direction = "high"
)

// Edge selects which transitions wake Watch.
type Edge string

const (
	EdgeNone    Edge = "none"
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
	EdgeBoth    Edge = "both"
)

// Pin is a sysfs GPIO line. It implements hal.InputPin, hal.OutputPin and,
// once an edge is configured, hal.Edge.
type Pin struct {
	n         int
	dir       string
	activeLow bool
}

var (
	_ hal.InputPin  = (*Pin)(nil)
	_ hal.OutputPin = (*Pin)(nil)
	_ hal.Edge      = (*Pin)(nil)
)

// OpenPin exports GPIO n if needed and configures its direction and edge.
func OpenPin(n int, dir Direction, edge Edge, activeLow bool) (*Pin, error) {
	p := &Pin{n: n, dir: filepath.Join(SysfsRoot, "gpio"+strconv.Itoa(n)), activeLow: activeLow}
	if _, err := os.Stat(p.dir); errors.Is(err, os.ErrNotExist) {
		if err := writeFile(filepath.Join(SysfsRoot, "export"), strconv.Itoa(n)); err != nil {
			return nil, fmt.Errorf("gpio%d: export: %w", n, err)
		}
	}
	if err := p.write("direction", string(dir)); err != nil {
		return nil, err
	}
	if err := p.write("active_low", boolString(activeLow)); err != nil {
		return nil, err
	}
	if edge != "" {
		if err := p.write("edge", string(edge)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pin) write(attr, v string) error {
	if err := writeFile(filepath.Join(p.dir, attr), v); err != nil {
		return fmt.Errorf("gpio%d: %s=%s: %w", p.n, attr, v, err)
	}
	return nil
}

func writeFile(path, v string) error {
	return os.WriteFile(path, []byte(v), 0)
}

func boolString(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (p *Pin) Get() (bool, error) {
	b, err := os.ReadFile(filepath.Join(p.dir, "value"))
	if err != nil {
		return false, fmt.Errorf("gpio%d: read: %w", p.n, err)
	}
	return len(b) > 0 && b[0] == '1', nil
}

func (p *Pin) Set(level bool) error {
	return p.write("value", boolString(level))
}

// Unexport releases the line.
func (p *Pin) Unexport() error {
	return writeFile(filepath.Join(SysfsRoot, "unexport"), strconv.Itoa(p.n))
}

// pollInterval bounds each poll so Watch notices cancellation.
const pollInterval = 100 * time.Millisecond

// Watch blocks in poll(2) on the value file and calls fn on every edge the
// kernel reports.
func (p *Pin) Watch(ctx context.Context, fn func(level bool)) error {
	fd, err := unix.Open(filepath.Join(p.dir, "value"), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("gpio%d: open value: %w", p.n, err)
	}
	defer unix.Close(fd)

	var buf [2]byte
	// The first read clears the pending state left by export.
	if _, err := unix.Pread(fd, buf[:], 0); err != nil {
		return fmt.Errorf("gpio%d: read value: %w", p.n, err)
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLPRI | unix.POLLERR}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("gpio%d: poll: %w", p.n, err)
		}
		if n == 0 || fds[0].Revents&unix.POLLPRI == 0 {
			continue
		}
		if _, err := unix.Pread(fd, buf[:], 0); err != nil {
			return fmt.Errorf("gpio%d: read value: %w", p.n, err)
		}
		fn(buf[0] == '1')
	}
}
