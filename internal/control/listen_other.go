//go:build !windows

package control

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"time"
)

// Listen opens a unix socket at addr, replacing a stale socket file.
func Listen(addr string) (net.Listener, error) {
	if err := os.Remove(addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(addr, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Dial connects to a unix socket.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return net.DialTimeout("unix", addr, timeout)
}
