//go:build !windows

package windows

import (
	"fmt"
	"net"
	"time"
)

// ListenNamedPipe is only available on Windows.
func ListenNamedPipe(pipeName string) (net.Listener, error) {
	return nil, fmt.Errorf("ListenNamedPipe: not available on this platform")
}

// DialNamedPipe is only available on Windows.
func DialNamedPipe(pipeName string, timeout time.Duration) (net.Conn, error) {
	return nil, fmt.Errorf("DialNamedPipe: not available on this platform")
}
