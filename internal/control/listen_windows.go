//go:build windows

package control

import (
	"net"
	"time"

	"github.com/agentsh/loadguard/internal/platform/windows"
)

// Listen opens a named pipe secured with windows.PipeSecuritySDDL.
func Listen(addr string) (net.Listener, error) {
	return windows.ListenNamedPipe(addr)
}

// Dial connects to a named pipe.
func Dial(addr string, timeout time.Duration) (net.Conn, error) {
	return windows.DialNamedPipe(addr, timeout)
}
