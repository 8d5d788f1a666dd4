package feed

import (
	"fmt"
	"net"
)

// ProcessLock is a cooperative singleton lock: holding a bind on a loopback
// port keeps a second ingestor process from sharing the vendor credentials.
type ProcessLock struct {
	ln net.Listener
}

// AcquireLock binds the loopback lock port. A bind failure means another
// ingestor instance is already running. Port 0 disables the lock.
func AcquireLock(port int) (*ProcessLock, error) {
	if port == 0 {
		return &ProcessLock{}, nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("feed lock port %d: another instance running: %w", port, err)
	}
	return &ProcessLock{ln: ln}, nil
}

// Release frees the lock port.
func (l *ProcessLock) Release() {
	if l.ln != nil {
		l.ln.Close()
	}
}
