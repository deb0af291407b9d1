// Package listen opens the trigger server's socket, preferring one passed in
// by the service manager.
package listen

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is where inherited sockets start (after stdin, stdout, stderr)
const firstFD = 3

// Listen returns the first socket handed over through LISTEN_PID and
// LISTEN_FDS, or a new TCP listener on addr when there is none. The bool
// reports whether the socket was inherited.
func Listen(addr string) (net.Listener, bool, error) {
	l, err := inherited()
	if err != nil {
		return nil, false, err
	}
	if l != nil {
		return l, true, nil
	}

	l, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

func inherited() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	fdsStr := os.Getenv("LISTEN_FDS")
	if pidStr == "" || fdsStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return nil, nil
	}

	// Only the first socket is served; the rest are released
	for fd := firstFD + 1; fd < firstFD+n; fd++ {
		if f := os.NewFile(uintptr(fd), "inherited"); f != nil {
			_ = f.Close()
		}
	}

	file := os.NewFile(uintptr(firstFD), "patchsync-trigger")
	if file == nil {
		return nil, fmt.Errorf("inherited fd %d is not valid", firstFD)
	}
	defer func() {
		_ = file.Close()
	}()

	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to use inherited fd %d: %w", firstFD, err)
	}

	// Child processes must not pick the sockets up again
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return l, nil
}
