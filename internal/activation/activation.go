// Package activation picks up listening sockets handed over by systemd
// (sd_listen_fds), so `pingsync serve` can run as a socket-activated unit.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is where systemd starts passing descriptors (after stdin, stdout, stderr)
const firstFD = 3

// Socket is one inherited listening socket
type Socket struct {
	Name     string
	Listener net.Listener
}

// Sockets returns the systemd-activated sockets with their names from
// LISTEN_FDNAMES. It returns nil if no socket activation is detected or if
// the activation is not for this process.
func Sockets() ([]Socket, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	names := parseNames(os.Getenv("LISTEN_FDNAMES"), numFDs)
	sockets := make([]Socket, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%s", names[i]))
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor.
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		sockets = append(sockets, Socket{Name: names[i], Listener: listener})
	}

	// Child processes must not inherit the activation.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Listener returns the activated socket called name, falling back to the
// first one. Sockets that are not returned are closed. A nil listener means
// the process was not socket-activated.
func Listener(name string) (net.Listener, error) {
	sockets, err := Sockets()
	if err != nil || len(sockets) == 0 {
		return nil, err
	}
	chosen := pick(sockets, name)
	for i := range sockets {
		if i != chosen {
			_ = sockets[i].Listener.Close()
		}
	}
	return sockets[chosen].Listener, nil
}

// pick returns the index of the socket called name, or 0
func pick(sockets []Socket, name string) int {
	for i, s := range sockets {
		if name != "" && s.Name == name {
			return i
		}
	}
	return 0
}

// parseNames splits LISTEN_FDNAMES and pads missing names with "unknown",
// which is what systemd reports for unnamed sockets.
func parseNames(raw string, n int) []string {
	names := make([]string, n)
	var given []string
	if raw != "" {
		given = strings.Split(raw, ":")
	}
	for i := range names {
		if i < len(given) && given[i] != "" {
			names[i] = given[i]
		} else {
			names[i] = "unknown"
		}
	}
	return names
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
