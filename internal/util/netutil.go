package util

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// ListenFdsEnvKey is the environment variable key used to pass listening file descriptors.
	ListenFdsEnvKey = "LISTEN_FDS"
	// ReadinessPipeEnvKey is the environment variable key for the readiness pipe FD.
	ReadinessPipeEnvKey = "READINESS_PIPE_FD"

	// FirstExtraFD is the descriptor number of the first entry of exec.Cmd.ExtraFiles in the child.
	FirstExtraFD = 3
)

// ErrPipeFDEnvVarNotSet indicates that the expected environment variable for a pipe FD was not set.
var ErrPipeFDEnvVarNotSet = errors.New("pipe FD environment variable not set")

// ErrReadinessTimeout is returned when a worker does not close its readiness pipe in time.
var ErrReadinessTimeout = errors.New("timeout waiting for child readiness signal")

// isCloexecSet checks if the FD_CLOEXEC flag is set on the given file descriptor.
func isCloexecSet(fd uintptr) (bool, error) {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return false, fmt.Errorf("fcntl F_GETFD failed for fd %d: %w", fd, err)
	}
	return flags&unix.FD_CLOEXEC != 0, nil
}

// SetCloexec sets or clears the close-on-exec flag for a file descriptor.
func SetCloexec(fd uintptr, enabled bool) error {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFD failed: %w", err)
	}
	if enabled {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(fd, unix.F_SETFD, flags); err != nil {
		return fmt.Errorf("fcntl F_SETFD failed: %w", err)
	}
	return nil
}

// sockaddrFor converts a resolved TCP address into a socket domain and sockaddr.
// An unspecified host binds the IPv4 wildcard address.
func sockaddrFor(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}

// CreateListener opens a TCP listening socket on address with SO_REUSEADDR set
// and the given accept backlog. The returned listener's descriptor is close-on-exec;
// pass it to children with ListenerFile and exec.Cmd.ExtraFiles.
func CreateListener(address string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address %s: %w", address, err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	domain, sa := sockaddrFor(tcpAddr)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind %s: %w", address, os.NewSyscallError("bind", err))
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on %s: %w", address, os.NewSyscallError("listen", err))
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("listener-%s", address))
	// net.FileListener duplicates the descriptor; the original is closed below either way.
	listener, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for %s: %w", address, err)
	}
	return listener, nil
}

// ListenerFile returns a duplicate *os.File of the listener's socket.
// The caller owns the returned file and must close it.
func ListenerFile(l net.Listener) (*os.File, error) {
	switch typedListener := l.(type) {
	case *net.TCPListener:
		return typedListener.File()
	case *net.UnixListener:
		return typedListener.File()
	default:
		return nil, fmt.Errorf("unsupported listener type for File: %T", typedListener)
	}
}

// NewListenerFromFD creates a net.Listener from an inherited file descriptor.
// The inherited descriptor is marked close-on-exec so it does not leak into
// processes this one starts.
func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	if err := SetCloexec(fd, true); err != nil {
		return nil, fmt.Errorf("failed to set FD_CLOEXEC on inherited FD %d: %w", fd, err)
	}
	file := os.NewFile(fd, fmt.Sprintf("inherited-listener-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("os.NewFile returned nil for FD %d", fd)
	}
	listener, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for FD %d: %w", fd, err)
	}
	return listener, nil
}

// InheritedListener returns the listener passed by a parent process through
// LISTEN_FDS. found is false when the variable is unset.
func InheritedListener() (l net.Listener, found bool, err error) {
	fds, err := ParseInheritedListenerFDs(ListenFdsEnvKey)
	if err != nil {
		return nil, true, err
	}
	if len(fds) == 0 {
		return nil, false, nil
	}
	if len(fds) > 1 {
		return nil, true, fmt.Errorf("expected one inherited listener, got %d", len(fds))
	}
	l, err = NewListenerFromFD(fds[0])
	return l, true, err
}

// ParseInheritedListenerFDs retrieves a list of file descriptor numbers
// passed via the specified environment variable.
// It expects FDs to be colon-separated numbers.
func ParseInheritedListenerFDs(envVarName string) ([]uintptr, error) {
	fdsEnv := os.Getenv(envVarName)
	if fdsEnv == "" {
		return nil, nil
	}

	fdStrings := strings.Split(fdsEnv, ":")
	fds := make([]uintptr, 0, len(fdStrings))
	for _, fdStr := range fdStrings {
		fdInt, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number in environment variable %s (value: %q): %s (%w)", envVarName, fdsEnv, fdStr, err)
		}
		if fdInt < 0 {
			return nil, fmt.Errorf("invalid negative FD number in environment variable %s (value: %q): %d", envVarName, fdsEnv, fdInt)
		}
		fds = append(fds, uintptr(fdInt))
	}
	return fds, nil
}

// PrepareExecEnv returns currentEnv with any stale LISTEN_FDS and READINESS_PIPE_FD
// entries replaced. listenerFDs and readinessFD are descriptor numbers as the child
// will see them; a negative readinessFD omits the readiness variable.
func PrepareExecEnv(currentEnv []string, listenerFDs []int, readinessFD int) []string {
	newEnv := make([]string, 0, len(currentEnv)+2)
	for _, envVar := range currentEnv {
		if !strings.HasPrefix(envVar, ListenFdsEnvKey+"=") &&
			!strings.HasPrefix(envVar, ReadinessPipeEnvKey+"=") {
			newEnv = append(newEnv, envVar)
		}
	}

	if len(listenerFDs) > 0 {
		fdStrings := make([]string, len(listenerFDs))
		for i, fd := range listenerFDs {
			fdStrings[i] = strconv.Itoa(fd)
		}
		newEnv = append(newEnv, fmt.Sprintf("%s=%s", ListenFdsEnvKey, strings.Join(fdStrings, ":")))
	}
	if readinessFD >= 0 {
		newEnv = append(newEnv, fmt.Sprintf("%s=%d", ReadinessPipeEnvKey, readinessFD))
	}
	return newEnv
}

// CreateReadinessPipe creates a pipe for readiness signaling. The parent keeps
// the read end and hands the write end to the child; the child signals
// readiness by closing it.
func CreateReadinessPipe() (parentRead *os.File, childWrite *os.File, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create readiness pipe: %w", err)
	}
	return r, w, nil
}

// GetChildWritePipeFD retrieves a file descriptor number from the specified environment variable.
// If the environment variable is not set, it returns ErrPipeFDEnvVarNotSet.
func GetChildWritePipeFD(envVarName string) (uintptr, error) {
	fdStr := os.Getenv(envVarName)
	if fdStr == "" {
		return 0, fmt.Errorf("%w: %s", ErrPipeFDEnvVarNotSet, envVarName)
	}

	fdInt, err := strconv.Atoi(fdStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value for FD in environment variable %s (%q): %w", envVarName, fdStr, err)
	}
	if fdInt < 0 {
		return 0, fmt.Errorf("invalid negative FD value in environment variable %s: %d", envVarName, fdInt)
	}
	return uintptr(fdInt), nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, unix.EADDRINUSE)
}

// SignalChildReadyByClosingFD closes the given file descriptor.
// Workers call it on the write end of the readiness pipe once they can accept.
func SignalChildReadyByClosingFD(fd uintptr) error {
	if err := unix.Close(int(fd)); err != nil {
		return fmt.Errorf("failed to close readiness FD %d: %w", fd, err)
	}
	return nil
}

// WaitForChildReadyPipeClose blocks until every writer of parentRead has closed
// its end of the pipe, or until timeout elapses.
func WaitForChildReadyPipeClose(parentRead *os.File, timeout time.Duration) error {
	if parentRead == nil {
		return errors.New("parentRead cannot be nil")
	}
	if err := parentRead.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set readiness pipe deadline: %w", err)
	}

	buf := make([]byte, 1)
	for {
		_, err := parentRead.Read(buf)
		switch {
		case err == nil:
			// Stray bytes do not count as readiness; keep waiting for EOF.
			continue
		case errors.Is(err, os.ErrDeadlineExceeded):
			return fmt.Errorf("%w (waited %v)", ErrReadinessTimeout, timeout)
		case errors.Is(err, io.EOF):
			return nil
		default:
			return fmt.Errorf("error reading from readiness pipe: %w", err)
		}
	}
}
