package bootstrap

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
)

// listenFDsStart is systemd's sd_listen_fds(3) convention: inherited
// file descriptors start at fd 3, after stdin/stdout/stderr.
const listenFDsStart = 3

// Listen implements the socket-activation handshake from spec.md §4.9:
// if the service manager passed a pre-opened listening socket (LISTEN_FDS
// + LISTEN_PID naming this process), use it; otherwise create a fresh
// unix socket at path with the given mode and group.
func Listen(path string, mode os.FileMode, group string, log logr.Logger) (net.Listener, error) {
	if l, ok, err := fromSocketActivation(log); err != nil {
		return nil, err
	} else if ok {
		return l, nil
	}

	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket at %s: %w", path, err)
	}
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		l.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	if group != "" {
		if err := chownToGroup(path, group); err != nil {
			l.Close()
			return nil, fmt.Errorf("chown socket to group %s: %w", group, err)
		}
	}
	log.Info("listening on fresh socket", "path", path, "mode", mode)
	return l, nil
}

// fromSocketActivation returns the inherited listener when the process
// environment matches systemd's LISTEN_PID/LISTEN_FDS handshake with at
// least one socket (only the first, fd 3, is used), consuming the env vars
// so a child bpfman-ns invocation
// never mistakes them for its own activation.
func fromSocketActivation(log logr.Logger) (net.Listener, bool, error) {
	pidStr := os.Getenv("LISTEN_PID")
	fdsStr := os.Getenv("LISTEN_FDS")
	if pidStr == "" || fdsStr == "" {
		return nil, false, nil
	}
	defer os.Unsetenv("LISTEN_PID")
	defer os.Unsetenv("LISTEN_FDS")

	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid != os.Getpid() {
		return nil, false, nil
	}
	nfds, err := strconv.Atoi(fdsStr)
	if err != nil || nfds < 1 {
		return nil, false, nil
	}

	f := os.NewFile(uintptr(listenFDsStart), "bpfman-activation-socket")
	l, err := net.FileListener(f)
	if err != nil {
		return nil, false, fmt.Errorf("wrap inherited activation fd: %w", err)
	}
	log.Info("using socket-activated listener from service manager")
	return l, true, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func chownToGroup(path, group string) error {
	gid, err := strconv.Atoi(group)
	if err != nil {
		return fmt.Errorf("group must be numeric gid: %w", err)
	}
	return syscall.Chown(path, -1, gid)
}

// InactivityTimer calls Shutdown after timeout elapses with no call to
// Kick; a zero timeout disables it entirely, matching the configurable
// "0 = disabled" daemon idle shutdown in spec.md §4.9.
type InactivityTimer struct {
	timer    *time.Timer
	Shutdown func()
}

// NewInactivityTimer starts the timer immediately; every RPC handler
// calls Kick on request receipt to postpone it.
func NewInactivityTimer(timeout time.Duration, shutdown func()) *InactivityTimer {
	it := &InactivityTimer{Shutdown: shutdown}
	if timeout <= 0 {
		return it
	}
	it.timer = time.AfterFunc(timeout, shutdown)
	return it
}

// Kick resets the idle countdown; a no-op when the timer is disabled.
func (it *InactivityTimer) Kick(timeout time.Duration) {
	if it.timer == nil {
		return
	}
	it.timer.Reset(timeout)
}

// Stop cancels the timer, called on clean shutdown so it never fires
// after the daemon has already begun exiting on its own.
func (it *InactivityTimer) Stop() {
	if it.timer != nil {
		it.timer.Stop()
	}
}
