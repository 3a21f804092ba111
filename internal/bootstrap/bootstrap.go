// Package bootstrap is C9: privilege drop to the daemon's required
// capability set and the socket-activation handshake with the service
// manager, following the same caps-then-sockets ordering bpfman's own
// startup uses. It builds on
// kernel.org/pub/linux/libs/security/libcap/cap, the capability library
// this daemon's go.mod pins (also a top-level dependency of the pack's
// geyslan-libbpfgo), rather than shelling out to setcap/capsh.
package bootstrap

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// RequiredCapabilities is the exact set spec.md §4.9 names: every kernel
// effect the daemon's components (C2 file staging, C4 kernel bridge, C5
// namespace entry, C6 netlink manipulation) ever need, and nothing else.
var RequiredCapabilities = []cap.Value{
	cap.BPF,
	cap.DAC_OVERRIDE,
	cap.DAC_READ_SEARCH,
	cap.NET_ADMIN,
	cap.PERFMON,
	cap.SETPCAP,
	cap.SYS_ADMIN,
	cap.SYS_RESOURCE,
}

// DropToRequired reduces the running process's capability set to exactly
// RequiredCapabilities, in the Effective and Permitted flags, and clears
// Inheritable entirely so nothing this process execs (bpfman-ns among
// them) inherits more than it asks for on its own.
//
// libcap's SetProc uses the psx syscall-broadcast mechanism, so this
// call is already applied across every OS thread the Go runtime has
// created by the time it returns — the daemon has no separate "worker
// thread drops its own capabilities" step because Go's M:N goroutine
// scheduler gives no stable notion of a per-goroutine OS thread to drop
// them on individually (see DESIGN.md).
func DropToRequired(log logr.Logger) error {
	want := cap.NewSet()
	for _, c := range RequiredCapabilities {
		if err := want.SetFlag(cap.Effective, true, c); err != nil {
			return fmt.Errorf("set effective flag for %s: %w", c, err)
		}
		if err := want.SetFlag(cap.Permitted, true, c); err != nil {
			return fmt.Errorf("set permitted flag for %s: %w", c, err)
		}
	}

	if err := want.SetProc(); err != nil {
		return fmt.Errorf("drop capabilities to required set: %w", err)
	}

	log.Info("dropped to required capability set", "capabilities", capNames(RequiredCapabilities))
	return nil
}

func capNames(cs []cap.Value) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}

// HasRequired reports whether the current process's effective set
// already contains every capability in RequiredCapabilities — used to
// fail startup before attempting any privileged operation rather than
// surfacing a raw EPERM from deep inside C4/C5/C6.
func HasRequired() (bool, error) {
	current, err := cap.GetProc()
	if err != nil {
		return false, err
	}
	for _, c := range RequiredCapabilities {
		enabled, err := current.GetFlag(cap.Effective, c)
		if err != nil {
			return false, err
		}
		if !enabled {
			return false, nil
		}
	}
	return true, nil
}

// RunningAsRoot is a cheap pre-check used before even attempting
// DropToRequired — bpfman's privileged operations need either root or an
// ambient/file capability grant, and a plain EUID check gives callers a
// fast, readable failure in the common "not root, no caps" case.
func RunningAsRoot() bool {
	return os.Geteuid() == 0
}
