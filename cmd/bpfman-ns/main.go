// Command bpfman-ns is the single-threaded child executor for
// namespace-scoped probe attaches. It reads a JSON request from stdin,
// locks itself to one OS thread so the mount-namespace switch below is
// safe, enters the target process's mount namespace, performs the
// attach, returns to its own namespace, pins the resulting link to
// bpffs so its parent can reopen it, and exits.
//
// It deliberately depends on very little: cilium/ebpf/link for the
// attach itself and golang.org/x/sys/unix for the namespace syscalls.
// Anything this process does wrong is isolated to this process.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	"github.com/bpfman/bpfman-core/internal/nsattach"
	"github.com/bpfman/bpfman-core/internal/registry"
)

const programFD = 3 // sole inherited fd, fixed by the parent's ExtraFiles convention

func main() {
	runtime.LockOSThread() // never unlocked: this thread dies with the process, after it alone has switched namespaces

	resp := run()

	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintln(os.Stderr, "bpfman-ns: failed to write response:", err)
		os.Exit(nsattach.ExitGenericFailure)
	}
	if !resp.OK {
		if resp.ErrorKind == "InvalidArgument" {
			os.Exit(nsattach.ExitInvalidRequest)
		}
		os.Exit(nsattach.ExitNamespaceEntry)
	}
	os.Exit(nsattach.ExitOK)
}

func run() nsattach.Response {
	var req nsattach.Request
	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return errResp("InvalidArgument", fmt.Sprintf("read request: %v", err))
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return errResp("InvalidArgument", fmt.Sprintf("parse request: %v", err))
	}
	if req.Uprobe == nil {
		return errResp("InvalidArgument", "namespace helper only supports uprobe/uretprobe attach")
	}

	prog, err := ebpf.NewProgramFromFD(programFD)
	if err != nil {
		return errResp("NamespaceUnreachable", fmt.Sprintf("load inherited program fd: %v", err))
	}
	defer prog.Close()

	selfNS, err := os.Open("/proc/self/ns/mnt")
	if err != nil {
		return errResp("NamespaceUnreachable", fmt.Sprintf("open own mount namespace: %v", err))
	}
	defer selfNS.Close()

	targetNS, err := os.Open(fmt.Sprintf("/proc/%d/ns/mnt", req.TargetPID))
	if err != nil {
		return errResp("NamespaceUnreachable", fmt.Sprintf("open target mount namespace: %v", err))
	}
	defer targetNS.Close()

	if err := unix.Setns(int(targetNS.Fd()), unix.CLONE_NEWNS); err != nil {
		return errResp("NamespaceUnreachable", fmt.Sprintf("enter target mount namespace: %v", err))
	}

	l, attachErr := attachUprobe(prog, req.Uprobe)

	if err := unix.Setns(int(selfNS.Fd()), unix.CLONE_NEWNS); err != nil {
		// We are now stuck in the target namespace; report it and let the
		// parent decide whether to kill and retry with a fresh process.
		return errResp("NamespaceUnreachable", fmt.Sprintf("return to own mount namespace: %v", err))
	}

	if attachErr != nil {
		return errResp("NamespaceUnreachable", fmt.Sprintf("attach uprobe: %v", attachErr))
	}
	defer l.Close()

	if err := os.MkdirAll(parentDir(req.LinkPinPath), 0700); err != nil {
		return errResp("NamespaceUnreachable", fmt.Sprintf("create pin directory: %v", err))
	}
	if err := l.Pin(req.LinkPinPath); err != nil {
		return errResp("NamespaceUnreachable", fmt.Sprintf("pin resulting link: %v", err))
	}

	return nsattach.Response{OK: true}
}

// attachUprobe mirrors the daemon's own kernel.attachUprobe, duplicated
// here rather than imported so this process's dependency surface stays
// minimal and auditable on its own.
func attachUprobe(prog *ebpf.Program, u *registry.UprobeAttach) (link.Link, error) {
	ex, err := link.OpenExecutable(u.Target)
	if err != nil {
		return nil, err
	}
	opts := &link.UprobeOptions{}
	if u.HasOffset {
		opts.Address = u.Offset
	}
	if u.Retprobe {
		return ex.Uretprobe(u.FunctionName, prog, opts)
	}
	return ex.Uprobe(u.FunctionName, prog, opts)
}

func errResp(kind, msg string) nsattach.Response {
	return nsattach.Response{OK: false, ErrorKind: kind, Message: msg}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
