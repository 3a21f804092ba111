package nsattach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/registry"
)

// Helper drives the bpfman-ns child executable. The daemon is
// multi-threaded, so entering a foreign mount namespace in-process is
// unsafe; every namespace-scoped attach goes through here instead.
type Helper struct {
	BinaryPath string // path to the bpfman-ns executable
	PinRoot    string // bpffs root the child pins the resulting link under
	log        logr.Logger
}

func New(binaryPath, pinRoot string, log logr.Logger) *Helper {
	return &Helper{BinaryPath: binaryPath, PinRoot: pinRoot, log: log}
}

// Attach runs the child to attach prog inside the mount namespace of
// targetPID, per the container-scoped uprobe parameters in u. On
// success it returns a live link.Link reopened from the bpffs path the
// child pinned it at, ready for the Kernel Bridge to register.
func (h *Helper) Attach(ctx context.Context, targetPID int, prog *ebpf.Program, u *registry.UprobeAttach) (link.Link, error) {
	pinPath := filepath.Join(h.PinRoot, "ns-links", uuid.New().String())

	req := Request{
		TargetPID:   targetPID,
		ProgramFD:   3, // the only inherited fd, fixed by the ExtraFiles convention below
		Uprobe:      u,
		LinkPinPath: pinPath,
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "marshal namespace attach request")
	}

	cmd := exec.CommandContext(ctx, h.BinaryPath)
	cmd.Stdin = bytes.NewReader(reqJSON)
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(prog.FD()), "bpf-program")}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stdout

	if err := cmd.Run(); err != nil {
		return nil, h.classifyExit(err, stdout.String())
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindNamespaceUnreachable, err,
			fmt.Sprintf("parse bpfman-ns response: %q", stdout.String()))
	}
	if !resp.OK {
		kind := bpfmanerrors.KindNamespaceUnreachable
		if resp.ErrorKind != "" {
			kind = bpfmanerrors.Kind(resp.ErrorKind)
		}
		return nil, bpfmanerrors.New(kind, resp.Message)
	}

	l, err := link.LoadPinnedLink(pinPath, nil)
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindNamespaceUnreachable, err, "reopen link pinned by bpfman-ns")
	}
	return l, nil
}

func (h *Helper) classifyExit(runErr error, stdout string) error {
	var resp Response
	if json.Unmarshal([]byte(stdout), &resp) == nil && resp.Message != "" {
		kind := bpfmanerrors.KindNamespaceUnreachable
		if resp.ErrorKind != "" {
			kind = bpfmanerrors.Kind(resp.ErrorKind)
		}
		return bpfmanerrors.New(kind, resp.Message)
	}
	return bpfmanerrors.Wrap(bpfmanerrors.KindNamespaceUnreachable, runErr,
		fmt.Sprintf("bpfman-ns exited abnormally: %q", stdout))
}
