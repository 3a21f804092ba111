// Package nsattach is the parent side of the C5 Namespace Helper: it
// resolves a container selector to a host PID, spawns the single
// threaded bpfman-ns child executable, hands it the target PID and the
// program fd to attach, and recovers the resulting link by loading it
// back from the bpffs path the child pinned it at.
package nsattach

import "github.com/bpfman/bpfman-core/internal/registry"

// Request is the JSON document the parent writes to the child's stdin.
// The program fd itself travels separately, inherited at a fixed fd
// number via os/exec's ExtraFiles. LinkPinPath is where the child must
// pin the resulting link before exiting, so the parent can reopen it
// with link.LoadPinnedLink without any fd needing to cross the process
// boundary on the way back.
type Request struct {
	TargetPID   int                    `json:"target_pid"`
	ProgramFD   int                    `json:"program_fd"`
	Uprobe      *registry.UprobeAttach `json:"uprobe,omitempty"`
	LinkPinPath string                 `json:"link_pin_path"`
}

// Response is the JSON document the child writes to its stdout before
// exiting. ErrorKind mirrors one of the daemon's closed error kinds so
// the parent can wrap it without inventing a new one.
type Response struct {
	OK        bool   `json:"ok"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Exit codes the child promises to use, independent of the JSON body
// (the JSON is the primary channel; the exit code is a coarse signal
// for callers that only check the process result).
const (
	ExitOK             = 0
	ExitGenericFailure = 1
	ExitInvalidRequest = 2
	ExitNamespaceEntry = 3
)
