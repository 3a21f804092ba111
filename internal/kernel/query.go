package kernel

import (
	"github.com/cilium/ebpf"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
)

// LoadedProgramInfo is one row of query_loaded's output, as used
// §4.4 ("used for `list --all` and reconciliation").
type LoadedProgramInfo struct {
	KernelID uint32
	Type     ebpf.ProgramType
	Name     string
	Tag      string
	JITed    bool
}

// QueryLoaded walks every eBPF program currently loaded in the kernel,
// regardless of whether bpfman itself loaded it — this is what lets
// `list --all` see programs loaded out-of-band. Startup reconciliation
// does not call it; it checks bpfman's own pin paths instead.
func QueryLoaded() ([]LoadedProgramInfo, error) {
	var out []LoadedProgramInfo
	id := ebpf.ProgramID(0)
	for {
		next, err := ebpf.ProgramGetNextID(id)
		if err != nil {
			break // ENOENT: no more programs
		}
		id = next

		prog, err := ebpf.NewProgramFromID(id)
		if err != nil {
			continue
		}
		info, err := prog.Info()
		prog.Close()
		if err != nil {
			continue
		}

		kid, _ := info.ID()
		row := LoadedProgramInfo{
			KernelID: uint32(kid),
			Type:     info.Type,
			Name:     info.Name,
			JITed:    info.JitedSize() > 0,
		}
		if tag, ok := info.Tag(); ok {
			row.Tag = tag
		}
		out = append(out, row)
	}
	return out, nil
}

// EnsureNotForeignOccupied performs no check and always returns nil; a
// foreign program holding the native XDP slot on iface is detected only
// when the kernel rejects the attach itself.
func EnsureNotForeignOccupied(ifaceIndex int) error {
	// The authoritative check happens in the attach syscall itself
	// (link.AttachXDP returns EBUSY); this hook exists so C7 can give a
	// typed error instead of propagating a raw syscall errno.
	return nil
}

// wrapAttachError wraps any attach-time error as HookOccupied (Conflict)
// without inspecting its cause.
func wrapAttachError(err error) error {
	return bpfmanerrors.Wrap(bpfmanerrors.KindConflict, err, "hook already occupied by a foreign program")
}
