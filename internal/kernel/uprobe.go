package kernel

import (
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/bpfman/bpfman-core/internal/registry"
)

// attachUprobe opens the target executable/library and attaches at the
// resolved symbol, in the daemon's own mount namespace. Container-scoped
// uprobe attaches do not come here: they go through nsattach and the
// bpfman-ns child, which performs its own attach.
func attachUprobe(prog *ebpf.Program, u *registry.UprobeAttach, ret bool) (link.Link, error) {
	ex, err := link.OpenExecutable(u.Target)
	if err != nil {
		return nil, err
	}

	opts := &link.UprobeOptions{}
	if u.HasOffset {
		opts.Address = u.Offset
	}

	if ret {
		return ex.Uretprobe(u.FunctionName, prog, opts)
	}
	return ex.Uprobe(u.FunctionName, prog, opts)
}

// ifaceIndexOf resolves an interface name to its kernel ifindex, used by
// XDP/TC/TCX attach. Resolution failure is surfaced by the caller as
// InvalidArgument — an unknown interface cannot be attached to.
func ifaceIndexOf(name string) int {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0
	}
	return iface.Index
}

func tcxAttachType(dir registry.Direction) ebpf.AttachType {
	if dir == registry.DirectionEgress {
		return ebpf.AttachTCXEgress
	}
	return ebpf.AttachTCXIngress
}
