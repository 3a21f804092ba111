package dispatcher

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
)

// swapXDP attaches newProg at iface's XDP hook. If a prior generation's
// link is already tracked for this slot, link.Link.Update performs an
// atomic program replace in one syscall — the kernel never runs with no
// XDP program attached, nor with two generations visible at once
// Otherwise this is the slot's first
// attach and a fresh link.AttachXDP is required.
func (e *Engine) swapXDP(key, iface string, newProg *ebpf.Program) error {
	e.xdpMu.Lock()
	existing, ok := e.xdpLinks[key]
	e.xdpMu.Unlock()

	if ok {
		if err := existing.Update(newProg); err != nil {
			return bpfmanerrors.Wrap(bpfmanerrors.KindDispatcherAttachFailed, err, "update existing xdp link")
		}
		return nil
	}

	ifaceIdx := ifaceIndexOf(iface)
	if ifaceIdx == 0 {
		return bpfmanerrors.New(bpfmanerrors.KindInvalidArgument, fmt.Sprintf("interface %q not found", iface))
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   newProg,
		Interface: ifaceIdx,
		Flags:     link.XDPGenericMode,
	})
	if err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindDispatcherAttachFailed, err, "attach xdp dispatcher")
	}

	e.xdpMu.Lock()
	e.xdpLinks[key] = l
	e.xdpMu.Unlock()
	return nil
}

// detachXDP closes and forgets the slot's XDP hook link entirely, used
// on the Live -> Absent transition.
func (e *Engine) detachXDP(key string) {
	e.xdpMu.Lock()
	defer e.xdpMu.Unlock()
	if l, ok := e.xdpLinks[key]; ok {
		l.Close()
		delete(e.xdpLinks, key)
	}
}
