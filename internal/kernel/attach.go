package kernel

import (
	"fmt"

	"github.com/cilium/ebpf/link"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/registry"
)

// AttachProbe attaches a non-dispatched program kind (Tracepoint, Kprobe,
// Kretprobe, Uprobe, Uretprobe, Fentry, Fexit, or a native TCX hook) and
// returns an opaque kernelLinkID the caller should keep to Detach later.
//
// cilium/ebpf's link package uses the kernel's BPF_LINK_CREATE facility
// when available and falls back to the legacy perf-event attach path
// itself, which is exactly the fallback this package needs.
func (b *Bridge) AttachProbe(kernelID uint32, l *registry.Link) (uint32, error) {
	prog, ok := b.ProgramHandle(kernelID)
	if !ok {
		return 0, bpfmanerrors.New(bpfmanerrors.KindNotFound, "kernel program not loaded in this daemon instance")
	}

	var kl link.Link
	var err error

	switch l.Kind {
	case registry.KindTracepoint:
		kl, err = link.Tracepoint(l.Tracepoint.Category, l.Tracepoint.Name, prog, nil)
	case registry.KindKprobe:
		kl, err = link.Kprobe(l.Kprobe.FunctionName, prog, nil)
	case registry.KindKretprobe:
		kl, err = link.Kretprobe(l.Kprobe.FunctionName, prog, nil)
	case registry.KindUprobe:
		kl, err = attachUprobe(prog, l.Uprobe, false)
	case registry.KindUretprobe:
		kl, err = attachUprobe(prog, l.Uprobe, true)
	case registry.KindFentry:
		kl, err = link.AttachTracing(link.TracingOptions{Program: prog})
	case registry.KindFexit:
		kl, err = link.AttachTracing(link.TracingOptions{Program: prog})
	case registry.KindTCX:
		kl, err = link.AttachTCX(link.TCXOptions{
			Program:   prog,
			Interface: ifaceIndexOf(l.TCX.Interface),
			Attach:    tcxAttachType(l.TCX.Direction),
		})
	default:
		return 0, bpfmanerrors.New(bpfmanerrors.KindInvalidArgument, fmt.Sprintf("kind %s is not a probe attach", l.Kind))
	}
	if err != nil {
		return 0, bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, fmt.Sprintf("attach %s", l.Kind))
	}

	b.mu.Lock()
	b.nextLinkID++
	id := b.nextLinkID
	b.links[id] = kl
	b.mu.Unlock()
	return id, nil
}

// AdoptLink registers a link.Link this Bridge did not itself create —
// used for links produced by the Namespace Helper (C5), which attaches
// inside a foreign mount namespace and hands back a link reopened from
// its bpffs pin — so DetachLink can manage it uniformly afterwards.
func (b *Bridge) AdoptLink(l link.Link) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextLinkID++
	id := b.nextLinkID
	b.links[id] = l
	return id
}

// DetachLink closes the kernel link object, matching
// detach_link. Detaching an unknown id returns a NotFound error.
func (b *Bridge) DetachLink(kernelLinkID uint32) error {
	b.mu.Lock()
	kl, ok := b.links[kernelLinkID]
	delete(b.links, kernelLinkID)
	b.mu.Unlock()
	if !ok {
		return bpfmanerrors.New(bpfmanerrors.KindNotFound, "kernel link not found")
	}
	if err := kl.Close(); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "detach link")
	}
	return nil
}
