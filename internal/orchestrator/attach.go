package orchestrator

import (
	"context"
	"fmt"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/registry"
)

// Attach attaches programID to the hook point named by l's kind-specific
// parameters and returns the new Link's id. l.Kind must match the
// program's own kind. XDP and TC delegate to the Dispatcher Engine (C6);
// TCX and the probe kinds attach directly through the Kernel Bridge (C4),
// routing through the Namespace Helper (C5) first when a container
// selector is present on a Uprobe/Uretprobe.
func (o *Orchestrator) Attach(ctx context.Context, programID uint32, l *registry.Link) (uint32, error) {
	o.tableMu.Lock()
	defer o.tableMu.Unlock()

	prog, err := o.reg.GetProgram(programID)
	if err != nil {
		return 0, err
	}
	if prog.Kind != l.Kind {
		return 0, bpfmanerrors.New(bpfmanerrors.KindInvalidArgument,
			fmt.Sprintf("program %d is kind %s, attach requested kind %s", programID, prog.Kind, l.Kind))
	}

	linkID, err := o.reg.NextLinkID()
	if err != nil {
		return 0, bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "allocate link id")
	}
	l.ID = linkID
	l.ProgramID = programID

	switch l.Kind {
	case registry.KindXDP:
		if err := o.attachDispatched(programID, linkID, l.XDP.Interface, registry.DirectionIngress, registry.KindXDP,
			l.XDP.Priority, uint32(l.XDP.ProceedOn), 0); err != nil {
			return 0, err
		}
	case registry.KindTC:
		if err := o.attachDispatched(programID, linkID, l.TC.Interface, l.TC.Direction, registry.KindTC,
			l.TC.Priority, 0, uint32(l.TC.ProceedOn)); err != nil {
			return 0, err
		}
	default:
		kernelLinkID, err := o.attachProbe(ctx, prog, l)
		if err != nil {
			return 0, err
		}
		o.probeLinkHandles[linkID] = kernelLinkID
		// Every probe kind's kernel link is fd-lifetime-only: nothing
		// here pins it to bpffs, so the daemon's own exit silently
		// drops it. Mark it for reconciliation to recreate instead.
		l.ReattachOnBoot = true
	}

	if err := o.reg.PutLink(l); err != nil {
		o.detachKernelSide(l)
		delete(o.probeLinkHandles, linkID)
		return 0, bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "persist link")
	}
	return linkID, nil
}

// attachDispatched adds one child to the (interface, direction) chain via
// the Dispatcher Engine, folding in whatever children are already live
// for that slot.
func (o *Orchestrator) attachDispatched(programID, linkID uint32, iface string, dir registry.Direction, kind registry.Kind, priority int, proceedXDP uint32, proceedTC uint32) error {
	existing, err := o.reg.GetDispatcherBySlot(iface, dir)
	if err != nil {
		return err
	}
	var children []registry.DispatcherChildLink
	if existing != nil {
		children = append(children, existing.Children...)
	}
	children = append(children, registry.DispatcherChildLink{
		ProgramID:    programID,
		LinkID:       linkID,
		Priority:     priority,
		ProceedOnXDP: registry.ProceedOnXDP(proceedXDP),
		ProceedOnTC:  registry.ProceedOnTC(proceedTC),
	})
	_, err = o.engine.UpdateChain(iface, dir, kind, children)
	return err
}

// attachProbe attaches every non-dispatched kind through the Kernel
// Bridge, resolving a container namespace through C5 first when
// l.Uprobe names a selector.
func (o *Orchestrator) attachProbe(ctx context.Context, prog *registry.Program, l *registry.Link) (uint32, error) {
	if (l.Kind == registry.KindUprobe || l.Kind == registry.KindUretprobe) && l.Uprobe.ContainerSelector != nil {
		if o.pidRes == nil || o.nsHelper == nil {
			return 0, bpfmanerrors.New(bpfmanerrors.KindNamespaceUnreachable, "no container namespace resolver configured")
		}
		pid, err := o.pidRes.ResolvePID(ctx, l.Uprobe.ContainerSelector)
		if err != nil {
			return 0, err
		}
		l.Uprobe.ContainerPID = pid

		progHandle, ok := o.bridge.ProgramHandle(prog.KernelID)
		if !ok {
			return 0, bpfmanerrors.New(bpfmanerrors.KindNotFound, "kernel program not loaded in this daemon instance")
		}
		kl, err := o.nsHelper.Attach(ctx, pid, progHandle, l.Uprobe)
		if err != nil {
			return 0, err
		}
		return o.bridge.AdoptLink(kl), nil
	}

	return o.bridge.AttachProbe(prog.KernelID, l)
}
