package orchestrator

import (
	"github.com/bpfman/bpfman-core/internal/registry"
)

// Detach removes linkID: for XDP/TC this triggers a Dispatcher Engine
// update, for every other kind it closes the kernel link directly.
// Idempotent: detaching an unknown linkID returns NotFound rather than
// silently succeeding, and is never internally retried.
func (o *Orchestrator) Detach(linkID uint32) error {
	o.tableMu.Lock()
	defer o.tableMu.Unlock()

	l, err := o.reg.GetLink(linkID)
	if err != nil {
		return err
	}

	if err := o.detachKernelSide(l); err != nil {
		return err
	}
	delete(o.probeLinkHandles, linkID)

	return o.reg.DeleteLink(linkID)
}

// detachKernelSide performs the kernel-side half of a detach without
// touching the registry, shared by Detach and Attach's own rollback path
// when persisting a freshly-created Link fails.
func (o *Orchestrator) detachKernelSide(l *registry.Link) error {
	switch l.Kind {
	case registry.KindXDP:
		return o.detachDispatched(l.XDP.Interface, registry.DirectionIngress, registry.KindXDP, l.ID)
	case registry.KindTC:
		return o.detachDispatched(l.TC.Interface, l.TC.Direction, registry.KindTC, l.ID)
	default:
		kernelLinkID, ok := o.probeLinkHandles[l.ID]
		if !ok {
			// Reconciliation did not re-establish a live kernel handle for
			// this Link (daemon restart without reattach), or it was
			// already torn down — either way there is nothing left to
			// close at the kernel level, only the registry row.
			return nil
		}
		return o.bridge.DetachLink(kernelLinkID)
	}
}

// detachDispatched removes linkID's child entry from the (interface,
// direction) chain and runs the Dispatcher Engine's update protocol over
// what remains, tearing the Dispatcher down entirely when it was the
// last child.
func (o *Orchestrator) detachDispatched(iface string, dir registry.Direction, kind registry.Kind, linkID uint32) error {
	existing, err := o.reg.GetDispatcherBySlot(iface, dir)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	var remaining []registry.DispatcherChildLink
	for _, c := range existing.Children {
		if c.LinkID != linkID {
			remaining = append(remaining, c)
		}
	}
	_, err = o.engine.UpdateChain(iface, dir, kind, remaining)
	return err
}
