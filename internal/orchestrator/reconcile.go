package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bpfman/bpfman-core/internal/registry"
)

// Reconcile runs startup reconciliation: it restores the equality
// between kernel state and registry state spec.md §3's invariants
// require after any successful operation, and that a crash may have
// broken. It is not cancellable — ctx is honored only by the container
// PID resolution a reattached Uprobe selector may need.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	o.tableMu.Lock()
	defer o.tableMu.Unlock()

	ids, err := o.reg.ListProgramIDs()
	if err != nil {
		return err
	}

	adopted := make(map[uint32]bool, len(ids))
	orphaned := make(map[uint32]bool)

	for _, id := range ids {
		p, err := o.reg.GetProgram(id)
		if err != nil {
			continue
		}
		if p.Kind == registry.KindDispatcher {
			// Dispatchers are rebuilt from scratch below, from the live
			// child Links, not adopted individually.
			continue
		}

		kernelID, err := o.bridge.AdoptPinned(p.PinPath)
		if err != nil {
			o.log.Info("program orphaned: pinned object missing at reconciliation", "program_id", id, "pin_path", p.PinPath)
			p.Orphaned = true
			o.reg.PutProgram(p)
			orphaned[id] = true
			continue
		}
		p.KernelID = kernelID
		if err := o.reg.PutProgram(p); err != nil {
			return err
		}
		adopted[id] = true
	}

	if err := o.adoptUnmanagedPins(ids); err != nil {
		return err
	}

	linkIDs, err := o.reg.ListLinkIDs()
	if err != nil {
		return err
	}

	type slotKey struct {
		iface string
		dir   registry.Direction
		kind  registry.Kind
	}
	slots := make(map[slotKey][]registry.DispatcherChildLink)

	for _, id := range linkIDs {
		l, err := o.reg.GetLink(id)
		if err != nil {
			continue
		}
		if orphaned[l.ProgramID] {
			o.reg.DeleteLink(id)
			continue
		}

		switch l.Kind {
		case registry.KindXDP:
			k := slotKey{l.XDP.Interface, registry.DirectionIngress, registry.KindXDP}
			slots[k] = append(slots[k], registry.DispatcherChildLink{
				ProgramID: l.ProgramID, LinkID: l.ID, Priority: l.XDP.Priority, ProceedOnXDP: l.XDP.ProceedOn,
			})
		case registry.KindTC:
			k := slotKey{l.TC.Interface, l.TC.Direction, registry.KindTC}
			slots[k] = append(slots[k], registry.DispatcherChildLink{
				ProgramID: l.ProgramID, LinkID: l.ID, Priority: l.TC.Priority, ProceedOnTC: l.TC.ProceedOn,
			})
		default:
			if l.ReattachOnBoot {
				if err := o.reattachProbe(ctx, l); err != nil {
					o.log.Error(err, "reattach link on boot", "link_id", id)
				}
			}
		}
	}

	// Rebuild each (interface, direction) Dispatcher in one batched
	// update, per spec.md §4.7.
	for k, children := range slots {
		if _, err := o.engine.UpdateChain(k.iface, k.dir, k.kind, children); err != nil {
			o.log.Error(err, "rebuild dispatcher at startup", "interface", k.iface, "direction", k.dir)
		}
	}

	return nil
}

func (o *Orchestrator) reattachProbe(ctx context.Context, l *registry.Link) error {
	prog, err := o.reg.GetProgram(l.ProgramID)
	if err != nil {
		return err
	}
	kernelLinkID, err := o.attachProbe(ctx, prog, l)
	if err != nil {
		return err
	}
	o.probeLinkHandles[l.ID] = kernelLinkID
	return nil
}

// adoptUnmanagedPins implements the reconciliation-ambiguity design note:
// a pin present on disk with no matching registry row (a store rollback
// without a matching kernel rollback) is adopted as Unmanaged rather than
// torn down — bpfman does not guess at its origin.
func (o *Orchestrator) adoptUnmanagedPins(known []uint32) error {
	knownSet := make(map[uint32]bool, len(known))
	for _, id := range known {
		knownSet[id] = true
	}

	entries, err := os.ReadDir(filepath.Join(o.pinRoot, "progs"))
	if err != nil {
		return nil // no pin filesystem yet is not an error at first boot
	}
	for _, e := range entries {
		id64, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		id := uint32(id64)
		if knownSet[id] {
			continue
		}
		pinPath := filepath.Join(o.pinRoot, "progs", e.Name())
		kernelID, err := o.bridge.AdoptPinned(pinPath)
		if err != nil {
			continue
		}
		o.log.Info("adopting unmanaged pinned program", "program_id", id, "pin_path", pinPath)
		o.reg.PutProgram(&registry.Program{
			ID:        id,
			KernelID:  kernelID,
			PinPath:   pinPath,
			Unmanaged: true,
		})
	}
	return nil
}
