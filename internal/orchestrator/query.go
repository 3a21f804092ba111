package orchestrator

import (
	"github.com/cilium/ebpf"

	"github.com/bpfman/bpfman-core/internal/kernel"
	"github.com/bpfman/bpfman-core/internal/registry"
)

// GetProgram is a pure read of one Program by id.
func (o *Orchestrator) GetProgram(id uint32) (*registry.Program, error) {
	o.tableMu.RLock()
	defer o.tableMu.RUnlock()
	return o.reg.GetProgram(id)
}

// GetLink is a pure read of one Link by id.
func (o *Orchestrator) GetLink(id uint32) (*registry.Link, error) {
	o.tableMu.RLock()
	defer o.tableMu.RUnlock()
	return o.reg.GetLink(id)
}

// ProgramFilter narrows ListPrograms. A zero-value filter matches every
// bpfman-managed Program; All additionally merges in programs the
// kernel reports that bpfman never loaded (the HookOccupied diagnostic
// path from spec.md §4.6).
type ProgramFilter struct {
	Kind          registry.Kind
	Application   string
	MetadataKey   string
	MetadataValue string
	All           bool
}

func (f ProgramFilter) matches(p *registry.Program) bool {
	if f.Kind != "" && p.Kind != f.Kind {
		return false
	}
	if f.Application != "" && p.Application != f.Application {
		return false
	}
	if f.MetadataKey != "" && p.Metadata[f.MetadataKey] != f.MetadataValue {
		return false
	}
	return true
}

// ListPrograms returns every registered Program matching filter, sorted
// by id. With filter.All set, kernel-resident programs bpfman did not
// load are appended as read-only, Unmanaged entries with ID 0 so
// operators can diagnose a foreign occupant at a dispatcher's hook.
func (o *Orchestrator) ListPrograms(filter ProgramFilter) ([]*registry.Program, error) {
	o.tableMu.RLock()
	defer o.tableMu.RUnlock()

	ids, err := o.reg.ListProgramIDs()
	if err != nil {
		return nil, err
	}
	known := make(map[uint32]bool, len(ids))
	var out []*registry.Program
	for _, id := range ids {
		p, err := o.reg.GetProgram(id)
		if err != nil {
			continue
		}
		known[p.KernelID] = true
		if filter.matches(p) {
			out = append(out, p)
		}
	}

	if filter.All {
		loaded, err := kernel.QueryLoaded()
		if err != nil {
			return nil, err
		}
		for _, row := range loaded {
			if known[row.KernelID] {
				continue
			}
			foreign := &registry.Program{
				KernelID:   row.KernelID,
				Kind:       kindForProgramType(row.Type),
				EntryPoint: row.Name,
				Unmanaged:  true,
			}
			if filter.Kind == "" || filter.Kind == foreign.Kind {
				out = append(out, foreign)
			}
		}
	}
	return out, nil
}

// LinkFilter narrows ListLinks. A zero-value filter matches every Link;
// Application filters by the owning Program's application label.
type LinkFilter struct {
	Kind        registry.Kind
	Application string
}

// ListLinks returns every Link matching filter.
func (o *Orchestrator) ListLinks(filter LinkFilter) ([]*registry.Link, error) {
	o.tableMu.RLock()
	defer o.tableMu.RUnlock()

	ids, err := o.reg.ListLinkIDs()
	if err != nil {
		return nil, err
	}
	var out []*registry.Link
	for _, id := range ids {
		l, err := o.reg.GetLink(id)
		if err != nil {
			continue
		}
		if filter.Kind != "" && l.Kind != filter.Kind {
			continue
		}
		if filter.Application != "" {
			p, err := o.reg.GetProgram(l.ProgramID)
			if err != nil || p.Application != filter.Application {
				continue
			}
		}
		out = append(out, l)
	}
	return out, nil
}

// kindForProgramType approximates the bpfman Kind for a kernel-reported
// eBPF program type, used only for `list --all`'s foreign-program rows —
// bpfman itself always knows a Program's Kind from its own Load call, so
// this mapping only needs to cover the dispatchable kinds operators most
// commonly see attached out-of-band.
func kindForProgramType(t ebpf.ProgramType) registry.Kind {
	switch t {
	case ebpf.XDP:
		return registry.KindXDP
	case ebpf.SchedCLS:
		return registry.KindTC
	case ebpf.Tracing:
		return registry.KindFentry
	case ebpf.Kprobe:
		return registry.KindKprobe
	default:
		return registry.Kind(t.String())
	}
}
