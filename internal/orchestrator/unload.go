package orchestrator

import (
	"fmt"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
)

// Unload removes programID from both the kernel and the registry.
// Refuses with LinkedProgram while any Link still references the
// program, and with MapOwnerInUse while any other Program still shares
// its maps — both checked, and left unchanged, before any kernel or
// registry mutation happens.
func (o *Orchestrator) Unload(programID uint32) error {
	o.tableMu.Lock()
	defer o.tableMu.Unlock()

	prog, err := o.reg.GetProgram(programID)
	if err != nil {
		return err
	}

	links, err := o.reg.LinksForProgram(programID)
	if err != nil {
		return err
	}
	if len(links) > 0 {
		return bpfmanerrors.New(bpfmanerrors.KindConflict,
			fmt.Sprintf("program %d has %d live link(s)", programID, len(links)), "reason", "LinkedProgram")
	}

	sharers, err := o.reg.SharersOf(programID)
	if err != nil {
		return err
	}
	if len(sharers) > 0 {
		return bpfmanerrors.New(bpfmanerrors.KindConflict,
			fmt.Sprintf("program %d is a map owner with %d live sharer(s)", programID, len(sharers)), "reason", "MapOwnerInUse")
	}

	for name, mapPath := range prog.MapPinPaths {
		if err := o.bridge.UnpinMap(mapPath); err != nil && !bpfmanerrors.Is(err, bpfmanerrors.KindNotFound) {
			o.log.Error(err, "unpin map on unload", "program_id", programID, "map_name", name)
		}
	}
	if prog.PinPath != "" {
		if err := o.bridge.Unpin(prog.PinPath); err != nil && !bpfmanerrors.Is(err, bpfmanerrors.KindNotFound) {
			o.log.Error(err, "unpin program on unload", "program_id", programID)
		}
	}
	o.bridge.UnloadProgram(prog.KernelID, prog.KernelMapIDs)

	return o.reg.DeleteProgram(programID)
}
