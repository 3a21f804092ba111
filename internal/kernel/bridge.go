// Package kernel is the C4 Kernel Bridge: the narrow, auditable surface
// for every kernel-side effect. It wraps
// github.com/cilium/ebpf and github.com/cilium/ebpf/link — the same
// library this daemon pins — and nothing else talks to the
// kernel BPF syscalls directly.
package kernel

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/registry"
)

// Bridge owns every live kernel object handle: loaded *ebpf.Program and
// *ebpf.Map values, and every attach_link-produced link.Link, all keyed
// by the kernel ids the operations below hand back to callers. Handles
// must stay alive for the lifetime of the kernel object — closing one
// is what actually removes the effect.
type Bridge struct {
	mu       sync.Mutex
	programs map[uint32]*ebpf.Program
	maps     map[uint32]*ebpf.Map
	links    map[uint32]link.Link
	nextLinkID uint32
}

func New() *Bridge {
	return &Bridge{
		programs: make(map[uint32]*ebpf.Program),
		maps:     make(map[uint32]*ebpf.Map),
		links:    make(map[uint32]link.Link),
	}
}

// LoadResult is the outcome of loading one program from a bytecode
// object.
type LoadResult struct {
	KernelID    uint32
	MapIDs      []uint32
	MapIDsByName map[string]uint32
}

// LoadProgram loads one entry point out of an ELF bytecode object,
// applying global-variable patches to its .rodata/.data symbols before
// the kernel verifies it. Verifier rejections surface as
// KindVerifierFailed carrying the verifier log.
//
// mapOwnerPins, when non-empty, names the bpffs pin path of an already
// loaded map for one or more of the map names collSpec declares —
// the map-owner/sharer mechanism. Each is reopened by pin path and
// substituted into the new collection in place of a freshly created
// map, so the loaded program ends up sharing the exact same kernel map
// object as its owner instead of an independent copy.
func (b *Bridge) LoadProgram(bytecode []byte, kind registry.Kind, entryPoint string, globals map[string][]byte, attachFunction string, mapOwnerPins map[string]string) (*LoadResult, error) {
	collSpec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bytecode))
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindInvalidArgument, err, "parse bytecode object")
	}

	progSpec, ok := collSpec.Programs[entryPoint]
	if !ok {
		return nil, bpfmanerrors.New(bpfmanerrors.KindInvalidArgument,
			fmt.Sprintf("entry point %q not found in bytecode object", entryPoint))
	}

	for name, raw := range globals {
		varSpec, ok := collSpec.Variables[name]
		if !ok {
			return nil, bpfmanerrors.New(bpfmanerrors.KindInvalidArgument,
				fmt.Sprintf("global %q not found in bytecode object", name))
		}
		if int(varSpec.Size()) != len(raw) {
			return nil, bpfmanerrors.New(bpfmanerrors.KindGlobalSizeMismatch,
				fmt.Sprintf("global %q: symbol is %d bytes, patch is %d bytes", name, varSpec.Size(), len(raw)))
		}
		if err := varSpec.Set(raw); err != nil {
			return nil, bpfmanerrors.Wrap(bpfmanerrors.KindGlobalSizeMismatch, err, fmt.Sprintf("patch global %q", name))
		}
	}

	if attachFunction != "" {
		progSpec.AttachTo = attachFunction
	}

	opts := ebpf.CollectionOptions{
		Programs: ebpf.ProgramOptions{
			LogLevel: ebpf.LogLevelInstruction,
		},
	}
	if len(mapOwnerPins) > 0 {
		opts.MapReplacements = make(map[string]*ebpf.Map, len(mapOwnerPins))
		for name, path := range mapOwnerPins {
			if _, ok := collSpec.Maps[name]; !ok {
				continue
			}
			owned, err := ebpf.LoadPinnedMap(path, nil)
			if err != nil {
				return nil, bpfmanerrors.Wrap(bpfmanerrors.KindInvalidArgument, err,
					fmt.Sprintf("load map owner's pinned map %q", name))
			}
			opts.MapReplacements[name] = owned
		}
	}

	coll, err := ebpf.NewCollectionWithOptions(collSpec, opts)
	if err != nil {
		var verr *ebpf.VerifierError
		if bytesAsVerifierError(err, &verr) {
			return nil, bpfmanerrors.WithVerifierLog(
				bpfmanerrors.Wrap(bpfmanerrors.KindVerifierFailed, err, "kernel verifier rejected program"),
				verr.Error())
		}
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindVerifierFailed, err, "load program")
	}

	prog, ok := coll.Programs[entryPoint]
	if !ok {
		return nil, bpfmanerrors.New(bpfmanerrors.KindInternal, "loaded collection missing entry point")
	}

	info, err := prog.Info()
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "read program info")
	}
	kernelID, _ := info.ID()

	b.mu.Lock()
	b.programs[uint32(kernelID)] = prog
	var mapIDs []uint32
	mapIDsByName := make(map[string]uint32, len(coll.Maps))
	for name, m := range coll.Maps {
		minfo, err := m.Info()
		if err != nil {
			continue
		}
		if mid, ok := minfo.ID(); ok {
			b.maps[uint32(mid)] = m
			mapIDs = append(mapIDs, uint32(mid))
			mapIDsByName[name] = uint32(mid)
		}
	}
	b.mu.Unlock()

	return &LoadResult{KernelID: uint32(kernelID), MapIDs: mapIDs, MapIDsByName: mapIDsByName}, nil
}

// UnloadProgram releases every handle LoadProgram produced for
// kernelID — the program and whichever maps this Bridge instance still
// tracks as belonging to it. Used when a dispatcher rebuild's old
// generation is torn down, and by the daemon's own Unload operation.
func (b *Bridge) UnloadProgram(kernelID uint32, mapIDs []uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.programs[kernelID]; ok {
		p.Close()
		delete(b.programs, kernelID)
	}
	for _, mid := range mapIDs {
		if m, ok := b.maps[mid]; ok {
			m.Close()
			delete(b.maps, mid)
		}
	}
}

// bytesAsVerifierError finds a *ebpf.VerifierError anywhere in err's
// wrap chain; cilium/ebpf wraps it with the program name when loading a
// collection.
func bytesAsVerifierError(err error, target **ebpf.VerifierError) bool {
	return errors.As(err, target)
}

// Pin makes a loaded program persist beyond the daemon's own fd, under
// path rooted at /run/bpfman/fs/...
func (b *Bridge) Pin(kernelID uint32, path string) error {
	b.mu.Lock()
	prog, ok := b.programs[kernelID]
	b.mu.Unlock()
	if !ok {
		return bpfmanerrors.New(bpfmanerrors.KindNotFound, "kernel program not loaded in this daemon instance")
	}
	if err := prog.Pin(path); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "pin program")
	}
	return nil
}

// Unpin removes the bpffs pin at path.
func (b *Bridge) Unpin(path string) error {
	prog, err := ebpf.LoadPinnedProgram(path, nil)
	if err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindNotFound, err, "load pinned program for unpin")
	}
	defer prog.Close()
	if err := prog.Unpin(); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "unpin program")
	}
	return nil
}

// PinMap makes one of a loaded program's maps persist beyond the
// daemon's own fd, under maps/<owner_program_id>/<map_name>, so a
// sharer program can later reopen the exact same kernel map object by
// path instead of getting an independent copy.
func (b *Bridge) PinMap(mapID uint32, path string) error {
	b.mu.Lock()
	m, ok := b.maps[mapID]
	b.mu.Unlock()
	if !ok {
		return bpfmanerrors.New(bpfmanerrors.KindNotFound, "kernel map not loaded in this daemon instance")
	}
	if err := m.Pin(path); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "pin map")
	}
	return nil
}

// UnpinMap removes the bpffs pin at path, used once a map owner's last
// sharer is gone and the owner itself is unloaded.
func (b *Bridge) UnpinMap(path string) error {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindNotFound, err, "load pinned map for unpin")
	}
	defer m.Close()
	if err := m.Unpin(); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "unpin map")
	}
	return nil
}

// AdoptPinned loads the kernel object already pinned at path without
// re-verifying it, used by startup reconciliation to
// recover handles for programs that survived a daemon restart.
func (b *Bridge) AdoptPinned(path string) (uint32, error) {
	prog, err := ebpf.LoadPinnedProgram(path, nil)
	if err != nil {
		return 0, bpfmanerrors.Wrap(bpfmanerrors.KindNotFound, err, "adopt pinned program")
	}
	info, err := prog.Info()
	if err != nil {
		prog.Close()
		return 0, bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "read pinned program info")
	}
	kernelID, _ := info.ID()
	b.mu.Lock()
	b.programs[uint32(kernelID)] = prog
	b.mu.Unlock()
	return uint32(kernelID), nil
}

// ProgramHandle returns the live *ebpf.Program for kernelID, for C6 to
// attach directly to XDP/TC hooks.
func (b *Bridge) ProgramHandle(kernelID uint32) (*ebpf.Program, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.programs[kernelID]
	return p, ok
}

// MapHandle returns the live *ebpf.Map for a kernel map id, for C6 to
// update a dispatcher's tail-call table.
func (b *Bridge) MapHandle(mapID uint32) (*ebpf.Map, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.maps[mapID]
	return m, ok
}

// UpdateProgArraySlot installs childKernelID's program fd into slot of
// the dispatcher's BPF_MAP_TYPE_PROG_ARRAY so its tail call reaches the
// right child.
func (b *Bridge) UpdateProgArraySlot(progArrayMapID uint32, slot uint32, childKernelID uint32) error {
	m, ok := b.MapHandle(progArrayMapID)
	if !ok {
		return bpfmanerrors.New(bpfmanerrors.KindInternal, "dispatcher prog_array map not loaded")
	}
	child, ok := b.ProgramHandle(childKernelID)
	if !ok {
		return bpfmanerrors.New(bpfmanerrors.KindNotFound, "child program not loaded in this daemon instance")
	}
	if err := m.Put(slot, uint32FD(child)); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindDispatcherAttachFailed, err, "update dispatcher prog_array slot")
	}
	return nil
}

// UpdateConfigSlot writes one child's proceed-on bitmask + priority
// record into the dispatcher's config map, consulted after each
// tail-call return.
func (b *Bridge) UpdateConfigSlot(configMapID uint32, slot uint32, record []byte) error {
	m, ok := b.MapHandle(configMapID)
	if !ok {
		return bpfmanerrors.New(bpfmanerrors.KindInternal, "dispatcher config map not loaded")
	}
	if err := m.Put(slot, record); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindDispatcherAttachFailed, err, "update dispatcher config slot")
	}
	return nil
}

func uint32FD(p *ebpf.Program) uint32 { return uint32(p.FD()) }

// Close releases every kernel object this Bridge instance holds open,
// called on daemon shutdown — pinned objects outlive it, unpinned
// fd-lifetime-only ones do not.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.links {
		l.Close()
	}
	for _, p := range b.programs {
		p.Close()
	}
	for _, m := range b.maps {
		m.Close()
	}
}
