// Package dispatcher is the C6 Dispatcher Engine: the XDP/TC
// multi-program composition. It is the heart
// of the design — the kernel only ever sees one program per
// (interface, direction); this package is what makes that one program
// tail-call into bpfman's ordered child chain.
package dispatcher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cilium/ebpf/link"
	"github.com/go-logr/logr"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/kernel"
	"github.com/bpfman/bpfman-core/internal/registry"
)

const (
	xdpEntryPoint = "xdp_dispatcher"
	tcEntryPoint  = "tc_dispatcher"

	progArrayMapName = "prog_array"
	configMapName     = "dispatcher_config"
)

// Engine owns the per-slot mutexes and the kernel-side hook handles for
// every live dispatcher. Operations against the same (interface,
// direction) slot are serialized FIFO by mutex acquisition, per
// the mutex for that slot; different slots proceed in parallel.
type Engine struct {
	bridge *kernel.Bridge
	reg    *registry.Registry
	log    logr.Logger

	pinRoot string

	slotMu    sync.Mutex
	slotLocks map[string]*sync.Mutex

	xdpMu    sync.Mutex
	xdpLinks map[string]link.Link // slot key -> live XDP hook link

	tcMu  sync.Mutex
	tcHandles map[string]*tcHandle // slot key -> live TC clsact/filter handle
}

func New(b *kernel.Bridge, r *registry.Registry, pinRoot string, log logr.Logger) *Engine {
	return &Engine{
		bridge:    b,
		reg:       r,
		log:       log,
		pinRoot:   pinRoot,
		slotLocks: make(map[string]*sync.Mutex),
		xdpLinks:  make(map[string]link.Link),
		tcHandles: make(map[string]*tcHandle),
	}
}

func (e *Engine) lockFor(key string) *sync.Mutex {
	e.slotMu.Lock()
	defer e.slotMu.Unlock()
	m, ok := e.slotLocks[key]
	if !ok {
		m = &sync.Mutex{}
		e.slotLocks[key] = m
	}
	return m
}

// orderChain sorts by (priority ascending, link id ascending), the
// total order the dispatcher chain requires. Link ids are unique so ties on
// priority alone are always broken.
func orderChain(children []registry.DispatcherChildLink) []registry.DispatcherChildLink {
	out := make([]registry.DispatcherChildLink, len(children))
	copy(out, children)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].LinkID < out[j].LinkID
	})
	return out
}

// UpdateChain runs the six-step update protocol for one
// (interface, direction) slot, given the full desired membership. An
// empty children slice transitions the slot to Absent, fully unloading
// any existing dispatcher.
func (e *Engine) UpdateChain(iface string, dir registry.Direction, kind registry.Kind, children []registry.DispatcherChildLink) (*registry.Dispatcher, error) {
	for _, c := range children {
		if !validatePriority(c.Priority) {
			return nil, bpfmanerrors.New(bpfmanerrors.KindInvalidArgument,
				fmt.Sprintf("priority %d out of range [%d,%d]", c.Priority, registry.MinPriority, registry.MaxPriority))
		}
	}

	key := registry.SlotKey(iface, dir)
	mu := e.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	existing, err := e.reg.GetDispatcherBySlot(iface, dir)
	if err != nil {
		return nil, err
	}

	ordered := orderChain(children)

	if len(ordered) == 0 {
		return nil, e.tearDown(existing, iface, dir, kind, key)
	}

	// Step 1: new ordered chain is `ordered`.
	// Step 2+3: build and load the new dispatcher.
	asset, entry := xdpDispatcherObject, xdpEntryPoint
	if kind == registry.KindTC {
		asset, entry = tcDispatcherObject, tcEntryPoint
	}

	loadResult, err := e.bridge.LoadProgram(asset, registry.KindDispatcher, entry, nil, "", nil)
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindDispatcherAttachFailed, err, "load new dispatcher generation")
	}

	progArrayID, ok := loadResult.MapIDsByName[progArrayMapName]
	if !ok {
		e.bridge.UnloadProgram(loadResult.KernelID, loadResult.MapIDs)
		return nil, bpfmanerrors.New(bpfmanerrors.KindDispatcherAttachFailed, "dispatcher object missing prog_array map")
	}
	configID, ok := loadResult.MapIDsByName[configMapName]
	if !ok {
		e.bridge.UnloadProgram(loadResult.KernelID, loadResult.MapIDs)
		return nil, bpfmanerrors.New(bpfmanerrors.KindDispatcherAttachFailed, "dispatcher object missing dispatcher_config map")
	}

	for i, c := range ordered {
		childProg, err := e.reg.GetProgram(c.ProgramID)
		if err != nil {
			e.bridge.UnloadProgram(loadResult.KernelID, loadResult.MapIDs)
			return nil, bpfmanerrors.Wrap(bpfmanerrors.KindDispatcherAttachFailed, err, "resolve child program")
		}
		if err := e.bridge.UpdateProgArraySlot(progArrayID, uint32(i), childProg.KernelID); err != nil {
			e.bridge.UnloadProgram(loadResult.KernelID, loadResult.MapIDs)
			return nil, err
		}
		if err := e.bridge.UpdateConfigSlot(configID, uint32(i), configRecord(c, kind)); err != nil {
			e.bridge.UnloadProgram(loadResult.KernelID, loadResult.MapIDs)
			return nil, err
		}
	}

	newProg, ok := e.bridge.ProgramHandle(loadResult.KernelID)
	if !ok {
		e.bridge.UnloadProgram(loadResult.KernelID, loadResult.MapIDs)
		return nil, bpfmanerrors.New(bpfmanerrors.KindDispatcherAttachFailed, "new dispatcher program handle missing")
	}

	// Step 4: atomic swap at the hook.
	var swapErr error
	if kind == registry.KindXDP {
		swapErr = e.swapXDP(key, iface, newProg)
	} else {
		swapErr = e.swapTC(key, iface, dir, newProg)
	}
	if swapErr != nil {
		e.bridge.UnloadProgram(loadResult.KernelID, loadResult.MapIDs)
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindDispatcherAttachFailed, swapErr, "swap dispatcher at hook")
	}

	// From here on, the new generation is authoritative: failures below
	// are logged, not rolled back.
	newProgramID, err := e.reg.NextProgramID()
	if err != nil {
		e.log.Error(err, "allocate dispatcher program id after swap succeeded")
	}
	pinPath := fmt.Sprintf("%s/progs/%d", e.pinRoot, newProgramID)
	if err := e.bridge.Pin(loadResult.KernelID, pinPath); err != nil {
		e.log.Error(err, "pin new dispatcher generation", "interface", iface, "direction", dir)
	}

	revision := uint64(1)
	if existing != nil {
		revision = existing.Revision + 1
	}

	newDispatcher := &registry.Dispatcher{
		ProgramID: newProgramID,
		Interface: iface,
		Direction: dir,
		Kind:      kind,
		Revision:  revision,
		Children:  ordered,
	}

	if err := e.reg.PutProgram(&registry.Program{
		ID: newProgramID, KernelID: loadResult.KernelID, Kind: registry.KindDispatcher,
		EntryPoint: entry, PinPath: pinPath, KernelMapIDs: loadResult.MapIDs,
	}); err != nil {
		e.log.Error(err, "persist dispatcher program row")
	}
	if err := e.reg.PutDispatcher(newDispatcher); err != nil {
		e.log.Error(err, "persist dispatcher chain")
	}

	// Step 5: unload the old generation.
	if existing != nil {
		if oldProg, err := e.reg.GetProgram(existing.ProgramID); err == nil {
			e.bridge.UnloadProgram(oldProg.KernelID, oldProg.KernelMapIDs)
			if err := e.reg.DeleteProgram(existing.ProgramID); err != nil {
				e.log.Error(err, "remove old dispatcher program row")
			}
		}
	}

	return newDispatcher, nil
}

// tearDown handles the Live -> Absent transition: unload the dispatcher
// program entirely and detach the hook ("removing the last
// child transitions to Absent and fully unloads the dispatcher").
func (e *Engine) tearDown(existing *registry.Dispatcher, iface string, dir registry.Direction, kind registry.Kind, key string) error {
	if existing == nil {
		return nil
	}
	if kind == registry.KindXDP {
		e.detachXDP(key)
	} else {
		e.detachTC(key)
	}
	if oldProg, err := e.reg.GetProgram(existing.ProgramID); err == nil {
		e.bridge.UnloadProgram(oldProg.KernelID, oldProg.KernelMapIDs)
		if err := e.reg.DeleteProgram(existing.ProgramID); err != nil {
			return err
		}
	}
	return e.reg.DeleteDispatcher(existing)
}

// SetLogger replaces the logger given to New, matching an
// explicit-handle style (no package-global logger) noted in DESIGN.md.
func (e *Engine) SetLogger(log logr.Logger) { e.log = log }
