package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/ociimage"
	"github.com/bpfman/bpfman-core/internal/registry"
)

// ProgramSpec names one entry point to load out of a single bytecode
// object, matching the CLI's `--programs KIND:FUNC[:ATTACH]` flag.
type ProgramSpec struct {
	Kind       registry.Kind
	Function   string
	AttachTo   string // required for Fentry/Fexit, ignored otherwise
}

// LoadRequest is every parameter the Load operation accepts.
type LoadRequest struct {
	Source registry.Source

	// Image pull parameters, consulted only when Source.ImageURL is set.
	PullPolicy ociimage.PullPolicy
	Auth       *ociimage.Auth

	Programs []ProgramSpec
	Globals  map[string][]byte
	Metadata map[string]string

	Application string

	HasMapOwner bool
	MapOwnerID  uint32
}

// Load loads every program named in req.Programs out of one bytecode
// object, atomically: either every program succeeds or the whole batch
// is rolled back. Globals are applied by patching the bytecode's named
// read-only data symbols for every program loaded from the object.
func (o *Orchestrator) Load(ctx context.Context, req LoadRequest) ([]uint32, error) {
	o.tableMu.Lock()
	defer o.tableMu.Unlock()

	if len(req.Programs) == 0 {
		return nil, bpfmanerrors.New(bpfmanerrors.KindInvalidArgument, "load requires at least one program")
	}
	var mapOwnerPins map[string]string
	if req.HasMapOwner {
		owner, err := o.reg.GetProgram(req.MapOwnerID)
		if err != nil {
			return nil, bpfmanerrors.Wrap(bpfmanerrors.KindInvalidArgument, err, "resolve map owner")
		}
		mapOwnerPins = owner.MapPinPaths
	}
	for _, spec := range req.Programs {
		if (spec.Kind == registry.KindFentry || spec.Kind == registry.KindFexit) && spec.AttachTo == "" {
			return nil, bpfmanerrors.New(bpfmanerrors.KindInvalidArgument,
				fmt.Sprintf("%s %q requires an attach function", spec.Kind, spec.Function))
		}
	}

	bytecode, err := o.resolveBytecode(ctx, req.Source, req.PullPolicy, req.Auth)
	if err != nil {
		return nil, err
	}

	var loadedIDs []uint32
	rollback := func() {
		for _, id := range loadedIDs {
			if p, err := o.reg.GetProgram(id); err == nil {
				for _, mapPath := range p.MapPinPaths {
					o.bridge.UnpinMap(mapPath)
				}
				if p.PinPath != "" {
					o.bridge.Unpin(p.PinPath)
				}
				o.bridge.UnloadProgram(p.KernelID, p.KernelMapIDs)
				o.reg.DeleteProgram(id)
			}
		}
	}

	for _, spec := range req.Programs {
		result, err := o.bridge.LoadProgram(bytecode, spec.Kind, spec.Function, req.Globals, spec.AttachTo, mapOwnerPins)
		if err != nil {
			rollback()
			return nil, err
		}

		id, err := o.reg.NextProgramID()
		if err != nil {
			o.bridge.UnloadProgram(result.KernelID, result.MapIDs)
			rollback()
			return nil, bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "allocate program id")
		}
		pinPath := fmt.Sprintf("%s/progs/%d", o.pinRoot, id)
		if err := o.bridge.Pin(result.KernelID, pinPath); err != nil {
			o.bridge.UnloadProgram(result.KernelID, result.MapIDs)
			rollback()
			return nil, err
		}

		// Only maps this program itself owns (not reused from
		// mapOwnerPins) get a pin here — maps/<this program's
		// id>/<name>, so this program becomes the owner future
		// sharers resolve against. A shared map keeps living at its
		// owner's existing pin path.
		mapPinPaths := make(map[string]string, len(result.MapIDsByName))
		for _, name := range ownedMapNames(result.MapIDsByName, mapOwnerPins) {
			mapPath := mapPinPath(o.pinRoot, id, name)
			if err := o.bridge.PinMap(result.MapIDsByName[name], mapPath); err != nil {
				o.bridge.Unpin(pinPath)
				o.bridge.UnloadProgram(result.KernelID, result.MapIDs)
				rollback()
				return nil, err
			}
			mapPinPaths[name] = mapPath
		}

		p := &registry.Program{
			ID:             id,
			KernelID:       result.KernelID,
			Kind:           spec.Kind,
			EntryPoint:     spec.Function,
			Source:         req.Source,
			Application:    req.Application,
			AttachFunction: spec.AttachTo,
			Globals:        req.Globals,
			Metadata:       req.Metadata,
			HasMapOwner:    req.HasMapOwner,
			MapOwnerID:     req.MapOwnerID,
			KernelMapIDs:   result.MapIDs,
			MapPinPaths:    mapPinPaths,
			PinPath:        pinPath,
		}
		if err := o.reg.PutProgram(p); err != nil {
			for _, mapPath := range mapPinPaths {
				o.bridge.UnpinMap(mapPath)
			}
			o.bridge.Unpin(pinPath)
			o.bridge.UnloadProgram(result.KernelID, result.MapIDs)
			rollback()
			return nil, bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "persist program")
		}

		loadedIDs = append(loadedIDs, id)
	}

	return loadedIDs, nil
}

// mapPinPath builds the bpffs path a program's own map is pinned
// under — maps/<programID>/<name> per spec.md §6 — the same path a
// sharer later resolves via its owner's MapPinPaths.
func mapPinPath(pinRoot string, programID uint32, name string) string {
	return fmt.Sprintf("%s/maps/%d/%s", pinRoot, programID, name)
}

// ownedMapNames returns the names out of mapIDsByName that mapOwnerPins
// doesn't already cover — the maps a freshly loaded program owns itself
// rather than reusing from a map owner.
func ownedMapNames(mapIDsByName map[string]uint32, mapOwnerPins map[string]string) []string {
	names := make([]string, 0, len(mapIDsByName))
	for name := range mapIDsByName {
		if _, shared := mapOwnerPins[name]; shared {
			continue
		}
		names = append(names, name)
	}
	return names
}

// resolveBytecode turns req's Source into bytecode bytes: a direct read
// for a local path, or an Image Resolver pull-then-read for an image
// reference.
func (o *Orchestrator) resolveBytecode(ctx context.Context, src registry.Source, policy ociimage.PullPolicy, auth *ociimage.Auth) ([]byte, error) {
	if src.LocalPath != "" {
		b, err := os.ReadFile(src.LocalPath)
		if err != nil {
			return nil, bpfmanerrors.Wrap(bpfmanerrors.KindInvalidArgument, err, "read local bytecode file")
		}
		return b, nil
	}
	if src.ImageURL == "" {
		return nil, bpfmanerrors.New(bpfmanerrors.KindInvalidArgument, "source must set LocalPath or ImageURL")
	}

	entry, err := o.resolver.Resolve(ctx, src.ImageURL, policy, auth)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(entry.BlobPath)
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindImageMissing, err, "read cached bytecode blob")
	}
	return b, nil
}
