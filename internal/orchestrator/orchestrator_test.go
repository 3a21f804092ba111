package orchestrator

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/dispatcher"
	"github.com/bpfman/bpfman-core/internal/kernel"
	"github.com/bpfman/bpfman-core/internal/registry"
	"github.com/bpfman/bpfman-core/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *registry.Registry) {
	t.Helper()
	db, err := store.Open("", store.Ephemeral)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db)
	bridge := kernel.New()
	engine := dispatcher.New(bridge, reg, "/run/bpfman/fs", logr.Discard())

	o := New(Config{
		Registry: reg,
		Bridge:   bridge,
		Engine:   engine,
		PinRoot:  "/run/bpfman/fs",
		Log:      logr.Discard(),
	})
	return o, reg
}

func TestUnloadLinkedProgramConflict(t *testing.T) {
	o, reg := newTestOrchestrator(t)

	progID, _ := reg.NextProgramID()
	require.NoError(t, reg.PutProgram(&registry.Program{ID: progID, Kind: registry.KindXDP, EntryPoint: "pass"}))

	linkID, _ := reg.NextLinkID()
	require.NoError(t, reg.PutLink(&registry.Link{
		ID: linkID, ProgramID: progID, Kind: registry.KindXDP,
		XDP: &registry.XDPAttach{Interface: "eth0", Priority: 100, ProceedOn: registry.DefaultProceedOnXDP()},
	}))

	err := o.Unload(progID)
	require.Error(t, err)
	require.True(t, bpfmanerrors.Is(err, bpfmanerrors.KindConflict))

	// State is unchanged: the program still exists.
	_, err = reg.GetProgram(progID)
	require.NoError(t, err)
}

func TestUnloadMapOwnerInUseConflict(t *testing.T) {
	o, reg := newTestOrchestrator(t)

	ownerID, _ := reg.NextProgramID()
	require.NoError(t, reg.PutProgram(&registry.Program{ID: ownerID, Kind: registry.KindXDP, EntryPoint: "owner"}))

	sharerID, _ := reg.NextProgramID()
	require.NoError(t, reg.PutProgram(&registry.Program{
		ID: sharerID, Kind: registry.KindXDP, EntryPoint: "sharer", HasMapOwner: true, MapOwnerID: ownerID,
	}))

	err := o.Unload(ownerID)
	require.Error(t, err)
	require.True(t, bpfmanerrors.Is(err, bpfmanerrors.KindConflict))

	require.NoError(t, o.Unload(sharerID))
	require.NoError(t, o.Unload(ownerID))
}

func TestDetachUnknownLinkIsNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	err := o.Detach(999)
	require.Error(t, err)
	require.True(t, bpfmanerrors.Is(err, bpfmanerrors.KindNotFound))
}

func TestAttachKindMismatchIsInvalidArgument(t *testing.T) {
	o, reg := newTestOrchestrator(t)

	progID, _ := reg.NextProgramID()
	require.NoError(t, reg.PutProgram(&registry.Program{ID: progID, Kind: registry.KindXDP, EntryPoint: "pass"}))

	l := &registry.Link{
		Kind: registry.KindTC,
		TC:   &registry.TCAttach{Interface: "eth0", Direction: registry.DirectionIngress, Priority: 100, ProceedOn: registry.DefaultProceedOnTC()},
	}
	_, err := o.Attach(nil, progID, l)
	require.Error(t, err)
	require.True(t, bpfmanerrors.Is(err, bpfmanerrors.KindInvalidArgument))
}

func TestListProgramsFilterByApplication(t *testing.T) {
	o, reg := newTestOrchestrator(t)

	id1, _ := reg.NextProgramID()
	require.NoError(t, reg.PutProgram(&registry.Program{ID: id1, Kind: registry.KindXDP, EntryPoint: "a", Application: "app-a"}))
	id2, _ := reg.NextProgramID()
	require.NoError(t, reg.PutProgram(&registry.Program{ID: id2, Kind: registry.KindXDP, EntryPoint: "b", Application: "app-b"}))

	out, err := o.ListPrograms(ProgramFilter{Application: "app-a"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, id1, out[0].ID)
}

func TestMapPinPathRootedAtProgramID(t *testing.T) {
	require.Equal(t, "/run/bpfman/fs/maps/7/stats", mapPinPath("/run/bpfman/fs", 7, "stats"))
}

func TestOwnedMapNamesExcludesSharedMaps(t *testing.T) {
	mapIDsByName := map[string]uint32{"stats": 10, "config": 11, "scratch": 12}
	mapOwnerPins := map[string]string{"stats": "/run/bpfman/fs/maps/1/stats", "config": "/run/bpfman/fs/maps/1/config"}

	got := ownedMapNames(mapIDsByName, mapOwnerPins)
	require.ElementsMatch(t, []string{"scratch"}, got)
}

func TestOwnedMapNamesWithNoOwnerOwnsEverything(t *testing.T) {
	mapIDsByName := map[string]uint32{"stats": 10, "config": 11}

	got := ownedMapNames(mapIDsByName, nil)
	require.ElementsMatch(t, []string{"stats", "config"}, got)
}

func TestListLinksFilterByKind(t *testing.T) {
	o, reg := newTestOrchestrator(t)

	progID, _ := reg.NextProgramID()
	require.NoError(t, reg.PutProgram(&registry.Program{ID: progID, Kind: registry.KindTracepoint, EntryPoint: "trace"}))

	linkID, _ := reg.NextLinkID()
	require.NoError(t, reg.PutLink(&registry.Link{
		ID: linkID, ProgramID: progID, Kind: registry.KindTracepoint,
		Tracepoint: &registry.TracepointAttach{Category: "syscalls", Name: "sys_enter_openat"},
	}))

	out, err := o.ListLinks(LinkFilter{Kind: registry.KindTracepoint})
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = o.ListLinks(LinkFilter{Kind: registry.KindKprobe})
	require.NoError(t, err)
	require.Len(t, out, 0)
}
