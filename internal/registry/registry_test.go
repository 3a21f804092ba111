package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpfman/bpfman-core/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := store.Open("", store.Ephemeral)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestProgramRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	id, err := r.NextProgramID()
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)

	p := &Program{
		ID:         id,
		Kind:       KindXDP,
		EntryPoint: "xdp_pass",
		Source:     Source{ImageURL: "quay.io/bpfman-bytecode/xdp_pass:latest"},
		Globals:    map[string][]byte{"COUNT": {0, 0, 0, 0}},
		Metadata:   map[string]string{"bpfman.io/owner": "cli"},
		KernelMapIDs: []uint32{10, 11, 12},
		MapPinPaths: map[string]string{"stats": "/run/bpfman/fs/maps/1/stats"},
	}
	require.NoError(t, r.PutProgram(p))

	got, err := r.GetProgram(id)
	require.NoError(t, err)
	require.Equal(t, p.Kind, got.Kind)
	require.Equal(t, p.EntryPoint, got.EntryPoint)
	require.Equal(t, p.Source, got.Source)
	require.Equal(t, []byte{0, 0, 0, 0}, got.Globals["COUNT"])
	require.Equal(t, "cli", got.Metadata["bpfman.io/owner"])
	require.Equal(t, []uint32{10, 11, 12}, got.KernelMapIDs)
	require.Equal(t, "/run/bpfman/fs/maps/1/stats", got.MapPinPaths["stats"])

	ids, err := r.ListProgramIDs()
	require.NoError(t, err)
	require.Equal(t, []uint32{id}, ids)

	require.NoError(t, r.DeleteProgram(id))
	_, err = r.GetProgram(id)
	require.Error(t, err)
}

func TestLinkRoundTripXDP(t *testing.T) {
	r := newTestRegistry(t)

	progID, _ := r.NextProgramID()
	linkID, _ := r.NextLinkID()

	l := &Link{
		ID:        linkID,
		ProgramID: progID,
		Kind:      KindXDP,
		XDP: &XDPAttach{
			Interface: "eth0",
			Priority:  100,
			ProceedOn: DefaultProceedOnXDP(),
		},
		Metadata: map[string]string{"k": "v"},
	}
	require.NoError(t, r.PutLink(l))

	got, err := r.GetLink(linkID)
	require.NoError(t, err)
	require.Equal(t, KindXDP, got.Kind)
	require.NotNil(t, got.XDP)
	require.Equal(t, "eth0", got.XDP.Interface)
	require.Equal(t, 100, got.XDP.Priority)
	require.Equal(t, DefaultProceedOnXDP(), got.XDP.ProceedOn)
	require.Equal(t, "v", got.Metadata["k"])

	ids, err := r.LinksForProgram(progID)
	require.NoError(t, err)
	require.Equal(t, []uint32{linkID}, ids)
}

func TestDispatcherRoundTripOrdering(t *testing.T) {
	r := newTestRegistry(t)

	d := &Dispatcher{
		ProgramID: 42,
		Interface: "eth0",
		Direction: DirectionIngress,
		Kind:      KindXDP,
		Revision:  1,
		Children: []DispatcherChildLink{
			{ProgramID: 2, LinkID: 20, Priority: 50},
			{ProgramID: 1, LinkID: 10, Priority: 100},
		},
	}
	require.NoError(t, r.PutDispatcher(d))

	got, err := r.GetDispatcherBySlot("eth0", DirectionIngress)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(1), got.Revision)
	require.Len(t, got.Children, 2)
	require.Equal(t, uint32(20), got.Children[0].LinkID)
	require.Equal(t, uint32(10), got.Children[1].LinkID)

	require.NoError(t, r.DeleteDispatcher(d))
	absent, err := r.GetDispatcherBySlot("eth0", DirectionIngress)
	require.NoError(t, err)
	require.Nil(t, absent)
}

func TestMapOwnerSharers(t *testing.T) {
	r := newTestRegistry(t)

	ownerID, _ := r.NextProgramID()
	require.NoError(t, r.PutProgram(&Program{ID: ownerID, Kind: KindXDP, EntryPoint: "owner"}))

	sharerID, _ := r.NextProgramID()
	require.NoError(t, r.PutProgram(&Program{
		ID: sharerID, Kind: KindXDP, EntryPoint: "sharer",
		HasMapOwner: true, MapOwnerID: ownerID,
	}))

	sharers, err := r.SharersOf(ownerID)
	require.NoError(t, err)
	require.Equal(t, []uint32{sharerID}, sharers)
}
