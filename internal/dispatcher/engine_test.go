package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpfman/bpfman-core/internal/registry"
)

func TestOrderChainByPriorityThenLinkID(t *testing.T) {
	in := []registry.DispatcherChildLink{
		{ProgramID: 1, LinkID: 5, Priority: 50},
		{ProgramID: 2, LinkID: 2, Priority: 10},
		{ProgramID: 3, LinkID: 1, Priority: 10},
		{ProgramID: 4, LinkID: 9, Priority: 30},
	}
	got := orderChain(in)

	require.Equal(t, []uint32{3, 2, 4, 1}, []uint32{
		got[0].ProgramID, got[1].ProgramID, got[2].ProgramID, got[3].ProgramID,
	})
}

func TestOrderChainDoesNotMutateInput(t *testing.T) {
	in := []registry.DispatcherChildLink{
		{ProgramID: 1, LinkID: 2, Priority: 100},
		{ProgramID: 2, LinkID: 1, Priority: 1},
	}
	_ = orderChain(in)
	require.Equal(t, uint32(1), in[0].ProgramID, "orderChain must not reorder the caller's slice in place")
}

func TestValidatePriorityRange(t *testing.T) {
	require.True(t, validatePriority(registry.MinPriority))
	require.True(t, validatePriority(registry.MaxPriority))
	require.True(t, validatePriority(500))
	require.False(t, validatePriority(0))
	require.False(t, validatePriority(registry.MaxPriority+1))
	require.False(t, validatePriority(-1))
}

func TestConfigRecordEncodesMaskAndPriorityByKind(t *testing.T) {
	child := registry.DispatcherChildLink{
		Priority:     42,
		ProceedOnXDP: registry.XDPPass | registry.XDPDispatcherReturn,
		ProceedOnTC:  registry.TCOk,
	}

	xdpRec := configRecord(child, registry.KindXDP)
	require.Len(t, xdpRec, 8)
	require.Equal(t, uint32(registry.XDPPass|registry.XDPDispatcherReturn), leU32(xdpRec[0:4]))
	require.Equal(t, uint32(42), leU32(xdpRec[4:8]))

	tcRec := configRecord(child, registry.KindTC)
	require.Equal(t, uint32(registry.TCOk), leU32(tcRec[0:4]))
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func TestSlotKeySeparatesInterfaceAndDirection(t *testing.T) {
	a := registry.SlotKey("eth0", registry.DirectionIngress)
	b := registry.SlotKey("eth0", registry.DirectionEgress)
	require.NotEqual(t, a, b)
}
