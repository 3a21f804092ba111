package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/registry"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	req := &AttachRequest{
		ProgramID: 7,
		Link: registry.Link{
			Kind: registry.KindXDP,
			XDP:  &registry.XDPAttach{Interface: "eth0", Priority: 50, ProceedOn: registry.DefaultProceedOnXDP()},
		},
	}
	c := jsonCodec{}

	b, err := c.Marshal(req)
	require.NoError(t, err)

	var out AttachRequest
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, req.ProgramID, out.ProgramID)
	require.Equal(t, req.Link.XDP.Interface, out.Link.XDP.Interface)
	require.Equal(t, codecName, c.Name())
}

func TestToStatusMapsKnownKinds(t *testing.T) {
	cases := []struct {
		kind bpfmanerrors.Kind
		want codes.Code
	}{
		{bpfmanerrors.KindNotFound, codes.NotFound},
		{bpfmanerrors.KindInvalidArgument, codes.InvalidArgument},
		{bpfmanerrors.KindConflict, codes.FailedPrecondition},
		{bpfmanerrors.KindAuthRequired, codes.Unauthenticated},
		{bpfmanerrors.KindNetworkUnavailable, codes.Unavailable},
	}
	for _, tc := range cases {
		err := bpfmanerrors.New(tc.kind, "boom")
		got := status.Code(toStatus(err))
		require.Equal(t, tc.want, got, tc.kind)
	}
}

func TestToStatusUnwrapsWrappedError(t *testing.T) {
	inner := bpfmanerrors.New(bpfmanerrors.KindNotFound, "missing")
	wrapped := bpfmanerrors.Wrap(bpfmanerrors.KindNotFound, inner, "lookup failed")
	require.Equal(t, codes.NotFound, status.Code(toStatus(wrapped)))
}

func TestToStatusDefaultsToInternal(t *testing.T) {
	require.Equal(t, codes.Internal, status.Code(toStatus(assertError{})))
}

type assertError struct{}

func (assertError) Error() string { return "plain error" }
