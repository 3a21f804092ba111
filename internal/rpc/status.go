package rpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
)

// toStatus maps a bpfmanerrors.Kind to the closest standard gRPC code,
// so a client can branch on status.Code(err) without depending on this
// module's own error package.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	be := asBpfmanError(err)
	if be == nil {
		return status.Error(codes.Internal, err.Error())
	}
	return status.Error(kindToCode(be.Kind), be.Error())
}

// asBpfmanError walks err's Unwrap chain looking for a *bpfmanerrors.Error,
// mirroring bpfmanerrors.Is's own unexported walk since that package
// exposes kind comparison, not kind extraction.
func asBpfmanError(err error) *bpfmanerrors.Error {
	for err != nil {
		if be, ok := err.(*bpfmanerrors.Error); ok {
			return be
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

func kindToCode(k bpfmanerrors.Kind) codes.Code {
	switch k {
	case bpfmanerrors.KindInvalidArgument,
		bpfmanerrors.KindManifestInvalid,
		bpfmanerrors.KindArchitectureUnsupported,
		bpfmanerrors.KindGlobalSizeMismatch,
		bpfmanerrors.KindVerifierFailed:
		return codes.InvalidArgument
	case bpfmanerrors.KindNotFound, bpfmanerrors.KindImageMissing:
		return codes.NotFound
	case bpfmanerrors.KindConflict, bpfmanerrors.KindDispatcherAttachFailed:
		return codes.FailedPrecondition
	case bpfmanerrors.KindSignatureInvalid, bpfmanerrors.KindPermissionDenied:
		return codes.PermissionDenied
	case bpfmanerrors.KindAuthRequired:
		return codes.Unauthenticated
	case bpfmanerrors.KindNetworkUnavailable,
		bpfmanerrors.KindStorageUnavailable,
		bpfmanerrors.KindNamespaceUnreachable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
