package orchestrator

import (
	"context"

	"github.com/bpfman/bpfman-core/internal/ociimage"
)

// PullImage exposes the Image Resolver (C2) directly: fetch (or reuse a
// cached) bytecode image without loading any program from it.
func (o *Orchestrator) PullImage(ctx context.Context, url string, policy ociimage.PullPolicy, auth *ociimage.Auth) (*ociimage.ImageEntry, error) {
	return o.resolver.Resolve(ctx, url, policy, auth)
}
