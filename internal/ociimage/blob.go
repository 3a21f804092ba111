package ociimage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/containers/image/pkg/blobinfocache/none"
	imgtypes "github.com/containers/image/types"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
)

// fetchLayer streams the image's last layer — the convention bytecode
// images are built against: a single layer holding the ELF object named
// by the io.ebpf.bytecode_file/io.ebpf.bc_<arch> label — to destPath.
// The daemon fetches uncached since each URL is pulled at most once per
// cache miss (subsequent resolves hit the images tree instead).
func (r *Resolver) fetchLayer(ctx context.Context, src imgtypes.ImageSource, img imgtypes.Image, destPath string) error {
	layers := img.LayerInfos()
	if len(layers) == 0 {
		return bpfmanerrors.New(bpfmanerrors.KindManifestInvalid, "image has no layers")
	}
	last := layers[len(layers)-1]

	rc, _, err := src.GetBlob(ctx, last, none.NoCache)
	if err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindManifestInvalid, err, "fetch bytecode layer blob")
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "create image cache directory")
	}

	f, err := os.Create(destPath)
	if err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "create bytecode blob file")
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindManifestInvalid, err, "copy bytecode blob")
	}
	return nil
}
