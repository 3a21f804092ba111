package ociimage

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/store"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	st, err := store.Open("", store.Ephemeral)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	r, err := New(st, t.TempDir(), "amd64", "6.8.0-45-generic", false, logr.Discard())
	require.NoError(t, err)
	return r
}

func TestSelectArchBlobSingleArch(t *testing.T) {
	r := newTestResolver(t)
	arch, label, err := r.selectArchBlob(map[string]string{"io.ebpf.bytecode_file": "prog.o"})
	require.NoError(t, err)
	require.Equal(t, "single-arch", arch)
	require.Equal(t, "io.ebpf.bytecode_file", label)
}

func TestSelectArchBlobPerArch(t *testing.T) {
	r := newTestResolver(t)
	arch, label, err := r.selectArchBlob(map[string]string{"io.ebpf.bc_x86_64-el": "prog-amd64.o"})
	require.NoError(t, err)
	require.Equal(t, "x86_64-el", arch)
	require.Equal(t, "io.ebpf.bc_x86_64-el", label)
}

func TestSelectArchBlobUnsupported(t *testing.T) {
	r := newTestResolver(t)
	_, _, err := r.selectArchBlob(map[string]string{"io.ebpf.bc_arm64-el": "prog.o"})
	require.Error(t, err)
}

func TestCacheRoundTrip(t *testing.T) {
	r := newTestResolver(t)
	tree := r.store.Tree(imagesTree)

	entry := &ImageEntry{
		URL:          "quay.io/example/xdp:latest",
		Digest:       "sha256:deadbeef",
		BlobPath:     "/var/cache/bpfman/abc",
		Architecture: "x86_64-el",
		Programs:     map[string]string{"pass": "xdp"},
		Maps:         map[string]string{"stats": "array"},
		PullCount:    1,
	}
	require.NoError(t, r.storeCached(tree, entry))

	got, ok, err := r.loadCached(tree, entry.URL)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.Digest, got.Digest)
	require.Equal(t, entry.Programs, got.Programs)
	require.Equal(t, entry.Maps, got.Maps)
}

func TestCacheMissReturnsFalse(t *testing.T) {
	r := newTestResolver(t)
	tree := r.store.Tree(imagesTree)
	_, ok, err := r.loadCached(tree, "docker.io/nonexistent:latest")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckKernelVersionRejectsTooOld(t *testing.T) {
	err := checkKernelVersion(map[string]string{minKernelVersionLabel: "6.9.0"}, "6.8.0-45-generic")
	require.Error(t, err)
	require.True(t, bpfmanerrors.Is(err, bpfmanerrors.KindArchitectureUnsupported))
}

func TestCheckKernelVersionAcceptsNewer(t *testing.T) {
	err := checkKernelVersion(map[string]string{minKernelVersionLabel: "5.10.0"}, "6.8.0-45-generic")
	require.NoError(t, err)
}

func TestCheckKernelVersionSkipsWithoutLabel(t *testing.T) {
	require.NoError(t, checkKernelVersion(map[string]string{}, "6.8.0-45-generic"))
}
