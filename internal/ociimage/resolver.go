// Package ociimage is the C2 Image Resolver: fetches OCI bytecode
// images, caches them locally, verifies signatures when configured, and
// extracts the bytecode blob plus the programs/maps metadata labels.
// It builds on github.com/containers/image, the same library this
// daemon's go.mod pins for OCI transport and signature verification.
package ociimage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/containers/image/image"
	"github.com/containers/image/signature"
	"github.com/containers/image/transports/alltransports"
	imgtypes "github.com/containers/image/types"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/store"
)

// PullPolicy mirrors the three pull policies a Load request carries.
type PullPolicy string

const (
	PullAlways       PullPolicy = "Always"
	PullIfNotPresent PullPolicy = "IfNotPresent"
	PullNever        PullPolicy = "Never"
)

// Auth is the optional registry credential for a pull.
type Auth struct {
	Username string
	Password string
}

// ImageEntry is the cached bytecode image record spec'd for the images
// tree: image URL, digest, local blob path, the extracted
// function-name -> program-kind and map-name -> map-type label maps,
// and which architecture blob was selected.
type ImageEntry struct {
	URL          string
	Digest       string
	BlobPath     string
	Architecture string
	Programs     map[string]string
	Maps         map[string]string
	PullCount    int
}

// hostArchLabels is the ordered set of per-architecture label suffixes
// this resolver recognizes, matching the convention bytecode images are
// built against. Matching stops at the first label present on the
// image whose suffix names the running architecture family.
var hostArchLabels = map[string][]string{
	"amd64":    {"x86_64-el"},
	"arm64":    {"arm64-el"},
	"ppc64le":  {"powerpc64le-el"},
	"s390x":    {"s390x-eb"},
	"arm":      {"arm-el"},
	"mips":     {"mips-el", "mips-eb"},
	"mips64":   {"mips64-el", "mips64-eb"},
	"riscv64":  {"riscv64-el"},
	"loong64":  {"loongarch64-el"},
	"386":      {"i386-el"},
}

// Resolver fetches and caches OCI bytecode images.
type Resolver struct {
	store         *store.Store
	cacheDir      string
	goarch        string
	kernelRelease string
	policyCtx     *signature.PolicyContext
	log           logr.Logger
}

const imagesTree = "images"

// New builds a Resolver. goarch is the runtime.GOARCH of the host the
// daemon runs on; it is threaded in explicitly rather than read from
// the runtime package so tests can exercise every architecture branch.
// kernelRelease is the host's `uname -r` string, similarly threaded in
// rather than read internally, so a test can exercise both sides of the
// min_kernel_version check deterministically.
func New(st *store.Store, cacheDir string, goarch string, kernelRelease string, requireSignedImages bool, log logr.Logger) (*Resolver, error) {
	var policy *signature.Policy
	var err error
	if requireSignedImages {
		policy, err = signature.DefaultPolicy(nil)
	} else {
		policy = &signature.Policy{Default: signature.PolicyRequirements{signature.NewPRInsecureAcceptAnything()}}
	}
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "load signature policy")
	}
	policyCtx, err := signature.NewPolicyContext(policy)
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "build signature policy context")
	}
	return &Resolver{store: st, cacheDir: cacheDir, goarch: goarch, kernelRelease: kernelRelease, policyCtx: policyCtx, log: log}, nil
}

// Resolve fetches url per policy, selecting the blob matching the host
// architecture, verifying its signature under the configured policy,
// and caching the result under the images tree keyed by url. A
// PullNever cache miss is ImageMissing; a cached hit under
// IfNotPresent skips the network entirely.
func (r *Resolver) Resolve(ctx context.Context, url string, policy PullPolicy, auth *Auth) (*ImageEntry, error) {
	tree := r.store.Tree(imagesTree)

	if policy != PullAlways {
		if cached, ok, err := r.loadCached(tree, url); err != nil {
			return nil, err
		} else if ok {
			cached.PullCount++
			if err := r.storeCached(tree, cached); err != nil {
				return nil, err
			}
			return cached, nil
		}
		if policy == PullNever {
			return nil, bpfmanerrors.New(bpfmanerrors.KindImageMissing,
				fmt.Sprintf("image %q not present locally and pull policy is Never", url))
		}
	}

	entry, err := r.pull(ctx, url, auth)
	if err != nil {
		return nil, err
	}
	if err := r.storeCached(tree, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *Resolver) pull(ctx context.Context, url string, auth *Auth) (*ImageEntry, error) {
	ref, err := alltransports.ParseImageName("docker://" + url)
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindManifestInvalid, err, "parse image reference")
	}

	sysCtx := &imgtypes.SystemContext{}
	if auth != nil {
		sysCtx.DockerAuthConfig = &imgtypes.DockerAuthConfig{Username: auth.Username, Password: auth.Password}
	}

	src, err := ref.NewImageSource(ctx, sysCtx)
	if err != nil {
		return nil, classifyPullError(err)
	}
	defer src.Close()

	img, err := image.FromSource(ctx, sysCtx, src)
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindManifestInvalid, err, "parse image manifest")
	}
	defer img.Close()

	if _, _, err := img.Manifest(ctx); err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindManifestInvalid, err, "read manifest")
	}

	config, err := img.OCIConfig(ctx)
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindManifestInvalid, err, "read OCI image config")
	}

	if !r.verifySignature(ctx, ref, sysCtx) {
		return nil, bpfmanerrors.New(bpfmanerrors.KindSignatureInvalid, "image signature rejected by policy")
	}

	labels := config.Config.Labels
	programsJSON, ok := labels["io.ebpf.programs"]
	if !ok {
		return nil, bpfmanerrors.New(bpfmanerrors.KindManifestInvalid, "image missing io.ebpf.programs label")
	}
	var programs map[string]string
	if err := json.Unmarshal([]byte(programsJSON), &programs); err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindManifestInvalid, err, "parse io.ebpf.programs label")
	}

	maps := map[string]string{}
	if mapsJSON, ok := labels["io.ebpf.maps"]; ok {
		if err := json.Unmarshal([]byte(mapsJSON), &maps); err != nil {
			return nil, bpfmanerrors.Wrap(bpfmanerrors.KindManifestInvalid, err, "parse io.ebpf.maps label")
		}
	}

	arch, blobLabel, err := r.selectArchBlob(labels)
	if err != nil {
		return nil, err
	}
	if err := checkKernelVersion(labels, r.kernelRelease); err != nil {
		return nil, err
	}

	digest, err := ref.DockerReference()
	digestStr := url
	if err == nil && digest != nil {
		digestStr = digest.String()
	}

	blobPath := fmt.Sprintf("%s/%s", r.cacheDir, uuid.New().String())
	if err := r.fetchLayer(ctx, src, img, blobPath); err != nil {
		return nil, err
	}
	r.log.V(1).Info("staged bytecode blob", "url", url, "arch", arch, "label", blobLabel, "path", blobPath)

	return &ImageEntry{
		URL:          url,
		Digest:       digestStr,
		BlobPath:     blobPath,
		Architecture: arch,
		Programs:     programs,
		Maps:         maps,
	}, nil
}

// selectArchBlob picks the label naming the blob for the resolver's
// configured architecture, in the order single-arch `io.ebpf.bytecode_file`
// then the per-arch `io.ebpf.bc_<arch>_<endian>` convention.
func (r *Resolver) selectArchBlob(labels map[string]string) (arch, label string, err error) {
	if _, ok := labels["io.ebpf.bytecode_file"]; ok {
		return "single-arch", "io.ebpf.bytecode_file", nil
	}

	suffixes, ok := hostArchLabels[r.goarch]
	if !ok {
		return "", "", bpfmanerrors.New(bpfmanerrors.KindArchitectureUnsupported,
			fmt.Sprintf("no known bytecode label suffix for GOARCH %q", r.goarch))
	}
	for _, suffix := range suffixes {
		label := "io.ebpf.bc_" + suffix
		if _, ok := labels[label]; ok {
			return suffix, label, nil
		}
	}
	return "", "", bpfmanerrors.New(bpfmanerrors.KindArchitectureUnsupported,
		fmt.Sprintf("image carries no bytecode label for architecture %q", r.goarch))
}

func (r *Resolver) verifySignature(ctx context.Context, ref imgtypes.ImageReference, sysCtx *imgtypes.SystemContext) bool {
	allowed, err := r.policyCtx.IsRunningImageAllowed(ctx, ref)
	if err != nil {
		r.log.Error(err, "signature policy evaluation failed")
		return false
	}
	return allowed
}

func classifyPullError(err error) error {
	msg := err.Error()
	switch {
	case containsAny(msg, "no such host", "network is unreachable", "timeout", "connection refused"):
		return bpfmanerrors.Wrap(bpfmanerrors.KindNetworkUnavailable, err, "reach registry")
	case containsAny(msg, "unauthorized", "authentication required", "403"):
		return bpfmanerrors.Wrap(bpfmanerrors.KindAuthRequired, err, "authenticate to registry")
	case containsAny(msg, "manifest unknown", "not found", "404"):
		return bpfmanerrors.Wrap(bpfmanerrors.KindImageMissing, err, "locate image")
	default:
		return bpfmanerrors.Wrap(bpfmanerrors.KindManifestInvalid, err, "open image source")
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
