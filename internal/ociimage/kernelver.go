package ociimage

import (
	"fmt"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
)

// minKernelVersionLabel names the optional image label carrying the
// lowest kernel release the bytecode was verified against, matching the
// teacher's `BytecodeImage` convention of recording compatibility
// constraints alongside `Url`.
const minKernelVersionLabel = "io.ebpf.min_kernel_version"

// checkKernelVersion rejects an image whose min_kernel_version label
// exceeds the running kernel's release, using blang/semver for the
// comparison since kernel releases ("6.8.0-45-generic") are not
// lexically ordered the way plain string comparison would need.
func checkKernelVersion(labels map[string]string, running string) error {
	want, ok := labels[minKernelVersionLabel]
	if !ok {
		return nil
	}
	wantVer, err := semver.ParseTolerant(want)
	if err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindManifestInvalid, err,
			fmt.Sprintf("parse %s label", minKernelVersionLabel))
	}
	runningVer, err := semver.ParseTolerant(normalizeKernelRelease(running))
	if err != nil {
		// An unparsable host kernel release is not the image's fault;
		// skip the check rather than block every load on it.
		return nil
	}
	if runningVer.LT(wantVer) {
		return bpfmanerrors.New(bpfmanerrors.KindArchitectureUnsupported,
			fmt.Sprintf("image requires kernel >= %s, running %s", wantVer, runningVer))
	}
	return nil
}

// normalizeKernelRelease strips the distro suffix off a uname release
// string ("6.8.0-45-generic" -> "6.8.0") so semver.ParseTolerant sees a
// plain version core.
func normalizeKernelRelease(release string) string {
	if i := strings.IndexByte(release, '-'); i >= 0 {
		return release[:i]
	}
	return release
}
