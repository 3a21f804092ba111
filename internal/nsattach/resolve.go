package nsattach

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/registry"
)

// PIDResolver turns a ContainerSelector into a host PID bpfman-ns can
// enter the mount namespace of.
type PIDResolver interface {
	ResolvePID(ctx context.Context, sel *registry.ContainerSelector) (int, error)
}

// CRIClient is the narrow slice of a CRI runtime service this daemon
// needs: given a selector already reduced to a container id, find its
// sandbox/container host PID. The real CRI protocol is gRPC over
// k8s.io/cri-api, which is Kubernetes-operator territory and outside
// this repo's dependency set; callers in Kubernetes mode inject their
// own implementation (typically backed by containerd's or CRI-O's CRI
// socket) here.
type CRIClient interface {
	ContainerPID(ctx context.Context, containerID string) (int, error)
}

// CRIResolver resolves selectors via a CRI runtime, for Kubernetes mode
// where the caller supplies pod namespace/labels/container name rather
// than a bare container id.
type CRIResolver struct {
	Client CRIClient
	// LookupContainerID maps (namespace, labels, container name) to a
	// concrete container id understood by Client; supplied by the
	// caller's own pod-lister, since watching the Kubernetes API is
	// out of this repo's scope.
	LookupContainerID func(ctx context.Context, sel *registry.ContainerSelector) (string, error)
}

func (r *CRIResolver) ResolvePID(ctx context.Context, sel *registry.ContainerSelector) (int, error) {
	if sel.ContainerID != "" {
		return r.Client.ContainerPID(ctx, sel.ContainerID)
	}
	if r.LookupContainerID == nil {
		return 0, bpfmanerrors.New(bpfmanerrors.KindNamespaceUnreachable, "no container id and no pod lookup configured")
	}
	id, err := r.LookupContainerID(ctx, sel)
	if err != nil {
		return 0, bpfmanerrors.Wrap(bpfmanerrors.KindNamespaceUnreachable, err, "resolve pod selector to container id")
	}
	return r.Client.ContainerPID(ctx, id)
}

// ProcResolver resolves a selector that already names a container id
// or name by scanning /proc/*/cgroup for the container id and then
// reading that process's NSpid entry, the non-Kubernetes fallback path.
type ProcResolver struct {
	ProcRoot string // normally "/proc"; overridable for tests
}

func (r *ProcResolver) root() string {
	if r.ProcRoot != "" {
		return r.ProcRoot
	}
	return "/proc"
}

func (r *ProcResolver) ResolvePID(ctx context.Context, sel *registry.ContainerSelector) (int, error) {
	if sel.ContainerID == "" {
		return 0, bpfmanerrors.New(bpfmanerrors.KindInvalidArgument, "non-Kubernetes container selector requires a container id or name")
	}

	entries, err := os.ReadDir(r.root())
	if err != nil {
		return 0, bpfmanerrors.Wrap(bpfmanerrors.KindNamespaceUnreachable, err, "list /proc")
	}

	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		cgroupPath := filepath.Join(r.root(), e.Name(), "cgroup")
		data, err := os.ReadFile(cgroupPath)
		if err != nil {
			continue
		}
		if strings.Contains(string(data), sel.ContainerID) {
			return r.hostPID(pid)
		}
	}
	return 0, bpfmanerrors.New(bpfmanerrors.KindNamespaceUnreachable,
		fmt.Sprintf("no process found for container %q", sel.ContainerID))
}

// hostPID reads the first NSpid entry in /proc/<pid>/status, which is
// the process's pid as seen from the outermost (host) PID namespace.
func (r *ProcResolver) hostPID(pid int) (int, error) {
	f, err := os.Open(filepath.Join(r.root(), strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, bpfmanerrors.Wrap(bpfmanerrors.KindNamespaceUnreachable, err, "open process status")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "NSpid:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "NSpid:"))
		if len(fields) == 0 {
			break
		}
		hostPID, err := strconv.Atoi(fields[0])
		if err != nil {
			break
		}
		return hostPID, nil
	}
	return pid, nil
}
