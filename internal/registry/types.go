// Package registry is the C3 Program Registry: a thin, typed facade over
// the underlying key/value store. It never lets the rest of the
// system touch raw keys — every compound attribute is flattened on
// write and reassembled on read here, and nowhere else.
package registry

import "fmt"

// Kind enumerates every eBPF program kind this daemon's data model names,
// including the internal Dispatcher kind.
type Kind string

const (
	KindXDP         Kind = "xdp"
	KindTC          Kind = "tc"
	KindTCX         Kind = "tcx"
	KindTracepoint  Kind = "tracepoint"
	KindKprobe      Kind = "kprobe"
	KindKretprobe   Kind = "kretprobe"
	KindUprobe      Kind = "uprobe"
	KindUretprobe   Kind = "uretprobe"
	KindFentry      Kind = "fentry"
	KindFexit       Kind = "fexit"
	KindDispatcher  Kind = "dispatcher"
)

// IsDispatchable reports whether a kind participates in C6's multi
// program chain (only XDP and TC do — TCX has native kernel ordering and
// bypasses the dispatcher).
func (k Kind) IsDispatchable() bool {
	return k == KindXDP || k == KindTC
}

// Direction is the TC/TCX attach direction.
type Direction string

const (
	DirectionIngress Direction = "ingress"
	DirectionEgress  Direction = "egress"
)

// ProceedOnXDP is a bitmask over the XDP proceed-on vocabulary.
type ProceedOnXDP uint32

const (
	XDPAborted ProceedOnXDP = 1 << iota
	XDPDrop
	XDPPass
	XDPTx
	XDPRedirect
	XDPDispatcherReturn
)

// DefaultProceedOnXDP is {pass, dispatcher_return}.
func DefaultProceedOnXDP() ProceedOnXDP { return XDPPass | XDPDispatcherReturn }

// ProceedOnTC is a bitmask over the TC proceed-on vocabulary.
type ProceedOnTC uint32

const (
	TCUnspec ProceedOnTC = 1 << iota
	TCOk
	TCReclassify
	TCShot
	TCPipe
	TCStolen
	TCQueued
	TCRepeat
	TCRedirect
	TCTrap
	TCDispatcherReturn
)

// DefaultProceedOnTC is {ok, pipe, dispatcher_return}.
func DefaultProceedOnTC() ProceedOnTC { return TCOk | TCPipe | TCDispatcherReturn }

const (
	MinPriority = 1
	MaxPriority = 1000
)

// Source identifies where a Program's bytecode came from.
type Source struct {
	// Exactly one of LocalPath or ImageURL is set.
	LocalPath string
	ImageURL  string
}

func (s Source) String() string {
	if s.ImageURL != "" {
		return s.ImageURL
	}
	return s.LocalPath
}

// Program is one loaded eBPF program.
type Program struct {
	ID             uint32
	KernelID       uint32
	Kind           Kind
	EntryPoint     string
	Source         Source
	Application    string // optional app-group label
	AttachFunction string // required at Load for Fentry/Fexit

	Globals  map[string][]byte
	Metadata map[string]string

	MapOwnerID   uint32 // 0 if this program owns its own maps
	HasMapOwner  bool
	KernelMapIDs []uint32

	// MapPinPaths holds, for every map this Program itself owns (the
	// maps it did not reuse from a MapOwnerID), the bpffs path the
	// Kernel Bridge pinned it under — maps/<this program's id>/<name>.
	// A sharer resolves these paths on its owner to reopen the exact
	// same kernel map object rather than loading a fresh one.
	MapPinPaths map[string]string

	PinPath string

	// Orphaned marks a Program whose pinned kernel object was found
	// missing at startup reconciliation; its Links have been dropped.
	Orphaned bool
	// Unmanaged marks a Program adopted from a pin path present on disk
	// but absent from the registry at reconciliation time (a store
	// rollback without a matching kernel rollback) — the daemon does
	// not guess at its origin and never tears it down automatically.
	Unmanaged bool
}

// Link is one attachment of a Program to a hook point.
type Link struct {
	ID         uint32
	ProgramID  uint32
	Kind       Kind
	Metadata   map[string]string
	NetnsPath  string
	ReattachOnBoot bool

	XDP         *XDPAttach
	TC          *TCAttach
	TCX         *TCXAttach
	Tracepoint  *TracepointAttach
	Kprobe      *KprobeAttach
	Uprobe      *UprobeAttach
}

// XDPAttach is the XDP-kind attach parameter set.
type XDPAttach struct {
	Interface  string
	Priority   int
	ProceedOn  ProceedOnXDP
}

// TCAttach is the TC-kind attach parameter set.
type TCAttach struct {
	Interface string
	Direction Direction
	Priority  int
	ProceedOn ProceedOnTC
}

// TCXAttach is the TCX-kind attach parameter set (native kernel ordering,
// no dispatcher involvement).
type TCXAttach struct {
	Interface string
	Direction Direction
	Priority  int
}

// TracepointAttach targets a kernel tracepoint by category/name.
type TracepointAttach struct {
	Category string
	Name     string
}

// KprobeAttach targets a kernel function symbol.
type KprobeAttach struct {
	FunctionName string
	Retprobe     bool
}

// UprobeAttach targets a userspace library/executable function, optionally
// scoped to a container.
type UprobeAttach struct {
	Target       string // library or executable path
	FunctionName string
	Offset       uint64
	HasOffset    bool
	Retprobe     bool

	// ContainerPID is resolved by C5/nsattach before the kernel-level
	// attach happens; ContainerSelector is what the caller supplied.
	ContainerSelector *ContainerSelector
	ContainerPID      int
}

// ContainerSelector identifies the container to attach inside, mirroring
// an operator's ContainerSelector CRD field (pod namespace + label selector +
// container name in Kubernetes mode, or a bare id/name otherwise).
type ContainerSelector struct {
	PodNamespace   string
	PodLabels      map[string]string
	ContainerName  string
	ContainerID    string // non-Kubernetes direct selector
}

// DispatcherChildLink is one entry in a Dispatcher's ordered chain.
type DispatcherChildLink struct {
	ProgramID uint32
	LinkID    uint32
	Priority  int
	ProceedOnXDP ProceedOnXDP
	ProceedOnTC  ProceedOnTC
}

// Dispatcher is the internal composed-chain program for one
// (interface, direction).
type Dispatcher struct {
	ProgramID uint32 // the dispatcher's own Program entry
	Interface string
	Direction Direction
	Kind      Kind // KindXDP or KindTC
	Revision  uint64
	Children  []DispatcherChildLink
}

// Key returns the (interface, direction) slot identity used as the
// per-slot mutex key and dispatcher-index key in C6/C7.
func (d Dispatcher) Key() string { return SlotKey(d.Interface, d.Direction) }

// SlotKey builds the canonical (interface, direction) identity string.
func SlotKey(iface string, dir Direction) string {
	return fmt.Sprintf("%s/%s", iface, dir)
}

// ParseSlotKey splits a SlotKey back into its interface and direction.
func ParseSlotKey(key string) (iface string, dir Direction) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], Direction(key[i+1:])
		}
	}
	return key, ""
}
