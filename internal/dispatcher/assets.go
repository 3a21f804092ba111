package dispatcher

import _ "embed"

// xdpDispatcherObject and tcDispatcherObject are the precompiled
// dispatcher program objects, embedded into the daemon binary the same
// way bpfman embeds its own dispatcher bytecode. See assets/README.md —
// producing the bytecode itself is out of this repo's scope.
var (
	//go:embed assets/xdp_dispatcher.bpf.o
	xdpDispatcherObject []byte

	//go:embed assets/tc_dispatcher.bpf.o
	tcDispatcherObject []byte
)
