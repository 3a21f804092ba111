package dispatcher

import (
	"encoding/binary"

	"github.com/bpfman/bpfman-core/internal/registry"
)

// configRecord is one child's entry in the dispatcher's config map: the
// proceed-on bitmask the dispatcher consults after the child's tail
// call returns, plus the priority for diagnostics
// in the dispatcher config map.
func configRecord(c registry.DispatcherChildLink, kind registry.Kind) []byte {
	b := make([]byte, 8)
	var mask uint32
	if kind == registry.KindXDP {
		mask = uint32(c.ProceedOnXDP)
	} else {
		mask = uint32(c.ProceedOnTC)
	}
	binary.LittleEndian.PutUint32(b[0:4], mask)
	binary.LittleEndian.PutUint32(b[4:8], uint32(c.Priority))
	return b
}

// validatePriority enforces the 1..=1000 priority range.
func validatePriority(priority int) bool {
	return priority >= registry.MinPriority && priority <= registry.MaxPriority
}
