package registry

import (
	"encoding/binary"
)

// nativeEndian is the host's own byte order: integers in the store are
// written in native order, so a database is read back by the same host
// that wrote it (little-endian on x86_64, arm64 and ppc64le; big-endian
// on s390x).
var nativeEndian = binary.NativeEndian

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	nativeEndian.PutUint32(b, v)
	return b
}

func decodeU32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return nativeEndian.Uint32(b)
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	nativeEndian.PutUint64(b, v)
	return b
}

func decodeU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return nativeEndian.Uint64(b)
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func decodeBool(b []byte) bool {
	return len(b) > 0 && b[0] != 0
}

func encodeStr(s string) []byte { return []byte(s) }
func decodeStr(b []byte) string { return string(b) }
