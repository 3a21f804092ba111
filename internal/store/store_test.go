package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreeInsertGetRemove(t *testing.T) {
	s, err := Open("", Ephemeral)
	require.NoError(t, err)
	defer s.Close()

	tr := s.Tree("programs_index")
	require.NoError(t, tr.Insert([]byte("prog_1"), []byte("xdp")))

	v, ok, err := tr.Get([]byte("prog_1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "xdp", string(v))

	require.NoError(t, tr.Remove([]byte("prog_1")))
	_, ok, err = tr.Get([]byte("prog_1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreeScanPrefixSorted(t *testing.T) {
	s, err := Open("", Ephemeral)
	require.NoError(t, err)
	defer s.Close()

	tr := s.Tree("links_index")
	require.NoError(t, tr.Insert([]byte("chain_2"), []byte("b")))
	require.NoError(t, tr.Insert([]byte("chain_0"), []byte("a")))
	require.NoError(t, tr.Insert([]byte("chain_1"), []byte("c")))
	require.NoError(t, tr.Insert([]byte("other"), []byte("x")))

	kvs, err := tr.ScanPrefix([]byte("chain_"))
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	require.Equal(t, "chain_0", string(kvs[0].Key))
	require.Equal(t, "chain_1", string(kvs[1].Key))
	require.Equal(t, "chain_2", string(kvs[2].Key))
}

func TestRemovePrefixReplacesSequence(t *testing.T) {
	s, err := Open("", Ephemeral)
	require.NoError(t, err)
	defer s.Close()

	tr := s.Tree("prog_abc")
	require.NoError(t, tr.Insert([]byte("children_0"), []byte("x")))
	require.NoError(t, tr.Insert([]byte("children_1"), []byte("y")))
	require.NoError(t, tr.RemovePrefix([]byte("children_")))

	kvs, err := tr.ScanPrefix([]byte("children_"))
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func TestIndependentTreesDoNotLeak(t *testing.T) {
	s, err := Open("", Ephemeral)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Tree("a").Insert([]byte("k"), []byte("1")))
	require.NoError(t, s.Tree("b").Insert([]byte("k"), []byte("2")))

	v, _, _ := s.Tree("a").Get([]byte("k"))
	require.Equal(t, "1", string(v))
	v, _, _ = s.Tree("b").Get([]byte("k"))
	require.Equal(t, "2", string(v))
}
