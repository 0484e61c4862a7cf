package syncengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplica_InsertGet(t *testing.T) {
	t.Parallel()

	r := NewReplica()
	r.Insert(Node{Path: "a.txt", Kind: KindFile, Size: 10})

	n := r.Get("a.txt")
	require.NotNil(t, n)
	assert.Equal(t, int64(10), n.Size)

	assert.Nil(t, r.Get("missing.txt"))
}

func TestReplica_RemovePrunesDescendants(t *testing.T) {
	t.Parallel()

	r := NewReplica()
	r.Insert(Node{Path: "dir", Kind: KindFolder})
	r.Insert(Node{Path: "dir/a.txt", Kind: KindFile})
	r.Insert(Node{Path: "dir/sub", Kind: KindFolder})
	r.Insert(Node{Path: "dir/sub/b.txt", Kind: KindFile})
	r.Insert(Node{Path: "other.txt", Kind: KindFile})

	r.Remove("dir")

	assert.Nil(t, r.Get("dir"))
	assert.Nil(t, r.Get("dir/a.txt"))
	assert.Nil(t, r.Get("dir/sub/b.txt"))
	assert.NotNil(t, r.Get("other.txt"))
	assert.Equal(t, 1, r.Len())
}

func TestReplica_MoveRewritesSubtree(t *testing.T) {
	t.Parallel()

	r := NewReplica()
	r.Insert(Node{Path: "old", Kind: KindFolder})
	r.Insert(Node{Path: "old/a.txt", Kind: KindFile})
	r.Insert(Node{Path: "old/sub/b.txt", Kind: KindFile})

	r.Move("old", "new")

	assert.Nil(t, r.Get("old"))
	assert.NotNil(t, r.Get("new"))
	assert.NotNil(t, r.Get("new/a.txt"))
	assert.NotNil(t, r.Get("new/sub/b.txt"))
}

func TestReplica_MoveMissingSourceIsNoop(t *testing.T) {
	t.Parallel()

	r := NewReplica()
	r.Insert(Node{Path: "a.txt", Kind: KindFile})

	r.Move("missing", "dest")

	assert.Nil(t, r.Get("dest"))
	assert.NotNil(t, r.Get("a.txt"))
}

func TestReplica_CountFiles(t *testing.T) {
	t.Parallel()

	r := NewReplica()
	r.Insert(Node{Path: "dir", Kind: KindFolder})
	r.Insert(Node{Path: "dir/a.txt", Kind: KindFile})
	r.Insert(Node{Path: "b.txt", Kind: KindFile})

	assert.Equal(t, 2, r.CountFiles())
	assert.Equal(t, 3, r.Len())
}

func TestReplica_SnapshotSortedAndIsolated(t *testing.T) {
	t.Parallel()

	r := NewReplica()
	r.Insert(Node{Path: "z.txt", Kind: KindFile})
	r.Insert(Node{Path: "a.txt", Kind: KindFile})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a.txt", snap[0].Path)
	assert.Equal(t, "z.txt", snap[1].Path)

	// Mutating the snapshot must not affect the Replica.
	snap[0].Size = 999
	assert.Zero(t, r.Get("a.txt").Size)
}

func TestNormalizePath_BackslashAndNFC(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a/b/c.txt", NormalizePath(`a\b\c.txt`))

	// Precomposed (NFC, U+00E9) vs decomposed (NFD, "e" + U+0301 combining
	// acute accent) must normalize to the same string.
	nfc := "caf\u00e9.txt"
	nfd := "cafe\u0301.txt"
	assert.NotEqual(t, nfc, nfd, "fixture sanity: the two forms must differ byte-wise")
	assert.Equal(t, NormalizePath(nfc), NormalizePath(nfd))
}

func TestMtimeEqual_ToleratesRoundingAsymmetry(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, mtimeEqual(base, base.Add(time.Second)))
	assert.True(t, mtimeEqual(base, base))
	assert.False(t, mtimeEqual(base, base.Add(2*time.Second)))
}
