package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkessler/mempool/internal/buddy"
	"github.com/dkessler/mempool/internal/header"
)

const (
	testTotal       = 8 * 1024 * 1024
	testMinChunk    = 512
	testHeaderSize  = 8
	testObjsPerSlab = 64
)

func newTestEngine(t *testing.T) (*Engine, *buddy.Tree, []byte) {
	pool := make([]byte, testTotal)
	tree, err := buddy.NewTree(testTotal, testMinChunk, nil)
	require.NoError(t, err)
	return NewEngine(pool, tree, testHeaderSize, testObjsPerSlab, nil), tree, pool
}

func TestTableOperations(t *testing.T) {
	var table Table

	assert.Nil(t, table.Lookup(24))

	a := &Descriptor{objSize: 24}
	b := &Descriptor{objSize: 40}
	table.Insert(a)
	table.Insert(b)

	assert.Same(t, a, table.Lookup(24))
	assert.Same(t, b, table.Lookup(40))
	assert.Equal(t, 2, table.Len())

	table.Delete(a)
	assert.Nil(t, table.Lookup(24))
	assert.Same(t, b, table.Lookup(40))

	table.Delete(a) // absent: no-op
	assert.Equal(t, 1, table.Len())
}

func TestAllocLayout(t *testing.T) {
	e, tree, pool := newTestEngine(t)

	// objSize 40, so the backing chunk is the 4096 rounding of
	// 8 + 40*64 and the first object sits past the two leading
	// header blocks.
	off, err := e.Alloc(32)
	require.NoError(t, err)
	assert.Equal(t, 16, off)
	assert.Equal(t, 4096, tree.Stats().ReservedBytes)

	off2, err := e.Alloc(32)
	require.NoError(t, err)
	assert.Equal(t, 56, off2)

	codec := header.Codec{HeaderSize: testHeaderSize}
	assert.Equal(t, 32, codec.Read(pool, off))
	assert.Equal(t, 32, codec.Read(pool, off2))

	s := e.Stats()
	assert.Equal(t, 1, s.LiveClasses)
	assert.Equal(t, 1, s.LiveSlabs)
	assert.Equal(t, 2, s.ObjectsUsed)
}

func TestSecondSlabWhenFull(t *testing.T) {
	e, tree, _ := newTestEngine(t)

	for i := 0; i < testObjsPerSlab; i++ {
		off, err := e.Alloc(32)
		require.NoError(t, err)
		assert.Equal(t, 16+40*i, off)
	}
	assert.Equal(t, 1, e.Stats().LiveSlabs)

	// Slot 65 does not fit; a second backing chunk is reserved.
	off, err := e.Alloc(32)
	require.NoError(t, err)
	assert.Equal(t, 4096+16, off)
	assert.Equal(t, 2, e.Stats().LiveSlabs)
	assert.Equal(t, 8192, tree.Stats().ReservedBytes)
}

func TestLowestSlotReuse(t *testing.T) {
	e, _, _ := newTestEngine(t)

	offs := make([]int, 4)
	for i := range offs {
		off, err := e.Alloc(32)
		require.NoError(t, err)
		offs[i] = off
	}

	e.Free(offs[1])
	e.Free(offs[0])

	// The lowest free slot wins, regardless of free order.
	off, err := e.Alloc(32)
	require.NoError(t, err)
	assert.Equal(t, offs[0], off)
}

func TestEmptySlabReturnsChunk(t *testing.T) {
	e, tree, _ := newTestEngine(t)

	var offs []int
	for i := 0; i < testObjsPerSlab+1; i++ {
		off, err := e.Alloc(32)
		require.NoError(t, err)
		offs = append(offs, off)
	}
	assert.Equal(t, 2, e.Stats().LiveSlabs)

	// Draining the first slab hands its chunk back while the second
	// slab keeps the class alive.
	for _, off := range offs[:testObjsPerSlab] {
		e.Free(off)
	}
	assert.Equal(t, 1, e.Stats().LiveSlabs)
	assert.Equal(t, 1, e.Stats().LiveClasses)
	assert.Equal(t, 4096, tree.Stats().ReservedBytes)

	// Draining the second empties the class entirely.
	e.Free(offs[testObjsPerSlab])
	assert.Equal(t, 0, e.Table().Len())
	assert.True(t, tree.IsFullHole())
	assert.NoError(t, tree.CheckShape())
}

func TestMixedClasses(t *testing.T) {
	e, _, _ := newTestEngine(t)

	a, err := e.Alloc(16)
	require.NoError(t, err)
	b, err := e.Alloc(32)
	require.NoError(t, err)
	c, err := e.Alloc(16)
	require.NoError(t, err)

	// The 16-byte class backs onto a 2048 chunk at offset 0; the
	// 32-byte class takes the best-fit 4096 hole; the second 16-byte
	// object shares the first slab.
	assert.Equal(t, 16, a)
	assert.Equal(t, 4096+16, b)
	assert.Equal(t, 16+24, c)

	assert.Equal(t, 2, e.Table().Len())
	assert.NotNil(t, e.Table().Lookup(24))
	assert.NotNil(t, e.Table().Lookup(40))
}

func TestFreeMissIsIgnored(t *testing.T) {
	e, tree, _ := newTestEngine(t)

	off, err := e.Alloc(32)
	require.NoError(t, err)
	off2, err := e.Alloc(32)
	require.NoError(t, err)

	e.Free(off + 1) // not on an object boundary
	assert.Equal(t, 2, e.Stats().ObjectsUsed)

	e.Free(off)
	e.Free(off) // slot already clear
	assert.Equal(t, 1, e.Stats().ObjectsUsed)

	e.Free(off2)
	e.Free(off2) // class is gone now: lookup miss

	assert.Equal(t, 0, e.Table().Len())
	assert.True(t, tree.IsFullHole())
}

func TestAllocFailsWhenPoolTooSmall(t *testing.T) {
	pool := make([]byte, 4096)
	tree, err := buddy.NewTree(4096, 512, nil)
	require.NoError(t, err)
	e := NewEngine(pool, tree, testHeaderSize, testObjsPerSlab, nil)

	// A 32-byte class fills the whole pool with one slab chunk.
	_, err = e.Alloc(32)
	require.NoError(t, err)

	// A new class cannot get a backing chunk; nothing changes.
	_, err = e.Alloc(100)
	assert.ErrorIs(t, err, buddy.ErrOutOfMemory)
	assert.Equal(t, 1, e.Table().Len())
	assert.Equal(t, 4096, tree.Stats().ReservedBytes)
}
