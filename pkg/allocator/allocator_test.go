package allocator_test

import (
	"testing"

	"github.com/nandfs/nandfs/pkg/allocator"
	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/nandfs/nandfs/pkg/flash/memory"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, blocks flash.BlockIndex) *memory.Backend {
	backend, err := memory.NewBackend(flash.Geometry{
		NumberOfBlocks: blocks,
		PagesPerBlock:  2,
		SectorsPerPage: 2,
		SectorSize:     512,
	})
	require.NoError(t, err)
	return backend
}

func TestSequentialBlockAllocator(t *testing.T) {
	backend := newBackend(t, 8)
	ba := allocator.NewSequentialBlockAllocator(backend, allocator.DefaultReservedBlocks)

	t.Run("SkipsReservedBlocks", func(t *testing.T) {
		// Block 0 is unused and blocks 1 and 2 are the anchors.
		record := ba.Allocate(flash.BlockTypeTree)
		require.True(t, record.Valid())
		require.Equal(t, flash.BlockIndex(3), record.Block)
		require.False(t, record.Erased)
	})

	t.Run("AdvancesMonotonically", func(t *testing.T) {
		for want := flash.BlockIndex(4); want < 8; want++ {
			record := ba.Allocate(flash.BlockTypeFile)
			require.True(t, record.Valid())
			require.Equal(t, want, record.Block)
		}
	})

	t.Run("ExhaustionIsInvalid", func(t *testing.T) {
		require.False(t, ba.Allocate(flash.BlockTypeFile).Valid())
	})
}

func TestSequentialBlockAllocatorRecoversAge(t *testing.T) {
	backend := newBackend(t, 8)

	// A block that lived before carries its wear counter in its
	// header; a fresh allocator must pick it up.
	head := flash.BlockHead{Type: flash.BlockTypeFree, Age: 7, Linked: flash.InvalidBlock}
	var buffer [flash.BlockHeadSize]byte
	head.Encode(buffer[:])
	require.NoError(t, backend.WriteSector(flash.SectorAddress{Block: 3, Sector: 0}, 0, buffer[:]))

	ba := allocator.NewSequentialBlockAllocator(backend, allocator.DefaultReservedBlocks)
	record := ba.Allocate(flash.BlockTypeTree)
	require.Equal(t, flash.BlockIndex(3), record.Block)
	require.Equal(t, uint32(7), record.Age)

	record = ba.Allocate(flash.BlockTypeTree)
	require.Equal(t, flash.BlockIndex(4), record.Block)
	require.Equal(t, uint32(0), record.Age)
}

func TestQueueBlockAllocator(t *testing.T) {
	backend := newBackend(t, 8)
	ba := allocator.NewQueueBlockAllocator(backend, allocator.DefaultReservedBlocks)

	require.Equal(t, uint32(5), ba.NumberOfFreeBlocks())

	t.Run("PrefersFreedBlocks", func(t *testing.T) {
		first := ba.Allocate(flash.BlockTypeFile)
		require.Equal(t, flash.BlockIndex(3), first.Block)
		require.Equal(t, uint32(4), ba.NumberOfFreeBlocks())

		ba.Free(first.Block, 11)
		require.Equal(t, uint32(5), ba.NumberOfFreeBlocks())

		reused := ba.Allocate(flash.BlockTypeFile)
		require.Equal(t, first.Block, reused.Block)
		require.Equal(t, uint32(11), reused.Age)
		require.False(t, reused.Erased)
	})

	t.Run("FreedBlocksComeBackInOrder", func(t *testing.T) {
		a := ba.Allocate(flash.BlockTypeFile)
		b := ba.Allocate(flash.BlockTypeFile)
		ba.Free(a.Block, 1)
		ba.Free(b.Block, 2)
		require.Equal(t, a.Block, ba.Allocate(flash.BlockTypeFile).Block)
		require.Equal(t, b.Block, ba.Allocate(flash.BlockTypeFile).Block)
	})

	t.Run("ExhaustionIsInvalid", func(t *testing.T) {
		for ba.NumberOfFreeBlocks() > 0 {
			require.True(t, ba.Allocate(flash.BlockTypeFile).Valid())
		}
		require.False(t, ba.Allocate(flash.BlockTypeFile).Valid())
	})
}
