package fs_test

import (
	"testing"

	"github.com/nandfs/nandfs/pkg/allocator"
	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/nandfs/nandfs/pkg/flash/memory"
	"github.com/nandfs/nandfs/pkg/fs"
	"github.com/nandfs/nandfs/pkg/superblock"
	"github.com/stretchr/testify/require"
)

// A 2 MiB serial flash: 32 blocks of 64 KiB.
func newFlash(t *testing.T) (*memory.Backend, *allocator.QueueBlockAllocator, *superblock.Manager) {
	backend, err := memory.NewBackend(flash.Geometry{
		NumberOfBlocks: 32,
		PagesPerBlock:  32,
		SectorsPerPage: 4,
		SectorSize:     512,
	})
	require.NoError(t, err)
	blocks := allocator.NewQueueBlockAllocator(backend, allocator.DefaultReservedBlocks)
	manager := superblock.NewManager(backend, blocks)
	require.NoError(t, manager.Create(make([]byte, 8), nil))
	require.NoError(t, manager.Locate(make([]byte, 8)))
	return backend, blocks, manager
}

var pattern = []byte("flashlog")

func writePattern(t *testing.T, file *fs.BlockedFile, repetitions int) uint64 {
	t.Helper()
	total := uint64(0)
	for i := 0; i < repetitions; i++ {
		n, err := file.Write(pattern)
		require.NoError(t, err)
		total += uint64(n)
	}
	return total
}

func verifyPattern(t *testing.T, file *fs.BlockedFile, want uint64) {
	t.Helper()
	verified := uint64(0)
	buffer := make([]byte, len(pattern))
	for {
		n, err := file.Read(buffer)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		require.Equal(t, pattern[:n], buffer[:n])
		verified += uint64(n)
	}
	require.Equal(t, want, verified)
}

func TestFilesCreatingSmallFile(t *testing.T) {
	backend, blocks, _ := newFlash(t)
	files := fs.NewFiles(backend, blocks)

	file1, err := files.OpenWrite(1)
	require.NoError(t, err)
	beginning := file1.Beginning()

	total := writePattern(t, file1, 1024/len(pattern))
	require.NoError(t, file1.Close())
	require.Equal(t, uint64(1024), total)

	file2, err := files.OpenRead(beginning)
	require.NoError(t, err)
	require.Equal(t, uint64(1024), file2.Size())
	verifyPattern(t, file2, 1024)

	require.Equal(t, uint32(25), blocks.NumberOfFreeBlocks())
}

func TestFilesCreatingLargeFile(t *testing.T) {
	backend, blocks, _ := newFlash(t)
	files := fs.NewFiles(backend, blocks)

	file1, err := files.OpenWrite(1)
	require.NoError(t, err)
	beginning := file1.Beginning()

	total := writePattern(t, file1, 1024*1024/len(pattern))
	require.NoError(t, file1.Close())
	require.Equal(t, uint64(1024*1024), total)

	file2, err := files.OpenRead(beginning)
	require.NoError(t, err)
	require.Equal(t, uint64(1024*1024), file2.Size())
	verifyPattern(t, file2, 1024*1024)

	require.Equal(t, uint32(9), blocks.NumberOfFreeBlocks())
}

func TestFilesWalkingBlocksOfSmallFile(t *testing.T) {
	backend, blocks, _ := newFlash(t)
	files := fs.NewFiles(backend, blocks)

	file1, err := files.OpenWrite(1)
	require.NoError(t, err)
	beginning := file1.Beginning()
	writePattern(t, file1, 1024/len(pattern))
	require.NoError(t, file1.Close())

	file2, err := files.OpenRead(beginning)
	require.NoError(t, err)

	visited := 0
	require.NoError(t, file2.Walk(func(block flash.BlockIndex) {
		visited++
	}))

	require.Equal(t, uint32(25), blocks.NumberOfFreeBlocks())
	require.Equal(t, 1, visited)
}

func TestFilesWalkingBlocksOfLargeFile(t *testing.T) {
	backend, blocks, _ := newFlash(t)
	files := fs.NewFiles(backend, blocks)

	file1, err := files.OpenWrite(1)
	require.NoError(t, err)
	beginning := file1.Beginning()
	writePattern(t, file1, 1024*1024/len(pattern))
	require.NoError(t, file1.Close())

	file2, err := files.OpenRead(beginning)
	require.NoError(t, err)

	visited := 0
	require.NoError(t, file2.Walk(func(block flash.BlockIndex) {
		visited++
	}))

	// One megabyte over 63 KiB of payload per block.
	require.Equal(t, uint32(9), blocks.NumberOfFreeBlocks())
	require.Equal(t, 17, visited)
}

func TestFilesErase(t *testing.T) {
	backend, blocks, _ := newFlash(t)
	files := fs.NewFiles(backend, blocks)

	file1, err := files.OpenWrite(1)
	require.NoError(t, err)
	beginning := file1.Beginning()
	writePattern(t, file1, (256*1024)/len(pattern))
	require.NoError(t, file1.Close())

	used := uint32(26) - blocks.NumberOfFreeBlocks()
	require.Equal(t, uint32(5), used)

	file2, err := files.OpenRead(beginning)
	require.NoError(t, err)
	require.NoError(t, file2.Erase())

	require.Equal(t, uint32(26), blocks.NumberOfFreeBlocks())
}

func TestFilesVersioning(t *testing.T) {
	backend, blocks, _ := newFlash(t)
	files := fs.NewFiles(backend, blocks)

	file1, err := files.OpenWrite(3)
	require.NoError(t, err)
	writePattern(t, file1, 16)
	require.NoError(t, file1.Close())

	file2, err := files.OpenRead(file1.Beginning())
	require.NoError(t, err)
	require.Equal(t, uint32(3), file2.Version())
}
