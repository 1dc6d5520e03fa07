package tree_test

import (
	"testing"

	"github.com/nandfs/nandfs/pkg/allocator"
	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/nandfs/nandfs/pkg/flash/memory"
	"github.com/nandfs/nandfs/pkg/tree"
	"github.com/stretchr/testify/require"
)

func newNodeStorage(t *testing.T) (*memory.Backend, *tree.StorageBackendNodeStorage) {
	backend, err := memory.NewBackend(flash.Geometry{
		NumberOfBlocks: 128,
		PagesPerBlock:  4,
		SectorsPerPage: 4,
		SectorSize:     512,
	})
	require.NoError(t, err)
	blocks := allocator.NewSequentialBlockAllocator(backend, allocator.DefaultReservedBlocks)
	return backend, tree.NewStorageBackendNodeStorage(backend, blocks)
}

func leafNode(key, value uint64) *tree.Node {
	var node tree.Node
	node.Reset()
	node.NumberKeys = 1
	node.Keys[0] = key
	node.Values[0] = value
	return &node
}

func TestStorageBackendNodeStorageRoundTrip(t *testing.T) {
	_, storage := newNodeStorage(t)

	node := leafNode(17, 5)
	addr, err := storage.Serialize(flash.InvalidBlockAddress, node, nil)
	require.NoError(t, err)
	require.True(t, addr.Valid())

	// The first record of a fresh tree block follows the header
	// sector.
	require.Equal(t, uint32(512), addr.Position)

	var decoded tree.Node
	require.NoError(t, storage.Deserialize(addr, &decoded, nil))
	require.Equal(t, node.Keys, decoded.Keys)
	require.Equal(t, node.Values, decoded.Values)
}

func TestStorageBackendNodeStorageAppends(t *testing.T) {
	_, storage := newNodeStorage(t)

	var addresses []flash.BlockAddress
	for i := 0; i < 10; i++ {
		addr, err := storage.Serialize(flash.InvalidBlockAddress, leafNode(uint64(i+1), uint64(i+100)), nil)
		require.NoError(t, err)
		addresses = append(addresses, addr)
	}

	// Appends never overwrite: all addresses are distinct and every
	// record still decodes to its original node.
	seen := map[flash.BlockAddress]struct{}{}
	for i, addr := range addresses {
		_, duplicate := seen[addr]
		require.False(t, duplicate)
		seen[addr] = struct{}{}

		var node tree.Node
		require.NoError(t, storage.Deserialize(addr, &node, nil))
		require.Equal(t, uint64(i+1), node.Keys[0])
		require.Equal(t, uint64(i+100), node.Values[0])
	}

	// Records never straddle sectors.
	g := flash.Geometry{NumberOfBlocks: 128, PagesPerBlock: 4, SectorsPerPage: 4, SectorSize: 512}
	for _, addr := range addresses {
		require.GreaterOrEqual(t, addr.RemainingInSector(g), uint32(tree.NodeRecordSize))
	}
}

func TestStorageBackendNodeStorageBlockRollover(t *testing.T) {
	_, storage := newNodeStorage(t)

	first, err := storage.Serialize(flash.InvalidBlockAddress, leafNode(1, 1), nil)
	require.NoError(t, err)

	// 15 usable sectors of 4 records each: the 61st record needs a
	// fresh block.
	last := first
	for i := 0; i < 60; i++ {
		last, err = storage.Serialize(flash.InvalidBlockAddress, leafNode(uint64(i), 1), nil)
		require.NoError(t, err)
	}
	require.NotEqual(t, first.Block, last.Block)
}

func TestStorageBackendNodeStorageFindHead(t *testing.T) {
	_, storage := newNodeStorage(t)

	t.Run("EmptyBlock", func(t *testing.T) {
		found, err := storage.FindHead(5)
		require.NoError(t, err)
		require.False(t, found.Valid())
	})

	var last flash.BlockAddress
	var err error
	for i := 0; i < 7; i++ {
		head := &tree.TreeHead{Timestamp: uint32(i + 1)}
		last, err = storage.Serialize(flash.InvalidBlockAddress, leafNode(uint64(i), uint64(i)), head)
		require.NoError(t, err)
	}

	t.Run("LastRecordWins", func(t *testing.T) {
		found, err := storage.FindHead(last.Block)
		require.NoError(t, err)
		require.Equal(t, last, found)

		var node tree.Node
		var head tree.TreeHead
		require.NoError(t, storage.Deserialize(found, &node, &head))
		require.Equal(t, uint32(7), head.Timestamp)
	})
}
