package superblock_test

import (
	"encoding/binary"
	"testing"

	"github.com/nandfs/nandfs/internal/mock"
	"github.com/nandfs/nandfs/pkg/allocator"
	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/nandfs/nandfs/pkg/flash/memory"
	"github.com/nandfs/nandfs/pkg/superblock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newManager(t *testing.T) (*memory.Backend, *allocator.QueueBlockAllocator, *superblock.Manager) {
	backend, err := memory.NewBackend(flash.Geometry{
		NumberOfBlocks: 1024,
		PagesPerBlock:  4,
		SectorsPerPage: 4,
		SectorSize:     512,
	})
	require.NoError(t, err)
	blocks := allocator.NewQueueBlockAllocator(backend, allocator.DefaultReservedBlocks)
	return backend, blocks, superblock.NewManager(backend, blocks)
}

func payloadFor(revision uint32) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, revision)
	return payload
}

func TestManagerLocatingUnformatted(t *testing.T) {
	t.Run("Blank", func(t *testing.T) {
		_, _, manager := newManager(t)
		require.Equal(t, codes.NotFound, status.Code(manager.Locate(nil)))
	})

	t.Run("Randomized", func(t *testing.T) {
		backend, _, _ := newManager(t)
		backend.Randomize(1)
		blocks := allocator.NewQueueBlockAllocator(backend, allocator.DefaultReservedBlocks)
		manager := superblock.NewManager(backend, blocks)
		require.Equal(t, codes.NotFound, status.Code(manager.Locate(nil)))
	})
}

func TestManagerFormatting(t *testing.T) {
	_, _, manager := newManager(t)
	require.NoError(t, manager.Create(payloadFor(0), nil))
	require.NoError(t, manager.Locate(payloadFor(0)))
	require.True(t, manager.Location().Valid())
}

func TestManagerSavingAFewRevisions(t *testing.T) {
	_, _, manager := newManager(t)
	require.NoError(t, manager.Create(payloadFor(0), nil))

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.Save(payloadFor(uint32(i+1))))
	}

	require.Equal(t, uint32(5), manager.Location().Sector)

	payload := make([]byte, 4)
	require.NoError(t, manager.Locate(payload))
	require.Equal(t, uint32(5), manager.Location().Sector)
	require.Equal(t, uint32(5), binary.LittleEndian.Uint32(payload))
}

func TestManagerBlockRollover(t *testing.T) {
	_, _, manager := newManager(t)
	require.NoError(t, manager.Create(payloadFor(0), nil))
	old := manager.Location()

	// 16 sectors per block: the 16th save migrates the super block
	// to a fresh block and the remaining saves append there.
	for i := 0; i < 18; i++ {
		require.NoError(t, manager.Save(payloadFor(uint32(i+1))))
	}

	require.NoError(t, manager.Locate(payloadFor(0)))
	require.NotEqual(t, old.Block, manager.Location().Block)
	require.Equal(t, uint32(2), manager.Location().Sector)
}

func TestManagerAnchorAreaRollover(t *testing.T) {
	_, _, manager := newManager(t)
	require.NoError(t, manager.Create(payloadFor(0), nil))
	old := manager.Location()

	iterations := 15*15*15*15 + 6
	for i := 0; i < iterations; i++ {
		require.NoError(t, manager.Save(payloadFor(uint32(i+1))))
	}

	payload := make([]byte, 4)
	require.NoError(t, manager.Locate(payload))
	require.NotEqual(t, old.Block, manager.Location().Block)
	require.Equal(t, uint32(7), manager.Location().Sector)
	require.Equal(t, uint32(iterations), binary.LittleEndian.Uint32(payload))
}

func TestManagerWalk(t *testing.T) {
	_, _, manager := newManager(t)
	require.NoError(t, manager.Create(payloadFor(0), nil))

	var visited []flash.BlockIndex
	require.NoError(t, manager.Walk(func(block flash.BlockIndex) {
		visited = append(visited, block)
	}))
	// Two link tiers plus the super block itself.
	require.Len(t, visited, superblock.ChainLength+1)
}

func TestManagerCreateUpdateCallback(t *testing.T) {
	_, _, manager := newManager(t)

	// The callback runs after the chain is laid out and before the
	// payload write; the payload it returns is the one that lands
	// on media.
	require.NoError(t, manager.Create(payloadFor(0), func() []byte {
		return payloadFor(42)
	}))

	payload := make([]byte, 4)
	require.NoError(t, manager.Locate(payload))
	require.Equal(t, uint32(42), binary.LittleEndian.Uint32(payload))
}

func TestManagerSaveBeforeLocate(t *testing.T) {
	_, _, manager := newManager(t)
	require.Equal(t, codes.FailedPrecondition, status.Code(manager.Save(payloadFor(1))))
}

func TestManagerPayloadTooLarge(t *testing.T) {
	_, _, manager := newManager(t)
	payload := make([]byte, 512)
	require.Equal(t, codes.InvalidArgument, status.Code(manager.Create(payload, nil)))
}

// TestManagerCrashConsistency replays every prefix of the writes a
// save issues and checks that a manager booting from that state
// observes either the previous revision or the new one, never a
// mixture. This covers both the plain append case and the migrations
// around the 16-save boundaries.
func TestManagerCrashConsistency(t *testing.T) {
	backend, _, manager := newManager(t)
	require.NoError(t, manager.Create(payloadFor(0), nil))

	for i := 0; i < 64; i++ {
		before := backend.Clone()
		backend.SetLogging(true)
		backend.ClearLog()

		previous := uint32(i)
		next := uint32(i + 1)
		require.NoError(t, manager.Save(payloadFor(next)))
		log := backend.Log()
		backend.SetLogging(false)

		for prefix := 0; prefix <= len(log); prefix++ {
			crashed := before.Clone()
			require.NoError(t, crashed.Apply(log[:prefix]))

			blocks := allocator.NewQueueBlockAllocator(crashed, allocator.DefaultReservedBlocks)
			rebooted := superblock.NewManager(crashed, blocks)
			payload := make([]byte, 4)
			require.NoError(t, rebooted.Locate(payload), "save %d prefix %d", i, prefix)
			observed := binary.LittleEndian.Uint32(payload)
			require.Contains(t, []uint32{previous, next}, observed, "save %d prefix %d", i, prefix)
		}
	}
}

func TestManagerLocateReadFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	backend := mock.NewMockStorageBackend(ctrl)
	backend.EXPECT().Geometry().Return(flash.Geometry{
		NumberOfBlocks: 1024,
		PagesPerBlock:  4,
		SectorsPerPage: 4,
		SectorSize:     512,
	}).AnyTimes()
	backend.EXPECT().ReadSector(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(status.Error(codes.Internal, "Disk on fire")).AnyTimes()

	blocks := allocator.NewQueueBlockAllocator(backend, allocator.DefaultReservedBlocks)
	manager := superblock.NewManager(backend, blocks)
	require.Equal(t, codes.Internal, status.Code(manager.Locate(nil)))
}
