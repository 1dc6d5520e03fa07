package allocator

import (
	"sync"

	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sequentialBlockAllocatorPrometheusMetrics sync.Once

	sequentialBlockAllocatorAllocations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nandfs",
			Subsystem: "allocator",
			Name:      "sequential_block_allocator_allocations_total",
			Help:      "Number of blocks handed out by SequentialBlockAllocator",
		})
)

// SequentialBlockAllocator hands out blocks by advancing a cursor over
// the medium, skipping the reserved indices. It never reuses a block.
// The wear counter of a candidate block is recovered from its header,
// so that ages survive reformatting.
type SequentialBlockAllocator struct {
	storage  flash.StorageBackend
	reserved map[flash.BlockIndex]struct{}
	taken    map[flash.BlockIndex]struct{}
	cursor   flash.BlockIndex
}

var _ BlockAllocator = (*SequentialBlockAllocator)(nil)

// NewSequentialBlockAllocator creates an allocator whose cursor starts
// at the lowest non-reserved block.
func NewSequentialBlockAllocator(storage flash.StorageBackend, reserved []flash.BlockIndex) *SequentialBlockAllocator {
	sequentialBlockAllocatorPrometheusMetrics.Do(func() {
		prometheus.MustRegister(sequentialBlockAllocatorAllocations)
	})

	reservedSet := make(map[flash.BlockIndex]struct{}, len(reserved))
	for _, block := range reserved {
		reservedSet[block] = struct{}{}
	}
	return &SequentialBlockAllocator{
		storage:  storage,
		reserved: reservedSet,
	}
}

// Initialize scans the block headers of the medium and marks every
// block that carries a valid one of a type other than Free as live,
// so that an allocator created
// over a previously used medium does not hand out blocks that still
// hold data. It returns the number of blocks found free.
func (ba *SequentialBlockAllocator) Initialize() (uint32, error) {
	geometry := ba.storage.Geometry()
	taken := make(map[flash.BlockIndex]struct{})
	free := uint32(0)
	for block := flash.BlockIndex(0); geometry.ContainsBlock(block); block++ {
		if _, ok := ba.reserved[block]; ok {
			continue
		}
		var buffer [flash.BlockHeadSize]byte
		if err := ba.storage.ReadSector(flash.SectorAddress{Block: block, Sector: 0}, 0, buffer[:]); err != nil {
			return 0, flash.StatusWrapf(err, "Failed to read header of block %d", block)
		}
		var head flash.BlockHead
		if head.Decode(buffer[:]) && head.Type != flash.BlockTypeFree {
			taken[block] = struct{}{}
		} else {
			free++
		}
	}
	ba.taken = taken
	ba.cursor = 0
	return free, nil
}

// Allocate hands out the next block in cursor order, or an invalid
// record when the medium is exhausted.
func (ba *SequentialBlockAllocator) Allocate(blockType flash.BlockType) AllocationRecord {
	geometry := ba.storage.Geometry()
	for {
		if !geometry.ContainsBlock(ba.cursor) {
			return InvalidAllocationRecord
		}
		block := ba.cursor
		ba.cursor++
		if _, ok := ba.reserved[block]; ok {
			continue
		}
		if _, ok := ba.taken[block]; ok {
			continue
		}
		sequentialBlockAllocatorAllocations.Inc()
		return AllocationRecord{
			Block:  block,
			Age:    ba.readAge(block),
			Erased: false,
		}
	}
}

// readAge recovers the wear counter from a block's previous header. A
// blank or unreadable header counts as age zero.
func (ba *SequentialBlockAllocator) readAge(block flash.BlockIndex) uint32 {
	var buffer [flash.BlockHeadSize]byte
	if err := ba.storage.ReadSector(flash.SectorAddress{Block: block, Sector: 0}, 0, buffer[:]); err != nil {
		return 0
	}
	var head flash.BlockHead
	if !head.Decode(buffer[:]) {
		return 0
	}
	return head.Age
}
