package allocator

import (
	"sync"

	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueBlockAllocatorPrometheusMetrics sync.Once

	queueBlockAllocatorReleases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nandfs",
			Subsystem: "allocator",
			Name:      "queue_block_allocator_releases_total",
			Help:      "Number of blocks returned to QueueBlockAllocator for reuse",
		})
	queueBlockAllocatorReuses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nandfs",
			Subsystem: "allocator",
			Name:      "queue_block_allocator_reuses_total",
			Help:      "Number of allocations QueueBlockAllocator served from freed blocks",
		})
)

type freedBlock struct {
	block flash.BlockIndex
	age   uint32
}

// QueueBlockAllocator extends SequentialBlockAllocator with reuse:
// freed blocks are kept in a queue and preferred over untouched ones.
// Handing back the least recently freed block first spreads wear over
// the medium.
type QueueBlockAllocator struct {
	sequential *SequentialBlockAllocator
	freed      []freedBlock
	free       uint32
}

var _ ReusableBlockAllocator = (*QueueBlockAllocator)(nil)

// NewQueueBlockAllocator creates a reusable allocator over the given
// backend.
func NewQueueBlockAllocator(storage flash.StorageBackend, reserved []flash.BlockIndex) *QueueBlockAllocator {
	queueBlockAllocatorPrometheusMetrics.Do(func() {
		prometheus.MustRegister(queueBlockAllocatorReleases)
		prometheus.MustRegister(queueBlockAllocatorReuses)
	})

	free := uint32(storage.Geometry().NumberOfBlocks)
	seen := make(map[flash.BlockIndex]struct{}, len(reserved))
	for _, block := range reserved {
		if _, ok := seen[block]; !ok && storage.Geometry().ContainsBlock(block) {
			seen[block] = struct{}{}
			free--
		}
	}
	return &QueueBlockAllocator{
		sequential: NewSequentialBlockAllocator(storage, reserved),
		free:       free,
	}
}

// Initialize rebuilds the allocator's view from the medium: blocks
// whose headers decode as live are excluded, everything blank becomes
// available again. Freed-block state does not survive, so callers
// re-initializing after a restart rely on the header scan alone.
func (ba *QueueBlockAllocator) Initialize() error {
	free, err := ba.sequential.Initialize()
	if err != nil {
		return err
	}
	ba.freed = nil
	ba.free = free
	return nil
}

// Allocate prefers the least recently freed block, falling back to the
// sequential cursor.
func (ba *QueueBlockAllocator) Allocate(blockType flash.BlockType) AllocationRecord {
	if len(ba.freed) > 0 {
		reused := ba.freed[0]
		ba.freed = ba.freed[1:]
		ba.free--
		queueBlockAllocatorReuses.Inc()
		return AllocationRecord{
			Block:  reused.block,
			Age:    reused.age,
			Erased: false,
		}
	}
	record := ba.sequential.Allocate(blockType)
	if record.Valid() {
		ba.free--
	}
	return record
}

// Free returns a block to the allocator, preserving its wear counter.
func (ba *QueueBlockAllocator) Free(block flash.BlockIndex, age uint32) {
	ba.freed = append(ba.freed, freedBlock{block: block, age: age})
	ba.free++
	queueBlockAllocatorReleases.Inc()
}

// NumberOfFreeBlocks reports how many blocks are currently available,
// counting both untouched and freed ones.
func (ba *QueueBlockAllocator) NumberOfFreeBlocks() uint32 {
	return ba.free
}
