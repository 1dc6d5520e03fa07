// Package allocator decides which physical erase block to hand out
// next. Allocators track per-block wear so that blocks which have
// lived through many erase cycles are not favoured over fresh ones,
// and report whether a returned block still needs an erase before it
// can be written.
package allocator

import (
	"github.com/nandfs/nandfs/pkg/flash"
)

// AllocationRecord describes a block handed out by an allocator. Age
// is the block's wear counter as recovered from its previous life;
// Erased reports whether the block is known to be blank. Callers must
// erase blocks that are not.
type AllocationRecord struct {
	Block  flash.BlockIndex
	Age    uint32
	Erased bool
}

// InvalidAllocationRecord is returned when no block is available.
// Callers must treat it as fatal for the current operation.
var InvalidAllocationRecord = AllocationRecord{Block: flash.InvalidBlock}

// Valid returns whether the record refers to an actual block.
func (r AllocationRecord) Valid() bool {
	return r.Block != flash.InvalidBlock
}

// BlockAllocator hands out free blocks. The block type passed to
// Allocate records the role the caller intends the block to play; it
// does not constrain which block is returned.
type BlockAllocator interface {
	Allocate(blockType flash.BlockType) AllocationRecord
}

// ReusableBlockAllocator is a BlockAllocator that additionally accepts
// blocks back for reuse. The age passed to Free must be the block's
// current wear counter, so that it is preserved across lifetimes.
type ReusableBlockAllocator interface {
	BlockAllocator

	Free(block flash.BlockIndex, age uint32)
}

// DefaultReservedBlocks lists the block indices an allocator must
// never hand out: block 0 is unused and blocks 1 and 2 are the anchor
// blocks of the super block chain.
var DefaultReservedBlocks = []flash.BlockIndex{0, 1, 2}
