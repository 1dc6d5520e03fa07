package flash

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// InvalidSector is the sentinel value for a sector number.
const InvalidSector uint32 = 0xffffffff

// SectorAddress identifies a whole sector on the medium, the unit in
// which super block chain records are written.
type SectorAddress struct {
	Block  BlockIndex
	Sector uint32
}

// InvalidSectorAddress is the sentinel address returned by operations
// that failed to produce a location.
var InvalidSectorAddress = SectorAddress{Block: InvalidBlock, Sector: InvalidSector}

// Valid returns whether the address refers to a sector on the medium.
func (a SectorAddress) Valid() bool {
	return a.Block != InvalidBlock
}

func (a SectorAddress) String() string {
	if !a.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%d:%d", a.Block, a.Sector)
}

// BlockAddress identifies a byte position inside an erase block as a
// pair of a block index and a byte offset within that block. It is the
// cursor type used by all append-only writers: callers advance it with
// Add, align it with FindRoom and detect the end of a block with
// TailSector. The arithmetic never performs I/O.
type BlockAddress struct {
	Block    BlockIndex
	Position uint32
}

// InvalidBlockAddress is the sentinel address returned by operations
// that failed to produce a location.
var InvalidBlockAddress = BlockAddress{Block: InvalidBlock, Position: 0}

// Valid returns whether the address refers to a position on the medium.
func (a BlockAddress) Valid() bool {
	return a.Block != InvalidBlock
}

// SectorNumber returns the index of the sector the position falls in.
func (a BlockAddress) SectorNumber(g Geometry) uint32 {
	return a.Position / g.SectorSize
}

// SectorOffset returns the byte offset of the position within its
// sector.
func (a BlockAddress) SectorOffset(g Geometry) uint32 {
	return a.Position % g.SectorSize
}

// SectorAddress converts the position to the address of its containing
// sector.
func (a BlockAddress) SectorAddress(g Geometry) SectorAddress {
	return SectorAddress{Block: a.Block, Sector: a.SectorNumber(g)}
}

// RemainingInSector returns the number of bytes between the position
// and the end of its sector, so that
// RemainingInSector + SectorOffset == SectorSize.
func (a BlockAddress) RemainingInSector(g Geometry) uint32 {
	return g.SectorSize - a.SectorOffset(g)
}

// RemainingInBlock returns the number of bytes between the position and
// the end of its block, so that RemainingInBlock + Position == BlockSize.
func (a BlockAddress) RemainingInBlock(g Geometry) uint32 {
	return g.BlockSize() - a.Position
}

// BeginningOfBlock returns whether the position is at offset zero,
// where every block stores its BlockHead.
func (a BlockAddress) BeginningOfBlock() bool {
	return a.Position == 0
}

// TailSector returns whether the position falls in the last sector of
// its block, which chained blocks reserve for a BlockTail.
func (a BlockAddress) TailSector(g Geometry) bool {
	return a.SectorNumber(g) == g.SectorsPerBlock()-1
}

// Add advances the position by n bytes. The caller is responsible for
// never crossing a block boundary; rolling over into a different block
// requires an allocation and is handled by the writer.
func (a *BlockAddress) Add(n uint32) {
	a.Position += n
}

// Seek moves the position to pos within the current block.
func (a *BlockAddress) Seek(g Geometry, pos uint32) error {
	if pos >= g.BlockSize() {
		return status.Errorf(codes.InvalidArgument, "Position %d exceeds block size %d", pos, g.BlockSize())
	}
	a.Position = pos
	return nil
}

// FindRoom returns whether n bytes fit before the end of the block
// after skipping at most one partial sector. If the remainder of the
// current sector cannot hold n bytes the position is advanced to the
// start of the following sector; when n fits exactly the current
// sector is used. On failure the position is left unchanged.
func (a *BlockAddress) FindRoom(g Geometry, n uint32) bool {
	position := a.Position
	if remaining := g.SectorSize - position%g.SectorSize; remaining < n {
		position += remaining
	}
	if g.BlockSize()-position < n {
		return false
	}
	a.Position = position
	return true
}

// TailSectorAddress returns the address of the last sector of a block.
func TailSectorAddress(g Geometry, block BlockIndex) SectorAddress {
	return SectorAddress{Block: block, Sector: g.SectorsPerBlock() - 1}
}

func (a BlockAddress) String() string {
	if !a.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%d:%d", a.Block, a.Position)
}
