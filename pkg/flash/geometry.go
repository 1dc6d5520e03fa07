package flash

import (
	"fmt"
)

// BlockIndex identifies a physical erase block on the storage medium.
type BlockIndex uint32

// InvalidBlock is the sentinel value for a BlockIndex that does not
// refer to any block. Erased NAND reads back as all ones, so the
// sentinel doubles as the value an uninitialized on-media field holds.
const InvalidBlock BlockIndex = 0xffffffff

// Geometry describes the physical layout of a storage medium. Flash
// media have asymmetric access granularities: reads and writes address
// sectors, while erasures act on whole blocks. All sizes are fixed at
// initialization time and never change for the lifetime of a medium.
type Geometry struct {
	NumberOfBlocks BlockIndex
	PagesPerBlock  uint32
	SectorsPerPage uint32
	SectorSize     uint32
}

// SectorsPerBlock returns the number of sectors contained in a single
// erase block.
func (g Geometry) SectorsPerBlock() uint32 {
	return g.PagesPerBlock * g.SectorsPerPage
}

// BlockSize returns the size of a single erase block in bytes.
func (g Geometry) BlockSize() uint32 {
	return g.SectorsPerBlock() * g.SectorSize
}

// Valid returns whether the geometry describes a usable medium. The
// sector size must be a power of two, as all I/O is sector aligned.
func (g Geometry) Valid() bool {
	return g.NumberOfBlocks > 0 &&
		g.PagesPerBlock > 0 &&
		g.SectorsPerPage > 0 &&
		g.SectorSize > 0 &&
		g.SectorSize&(g.SectorSize-1) == 0
}

// ContainsBlock returns whether the given block index addresses a
// block on this medium.
func (g Geometry) ContainsBlock(block BlockIndex) bool {
	return block < g.NumberOfBlocks
}

func (g Geometry) String() string {
	return fmt.Sprintf("Geometry<blocks=%d pages=%d sectors=%d sector-size=%d>",
		g.NumberOfBlocks, g.PagesPerBlock, g.SectorsPerPage, g.SectorSize)
}
