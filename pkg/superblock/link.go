// Package superblock keeps a small fixed-size payload discoverable
// after power loss without concentrating wear on any single block. The
// payload lives at the end of a three-tier wandering chain: two fixed
// anchor blocks point at a link block, which points at another link
// block, which points at the block currently holding the payload. Every
// save appends a record one sector further along; exhausted blocks
// migrate to freshly allocated ones, and the tier above is rewritten to
// follow.
package superblock

import (
	"encoding/binary"

	"github.com/nandfs/nandfs/pkg/flash"
)

// ChainLength is the number of intermediate link tiers between the
// anchor blocks and the super block itself.
const ChainLength = 2

// AnchorBlocks are the two fixed blocks that always hold the head of
// the chain. Two copies exist so that the rollover of one anchor can
// never make the chain undiscoverable.
var AnchorBlocks = [...]flash.BlockIndex{1, 2}

// SuperBlockLinkSize is the encoded size of a SuperBlockLink.
const SuperBlockLinkSize = flash.BlockHeadSize + 8

// SuperBlockLink is the record written into anchor, link and super
// block sectors. ChainedBlock points at the next tier; the record that
// terminates the chain carries an invalid ChainedBlock. The embedded
// BlockHead doubles as the block header when the record sits in the
// first sector of its block.
type SuperBlockLink struct {
	Head         flash.BlockHead
	Sector       uint16
	ChainedBlock flash.BlockIndex
}

// Encode serializes the link into p, which must be at least
// SuperBlockLinkSize bytes long.
func (l *SuperBlockLink) Encode(p []byte) {
	l.Head.Encode(p)
	binary.LittleEndian.PutUint16(p[flash.BlockHeadSize:], l.Sector)
	p[flash.BlockHeadSize+2], p[flash.BlockHeadSize+3] = 0, 0
	binary.LittleEndian.PutUint32(p[flash.BlockHeadSize+4:], uint32(l.ChainedBlock))
}

// Decode deserializes the link from p, returning false on a magic
// mismatch. A mismatch is how the end of the record log within a block
// is detected.
func (l *SuperBlockLink) Decode(p []byte) bool {
	if !l.Head.Decode(p) {
		return false
	}
	l.Sector = binary.LittleEndian.Uint16(p[flash.BlockHeadSize:])
	l.ChainedBlock = flash.BlockIndex(binary.LittleEndian.Uint32(p[flash.BlockHeadSize+4:]))
	return true
}
