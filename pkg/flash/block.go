package flash

import (
	"bytes"
	"encoding/binary"
)

// BlockType tags the role of an erase block. The tag is stored inside
// the BlockHead at the beginning of every block, so that the medium can
// be classified by reading a single sector per block.
type BlockType uint8

const (
	// BlockTypeAnchor marks one of the two fixed blocks that hold
	// the head of the wandering super block chain.
	BlockTypeAnchor BlockType = 1
	// BlockTypeSuperBlock marks the block currently holding the
	// super block payload.
	BlockTypeSuperBlock BlockType = 2
	// BlockTypeSuperBlockLink marks an intermediate block in the
	// super block chain.
	BlockTypeSuperBlockLink BlockType = 3
	// BlockTypeTree marks a block filled with serialized index tree
	// nodes.
	BlockTypeTree BlockType = 4
	// BlockTypeFile marks a block holding file data.
	BlockTypeFile BlockType = 5
	// BlockTypeFree marks a block that has been released.
	BlockTypeFree BlockType = 6
	// BlockTypeError is the sentinel for an unreadable or
	// unclassifiable block.
	BlockTypeError BlockType = 0xff
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeAnchor:
		return "Anchor"
	case BlockTypeSuperBlock:
		return "SuperBlock"
	case BlockTypeSuperBlockLink:
		return "SuperBlockLink"
	case BlockTypeTree:
		return "Tree"
	case BlockTypeFile:
		return "File"
	case BlockTypeFree:
		return "Free"
	default:
		return "Error"
	}
}

// blockMagic is the constant at the beginning of every initialized
// block. Erased flash reads back as 0xff, so a blank block never
// carries a valid magic.
var blockMagic = [8]byte{'n', 'a', 'n', 'd', 'f', 's', '0', '1'}

const (
	// BlockMagicSize is the length of the magic constant.
	BlockMagicSize = 8
	// BlockHeadSize is the encoded size of a BlockHead.
	BlockHeadSize = 24
	// BlockTailSize is the encoded size of a BlockTail.
	BlockTailSize = 16
	// TimestampInvalid is the never-seen sentinel for logical
	// revision counters. Timestamps are 32 bits wide and may wrap;
	// comparisons must treat this value as older than any valid
	// timestamp.
	TimestampInvalid uint32 = 0xffffffff
)

// BlockHead is the fixed header at offset zero of every block. It
// carries the block's role, its wear counter and the logical revision
// at which it was written. Linked points backwards in a block chain.
//
// Encoded layout, little-endian:
//
//	magic     8 bytes
//	type      1 byte
//	reserved  3 bytes
//	age       4 bytes
//	timestamp 4 bytes
//	linked    4 bytes
type BlockHead struct {
	Type      BlockType
	Age       uint32
	Timestamp uint32
	Linked    BlockIndex
}

// Encode serializes the head into p, which must be at least
// BlockHeadSize bytes long.
func (h *BlockHead) Encode(p []byte) {
	copy(p, blockMagic[:])
	p[8] = byte(h.Type)
	p[9], p[10], p[11] = 0, 0, 0
	binary.LittleEndian.PutUint32(p[12:], h.Age)
	binary.LittleEndian.PutUint32(p[16:], h.Timestamp)
	binary.LittleEndian.PutUint32(p[20:], uint32(h.Linked))
}

// Decode deserializes the head from p. It returns false if the magic
// constant does not match, which callers treat as "blank or corrupt".
func (h *BlockHead) Decode(p []byte) bool {
	if !bytes.Equal(p[:BlockMagicSize], blockMagic[:]) {
		return false
	}
	h.Type = BlockType(p[8])
	h.Age = binary.LittleEndian.Uint32(p[12:])
	h.Timestamp = binary.LittleEndian.Uint32(p[16:])
	h.Linked = BlockIndex(binary.LittleEndian.Uint32(p[20:]))
	return true
}

// BlockTail is the fixed record in the last sector of a chained block.
// Linked points forwards to the next block in the chain and
// BytesInBlock records how much payload the block holds.
//
// Encoded layout, little-endian:
//
//	magic         8 bytes
//	linked        4 bytes
//	bytes in block 4 bytes
type BlockTail struct {
	Linked       BlockIndex
	BytesInBlock uint32
}

// Encode serializes the tail into p, which must be at least
// BlockTailSize bytes long.
func (t *BlockTail) Encode(p []byte) {
	copy(p, blockMagic[:])
	binary.LittleEndian.PutUint32(p[8:], uint32(t.Linked))
	binary.LittleEndian.PutUint32(p[12:], t.BytesInBlock)
}

// Decode deserializes the tail from p, returning false on a magic
// mismatch.
func (t *BlockTail) Decode(p []byte) bool {
	if !bytes.Equal(p[:BlockMagicSize], blockMagic[:]) {
		return false
	}
	t.Linked = BlockIndex(binary.LittleEndian.Uint32(p[8:]))
	t.BytesInBlock = binary.LittleEndian.Uint32(p[12:])
	return true
}
