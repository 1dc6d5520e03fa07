package tree

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nandfs/nandfs/pkg/flash"
)

// Serialized node record, little-endian:
//
//	magic      1 byte
//	depth      1 byte
//	key count  1 byte
//	flags      1 byte (bit 0: record carries a TreeHead)
//	keys       InnerSize * 8 bytes
//	payload    (InnerSize + 1) * 8 bytes
//	timestamp  4 bytes
//	crc32      4 bytes over everything above
//
// A leaf stores its values in the payload region; an inner node stores
// its NumberKeys+1 child addresses as (block, position) pairs. Records
// are a fixed NodeRecordSize bytes regardless of content, so a block
// of them can be walked at a constant pitch. The checksum is CRC-32
// with the 0xedb88320 reflected polynomial, initialized and finalized
// with 0xffffffff; erased flash never checks out, so a record that
// fails to decode marks the end of the log within its block.
const (
	nodeMagic = 0x4e

	nodeFlagHasHead = 1 << 0

	nodeKeysOffset      = 4
	nodePayloadOffset   = nodeKeysOffset + InnerSize*8
	nodeTimestampOffset = nodePayloadOffset + (InnerSize+1)*8
	nodeChecksumOffset  = nodeTimestampOffset + 4

	// NodeRecordSize is the size of a serialized node.
	NodeRecordSize = nodeChecksumOffset + 4
)

// NodeSerializer encodes nodes into fixed-size records and back.
type NodeSerializer struct{}

// Size returns the number of bytes a serialized node occupies.
func (NodeSerializer) Size() uint32 {
	return NodeRecordSize
}

// Serialize encodes node into p, which must be at least NodeRecordSize
// bytes long. A non-nil head is embedded in the record, marking it as
// a root version.
func (NodeSerializer) Serialize(p []byte, node *Node, head *TreeHead) {
	p[0] = nodeMagic
	p[1] = node.Depth
	p[2] = node.NumberKeys
	if head != nil {
		p[3] = nodeFlagHasHead
	} else {
		p[3] = 0
	}
	for i := 0; i < InnerSize; i++ {
		binary.LittleEndian.PutUint64(p[nodeKeysOffset+i*8:], node.Keys[i])
	}
	if node.Depth == 0 {
		for i := 0; i < LeafSize; i++ {
			binary.LittleEndian.PutUint64(p[nodePayloadOffset+i*8:], node.Values[i])
		}
		binary.LittleEndian.PutUint64(p[nodePayloadOffset+LeafSize*8:], 0)
	} else {
		for i := 0; i < InnerSize+1; i++ {
			address := node.Children[i].Address()
			binary.LittleEndian.PutUint32(p[nodePayloadOffset+i*8:], uint32(address.Block))
			binary.LittleEndian.PutUint32(p[nodePayloadOffset+i*8+4:], address.Position)
		}
	}
	if head != nil {
		binary.LittleEndian.PutUint32(p[nodeTimestampOffset:], head.Timestamp)
	} else {
		binary.LittleEndian.PutUint32(p[nodeTimestampOffset:], flash.TimestampInvalid)
	}
	binary.LittleEndian.PutUint32(p[nodeChecksumOffset:], crc32.ChecksumIEEE(p[:nodeChecksumOffset]))
}

// Deserialize decodes a node from p, validating the magic and the
// checksum. It returns false if the record is blank or corrupt, which
// callers treat as the end of the log. A non-nil head receives the
// embedded TreeHead if the record carries one.
func (NodeSerializer) Deserialize(p []byte, node *Node, head *TreeHead) bool {
	if p[0] != nodeMagic {
		return false
	}
	if crc32.ChecksumIEEE(p[:nodeChecksumOffset]) != binary.LittleEndian.Uint32(p[nodeChecksumOffset:]) {
		return false
	}
	node.Reset()
	node.Depth = p[1]
	node.NumberKeys = p[2]
	for i := 0; i < InnerSize; i++ {
		node.Keys[i] = binary.LittleEndian.Uint64(p[nodeKeysOffset+i*8:])
	}
	if node.Depth == 0 {
		for i := 0; i < LeafSize; i++ {
			node.Values[i] = binary.LittleEndian.Uint64(p[nodePayloadOffset+i*8:])
		}
	} else {
		for i := 0; i < InnerSize+1; i++ {
			node.Children[i] = RefForAddress(flash.BlockAddress{
				Block:    flash.BlockIndex(binary.LittleEndian.Uint32(p[nodePayloadOffset+i*8:])),
				Position: binary.LittleEndian.Uint32(p[nodePayloadOffset+i*8+4:]),
			})
		}
	}
	if head != nil && p[3]&nodeFlagHasHead != 0 {
		head.Timestamp = binary.LittleEndian.Uint32(p[nodeTimestampOffset:])
	}
	return true
}
