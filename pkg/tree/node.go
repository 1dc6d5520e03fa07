package tree

import (
	"github.com/nandfs/nandfs/pkg/flash"
)

const (
	// InnerSize is the maximum number of keys in an inner node.
	InnerSize = 6
	// LeafSize is the maximum number of key/value pairs in a leaf.
	LeafSize = 6

	// noSlot marks a NodeRef whose node is not resident in the cache.
	noSlot = -1
)

// TreeHead is the metadata record attached to the current root node,
// carrying the logical revision that totally orders root versions
// across crashes.
type TreeHead struct {
	Timestamp uint32
}

// NodeRef names a node by a pair of a cache slot and an on-media
// address. A ref without a slot refers to a node that only exists on
// media; a ref without a valid address refers to a freshly allocated
// node that has not been flushed yet.
type NodeRef struct {
	index   int
	address flash.BlockAddress
}

// invalidNodeRef refers to nothing at all.
var invalidNodeRef = NodeRef{index: noSlot, address: flash.InvalidBlockAddress}

// RefForAddress makes a ref for a node that lives on media.
func RefForAddress(address flash.BlockAddress) NodeRef {
	return NodeRef{index: noSlot, address: address}
}

// Address returns the node's on-media address.
func (r NodeRef) Address() flash.BlockAddress {
	return r.address
}

// Valid returns whether the ref points at a flushed node.
func (r NodeRef) Valid() bool {
	return r.address.Valid()
}

func (r NodeRef) resident() bool {
	return r.index != noSlot
}

// Node is a single B+ tree node. A node of depth zero is a leaf whose
// Values parallel its Keys; an inner node of depth d > 0 has
// NumberKeys+1 children, all of depth d-1. Keys are sorted ascending.
// Value zero is reserved: it doubles as the not-found sentinel, and
// removal tombstones a pair by storing it.
type Node struct {
	Depth      uint8
	NumberKeys uint8
	Keys       [InnerSize]uint64
	Values     [LeafSize]uint64
	Children   [InnerSize + 1]NodeRef
}

// Reset returns the node to the empty leaf state.
func (n *Node) Reset() {
	n.Depth = 0
	n.NumberKeys = 0
	for i := range n.Keys {
		n.Keys[i] = 0
	}
	for i := range n.Values {
		n.Values[i] = 0
	}
	for i := range n.Children {
		n.Children[i] = invalidNodeRef
	}
}

// Empty returns whether the node holds no keys.
func (n *Node) Empty() bool {
	return n.NumberKeys == 0
}

// leafPositionFor returns the slot of the first key that is greater
// than or equal to key, which is where an insert of key belongs.
func leafPositionFor(key uint64, n *Node) int {
	i := 0
	for i < int(n.NumberKeys) && n.Keys[i] < key {
		i++
	}
	return i
}

// innerPositionFor returns the child an inner-node descent for key
// must follow: the rightmost child whose separating key does not
// exceed key. Keys equal to a separator live in the child to its
// right, matching how leaf splits copy the right half's first key up.
func innerPositionFor(key uint64, n *Node) int {
	i := 0
	for i < int(n.NumberKeys) && n.Keys[i] <= key {
		i++
	}
	return i
}
