package tree

import (
	"fmt"

	"github.com/nandfs/nandfs/pkg/flash"
)

// NodeCache is a bounded arena of in-memory nodes addressed by small
// slot indices. All nodes touched by a single tree operation live in
// the cache; a mutation ends with Flush, which writes the modified
// subtree out children-first, and a read-only operation ends with
// Clear. Slots are stable for the lifetime of an operation, so refs
// can be rewritten in place during the flush without chasing pointers.
//
// The cache must be large enough for the deepest path a mutation can
// touch plus the nodes a cascading split allocates; overflowing it is
// a programming error, not an I/O condition, and panics.
type NodeCache struct {
	storage     NodeStorage
	nodes       []Node
	pending     []NodeRef
	index       int
	information TreeHead
}

// NewNodeCache creates a cache of the given number of slots on top of
// a NodeStorage.
func NewNodeCache(storage NodeStorage, size int) *NodeCache {
	return &NodeCache{
		storage: storage,
		nodes:   make([]Node, size),
		pending: make([]NodeRef, size),
	}
}

// Storage returns the NodeStorage the cache flushes into.
func (c *NodeCache) Storage() NodeStorage {
	return c.storage
}

// Resolve returns the in-memory node a resident ref points at.
func (c *NodeCache) Resolve(ref NodeRef) *Node {
	if !ref.resident() {
		panic("tree: resolving a ref that is not resident in the cache")
	}
	return &c.nodes[ref.index]
}

// Allocate claims the next slot for a fresh node and returns a ref
// with no on-media address.
func (c *NodeCache) Allocate() NodeRef {
	if c.index == len(c.nodes) {
		panic(fmt.Sprintf("tree: node cache overflow at %d slots", len(c.nodes)))
	}
	i := c.index
	c.index++
	c.nodes[i].Reset()
	ref := NodeRef{index: i, address: flash.InvalidBlockAddress}
	c.pending[i] = ref
	return ref
}

// Load claims a slot and deserializes the node at ref's address into
// it. With head set, the TreeHead stored alongside the node is
// adopted as the cache's revision counter. The returned ref unifies
// the slot index and the address.
func (c *NodeCache) Load(ref NodeRef, head bool) (NodeRef, error) {
	if !ref.address.Valid() {
		panic("tree: loading a ref without an address")
	}

	newRef := c.Allocate()
	ref.index = newRef.index
	c.pending[ref.index] = ref

	var information *TreeHead
	if head {
		information = &c.information
	}
	if err := c.storage.Deserialize(ref.address, &c.nodes[ref.index], information); err != nil {
		return invalidNodeRef, flash.StatusWrapf(err, "Failed to load node at %s", ref.address)
	}
	return ref, nil
}

// Flush writes every pending node out and returns the ref of the new
// head. The deepest pending node is the logical head of the flushed
// subtree; children are serialized before their parents, each parent's
// child refs being rewritten with the children's newly assigned
// addresses, so a parent never references an address that is not yet
// on media. Only the head record carries the TreeHead, with the
// revision pre-incremented. The cache is empty afterwards.
func (c *NodeCache) Flush() (NodeRef, error) {
	if c.index == 0 {
		return invalidNodeRef, nil
	}

	headIndex := 0
	headDepth := c.nodes[c.pending[0].index].Depth
	for i := 1; i < c.index; i++ {
		if c.nodes[c.pending[i].index].Depth > headDepth {
			headDepth = c.nodes[c.pending[i].index].Depth
			headIndex = c.pending[i].index
		}
	}

	c.information.Timestamp++

	ref, err := c.flush(c.pending[headIndex], true)
	if err != nil {
		return invalidNodeRef, err
	}
	c.Clear()
	return ref, nil
}

func (c *NodeCache) flush(ref NodeRef, head bool) (NodeRef, error) {
	node := &c.nodes[ref.index]
	if node.Depth > 0 {
		for i := 0; i <= int(node.NumberKeys); i++ {
			if node.Children[i].resident() {
				child, err := c.flush(node.Children[i], false)
				if err != nil {
					return invalidNodeRef, err
				}
				node.Children[i] = child
			}
		}
	}

	var information *TreeHead
	if head {
		information = &c.information
	}
	address, err := c.storage.Serialize(ref.address, node, information)
	if err != nil {
		return invalidNodeRef, err
	}
	ref.address = address
	return ref, nil
}

// Clear drops every resident node without writing anything.
func (c *NodeCache) Clear() {
	c.index = 0
}
