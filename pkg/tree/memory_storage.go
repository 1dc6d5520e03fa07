package tree

import (
	"github.com/nandfs/nandfs/pkg/flash"
)

type storedNode struct {
	node    Node
	head    TreeHead
	hasHead bool
}

// InMemoryNodeStorage is a NodeStorage backed by process memory. It
// exists so that the tree can be exercised without a storage medium;
// the backend-backed implementation is what production uses.
type InMemoryNodeStorage struct {
	nodes    map[flash.BlockAddress]storedNode
	position uint32
}

var _ NodeStorage = (*InMemoryNodeStorage)(nil)

// NewInMemoryNodeStorage creates an empty in-memory node store.
func NewInMemoryNodeStorage() *InMemoryNodeStorage {
	return &InMemoryNodeStorage{
		nodes: map[flash.BlockAddress]storedNode{},
	}
}

func (ns *InMemoryNodeStorage) Deserialize(addr flash.BlockAddress, node *Node, head *TreeHead) error {
	stored, ok := ns.nodes[addr]
	if !ok {
		return ErrNodeInvalid
	}
	*node = stored.node
	if head != nil && stored.hasHead {
		*head = stored.head
	}
	return nil
}

func (ns *InMemoryNodeStorage) Serialize(addr flash.BlockAddress, node *Node, head *TreeHead) (flash.BlockAddress, error) {
	// Like media-backed storage, earlier versions are never
	// overwritten: the incoming address is discarded and the node
	// is appended at a fresh one.
	ns.position += NodeRecordSize
	assigned := flash.BlockAddress{Block: 0, Position: ns.position}

	stored := storedNode{node: *node}
	// Only addresses survive serialization; cache slots do not.
	for i := range stored.node.Children {
		stored.node.Children[i] = RefForAddress(stored.node.Children[i].Address())
	}
	if head != nil {
		stored.head = *head
		stored.hasHead = true
	}
	ns.nodes[assigned] = stored
	return assigned, nil
}
