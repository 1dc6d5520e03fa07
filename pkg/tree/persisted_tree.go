package tree

import (
	"github.com/nandfs/nandfs/pkg/flash"
)

// Visitor is called for every live node during a traversal, children
// before their parents.
type Visitor interface {
	Visit(addr flash.BlockAddress, node *Node)
}

// PersistedTree is a copy-on-write B+ tree over a NodeCache. Because
// node storage is append-only, a mutation cannot touch nodes in
// place: every node on the path from the changed leaf to the root is
// rewritten at a fresh address, and the operation yields the address
// of a new root. Earlier roots remain intact on media until their
// blocks are reclaimed, which is what makes partially failed mutations
// harmless.
type PersistedTree struct {
	cache *NodeCache
	ref   NodeRef
}

// NewPersistedTree creates an empty tree over a cache. Use SetHead to
// attach it to a root recovered from media.
func NewPersistedTree(cache *NodeCache) *PersistedTree {
	return &PersistedTree{
		cache: cache,
		ref:   invalidNodeRef,
	}
}

// SetHead points the tree at the root stored at address.
func (t *PersistedTree) SetHead(address flash.BlockAddress) {
	t.ref = RefForAddress(address)
}

// Address returns the address of the current root.
func (t *PersistedTree) Address() flash.BlockAddress {
	return t.ref.address
}

// CreateIfNecessary flushes an empty leaf as the root if the tree has
// none yet, and returns the root address.
func (t *PersistedTree) CreateIfNecessary() (flash.BlockAddress, error) {
	if t.ref.Valid() {
		return t.ref.address, nil
	}
	t.cache.Allocate()
	ref, err := t.cache.Flush()
	if err != nil {
		return flash.InvalidBlockAddress, err
	}
	t.ref = ref
	return t.ref.address, nil
}

// Find returns the value stored under key, or zero when the key is
// absent. Zero is reserved as the not-found sentinel, so it is never
// a meaningful value.
func (t *PersistedTree) Find(key uint64) (uint64, error) {
	if _, err := t.CreateIfNecessary(); err != nil {
		return 0, err
	}

	nref, err := t.cache.Load(t.ref, true)
	if err != nil {
		t.cache.Clear()
		return 0, err
	}
	node := t.cache.Resolve(nref)
	for d := node.Depth; d != 0; d-- {
		nref, err = t.loadChild(node, innerPositionFor(key, node))
		if err != nil {
			t.cache.Clear()
			return 0, err
		}
		node = t.cache.Resolve(nref)
	}

	value := uint64(0)
	if i := leafPositionFor(key, node); i < int(node.NumberKeys) && node.Keys[i] == key {
		value = node.Values[i]
	}

	t.cache.Clear()
	return value, nil
}

// Add inserts key with value, overwriting any previous value, and
// returns the address of the new root.
func (t *PersistedTree) Add(key, value uint64) (flash.BlockAddress, error) {
	if _, err := t.CreateIfNecessary(); err != nil {
		return flash.InvalidBlockAddress, err
	}

	nref, err := t.cache.Load(t.ref, true)
	if err != nil {
		t.cache.Clear()
		return flash.InvalidBlockAddress, err
	}
	node := t.cache.Resolve(nref)
	depth := node.Depth

	var outcome *splitOutcome
	if depth == 0 {
		outcome, err = t.leafInsert(nref, key, value)
	} else {
		outcome, err = t.innerInsert(nref, depth, key, value)
	}
	if err != nil {
		t.cache.Clear()
		return flash.InvalidBlockAddress, err
	}

	if outcome != nil {
		// The root split: grow the tree by one level.
		newRef := t.cache.Allocate()
		newNode := t.cache.Resolve(newRef)
		newNode.Depth = depth + 1
		newNode.NumberKeys = 1
		newNode.Keys[0] = outcome.key
		newNode.Children[0] = outcome.left
		newNode.Children[1] = outcome.right
	}

	ref, err := t.cache.Flush()
	if err != nil {
		return flash.InvalidBlockAddress, err
	}
	t.ref = ref
	return t.ref.address, nil
}

// Remove tombstones key by storing the zero value in its leaf slot,
// reporting whether the key was present. The tree is not restructured,
// so a removed key is indistinguishable from one never inserted.
func (t *PersistedTree) Remove(key uint64) (bool, error) {
	if !t.ref.Valid() {
		return false, nil
	}

	nref, err := t.cache.Load(t.ref, true)
	if err != nil {
		t.cache.Clear()
		return false, err
	}
	node := t.cache.Resolve(nref)
	for d := node.Depth; d != 0; d-- {
		nref, err = t.loadChild(node, innerPositionFor(key, node))
		if err != nil {
			t.cache.Clear()
			return false, err
		}
		node = t.cache.Resolve(nref)
	}

	if i := leafPositionFor(key, node); i < int(node.NumberKeys) && node.Keys[i] == key {
		node.Values[i] = 0
		ref, err := t.cache.Flush()
		if err != nil {
			return false, err
		}
		t.ref = ref
		return true, nil
	}
	t.cache.Clear()
	return false, nil
}

// FindLessThan returns the greatest key strictly less than key and its
// value. It answers queries of the form "the last write before offset
// X of inode I".
func (t *PersistedTree) FindLessThan(key uint64) (uint64, uint64, bool, error) {
	if !t.ref.Valid() {
		return 0, 0, false, nil
	}

	// Descend towards key, remembering which child was taken at
	// every level.
	nref, err := t.cache.Load(t.ref, true)
	if err != nil {
		t.cache.Clear()
		return 0, 0, false, err
	}
	node := t.cache.Resolve(nref)
	path := make([]int, 0, node.Depth)
	for d := node.Depth; d != 0; d-- {
		i := innerPositionFor(key, node)
		path = append(path, i)
		nref, err = t.loadChild(node, i)
		if err != nil {
			t.cache.Clear()
			return 0, 0, false, err
		}
		node = t.cache.Resolve(nref)
	}

	if i := leafPositionFor(key, node); i > 0 {
		foundKey, value := node.Keys[i-1], node.Values[i-1]
		t.cache.Clear()
		return foundKey, value, true, nil
	}
	t.cache.Clear()

	// Every key in the leaf is >= key: the predecessor, if any,
	// is the rightmost key of the subtree left of the deepest
	// ancestor where the descent did not already take the leftmost
	// child.
	back := len(path) - 1
	for back >= 0 && path[back] == 0 {
		back--
	}
	if back < 0 {
		return 0, 0, false, nil
	}

	nref, err = t.cache.Load(t.ref, true)
	if err != nil {
		t.cache.Clear()
		return 0, 0, false, err
	}
	node = t.cache.Resolve(nref)
	for level := 0; level < len(path); level++ {
		i := path[level]
		switch {
		case level == back:
			i = path[level] - 1
		case level > back:
			i = int(node.NumberKeys)
		}
		nref, err = t.loadChild(node, i)
		if err != nil {
			t.cache.Clear()
			return 0, 0, false, err
		}
		node = t.cache.Resolve(nref)
	}
	if node.Empty() {
		t.cache.Clear()
		return 0, 0, false, nil
	}
	foundKey, value := node.Keys[node.NumberKeys-1], node.Values[node.NumberKeys-1]
	t.cache.Clear()
	return foundKey, value, true, nil
}

// Accept walks every live node, visiting children before parents. The
// cache only ever holds the node being expanded, so trees of any size
// can be traversed.
func (t *PersistedTree) Accept(visitor Visitor) error {
	if !t.ref.Valid() {
		return nil
	}
	return t.acceptNode(t.ref.address, visitor)
}

func (t *PersistedTree) acceptNode(address flash.BlockAddress, visitor Visitor) error {
	ref, err := t.cache.Load(RefForAddress(address), false)
	if err != nil {
		t.cache.Clear()
		return err
	}
	node := *t.cache.Resolve(ref)
	t.cache.Clear()

	if node.Depth > 0 {
		for i := 0; i <= int(node.NumberKeys); i++ {
			if err := t.acceptNode(node.Children[i].Address(), visitor); err != nil {
				return err
			}
		}
	}
	visitor.Visit(address, &node)
	return nil
}

// Recreate rebuilds the tree by inserting every stored pair into a
// fresh root, writing the live node set into freshly written blocks.
// The previous tree becomes garbage. Pairs are reinserted in key
// order, so the rebuilt tree can hold more nodes than the one it
// replaces.
func (t *PersistedTree) Recreate() error {
	collector := &pairCollector{}
	if err := t.Accept(collector); err != nil {
		return err
	}

	t.ref = invalidNodeRef
	t.cache.Clear()
	for _, pair := range collector.pairs {
		if _, err := t.Add(pair.key, pair.value); err != nil {
			return err
		}
	}
	return nil
}

type keyValuePair struct {
	key   uint64
	value uint64
}

type pairCollector struct {
	pairs []keyValuePair
}

func (c *pairCollector) Visit(addr flash.BlockAddress, node *Node) {
	if node.Depth != 0 {
		return
	}
	for i := 0; i < int(node.NumberKeys); i++ {
		c.pairs = append(c.pairs, keyValuePair{key: node.Keys[i], value: node.Values[i]})
	}
}

// splitOutcome describes a node split: the separating key to promote
// and the two halves it separates.
type splitOutcome struct {
	key   uint64
	left  NodeRef
	right NodeRef
}

// loadChild pulls a child into the cache and records the resident ref
// in the parent, so that the flush rewrites the parent with the
// child's new address.
func (t *PersistedTree) loadChild(node *Node, i int) (NodeRef, error) {
	ref, err := t.cache.Load(node.Children[i], false)
	if err != nil {
		return invalidNodeRef, err
	}
	node.Children[i] = ref
	return ref, nil
}

func (t *PersistedTree) leafInsert(nref NodeRef, key, value uint64) (*splitOutcome, error) {
	node := t.cache.Resolve(nref)
	i := leafPositionFor(key, node)

	if node.NumberKeys == LeafSize {
		// Full leaf: move the upper half into a new sibling, then
		// insert into whichever half the key belongs to. The
		// sibling's first key is copied, not moved, up to the
		// parent.
		const threshold = (LeafSize + 1) / 2
		newRef := t.cache.Allocate()
		sibling := t.cache.Resolve(newRef)
		node = t.cache.Resolve(nref)

		sibling.Depth = node.Depth
		sibling.NumberKeys = node.NumberKeys - threshold
		for j := 0; j < int(sibling.NumberKeys); j++ {
			sibling.Keys[j] = node.Keys[threshold+j]
			sibling.Values[j] = node.Values[threshold+j]
		}
		node.NumberKeys = threshold

		if i < threshold {
			t.leafInsertNonFull(nref, i, key, value)
		} else {
			t.leafInsertNonFull(newRef, i-threshold, key, value)
		}
		return &splitOutcome{key: sibling.Keys[0], left: nref, right: newRef}, nil
	}

	t.leafInsertNonFull(nref, i, key, value)
	return nil, nil
}

func (t *PersistedTree) leafInsertNonFull(nref NodeRef, i int, key, value uint64) {
	node := t.cache.Resolve(nref)
	if i < int(node.NumberKeys) && node.Keys[i] == key {
		// Duplicate key: overwrite in place.
		node.Values[i] = value
		return
	}
	for j := int(node.NumberKeys); j > i; j-- {
		node.Keys[j] = node.Keys[j-1]
		node.Values[j] = node.Values[j-1]
	}
	node.NumberKeys++
	node.Keys[i] = key
	node.Values[i] = value
}

func (t *PersistedTree) innerInsert(nref NodeRef, level uint8, key, value uint64) (*splitOutcome, error) {
	node := t.cache.Resolve(nref)

	if node.NumberKeys == InnerSize {
		// Full inner node: promote the median, keys above it move
		// to a new sibling.
		const threshold = (InnerSize + 1) / 2
		newRef := t.cache.Allocate()
		sibling := t.cache.Resolve(newRef)
		node = t.cache.Resolve(nref)

		sibling.Depth = node.Depth
		sibling.NumberKeys = node.NumberKeys - threshold
		for i := 0; i < int(sibling.NumberKeys); i++ {
			sibling.Keys[i] = node.Keys[threshold+i]
			sibling.Children[i] = node.Children[threshold+i]
		}
		sibling.Children[sibling.NumberKeys] = node.Children[node.NumberKeys]
		node.NumberKeys = threshold - 1

		thresholdKey := node.Keys[threshold-1]
		var err error
		if key < thresholdKey {
			err = t.innerInsertNonFull(nref, level, key, value)
		} else {
			err = t.innerInsertNonFull(newRef, level, key, value)
		}
		if err != nil {
			return nil, err
		}
		return &splitOutcome{key: thresholdKey, left: nref, right: newRef}, nil
	}

	if err := t.innerInsertNonFull(nref, level, key, value); err != nil {
		return nil, err
	}
	return nil, nil
}

func (t *PersistedTree) innerInsertNonFull(nref NodeRef, level uint8, key, value uint64) error {
	node := t.cache.Resolve(nref)
	i := innerPositionFor(key, node)

	child, err := t.loadChild(node, i)
	if err != nil {
		return err
	}

	var outcome *splitOutcome
	if level-1 == 0 {
		outcome, err = t.leafInsert(child, key, value)
	} else {
		outcome, err = t.innerInsert(child, level-1, key, value)
	}
	if err != nil {
		return err
	}
	if outcome == nil {
		return nil
	}

	node = t.cache.Resolve(nref)
	if i == int(node.NumberKeys) {
		node.Keys[i] = outcome.key
		node.Children[i] = outcome.left
		node.Children[i+1] = outcome.right
		node.NumberKeys++
	} else {
		node.Children[node.NumberKeys+1] = node.Children[node.NumberKeys]
		for j := int(node.NumberKeys); j != i; j-- {
			node.Children[j] = node.Children[j-1]
			node.Keys[j] = node.Keys[j-1]
		}
		node.NumberKeys++
		node.Children[i] = outcome.left
		node.Children[i+1] = outcome.right
		node.Keys[i] = outcome.key
	}
	return nil
}
