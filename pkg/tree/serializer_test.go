package tree_test

import (
	"testing"

	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/nandfs/nandfs/pkg/tree"
	"github.com/stretchr/testify/require"
)

func TestNodeSerializerLeafRoundTrip(t *testing.T) {
	var serializer tree.NodeSerializer

	var node tree.Node
	node.Reset()
	node.NumberKeys = 3
	node.Keys[0], node.Keys[1], node.Keys[2] = 3, 17, 100
	node.Values[0], node.Values[1], node.Values[2] = 4, 5, 5738

	var buffer [tree.NodeRecordSize]byte
	serializer.Serialize(buffer[:], &node, nil)

	var decoded tree.Node
	require.True(t, serializer.Deserialize(buffer[:], &decoded, nil))
	require.Equal(t, node.Depth, decoded.Depth)
	require.Equal(t, node.NumberKeys, decoded.NumberKeys)
	require.Equal(t, node.Keys, decoded.Keys)
	require.Equal(t, node.Values, decoded.Values)
}

func TestNodeSerializerInnerRoundTrip(t *testing.T) {
	var serializer tree.NodeSerializer

	var node tree.Node
	node.Reset()
	node.Depth = 1
	node.NumberKeys = 2
	node.Keys[0], node.Keys[1] = 10, 20
	node.Children[0] = tree.RefForAddress(flash.BlockAddress{Block: 3, Position: 512})
	node.Children[1] = tree.RefForAddress(flash.BlockAddress{Block: 3, Position: 628})
	node.Children[2] = tree.RefForAddress(flash.BlockAddress{Block: 4, Position: 512})

	var buffer [tree.NodeRecordSize]byte
	serializer.Serialize(buffer[:], &node, nil)

	var decoded tree.Node
	require.True(t, serializer.Deserialize(buffer[:], &decoded, nil))
	require.Equal(t, node.Depth, decoded.Depth)
	require.Equal(t, node.NumberKeys, decoded.NumberKeys)
	for i := 0; i <= int(node.NumberKeys); i++ {
		require.Equal(t, node.Children[i].Address(), decoded.Children[i].Address())
	}
}

func TestNodeSerializerTreeHead(t *testing.T) {
	var serializer tree.NodeSerializer

	var node tree.Node
	node.Reset()
	var buffer [tree.NodeRecordSize]byte
	serializer.Serialize(buffer[:], &node, &tree.TreeHead{Timestamp: 99})

	var decoded tree.Node
	var head tree.TreeHead
	require.True(t, serializer.Deserialize(buffer[:], &decoded, &head))
	require.Equal(t, uint32(99), head.Timestamp)

	// A record written without a head leaves the caller's head
	// untouched.
	serializer.Serialize(buffer[:], &node, nil)
	head = tree.TreeHead{Timestamp: 99}
	require.True(t, serializer.Deserialize(buffer[:], &decoded, &head))
	require.Equal(t, uint32(99), head.Timestamp)
}

func TestNodeSerializerRejectsCorruption(t *testing.T) {
	var serializer tree.NodeSerializer

	var node tree.Node
	node.Reset()
	node.NumberKeys = 1
	node.Keys[0], node.Values[0] = 7, 8

	var buffer [tree.NodeRecordSize]byte
	serializer.Serialize(buffer[:], &node, nil)

	t.Run("FlippedBit", func(t *testing.T) {
		corrupt := buffer
		corrupt[10] ^= 0x40
		var decoded tree.Node
		require.False(t, serializer.Deserialize(corrupt[:], &decoded, nil))
	})

	t.Run("Blank", func(t *testing.T) {
		var blank [tree.NodeRecordSize]byte
		for i := range blank {
			blank[i] = 0xff
		}
		var decoded tree.Node
		require.False(t, serializer.Deserialize(blank[:], &decoded, nil))
	})
}
