package flash_test

import (
	"testing"

	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/stretchr/testify/require"
)

func TestBlockHeadEncoding(t *testing.T) {
	head := flash.BlockHead{
		Type:      flash.BlockTypeTree,
		Age:       42,
		Timestamp: 17,
		Linked:    flash.InvalidBlock,
	}
	var buffer [flash.BlockHeadSize]byte
	head.Encode(buffer[:])

	var decoded flash.BlockHead
	require.True(t, decoded.Decode(buffer[:]))
	require.Equal(t, head, decoded)
}

func TestBlockHeadBlank(t *testing.T) {
	// Erased flash reads back as 0xff and must never decode.
	var blank [flash.BlockHeadSize]byte
	for i := range blank {
		blank[i] = 0xff
	}
	var head flash.BlockHead
	require.False(t, head.Decode(blank[:]))
}

func TestBlockTailEncoding(t *testing.T) {
	tail := flash.BlockTail{
		Linked:       9,
		BytesInBlock: 64512,
	}
	var buffer [flash.BlockTailSize]byte
	tail.Encode(buffer[:])

	var decoded flash.BlockTail
	require.True(t, decoded.Decode(buffer[:]))
	require.Equal(t, tail, decoded)

	buffer[0] ^= 0x01
	require.False(t, decoded.Decode(buffer[:]))
}
