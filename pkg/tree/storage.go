package tree

import (
	"github.com/nandfs/nandfs/pkg/flash"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNodeInvalid is returned by NodeStorage implementations when the
// record at an address fails to decode. Within a block this is the
// legitimate end of the append log, not a fault; it only becomes an
// error when a caller expected a node to be there.
var ErrNodeInvalid = status.Error(codes.DataLoss, "Node record is blank or corrupt")

// NodeStorage reads and writes serialized nodes. Implementations are
// append-only: Serialize assigns the node a fresh address of its own
// choosing and the incoming address is only advisory, so that earlier
// versions of a node are never overwritten.
type NodeStorage interface {
	// Deserialize reads the node at addr. A non-nil head receives
	// the TreeHead if the record carries one.
	Deserialize(addr flash.BlockAddress, node *Node, head *TreeHead) error
	// Serialize appends the node and returns the address it was
	// written at. A non-nil head is embedded in the record.
	Serialize(addr flash.BlockAddress, node *Node, head *TreeHead) (flash.BlockAddress, error)
}
