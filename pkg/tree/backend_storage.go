package tree

import (
	"sync"

	"github.com/nandfs/nandfs/pkg/allocator"
	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	storageBackendNodeStoragePrometheusMetrics sync.Once

	storageBackendNodeStorageSerializations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nandfs",
			Subsystem: "tree",
			Name:      "node_storage_serializations_total",
			Help:      "Number of node records appended by StorageBackendNodeStorage",
		})
	storageBackendNodeStorageBlockAllocations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nandfs",
			Subsystem: "tree",
			Name:      "node_storage_block_allocations_total",
			Help:      "Number of tree blocks initialized by StorageBackendNodeStorage",
		})
)

// StorageBackendNodeStorage appends serialized nodes into Tree blocks
// on a storage backend. It keeps a cursor at the last written record
// and allocates a fresh Tree block whenever the current one fills up.
// Records never cross sector boundaries.
type StorageBackendNodeStorage struct {
	storage  flash.StorageBackend
	blocks   allocator.BlockAllocator
	location flash.BlockAddress
}

var _ NodeStorage = (*StorageBackendNodeStorage)(nil)

// NewStorageBackendNodeStorage creates node storage on top of a
// backend and an allocator.
func NewStorageBackendNodeStorage(storage flash.StorageBackend, blocks allocator.BlockAllocator) *StorageBackendNodeStorage {
	storageBackendNodeStoragePrometheusMetrics.Do(func() {
		prometheus.MustRegister(storageBackendNodeStorageSerializations)
		prometheus.MustRegister(storageBackendNodeStorageBlockAllocations)
	})

	return &StorageBackendNodeStorage{
		storage:  storage,
		blocks:   blocks,
		location: flash.InvalidBlockAddress,
	}
}

// Location returns the address of the most recently written record.
func (ns *StorageBackendNodeStorage) Location() flash.BlockAddress {
	return ns.location
}

func (ns *StorageBackendNodeStorage) Deserialize(addr flash.BlockAddress, node *Node, head *TreeHead) error {
	var serializer NodeSerializer
	var buffer [NodeRecordSize]byte
	if err := flash.Read(ns.storage, addr, buffer[:]); err != nil {
		return flash.StatusWrapf(err, "Failed to read node at %s", addr)
	}
	if !serializer.Deserialize(buffer[:], node, head) {
		return ErrNodeInvalid
	}
	return nil
}

func (ns *StorageBackendNodeStorage) Serialize(addr flash.BlockAddress, node *Node, head *TreeHead) (flash.BlockAddress, error) {
	var serializer NodeSerializer
	geometry := ns.storage.Geometry()
	required := serializer.Size()

	// The incoming address is always discarded: nodes are never
	// rewritten in place, updates go to the end of the log.
	if !ns.location.Valid() {
		location, err := ns.initializeBlock()
		if err != nil {
			return flash.InvalidBlockAddress, err
		}
		ns.location = location
	} else {
		ns.location.Add(required)
		if !ns.location.FindRoom(geometry, required) {
			location, err := ns.initializeBlock()
			if err != nil {
				return flash.InvalidBlockAddress, err
			}
			ns.location = location
		}
	}

	var buffer [NodeRecordSize]byte
	serializer.Serialize(buffer[:], node, head)
	if err := flash.Write(ns.storage, ns.location, buffer[:]); err != nil {
		return flash.InvalidBlockAddress, flash.StatusWrapf(err, "Failed to write node at %s", ns.location)
	}
	storageBackendNodeStorageSerializations.Inc()
	return ns.location, nil
}

// initializeBlock allocates and erases a fresh Tree block, writes its
// header and returns the address of its first record slot.
func (ns *StorageBackendNodeStorage) initializeBlock() (flash.BlockAddress, error) {
	record := ns.blocks.Allocate(flash.BlockTypeTree)
	if !record.Valid() {
		return flash.InvalidBlockAddress, status.Error(codes.ResourceExhausted, "No free block for tree nodes")
	}
	if !record.Erased {
		if err := ns.storage.Erase(record.Block); err != nil {
			return flash.InvalidBlockAddress, flash.StatusWrapf(err, "Failed to erase block %d", record.Block)
		}
	}

	head := flash.BlockHead{
		Type:      flash.BlockTypeTree,
		Age:       record.Age,
		Timestamp: 0,
		Linked:    flash.InvalidBlock,
	}
	var buffer [flash.BlockHeadSize]byte
	head.Encode(buffer[:])
	if err := ns.storage.WriteSector(flash.SectorAddress{Block: record.Block, Sector: 0}, 0, buffer[:]); err != nil {
		return flash.InvalidBlockAddress, flash.StatusWrapf(err, "Failed to write tree block header at block %d", record.Block)
	}
	storageBackendNodeStorageBlockAllocations.Inc()
	return flash.BlockAddress{Block: record.Block, Position: ns.storage.Geometry().SectorSize}, nil
}

// FindHead walks a Tree block and returns the address of the last
// decodable record. Because a flush always writes the root last, that
// record is the most recent root version in the block. An invalid
// address is returned when the block holds no records at all.
func (ns *StorageBackendNodeStorage) FindHead(block flash.BlockIndex) (flash.BlockAddress, error) {
	var serializer NodeSerializer
	geometry := ns.storage.Geometry()
	required := serializer.Size()

	iter := flash.BlockAddress{Block: block, Position: 0}
	found := flash.InvalidBlockAddress

	for iter.RemainingInBlock(geometry) > required {
		if iter.BeginningOfBlock() {
			var buffer [flash.BlockHeadSize]byte
			if err := flash.Read(ns.storage, iter, buffer[:]); err != nil {
				return flash.InvalidBlockAddress, err
			}
			var head flash.BlockHead
			if !head.Decode(buffer[:]) || head.Type != flash.BlockTypeTree {
				return found, nil
			}
			iter.Add(geometry.SectorSize)
			continue
		}

		if !iter.FindRoom(geometry, required) {
			break
		}
		var node Node
		var head TreeHead
		if err := ns.Deserialize(iter, &node, &head); err != nil {
			break
		}
		found = iter
		iter.Add(required)
	}

	return found, nil
}
