package superblock

import (
	"sync"

	"github.com/nandfs/nandfs/pkg/allocator"
	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	managerPrometheusMetrics sync.Once

	managerSaves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nandfs",
			Subsystem: "superblock",
			Name:      "manager_saves_total",
			Help:      "Number of super block revisions committed through Manager",
		})
	managerMigrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nandfs",
			Subsystem: "superblock",
			Name:      "manager_migrations_total",
			Help:      "Number of times a chain tier migrated to a freshly allocated block",
		})
)

// BlockVisitor is called for every block the super block chain passes
// through during a Walk.
type BlockVisitor func(block flash.BlockIndex)

// Manager locates, creates and saves the super block through the
// wandering chain. The payload handed to Locate, Create and Save is
// the caller's serialized state; the manager prefixes it with the
// chain record, so a payload may be at most one sector minus
// SuperBlockLinkSize bytes long.
type Manager struct {
	storage flash.StorageBackend
	blocks  allocator.ReusableBlockAllocator

	location flash.SectorAddress
	link     SuperBlockLink
}

// NewManager creates a manager on top of a backend and a reusable
// allocator. The allocator must treat AnchorBlocks as reserved.
func NewManager(storage flash.StorageBackend, blocks allocator.ReusableBlockAllocator) *Manager {
	managerPrometheusMetrics.Do(func() {
		prometheus.MustRegister(managerSaves)
		prometheus.MustRegister(managerMigrations)
	})

	return &Manager{
		storage:  storage,
		blocks:   blocks,
		location: flash.InvalidSectorAddress,
	}
}

// Location returns the sector currently holding the super block.
func (m *Manager) Location() flash.SectorAddress {
	return m.location
}

// Timestamp returns the logical revision of the super block.
func (m *Manager) Timestamp() uint32 {
	return m.link.Head.Timestamp
}

func (m *Manager) checkPayloadSize(payload []byte) error {
	if max := m.storage.Geometry().SectorSize - SuperBlockLinkSize; uint32(len(payload)) > max {
		return status.Errorf(codes.InvalidArgument, "Payload of %d bytes exceeds the %d bytes a sector can hold", len(payload), max)
	}
	return nil
}

// readLink reads the chain record at the beginning of a sector.
func (m *Manager) readLink(addr flash.SectorAddress, link *SuperBlockLink) (bool, error) {
	var buffer [SuperBlockLinkSize]byte
	if err := m.storage.ReadSector(addr, 0, buffer[:]); err != nil {
		return false, flash.StatusWrapf(err, "Failed to read chain record at %s", addr)
	}
	return link.Decode(buffer[:]), nil
}

// writeRecord writes a chain record, optionally followed by the super
// block payload, at the beginning of a sector.
func (m *Manager) writeRecord(addr flash.SectorAddress, link *SuperBlockLink, payload []byte) error {
	buffer := make([]byte, SuperBlockLinkSize+len(payload))
	link.Encode(buffer)
	copy(buffer[SuperBlockLinkSize:], payload)
	if err := m.storage.WriteSector(addr, 0, buffer); err != nil {
		return flash.StatusWrapf(err, "Failed to write chain record at %s", addr)
	}
	return nil
}

// findLink scans a block's sectors in ascending order and keeps the
// record with the greatest timestamp in found/where. The first test
// against TimestampInvalid makes an uninitialized found adopt the
// first record it sees, and keeps the scan stable after a timestamp
// wraparound: the record following one that held the maximum value
// still wins.
func (m *Manager) findLink(block flash.BlockIndex, found *SuperBlockLink, where *flash.SectorAddress) error {
	sectorsPerBlock := m.storage.Geometry().SectorsPerBlock()
	for sector := uint32(0); sector < sectorsPerBlock; sector++ {
		addr := flash.SectorAddress{Block: block, Sector: sector}
		var link SuperBlockLink
		valid, err := m.readLink(addr, &link)
		if err != nil {
			return err
		}
		if !valid {
			break
		}
		if found.Head.Timestamp == flash.TimestampInvalid || link.Head.Timestamp > found.Head.Timestamp {
			*found = link
			*where = addr
		}
	}
	return nil
}

// walk follows the chain from the anchors. With desired set to a block
// index it stops at the record pointing to that block; with desired set
// to InvalidBlock it runs to the end of the chain, whose terminating
// record carries an invalid ChainedBlock.
func (m *Manager) walk(desired flash.BlockIndex, visitor BlockVisitor) (SuperBlockLink, flash.SectorAddress, error) {
	link := SuperBlockLink{Head: flash.BlockHead{Timestamp: flash.TimestampInvalid}}
	where := flash.InvalidSectorAddress

	for _, anchor := range AnchorBlocks {
		if err := m.findLink(anchor, &link, &where); err != nil {
			return SuperBlockLink{}, flash.InvalidSectorAddress, err
		}
	}
	if !where.Valid() {
		return SuperBlockLink{}, flash.InvalidSectorAddress, status.Error(codes.NotFound, "No chain record in the anchor blocks")
	}
	if desired != flash.InvalidBlock && link.ChainedBlock == desired {
		return link, where, nil
	}

	for i := 0; i < ChainLength+1; i++ {
		if visitor != nil {
			visitor(link.ChainedBlock)
		}
		if err := m.findLink(link.ChainedBlock, &link, &where); err != nil {
			return SuperBlockLink{}, flash.InvalidSectorAddress, err
		}
		if link.ChainedBlock == desired {
			return link, where, nil
		}
	}
	return SuperBlockLink{}, flash.InvalidSectorAddress, status.Errorf(codes.NotFound, "No chain record pointing at block %d", desired)
}

// Locate walks the chain from the anchors and reads the current super
// block payload into payload. It returns NotFound on an unformatted
// medium.
func (m *Manager) Locate(payload []byte) error {
	if err := m.checkPayloadSize(payload); err != nil {
		return err
	}
	m.location = flash.InvalidSectorAddress

	link, where, err := m.walk(flash.InvalidBlock, nil)
	if err != nil {
		return err
	}
	m.location = where
	m.link = link

	buffer := make([]byte, SuperBlockLinkSize+len(payload))
	if err := m.storage.ReadSector(where, 0, buffer); err != nil {
		return flash.StatusWrapf(err, "Failed to read super block at %s", where)
	}
	copy(payload, buffer[SuperBlockLinkSize:])
	return nil
}

// Walk visits every block the chain currently passes through, from the
// first tier below the anchors down to the super block itself.
func (m *Manager) Walk(visitor BlockVisitor) error {
	_, _, err := m.walk(flash.InvalidBlock, visitor)
	return err
}

// Create formats a fresh chain: it allocates the super block and
// ChainLength link blocks, writes the tier records with decreasing
// timestamps so that every tier outranks the one pointing at it, then
// overwrites both anchors. The update callback, if any, runs after the
// chain layout is fixed and before the payload write, so callers can
// fill in payload fields that depend on the blocks just chosen; it
// returns the payload to write.
func (m *Manager) Create(payload []byte, update func() []byte) error {
	if err := m.checkPayloadSize(payload); err != nil {
		return err
	}

	link := SuperBlockLink{
		Head: flash.BlockHead{
			Type:      flash.BlockTypeSuperBlockLink,
			Age:       0,
			Timestamp: ChainLength + 2 + 1,
			Linked:    flash.InvalidBlock,
		},
		ChainedBlock: flash.InvalidBlock,
	}

	superBlockBlock := flash.InvalidBlock
	for i := 0; i < ChainLength+1; i++ {
		blockType := flash.BlockTypeSuperBlockLink
		if i == 0 {
			blockType = flash.BlockTypeSuperBlock
		}
		record := m.blocks.Allocate(blockType)
		if !record.Valid() {
			return status.Error(codes.ResourceExhausted, "No free block for the super block chain")
		}
		if err := m.storage.Erase(record.Block); err != nil {
			return flash.StatusWrapf(err, "Failed to erase block %d", record.Block)
		}

		// The first block allocated is the one that receives the
		// payload; its record is written last, below.
		if i == 0 {
			superBlockBlock = record.Block
			m.link = link
			m.link.Head.Type = flash.BlockTypeSuperBlock
		} else {
			if err := m.writeRecord(flash.SectorAddress{Block: record.Block, Sector: 0}, &link, nil); err != nil {
				return err
			}
		}

		link.ChainedBlock = record.Block
		link.Head.Timestamp--
	}

	// Both anchors are rewritten so that records from an earlier
	// formatting cannot outrank the new chain.
	for _, anchor := range AnchorBlocks {
		link.Head.Type = flash.BlockTypeAnchor
		if err := m.storage.Erase(anchor); err != nil {
			return flash.StatusWrapf(err, "Failed to erase anchor %d", anchor)
		}
		if err := m.writeRecord(flash.SectorAddress{Block: anchor, Sector: 0}, &link, nil); err != nil {
			return err
		}
		link.Head.Timestamp--
	}

	if update != nil {
		payload = update()
		if err := m.checkPayloadSize(payload); err != nil {
			return err
		}
	}
	if err := m.writeRecord(flash.SectorAddress{Block: superBlockBlock, Sector: 0}, &m.link, payload); err != nil {
		return err
	}

	return m.Locate(payload)
}

// pendingWrite is a record on its way through a rollover, paired with
// the payload bytes that follow it in its sector.
type pendingWrite struct {
	blockType flash.BlockType
	link      *SuperBlockLink
	payload   []byte
}

// rollover advances one sector past addr and writes the pending
// record there. A full non-anchor block migrates to a freshly
// allocated one; the record in the tier above that pointed at the old
// block is then rewritten, recursively, through the same rollover. A
// full anchor block rolls over into the other anchor. The write of
// the new location always completes before any tier above is touched,
// so a crash leaves either the old or the new chain discoverable.
func (m *Manager) rollover(addr flash.SectorAddress, pending pendingWrite) (flash.SectorAddress, error) {
	addr.Sector++
	if addr.Sector < m.storage.Geometry().SectorsPerBlock() {
		if err := m.writeRecord(addr, pending.link, pending.payload); err != nil {
			return flash.InvalidSectorAddress, err
		}
		return addr, nil
	}

	for i, anchor := range AnchorBlocks {
		if anchor != addr.Block {
			continue
		}
		relocated := flash.SectorAddress{
			Block:  AnchorBlocks[(i+1)%len(AnchorBlocks)],
			Sector: 0,
		}
		if err := m.storage.Erase(relocated.Block); err != nil {
			return flash.InvalidSectorAddress, flash.StatusWrapf(err, "Failed to erase anchor %d", relocated.Block)
		}
		if err := m.writeRecord(relocated, pending.link, pending.payload); err != nil {
			return flash.InvalidSectorAddress, err
		}
		return relocated, nil
	}

	record := m.blocks.Allocate(pending.blockType)
	if !record.Valid() {
		return flash.InvalidSectorAddress, status.Error(codes.ResourceExhausted, "No free block to migrate the chain to")
	}
	relocated := flash.SectorAddress{Block: record.Block, Sector: 0}
	if !record.Erased {
		if err := m.storage.Erase(record.Block); err != nil {
			return flash.InvalidSectorAddress, flash.StatusWrapf(err, "Failed to erase block %d", record.Block)
		}
	}
	pending.link.Head.Age = record.Age + 1
	if err := m.writeRecord(relocated, pending.link, pending.payload); err != nil {
		return flash.InvalidSectorAddress, err
	}
	managerMigrations.Inc()

	// The old block is unreachable once the tier above points at the
	// new one. Find the record that references it, rechain it and
	// roll it over in turn.
	link, previous, err := m.walk(addr.Block, nil)
	if err != nil {
		return flash.InvalidSectorAddress, err
	}
	link.Head.Timestamp++
	link.ChainedBlock = record.Block
	if _, err := m.rollover(previous, pendingWrite{
		blockType: flash.BlockTypeSuperBlockLink,
		link:      &link,
	}); err != nil {
		return flash.InvalidSectorAddress, err
	}

	m.blocks.Free(addr.Block, link.Head.Age)
	return relocated, nil
}

// Save commits a new revision of the super block. The common case is
// a single sector write; when sectors run out the chain migrates as
// far up as needed.
func (m *Manager) Save(payload []byte) error {
	if err := m.checkPayloadSize(payload); err != nil {
		return err
	}
	if !m.location.Valid() {
		return status.Error(codes.FailedPrecondition, "Super block has not been located")
	}

	m.link.Head.Timestamp++

	relocated, err := m.rollover(m.location, pendingWrite{
		blockType: flash.BlockTypeSuperBlock,
		link:      &m.link,
		payload:   payload,
	})
	if err != nil {
		return err
	}
	m.location = relocated
	managerSaves.Inc()
	return nil
}
