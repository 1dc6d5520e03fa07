// Package fs provides the append-only file layer and the filesystem
// assembly on top of the consistency core: files are chains of File
// blocks linked through their tails, and a persisted index tree keyed
// by (inode, offset) maps file contents back to block addresses. The
// tree root is committed through the wandering super block on every
// durable change.
package fs

import (
	"github.com/nandfs/nandfs/pkg/allocator"
	"github.com/nandfs/nandfs/pkg/flash"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BlockVisitor is called for every block of a file chain during Walk.
type BlockVisitor func(block flash.BlockIndex)

// unsealedBlock marks a read cursor sitting in a block whose tail has
// not been written yet; its payload extent is bounded by the file size
// instead of a tail record.
const unsealedBlock = 0xffffffff

// BlockedFile is an append-only file stored as a chain of File
// blocks. Each block carries a BlockHead in its first sector (linking
// back to its predecessor), data in the sectors between, and a
// BlockTail in its last sector (linking forward and recording how many
// payload bytes the block holds). The tail is written when the block
// is sealed; the final block of a chain has none, and its payload is
// recovered by scanning. Writes are buffered per sector so that the
// medium sees whole-sector appends; only Close writes a partial
// sector.
type BlockedFile struct {
	storage flash.StorageBackend
	blocks  allocator.ReusableBlockAllocator

	beginning    flash.BlockIndex
	head         flash.BlockAddress
	buffer       []byte
	bytesInBlock uint32
	size         uint64
	version      uint32

	readonly     bool
	readPosition uint64
	readAddress  flash.BlockAddress
	readBytes    uint32
}

// Files opens blocked files over a backend and an allocator.
type Files struct {
	storage flash.StorageBackend
	blocks  allocator.ReusableBlockAllocator
}

// NewFiles creates a file opener.
func NewFiles(storage flash.StorageBackend, blocks allocator.ReusableBlockAllocator) *Files {
	return &Files{
		storage: storage,
		blocks:  blocks,
	}
}

// OpenWrite starts a fresh file chain and returns it opened for
// appending. The version tags the chain's generation; erase-and-
// rewrite cycles bump it.
func (f *Files) OpenWrite(version uint32) (*BlockedFile, error) {
	bf := &BlockedFile{
		storage:   f.storage,
		blocks:    f.blocks,
		beginning: flash.InvalidBlock,
		head:      flash.InvalidBlockAddress,
		version:   version,
	}
	block, err := bf.initializeBlock(flash.InvalidBlock)
	if err != nil {
		return nil, err
	}
	bf.beginning = block
	bf.head = flash.BlockAddress{Block: block, Position: f.storage.Geometry().SectorSize}
	return bf, nil
}

// OpenRead opens an existing chain at its first block.
func (f *Files) OpenRead(beginning flash.BlockIndex) (*BlockedFile, error) {
	bf := &BlockedFile{
		storage:   f.storage,
		blocks:    f.blocks,
		beginning: beginning,
		head:      flash.InvalidBlockAddress,
		readonly:  true,
	}
	var head flash.BlockHead
	if err := bf.readBlockHead(beginning, &head); err != nil {
		return nil, err
	}
	bf.version = head.Timestamp
	size, err := bf.measure()
	if err != nil {
		return nil, err
	}
	bf.size = size
	if err := bf.seekBlock(beginning); err != nil {
		return nil, err
	}
	return bf, nil
}

// Beginning returns the first block of the chain.
func (bf *BlockedFile) Beginning() flash.BlockIndex {
	return bf.beginning
}

// Size returns the number of payload bytes in the chain.
func (bf *BlockedFile) Size() uint64 {
	return bf.size
}

// Version returns the chain's generation counter.
func (bf *BlockedFile) Version() uint32 {
	return bf.version
}

// Head returns the current append position.
func (bf *BlockedFile) Head() flash.BlockAddress {
	return bf.head
}

func (bf *BlockedFile) geometry() flash.Geometry {
	return bf.storage.Geometry()
}

// dataSectorsPerBlock is the number of payload sectors in a File
// block: everything between the header sector and the tail sector.
func (bf *BlockedFile) dataSectorsPerBlock() uint32 {
	return bf.geometry().SectorsPerBlock() - 2
}

func (bf *BlockedFile) readBlockHead(block flash.BlockIndex, head *flash.BlockHead) error {
	var buffer [flash.BlockHeadSize]byte
	if err := bf.storage.ReadSector(flash.SectorAddress{Block: block, Sector: 0}, 0, buffer[:]); err != nil {
		return err
	}
	if !head.Decode(buffer[:]) || head.Type != flash.BlockTypeFile {
		return status.Errorf(codes.NotFound, "Block %d does not hold file data", block)
	}
	return nil
}

func (bf *BlockedFile) readBlockTail(block flash.BlockIndex, tail *flash.BlockTail) (bool, error) {
	var buffer [flash.BlockTailSize]byte
	if err := bf.storage.ReadSector(flash.TailSectorAddress(bf.geometry(), block), 0, buffer[:]); err != nil {
		return false, err
	}
	return tail.Decode(buffer[:]), nil
}

// initializeBlock allocates and formats the next block of the chain,
// linking it back to previous.
func (bf *BlockedFile) initializeBlock(previous flash.BlockIndex) (flash.BlockIndex, error) {
	record := bf.blocks.Allocate(flash.BlockTypeFile)
	if !record.Valid() {
		return flash.InvalidBlock, status.Error(codes.ResourceExhausted, "No free block for file data")
	}
	if !record.Erased {
		if err := bf.storage.Erase(record.Block); err != nil {
			return flash.InvalidBlock, flash.StatusWrapf(err, "Failed to erase block %d", record.Block)
		}
	}
	head := flash.BlockHead{
		Type:      flash.BlockTypeFile,
		Age:       record.Age + 1,
		Timestamp: bf.version,
		Linked:    previous,
	}
	var buffer [flash.BlockHeadSize]byte
	head.Encode(buffer[:])
	if err := bf.storage.WriteSector(flash.SectorAddress{Block: record.Block, Sector: 0}, 0, buffer[:]); err != nil {
		return flash.InvalidBlock, flash.StatusWrapf(err, "Failed to write file block header at block %d", record.Block)
	}
	return record.Block, nil
}

// Write appends p to the file. Data is buffered until a whole sector
// is available.
func (bf *BlockedFile) Write(p []byte) (int, error) {
	if bf.readonly {
		return 0, status.Error(codes.FailedPrecondition, "File is opened read-only")
	}
	written := 0
	sectorSize := int(bf.geometry().SectorSize)
	for len(p) > 0 {
		room := sectorSize - len(bf.buffer)
		n := len(p)
		if n > room {
			n = room
		}
		bf.buffer = append(bf.buffer, p[:n]...)
		p = p[n:]
		written += n
		bf.size += uint64(n)
		if len(bf.buffer) == sectorSize {
			if err := bf.flushSector(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// flushSector writes the buffered sector at the head position and
// seals the block when its data area is exhausted.
func (bf *BlockedFile) flushSector() error {
	g := bf.geometry()
	if err := bf.storage.WriteSector(bf.head.SectorAddress(g), 0, bf.buffer); err != nil {
		return flash.StatusWrapf(err, "Failed to write file data at %s", bf.head)
	}
	bf.bytesInBlock += uint32(len(bf.buffer))
	bf.buffer = bf.buffer[:0]
	bf.head.Add(g.SectorSize)

	if bf.head.TailSector(g) {
		// The data area is full: start the next block, then seal
		// this one. Writing the tail last means a torn seal
		// leaves the chain readable up to the old end.
		next, err := bf.initializeBlock(bf.head.Block)
		if err != nil {
			return err
		}
		tail := flash.BlockTail{
			Linked:       next,
			BytesInBlock: bf.bytesInBlock,
		}
		var buffer [flash.BlockTailSize]byte
		tail.Encode(buffer[:])
		if err := bf.storage.WriteSector(flash.TailSectorAddress(g, bf.head.Block), 0, buffer[:]); err != nil {
			return flash.StatusWrapf(err, "Failed to write file block tail at block %d", bf.head.Block)
		}
		bf.bytesInBlock = 0
		bf.head = flash.BlockAddress{Block: next, Position: g.SectorSize}
	}
	return nil
}

// Close flushes any buffered partial sector. The chain remains
// readable afterwards; the file object must not be used again.
func (bf *BlockedFile) Close() error {
	if bf.readonly || len(bf.buffer) == 0 {
		return nil
	}
	g := bf.geometry()
	if err := bf.storage.WriteSector(bf.head.SectorAddress(g), 0, bf.buffer); err != nil {
		return flash.StatusWrapf(err, "Failed to write file data at %s", bf.head)
	}
	bf.bytesInBlock += uint32(len(bf.buffer))
	bf.head.Add(uint32(len(bf.buffer)))
	bf.buffer = bf.buffer[:0]
	return nil
}

// Walk visits every block of the chain in order.
func (bf *BlockedFile) Walk(visitor BlockVisitor) error {
	block := bf.beginning
	for {
		visitor(block)
		var tail flash.BlockTail
		valid, err := bf.readBlockTail(block, &tail)
		if err != nil {
			return err
		}
		if !valid {
			return nil
		}
		block = tail.Linked
	}
}

// measure computes the chain's payload size: sealed blocks record it
// in their tails, the final block is scanned. Erased flash reads back
// as 0xff, so a trailing run of 0xff is indistinguishable from
// unwritten space and does not count.
func (bf *BlockedFile) measure() (uint64, error) {
	g := bf.geometry()
	size := uint64(0)
	block := bf.beginning
	for {
		var tail flash.BlockTail
		valid, err := bf.readBlockTail(block, &tail)
		if err != nil {
			return 0, err
		}
		if valid {
			size += uint64(tail.BytesInBlock)
			block = tail.Linked
			continue
		}

		sector := make([]byte, g.SectorSize)
		for s := uint32(1); s <= bf.dataSectorsPerBlock(); s++ {
			if err := bf.storage.ReadSector(flash.SectorAddress{Block: block, Sector: s}, 0, sector); err != nil {
				return 0, err
			}
			n := len(sector)
			for n > 0 && sector[n-1] == 0xff {
				n--
			}
			size += uint64(n)
			if n < len(sector) {
				break
			}
		}
		return size, nil
	}
}

// seekBlock positions the read cursor at the first data byte of a
// block.
func (bf *BlockedFile) seekBlock(block flash.BlockIndex) error {
	g := bf.geometry()
	bf.readAddress = flash.BlockAddress{Block: block, Position: g.SectorSize}
	var tail flash.BlockTail
	valid, err := bf.readBlockTail(block, &tail)
	if err != nil {
		return err
	}
	if valid {
		bf.readBytes = tail.BytesInBlock
	} else {
		bf.readBytes = unsealedBlock
	}
	return nil
}

// Read copies payload bytes from the chain into p, following tails
// across blocks. It returns 0 at the end of the file.
func (bf *BlockedFile) Read(p []byte) (int, error) {
	if !bf.readonly {
		return 0, status.Error(codes.FailedPrecondition, "File is opened for writing")
	}
	g := bf.geometry()
	read := 0
	for len(p) > 0 && bf.readPosition < bf.size {
		consumedInBlock := bf.readAddress.Position - g.SectorSize
		if consumedInBlock >= bf.readBytes {
			var tail flash.BlockTail
			valid, err := bf.readBlockTail(bf.readAddress.Block, &tail)
			if err != nil {
				return read, err
			}
			if !valid {
				return read, nil
			}
			if err := bf.seekBlock(tail.Linked); err != nil {
				return read, err
			}
			continue
		}

		n := uint32(len(p))
		if remaining := bf.readAddress.RemainingInSector(g); n > remaining {
			n = remaining
		}
		if inBlock := bf.readBytes - consumedInBlock; bf.readBytes != unsealedBlock && n > inBlock {
			n = inBlock
		}
		if left := bf.size - bf.readPosition; uint64(n) > left {
			n = uint32(left)
		}
		if err := flash.Read(bf.storage, bf.readAddress, p[:n]); err != nil {
			return read, err
		}
		p = p[n:]
		read += int(n)
		bf.readPosition += uint64(n)
		bf.readAddress.Add(n)
		if bf.readAddress.TailSector(g) && bf.readBytes == unsealedBlock {
			// Ran off the data area of an unsealed block.
			return read, nil
		}
	}
	return read, nil
}

// Erase walks the chain and returns every block to the allocator. The
// file must not be used afterwards.
func (bf *BlockedFile) Erase() error {
	block := bf.beginning
	for block != flash.InvalidBlock {
		var head flash.BlockHead
		if err := bf.readBlockHead(block, &head); err != nil {
			return err
		}
		var tail flash.BlockTail
		valid, err := bf.readBlockTail(block, &tail)
		if err != nil {
			return err
		}
		bf.blocks.Free(block, head.Age)
		if !valid {
			break
		}
		block = tail.Linked
	}
	return nil
}
