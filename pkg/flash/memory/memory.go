// Package memory provides an in-memory StorageBackend with the same
// access discipline as real NAND media. It is primarily used by tests:
// writes to space that has not been erased are rejected instead of
// silently corrupting data, and all operations can be logged so that
// tests can replay arbitrary write prefixes to simulate power loss.
package memory

import (
	"github.com/lazybeaver/xorshift"
	"github.com/nandfs/nandfs/pkg/flash"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Operation is a single mutation applied to the backend, recorded in
// the write log when logging is enabled.
type Operation struct {
	// IsErase distinguishes block erasures from sector writes.
	IsErase bool
	Block   flash.BlockIndex
	Sector  flash.SectorAddress
	Offset  uint32
	Data    []byte
}

// Backend is an in-memory flash medium.
type Backend struct {
	geometry flash.Geometry
	data     []byte
	written  []bool
	logging  bool
	log      []Operation
}

var _ flash.StorageBackend = (*Backend)(nil)

// NewBackend creates a blank in-memory medium with the given geometry.
// The medium starts out fully erased.
func NewBackend(geometry flash.Geometry) (*Backend, error) {
	if !geometry.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "Invalid geometry %s", geometry)
	}
	size := int(geometry.NumberOfBlocks) * int(geometry.BlockSize())
	b := &Backend{
		geometry: geometry,
		data:     make([]byte, size),
		written:  make([]bool, size),
	}
	for i := range b.data {
		b.data[i] = 0xff
	}
	return b, nil
}

// Geometry reports the layout of the medium.
func (b *Backend) Geometry() flash.Geometry {
	return b.geometry
}

// Randomize fills the whole medium with pseudo-random junk and marks it
// written, mimicking a medium that previously held unrelated data.
func (b *Backend) Randomize(seed uint64) {
	if seed == 0 {
		seed = 1
	}
	sequence := xorshift.NewXorShift64Star(seed)
	for i := range b.data {
		b.data[i] = byte(sequence.Next())
		b.written[i] = true
	}
}

// Erase resets every byte of the given block to 0xff.
func (b *Backend) Erase(block flash.BlockIndex) error {
	if !b.geometry.ContainsBlock(block) {
		return status.Errorf(codes.InvalidArgument, "Block %d lies outside the medium", block)
	}
	b.erase(block)
	if b.logging {
		b.log = append(b.log, Operation{IsErase: true, Block: block})
	}
	return nil
}

func (b *Backend) erase(block flash.BlockIndex) {
	start := int(block) * int(b.geometry.BlockSize())
	for i := start; i < start+int(b.geometry.BlockSize()); i++ {
		b.data[i] = 0xff
		b.written[i] = false
	}
}

func (b *Backend) byteOffset(addr flash.SectorAddress, offset uint32) (int, error) {
	g := b.geometry
	if !g.ContainsBlock(addr.Block) || addr.Sector >= g.SectorsPerBlock() {
		return 0, status.Errorf(codes.InvalidArgument, "Sector %s lies outside the medium", addr)
	}
	return (int(addr.Block)*int(g.SectorsPerBlock())+int(addr.Sector))*int(g.SectorSize) + int(offset), nil
}

func (b *Backend) checkAccess(addr flash.SectorAddress, offset uint32, n int) (int, error) {
	if offset+uint32(n) > b.geometry.SectorSize {
		return 0, status.Errorf(codes.InvalidArgument, "Access of %d bytes at offset %d crosses a sector boundary", n, offset)
	}
	return b.byteOffset(addr, offset)
}

// ReadSector reads len(p) bytes at the given offset within a sector.
func (b *Backend) ReadSector(addr flash.SectorAddress, offset uint32, p []byte) error {
	start, err := b.checkAccess(addr, offset, len(p))
	if err != nil {
		return err
	}
	copy(p, b.data[start:start+len(p)])
	return nil
}

// WriteSector writes len(p) bytes at the given offset within a sector.
// Writing over bytes that were written since the last erase of their
// block fails, the way it would corrupt data on a real medium.
func (b *Backend) WriteSector(addr flash.SectorAddress, offset uint32, p []byte) error {
	start, err := b.checkAccess(addr, offset, len(p))
	if err != nil {
		return err
	}
	for i := start; i < start+len(p); i++ {
		if b.written[i] {
			return status.Errorf(codes.FailedPrecondition, "Write of %d bytes at %s+%d overlaps space that was not erased", len(p), addr, offset)
		}
	}
	copy(b.data[start:], p)
	for i := start; i < start+len(p); i++ {
		b.written[i] = true
	}
	if b.logging {
		b.log = append(b.log, Operation{
			Sector: addr,
			Offset: offset,
			Data:   append([]byte(nil), p...),
		})
	}
	return nil
}

// SetLogging enables or disables the write log.
func (b *Backend) SetLogging(enabled bool) {
	b.logging = enabled
}

// Log returns the operations recorded since the last ClearLog.
func (b *Backend) Log() []Operation {
	return b.log
}

// ClearLog discards the recorded operations.
func (b *Backend) ClearLog() {
	b.log = nil
}

// Clone returns an independent deep copy of the medium. The copy does
// not inherit the write log.
func (b *Backend) Clone() *Backend {
	return &Backend{
		geometry: b.geometry,
		data:     append([]byte(nil), b.data...),
		written:  append([]bool(nil), b.written...),
	}
}

// Apply replays previously recorded operations, e.g. a prefix of
// another backend's write log onto a clone taken before those writes.
func (b *Backend) Apply(operations []Operation) error {
	for _, op := range operations {
		if op.IsErase {
			if err := b.Erase(op.Block); err != nil {
				return err
			}
		} else if err := b.WriteSector(op.Sector, op.Offset, op.Data); err != nil {
			return err
		}
	}
	return nil
}
