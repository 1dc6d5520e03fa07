package flash

import (
	"os"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fileBackend struct {
	file     *os.File
	geometry Geometry
}

// NewFileBackend creates a StorageBackend on top of a regular file or
// raw device node. The file is treated as a linear run of blocks.
// Unlike real NAND there is no erase-before-write requirement, but
// Erase still fills the block with 0xff so that images produced here
// are indistinguishable from ones read off a real medium.
func NewFileBackend(file *os.File, geometry Geometry) (StorageBackend, error) {
	if !geometry.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "Invalid geometry %s", geometry)
	}
	return &fileBackend{
		file:     file,
		geometry: geometry,
	}, nil
}

func (fb *fileBackend) Geometry() Geometry {
	return fb.geometry
}

func (fb *fileBackend) byteOffset(addr SectorAddress, offset uint32) int64 {
	g := fb.geometry
	return (int64(addr.Block)*int64(g.SectorsPerBlock())+int64(addr.Sector))*int64(g.SectorSize) + int64(offset)
}

func (fb *fileBackend) Erase(block BlockIndex) error {
	if !fb.geometry.ContainsBlock(block) {
		return status.Errorf(codes.InvalidArgument, "Block %d lies outside the medium", block)
	}
	blank := make([]byte, fb.geometry.BlockSize())
	for i := range blank {
		blank[i] = 0xff
	}
	if _, err := fb.file.WriteAt(blank, int64(block)*int64(fb.geometry.BlockSize())); err != nil {
		return StatusWrapf(status.Error(codes.Internal, err.Error()), "Failed to erase block %d", block)
	}
	return nil
}

func (fb *fileBackend) checkAccess(addr SectorAddress, offset uint32, n int) error {
	g := fb.geometry
	if !g.ContainsBlock(addr.Block) || addr.Sector >= g.SectorsPerBlock() {
		return status.Errorf(codes.InvalidArgument, "Sector %s lies outside the medium", addr)
	}
	if offset+uint32(n) > g.SectorSize {
		return status.Errorf(codes.InvalidArgument, "Access of %d bytes at offset %d crosses a sector boundary", n, offset)
	}
	return nil
}

func (fb *fileBackend) ReadSector(addr SectorAddress, offset uint32, p []byte) error {
	if err := fb.checkAccess(addr, offset, len(p)); err != nil {
		return err
	}
	if _, err := fb.file.ReadAt(p, fb.byteOffset(addr, offset)); err != nil {
		return StatusWrapf(status.Error(codes.Internal, err.Error()), "Failed to read sector %s", addr)
	}
	return nil
}

func (fb *fileBackend) WriteSector(addr SectorAddress, offset uint32, p []byte) error {
	if err := fb.checkAccess(addr, offset, len(p)); err != nil {
		return err
	}
	if _, err := fb.file.WriteAt(p, fb.byteOffset(addr, offset)); err != nil {
		return StatusWrapf(status.Error(codes.Internal, err.Error()), "Failed to write sector %s", addr)
	}
	return nil
}
