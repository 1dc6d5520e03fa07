// flashfs is an inspection and formatting tool for flash filesystem
// images. Images are plain files holding the raw contents of a
// medium, block after block.
package main

import (
	"fmt"
	"os"

	"github.com/nandfs/nandfs/pkg/allocator"
	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/nandfs/nandfs/pkg/fs"
	"github.com/nandfs/nandfs/pkg/superblock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagBlocks     uint32
	flagPages      uint32
	flagSectors    uint32
	flagSectorSize uint32
)

func geometryFromFlags() flash.Geometry {
	return flash.Geometry{
		NumberOfBlocks: flash.BlockIndex(flagBlocks),
		PagesPerBlock:  flagPages,
		SectorsPerPage: flagSectors,
		SectorSize:     flagSectorSize,
	}
}

func openBackend(path string, writable bool) (flash.StorageBackend, *os.File, error) {
	mode := os.O_RDONLY
	if writable {
		mode = os.O_RDWR | os.O_CREATE
	}
	file, err := os.OpenFile(path, mode, 0o644)
	if err != nil {
		return nil, nil, err
	}
	backend, err := flash.NewFileBackend(file, geometryFromFlags())
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return backend, file, nil
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "Dump the block headers of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, file, err := openBackend(args[0], false)
			if err != nil {
				return err
			}
			defer file.Close()

			geometry := backend.Geometry()
			for block := flash.BlockIndex(0); geometry.ContainsBlock(block); block++ {
				var buffer [flash.BlockHeadSize]byte
				if err := backend.ReadSector(flash.SectorAddress{Block: block, Sector: 0}, 0, buffer[:]); err != nil {
					return err
				}
				var head flash.BlockHead
				if !head.Decode(buffer[:]) {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%6d  %-14s age=%d timestamp=%d linked=%d\n",
					block, head.Type, head.Age, head.Timestamp, head.Linked)
			}
			return nil
		},
	}
}

func newChainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <image>",
		Short: "Walk the super block chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, file, err := openBackend(args[0], false)
			if err != nil {
				return err
			}
			defer file.Close()

			blocks := allocator.NewQueueBlockAllocator(backend, allocator.DefaultReservedBlocks)
			manager := superblock.NewManager(backend, blocks)
			tier := 0
			if err := manager.Walk(func(block flash.BlockIndex) {
				fmt.Fprintf(cmd.OutOrStdout(), "tier %d: block %d\n", tier, block)
				tier++
			}); err != nil {
				return err
			}
			if err := manager.Locate(nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "super block at %s, revision %d\n",
				manager.Location(), manager.Timestamp())
			return nil
		},
	}
}

func newFormatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "format <image>",
		Short: "Create a fresh filesystem in an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, file, err := openBackend(args[0], true)
			if err != nil {
				return err
			}
			defer file.Close()

			geometry := backend.Geometry()
			if err := file.Truncate(int64(geometry.NumberOfBlocks) * int64(geometry.BlockSize())); err != nil {
				return err
			}
			// Fresh image space must read back as erased flash.
			for block := flash.BlockIndex(0); geometry.ContainsBlock(block); block++ {
				if err := backend.Erase(block); err != nil {
					return err
				}
			}
			if err := fs.New(backend).Format(); err != nil {
				return err
			}
			logrus.WithField("image", args[0]).Info("Formatted")
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "flashfs",
		Short:         "Inspect and format flash filesystem images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Uint32Var(&flagBlocks, "blocks", 1024, "number of erase blocks")
	root.PersistentFlags().Uint32Var(&flagPages, "pages", 4, "pages per block")
	root.PersistentFlags().Uint32Var(&flagSectors, "sectors", 4, "sectors per page")
	root.PersistentFlags().Uint32Var(&flagSectorSize, "sector-size", 512, "sector size in bytes")
	root.AddCommand(newInspectCommand(), newChainCommand(), newFormatCommand())

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
