package fs

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nandfs/nandfs/pkg/allocator"
	"github.com/nandfs/nandfs/pkg/flash"
	"github.com/nandfs/nandfs/pkg/superblock"
	"github.com/nandfs/nandfs/pkg/tree"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// nodeCacheSize bounds the working set of a single tree operation:
// one node per level of the descent, a sibling per cascading split
// and the grown root.
const nodeCacheSize = 8

// superBlockPayloadSize is the serialized size of the filesystem's
// super block payload: the tree root's block and position.
const superBlockPayloadSize = 8

// FileSystem ties the core together: a reusable block allocator over
// the medium, the wandering super block, and a copy-on-write index
// tree whose root address is the only state the super block payload
// carries. Durability follows from the write order: file data first,
// then the new tree root, then the super block that references it.
type FileSystem struct {
	storage flash.StorageBackend
	blocks  *allocator.QueueBlockAllocator
	manager *superblock.Manager
	nodes   *tree.StorageBackendNodeStorage
	index   *tree.PersistedTree
	files   *Files
}

// New assembles a filesystem over a backend. The result must be
// formatted or mounted before use.
func New(storage flash.StorageBackend) *FileSystem {
	blocks := allocator.NewQueueBlockAllocator(storage, allocator.DefaultReservedBlocks)
	nodes := tree.NewStorageBackendNodeStorage(storage, blocks)
	return &FileSystem{
		storage: storage,
		blocks:  blocks,
		manager: superblock.NewManager(storage, blocks),
		nodes:   nodes,
		index:   tree.NewPersistedTree(tree.NewNodeCache(nodes, nodeCacheSize)),
		files:   NewFiles(storage, blocks),
	}
}

// Allocator exposes the filesystem's block allocator, e.g. for free
// space accounting.
func (fs *FileSystem) Allocator() *allocator.QueueBlockAllocator {
	return fs.blocks
}

func (fs *FileSystem) marshalPayload() []byte {
	payload := make([]byte, superBlockPayloadSize)
	address := fs.index.Address()
	binary.LittleEndian.PutUint32(payload, uint32(address.Block))
	binary.LittleEndian.PutUint32(payload[4:], address.Position)
	return payload
}

func unmarshalPayload(payload []byte) flash.BlockAddress {
	return flash.BlockAddress{
		Block:    flash.BlockIndex(binary.LittleEndian.Uint32(payload)),
		Position: binary.LittleEndian.Uint32(payload[4:]),
	}
}

// Format writes a fresh filesystem: a new super block chain and an
// empty index tree. Existing contents become unreachable.
func (fs *FileSystem) Format() error {
	if err := fs.manager.Create(make([]byte, superBlockPayloadSize), func() []byte {
		return fs.marshalPayload()
	}); err != nil {
		return flash.StatusWrap(err, "Failed to create super block")
	}
	if _, err := fs.index.CreateIfNecessary(); err != nil {
		return flash.StatusWrap(err, "Failed to create index tree")
	}
	return fs.commit()
}

// Mount locates the super block and attaches the index tree to the
// root it references. It returns NotFound on an unformatted medium.
func (fs *FileSystem) Mount() error {
	payload := make([]byte, superBlockPayloadSize)
	if err := fs.manager.Locate(payload); err != nil {
		return err
	}
	if err := fs.blocks.Initialize(); err != nil {
		return flash.StatusWrap(err, "Failed to scan block headers")
	}
	root := unmarshalPayload(payload)
	if root.Valid() {
		fs.index.SetHead(root)
	}
	return nil
}

// commit saves the current tree root through the super block manager.
func (fs *FileSystem) commit() error {
	return fs.manager.Save(fs.marshalPayload())
}

// inodeForName derives the inode number of a file from its name.
// Inode zero is never returned; a name whose checksum is zero maps to
// inode one.
func inodeForName(name string) uint32 {
	inode := crc32.ChecksumIEEE([]byte(name))
	if inode == 0 {
		inode = 1
	}
	return inode
}

// packAddress packs a chain's first block into an index tree value.
// Values must be nonzero; block zero is reserved, so a real chain
// never packs to zero.
func packAddress(block flash.BlockIndex) uint64 {
	return uint64(block) << 32
}

func unpackAddress(value uint64) flash.BlockIndex {
	return flash.BlockIndex(value >> 32)
}

// OpenFile is a file opened through the index. Every open-for-write
// starts a fresh chain which is linked into the index at the file's
// current end when the file is closed, so a file is a sequence of
// chains glued together by the index.
type OpenFile struct {
	fs     *FileSystem
	inode  uint32
	chain  *BlockedFile
	start  uint64
	chains []chainExtent
	readAt int
}

type chainExtent struct {
	offset    uint64
	beginning flash.BlockIndex
}

// extents collects the chain extents of an inode in ascending offset
// order by walking the index backwards from the largest offset.
func (fs *FileSystem) extents(inode uint32) ([]chainExtent, error) {
	var result []chainExtent
	key := uint64(tree.NewINodeKey(inode, 0xffffffff))
	for {
		foundKey, value, ok, err := fs.index.FindLessThan(key)
		if err != nil {
			return nil, err
		}
		if !ok || tree.INodeKey(foundKey).Inode() != inode || value == 0 {
			break
		}
		result = append(result, chainExtent{
			offset:    uint64(tree.INodeKey(foundKey).Offset()),
			beginning: unpackAddress(value),
		})
		key = foundKey
	}
	// Reverse into ascending order.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// Size returns the number of bytes stored under name.
func (fs *FileSystem) Size(name string) (uint64, error) {
	extents, err := fs.extents(inodeForName(name))
	if err != nil {
		return 0, err
	}
	if len(extents) == 0 {
		return 0, nil
	}
	last := extents[len(extents)-1]
	chain, err := fs.files.OpenRead(last.beginning)
	if err != nil {
		return 0, err
	}
	return last.offset + chain.Size(), nil
}

// Exists reports whether name has any contents.
func (fs *FileSystem) Exists(name string) (bool, error) {
	extents, err := fs.extents(inodeForName(name))
	if err != nil {
		return false, err
	}
	return len(extents) > 0, nil
}

// OpenWrite opens name for appending. Data becomes durable when the
// file is closed.
func (fs *FileSystem) OpenWrite(name string) (*OpenFile, error) {
	inode := inodeForName(name)
	start, err := fs.Size(name)
	if err != nil {
		return nil, err
	}
	chain, err := fs.files.OpenWrite(1)
	if err != nil {
		return nil, err
	}
	return &OpenFile{
		fs:    fs,
		inode: inode,
		chain: chain,
		start: start,
	}, nil
}

// OpenRead opens name for sequential reading.
func (fs *FileSystem) OpenRead(name string) (*OpenFile, error) {
	extents, err := fs.extents(inodeForName(name))
	if err != nil {
		return nil, err
	}
	if len(extents) == 0 {
		return nil, status.Errorf(codes.NotFound, "File %q does not exist", name)
	}
	return &OpenFile{
		fs:     fs,
		chains: extents,
	}, nil
}

// Write appends p to the file.
func (of *OpenFile) Write(p []byte) (int, error) {
	if of.chain == nil {
		return 0, status.Error(codes.FailedPrecondition, "File is not open for writing")
	}
	return of.chain.Write(p)
}

// Read copies the next run of file bytes into p, returning 0 at the
// end of the file.
func (of *OpenFile) Read(p []byte) (int, error) {
	for of.readAt < len(of.chains) {
		if of.chain == nil {
			chain, err := of.fs.files.OpenRead(of.chains[of.readAt].beginning)
			if err != nil {
				return 0, err
			}
			of.chain = chain
		}
		n, err := of.chain.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		of.chain = nil
		of.readAt++
	}
	return 0, nil
}

// Close makes a written file durable: the chain is flushed, linked
// into the index at the file's previous end, and the new tree root is
// committed through the super block. Closing a reader is a no-op.
func (of *OpenFile) Close() error {
	if of.chain == nil || of.chain.readonly {
		return nil
	}
	if err := of.chain.Close(); err != nil {
		return err
	}
	if of.chain.Size() == 0 {
		return nil
	}
	key := uint64(tree.NewINodeKey(of.inode, uint32(of.start)))
	if _, err := of.fs.index.Add(key, packAddress(of.chain.Beginning())); err != nil {
		return err
	}
	return of.fs.commit()
}
