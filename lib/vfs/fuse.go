package vfs

import (
	"context"
	"hash/fnv"
	"io"
	"os"
	"sync/atomic"
	"syscall"

	"git.lukeshu.com/go/typedsync"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/plotfs/plotfs/lib/geometry"
	"github.com/plotfs/plotfs/lib/ploterr"
)

// dirHandleState is the plot listing snapshotted at OpenDir time;
// ReadDir may be called several times against the same handle to page
// through a listing, so the snapshot has to outlive any single call.
type dirHandleState struct {
	Plots []geometry.Plot
}

// FS adapts Server to fuseutil.FileSystemServer. The namespace is
// exactly one directory: the synthesized root holds one regular,
// read-only file per plot.
type FS struct {
	*Server

	fuseutil.NotImplementedFileSystem
	lastHandle  uint64
	dirHandles  typedsync.Map[fuseops.HandleID, *dirHandleState]
	fileHandles typedsync.Map[fuseops.HandleID, *Reader]
	inodes      typedsync.Map[fuseops.InodeID, [32]byte]
}

// NewFS wraps server as a fuse.Server ready to pass to fuse.Mount.
func NewFS(server *Server) fuse.Server {
	return fuseutil.NewFileSystemServer(&FS{Server: server})
}

func (fs *FS) newHandle() fuseops.HandleID {
	return fuseops.HandleID(atomic.AddUint64(&fs.lastHandle, 1))
}

// inodeForPlot derives a stable inode number from a plot id so the
// same plot always resolves to the same inode across calls without a
// second table keyed the other way. A collision would require two
// distinct 32-byte plot ids hashing to the same 64-bit value; 0 and
// the root inode are reserved.
func inodeForPlot(id [32]byte) fuseops.InodeID {
	h := fnv.New64a()
	h.Write(id[:])
	v := h.Sum64()
	if v < 2 {
		v += 2
	}
	return fuseops.InodeID(v)
}

func (fs *FS) remember(id [32]byte) fuseops.InodeID {
	inode := inodeForPlot(id)
	fs.inodes.Store(inode, id)
	return inode
}

func mapErr(err error) error {
	kind, ok := ploterr.Of(err)
	if !ok {
		return syscall.EIO
	}
	switch kind {
	case ploterr.NotFound:
		return syscall.ENOENT
	case ploterr.Unsupported:
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}

func (fs *FS) StatFS(_ context.Context, op *fuseops.StatFSOp) error {
	st, err := fs.Server.Statfs()
	if err != nil {
		return mapErr(err)
	}
	op.BlockSize = 1
	op.IoSize = 1
	op.Blocks = st.BlocksTotal
	op.BlocksFree = st.BlocksFree
	op.BlocksAvailable = st.BlocksFree
	op.Inodes = st.Files
	op.InodesFree = 0
	return nil
}

func (fs *FS) LookUpInode(_ context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent != fuseops.RootInodeID {
		return syscall.ENOENT
	}
	id, ok := ParseFilename(op.Name)
	if !ok {
		return syscall.ENOENT
	}
	attr, err := fs.Server.Attr(id)
	if err != nil {
		return mapErr(err)
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child: fs.remember(id),
		Attributes: fuseops.InodeAttributes{
			Size:  attr.Size,
			Nlink: 1,
			Mode:  os.FileMode(attr.Mode),
		},
	}
	return nil
}

func (fs *FS) GetInodeAttributes(_ context.Context, op *fuseops.GetInodeAttributesOp) error {
	if op.Inode == fuseops.RootInodeID {
		op.Attributes = fuseops.InodeAttributes{Nlink: 1, Mode: os.ModeDir | 0o755}
		return nil
	}
	id, ok := fs.inodes.Load(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	attr, err := fs.Server.Attr(id)
	if err != nil {
		return mapErr(err)
	}
	op.Attributes = fuseops.InodeAttributes{Size: attr.Size, Nlink: 1, Mode: os.FileMode(attr.Mode)}
	return nil
}

func (fs *FS) OpenDir(_ context.Context, op *fuseops.OpenDirOp) error {
	if op.Inode != fuseops.RootInodeID {
		return syscall.ENOENT
	}
	plots, err := fs.Server.ListPlots()
	if err != nil {
		return mapErr(err)
	}
	handle := fs.newHandle()
	fs.dirHandles.Store(handle, &dirHandleState{Plots: plots})
	op.Handle = handle
	return nil
}

func (fs *FS) ReadDir(_ context.Context, op *fuseops.ReadDirOp) error {
	state, ok := fs.dirHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	for i := int(op.Offset); i < len(state.Plots); i++ {
		p := state.Plots[i]
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fs.remember(p.ID),
			Name:   Filename(p),
			Type:   fuseutil.DT_File,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) ReleaseDirHandle(_ context.Context, op *fuseops.ReleaseDirHandleOp) error {
	_, ok := fs.dirHandles.LoadAndDelete(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return nil
}

// OpenFile only ever serves reads: the mount itself is established
// with MountConfig.ReadOnly set, so the kernel refuses write intents
// before they reach here.
func (fs *FS) OpenFile(_ context.Context, op *fuseops.OpenFileOp) error {
	id, ok := fs.inodes.Load(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	r, err := fs.Server.Open(id)
	if err != nil {
		return mapErr(err)
	}
	handle := fs.newHandle()
	fs.fileHandles.Store(handle, r)
	op.Handle = handle
	op.KeepPageCache = true
	return nil
}

func (fs *FS) ReadFile(_ context.Context, op *fuseops.ReadFileOp) error {
	r, ok := fs.fileHandles.Load(op.Handle)
	if !ok {
		return syscall.EBADF
	}

	var dat []byte
	if op.Dst != nil {
		size := op.Size
		if int64(len(op.Dst)) < size {
			size = int64(len(op.Dst))
		}
		dat = op.Dst[:size]
	} else {
		dat = make([]byte, op.Size)
		op.Data = [][]byte{dat}
	}

	n, err := r.ReadAt(dat, op.Offset)
	op.BytesRead = n
	if err != nil && err != io.EOF {
		return mapErr(err)
	}
	return nil
}

func (fs *FS) ReleaseFileHandle(_ context.Context, op *fuseops.ReleaseFileHandleOp) error {
	r, ok := fs.fileHandles.LoadAndDelete(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	return r.Close()
}

func (fs *FS) Destroy() {}
