// Package fs adapts the storage engine to github.com/jacobsa/fuse's
// Op-based fuseutil.FileSystem interface. It is the only package that
// speaks inode numbers instead of path strings: the storage layer resolves
// everything by path, so this package keeps a small cache mapping the
// InodeIDs the kernel hands back to the path each one was last reached by,
// following the lookup-count discipline described on fuseops.ForgetInodeOp.
package fs

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/nufs-project/nufs/storage"
)

// FileSystem implements fuseutil.FileSystem on top of a *storage.Storage.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	store    *storage.Storage
	uid, gid uint32

	mu     sync.Mutex
	paths  map[fuseops.InodeID]string
	parent map[fuseops.InodeID]fuseops.InodeID
	lookup map[fuseops.InodeID]uint64
}

var _ fuseutil.FileSystem = (*FileSystem)(nil)

// New wraps store for serving over FUSE. uid/gid are reported as the owner
// of every inode, since the storage layer has no notion of ownership.
func New(store *storage.Storage, uid, gid uint32) *FileSystem {
	fs := &FileSystem{
		store:  store,
		uid:    uid,
		gid:    gid,
		paths:  map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		parent: map[fuseops.InodeID]fuseops.InodeID{fuseops.RootInodeID: fuseops.RootInodeID},
		lookup: map[fuseops.InodeID]uint64{fuseops.RootInodeID: 1},
	}
	return fs
}

// toInodeID maps a storage inode number onto the kernel's InodeID space.
// fuseops.RootInodeID is 1, but the storage layer's root is inode 0, so
// every ID is offset by one.
func toInodeID(ino uint64) fuseops.InodeID {
	return fuseops.InodeID(ino + 1)
}

func (fs *FileSystem) pathOf(id fuseops.InodeID) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, ok := fs.paths[id]
	return p, ok
}

// remember records path as how id was most recently reached and bumps its
// lookup count. Called for every op that hands an InodeID back to the
// kernel (LookUpInode, MkDir, CreateFile, CreateSymlink, CreateLink).
func (fs *FileSystem) remember(id, parent fuseops.InodeID, path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.paths[id] = path
	fs.parent[id] = parent
	fs.lookup[id]++
}

func (fs *FileSystem) forget(id fuseops.InodeID, n uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id == fuseops.RootInodeID {
		return
	}
	if fs.lookup[id] <= n {
		delete(fs.lookup, id)
		delete(fs.paths, id)
		delete(fs.parent, id)
		return
	}
	fs.lookup[id] -= n
}

func childPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// errnoFor translates a *storage.Error into the syscall.Errno the kernel
// expects as an op's response; anything else is reported as EIO.
func errnoFor(err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*storage.Error); ok {
		return se.Errno()
	}
	return syscall.EIO
}

// posixToGoMode and goModeToPosix convert between the raw S_IF*/permission
// bits the storage layer stores and the os.FileMode bits fuseops wants,
// following the same bit-for-bit mapping as jacobsa/fuse's own internal
// conversions (S_IFDIR -> os.ModeDir, S_IFLNK -> os.ModeSymlink, etc; low 9
// bits are the permission bits in both representations).
func posixToGoMode(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0777)
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		m |= os.ModeDir
	case syscall.S_IFLNK:
		m |= os.ModeSymlink
	case syscall.S_IFREG:
		// nothing to add
	}
	return m
}

func goModeToPosix(mode os.FileMode) uint32 {
	m := uint32(mode.Perm())
	switch {
	case mode&os.ModeDir != 0:
		m |= syscall.S_IFDIR
	case mode&os.ModeSymlink != 0:
		m |= syscall.S_IFLNK
	default:
		m |= syscall.S_IFREG
	}
	return m
}

func (fs *FileSystem) attrsFromStat(st storage.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  st.Size,
		Nlink: uint64(st.Nlink),
		Mode:  posixToGoMode(st.Mode),
		Atime: st.Atime,
		Mtime: st.Mtime,
		Ctime: st.Mtime,
		Uid:   fs.uid,
		Gid:   fs.gid,
	}
}

func (fs *FileSystem) statByID(id fuseops.InodeID) (storage.Stat, string, error) {
	path, ok := fs.pathOf(id)
	if !ok {
		return storage.Stat{}, "", syscall.ENOENT
	}
	st, err := fs.store.Stat(path)
	if err != nil {
		return storage.Stat{}, "", errnoFor(err)
	}
	return st, path, nil
}

// entryTTL controls how long the kernel may cache attributes and
// dentries. Since nothing outside this process can mutate the volume,
// there is no need to ever expire them early.
const entryTTL = 365 * 24 * time.Hour

func (fs *FileSystem) fillEntry(entry *fuseops.ChildInodeEntry, id fuseops.InodeID, st storage.Stat, now time.Time) {
	entry.Child = id
	entry.Attributes = fs.attrsFromStat(st)
	entry.AttributesExpiration = now.Add(entryTTL)
	entry.EntryExpiration = now.Add(entryTTL)
}

func (fs *FileSystem) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}

	path := childPath(parentPath, op.Name)
	st, err := fs.store.Stat(path)
	if err != nil {
		return errnoFor(err)
	}

	id := toInodeID(st.Ino)
	fs.remember(id, op.Parent, path)
	fs.fillEntry(&op.Entry, id, st, time.Now())
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	st, _, err := fs.statByID(op.Inode)
	if err != nil {
		return err
	}
	op.Attributes = fs.attrsFromStat(st)
	op.AttributesExpiration = time.Now().Add(entryTTL)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	_, path, err := fs.statByID(op.Inode)
	if err != nil {
		return err
	}

	if op.Size != nil {
		if err := fs.store.Truncate(path, *op.Size); err != nil {
			return errnoFor(err)
		}
	}
	if op.Mode != nil {
		if err := fs.store.Chmod(path, goModeToPosix(*op.Mode)); err != nil {
			return errnoFor(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		st, err := fs.store.Stat(path)
		if err != nil {
			return errnoFor(err)
		}
		atime, mtime := st.Atime, st.Mtime
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := fs.store.Utimens(path, mtime, atime); err != nil {
			return errnoFor(err)
		}
	}

	st, err := fs.store.Stat(path)
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = fs.attrsFromStat(st)
	op.AttributesExpiration = time.Now().Add(entryTTL)
	return nil
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.forget(op.Inode, op.N)
	return nil
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}

	path := childPath(parentPath, op.Name)
	if err := fs.store.Mknod(path, goModeToPosix(op.Mode|os.ModeDir)); err != nil {
		return errnoFor(err)
	}

	st, err := fs.store.Stat(path)
	if err != nil {
		return errnoFor(err)
	}

	id := toInodeID(st.Ino)
	fs.remember(id, op.Parent, path)
	fs.fillEntry(&op.Entry, id, st, time.Now())
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}

	path := childPath(parentPath, op.Name)
	if err := fs.store.Mknod(path, goModeToPosix(op.Mode)); err != nil {
		return errnoFor(err)
	}

	st, err := fs.store.Stat(path)
	if err != nil {
		return errnoFor(err)
	}

	id := toInodeID(st.Ino)
	fs.remember(id, op.Parent, path)
	fs.fillEntry(&op.Entry, id, st, time.Now())
	op.Handle = fuseops.HandleID(id)
	return nil
}

func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}

	path := childPath(parentPath, op.Name)
	if err := fs.store.Symlink(op.Target, path); err != nil {
		return errnoFor(err)
	}

	st, err := fs.store.Stat(path)
	if err != nil {
		return errnoFor(err)
	}

	id := toInodeID(st.Ino)
	fs.remember(id, op.Parent, path)
	fs.fillEntry(&op.Entry, id, st, time.Now())
	return nil
}

// CreateLink implements hard link creation: op.Target names the inode
// already present elsewhere, op.Name is the new dirent inside op.Parent.
func (fs *FileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	targetPath, ok := fs.pathOf(op.Target)
	if !ok {
		return syscall.ENOENT
	}

	path := childPath(parentPath, op.Name)
	if err := fs.store.Link(targetPath, path); err != nil {
		return errnoFor(err)
	}

	st, err := fs.store.Stat(path)
	if err != nil {
		return errnoFor(err)
	}

	id := toInodeID(st.Ino)
	fs.remember(id, op.Parent, path)
	fs.fillEntry(&op.Entry, id, st, time.Now())
	return nil
}

func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParentPath, ok := fs.pathOf(op.OldParent)
	if !ok {
		return syscall.ENOENT
	}
	newParentPath, ok := fs.pathOf(op.NewParent)
	if !ok {
		return syscall.ENOENT
	}

	oldPath := childPath(oldParentPath, op.OldName)
	newPath := childPath(newParentPath, op.NewName)

	if err := fs.store.Rename(oldPath, newPath); err != nil {
		return errnoFor(err)
	}

	// Any InodeID whose cached path was oldPath (or a descendant of it) now
	// points at stale state; redirect it to the new location. Descendants
	// are found by prefix since directory paths compose hierarchically.
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for id, p := range fs.paths {
		if p == oldPath {
			fs.paths[id] = newPath
			fs.parent[id] = op.NewParent
		} else if strings.HasPrefix(p, oldPath+"/") {
			fs.paths[id] = newPath + p[len(oldPath):]
		}
	}
	return nil
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}

	path := childPath(parentPath, op.Name)
	names, err := fs.store.List(path)
	if err != nil {
		return errnoFor(err)
	}
	if len(names) > 0 {
		return syscall.ENOTEMPTY
	}

	if err := fs.store.Unlink(path); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parentPath, ok := fs.pathOf(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	path := childPath(parentPath, op.Name)
	if err := fs.store.Unlink(path); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if _, _, err := fs.statByID(op.Inode); err != nil {
		return err
	}
	op.Handle = fuseops.HandleID(op.Inode)
	return nil
}

// dirent is a listing entry built fresh on every ReadDir call; the offset
// exposed to the kernel is simply its position plus one, per the contract
// described on fuseops.ReadDirOp.Offset.
type dirent struct {
	name string
	ino  fuseops.InodeID
	typ  fuseutil.DirentType
}

func (fs *FileSystem) listDirents(id fuseops.InodeID, path string) ([]dirent, error) {
	names, err := fs.store.List(path)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	parent, _ := fs.parent[id]
	entries := []dirent{
		{name: ".", ino: id, typ: fuseutil.DT_Directory},
		{name: "..", ino: parent, typ: fuseutil.DT_Directory},
	}
	for _, name := range names {
		st, err := fs.store.Stat(childPath(path, name))
		if err != nil {
			continue
		}
		entries = append(entries, dirent{
			name: name,
			ino:  toInodeID(st.Ino),
			typ:  direntType(st.Mode),
		})
	}
	return entries, nil
}

func direntType(mode uint32) fuseutil.DirentType {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return fuseutil.DT_Directory
	case syscall.S_IFLNK:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	path, ok := fs.pathOf(op.Inode)
	if !ok {
		return syscall.ENOENT
	}

	fs.mu.Lock()
	entries, err := fs.listDirents(op.Inode, path)
	fs.mu.Unlock()
	if err != nil {
		return errnoFor(err)
	}

	if int(op.Offset) >= len(entries) {
		return nil
	}
	entries = entries[op.Offset:]

	op.BytesRead = 0
	for i, e := range entries {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: op.Offset + fuseops.DirOffset(i) + 1,
			Inode:  e.ino,
			Name:   e.name,
			Type:   e.typ,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, _, err := fs.statByID(op.Inode); err != nil {
		return err
	}
	op.Handle = fuseops.HandleID(op.Inode)
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	_, path, err := fs.statByID(op.Inode)
	if err != nil {
		return err
	}

	n, rerr := fs.store.Read(path, op.Dst, op.Offset)
	if rerr != nil {
		return errnoFor(rerr)
	}
	op.BytesRead = n
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	_, path, err := fs.statByID(op.Inode)
	if err != nil {
		return err
	}

	if _, werr := fs.store.Write(path, op.Data, op.Offset); werr != nil {
		return errnoFor(werr)
	}
	return nil
}

func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	st, path, err := fs.statByID(op.Inode)
	if err != nil {
		return err
	}

	buf := make([]byte, st.Size)
	n, rerr := fs.store.Read(path, buf, 0)
	if rerr != nil {
		return errnoFor(rerr)
	}
	// Symlink content is the target followed by a NUL, per storage.Symlink.
	for i, b := range buf[:n] {
		if b == 0 {
			op.Target = string(buf[:i])
			return nil
		}
	}
	op.Target = string(buf[:n])
	return nil
}
