// Package storage is the top-level filesystem engine: it orchestrates the
// volume, inode table, and directory layer into the operations an adapter
// (FUSE or otherwise) calls with plain path strings.
package storage

import (
	"syscall"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/nufs-project/nufs/directory"
	"github.com/nufs-project/nufs/inode"
	"github.com/nufs-project/nufs/internal/logger"
	"github.com/nufs-project/nufs/volume"
)

// Storage is a single mounted volume plus its inode table.
type Storage struct {
	vol    *volume.Volume
	inodes *inode.Table
}

// Open maps the image at imagePath (creating and sizing it to desiredPages
// if it doesn't exist) and initializes a fresh volume's root directory if
// necessary. desiredPages is ignored when reopening an existing image.
func Open(imagePath string, desiredPages int, clock timeutil.Clock) (*Storage, error) {
	vol, err := volume.Open(imagePath, desiredPages)
	if err != nil {
		return nil, err
	}

	s := &Storage{vol: vol, inodes: inode.NewTable(vol, clock)}
	s.initIfFresh()
	return s, nil
}

// Close unmaps the underlying volume.
func (s *Storage) Close() error {
	return s.vol.Close()
}

// initIfFresh implements spec.md §4.6: a volume is fresh iff every bit in
// the inode bitmap is clear, in which case page 0 is zeroed, the metadata
// pages are marked reserved, and inode 0 is allocated as the root
// directory. An already-initialized volume is left untouched.
func (s *Storage) initIfFresh() {
	if s.vol.InodeBitmap().Count(0) > 0 {
		return
	}

	s.vol.ZeroPage(0)
	s.vol.ReserveMetadataPages()

	root, err := s.inodes.Alloc()
	if err != nil {
		panic("storage: failed to allocate root inode on a freshly zeroed volume")
	}
	root.SetMode(syscall.S_IFDIR | 0755)
	root.SetRefs(1)
}

func isDirMode(mode uint32) bool {
	return mode&syscall.S_IFMT == syscall.S_IFDIR
}

// mapErr translates sentinel errors from the directory and inode packages
// into this package's Error values. Unrecognized errors pass through
// unchanged (there should be none in practice).
func mapErr(err error) error {
	switch err {
	case nil:
		return nil
	case directory.ErrNotFound:
		return ErrNotFound
	case directory.ErrIO:
		return ErrIO
	case inode.ErrNoSpace:
		return ErrNoSpace
	case inode.ErrTooBig:
		return ErrTooBig
	case inode.ErrInvalid:
		return ErrInvalid
	default:
		return err
	}
}

// resolve walks path to an inode number via the directory layer's path
// resolver, translating its sentinel errors.
func (s *Storage) resolve(path string) (int, error) {
	logger.Tracef("storage: resolve %s", path)
	inum, err := directory.TreeLookup(s.inodes, path)
	if err != nil {
		return 0, mapErr(err)
	}
	return inum, nil
}

// Stat is the information returned by Storage.Stat.
type Stat struct {
	Ino   uint64
	Mode  uint32
	Nlink uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
}

// Stat fills in status information for path.
func (s *Storage) Stat(path string) (Stat, error) {
	inum, err := s.resolve(path)
	if err != nil {
		return Stat{}, err
	}
	node := s.inodes.Get(inum)
	return Stat{
		Ino:   uint64(inum),
		Mode:  node.Mode(),
		Nlink: node.Refs(),
		Size:  node.Size(),
		Atime: time.Unix(int64(node.Atime()), 0),
		Mtime: time.Unix(int64(node.Mtime()), 0),
	}, nil
}

func pageWalk(node *inode.Inode, off uint64, buf []byte, write bool) int {
	done := 0
	for done < len(buf) {
		pos := off + uint64(done)
		idx := int(pos / volume.PageSize)
		pageOff := int(pos % volume.PageSize)

		page := node.Page(idx)
		if page == nil {
			break
		}

		var n int
		if write {
			n = copy(page[pageOff:], buf[done:])
		} else {
			n = copy(buf[done:], page[pageOff:])
		}
		done += n
	}
	return done
}

// Read fills buf with up to len(buf) bytes from path starting at off,
// returning the number of bytes actually read. Reading at or past EOF
// returns 0 bytes, not an error.
func (s *Storage) Read(path string, buf []byte, off int64) (int, error) {
	inum, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	node := s.inodes.Get(inum)
	if isDirMode(node.Mode()) {
		return 0, ErrIsDir
	}

	uoff := uint64(off)
	if uoff >= node.Size() {
		return 0, nil
	}

	node.TouchAtime()

	n := len(buf)
	if want := node.Size() - uoff; uint64(n) > want {
		n = int(want)
	}
	return pageWalk(node, uoff, buf[:n], false), nil
}

func (s *Storage) truncateInode(node *inode.Inode, newSize uint64) error {
	switch {
	case newSize > node.Size():
		// Bytes past the old end in its last page may still hold data left
		// by an earlier shrink; clear them so the grown range reads as zero.
		if rem := node.Size() % volume.PageSize; rem != 0 {
			if page := node.Page(int(node.Size() / volume.PageSize)); page != nil {
				clear(page[rem:])
			}
		}
		return mapErr(node.Grow(newSize - node.Size()))
	case newSize < node.Size():
		return mapErr(node.Shrink(node.Size() - newSize))
	default:
		return nil
	}
}

// Write copies buf into path starting at off, growing (and, if off is past
// the current end, first truncating up to off) as needed.
func (s *Storage) Write(path string, buf []byte, off int64) (int, error) {
	inum, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	node := s.inodes.Get(inum)
	if isDirMode(node.Mode()) {
		return 0, ErrIsDir
	}

	uoff := uint64(off)
	if uoff > node.Size() {
		if err := s.truncateInode(node, uoff); err != nil {
			return 0, err
		}
	}

	end := uoff + uint64(len(buf))
	if end > node.Size() {
		if err := node.Grow(end - node.Size()); err != nil {
			return 0, mapErr(err)
		}
	}

	node.TouchMtime()
	n := pageWalk(node, uoff, buf, true)
	return n, nil
}

// Truncate resizes path to exactly newSize bytes, zero-filling any newly
// exposed range.
func (s *Storage) Truncate(path string, newSize uint64) error {
	inum, err := s.resolve(path)
	if err != nil {
		return err
	}
	return s.truncateInode(s.inodes.Get(inum), newSize)
}

// Mknod creates a new inode named by path's basename inside its parent
// directory. path == "/" is a no-op success since the root always exists.
func (s *Storage) Mknod(path string, mode uint32) error {
	logger.Debugf("storage: mknod %s mode=%o", path, mode)
	if path == "/" {
		return nil
	}

	parentPath, base := directory.Split(path)
	parentInum, err := s.resolve(parentPath)
	if err != nil {
		return err
	}
	parent := s.inodes.Get(parentInum)

	if _, err := directory.Lookup(parent, base); err == nil {
		return ErrExists
	} else if err != directory.ErrNotFound {
		return mapErr(err)
	}

	node, err := s.inodes.Alloc()
	if err != nil {
		return mapErr(err)
	}
	node.SetMode(mode)

	return mapErr(directory.Put(s.inodes, parent, base, uint32(node.Index())))
}

// Unlink removes path's dirent from its parent, releasing the inode once
// its reference count reaches zero.
func (s *Storage) Unlink(path string) error {
	logger.Debugf("storage: unlink %s", path)
	parentPath, base := directory.Split(path)
	parentInum, err := s.resolve(parentPath)
	if err != nil {
		return err
	}
	return mapErr(directory.Delete(s.inodes, s.inodes.Get(parentInum), base))
}

// Link adds a new dirent at `to` referencing the inode already present at
// `from`, incrementing its refs.
func (s *Storage) Link(from, to string) error {
	fromInum, err := s.resolve(from)
	if err != nil {
		return err
	}

	parentPath, base := directory.Split(to)
	parentInum, err := s.resolve(parentPath)
	if err != nil {
		return err
	}

	return mapErr(directory.Put(s.inodes, s.inodes.Get(parentInum), base, uint32(fromInum)))
}

// Rename moves the dirent at `from` to `to`, deleting any existing entry at
// `to` first. The source inode is referenced twice transiently; the final
// delete of the source dirent restores its refs.
func (s *Storage) Rename(from, to string) error {
	fromParentPath, fromBase := directory.Split(from)
	fromParentInum, err := s.resolve(fromParentPath)
	if err != nil {
		return err
	}
	fromParent := s.inodes.Get(fromParentInum)

	fromInum, err := directory.Lookup(fromParent, fromBase)
	if err != nil {
		return mapErr(err)
	}

	toParentPath, toBase := directory.Split(to)
	toParentInum, err := s.resolve(toParentPath)
	if err != nil {
		return err
	}
	toParent := s.inodes.Get(toParentInum)

	if _, err := directory.Lookup(toParent, toBase); err == nil {
		if err := directory.Delete(s.inodes, toParent, toBase); err != nil {
			return mapErr(err)
		}
	} else if err != directory.ErrNotFound {
		return mapErr(err)
	}

	if err := directory.Put(s.inodes, toParent, toBase, uint32(fromInum)); err != nil {
		return mapErr(err)
	}

	return mapErr(directory.Delete(s.inodes, fromParent, fromBase))
}

// Symlink creates a regular file at linkPath whose content is target
// followed by a NUL byte, with mode S_IFLNK|0777, exactly as
// storage_symlink does in the reference implementation. It does not
// validate that target fits within MaxSize.
func (s *Storage) Symlink(target, linkPath string) error {
	if err := s.Mknod(linkPath, syscall.S_IFLNK|0777); err != nil {
		return err
	}
	data := append([]byte(target), 0)
	_, err := s.Write(linkPath, data, 0)
	return err
}

// Chmod overwrites path's entire mode field, type bits included.
func (s *Storage) Chmod(path string, mode uint32) error {
	inum, err := s.resolve(path)
	if err != nil {
		return err
	}
	s.inodes.Get(inum).SetMode(mode)
	return nil
}

// Utimens sets path's mtime and atime. Preserved exactly as the reference
// implementation does it (flagged suspect in spec.md §9): ts0 becomes
// mtime, ts1 becomes atime.
func (s *Storage) Utimens(path string, ts0, ts1 time.Time) error {
	inum, err := s.resolve(path)
	if err != nil {
		return err
	}
	s.inodes.Get(inum).SetTimes(uint32(ts0.Unix()), uint32(ts1.Unix()))
	return nil
}

// List returns the unordered entry names of the directory at path, or an
// empty slice if path does not refer to a directory.
func (s *Storage) List(path string) ([]string, error) {
	inum, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	node := s.inodes.Get(inum)
	if !isDirMode(node.Mode()) {
		return nil, nil
	}
	return directory.List(node)
}
