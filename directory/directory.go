// Package directory implements directories as ordinary inodes whose data
// pages hold packed, fixed-size dirent records, plus path resolution on top
// of that. There is no separate on-disk "directory" type: any inode.Inode
// can be read as one by the functions here.
package directory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/nufs-project/nufs/inode"
	"github.com/nufs-project/nufs/volume"
)

const (
	// NameCap is DIR_NAME from spec.md: the fixed capacity of a dirent's
	// name field, including its NUL terminator. Names longer than
	// NameCap-1 bytes are truncated by Put, an accepted lossy behavior
	// inherited from the reference implementation.
	NameCap = 48

	// EntrySize is the packed size of one dirent: NameCap bytes of name
	// plus a 4-byte inum plus 4 bytes of unused padding, chosen so that
	// PageSize/EntrySize is an integer number of whole entries per page
	// (see DESIGN.md for this Open Question's resolution).
	EntrySize = NameCap + 4 + 4

	entriesPerPage = volume.PageSize / EntrySize
)

// ErrNotFound is returned when a name is not present in a directory.
var ErrNotFound = fmt.Errorf("directory: not found")

// ErrIO is returned when inode.Page yields nil for a page index that should
// be in range, indicating a corrupt or inconsistent inode record.
var ErrIO = fmt.Errorf("directory: i/o error")

func entryAt(page []byte, slot int) []byte {
	off := slot * EntrySize
	return page[off : off+EntrySize]
}

func decodeName(e []byte) string {
	name := e[:NameCap]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		return string(name[:i])
	}
	return string(name)
}

func encodeName(e []byte, name string) {
	for i := range e[:NameCap] {
		e[i] = 0
	}
	n := len(name)
	if n > NameCap-1 {
		n = NameCap - 1
	}
	copy(e[:NameCap], name[:n])
}

func decodeInum(e []byte) uint32 {
	return binary.LittleEndian.Uint32(e[NameCap:])
}

func encodeInum(e []byte, inum uint32) {
	binary.LittleEndian.PutUint32(e[NameCap:], inum)
}

// numPages returns how many data pages a directory's current size spans.
func numPages(dd *inode.Inode) int {
	size := int(dd.Size())
	n := size / volume.PageSize
	if size > n*volume.PageSize {
		n++
	}
	return n
}

// pageLength returns how many dirents live in page `index` of dd: a full
// entriesPerPage for every page but the last, which may be partial.
func pageLength(dd *inode.Inode, index int) int {
	numEnts := int(dd.Size()) / EntrySize
	lastPage := int(dd.Size()) / volume.PageSize
	if index < lastPage {
		return entriesPerPage
	}
	return numEnts - entriesPerPage*lastPage
}

// Lookup scans dd's dirents in page order for name, returning its inum.
// Non-directory inodes can be passed here too (nothing prevents it); their
// data simply will not contain anything that decodes to a matching name, so
// the natural result is ErrNotFound, matching spec.md's description of
// traversal through a non-directory.
func Lookup(dd *inode.Inode, name string) (uint32, error) {
	pages := numPages(dd)
	for i := 0; i < pages; i++ {
		page := dd.Page(i)
		if page == nil {
			return 0, ErrIO
		}
		length := pageLength(dd, i)
		for slot := 0; slot < length; slot++ {
			e := entryAt(page, slot)
			if decodeName(e) == name {
				return decodeInum(e), nil
			}
		}
	}
	return 0, ErrNotFound
}

// Put appends a (name, inum) dirent to dd, growing it by one entry, and
// increments the referenced inode's refs. This tolerates duplicate names;
// callers that need uniqueness (mknod, mkdir) must Lookup first.
func Put(tab *inode.Table, dd *inode.Inode, name string, inum uint32) error {
	if err := dd.Grow(uint64(EntrySize)); err != nil {
		return err
	}

	target := tab.Get(int(inum))
	if target == nil {
		return ErrNotFound
	}

	numEnts := int(dd.Size()) / EntrySize
	newInd := numEnts - 1
	pageInd := newInd / entriesPerPage
	slot := newInd % entriesPerPage

	page := dd.Page(pageInd)
	if page == nil {
		return ErrIO
	}
	e := entryAt(page, slot)
	encodeName(e, name)
	encodeInum(e, inum)

	target.IncRefs()
	return nil
}

// Delete removes name from dd using swap-with-last: the matched slot's
// bytes are overwritten with the directory's last entry, the directory
// shrinks by one entry, and only then is the removed entry's inode
// released. This ordering (swap+shrink before release) is the reordering
// flagged in spec.md §9: releasing first would leave a dangling dirent if
// the release failed partway through.
func Delete(tab *inode.Table, dd *inode.Inode, name string) error {
	numEnts := int(dd.Size()) / EntrySize
	if numEnts == 0 {
		return ErrNotFound
	}

	pages := numPages(dd)
	var victim []byte
	for i := 0; i < pages && victim == nil; i++ {
		page := dd.Page(i)
		if page == nil {
			return ErrIO
		}
		length := pageLength(dd, i)
		for slot := 0; slot < length; slot++ {
			e := entryAt(page, slot)
			if decodeName(e) == name {
				victim = e
				break
			}
		}
	}
	if victim == nil {
		return ErrNotFound
	}
	targetInum := decodeInum(victim)

	lastPageIdx := pages - 1
	lastPage := dd.Page(lastPageIdx)
	if lastPage == nil {
		return ErrIO
	}
	lastSlot := pageLength(dd, lastPageIdx) - 1
	last := entryAt(lastPage, lastSlot)

	copy(victim, last)
	for i := range last {
		last[i] = 0
	}

	if err := dd.Shrink(uint64(EntrySize)); err != nil {
		return err
	}

	target := tab.Get(int(targetInum))
	if target == nil {
		return ErrNotFound
	}
	return target.Release()
}

// List returns the unordered names of every entry in dd.
func List(dd *inode.Inode) ([]string, error) {
	pages := numPages(dd)
	var names []string
	for i := 0; i < pages; i++ {
		page := dd.Page(i)
		if page == nil {
			return nil, ErrIO
		}
		length := pageLength(dd, i)
		for slot := 0; slot < length; slot++ {
			names = append(names, decodeName(entryAt(page, slot)))
		}
	}
	return names, nil
}

// TreeLookup resolves an absolute, '/'-separated path to an inode number by
// walking Lookup from the root. There is no '.' or '..' normalization and no
// support for a trailing slash.
func TreeLookup(tab *inode.Table, path string) (int, error) {
	if path == "/" {
		return volume.RootInode, nil
	}

	trimmed := strings.TrimPrefix(path, "/")
	components := strings.Split(trimmed, "/")

	iwalk := volume.RootInode
	for _, name := range components {
		node := tab.Get(iwalk)
		if node == nil {
			return 0, ErrIO
		}
		inum, err := Lookup(node, name)
		if err != nil {
			return 0, err
		}
		iwalk = int(inum)
	}
	return iwalk, nil
}

// Split divides path into its parent directory path and basename, per
// spec.md's parent/basename rule: the basename starts after the last '/';
// the parent is everything before it, or "/" if that would be empty.
func Split(path string) (parent, base string) {
	i := strings.LastIndexByte(path, '/')
	base = path[i+1:]
	if i == 0 {
		parent = "/"
	} else {
		parent = path[:i]
	}
	return parent, base
}
