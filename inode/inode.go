// Package inode packs and unpacks on-disk inode records and implements the
// allocator, grow/shrink, and page-dereferencing logic that sits above
// volume's raw page access. Every other package above this one (directory,
// storage) manipulates inodes only through the Table and Inode types here.
package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/jacobsa/timeutil"
	"github.com/nufs-project/nufs/internal/logger"
	"github.com/nufs-project/nufs/volume"
)

// Packed record layout, little-endian, InodeRecordSize (40) bytes total.
const (
	offMode  = 0
	offRefs  = 4
	offSize  = 8
	offPtr0  = 16
	offPtr1  = 20
	offIptr  = 24
	offAtime = 28
	offMtime = 32
	// 4 bytes of trailing padding bring the record to volume.InodeRecordSize.

	// ptrsPerIndirect is the number of uint32 page pointers that fit in one
	// indirect page.
	ptrsPerIndirect = volume.PageSize / 4

	// maxDirectPointers is len(ptrs) in the original record: two direct
	// pointers before the indirect page takes over.
	maxDirectPointers = 2

	// MaxPages is the largest number of data pages a single inode can
	// address: two direct pointers plus one full indirect page of pointers.
	MaxPages = maxDirectPointers + ptrsPerIndirect

	// MaxSize is the largest byte size grow_inode will permit.
	MaxSize = MaxPages * volume.PageSize
)

// ErrNoSpace is returned by Alloc and Grow when no inode or page remains free.
var ErrNoSpace = fmt.Errorf("inode: no space")

// ErrTooBig is returned by Grow when the requested size would need more
// pages than an inode can address.
var ErrTooBig = fmt.Errorf("inode: file too big")

// ErrInvalid is returned by Shrink when asked to shrink by more than the
// inode's current size.
var ErrInvalid = fmt.Errorf("inode: invalid shrink size")

// Table is the inode table: a fixed-capacity array of packed inode records
// living in volume.InodeTablePages worth of mapped pages, together with its
// allocation bitmap (volume.Volume.InodeBitmap).
type Table struct {
	vol    *volume.Volume
	region []byte
	clock  timeutil.Clock
}

// NewTable wraps vol's inode table region. clock stamps atime/mtime on
// allocation and mutation.
func NewTable(vol *volume.Volume, clock timeutil.Clock) *Table {
	return &Table{
		vol:    vol,
		region: vol.Region(volume.InodeTableStartPage, volume.InodeTablePages),
		clock:  clock,
	}
}

func (t *Table) recordBytes(i int) []byte {
	if i < 0 || i >= volume.InodeCapacity {
		return nil
	}
	off := i * volume.InodeRecordSize
	return t.region[off : off+volume.InodeRecordSize]
}

// Get returns a handle to inode i, or nil if i is out of range. Get does not
// check whether i is allocated; callers that care use the storage layer's
// directory-backed reference counting instead.
func (t *Table) Get(i int) *Inode {
	rec := t.recordBytes(i)
	if rec == nil {
		return nil
	}
	return &Inode{table: t, index: i, rec: rec}
}

// Alloc finds a free inode slot, marks it allocated, zeroes its record, and
// stamps its mtime to now. It returns ErrNoSpace if the table is full.
func (t *Table) Alloc() (*Inode, error) {
	ib := t.vol.InodeBitmap()
	i := ib.FindFirstClear(0)
	if i == -1 || i >= volume.InodeCapacity {
		logger.Debugf("inode: alloc: no space (%d slots)", volume.InodeCapacity)
		return nil, ErrNoSpace
	}
	ib.Set(i, true)
	logger.Debugf("inode: alloc %d", i)

	in := t.Get(i)
	for j := range in.rec {
		in.rec[j] = 0
	}
	now := uint32(t.clock.Now().Unix())
	in.setAtime(now)
	in.setMtime(now)
	return in, nil
}

// Free clears inode i's bit in the inode bitmap. The caller must have
// already dropped the inode's data pages (via Shrink to zero) and verified
// refs has reached zero; Free itself does not check either.
func (t *Table) Free(i int) {
	logger.Debugf("inode: free %d", i)
	t.vol.InodeBitmap().Set(i, false)
}

// Inode is a handle to one packed record in the table, plus the index that
// identifies it (no pointer arithmetic on the underlying array is needed or
// performed — callers that need the index already have it here).
type Inode struct {
	table *Table
	index int
	rec   []byte
}

// Index returns the inode number this handle refers to.
func (in *Inode) Index() int { return in.index }

func (in *Inode) Mode() uint32 { return binary.LittleEndian.Uint32(in.rec[offMode:]) }
func (in *Inode) SetMode(m uint32) {
	binary.LittleEndian.PutUint32(in.rec[offMode:], m)
}

func (in *Inode) Refs() uint32 { return binary.LittleEndian.Uint32(in.rec[offRefs:]) }
func (in *Inode) SetRefs(r uint32) {
	binary.LittleEndian.PutUint32(in.rec[offRefs:], r)
}
func (in *Inode) IncRefs() { in.SetRefs(in.Refs() + 1) }

// DecRefs decrements refs and returns the new value. It does not free the
// inode; its caller (Release) does that once the result reaches zero.
func (in *Inode) DecRefs() uint32 {
	r := in.Refs() - 1
	in.SetRefs(r)
	return r
}

func (in *Inode) Size() uint64 { return binary.LittleEndian.Uint64(in.rec[offSize:]) }
func (in *Inode) setSize(s uint64) {
	binary.LittleEndian.PutUint64(in.rec[offSize:], s)
}

func (in *Inode) ptr(i int) uint32 {
	return binary.LittleEndian.Uint32(in.rec[offPtr0+4*i:])
}
func (in *Inode) setPtr(i int, p uint32) {
	binary.LittleEndian.PutUint32(in.rec[offPtr0+4*i:], p)
}

func (in *Inode) Iptr() uint32 { return binary.LittleEndian.Uint32(in.rec[offIptr:]) }
func (in *Inode) setIptr(p uint32) {
	binary.LittleEndian.PutUint32(in.rec[offIptr:], p)
}

func (in *Inode) Atime() uint32 { return binary.LittleEndian.Uint32(in.rec[offAtime:]) }
func (in *Inode) setAtime(t uint32) {
	binary.LittleEndian.PutUint32(in.rec[offAtime:], t)
}

func (in *Inode) Mtime() uint32 { return binary.LittleEndian.Uint32(in.rec[offMtime:]) }
func (in *Inode) setMtime(t uint32) {
	binary.LittleEndian.PutUint32(in.rec[offMtime:], t)
}

// Release decrements refs and, once it reaches zero, shrinks the inode back
// to size zero and returns its slot to the free list. Mirrors the donor's
// free_inode: its caller (directory.Delete, reached from storage.Unlink and
// storage.Rename) invokes this once it has already detached the dirent that
// referenced the inode.
func (in *Inode) Release() error {
	if in.DecRefs() > 0 {
		return nil
	}
	if err := in.Shrink(in.Size()); err != nil {
		return err
	}
	in.table.Free(in.index)
	return nil
}

// SetTimes implements the utimens behavior flagged suspect in spec.md §9 and
// preserved exactly: ts[0] sets mtime, ts[1] sets atime.
func (in *Inode) SetTimes(ts0, ts1 uint32) {
	in.setMtime(ts0)
	in.setAtime(ts1)
}

// TouchAtime stamps atime to now.
func (in *Inode) TouchAtime() {
	in.setAtime(uint32(in.table.clock.Now().Unix()))
}

// TouchMtime stamps mtime to now.
func (in *Inode) TouchMtime() {
	in.setMtime(uint32(in.table.clock.Now().Unix()))
}

func bytesToPages(size uint64) int {
	return int((size + volume.PageSize - 1) / volume.PageSize)
}

// pageAt returns the raw page pointer (0 meaning unset) stored at data-page
// index idx, following direct pointers for idx < 2 and the indirect page
// beyond that.
func (in *Inode) pageAt(idx int) uint32 {
	if idx < maxDirectPointers {
		return in.ptr(idx)
	}
	iptr := in.Iptr()
	if iptr == 0 {
		return 0
	}
	indirect := in.table.vol.Page(int(iptr))
	slot := idx - maxDirectPointers
	if slot >= ptrsPerIndirect {
		return 0
	}
	return binary.LittleEndian.Uint32(indirect[4*slot:])
}

// Page returns the data page at index idx within this inode's file, or nil
// if idx is beyond the file's current extent (mirrors inode_get_page: valid
// indices satisfy idx <= size/PageSize, using integer division).
func (in *Inode) Page(idx int) []byte {
	if idx > int(in.Size())/volume.PageSize {
		return nil
	}
	p := in.pageAt(idx)
	if p == 0 {
		return nil
	}
	return in.table.vol.Page(int(p))
}

func freeAllPages(vol *volume.Volume, pages []int) {
	for _, p := range pages {
		if p > 0 {
			vol.FreePage(p)
		}
	}
}

// Grow extends the inode's size by delta bytes, allocating whatever data
// pages and (if crossing the two-direct-pointer threshold) indirect page are
// needed. Allocation is all-or-nothing: if any required page cannot be
// allocated, every page obtained during this call is freed and the inode is
// left completely unmodified.
func (in *Inode) Grow(delta uint64) error {
	logger.Tracef("inode %d: grow by %d bytes (size=%d)", in.index, delta, in.Size())
	oldPagesUsed := bytesToPages(in.Size())
	newSize := in.Size() + delta
	newPagesUsed := bytesToPages(newSize)

	if newPagesUsed > MaxPages {
		return ErrTooBig
	}

	addPages := newPagesUsed - oldPagesUsed
	if addPages <= 0 {
		in.setSize(newSize)
		return nil
	}

	vol := in.table.vol

	// Crossing into indirect-pointer territory: allocate the indirect page
	// first, but do not commit it to the record until every data page also
	// succeeds (rollback below frees it like any other page on failure).
	needIptr := oldPagesUsed <= maxDirectPointers && newPagesUsed > maxDirectPointers
	var iptrPage int
	if needIptr {
		p, err := vol.AllocPage()
		if err != nil {
			return ErrNoSpace
		}
		vol.ZeroPage(p)
		iptrPage = p
	}

	newPages := make([]int, 0, addPages)
	for i := 0; i < addPages; i++ {
		p, err := vol.AllocPage()
		if err != nil {
			freeAllPages(vol, newPages)
			if needIptr {
				vol.FreePage(iptrPage)
			}
			return ErrNoSpace
		}
		vol.ZeroPage(p)
		newPages = append(newPages, p)
	}

	if needIptr {
		in.setIptr(uint32(iptrPage))
	}

	// Fill order: ptrs[0], then ptrs[1], then the indirect slots forward.
	var indirect []byte
	if in.Iptr() != 0 {
		indirect = vol.Page(int(in.Iptr()))
	}
	iptrInd := 0
	if indirect != nil {
		for iptrInd < ptrsPerIndirect && binary.LittleEndian.Uint32(indirect[4*iptrInd:]) != 0 {
			iptrInd++
		}
	}

	for _, p := range newPages {
		switch {
		case in.ptr(0) == 0:
			in.setPtr(0, uint32(p))
		case in.ptr(1) == 0:
			in.setPtr(1, uint32(p))
		case indirect != nil && iptrInd < ptrsPerIndirect:
			binary.LittleEndian.PutUint32(indirect[4*iptrInd:], uint32(p))
			iptrInd++
		default:
			// Should not happen: addPages was bounded by MaxPages above.
			return ErrTooBig
		}
	}

	in.setSize(newSize)
	return nil
}

// Shrink reduces the inode's size by delta bytes, freeing whatever data
// pages (and, once its last slot empties, the indirect page) fall out of
// range. Pages are freed in the reverse of Grow's fill order: indirect slots
// high-to-low, then ptrs[1], then ptrs[0].
func (in *Inode) Shrink(delta uint64) error {
	logger.Tracef("inode %d: shrink by %d bytes (size=%d)", in.index, delta, in.Size())
	if delta > in.Size() {
		return ErrInvalid
	}

	vol := in.table.vol
	oldPagesUsed := bytesToPages(in.Size())
	newSize := in.Size() - delta
	newPagesUsed := bytesToPages(newSize)
	freePages := oldPagesUsed - newPagesUsed

	var indirect []byte
	iptrInd := -1
	if in.Iptr() != 0 {
		indirect = vol.Page(int(in.Iptr()))
		for i := 0; i < ptrsPerIndirect; i++ {
			if binary.LittleEndian.Uint32(indirect[4*i:]) == 0 {
				iptrInd = i - 1
				break
			}
			iptrInd = i
		}
	}

	for i := 0; i < freePages; i++ {
		switch {
		case indirect != nil && iptrInd >= 0 && iptrInd < ptrsPerIndirect && binary.LittleEndian.Uint32(indirect[4*iptrInd:]) != 0:
			p := binary.LittleEndian.Uint32(indirect[4*iptrInd:])
			binary.LittleEndian.PutUint32(indirect[4*iptrInd:], 0)
			vol.FreePage(int(p))
			if iptrInd == 0 {
				vol.FreePage(int(in.Iptr()))
				in.setIptr(0)
			}
			iptrInd--
		case in.ptr(1) != 0:
			vol.FreePage(int(in.ptr(1)))
			in.setPtr(1, 0)
		case in.ptr(0) != 0:
			vol.FreePage(int(in.ptr(0)))
			in.setPtr(0, 0)
		default:
			return fmt.Errorf("inode: shrink ran out of pages to free (inconsistent record)")
		}
	}

	in.setSize(newSize)
	return nil
}
