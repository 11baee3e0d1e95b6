// Package volume memory-maps the backing disk image and hands out
// page-indexed access to it, together with the page allocator. It is the
// leaf of the storage engine: every other package dereferences pages
// through a *Volume.
package volume

import (
	"fmt"
	"os"

	"github.com/nufs-project/nufs/bitmap"
	"github.com/nufs-project/nufs/internal/logger"
	"golang.org/x/sys/unix"
)

const (
	// PageSize is the fixed size, in bytes, of every page in the volume.
	PageSize = 4096

	// InodeTableStartPage is the first page of the inode table (page 0 is
	// reserved for the allocation bitmaps).
	InodeTableStartPage = 1

	// InodeTablePages is the number of pages given over to the inode table.
	InodeTablePages = 16

	// FirstDataPage is M from spec.md §3.1: the first page index available
	// for allocation. Pages below this are permanently reserved.
	FirstDataPage = InodeTableStartPage + InodeTablePages

	// InodeRecordSize is the packed on-disk size of one inode record.
	InodeRecordSize = 40

	// InodeCapacity is the number of inode slots the table can hold.
	InodeCapacity = (InodeTablePages * PageSize) / InodeRecordSize

	// DefaultTotalPages sizes a freshly created image at 32 MiB, comfortably
	// within the single metadata-page budget computed by fitsMetadataPage.
	DefaultTotalPages = 8192

	// RootInode is the inode index of the root directory, fixed per spec.md §3.2.
	RootInode = 0
)

// inodeBitmapBytes is ceil(InodeCapacity/8), the fixed size of the inode
// bitmap region that follows the page bitmap on page 0.
const inodeBitmapBytes = (InodeCapacity + 7) / 8

// Volume is a memory-mapped, page-addressed disk image.
type Volume struct {
	file       *os.File
	data       []byte
	totalPages int
}

// fitsMetadataPage reports whether a page bitmap for totalPages pages plus
// the fixed-size inode bitmap fit inside a single PageSize-byte page, as
// required by the layout in spec.md §3.1 ("Metadata page"). This bounds how
// large a single-metadata-page image can be; see DESIGN.md for why the
// implementation chose a single metadata page instead of letting metadata
// span several.
func fitsMetadataPage(totalPages int) bool {
	pageBitmapBytes := (totalPages + 7) / 8
	return pageBitmapBytes+inodeBitmapBytes <= PageSize
}

// Open maps the backing file at path, creating and sizing it to
// desiredPages*PageSize if it does not yet exist. desiredPages is ignored
// for an existing image; its size on disk determines the page count.
func Open(path string, desiredPages int) (*Volume, error) {
	if desiredPages <= 0 {
		desiredPages = DefaultTotalPages
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("volume: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: stat %s: %w", path, err)
	}

	totalPages := desiredPages
	if info.Size() > 0 {
		if info.Size()%PageSize != 0 {
			f.Close()
			return nil, fmt.Errorf("volume: %s size %d is not a multiple of the page size %d", path, info.Size(), PageSize)
		}
		totalPages = int(info.Size() / PageSize)
	}

	if !fitsMetadataPage(totalPages) {
		f.Close()
		return nil, fmt.Errorf("volume: %d pages is too large for a single-page bitmap (use a smaller image)", totalPages)
	}

	if info.Size() == 0 {
		if err := f.Truncate(int64(totalPages) * PageSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("volume: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, totalPages*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: mmap %s: %w", path, err)
	}

	return &Volume{file: f, data: data, totalPages: totalPages}, nil
}

// Close unmaps the volume and closes the backing file.
func (v *Volume) Close() error {
	if err := unix.Munmap(v.data); err != nil {
		v.file.Close()
		return fmt.Errorf("volume: munmap: %w", err)
	}
	return v.file.Close()
}

// TotalPages returns N, the number of pages in the volume.
func (v *Volume) TotalPages() int {
	return v.totalPages
}

// Page returns the bytes backing page i. Precondition: 0 <= i < N.
func (v *Volume) Page(i int) []byte {
	if i < 0 || i >= v.totalPages {
		panic(fmt.Sprintf("volume: page index %d out of range [0, %d)", i, v.totalPages))
	}
	start := i * PageSize
	return v.data[start : start+PageSize]
}

// Region returns the contiguous bytes spanning pageCount pages starting at
// startPage. Used by the inode table, which treats its page range as one
// flat array of records rather than PageSize-sized pages.
func (v *Volume) Region(startPage, pageCount int) []byte {
	if startPage < 0 || pageCount < 0 || startPage+pageCount > v.totalPages {
		panic(fmt.Sprintf("volume: region [%d, %d) out of range [0, %d)", startPage, startPage+pageCount, v.totalPages))
	}
	start := startPage * PageSize
	end := start + pageCount*PageSize
	return v.data[start:end]
}

// PageBitmap returns the bounded byte slice of page 0 holding the page
// allocation bitmap.
func (v *Volume) PageBitmap() bitmap.Bitmap {
	pageBitmapBytes := (v.totalPages + 7) / 8
	return bitmap.Bitmap(v.Page(0)[:pageBitmapBytes])
}

// InodeBitmap returns the bounded byte slice of page 0 holding the inode
// allocation bitmap, immediately following the page bitmap.
func (v *Volume) InodeBitmap() bitmap.Bitmap {
	pageBitmapBytes := (v.totalPages + 7) / 8
	return bitmap.Bitmap(v.Page(0)[pageBitmapBytes : pageBitmapBytes+inodeBitmapBytes])
}

// ErrNoSpace is returned by AllocPage when no page is free.
var ErrNoSpace = fmt.Errorf("volume: no free pages")

// AllocPage finds the first free page at or above FirstDataPage, marks it
// allocated, and returns its index. It does not zero the page; callers that
// require zeroed contents must do so themselves.
func (v *Volume) AllocPage() (int, error) {
	pb := v.PageBitmap()
	i := pb.FindFirstClear(FirstDataPage)
	if i == -1 || i >= v.totalPages {
		logger.Debugf("volume: alloc page: no space (%d pages)", v.totalPages)
		return 0, ErrNoSpace
	}
	pb.Set(i, true)
	logger.Tracef("volume: alloc page %d", i)
	return i, nil
}

// FreePage clears page i's bit in the page bitmap. Freeing an already-free
// page is a silent no-op, matching the tolerance spec.md §4.1 grants test
// suites for double frees.
func (v *Volume) FreePage(i int) {
	logger.Tracef("volume: free page %d", i)
	v.PageBitmap().Set(i, false)
}

// ReserveMetadataPages marks pages [0, FirstDataPage) allocated. Called once
// by storage initialization of a fresh volume.
func (v *Volume) ReserveMetadataPages() {
	pb := v.PageBitmap()
	for i := 0; i < FirstDataPage; i++ {
		pb.Set(i, true)
	}
}

// ZeroPage clears page i's contents.
func (v *Volume) ZeroPage(i int) {
	p := v.Page(i)
	for j := range p {
		p[j] = 0
	}
}
