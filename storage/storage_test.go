package storage

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/nufs-project/nufs/directory"
	"github.com/nufs-project/nufs/volume"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T, pages int) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image")
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Unix(1700000000, 0))

	s, err := Open(path, pages, clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// S1: fresh init, then list("/") is empty.
func TestFreshVolumeRootIsEmpty(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)

	st, err := s.Stat("/")
	require.NoError(t, err)
	require.Equal(t, uint64(0), st.Ino)
	require.True(t, isDirMode(st.Mode))
	require.Equal(t, uint32(1), st.Nlink)

	names, err := s.List("/")
	require.NoError(t, err)
	require.Empty(t, names)
}

// S2: mknod, write, read, stat round trip.
func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)

	require.NoError(t, s.Mknod("/f", syscall.S_IFREG|0644))

	n, err := s.Write("/f", []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = s.Read("/f", buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	st, err := s.Stat("/f")
	require.NoError(t, err)
	require.Equal(t, uint64(5), st.Size)
}

// S3: growing across direct + indirect pointers, then truncating back to 0
// frees every page including the indirect page.
func TestGrowAcrossIndirectPointerThenTruncateToZero(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+16)

	require.NoError(t, s.Mknod("/f", syscall.S_IFREG|0644))

	size := 3*volume.PageSize + 17
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}

	n, err := s.Write("/f", data, 0)
	require.NoError(t, err)
	require.Equal(t, size, n)

	st, err := s.Stat("/f")
	require.NoError(t, err)
	require.Equal(t, uint64(size), st.Size)

	readBack := make([]byte, size)
	n, err = s.Read("/f", readBack, 0)
	require.NoError(t, err)
	require.Equal(t, size, n)
	require.Equal(t, data, readBack)

	require.NoError(t, s.Truncate("/f", 0))
	st, err = s.Stat("/f")
	require.NoError(t, err)
	require.Equal(t, uint64(0), st.Size)
}

// S4: entries_per_page + 1 files, delete the first, list returns the rest.
func TestDirectoryAcrossMultiplePagesAfterDelete(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+16)
	require.NoError(t, s.Mknod("/d", syscall.S_IFDIR|0755))

	const entriesPerPage = volume.PageSize / directory.EntrySize
	names := make([]string, 0, entriesPerPage+1)
	for i := 0; i < entriesPerPage+1; i++ {
		name := "/d/" + string(rune('a'+i%26)) + string(rune('A'+i/26))
		require.NoError(t, s.Mknod(name, syscall.S_IFREG|0644))
		names = append(names, name[3:])
	}

	require.NoError(t, s.Unlink("/d/"+names[0]))

	got, err := s.List("/d")
	require.NoError(t, err)
	require.Len(t, got, entriesPerPage)

	st, err := s.Stat("/d")
	require.NoError(t, err)
	require.Equal(t, uint64(entriesPerPage*directory.EntrySize), st.Size)
}

// S5: hardlinks share inode identity and refs.
func TestLinkSharesInodeIdentity(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)
	require.NoError(t, s.Mknod("/a", syscall.S_IFREG|0644))
	_, err := s.Write("/a", []byte("xyz"), 0)
	require.NoError(t, err)

	require.NoError(t, s.Link("/a", "/b"))

	sa, err := s.Stat("/a")
	require.NoError(t, err)
	require.Equal(t, uint32(2), sa.Nlink)

	sb, err := s.Stat("/b")
	require.NoError(t, err)
	require.Equal(t, sa.Ino, sb.Ino)

	require.NoError(t, s.Unlink("/a"))
	sb2, err := s.Stat("/b")
	require.NoError(t, err)
	require.Equal(t, uint32(1), sb2.Nlink)

	buf := make([]byte, 3)
	n, err := s.Read("/b", buf, 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "xyz", string(buf))
}

// S6: symlinks store target + NUL as their content.
func TestSymlinkContent(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)
	require.NoError(t, s.Symlink("/target", "/s"))

	buf := make([]byte, 64)
	n, err := s.Read("/s", buf, 0)
	require.NoError(t, err)
	require.Equal(t, "/target\x00", string(buf[:n]))
}

// S7: filling a small volume eventually returns ErrNoSpace, and size
// reflects exactly what was actually written.
func TestWriteUntilNoSpace(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+3)
	require.NoError(t, s.Mknod("/f", syscall.S_IFREG|0644))

	chunk := make([]byte, volume.PageSize)
	var lastGoodSize uint64
	var sawNoSpace bool
	for i := 0; i < 10; i++ {
		_, err := s.Write("/f", chunk, int64(lastGoodSize))
		if err != nil {
			require.ErrorIs(t, err, ErrNoSpace)
			sawNoSpace = true
			break
		}
		lastGoodSize += uint64(len(chunk))
	}
	require.True(t, sawNoSpace, "expected ErrNoSpace before exhausting 10 iterations")

	st, err := s.Stat("/f")
	require.NoError(t, err)
	require.Equal(t, lastGoodSize, st.Size)
}

// I-2 ("No leak", spec.md §8): after unlinking every path created across a
// sequence of operations that spans direct pointers, an indirect page, and
// a nested directory, the page bitmap has only the reserved metadata pages
// set and the inode bitmap has only the root bit set.
func TestNoLeakAfterUnlinkingEverything(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+24)

	require.NoError(t, s.Mknod("/big", syscall.S_IFREG|0644))
	big := make([]byte, 3*volume.PageSize+17)
	_, err := s.Write("/big", big, 0)
	require.NoError(t, err)

	require.NoError(t, s.Mknod("/small", syscall.S_IFREG|0644))
	_, err = s.Write("/small", []byte("hi"), 0)
	require.NoError(t, err)

	require.NoError(t, s.Mknod("/d", syscall.S_IFDIR|0755))
	require.NoError(t, s.Mknod("/d/a", syscall.S_IFREG|0644))
	require.NoError(t, s.Mknod("/d/b", syscall.S_IFREG|0644))
	_, err = s.Write("/d/a", []byte("abc"), 0)
	require.NoError(t, err)

	require.NoError(t, s.Symlink("/big", "/s"))

	require.NoError(t, s.Mknod("/linked", syscall.S_IFREG|0644))
	require.NoError(t, s.Link("/linked", "/linked2"))

	require.NoError(t, s.Unlink("/big"))
	require.NoError(t, s.Unlink("/small"))
	require.NoError(t, s.Unlink("/d/a"))
	require.NoError(t, s.Unlink("/d/b"))
	require.NoError(t, s.Unlink("/d"))
	require.NoError(t, s.Unlink("/s"))
	require.NoError(t, s.Unlink("/linked"))
	require.NoError(t, s.Unlink("/linked2"))

	names, err := s.List("/")
	require.NoError(t, err)
	require.Empty(t, names)

	require.Equal(t, 0, s.vol.PageBitmap().Count(volume.FirstDataPage),
		"no data pages should remain allocated once every path is unlinked")
	require.Equal(t, 0, s.vol.InodeBitmap().Count(1),
		"no inode besides the root should remain allocated once every path is unlinked")
}

func TestRenameAtomicity(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)
	require.NoError(t, s.Mknod("/a", syscall.S_IFREG|0644))
	sa, err := s.Stat("/a")
	require.NoError(t, err)

	require.NoError(t, s.Rename("/a", "/b"))

	_, err = s.Stat("/a")
	require.ErrorIs(t, err, ErrNotFound)

	sb, err := s.Stat("/b")
	require.NoError(t, err)
	require.Equal(t, sa.Ino, sb.Ino)
}

func TestRenameOverExistingDestination(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)
	require.NoError(t, s.Mknod("/a", syscall.S_IFREG|0644))
	require.NoError(t, s.Mknod("/b", syscall.S_IFREG|0644))

	sa, err := s.Stat("/a")
	require.NoError(t, err)

	require.NoError(t, s.Rename("/a", "/b"))

	sb, err := s.Stat("/b")
	require.NoError(t, err)
	require.Equal(t, sa.Ino, sb.Ino)

	names, err := s.List("/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b"}, names)
}

func TestMknodPathIdempotence(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)
	require.NoError(t, s.Mknod("/p", syscall.S_IFREG|0644))
	_, err := s.Write("/p", []byte("abc"), 0)
	require.NoError(t, err)

	require.NoError(t, s.Unlink("/p"))
	require.NoError(t, s.Mknod("/p", syscall.S_IFREG|0644))

	st, err := s.Stat("/p")
	require.NoError(t, err)
	require.Equal(t, uint64(0), st.Size)
}

func TestMknodExistingNameFails(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)
	require.NoError(t, s.Mknod("/p", syscall.S_IFREG|0644))
	err := s.Mknod("/p", syscall.S_IFREG|0644)
	require.ErrorIs(t, err, ErrExists)
}

func TestReadWriteOnDirectoryIsIsDir(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)
	require.NoError(t, s.Mknod("/d", syscall.S_IFDIR|0755))

	_, err := s.Read("/d", make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrIsDir)

	_, err = s.Write("/d", []byte("x"), 0)
	require.ErrorIs(t, err, ErrIsDir)
}

func TestTruncateGrowZeroFillsNewRange(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)
	require.NoError(t, s.Mknod("/f", syscall.S_IFREG|0644))
	_, err := s.Write("/f", []byte("ab"), 0)
	require.NoError(t, err)

	require.NoError(t, s.Truncate("/f", 10))

	buf := make([]byte, 10)
	n, err := s.Read("/f", buf, 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, "ab", string(buf[:2]))
	for _, b := range buf[2:] {
		require.Equal(t, byte(0), b)
	}
}

func TestUtimensPreservesDonorOrdering(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)
	require.NoError(t, s.Mknod("/f", syscall.S_IFREG|0644))

	ts0 := time.Unix(111, 0)
	ts1 := time.Unix(222, 0)
	require.NoError(t, s.Utimens("/f", ts0, ts1))

	st, err := s.Stat("/f")
	require.NoError(t, err)
	require.Equal(t, int64(111), st.Mtime.Unix())
	require.Equal(t, int64(222), st.Atime.Unix())
}

func TestChmodOverwritesEntireMode(t *testing.T) {
	s := newTestStorage(t, volume.FirstDataPage+8)
	require.NoError(t, s.Mknod("/f", syscall.S_IFREG|0644))
	require.NoError(t, s.Chmod("/f", syscall.S_IFREG|0600))

	st, err := s.Stat("/f")
	require.NoError(t, err)
	require.Equal(t, uint32(syscall.S_IFREG|0600), st.Mode)
}

func TestReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Unix(0, 0))

	s1, err := Open(path, volume.FirstDataPage+8, clock)
	require.NoError(t, err)
	require.NoError(t, s1.Mknod("/f", syscall.S_IFREG|0644))
	_, err = s1.Write("/f", []byte("persist"), 0)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, 0, clock)
	require.NoError(t, err)
	defer s2.Close()

	buf := make([]byte, 7)
	n, err := s2.Read("/f", buf, 0)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, "persist", string(buf))
}
