package bitmap

import "testing"

func TestGetSetMSBFirst(t *testing.T) {
	b := make(Bitmap, 2)

	// Bit 0 is the MSB of byte 0.
	b.Set(0, true)
	if b[0] != 0x80 {
		t.Fatalf("byte 0 = %08b, want 10000000", b[0])
	}

	// Bit 7 is the LSB of byte 0.
	b.Set(7, true)
	if b[0] != 0x81 {
		t.Fatalf("byte 0 = %08b, want 10000001", b[0])
	}

	// Bit 8 is the MSB of byte 1.
	b.Set(8, true)
	if b[1] != 0x80 {
		t.Fatalf("byte 1 = %08b, want 10000000", b[1])
	}

	for _, i := range []int{0, 7, 8} {
		if !b.Get(i) {
			t.Errorf("Get(%d) = false, want true", i)
		}
	}
	if b.Get(1) {
		t.Errorf("Get(1) = true, want false")
	}

	b.Set(0, false)
	if b.Get(0) {
		t.Errorf("Get(0) = true after Set(0, false)")
	}
}

func TestFindFirstClear(t *testing.T) {
	b := make(Bitmap, 1)
	b.Set(0, true)
	b.Set(1, true)

	if got := b.FindFirstClear(0); got != 2 {
		t.Fatalf("FindFirstClear(0) = %d, want 2", got)
	}

	for i := 0; i < 8; i++ {
		b.Set(i, true)
	}
	if got := b.FindFirstClear(0); got != -1 {
		t.Fatalf("FindFirstClear(0) = %d, want -1 (full)", got)
	}
}

func TestFindFirstClearFromOffset(t *testing.T) {
	b := make(Bitmap, 2)
	for i := 0; i < 12; i++ {
		b.Set(i, true)
	}

	if got := b.FindFirstClear(5); got != 12 {
		t.Fatalf("FindFirstClear(5) = %d, want 12", got)
	}
}

func TestCount(t *testing.T) {
	b := make(Bitmap, 1)
	b.Set(1, true)
	b.Set(3, true)
	b.Set(5, true)

	if got := b.Count(0); got != 3 {
		t.Fatalf("Count(0) = %d, want 3", got)
	}
	if got := b.Count(4); got != 1 {
		t.Fatalf("Count(4) = %d, want 1", got)
	}
}
