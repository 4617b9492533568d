package label_test

import (
	"testing"

	. "keydirectory.example/label"
)

func mustLabel(t *testing.T, bitLen uint32, b [32]byte) Label {
	t.Helper()
	l, err := New(bitLen, b)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLcpRootIsEmpty(t *testing.T) {
	a := mustLabel(t, 1, [32]byte{0x00})
	p, dirA, dirB := Lcp(RootLabel, a)
	if p.BitLen != 0 {
		t.Fatalf("expected empty lcp, got bitlen %d", p.BitLen)
	}
	if dirA != None {
		t.Fatalf("expected root direction None, got %d", dirA)
	}
	if dirB != Left {
		t.Fatalf("expected leaf direction Left, got %d", dirB)
	}
}

func TestLcpSharedPrefix(t *testing.T) {
	a := mustLabel(t, 2, [32]byte{0b00000000})
	b := mustLabel(t, 2, [32]byte{0b01000000})
	p, dirA, dirB := Lcp(a, b)
	if p.BitLen != 1 {
		t.Fatalf("expected 1-bit common prefix, got %d", p.BitLen)
	}
	if dirA != Left || dirB != Right {
		t.Fatalf("expected directions Left/Right, got %d/%d", dirA, dirB)
	}
}

func TestLcpEqualLabels(t *testing.T) {
	a := mustLabel(t, 8, [32]byte{0xAB})
	b := mustLabel(t, 8, [32]byte{0xAB})
	p, dirA, dirB := Lcp(a, b)
	if !p.Equal(a) {
		t.Fatalf("expected lcp of equal labels to equal the label")
	}
	if dirA != None || dirB != None {
		t.Fatalf("expected both directions None for equal labels")
	}
}

func TestHasPrefix(t *testing.T) {
	p := mustLabel(t, 4, [32]byte{0b10100000})
	l := mustLabel(t, 8, [32]byte{0b10101100})
	if !l.HasPrefix(p) {
		t.Fatal("expected l to have prefix p")
	}
	notP := mustLabel(t, 4, [32]byte{0b10110000})
	if l.HasPrefix(notP) {
		t.Fatal("expected l to not have prefix notP")
	}
}

func TestNewRejectsTrailingBits(t *testing.T) {
	if _, err := New(4, [32]byte{0b00001111}); err == nil {
		t.Fatal("expected error for non-zero bits beyond declared length")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	l := mustLabel(t, 12, [32]byte{0xAB, 0xC0})
	got, err := FromBytes(l.BitLen, l.Bytes()[4:])
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(l) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, l)
	}
}
