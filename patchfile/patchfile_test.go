package patchfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/types"
)

// buildMinimalELF returns a minimal valid ET_REL little-endian 64-bit ELF
// image: just enough for debug/elf.NewFile to accept it.
func buildMinimalELF(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	ehdr := make([]byte, 64)
	copy(ehdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	ehdr[4] = 2 // ELFCLASS64
	ehdr[5] = 1 // ELFDATA2LSB
	ehdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(ehdr[16:18], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(ehdr[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(ehdr[20:24], 1) // EV_CURRENT
	binary.LittleEndian.PutUint16(ehdr[52:54], 64) // e_ehsize
	binary.LittleEndian.PutUint16(ehdr[58:60], 64) // e_shentsize
	binary.LittleEndian.PutUint16(ehdr[60:62], 0)  // e_shnum
	binary.LittleEndian.PutUint16(ehdr[62:64], 0)  // e_shstrndx
	buf.Write(ehdr)
	return buf.Bytes()
}

func buildBlob(t *testing.T, mutate func(hdr *rawHeader, body []byte) []byte) []byte {
	t.Helper()
	elfImg := buildMinimalELF(t)
	uname := "deadbeef00112233\x00"

	kpatchOffset := uint64(headerFixedSize + len(uname))
	userInfo := kpatchOffset + uint64(len(elfImg))
	sentinel := SentinelHunk
	hunk := EncodeHunk(types.PatchHunk{Daddr: 0x1000, Dlen: 5, Saddr: 0x2000, Slen: 32})
	body := append(append([]byte{}, hunk...), sentinel...)

	hdr := rawHeader{
		TotalSize:    userInfo + uint64(len(body)),
		KpatchOffset: kpatchOffset,
		UserInfo:     userInfo,
		UserUndo:     0,
		JmpOffset:    0,
		UserLevel:    1,
		UnameLen:     uint32(len(uname)),
	}

	var out bytes.Buffer
	out.Write(Magic[:])
	binary.Write(&out, binary.LittleEndian, hdr) //nolint:errcheck
	out.WriteString(uname)
	out.Write(elfImg)
	out.Write(body)

	blob := out.Bytes()
	if mutate != nil {
		blob = mutate(&hdr, blob)
	}
	return blob
}

type rawHeader struct {
	TotalSize    uint64
	KpatchOffset uint64
	UserInfo     uint64
	UserUndo     uint64
	JmpOffset    uint64
	UserLevel    uint32
	UnameLen     uint32
}

func TestVerifyValidBlob(t *testing.T) {
	blob := buildBlob(t, nil)
	if err := Verify(blob); err != nil {
		t.Fatalf("Verify() on well-formed blob: %v", err)
	}
}

func TestVerifyBadMagic(t *testing.T) {
	blob := buildBlob(t, nil)
	blob[0] = 'X'
	err := Verify(blob)
	if !errors.Is(err, kinds.ErrInvalidPatch) {
		t.Fatalf("want ErrInvalidPatch, got %v", err)
	}
}

func TestVerifyTruncated(t *testing.T) {
	blob := buildBlob(t, nil)[:10]
	if err := Verify(blob); !errors.Is(err, kinds.ErrInvalidPatch) {
		t.Fatalf("want ErrInvalidPatch, got %v", err)
	}
}

func TestVerifyTotalSizeExceedsBlob(t *testing.T) {
	blob := buildBlob(t, func(hdr *rawHeader, b []byte) []byte {
		binary.LittleEndian.PutUint64(b[8:16], hdr.TotalSize+1_000_000)
		return b
	})
	if err := Verify(blob); !errors.Is(err, kinds.ErrInvalidPatch) {
		t.Fatalf("want ErrInvalidPatch, got %v", err)
	}
}

func TestVerifyBadEmbeddedELF(t *testing.T) {
	blob := buildBlob(t, func(hdr *rawHeader, b []byte) []byte {
		off := hdr.KpatchOffset
		copy(b[off:off+4], []byte{0, 0, 0, 0})
		return b
	})
	if err := Verify(blob); !errors.Is(err, kinds.ErrInvalidPatch) {
		t.Fatalf("want ErrInvalidPatch, got %v", err)
	}
}

func TestParseRoundTripsHunks(t *testing.T) {
	blob := buildBlob(t, nil)
	b, hunks, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if b.Uname != "deadbeef00112233" {
		t.Fatalf("uname = %q", b.Uname)
	}
	if len(hunks) != 1 {
		t.Fatalf("want 1 hunk, got %d", len(hunks))
	}
	h := hunks[0]
	if h.Daddr != 0x1000 || h.Dlen != 5 || h.Saddr != 0x2000 || h.Slen != 32 {
		t.Fatalf("unexpected hunk: %+v", h)
	}
}

func TestParseMissingSentinelRunsOff(t *testing.T) {
	blob := buildBlob(t, nil)
	// Truncate right after the single real hunk, before the sentinel.
	blob = blob[:len(blob)-hunkSize]
	if _, _, err := Parse(blob); !errors.Is(err, kinds.ErrInvalidPatch) {
		t.Fatalf("want ErrInvalidPatch, got %v", err)
	}
}
