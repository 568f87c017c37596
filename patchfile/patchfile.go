// Package patchfile validates and parses the on-disk patch blob format
// described in spec.md §3/§6: an 8-byte magic, a fixed header, an embedded
// relocatable ELF image, a packed PatchHunk array, and a per-hunk undo
// backup region.
package patchfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/types"
)

// Magic is the fixed 8-byte tag every patch blob must begin with.
var Magic = [8]byte{'K', 'P', 'A', 'T', 'C', 'H', '1', 0}

// headerFixedSize is the fixed on-disk size of BlobHeader, encoded little-endian:
// magic(8) + total_size(8) + kpatch_offset(8) + user_info(8) + user_undo(8)
// + jmp_offset(8) + user_level(4) + uname_len(4) = 56, followed by the
// uname bytes themselves.
const headerFixedSize = 56

// hunkSize is the packed on-disk size of one PatchHunk record:
// daddr(8) + dlen(4) + saddr(8) + slen(4) + flags(4) = 28.
const hunkSize = 28

// Verify checks magic, total_size, and the embedded ELF header without
// parsing the hunk array. The stores do not call it: they call Parse, which
// runs the same checks before decoding the hunks.
func Verify(blob []byte) error {
	_, err := parseHeader(blob)
	if err != nil {
		return err
	}
	return nil
}

// Parse validates blob and returns its header and hunk array.
func Parse(blob []byte) (*types.Blob, []types.PatchHunk, error) {
	hdr, err := parseHeader(blob)
	if err != nil {
		return nil, nil, err
	}
	hunks, err := parseHunks(blob, hdr.UserInfo)
	if err != nil {
		return nil, nil, err
	}
	return &types.Blob{BlobHeader: *hdr, Bytes: blob}, hunks, nil
}

func parseHeader(blob []byte) (*types.BlobHeader, error) {
	if len(blob) < headerFixedSize {
		return nil, fmt.Errorf("blob shorter than fixed header: %w", kinds.ErrInvalidPatch)
	}
	if !bytes.Equal(blob[:8], Magic[:]) {
		return nil, fmt.Errorf("bad magic: %w", kinds.ErrInvalidPatch)
	}

	r := bytes.NewReader(blob[8:headerFixedSize])
	var raw struct {
		TotalSize    uint64
		KpatchOffset uint64
		UserInfo     uint64
		UserUndo     uint64
		JmpOffset    uint64
		UserLevel    uint32
		UnameLen     uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("read header: %w: %w", err, kinds.ErrInvalidPatch)
	}

	if raw.TotalSize > uint64(len(blob)) {
		return nil, fmt.Errorf("total_size %d exceeds blob length %d: %w", raw.TotalSize, len(blob), kinds.ErrInvalidPatch)
	}

	unameStart := headerFixedSize
	unameEnd := unameStart + int(raw.UnameLen)
	if raw.UnameLen == 0 || unameEnd > len(blob) {
		return nil, fmt.Errorf("uname field out of range: %w", kinds.ErrInvalidPatch)
	}
	uname := string(bytes.TrimRight(blob[unameStart:unameEnd], "\x00"))

	if err := verifyEmbeddedELF(blob, raw.KpatchOffset); err != nil {
		return nil, err
	}

	return &types.BlobHeader{
		TotalSize:    raw.TotalSize,
		KpatchOffset: raw.KpatchOffset,
		UserInfo:     raw.UserInfo,
		UserUndo:     raw.UserUndo,
		JmpOffset:    raw.JmpOffset,
		UserLevel:    raw.UserLevel,
		Uname:        uname,
	}, nil
}

// verifyEmbeddedELF checks that a standard relocatable ELF header with the
// platform's GElf section-header entry size sits at kpatchOffset.
func verifyEmbeddedELF(blob []byte, kpatchOffset uint64) error {
	if kpatchOffset >= uint64(len(blob)) {
		return fmt.Errorf("kpatch_offset out of range: %w", kinds.ErrInvalidPatch)
	}
	f, err := elf.NewFile(bytes.NewReader(blob[kpatchOffset:]))
	if err != nil {
		return fmt.Errorf("parse embedded ELF: %w: %w", err, kinds.ErrInvalidPatch)
	}
	defer f.Close() //nolint:errcheck

	if f.Type != elf.ET_REL {
		return fmt.Errorf("embedded ELF type %s is not ET_REL: %w", f.Type, kinds.ErrInvalidPatch)
	}
	// elf.NewFile only rejects an e_shentsize smaller than the class's
	// section-header size, and only when section headers are present, so
	// the exact size is checked here.
	shentOff, wantShentsize := uint64(58), uint16(64)
	if f.Class == elf.ELFCLASS32 {
		shentOff, wantShentsize = 46, 40
	}
	if got := f.ByteOrder.Uint16(blob[kpatchOffset+shentOff:]); got != wantShentsize {
		return fmt.Errorf("embedded ELF e_shentsize %d, want %d: %w", got, wantShentsize, kinds.ErrInvalidPatch)
	}
	return nil
}

func parseHunks(blob []byte, userInfo uint64) ([]types.PatchHunk, error) {
	var hunks []types.PatchHunk
	off := userInfo
	for {
		if off+hunkSize > uint64(len(blob)) {
			return nil, fmt.Errorf("hunk array runs past end of blob without a sentinel: %w", kinds.ErrInvalidPatch)
		}
		h, err := decodeHunk(blob[off : off+hunkSize])
		if err != nil {
			return nil, err
		}
		if h.IsEnd() {
			return hunks, nil
		}
		hunks = append(hunks, h)
		off += hunkSize
	}
}

func decodeHunk(b []byte) (types.PatchHunk, error) {
	return DecodeHunk(b)
}

// DecodeHunk unpacks one 28-byte on-disk PatchHunk record. Exported so the
// revoke engine can reuse it when recovering o.Info from target memory.
func DecodeHunk(b []byte) (types.PatchHunk, error) {
	if len(b) < hunkSize {
		return types.PatchHunk{}, fmt.Errorf("short hunk record: %w", kinds.ErrInvalidPatch)
	}
	return types.PatchHunk{
		Daddr: uintptr(binary.LittleEndian.Uint64(b[0:8])),
		Dlen:  binary.LittleEndian.Uint32(b[8:12]),
		Saddr: uintptr(binary.LittleEndian.Uint64(b[12:20])),
		Slen:  binary.LittleEndian.Uint32(b[20:24]),
		Flags: types.HunkFlag(binary.LittleEndian.Uint32(b[24:28])),
	}, nil
}

// HunkSize is the packed on-disk size of one PatchHunk record.
const HunkSize = hunkSize

// header field byte offsets, following the magic(8) + total_size(8) +
// kpatch_offset(8) + user_info(8) + user_undo(8) + jmp_offset(8) +
// user_level(4) + uname_len(4) layout.
const (
	offTotalSize = 8
	offUserUndo  = 32
	offJmpOffset = 40
)

// RewriteLayout overwrites the total_size, user_undo, and jmp_offset fields
// of an in-memory blob header in place. The apply engine calls this once it
// has computed the live patch region's actual layout — sizes and offsets
// that don't exist until the region is mapped — so the header written into
// the target alongside the blob is self-describing: a later cold read of
// the region (no cached AppliedPatch available) can recover the same
// offsets without re-deriving them.
func RewriteLayout(blob []byte, totalSize, userUndo, jmpOffset uint64) {
	binary.LittleEndian.PutUint64(blob[offTotalSize:offTotalSize+8], totalSize)
	binary.LittleEndian.PutUint64(blob[offUserUndo:offUserUndo+8], userUndo)
	binary.LittleEndian.PutUint64(blob[offJmpOffset:offJmpOffset+8], jmpOffset)
}

// PeekUnameLen validates the magic on a header's first 56 bytes and returns
// its uname_len field, so a caller holding only the fixed header (as read
// directly out of a live target's memory) can size a follow-up read of the
// uname bytes themselves.
func PeekUnameLen(raw []byte) (uint32, error) {
	if len(raw) < headerFixedSize {
		return 0, fmt.Errorf("header bytes shorter than fixed header: %w", kinds.ErrInvalidPatch)
	}
	if !bytes.Equal(raw[:8], Magic[:]) {
		return 0, fmt.Errorf("bad magic: %w", kinds.ErrInvalidPatch)
	}
	return binary.LittleEndian.Uint32(raw[52:56]), nil
}

// ReadLayout decodes the fixed-offset layout fields (user_info, user_undo,
// user_level) from raw header bytes read directly out of a live target's
// mapped patch region, without requiring the embedded ELF or uname field to
// be present in raw. Used by the revoke and upgrade engines to recover a
// patch region's layout and currently-installed level when no cached
// AppliedPatch exists.
func ReadLayout(raw []byte) (totalSize, userInfo, userUndo uint64, userLevel uint32, err error) {
	if len(raw) < headerFixedSize {
		return 0, 0, 0, 0, fmt.Errorf("header bytes shorter than fixed header: %w", kinds.ErrInvalidPatch)
	}
	if !bytes.Equal(raw[:8], Magic[:]) {
		return 0, 0, 0, 0, fmt.Errorf("bad magic: %w", kinds.ErrInvalidPatch)
	}
	totalSize = binary.LittleEndian.Uint64(raw[8:16])
	userInfo = binary.LittleEndian.Uint64(raw[24:32])
	userUndo = binary.LittleEndian.Uint64(raw[32:40])
	userLevel = binary.LittleEndian.Uint32(raw[48:52])
	return totalSize, userInfo, userUndo, userLevel, nil
}

// EncodeHunk packs h into its 28-byte on-disk representation, the inverse
// of DecodeHunk; tests use it to build patch blobs.
func EncodeHunk(h types.PatchHunk) []byte {
	b := make([]byte, hunkSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.Daddr))
	binary.LittleEndian.PutUint32(b[8:12], h.Dlen)
	binary.LittleEndian.PutUint64(b[12:20], uint64(h.Saddr))
	binary.LittleEndian.PutUint32(b[20:24], h.Slen)
	binary.LittleEndian.PutUint32(b[24:28], uint32(h.Flags))
	return b
}

// SentinelHunk is the all-zero terminator record.
var SentinelHunk = make([]byte, hunkSize)
