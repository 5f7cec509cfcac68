package zipstrip

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Record signatures and fixed sizes.
// reference: https://pkware.cachefly.net/webdocs/casestudies/APPNOTE.TXT
const (
	fileHeaderSignature      = 0x04034b50
	directoryHeaderSignature = 0x02014b50
	directoryEndSignature    = 0x06054b50
	fileHeaderLen            = 30 // + filename + extra
	directoryHeaderLen       = 46 // + filename + extra + comment
	directoryEndLen          = 22 // + comment

	// Value of the central-directory size field that marks a Zip64 archive.
	zip64SizeSentinel = 0xFFFFFFFF
)

// General-purpose bit flags.
const (
	flagEncrypted        = 0x1 << 0
	flagMethod6Detail    = 0x3 << 1
	flagNotSeekable      = 0x1 << 3
	flagEnhancedDeflate  = 0x1 << 4
	flagPatchData        = 0x1 << 5
	flagStrongEncryption = 0x1 << 6
	flagUTF8             = 0x1 << 11
	flagCDEncrypted      = 0x1 << 13

	// Any of these marks an encrypted entry, which zipstrip will not rewrite.
	flagEncryptionMarkers = flagEncrypted | flagStrongEncryption | flagCDEncrypted

	// Bits outside this mask belong to a ZIP dialect this tool does not
	// understand; such archives are rejected rather than rewritten blind.
	flagKnownMask = flagEncrypted | flagMethod6Detail | flagNotSeekable |
		flagEnhancedDeflate | flagPatchData | flagStrongEncryption |
		flagUTF8 | flagCDEncrypted
)

// Extra-field sub-record ids.
//
// See ftp://ftp.info-zip.org/pub/infozip/src/zip30.zip ./proginfo/extrafld.txt
const (
	extTimeExtraID    = 0x5455 // Info-ZIP extended timestamp
	unixUIDGIDExtraID = 0x7875 // Info-ZIP Unix UID/GID

	// strippedExtraID replaces the id of a neutralized sub-record. 0xFFFF is
	// not registered to any vendor.
	strippedExtraID = 0xFFFF

	extraHeaderLen = 4 // 2-byte id + 2-byte length
	extraFiller    = 0xFF
)

// checkFlags rejects general-purpose bit combinations the walker cannot
// safely handle. off and entry scope the diagnostic.
func checkFlags(flags uint16, off int64, entry int) error {
	if flags&flagEncryptionMarkers != 0 {
		return &UnsupportedError{
			Offset: off,
			Entry:  entry,
			Reason: fmt.Sprintf("encrypted entry (flags 0x%04x)", flags),
		}
	}
	if unknown := flags &^ uint16(flagKnownMask); unknown != 0 {
		return &UnsupportedError{
			Offset: off,
			Entry:  entry,
			Reason: fmt.Sprintf("unrecognized general-purpose bits 0x%04x", unknown),
		}
	}
	return nil
}

type endOfCentralDir struct {
	diskNumber   uint16
	dirStartDisk uint16
	diskEntries  uint16
	totalEntries uint16
	dirSize      uint32
	dirOffset    uint32
	commentLen   uint16
}

func decodeEndOfCentralDir(r io.Reader, off int64) (*endOfCentralDir, error) {
	var buf [directoryEndLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, &StructuralError{
			Offset: off,
			Entry:  -1,
			Field:  "end of central directory",
			Reason: "truncated record",
			Err:    err,
		}
	}
	b := readBuf(buf[:])
	if sig := b.uint32(); sig != directoryEndSignature {
		return nil, &StructuralError{
			Offset: off,
			Entry:  -1,
			Field:  "end of central directory",
			Reason: fmt.Sprintf("bad signature 0x%08x (trailing archive comment?)", sig),
		}
	}
	return &endOfCentralDir{
		diskNumber:   b.uint16(),
		dirStartDisk: b.uint16(),
		diskEntries:  b.uint16(),
		totalEntries: b.uint16(),
		dirSize:      b.uint32(),
		dirOffset:    b.uint32(),
		commentLen:   b.uint16(),
	}, nil
}

// directoryHeader is the fixed part of one central-directory entry.
// reference: APPNOTE.TXT 4.3.12
type directoryHeader struct {
	creatorVersion   uint16
	readerVersion    uint16
	flags            uint16
	method           uint16
	modTime          uint16
	modDate          uint16
	crc32            uint32
	compressedSize   uint32
	uncompressedSize uint32
	nameLen          uint16
	extraLen         uint16
	commentLen       uint16
	diskStart        uint16
	internalAttrs    uint16
	externalAttrs    uint32
	offset           uint32
}

func decodeDirectoryHeader(r io.Reader, off int64, entry int) (*directoryHeader, error) {
	var buf [directoryHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, &StructuralError{
			Offset: off,
			Entry:  entry,
			Field:  "central directory entry",
			Reason: "truncated record",
			Err:    err,
		}
	}
	b := readBuf(buf[:])
	if sig := b.uint32(); sig != directoryHeaderSignature {
		return nil, &StructuralError{
			Offset: off,
			Entry:  entry,
			Field:  "central directory entry",
			Reason: fmt.Sprintf("bad signature 0x%08x", sig),
		}
	}
	return &directoryHeader{
		creatorVersion:   b.uint16(),
		readerVersion:    b.uint16(),
		flags:            b.uint16(),
		method:           b.uint16(),
		modTime:          b.uint16(),
		modDate:          b.uint16(),
		crc32:            b.uint32(),
		compressedSize:   b.uint32(),
		uncompressedSize: b.uint32(),
		nameLen:          b.uint16(),
		extraLen:         b.uint16(),
		commentLen:       b.uint16(),
		diskStart:        b.uint16(),
		internalAttrs:    b.uint16(),
		externalAttrs:    b.uint32(),
		offset:           b.uint32(),
	}, nil
}

func (h *directoryHeader) encode() [directoryHeaderLen]byte {
	var buf [directoryHeaderLen]byte
	b := writeBuf(buf[:])
	b.uint32(directoryHeaderSignature)
	b.uint16(h.creatorVersion)
	b.uint16(h.readerVersion)
	b.uint16(h.flags)
	b.uint16(h.method)
	b.uint16(h.modTime)
	b.uint16(h.modDate)
	b.uint32(h.crc32)
	b.uint32(h.compressedSize)
	b.uint32(h.uncompressedSize)
	b.uint16(h.nameLen)
	b.uint16(h.extraLen)
	b.uint16(h.commentLen)
	b.uint16(h.diskStart)
	b.uint16(h.internalAttrs)
	b.uint32(h.externalAttrs)
	b.uint32(h.offset)
	return buf
}

// fileHeader is the fixed part of one local file header.
// reference: APPNOTE.TXT 4.3.7
type fileHeader struct {
	readerVersion    uint16
	flags            uint16
	method           uint16
	modTime          uint16
	modDate          uint16
	crc32            uint32
	compressedSize   uint32
	uncompressedSize uint32
	nameLen          uint16
	extraLen         uint16
}

func decodeFileHeader(r io.Reader, off int64, entry int) (*fileHeader, error) {
	var buf [fileHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, &StructuralError{
			Offset: off,
			Entry:  entry,
			Field:  "local file header",
			Reason: "truncated record",
			Err:    err,
		}
	}
	b := readBuf(buf[:])
	if sig := b.uint32(); sig != fileHeaderSignature {
		return nil, &StructuralError{
			Offset: off,
			Entry:  entry,
			Field:  "local file header",
			Reason: fmt.Sprintf("bad signature 0x%08x", sig),
		}
	}
	return &fileHeader{
		readerVersion:    b.uint16(),
		flags:            b.uint16(),
		method:           b.uint16(),
		modTime:          b.uint16(),
		modDate:          b.uint16(),
		crc32:            b.uint32(),
		compressedSize:   b.uint32(),
		uncompressedSize: b.uint32(),
		nameLen:          b.uint16(),
		extraLen:         b.uint16(),
	}, nil
}

func (h *fileHeader) encode() [fileHeaderLen]byte {
	var buf [fileHeaderLen]byte
	b := writeBuf(buf[:])
	b.uint32(fileHeaderSignature)
	b.uint16(h.readerVersion)
	b.uint16(h.flags)
	b.uint16(h.method)
	b.uint16(h.modTime)
	b.uint16(h.modDate)
	b.uint32(h.crc32)
	b.uint32(h.compressedSize)
	b.uint32(h.uncompressedSize)
	b.uint16(h.nameLen)
	b.uint16(h.extraLen)
	return buf
}

type readBuf []byte

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

type writeBuf []byte

func (b *writeBuf) uint8(v uint8) {
	(*b)[0] = v
	*b = (*b)[1:]
}

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}
