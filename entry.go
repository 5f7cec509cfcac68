package zipstrip

import "time"

// Entry describes one archive member as seen during a walk. The volatile
// fields (ModTime, ModDate, Stripped ids) are captured before anything is
// zeroed, so callbacks and reports show what was removed.
type Entry struct {
	Index            int
	Name             string
	Offset           int64 // of the central-directory record
	HeaderOffset     int64 // of the local file header
	Flags            uint16
	Method           uint16
	ModTime          uint16 // MS-DOS time, pre-strip
	ModDate          uint16 // MS-DOS date, pre-strip
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	Comment          string

	// Ids of the extra sub-records neutralized in the central directory and
	// in the local file header, in order of appearance. Empty on a second
	// run over an already-stripped archive.
	Stripped      []uint16
	LocalStripped []uint16
}

// Modified decodes the entry's pre-strip MS-DOS timestamp. A stripped
// archive carries the zero value, which decodes to the MS-DOS epoch.
func (e *Entry) Modified() time.Time {
	return time.Date(
		int(e.ModDate>>9)+1980,
		time.Month(e.ModDate>>5&0xf),
		int(e.ModDate&0x1f),
		int(e.ModTime>>11),
		int(e.ModTime>>5&0x3f),
		int(e.ModTime&0x1f)*2,
		0,
		time.UTC,
	)
}

// StrippedCount is the total number of extra sub-records neutralized for
// this entry across both header kinds.
func (e *Entry) StrippedCount() int {
	return len(e.Stripped) + len(e.LocalStripped)
}

// Report summarizes one walk over one archive.
type Report struct {
	Path      string
	Entries   []*Entry
	DirOffset int64
	DirSize   int64
}
