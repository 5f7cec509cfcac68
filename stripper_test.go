package zipstrip

import (
	"archive/zip"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeZipFixture builds a real two-entry archive the way build tooling
// would: deflated entries with modification times, which makes archive/zip
// emit extended-timestamp (0x5455) sub-records in both header kinds. extra,
// when non-nil, is appended to each entry's extra area.
func writeZipFixture(t *testing.T, path string, extra []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	files := []struct {
		name, body string
	}{
		{"hello.txt", "hello, reproducible world"},
		{"docs/readme.md", "the same body written twice makes deflate earn its keep, the same body written twice"},
	}
	for _, file := range files {
		hdr := &zip.FileHeader{
			Name:     file.name,
			Method:   zip.Deflate,
			Modified: time.Date(2023, 6, 15, 10, 30, 0, 0, time.UTC),
		}
		hdr.Extra = append(hdr.Extra, extra...)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(file.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

type rawEntry struct {
	name    string
	payload []byte
	flags   uint16
	modTime uint16
	modDate uint16
	extra   []byte
	comment string
}

// buildRawArchive hand-assembles a stored (uncompressed) archive image so
// tests can pin down exact byte-level behavior.
func buildRawArchive(entries []rawEntry) []byte {
	var img []byte
	offsets := make([]uint32, len(entries))
	for i, e := range entries {
		offsets[i] = uint32(len(img))
		var hdr [fileHeaderLen]byte
		b := writeBuf(hdr[:])
		b.uint32(fileHeaderSignature)
		b.uint16(20) // reader version
		b.uint16(e.flags)
		b.uint16(0) // stored
		b.uint16(e.modTime)
		b.uint16(e.modDate)
		b.uint32(crc32.ChecksumIEEE(e.payload))
		b.uint32(uint32(len(e.payload)))
		b.uint32(uint32(len(e.payload)))
		b.uint16(uint16(len(e.name)))
		b.uint16(uint16(len(e.extra)))
		img = append(img, hdr[:]...)
		img = append(img, e.name...)
		img = append(img, e.extra...)
		img = append(img, e.payload...)
	}
	dirOffset := uint32(len(img))
	for i, e := range entries {
		var hdr [directoryHeaderLen]byte
		b := writeBuf(hdr[:])
		b.uint32(directoryHeaderSignature)
		b.uint16(20) // creator version
		b.uint16(20) // reader version
		b.uint16(e.flags)
		b.uint16(0) // stored
		b.uint16(e.modTime)
		b.uint16(e.modDate)
		b.uint32(crc32.ChecksumIEEE(e.payload))
		b.uint32(uint32(len(e.payload)))
		b.uint32(uint32(len(e.payload)))
		b.uint16(uint16(len(e.name)))
		b.uint16(uint16(len(e.extra)))
		b.uint16(uint16(len(e.comment)))
		b.uint16(0) // disk start
		b.uint16(0) // internal attrs
		b.uint32(0) // external attrs
		b.uint32(offsets[i])
		img = append(img, hdr[:]...)
		img = append(img, e.name...)
		img = append(img, e.extra...)
		img = append(img, e.comment...)
	}
	dirSize := uint32(len(img)) - dirOffset
	var end [directoryEndLen]byte
	b := writeBuf(end[:])
	b.uint32(directoryEndSignature)
	b.uint16(0) // disk number
	b.uint16(0) // directory start disk
	b.uint16(uint16(len(entries)))
	b.uint16(uint16(len(entries)))
	b.uint32(dirSize)
	b.uint32(dirOffset)
	b.uint16(0) // comment length
	return append(img, end[:]...)
}

func writeRawArchive(t *testing.T, dir string, entries []rawEntry) string {
	t.Helper()
	path := filepath.Join(dir, "raw.zip")
	require.NoError(t, os.WriteFile(path, buildRawArchive(entries), 0644))
	return path
}

func readFileBytes(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// checkNeutralized asserts every sub-record in an extra area carries the
// stripped sentinel and a filler payload.
func checkNeutralized(t *testing.T, extra []byte) {
	t.Helper()
	for len(extra) > 0 {
		require.GreaterOrEqual(t, len(extra), extraHeaderLen)
		b := readBuf(extra)
		id := b.uint16()
		length := int(b.uint16())
		assert.Equal(t, uint16(strippedExtraID), id)
		for _, c := range extra[extraHeaderLen : extraHeaderLen+length] {
			assert.Equal(t, byte(extraFiller), c)
		}
		extra = extra[extraHeaderLen+length:]
	}
}

func TestStrip_ZeroesTimestampsAndExtras(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZipFixture(t, path, uidRecord(1000, 1000))
	before := readFileBytes(t, path)

	report, err := Strip(path, nil)
	require.NoError(t, err)
	require.Len(t, report.Entries, 2)
	for _, e := range report.Entries {
		assert.NotZero(t, e.ModDate, "pre-strip date should be captured")
		assert.Contains(t, e.Stripped, uint16(extTimeExtraID))
		assert.Contains(t, e.Stripped, uint16(unixUIDGIDExtraID))
		assert.Contains(t, e.LocalStripped, uint16(extTimeExtraID))
	}

	after := readFileBytes(t, path)
	require.Equal(t, len(before), len(after), "archive length must not change")

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	for _, zf := range zr.File {
		assert.Zero(t, zf.ModifiedTime)
		assert.Zero(t, zf.ModifiedDate)
		checkNeutralized(t, zf.Extra)

		// payloads and CRCs must be untouched
		rc, err := zf.Open()
		require.NoError(t, err)
		_, err = io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
	}

	// local headers got the same treatment
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	for _, e := range report.Entries {
		_, err = f.Seek(e.HeaderOffset, io.SeekStart)
		require.NoError(t, err)
		lh, err := decodeFileHeader(f, e.HeaderOffset, e.Index)
		require.NoError(t, err)
		assert.Zero(t, lh.modTime)
		assert.Zero(t, lh.modDate)
	}
}

func TestStrip_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZipFixture(t, path, nil)

	_, err := Strip(path, nil)
	require.NoError(t, err)
	first := readFileBytes(t, path)

	report, err := Strip(path, nil)
	require.NoError(t, err)
	second := readFileBytes(t, path)

	assert.Equal(t, first, second, "second run must be a byte-level no-op")
	for _, e := range report.Entries {
		assert.Zero(t, e.ModTime)
		assert.Zero(t, e.ModDate)
		assert.Empty(t, e.Stripped)
		assert.Empty(t, e.LocalStripped)
	}
}

func TestStrip_SingleEntryScenario(t *testing.T) {
	entry := rawEntry{
		name:    "f",
		payload: []byte("data!"),
		modTime: 0x1234,
		modDate: 0x5678,
		extra:   tsRecord(0xde, 0xad, 0xbe, 0xef, 0x01),
	}
	dir := t.TempDir()
	path := writeRawArchive(t, dir, []rawEntry{entry})

	_, err := Strip(path, nil)
	require.NoError(t, err)

	stripped := entry
	stripped.modTime = 0
	stripped.modDate = 0
	stripped.extra = []byte{0xff, 0xff, 0x05, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff}
	want := buildRawArchive([]rawEntry{stripped})
	assert.Equal(t, want, readFileBytes(t, path))
}

func TestStrip_PreservesNamesAndComments(t *testing.T) {
	entry := rawEntry{
		name:    "keep-me.txt",
		payload: []byte("payload"),
		modTime: 0x0842,
		modDate: 0x5231,
		extra:   tsRecord(1, 2, 3, 4, 5),
		comment: "intentional note",
	}
	dir := t.TempDir()
	path := writeRawArchive(t, dir, []rawEntry{entry})

	report, err := Strip(path, nil)
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "keep-me.txt", report.Entries[0].Name)
	assert.Equal(t, "intentional note", report.Entries[0].Comment)

	stripped := entry
	stripped.modTime = 0
	stripped.modDate = 0
	stripped.extra = []byte{0xff, 0xff, 0x05, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff}
	assert.Equal(t, buildRawArchive([]rawEntry{stripped}), readFileBytes(t, path))
}

func TestStrip_AbortsOnUnknownExtra(t *testing.T) {
	unknown := make([]byte, extraHeaderLen+2)
	b := writeBuf(unknown)
	b.uint16(0x9999)
	b.uint16(2)

	entries := []rawEntry{
		{name: "bad", payload: []byte("x"), modTime: 1, modDate: 1, extra: unknown},
		{name: "good", payload: []byte("y"), modTime: 0x0842, modDate: 0x5678},
	}
	dir := t.TempDir()
	img := buildRawArchive(entries)
	path := filepath.Join(dir, "raw.zip")
	require.NoError(t, os.WriteFile(path, img, 0644))

	_, err := Strip(path, nil)
	var ue *UnsupportedError
	require.ErrorAs(t, err, &ue)
	assert.ErrorContains(t, err, "0x9999")

	// The first entry's central record was zeroed before its extra field
	// failed validation; nothing after that point may have been touched.
	want := append([]byte(nil), img...)
	dirOffset := binary.LittleEndian.Uint32(img[len(img)-directoryEndLen+16:])
	for i := dirOffset + 12; i < dirOffset+16; i++ {
		want[i] = 0
	}
	assert.Equal(t, want, readFileBytes(t, path))
}

func TestStrip_RejectsBadFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags uint16
	}{
		{name: "encrypted", flags: flagEncrypted},
		{name: "strong encryption", flags: flagStrongEncryption},
		{name: "encrypted central directory", flags: flagCDEncrypted},
		{name: "unknown bit", flags: 0x0080},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			img := buildRawArchive([]rawEntry{
				{name: "f", payload: []byte("x"), flags: tt.flags, modTime: 1, modDate: 1},
			})
			path := filepath.Join(dir, "raw.zip")
			require.NoError(t, os.WriteFile(path, img, 0644))

			_, err := Strip(path, nil)
			var ue *UnsupportedError
			require.ErrorAs(t, err, &ue)

			// flags are validated before any rewrite
			assert.Equal(t, img, readFileBytes(t, path))
		})
	}

	t.Run("local header only", func(t *testing.T) {
		dir := t.TempDir()
		img := buildRawArchive([]rawEntry{
			{name: "f", payload: []byte("x"), modTime: 0x1234, modDate: 0x5678},
		})
		// clean central record, encrypted local header; the first local
		// header sits at offset 0 with its flags at byte 6
		binary.LittleEndian.PutUint16(img[6:], flagEncrypted)
		path := filepath.Join(dir, "raw.zip")
		require.NoError(t, os.WriteFile(path, img, 0644))

		_, err := Strip(path, nil)
		var ue *UnsupportedError
		require.ErrorAs(t, err, &ue)

		// the central record passed validation and was rewritten before the
		// walk aborted at the local header, which must stay untouched
		want := append([]byte(nil), img...)
		dirOffset := binary.LittleEndian.Uint32(img[len(img)-directoryEndLen+16:])
		for i := dirOffset + 12; i < dirOffset+16; i++ {
			want[i] = 0
		}
		assert.Equal(t, want, readFileBytes(t, path))
	})
}

func TestStrip_RejectsMalformedTrailer(t *testing.T) {
	base := buildRawArchive([]rawEntry{{name: "f", payload: []byte("x")}})

	t.Run("split archive", func(t *testing.T) {
		img := append([]byte(nil), base...)
		binary.LittleEndian.PutUint16(img[len(img)-directoryEndLen+4:], 1)
		path := filepath.Join(t.TempDir(), "split.zip")
		require.NoError(t, os.WriteFile(path, img, 0644))

		_, err := Strip(path, nil)
		var se *StructuralError
		require.ErrorAs(t, err, &se)
		assert.ErrorContains(t, err, "split archive")
	})

	t.Run("zip64 sentinel", func(t *testing.T) {
		img := append([]byte(nil), base...)
		binary.LittleEndian.PutUint32(img[len(img)-directoryEndLen+12:], zip64SizeSentinel)
		path := filepath.Join(t.TempDir(), "zip64.zip")
		require.NoError(t, os.WriteFile(path, img, 0644))

		_, err := Strip(path, nil)
		var se *StructuralError
		require.ErrorAs(t, err, &se)
		assert.ErrorContains(t, err, "Zip64")
	})

	t.Run("trailing comment", func(t *testing.T) {
		img := append(append([]byte(nil), base...), "oops"...)
		path := filepath.Join(t.TempDir(), "comment.zip")
		require.NoError(t, os.WriteFile(path, img, 0644))

		_, err := Strip(path, nil)
		var se *StructuralError
		require.ErrorAs(t, err, &se)
		assert.ErrorContains(t, err, "signature")
	})

	t.Run("too small", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tiny.zip")
		require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0644))

		_, err := Strip(path, nil)
		var se *StructuralError
		require.ErrorAs(t, err, &se)
	})
}

func TestStrip_DryRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZipFixture(t, path, uidRecord(500, 500))
	before := readFileBytes(t, path)

	report, err := Inspect(path)
	require.NoError(t, err)
	require.Len(t, report.Entries, 2)
	for _, e := range report.Entries {
		assert.NotZero(t, e.ModDate)
		assert.Contains(t, e.Stripped, uint16(unixUIDGIDExtraID))
	}

	assert.Equal(t, before, readFileBytes(t, path), "dry run must not modify the archive")
}

func TestStrip_Atomic(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "a.zip")
		writeZipFixture(t, path, nil)

		report, err := Strip(path, &Options{Atomic: true})
		require.NoError(t, err)
		assert.Equal(t, path, report.Path)

		zr, err := zip.OpenReader(path)
		require.NoError(t, err)
		defer zr.Close()
		for _, zf := range zr.File {
			assert.Zero(t, zf.ModifiedTime)
			assert.Zero(t, zf.ModifiedDate)
		}

		leftovers, err := filepath.Glob(filepath.Join(dir, ".zipstrip-*"))
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	})

	t.Run("failure leaves original untouched", func(t *testing.T) {
		unknown := make([]byte, extraHeaderLen)
		b := writeBuf(unknown)
		b.uint16(0x9999)
		b.uint16(0)

		dir := t.TempDir()
		path := writeRawArchive(t, dir, []rawEntry{
			{name: "f", payload: []byte("x"), modTime: 1, modDate: 1, extra: unknown},
		})
		before := readFileBytes(t, path)

		_, err := Strip(path, &Options{Atomic: true})
		var ue *UnsupportedError
		require.ErrorAs(t, err, &ue)

		assert.Equal(t, before, readFileBytes(t, path))
		leftovers, err := filepath.Glob(filepath.Join(dir, ".zipstrip-*"))
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	})
}

func TestOptions_Validate(t *testing.T) {
	opts := &Options{DryRun: true, Atomic: true}
	assert.Error(t, opts.Validate())

	_, err := Strip("does-not-matter.zip", opts)
	assert.Error(t, err)
}

func TestStripAll(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.zip")
	b := filepath.Join(dir, "b.zip")
	writeZipFixture(t, a, nil)
	writeZipFixture(t, b, uidRecord(1, 1))

	var (
		mu       sync.Mutex
		archives []string
	)
	err := StripAll(context.Background(), []string{a, b}, &Options{
		Concurrency: 2,
		AfterArchive: func(r *Report) {
			mu.Lock()
			archives = append(archives, r.Path)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, archives)

	for _, path := range []string{a, b} {
		zr, err := zip.OpenReader(path)
		require.NoError(t, err)
		for _, zf := range zr.File {
			assert.Zero(t, zf.ModifiedTime)
			assert.Zero(t, zf.ModifiedDate)
		}
		require.NoError(t, zr.Close())
	}
}

func TestStripAll_FailFast(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.zip")
	writeZipFixture(t, good, nil)
	bad := filepath.Join(dir, "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("not a zip at all"), 0644))

	err := StripAll(context.Background(), []string{good, bad}, &Options{Concurrency: 1})
	var se *StructuralError
	require.ErrorAs(t, err, &se)
}

func TestStripAll_SkipsExcluded(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.zip")
	writeZipFixture(t, keep, nil)
	before := readFileBytes(t, keep)

	err := StripAll(context.Background(), []string{keep}, &Options{
		Concurrency: 1,
		SkipPath:    SkipPath{Excludes: []string{filepath.Join(dir, "keep.zip")}},
	})
	require.NoError(t, err)
	assert.Equal(t, before, readFileBytes(t, keep))
}

func TestStripAll_InvalidConcurrency(t *testing.T) {
	err := StripAll(context.Background(), nil, &Options{})
	assert.ErrorContains(t, err, "concurrency")
}
