package zipstrip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Options controls how archives are stripped.
type Options struct {
	SkipPath

	// DryRun opens the archive read-only and performs the full walk and
	// validation without rewriting anything.
	DryRun bool

	// Atomic stages the rewrite in a temporary copy next to the archive and
	// renames it over the original only when the whole walk succeeds. The
	// default is to mutate the archive in place, which can leave it
	// partially rewritten when a later entry fails validation.
	Atomic bool

	// Concurrency is the number of archives StripAll processes in parallel.
	// A single archive is always walked by exactly one goroutine.
	Concurrency int

	// After is called once per entry after it has been processed.
	After func(e *Entry)

	// AfterArchive is called once per archive after a successful walk.
	AfterArchive func(r *Report)
}

func (o *Options) Validate() error {
	if o.DryRun && o.Atomic {
		return errors.New("dry-run and atomic modes are mutually exclusive")
	}
	return nil
}

// Strip rewrites the archive at path so that it no longer carries
// modification timestamps or Unix UID/GID data: the MS-DOS time and date
// fields of every central-directory entry and local file header are zeroed,
// and the extended-timestamp and UID/GID extra sub-records are retagged and
// overwritten with filler bytes. Record lengths and file offsets are never
// changed, so the archive's size is identical before and after.
//
// The walk is fail-fast: the first structural, unsupported-feature, or I/O
// error aborts the run. Unless Options.Atomic is set there is no rollback,
// and entries processed before the failure remain rewritten.
func Strip(path string, opts *Options) (*Report, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Atomic {
		return stripStaged(path, opts)
	}

	var (
		f   *os.File
		err error
	)
	if opts.DryRun {
		f, err = os.Open(path)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, err
	}

	report, err := walk(f, path, opts)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if opts.AfterArchive != nil {
		opts.AfterArchive(report)
	}
	return report, nil
}

// stripStaged copies the archive beside itself, strips the copy in place,
// and renames it over the original on success.
func stripStaged(path string, opts *Options) (*Report, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := src.Stat()
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".zipstrip-")
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, src)
	if cerr := src.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := tmp.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpName, info.Mode())
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("stage copy of %s: %w", path, err)
	}

	inner := *opts
	inner.Atomic = false
	inner.AfterArchive = nil
	report, err := Strip(tmpName, &inner)
	if err != nil {
		_ = os.Remove(tmpName)
		return nil, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return nil, err
	}
	report.Path = path
	if opts.AfterArchive != nil {
		opts.AfterArchive(report)
	}
	return report, nil
}

// Inspect walks the archive without modifying it and reports what a strip
// run would touch.
func Inspect(path string) (*Report, error) {
	return Strip(path, &Options{DryRun: true})
}

// StripAll strips several archives, Options.Concurrency at a time. Paths
// matched by the include/exclude patterns in Options.SkipPath are skipped.
// The first failing archive cancels the batch; archives already processed
// stay stripped. Context cancellation is honored between archives, never
// inside a walk.
func StripAll(ctx context.Context, paths []string, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if opts.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", opts.Concurrency)
	}

	worker := NewFailFastWorker[string](func(path *string) error {
		_, err := Strip(*path, opts)
		return err
	}, opts.Concurrency, opts.Concurrency)

	worker.Start(ctx)

	for i := range paths {
		if opts.Skip(paths[i]) {
			continue
		}
		// stop submitting, wait for the worker error
		if submitErr := worker.Submit(&paths[i]); submitErr != nil {
			break
		}
	}

	return worker.Wait()
}

// walk performs the single forward pass: locate the end-of-central-directory
// record, then for each central-directory entry rewrite its volatile fields,
// purify its extra data, and do the same to the matching local file header.
func walk(f *os.File, path string, opts *Options) (*Report, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seek to end: %w", err)
	}
	if size < directoryEndLen {
		return nil, &StructuralError{
			Offset: 0,
			Entry:  -1,
			Field:  "end of central directory",
			Reason: fmt.Sprintf("archive too small (%d bytes)", size),
		}
	}

	endOff := size - directoryEndLen
	if _, err := f.Seek(endOff, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to end of central directory: %w", err)
	}
	end, err := decodeEndOfCentralDir(f, endOff)
	if err != nil {
		return nil, err
	}
	if end.diskNumber != 0 {
		return nil, &StructuralError{
			Offset: endOff,
			Entry:  -1,
			Field:  "end of central directory",
			Reason: fmt.Sprintf("split archive (disk number %d)", end.diskNumber),
		}
	}
	if end.dirSize == zip64SizeSentinel {
		return nil, &StructuralError{
			Offset: endOff,
			Entry:  -1,
			Field:  "end of central directory",
			Reason: "Zip64 archive",
		}
	}

	if _, err := f.Seek(int64(end.dirOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to central directory: %w", err)
	}

	report := &Report{
		Path:      path,
		DirOffset: int64(end.dirOffset),
		DirSize:   int64(end.dirSize),
	}
	for i := 0; i < int(end.totalEntries); i++ {
		e, err := stripDirectoryEntry(f, i, opts)
		if err != nil {
			return nil, err
		}
		report.Entries = append(report.Entries, e)
		if opts.After != nil {
			opts.After(e)
		}
	}
	return report, nil
}

// stripDirectoryEntry processes one central-directory entry at the current
// position, cross-references its local file header, and leaves the position
// at the start of the next entry.
func stripDirectoryEntry(f *os.File, index int, opts *Options) (*Entry, error) {
	off, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("entry %d: tell: %w", index, err)
	}

	hdr, err := decodeDirectoryHeader(f, off, index)
	if err != nil {
		return nil, err
	}
	if err := checkFlags(hdr.flags, off, index); err != nil {
		return nil, err
	}

	e := &Entry{
		Index:            index,
		Offset:           off,
		HeaderOffset:     int64(hdr.offset),
		Flags:            hdr.flags,
		Method:           hdr.method,
		ModTime:          hdr.modTime,
		ModDate:          hdr.modDate,
		CRC32:            hdr.crc32,
		CompressedSize:   hdr.compressedSize,
		UncompressedSize: hdr.uncompressedSize,
	}

	hdr.modTime = 0
	hdr.modDate = 0
	if !opts.DryRun {
		buf := hdr.encode()
		if err := overwriteBack(f, buf[:]); err != nil {
			return nil, fmt.Errorf("entry %d: central directory: %w", index, err)
		}
	}

	name := make([]byte, hdr.nameLen)
	if err := readExact(f, name, off+directoryHeaderLen, index, "file name"); err != nil {
		return nil, err
	}
	e.Name = string(name)

	if hdr.extraLen > 0 {
		extra := make([]byte, hdr.extraLen)
		extraOff := off + directoryHeaderLen + int64(hdr.nameLen)
		if err := readExact(f, extra, extraOff, index, "extra field"); err != nil {
			return nil, err
		}
		e.Stripped, err = purifyExtra(extra, extraOff, index)
		if err != nil {
			return nil, err
		}
		if !opts.DryRun {
			if err := overwriteBack(f, extra); err != nil {
				return nil, fmt.Errorf("entry %d: extra field: %w", index, err)
			}
		}
	}

	if hdr.commentLen > 0 {
		comment := make([]byte, hdr.commentLen)
		commentOff := off + directoryHeaderLen + int64(hdr.nameLen) + int64(hdr.extraLen)
		if err := readExact(f, comment, commentOff, index, "file comment"); err != nil {
			return nil, err
		}
		e.Comment = string(comment)
	}

	// Cross-reference the local header, then resume directory iteration.
	resume, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("entry %d: tell: %w", index, err)
	}
	if _, err := f.Seek(e.HeaderOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("entry %d: seek to local header: %w", index, err)
	}
	if err := stripLocalHeader(f, e, opts); err != nil {
		return nil, err
	}
	if _, err := f.Seek(resume, io.SeekStart); err != nil {
		return nil, fmt.Errorf("entry %d: seek back to central directory: %w", index, err)
	}
	return e, nil
}

// stripLocalHeader applies the same validation and rewriting to the local
// file header the central-directory entry points at. The file name is
// skipped over untouched; names are intentional, not volatile.
func stripLocalHeader(f *os.File, e *Entry, opts *Options) error {
	hdr, err := decodeFileHeader(f, e.HeaderOffset, e.Index)
	if err != nil {
		return err
	}
	if err := checkFlags(hdr.flags, e.HeaderOffset, e.Index); err != nil {
		return err
	}

	hdr.modTime = 0
	hdr.modDate = 0
	if !opts.DryRun {
		buf := hdr.encode()
		if err := overwriteBack(f, buf[:]); err != nil {
			return fmt.Errorf("entry %d: local header: %w", e.Index, err)
		}
	}

	if _, err := f.Seek(int64(hdr.nameLen), io.SeekCurrent); err != nil {
		return fmt.Errorf("entry %d: skip local file name: %w", e.Index, err)
	}

	if hdr.extraLen > 0 {
		extra := make([]byte, hdr.extraLen)
		extraOff := e.HeaderOffset + fileHeaderLen + int64(hdr.nameLen)
		if err := readExact(f, extra, extraOff, e.Index, "extra field"); err != nil {
			return err
		}
		e.LocalStripped, err = purifyExtra(extra, extraOff, e.Index)
		if err != nil {
			return err
		}
		if !opts.DryRun {
			if err := overwriteBack(f, extra); err != nil {
				return fmt.Errorf("entry %d: local extra field: %w", e.Index, err)
			}
		}
	}
	return nil
}
