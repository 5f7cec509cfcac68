package zipstrip

import (
	"fmt"
	"io"
	"os"
)

// overwriteBack rewrites the len(buf) bytes ending at the current position
// of f and leaves the position where it started, immediately after the
// rewritten region. This is what lets the walker read a record, mutate it,
// and put it back without tracking offsets by hand.
func overwriteBack(f *os.File, buf []byte) error {
	if _, err := f.Seek(-int64(len(buf)), io.SeekCurrent); err != nil {
		return fmt.Errorf("seek back %d bytes: %w", len(buf), err)
	}
	n, err := f.Write(buf)
	if err != nil {
		return fmt.Errorf("rewrite %d bytes: %w", len(buf), err)
	}
	if n != len(buf) {
		return fmt.Errorf("rewrite %d bytes, wrote %d: %w", len(buf), n, io.ErrShortWrite)
	}
	return nil
}

// readExact reads exactly len(buf) bytes, converting any short read into a
// StructuralError naming the field being read.
func readExact(f io.Reader, buf []byte, off int64, entry int, field string) error {
	if _, err := io.ReadFull(f, buf); err != nil {
		return &StructuralError{
			Offset: off,
			Entry:  entry,
			Field:  field,
			Reason: "truncated read",
			Err:    err,
		}
	}
	return nil
}
