package zipstrip

import "fmt"

// StructuralError is returned when the archive's records do not decode as
// expected: a bad signature, a truncated read, a split archive, a Zip64
// directory, or an extra-field area whose sub-records do not tile it exactly.
// Entry is the central-directory entry index, or -1 when the failure is not
// scoped to an entry.
type StructuralError struct {
	Offset int64
	Entry  int
	Field  string
	Reason string
	Err    error
}

func (e *StructuralError) Error() string {
	if e.Entry >= 0 {
		return fmt.Sprintf("zip: entry %d: %s at offset 0x%x: %s", e.Entry, e.Field, e.Offset, e.Reason)
	}
	return fmt.Sprintf("zip: %s at offset 0x%x: %s", e.Field, e.Offset, e.Reason)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// UnsupportedError is returned when the archive is well-formed but uses a
// feature zipstrip refuses to rewrite: encrypted entries, general-purpose
// bits outside the known set, or an unrecognized extra-field sub-record.
type UnsupportedError struct {
	Offset int64
	Entry  int
	Reason string
}

func (e *UnsupportedError) Error() string {
	if e.Entry >= 0 {
		return fmt.Sprintf("zip: entry %d at offset 0x%x: %s", e.Entry, e.Offset, e.Reason)
	}
	return fmt.Sprintf("zip: offset 0x%x: %s", e.Offset, e.Reason)
}
