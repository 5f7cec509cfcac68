package zipstrip

import (
	"encoding/binary"
	"fmt"
)

// purifyExtra neutralizes the volatile sub-records inside one extra-field
// area, in place. Extended-timestamp (0x5455) and Unix UID/GID (0x7875)
// sub-records are retagged with strippedExtraID and their payloads filled
// with extraFiller; their lengths never change, so nothing after them moves.
// Sub-records already carrying the stripped tag are left alone, which makes
// a second run over the same archive a no-op.
//
// Any other id aborts the run: an unrecognized sub-record could hold
// volatile data this tool does not know how to neutralize.
//
// off is the archive offset of extra[0] and entry the central-directory
// index, both used only for diagnostics. The returned slice lists the ids
// that were neutralized, in order of appearance.
func purifyExtra(extra []byte, off int64, entry int) ([]uint16, error) {
	var stripped []uint16
	for offset := 0; offset < len(extra); {
		if len(extra)-offset < extraHeaderLen {
			return nil, &StructuralError{
				Offset: off + int64(offset),
				Entry:  entry,
				Field:  "extra field",
				Reason: fmt.Sprintf("sub-record header overruns extra area by %d bytes", extraHeaderLen-(len(extra)-offset)),
			}
		}
		b := readBuf(extra[offset:])
		id := b.uint16()
		length := int(b.uint16())
		offset += extraHeaderLen
		if length > len(extra)-offset {
			return nil, &StructuralError{
				Offset: off + int64(offset-extraHeaderLen),
				Entry:  entry,
				Field:  "extra field",
				Reason: fmt.Sprintf("sub-record 0x%04x length %d overruns extra area", id, length),
			}
		}

		switch id {
		case extTimeExtraID, unixUIDGIDExtraID:
			binary.LittleEndian.PutUint16(extra[offset-extraHeaderLen:], strippedExtraID)
			for i := offset; i < offset+length; i++ {
				extra[i] = extraFiller
			}
			stripped = append(stripped, id)

		case strippedExtraID:
			// already neutralized on an earlier run

		default:
			return nil, &UnsupportedError{
				Offset: off + int64(offset-extraHeaderLen),
				Entry:  entry,
				Reason: fmt.Sprintf("unknown extra sub-record 0x%04x (%d bytes)", id, length),
			}
		}
		offset += length
	}
	return stripped, nil
}
