package commitlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/wkalt/cstore/util"
)

/*
The reader iterates the records of a segment with CRC validation. It is used
for replay on startup.
*/

////////////////////////////////////////////////////////////////////////////////

// maxRecordLength bounds the length read from a record header, so that a
// corrupt header reads as a torn record rather than a huge allocation.
const maxRecordLength = 1 << 30

type reader struct {
	r      io.Reader
	offset int64
}

func newReader(r io.Reader) (*reader, error) {
	if err := validateMagic(r); err != nil {
		return nil, err
	}
	return &reader{r: r, offset: headerLength}, nil
}

// next returns the next record. The reader's offset only advances past
// records that were read in full and passed validation.
func (r *reader) next() (RecordType, []byte, error) {
	header := make([]byte, 1+8)
	if _, err := io.ReadFull(r.r, header); err != nil {
		return 0, nil, fmt.Errorf("failed to read record header: %w", err)
	}
	var offset int
	var rectype uint8
	var length uint64
	offset += util.ReadU8(header[offset:], &rectype)
	util.ReadU64(header[offset:], &length)
	if length > maxRecordLength {
		return 0, nil, fmt.Errorf("record length %d exceeds limit: %w", length, io.ErrUnexpectedEOF)
	}
	body := make([]byte, length+4)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, fmt.Errorf("failed to read record body: %w", err)
	}
	dataEnd := len(body) - 4
	computed := crc32.ChecksumIEEE(header)
	computed = crc32.Update(computed, crc32.IEEETable, body[:dataEnd])
	crc := binary.LittleEndian.Uint32(body[dataEnd:])
	if crc != computed {
		return 0, nil, CRCMismatchError{crc, computed}
	}
	r.offset += int64(len(header) + len(body))
	return RecordType(rectype), body[:dataEnd], nil
}

func validateMagic(r io.Reader) error {
	buf := make([]byte, headerLength)
	_, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return ErrBadMagic
		}
		return fmt.Errorf("failed to read commit log magic: %w", err)
	}
	if !bytes.Equal(buf[:6], Magic) {
		return ErrBadMagic
	}
	major := buf[6]
	minor := buf[7]
	if major > currentMajor || (major == currentMajor && minor > currentMinor) {
		return UnsupportedVersionError{major, minor}
	}
	return nil
}
