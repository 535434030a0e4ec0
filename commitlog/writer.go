package commitlog

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"github.com/wkalt/cstore/util"
)

/*
The writer appends records to a commit log segment. The format of a segment
is:

    Magic: 6 bytes (cstlog)
    Version: 2 bytes (major, minor)
    [Record]*

Where each Record is:
    Type: 1 byte
    Length: 8 bytes
    Data: [Length]byte
    CRC32: 4 bytes

The CRC covers the type, length and data. Mutation records carry the IDs of
the tables they touch ahead of the serialized mutation, so that discard
tracking can be rebuilt without decoding payloads:

    TableCount: 4 bytes
    TableIDs: [TableCount][16]byte
    Payload: remaining bytes
*/

////////////////////////////////////////////////////////////////////////////////

// Magic is the magic number for commit log segments.
var Magic = []byte{'c', 's', 't', 'l', 'o', 'g'} // nolint:gochecknoglobals

const (
	currentMajor = uint8(0)
	currentMinor = uint8(0)

	headerLength = 8
)

// RecordType is the type of a commit log record.
type RecordType uint8

const (
	RecordInvalid RecordType = iota
	RecordMutation
)

func (r RecordType) String() string {
	switch r {
	case RecordMutation:
		return "mutation"
	default:
		return "invalid"
	}
}

type writer struct {
	w      io.Writer
	offset int64
}

func newWriter(w io.Writer, initialOffset int64) (*writer, error) {
	if initialOffset == 0 {
		buf := make([]byte, headerLength)
		offset := copy(buf, Magic)
		offset += util.U8(buf[offset:], currentMajor)
		util.U8(buf[offset:], currentMinor)
		n, err := w.Write(buf)
		if err != nil {
			return nil, fmt.Errorf("failed to write commit log magic: %w", err)
		}
		initialOffset = int64(n)
	}
	return &writer{w: w, offset: initialOffset}, nil
}

func encodeMutationRecord(tables []uuid.UUID, payload []byte) []byte {
	data := make([]byte, 4+16*len(tables)+len(payload))
	offset := util.U32(data, uint32(len(tables)))
	for _, id := range tables {
		offset += copy(data[offset:], id[:])
	}
	copy(data[offset:], payload)
	return data
}

func parseMutationRecord(data []byte) ([]uuid.UUID, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("short mutation record")
	}
	var count uint32
	offset := util.ReadU32(data, &count)
	if len(data) < offset+16*int(count) {
		return nil, nil, fmt.Errorf("short mutation record")
	}
	tables := make([]uuid.UUID, count)
	for i := range tables {
		offset += copy(tables[i][:], data[offset:offset+16])
	}
	return tables, data[offset:], nil
}

// writeRecord appends a record and returns the offset just past it.
func (w *writer) writeRecord(rectype RecordType, data []byte) (int64, error) {
	buf := make([]byte, 1+8+len(data)+4)
	offset := 0
	offset += util.U8(buf[offset:], uint8(rectype))
	offset += util.U64(buf[offset:], uint64(len(data)))
	offset += copy(buf[offset:], data)
	crc := crc32.ChecksumIEEE(buf[:offset])
	util.U32(buf[offset:], crc)

	n, err := w.w.Write(buf)
	w.offset += int64(n)
	if err != nil {
		return w.offset, fmt.Errorf("failed to write record: %w", err)
	}
	return w.offset, nil
}
