package mutation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

/*
Commit log records carry mutations in protobuf wire format. The encoding is
written with protowire directly and corresponds to these messages:

	message Mutation {
		string keyspace = 1;
		bytes key = 2;
		int64 token = 3;
		int64 created_at = 4; // unix nanoseconds
		repeated PartitionUpdate updates = 5;
	}

	message PartitionUpdate {
		bytes table = 1; // 16 byte UUID
		repeated Row rows = 2;
	}

	message Row {
		string clustering = 1;
		repeated Cell cells = 2;
	}

	message Cell {
		string column = 1;
		bytes value = 2;
		int64 timestamp = 3;
		bool deleted = 4;
	}

Unknown fields are skipped. Updates are written in table ID order and cells in
column order, so equal mutations encode to equal bytes.
*/

////////////////////////////////////////////////////////////////////////////////

const (
	mutationKeyspace  protowire.Number = 1
	mutationKey       protowire.Number = 2
	mutationToken     protowire.Number = 3
	mutationCreatedAt protowire.Number = 4
	mutationUpdates   protowire.Number = 5

	updateTable protowire.Number = 1
	updateRows  protowire.Number = 2

	rowClustering protowire.Number = 1
	rowCells      protowire.Number = 2

	cellColumn    protowire.Number = 1
	cellValue     protowire.Number = 2
	cellTimestamp protowire.Number = 3
	cellDeleted   protowire.Number = 4
)

// ErrMalformedRecord is returned when binary mutation data cannot be parsed.
var ErrMalformedRecord = errors.New("malformed mutation record")

// MarshalBinary encodes the mutation for the commit log.
func (m *Mutation) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, m.Size()+64)
	buf = protowire.AppendTag(buf, mutationKeyspace, protowire.BytesType)
	buf = protowire.AppendString(buf, m.keyspace)
	buf = protowire.AppendTag(buf, mutationKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, m.key.Key)
	buf = protowire.AppendTag(buf, mutationToken, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.key.Token))
	buf = protowire.AppendTag(buf, mutationCreatedAt, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.createdAt.UnixNano()))
	for _, u := range m.Updates() {
		buf = protowire.AppendTag(buf, mutationUpdates, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendUpdate(nil, u))
	}
	return buf, nil
}

func appendUpdate(buf []byte, u *PartitionUpdate) []byte {
	buf = protowire.AppendTag(buf, updateTable, protowire.BytesType)
	buf = protowire.AppendBytes(buf, u.Table[:])
	for _, row := range u.SortedRows() {
		buf = protowire.AppendTag(buf, updateRows, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendRow(nil, row))
	}
	return buf
}

func appendRow(buf []byte, row *Row) []byte {
	buf = protowire.AppendTag(buf, rowClustering, protowire.BytesType)
	buf = protowire.AppendString(buf, row.Clustering)
	for _, col := range row.Columns() {
		buf = protowire.AppendTag(buf, rowCells, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendCell(nil, col, row.Cells[col]))
	}
	return buf
}

func appendCell(buf []byte, column string, cell Cell) []byte {
	buf = protowire.AppendTag(buf, cellColumn, protowire.BytesType)
	buf = protowire.AppendString(buf, column)
	if !cell.Deleted {
		buf = protowire.AppendTag(buf, cellValue, protowire.BytesType)
		buf = protowire.AppendBytes(buf, cell.Value)
	}
	buf = protowire.AppendTag(buf, cellTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cell.Timestamp))
	if cell.Deleted {
		buf = protowire.AppendTag(buf, cellDeleted, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	return buf
}

// UnmarshalBinary decodes a mutation written by MarshalBinary. Duplicate
// tables are rejected as they are by Add.
func (m *Mutation) UnmarshalBinary(data []byte) error {
	var keyspace string
	var key DecoratedKey
	var createdAt int64
	var updates []*PartitionUpdate
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == mutationKeyspace && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			keyspace = v
			return n, nil
		case num == mutationKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			key.Key = append([]byte{}, v...)
			return n, nil
		case num == mutationToken && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			key.Token = int64(v)
			return n, nil
		case num == mutationCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			createdAt = int64(v)
			return n, nil
		case num == mutationUpdates && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			u, err := decodeUpdate(v)
			if err != nil {
				return 0, err
			}
			updates = append(updates, u)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return err
	}
	if key.Key == nil {
		key.Key = []byte{}
	}
	*m = *New(keyspace, key)
	m.createdAt = time.Unix(0, createdAt)
	for _, u := range updates {
		u.Key = key
		if err := m.Add(u); err != nil {
			return err
		}
	}
	return nil
}

func decodeUpdate(data []byte) (*PartitionUpdate, error) {
	u := &PartitionUpdate{Rows: map[string]*Row{}}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == updateTable && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return 0, fmt.Errorf("%w: bad table ID: %w", ErrMalformedRecord, err)
			}
			u.Table = id
			return n, nil
		case num == updateRows && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			row, err := decodeRow(v)
			if err != nil {
				return 0, err
			}
			u.Rows[row.Clustering] = row
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func decodeRow(data []byte) (*Row, error) {
	row := NewRow("")
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == rowClustering && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			row.Clustering = v
			return n, nil
		case num == rowCells && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			column, cell, err := decodeCell(v)
			if err != nil {
				return 0, err
			}
			row.Cells[column] = cell
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func decodeCell(data []byte) (string, Cell, error) {
	var column string
	cell := Cell{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == cellColumn && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			column = v
			return n, nil
		case num == cellValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			cell.Value = append([]byte{}, v...)
			return n, nil
		case num == cellTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			cell.Timestamp = int64(v)
			return n, nil
		case num == cellDeleted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			cell.Deleted = protowire.DecodeBool(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return "", Cell{}, err
	}
	return column, cell, nil
}

// consumeFields walks the fields of a message, handing each field's value to
// fn. fn returns the number of bytes it consumed, or a negative protowire
// error code.
func consumeFields(
	data []byte,
	fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error),
) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedRecord, protowire.ParseError(n))
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformedRecord, num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}
