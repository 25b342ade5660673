// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package series

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// MetaComment is the schema metadata key carrying a table's label.
const MetaComment = "wart.comment"

const valuesField = "values"

// DataType maps a variant onto its Arrow type. TypeNone maps to the Arrow
// null type.
func DataType(t Type) arrow.DataType {
	switch t {
	case TypeBool:
		return arrow.FixedWidthTypes.Boolean
	case TypeInt32:
		return arrow.PrimitiveTypes.Int32
	case TypeInt64:
		return arrow.PrimitiveTypes.Int64
	case TypeFloat32:
		return arrow.PrimitiveTypes.Float32
	case TypeFloat64:
		return arrow.PrimitiveTypes.Float64
	case TypeString:
		return arrow.BinaryTypes.String
	default:
		return arrow.Null
	}
}

// ToArrow builds an Arrow array holding the elements of s.
func ToArrow(mem memory.Allocator, s Series) arrow.Array {
	switch v := s.(type) {
	case Bools:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray()
	case Int32s:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray()
	case Int64s:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray()
	case Float32s:
		b := array.NewFloat32Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray()
	case Float64s:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray()
	case Strings:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.AppendValues(v, nil)
		return b.NewArray()
	default:
		return array.NewNull(0)
	}
}

// FromArrow copies an Arrow array into a Series. Null elements are
// rejected because a Series has no notion of missing values.
func FromArrow(arr arrow.Array) (Series, error) {
	if _, ok := arr.(*array.Null); ok {
		return nil, nil
	}
	if arr.NullN() > 0 {
		return nil, fmt.Errorf("series: %s column has %d nulls", arr.DataType(), arr.NullN())
	}
	n := arr.Len()
	switch c := arr.(type) {
	case *array.Boolean:
		out := make(Bools, n)
		for i := range out {
			out[i] = c.Value(i)
		}
		return out, nil
	case *array.Int32:
		out := make(Int32s, n)
		copy(out, c.Int32Values())
		return out, nil
	case *array.Int64:
		out := make(Int64s, n)
		copy(out, c.Int64Values())
		return out, nil
	case *array.Float32:
		out := make(Float32s, n)
		copy(out, c.Float32Values())
		return out, nil
	case *array.Float64:
		out := make(Float64s, n)
		copy(out, c.Float64Values())
		return out, nil
	case *array.String:
		out := make(Strings, n)
		for i := range out {
			out[i] = strings.Clone(c.Value(i))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported arrow type %s", ErrTypeMismatch, arr.DataType())
	}
}

// Marshal encodes s as an Arrow IPC stream with a single column whose type
// is the variant tag.
func Marshal(s Series) ([]byte, error) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: valuesField, Type: DataType(TypeOf(s)), Nullable: s == nil},
	}, nil)
	arr := ToArrow(mem, s)
	defer arr.Release()

	batch := array.NewRecordBatch(schema, []arrow.Array{arr}, int64(arr.Len()))
	defer batch.Release()
	return writeIPC(schema, batch)
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(data []byte) (Series, error) {
	batch, release, err := readIPC(data)
	if err != nil {
		return nil, err
	}
	defer release()
	if batch.NumCols() != 1 {
		return nil, fmt.Errorf("series: expected 1 column, got %d", batch.NumCols())
	}
	return FromArrow(batch.Column(0))
}

// Record converts the table to an Arrow record batch. Headers become field
// names and the label is stored under MetaComment in the schema metadata.
func (t *Table) Record(mem memory.Allocator) (arrow.RecordBatch, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	fields := make([]arrow.Field, len(t.Columns))
	cols := make([]arrow.Array, len(t.Columns))
	for i, c := range t.Columns {
		fields[i] = arrow.Field{Name: c.Header, Type: DataType(TypeOf(c.Values)), Nullable: c.Values == nil}
		cols[i] = ToArrow(mem, c.Values)
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	md := arrow.NewMetadata([]string{MetaComment}, []string{t.Comment})
	schema := arrow.NewSchema(fields, &md)
	return array.NewRecordBatch(schema, cols, int64(t.NumRows())), nil
}

// TableFromRecord is the inverse of Table.Record.
func TableFromRecord(batch arrow.RecordBatch) (*Table, error) {
	schema := batch.Schema()
	comment, _ := schema.Metadata().GetValue(MetaComment)
	t := &Table{Comment: comment, Columns: make([]Column, batch.NumCols())}
	for i := range t.Columns {
		s, err := FromArrow(batch.Column(i))
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", schema.Field(i).Name, err)
		}
		t.Columns[i] = Column{Header: schema.Field(i).Name, Values: s}
	}
	return t, nil
}

// MarshalTable encodes t as an Arrow IPC stream.
func MarshalTable(t *Table) ([]byte, error) {
	batch, err := t.Record(memory.NewGoAllocator())
	if err != nil {
		return nil, err
	}
	defer batch.Release()
	return writeIPC(batch.Schema(), batch)
}

// UnmarshalTable decodes bytes produced by MarshalTable.
func UnmarshalTable(data []byte) (*Table, error) {
	batch, release, err := readIPC(data)
	if err != nil {
		return nil, err
	}
	defer release()
	return TableFromRecord(batch)
}

func writeIPC(schema *arrow.Schema, batch arrow.RecordBatch) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(batch); err != nil {
		return nil, fmt.Errorf("series: writing batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("series: closing stream: %w", err)
	}
	return buf.Bytes(), nil
}

func readIPC(data []byte) (arrow.RecordBatch, func(), error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("series: reading stream: %w", err)
	}
	if !reader.Next() {
		reader.Release()
		if err := reader.Err(); err != nil {
			return nil, nil, fmt.Errorf("series: reading batch: %w", err)
		}
		return nil, nil, fmt.Errorf("series: stream has no batch")
	}
	return reader.RecordBatch(), reader.Release, nil
}
