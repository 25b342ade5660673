// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package series

import (
	"fmt"
	"reflect"
)

// Column is one named column of a Table.
type Column struct {
	Header string
	Values Series
}

// Table is a labelled, ordered collection of equal-length columns.
type Table struct {
	Comment string
	Columns []Column
}

// NewTable pairs headers with columns positionally. The counts must match
// and every column must hold the same number of rows.
func NewTable(comment string, headers []string, columns []Series) (*Table, error) {
	if len(headers) != len(columns) {
		return nil, fmt.Errorf("series: table %q has %d headers but %d columns", comment, len(headers), len(columns))
	}
	t := &Table{Comment: comment, Columns: make([]Column, len(headers))}
	for i := range headers {
		t.Columns[i] = Column{Header: headers[i], Values: columns[i]}
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) check() error {
	if len(t.Columns) == 0 {
		return nil
	}
	first := t.Columns[0]
	for _, c := range t.Columns[1:] {
		if Len(c.Values) != Len(first.Values) {
			return fmt.Errorf("series: table %q column %q has %d rows, column %q has %d",
				t.Comment, c.Header, Len(c.Values), first.Header, Len(first.Values))
		}
	}
	return nil
}

// NumRows returns the shared row count; a table without columns has none.
func (t *Table) NumRows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return Len(t.Columns[0].Values)
}

// Headers returns the column headers in order.
func (t *Table) Headers() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Header
	}
	return out
}

// Column returns the first column named header.
func (t *Table) Column(header string) (Series, bool) {
	for _, c := range t.Columns {
		if c.Header == header {
			return c.Values, true
		}
	}
	return nil, false
}

// Decode returns the table label and its columns in order.
func (t *Table) Decode() (string, []Column) {
	return t.Comment, t.Columns
}

// Builder accumulates rows of loosely typed cells and produces a Table.
// A nil cell takes the zero value of its column's type; a column whose
// cells are all nil becomes a string column.
type Builder struct {
	comment string
	headers []string
	cells   [][]any
}

// NewBuilder starts a table with the given label and headers.
func NewBuilder(comment string, headers ...string) *Builder {
	return &Builder{comment: comment, headers: headers, cells: make([][]any, len(headers))}
}

// Append adds one row. The row must have one cell per header.
func (b *Builder) Append(row ...any) error {
	if len(row) != len(b.headers) {
		return fmt.Errorf("series: row has %d cells, table %q has %d headers", len(row), b.comment, len(b.headers))
	}
	for i, v := range row {
		b.cells[i] = append(b.cells[i], v)
	}
	return nil
}

// Table encodes the accumulated rows.
func (b *Builder) Table() (*Table, error) {
	cols := make([]Series, len(b.headers))
	for i, cells := range b.cells {
		fillZero(cells)
		s, err := Encode(cells)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", b.headers[i], err)
		}
		if s == nil {
			s = Strings{}
		}
		cols[i] = s
	}
	return NewTable(b.comment, b.headers, cols)
}

func fillZero(cells []any) {
	var zero any
	for _, v := range cells {
		if v != nil {
			zero = reflect.Zero(reflect.TypeOf(v)).Interface()
			break
		}
	}
	if zero == nil {
		zero = ""
	}
	for i, v := range cells {
		if v == nil {
			cells[i] = zero
		}
	}
}
