// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package payload

import (
	"fmt"
)

// Row is one DataSet row; element i has the type of column i.
type Row []Value

// DataSet is a table of named, typed columns.
type DataSet struct {
	Columns []string
	Types   []DataType
	Rows    []Row
}

// NewDataSet creates an empty table. Every column type must be a scalar type.
func NewDataSet(columns []string, types []DataType) (*DataSet, error) {
	ds := &DataSet{
		Columns: append([]string(nil), columns...),
		Types:   append([]DataType(nil), types...),
	}
	if err := ds.validateColumns(); err != nil {
		return nil, err
	}
	return ds, nil
}

// AddRow appends a row after checking its arity and element types.
func (d *DataSet) AddRow(values ...Value) error {
	row := Row(append([]Value(nil), values...))
	if err := d.validateRow(len(d.Rows), row); err != nil {
		return err
	}
	d.Rows = append(d.Rows, row)
	return nil
}

// Validate checks the fixed column arity of every row.
func (d *DataSet) Validate() error {
	if err := d.validateColumns(); err != nil {
		return err
	}
	for i, row := range d.Rows {
		if err := d.validateRow(i, row); err != nil {
			return err
		}
	}
	return nil
}

func (d *DataSet) validateColumns() error {
	if len(d.Columns) != len(d.Types) {
		return fmt.Errorf("dataset has %d columns but %d column types", len(d.Columns), len(d.Types))
	}
	for i, t := range d.Types {
		if !t.Scalar() {
			return fmt.Errorf("%w: column %q has type %s", ErrUnknownDataType, d.Columns[i], t)
		}
	}
	return nil
}

func (d *DataSet) validateRow(index int, row Row) error {
	if len(row) != len(d.Columns) {
		return fmt.Errorf("%w: row %d has %d elements, want %d", ErrRowArity, index, len(row), len(d.Columns))
	}
	for i, v := range row {
		if v.Type() != d.Types[i] {
			return fmt.Errorf("row %d column %q: value of type %s, want %s", index, d.Columns[i], v.Type(), d.Types[i])
		}
		if v.IsNull() {
			return fmt.Errorf("row %d column %q: dataset elements cannot be null", index, d.Columns[i])
		}
	}
	return nil
}

// Equal compares all columns, types and rows.
func (d *DataSet) Equal(o *DataSet) bool {
	if d == nil || o == nil {
		return d == o
	}
	if len(d.Columns) != len(o.Columns) || len(d.Types) != len(o.Types) || len(d.Rows) != len(o.Rows) {
		return false
	}
	for i := range d.Columns {
		if d.Columns[i] != o.Columns[i] {
			return false
		}
	}
	for i := range d.Types {
		if d.Types[i] != o.Types[i] {
			return false
		}
	}
	for i := range d.Rows {
		if len(d.Rows[i]) != len(o.Rows[i]) {
			return false
		}
		for j := range d.Rows[i] {
			if !d.Rows[i][j].Equal(o.Rows[i][j]) {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy. Cloning nil returns nil.
func (d *DataSet) Clone() *DataSet {
	if d == nil {
		return nil
	}
	c := &DataSet{
		Columns: append([]string(nil), d.Columns...),
		Types:   append([]DataType(nil), d.Types...),
	}
	for _, row := range d.Rows {
		c.Rows = append(c.Rows, append(Row(nil), row...))
	}
	return c
}
