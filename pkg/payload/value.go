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
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Value is an immutable, datatype-tagged metric value.
//
// Integers are held as two's complement in num, floats as their IEEE-754 bit
// pattern, booleans as 0/1 and DateTime as milliseconds since the Unix epoch.
// The zero Value has type TypeUnknown and is not a valid metric value.
type Value struct {
	dt   DataType
	null bool
	num  uint64
	str  string
	raw  []byte
	ds   *DataSet
}

func Int8(v int8) Value     { return Value{dt: TypeInt8, num: uint64(int64(v))} }
func Int16(v int16) Value   { return Value{dt: TypeInt16, num: uint64(int64(v))} }
func Int32(v int32) Value   { return Value{dt: TypeInt32, num: uint64(int64(v))} }
func Int64(v int64) Value   { return Value{dt: TypeInt64, num: uint64(v)} }
func UInt8(v uint8) Value   { return Value{dt: TypeUInt8, num: uint64(v)} }
func UInt16(v uint16) Value { return Value{dt: TypeUInt16, num: uint64(v)} }
func UInt32(v uint32) Value { return Value{dt: TypeUInt32, num: uint64(v)} }
func UInt64(v uint64) Value { return Value{dt: TypeUInt64, num: v} }

func Float(v float32) Value  { return Value{dt: TypeFloat, num: uint64(math.Float32bits(v))} }
func Double(v float64) Value { return Value{dt: TypeDouble, num: math.Float64bits(v)} }

func Boolean(v bool) Value {
	if v {
		return Value{dt: TypeBoolean, num: 1}
	}
	return Value{dt: TypeBoolean}
}

func String(v string) Value { return Value{dt: TypeString, str: v} }
func Text(v string) Value   { return Value{dt: TypeText, str: v} }

// DateTime stores t with millisecond precision.
func DateTime(t time.Time) Value { return Value{dt: TypeDateTime, num: uint64(t.UnixMilli())} }

// DateTimeMillis stores a raw millisecond timestamp.
func DateTimeMillis(ms uint64) Value { return Value{dt: TypeDateTime, num: ms} }

func UUID(id uuid.UUID) Value { return Value{dt: TypeUUID, str: id.String()} }

// UUIDString stores a UUID in its textual form without validating it, which is
// how UUID metrics travel on the wire.
func UUIDString(s string) Value { return Value{dt: TypeUUID, str: s} }

func Bytes(b []byte) Value { return Value{dt: TypeBytes, raw: bytes.Clone(b)} }
func File(b []byte) Value  { return Value{dt: TypeFile, raw: bytes.Clone(b)} }

// DataSetOf wraps a deep copy of ds.
func DataSetOf(ds *DataSet) Value { return Value{dt: TypeDataSet, ds: ds.Clone()} }

// Null is the value of a metric of type dt that currently has no value.
func Null(dt DataType) Value { return Value{dt: dt, null: true} }

func (v Value) Type() DataType { return v.dt }
func (v Value) IsNull() bool   { return v.null }

// Int returns signed integer types sign-extended to int64.
func (v Value) Int() int64 { return int64(v.num) }

// Uint returns the raw unsigned integer held by unsigned and DateTime values.
func (v Value) Uint() uint64 { return v.num }

func (v Value) Float32() float32 { return math.Float32frombits(uint32(v.num)) }
func (v Value) Float64() float64 {
	if v.dt == TypeFloat {
		return float64(v.Float32())
	}
	return math.Float64frombits(v.num)
}

func (v Value) Bool() bool { return v.num != 0 }

// Str returns the content of String, Text and UUID values.
func (v Value) Str() string { return v.str }

func (v Value) Bytes() []byte { return bytes.Clone(v.raw) }

func (v Value) Time() time.Time { return time.UnixMilli(int64(v.num)) }

func (v Value) UUID() (uuid.UUID, error) { return uuid.Parse(v.str) }

// DataSet returns a copy of the table held by a DataSet value.
func (v Value) DataSet() *DataSet { return v.ds.Clone() }

// Equal is structural equality. Floats compare by bit pattern so that a NaN
// reading does not count as a change on every update.
func (v Value) Equal(o Value) bool {
	if v.dt != o.dt || v.null != o.null {
		return false
	}
	if v.null {
		return true
	}
	switch v.dt {
	case TypeString, TypeText, TypeUUID:
		return v.str == o.str
	case TypeBytes, TypeFile:
		return bytes.Equal(v.raw, o.raw)
	case TypeDataSet:
		return v.ds.Equal(o.ds)
	default:
		return v.num == o.num
	}
}

// Interface returns the natural Go representation, mainly for logging and JSON.
func (v Value) Interface() any {
	if v.null {
		return nil
	}
	switch v.dt {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return v.Int()
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		return v.Uint()
	case TypeFloat:
		return v.Float32()
	case TypeDouble:
		return v.Float64()
	case TypeBoolean:
		return v.Bool()
	case TypeString, TypeText, TypeUUID:
		return v.str
	case TypeDateTime:
		return v.Time().UTC()
	case TypeBytes, TypeFile:
		return v.Bytes()
	case TypeDataSet:
		return v.DataSet()
	}
	return nil
}

func (v Value) String() string {
	if v.null {
		return fmt.Sprintf("%s(null)", v.dt)
	}
	return fmt.Sprintf("%s(%v)", v.dt, v.Interface())
}

// validate checks that the value can be encoded as a metric of type dt.
func (v Value) validate(dt DataType) error {
	if !dt.Supported() {
		return fmt.Errorf("%w: %w: %s", ErrEncoding, ErrUnknownDataType, dt)
	}
	if v.dt != dt {
		return fmt.Errorf("%w: value of type %s declared as %s", ErrEncoding, v.dt, dt)
	}
	if v.dt == TypeDataSet && !v.null {
		if v.ds == nil {
			return fmt.Errorf("%w: dataset value without a table", ErrEncoding)
		}
		if err := v.ds.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrEncoding, err)
		}
	}
	return nil
}
