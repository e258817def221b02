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
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// InferDataType picks the datatype a Go value is registered with when no
// type is configured. Unknown types fall back to String.
func InferDataType(v any) DataType {
	switch n := v.(type) {
	case Value:
		return n.Type()
	case bool:
		return TypeBoolean
	case int8:
		return TypeInt8
	case int16:
		return TypeInt16
	case int32:
		return TypeInt32
	case int, int64:
		return TypeInt64
	case uint8:
		return TypeUInt8
	case uint16:
		return TypeUInt16
	case uint32:
		return TypeUInt32
	case uint, uint64:
		return TypeUInt64
	case float32:
		return TypeFloat
	case float64:
		return TypeDouble
	case json.Number:
		if strings.ContainsAny(n.String(), ".eE") {
			return TypeDouble
		}
		return TypeInt64
	case time.Time:
		return TypeDateTime
	case uuid.UUID:
		return TypeUUID
	case []byte:
		return TypeBytes
	case *DataSet:
		return TypeDataSet
	default:
		return TypeString
	}
}

// ValueFrom converts a loosely typed Go value, as produced by JSON decoding
// or YAML configuration, into a Value of datatype dt. Numbers out of range
// for dt are rejected; nil yields a null value.
func ValueFrom(dt DataType, v any) (Value, error) {
	if !dt.Supported() {
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownDataType, dt)
	}
	if v == nil {
		return Null(dt), nil
	}
	if val, ok := v.(Value); ok {
		if val.Type() != dt {
			return Value{}, fmt.Errorf("%w: %s value for %s metric", ErrConversion, val.Type(), dt)
		}
		return val, nil
	}

	fail := func() (Value, error) {
		return Value{}, fmt.Errorf("%w: cannot represent %T(%v) as %s", ErrConversion, v, v, dt)
	}

	switch dt {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		i, ok := toInt64(v)
		if !ok {
			return fail()
		}
		switch dt {
		case TypeInt8:
			if i < math.MinInt8 || i > math.MaxInt8 {
				return fail()
			}
			return Int8(int8(i)), nil
		case TypeInt16:
			if i < math.MinInt16 || i > math.MaxInt16 {
				return fail()
			}
			return Int16(int16(i)), nil
		case TypeInt32:
			if i < math.MinInt32 || i > math.MaxInt32 {
				return fail()
			}
			return Int32(int32(i)), nil
		}
		return Int64(i), nil
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64:
		u, ok := toUint64(v)
		if !ok {
			return fail()
		}
		switch dt {
		case TypeUInt8:
			if u > math.MaxUint8 {
				return fail()
			}
			return UInt8(uint8(u)), nil
		case TypeUInt16:
			if u > math.MaxUint16 {
				return fail()
			}
			return UInt16(uint16(u)), nil
		case TypeUInt32:
			if u > math.MaxUint32 {
				return fail()
			}
			return UInt32(uint32(u)), nil
		}
		return UInt64(u), nil
	case TypeFloat:
		f, ok := toFloat64(v)
		if !ok {
			return fail()
		}
		return Float(float32(f)), nil
	case TypeDouble:
		f, ok := toFloat64(v)
		if !ok {
			return fail()
		}
		return Double(f), nil
	case TypeBoolean:
		b, ok := toBool(v)
		if !ok {
			return fail()
		}
		return Boolean(b), nil
	case TypeString, TypeText:
		s, ok := toString(v)
		if !ok {
			return fail()
		}
		if dt == TypeText {
			return Text(s), nil
		}
		return String(s), nil
	case TypeDateTime:
		switch t := v.(type) {
		case time.Time:
			return DateTime(t), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return fail()
			}
			return DateTime(parsed), nil
		}
		u, ok := toUint64(v)
		if !ok {
			return fail()
		}
		return DateTimeMillis(u), nil
	case TypeUUID:
		switch id := v.(type) {
		case uuid.UUID:
			return UUID(id), nil
		case string:
			parsed, err := uuid.Parse(id)
			if err != nil {
				return fail()
			}
			return UUID(parsed), nil
		}
		return fail()
	case TypeBytes, TypeFile:
		var raw []byte
		switch b := v.(type) {
		case []byte:
			raw = b
		case string:
			raw = []byte(b)
		default:
			return fail()
		}
		if dt == TypeFile {
			return File(raw), nil
		}
		return Bytes(raw), nil
	case TypeDataSet:
		ds, ok := v.(*DataSet)
		if !ok || ds == nil {
			return fail()
		}
		if err := ds.Validate(); err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrConversion, err)
		}
		return DataSetOf(ds), nil
	}
	return fail()
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return floatToInt64(f)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// floatToInt64 accepts only integral floats; JSON numbers arrive as float64.
func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case float32:
		return floatToUint64(float64(n))
	case float64:
		return floatToUint64(n)
	case json.Number:
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return u, true
		}
		if f, err := n.Float64(); err == nil {
			return floatToUint64(f)
		}
	case string:
		if u, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64); err == nil {
			return u, true
		}
	}
	i, ok := toInt64(v)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

func floatToUint64(f float64) (uint64, bool) {
	if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
		return 0, false
	}
	return uint64(f), true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	if u, ok := toUint64(v); ok {
		return float64(u), true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return parsed, true
		}
	}
	if f, ok := toFloat64(v); ok {
		return f != 0, true
	}
	return false, false
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case bool:
		return strconv.FormatBool(s), true
	case float32:
		return strconv.FormatFloat(float64(s), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), true
	case fmt.Stringer:
		return s.String(), true
	}
	if i, ok := toInt64(v); ok {
		return strconv.FormatInt(i, 10), true
	}
	if u, ok := toUint64(v); ok {
		return strconv.FormatUint(u, 10), true
	}
	return "", false
}
