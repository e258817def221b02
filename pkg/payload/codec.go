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
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the Sparkplug B protobuf schema (sparkplug_b.proto).
const (
	payloadTimestamp protowire.Number = 1
	payloadMetrics   protowire.Number = 2
	payloadSeq       protowire.Number = 3
	payloadUUID      protowire.Number = 4
	payloadBody      protowire.Number = 5

	metricName         protowire.Number = 1
	metricAlias        protowire.Number = 2
	metricTimestamp    protowire.Number = 3
	metricDatatype     protowire.Number = 4
	metricIsHistorical protowire.Number = 5
	metricIsTransient  protowire.Number = 6
	metricIsNull       protowire.Number = 7
	metricDataSetValue protowire.Number = 17

	dataSetNumColumns protowire.Number = 1
	dataSetColumns    protowire.Number = 2
	dataSetTypes      protowire.Number = 3
	dataSetRows       protowire.Number = 4

	rowElements protowire.Number = 1
)

// scalarFields are the oneof field numbers of the typed scalar values; the
// Metric and DataSet.DataSetValue messages use different numbers for them.
type scalarFields struct {
	int, long, float, double, boolean, str, bytes protowire.Number
}

var (
	metricScalars  = scalarFields{int: 10, long: 11, float: 12, double: 13, boolean: 14, str: 15, bytes: 16}
	elementScalars = scalarFields{int: 1, long: 2, float: 3, double: 4, boolean: 5, str: 6}
)

// Payload is the logical content of a Sparkplug B message.
type Payload struct {
	// Timestamp in milliseconds since the Unix epoch; 0 omits the field.
	Timestamp uint64
	// Seq is nil for messages without a sequence number (NDEATH).
	Seq     *uint64
	UUID    string
	Body    []byte
	Metrics []Metric
}

// Metric is one metric entry of a payload. Either Name or Alias identifies it.
type Metric struct {
	Name         string
	Alias        *uint64
	Timestamp    uint64
	Datatype     DataType
	IsHistorical bool
	IsTransient  bool
	Value        Value

	// untyped holds the value fields of a decoded metric that carried no
	// datatype, as hosts may send in NCMD.
	untyped *metricValue
}

// Untyped reports whether the metric was decoded without a datatype; its
// Value is only available through WithDataType.
func (m Metric) Untyped() bool { return m.untyped != nil }

// WithDataType decodes the value of an untyped metric as dt. Typed metrics
// are returned unchanged.
func (m Metric) WithDataType(dt DataType) (Metric, error) {
	if m.untyped == nil {
		return m, nil
	}
	if !dt.Supported() {
		return Metric{}, fmt.Errorf("%w: %w: %s resolved as %s", ErrDecoding, ErrUnknownDataType, m.label(), dt)
	}
	v, err := m.untyped.decode(dt, m.label())
	if err != nil {
		return Metric{}, err
	}
	m.Datatype, m.Value, m.untyped = dt, v, nil
	return m, nil
}

func (m Metric) label() string {
	if m.Name != "" {
		return m.Name
	}
	if m.Alias != nil {
		return fmt.Sprintf("alias %d", *m.Alias)
	}
	return "<unnamed>"
}

// Equal compares two metrics field by field.
func (m Metric) Equal(o Metric) bool {
	if (m.Alias == nil) != (o.Alias == nil) || (m.Alias != nil && *m.Alias != *o.Alias) {
		return false
	}
	return m.Name == o.Name &&
		m.Timestamp == o.Timestamp &&
		m.Datatype == o.Datatype &&
		m.IsHistorical == o.IsHistorical &&
		m.IsTransient == o.IsTransient &&
		m.Value.Equal(o.Value)
}

// Equal compares two payloads field by field.
func (p Payload) Equal(o Payload) bool {
	if (p.Seq == nil) != (o.Seq == nil) || (p.Seq != nil && *p.Seq != *o.Seq) {
		return false
	}
	if p.Timestamp != o.Timestamp || p.UUID != o.UUID || !bytes.Equal(p.Body, o.Body) || len(p.Metrics) != len(o.Metrics) {
		return false
	}
	for i := range p.Metrics {
		if !p.Metrics[i].Equal(o.Metrics[i]) {
			return false
		}
	}
	return true
}

// Encode serialises p. Fields are always written in field-number order and
// metrics in slice order, so equal payloads encode to equal bytes.
func Encode(p Payload) ([]byte, error) {
	var b []byte
	if p.Timestamp != 0 {
		b = appendVarint(b, payloadTimestamp, p.Timestamp)
	}
	for _, m := range p.Metrics {
		encoded, err := encodeMetric(m)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, payloadMetrics, encoded)
	}
	if p.Seq != nil {
		b = appendVarint(b, payloadSeq, *p.Seq)
	}
	if p.UUID != "" {
		b = appendString(b, payloadUUID, p.UUID)
	}
	if len(p.Body) > 0 {
		b = appendMessage(b, payloadBody, p.Body)
	}
	return b, nil
}

func encodeMetric(m Metric) ([]byte, error) {
	if m.Name == "" && m.Alias == nil {
		return nil, fmt.Errorf("%w: metric has neither name nor alias", ErrEncoding)
	}
	if err := m.Value.validate(m.Datatype); err != nil {
		return nil, fmt.Errorf("metric %s: %w", m.label(), err)
	}

	var b []byte
	if m.Name != "" {
		b = appendString(b, metricName, m.Name)
	}
	if m.Alias != nil {
		b = appendVarint(b, metricAlias, *m.Alias)
	}
	if m.Timestamp != 0 {
		b = appendVarint(b, metricTimestamp, m.Timestamp)
	}
	b = appendVarint(b, metricDatatype, uint64(m.Datatype))
	if m.IsHistorical {
		b = appendVarint(b, metricIsHistorical, 1)
	}
	if m.IsTransient {
		b = appendVarint(b, metricIsTransient, 1)
	}
	if m.Value.IsNull() {
		return appendVarint(b, metricIsNull, 1), nil
	}
	if m.Datatype == TypeDataSet {
		return appendMessage(b, metricDataSetValue, encodeDataSet(m.Value.ds)), nil
	}
	return appendScalar(b, m.Value, metricScalars), nil
}

// encodeDataSet expects a validated table.
func encodeDataSet(ds *DataSet) []byte {
	var b []byte
	b = appendVarint(b, dataSetNumColumns, uint64(len(ds.Columns)))
	for _, c := range ds.Columns {
		b = appendString(b, dataSetColumns, c)
	}
	for _, t := range ds.Types {
		b = appendVarint(b, dataSetTypes, uint64(t))
	}
	for _, row := range ds.Rows {
		var r []byte
		for _, v := range row {
			r = appendMessage(r, rowElements, appendScalar(nil, v, elementScalars))
		}
		b = appendMessage(b, dataSetRows, r)
	}
	return b
}

func appendScalar(b []byte, v Value, f scalarFields) []byte {
	switch v.dt {
	case TypeInt8, TypeInt16, TypeInt32:
		return appendVarint(b, f.int, uint64(uint32(int32(v.Int()))))
	case TypeUInt8, TypeUInt16, TypeUInt32:
		return appendVarint(b, f.int, uint64(uint32(v.num)))
	case TypeInt64, TypeUInt64, TypeDateTime:
		return appendVarint(b, f.long, v.num)
	case TypeFloat:
		b = protowire.AppendTag(b, f.float, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, uint32(v.num))
	case TypeDouble:
		b = protowire.AppendTag(b, f.double, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, v.num)
	case TypeBoolean:
		return appendVarint(b, f.boolean, v.num)
	case TypeString, TypeText, TypeUUID:
		return appendString(b, f.str, v.str)
	case TypeBytes, TypeFile:
		return appendMessage(b, f.bytes, v.raw)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// Decode parses a Sparkplug B payload. Unknown fields are skipped as protobuf
// requires; metadata, properties and template values are ignored.
func Decode(data []byte) (Payload, error) {
	var p Payload
	err := readFields(data, func(f field) error {
		switch f.num {
		case payloadTimestamp:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			p.Timestamp = f.varint
		case payloadMetrics:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			m, err := decodeMetric(f.bytes)
			if err != nil {
				return fmt.Errorf("metric %d: %w", len(p.Metrics), err)
			}
			p.Metrics = append(p.Metrics, m)
		case payloadSeq:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			seq := f.varint
			p.Seq = &seq
		case payloadUUID:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			p.UUID = string(f.bytes)
		case payloadBody:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			p.Body = bytes.Clone(f.bytes)
		}
		return nil
	})
	if err != nil {
		return Payload{}, err
	}
	return p, nil
}

// metricValue is the undecoded value part of a metric.
type metricValue struct {
	isNull  bool
	scalar  rawScalar
	dataSet []byte
	hasSet  bool
}

func (v metricValue) decode(dt DataType, label string) (Value, error) {
	switch {
	case v.isNull:
		return Null(dt), nil
	case dt == TypeDataSet:
		if !v.hasSet {
			return Value{}, fmt.Errorf("%w: dataset metric %s carries no dataset", ErrDecoding, label)
		}
		ds, err := decodeDataSet(v.dataSet)
		if err != nil {
			return Value{}, err
		}
		return Value{dt: TypeDataSet, ds: ds}, nil
	case v.hasSet:
		return Value{}, fmt.Errorf("%w: %s metric %s carries a dataset", ErrDecoding, dt, label)
	}
	value, err := v.scalar.value(dt, metricScalars)
	if err != nil {
		return Value{}, fmt.Errorf("metric %s: %w", label, err)
	}
	return value, nil
}

// decodeMetric decodes one metric. A metric without datatype is returned
// untyped for the receiver to resolve.
func decodeMetric(data []byte) (Metric, error) {
	var (
		m  Metric
		mv metricValue
	)
	err := readFields(data, func(f field) error {
		switch f.num {
		case metricName:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			m.Name = string(f.bytes)
		case metricAlias:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			alias := f.varint
			m.Alias = &alias
		case metricTimestamp:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			m.Timestamp = f.varint
		case metricDatatype:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			m.Datatype = DataType(f.varint)
		case metricIsHistorical, metricIsTransient, metricIsNull:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			switch f.num {
			case metricIsHistorical:
				m.IsHistorical = f.varint != 0
			case metricIsTransient:
				m.IsTransient = f.varint != 0
			default:
				mv.isNull = f.varint != 0
			}
		case metricDataSetValue:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			mv.dataSet, mv.hasSet = f.bytes, true
			mv.scalar = rawScalar{}
		default:
			if metricScalars.has(f.num) {
				mv.scalar = rawScalar{field: f}
				mv.hasSet = false
			}
		}
		return nil
	})
	if err != nil {
		return Metric{}, err
	}

	if m.Datatype == TypeUnknown {
		m.untyped = &mv
		return m, nil
	}
	if !m.Datatype.Supported() {
		return Metric{}, fmt.Errorf("%w: %w: %s tagged %s", ErrDecoding, ErrUnknownDataType, m.label(), m.Datatype)
	}
	v, err := mv.decode(m.Datatype, m.label())
	if err != nil {
		return Metric{}, err
	}
	m.Value = v
	return m, nil
}

func decodeDataSet(data []byte) (*DataSet, error) {
	var (
		numColumns *uint64
		ds         DataSet
		rows       [][]byte
	)
	err := readFields(data, func(f field) error {
		switch f.num {
		case dataSetNumColumns:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			n := f.varint
			numColumns = &n
		case dataSetColumns:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			ds.Columns = append(ds.Columns, string(f.bytes))
		case dataSetTypes:
			// proto2 writers emit repeated uint32 unpacked, but packed is legal too.
			if f.typ == protowire.BytesType {
				packed := f.bytes
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return consumeError(n)
					}
					ds.Types = append(ds.Types, DataType(v))
					packed = packed[n:]
				}
				return nil
			}
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			ds.Types = append(ds.Types, DataType(f.varint))
		case dataSetRows:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			rows = append(rows, f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if numColumns != nil && *numColumns != uint64(len(ds.Columns)) {
		return nil, fmt.Errorf("%w: dataset declares %d columns but names %d", ErrDecoding, *numColumns, len(ds.Columns))
	}
	if len(ds.Types) != len(ds.Columns) {
		return nil, fmt.Errorf("%w: dataset has %d columns but %d column types", ErrDecoding, len(ds.Columns), len(ds.Types))
	}
	for i, t := range ds.Types {
		if !t.Scalar() {
			return nil, fmt.Errorf("%w: %w: dataset column %q tagged %s", ErrDecoding, ErrUnknownDataType, ds.Columns[i], t)
		}
	}

	for i, r := range rows {
		var elements []rawScalar
		err := readFields(r, func(f field) error {
			if f.num != rowElements {
				return nil
			}
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			var element rawScalar
			err := readFields(f.bytes, func(ef field) error {
				if elementScalars.has(ef.num) {
					element = rawScalar{field: ef}
				}
				return nil
			})
			elements = append(elements, element)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(elements) != len(ds.Columns) {
			return nil, fmt.Errorf("%w: %w: row %d has %d elements, want %d", ErrDecoding, ErrRowArity, i, len(elements), len(ds.Columns))
		}
		row := make(Row, len(elements))
		for j, element := range elements {
			v, err := element.value(ds.Types[j], elementScalars)
			if err != nil {
				return nil, fmt.Errorf("dataset row %d column %q: %w", i, ds.Columns[j], err)
			}
			row[j] = v
		}
		ds.Rows = append(ds.Rows, row)
	}
	return &ds, nil
}

type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	fixed64 uint64
	bytes   []byte
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d, want %d", ErrDecoding, f.num, f.typ, typ)
	}
	return nil
}

// readFields walks the top-level fields of one protobuf message.
func readFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return consumeError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.Fixed64Type:
			f.fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return consumeError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func consumeError(n int) error {
	err := protowire.ParseError(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrDecoding, ErrTruncated)
	}
	return fmt.Errorf("%w: %v", ErrDecoding, err)
}

func (f scalarFields) has(num protowire.Number) bool {
	switch num {
	case f.int, f.long, f.float, f.double, f.boolean, f.str:
		return true
	case f.bytes:
		return f.bytes != 0
	}
	return false
}

// rawScalar is the last value field seen in a message; its zero value means
// no value field was present and decodes to the zero value of the type.
type rawScalar struct {
	field
}

func (r rawScalar) value(dt DataType, f scalarFields) (Value, error) {
	want, typ := f.fieldFor(dt)
	// some hosts carry uint32 in long_value
	if dt == TypeUInt32 && r.num == f.long && f.long != 0 {
		want = f.long
	}
	if r.num != 0 && r.num != want {
		return Value{}, fmt.Errorf("%w: %s value carried in field %d", ErrDecoding, dt, r.num)
	}
	if r.num != 0 {
		if err := r.expect(typ); err != nil {
			return Value{}, err
		}
	}

	switch dt {
	case TypeInt8:
		v := int32(uint32(r.varint))
		if v < math.MinInt8 || v > math.MaxInt8 {
			return Value{}, fmt.Errorf("%w: %d out of range for int8", ErrDecoding, v)
		}
		return Int8(int8(v)), nil
	case TypeInt16:
		v := int32(uint32(r.varint))
		if v < math.MinInt16 || v > math.MaxInt16 {
			return Value{}, fmt.Errorf("%w: %d out of range for int16", ErrDecoding, v)
		}
		return Int16(int16(v)), nil
	case TypeInt32:
		return Int32(int32(uint32(r.varint))), nil
	case TypeUInt8:
		if r.varint > math.MaxUint8 {
			return Value{}, fmt.Errorf("%w: %d out of range for uint8", ErrDecoding, r.varint)
		}
		return UInt8(uint8(r.varint)), nil
	case TypeUInt16:
		if r.varint > math.MaxUint16 {
			return Value{}, fmt.Errorf("%w: %d out of range for uint16", ErrDecoding, r.varint)
		}
		return UInt16(uint16(r.varint)), nil
	case TypeUInt32:
		if r.varint > math.MaxUint32 {
			return Value{}, fmt.Errorf("%w: %d out of range for uint32", ErrDecoding, r.varint)
		}
		return UInt32(uint32(r.varint)), nil
	case TypeInt64:
		return Int64(int64(r.varint)), nil
	case TypeUInt64:
		return UInt64(r.varint), nil
	case TypeDateTime:
		return DateTimeMillis(r.varint), nil
	case TypeFloat:
		return Value{dt: TypeFloat, num: uint64(r.fixed32)}, nil
	case TypeDouble:
		return Value{dt: TypeDouble, num: r.fixed64}, nil
	case TypeBoolean:
		return Boolean(r.varint != 0), nil
	case TypeString:
		return String(string(r.bytes)), nil
	case TypeText:
		return Text(string(r.bytes)), nil
	case TypeUUID:
		return UUIDString(string(r.bytes)), nil
	case TypeBytes:
		return Bytes(r.bytes), nil
	case TypeFile:
		return File(r.bytes), nil
	}
	return Value{}, fmt.Errorf("%w: %w: %s", ErrDecoding, ErrUnknownDataType, dt)
}

func (f scalarFields) fieldFor(dt DataType) (protowire.Number, protowire.Type) {
	switch dt {
	case TypeInt8, TypeInt16, TypeInt32, TypeUInt8, TypeUInt16, TypeUInt32:
		return f.int, protowire.VarintType
	case TypeInt64, TypeUInt64, TypeDateTime:
		return f.long, protowire.VarintType
	case TypeFloat:
		return f.float, protowire.Fixed32Type
	case TypeDouble:
		return f.double, protowire.Fixed64Type
	case TypeBoolean:
		return f.boolean, protowire.VarintType
	case TypeString, TypeText, TypeUUID:
		return f.str, protowire.BytesType
	case TypeBytes, TypeFile:
		return f.bytes, protowire.BytesType
	}
	return 0, protowire.VarintType
}
