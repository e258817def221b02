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

package payload_test

import (
	"math"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/payload"
)

func roundTrip(p payload.Payload) payload.Payload {
	GinkgoHelper()
	encoded, err := payload.Encode(p)
	Expect(err).NotTo(HaveOccurred())
	decoded, err := payload.Decode(encoded)
	Expect(err).NotTo(HaveOccurred())
	return decoded
}

func temperatureTable() *payload.DataSet {
	GinkgoHelper()
	ds, err := payload.NewDataSet([]string{"Name", "Value"}, []payload.DataType{payload.TypeString, payload.TypeFloat})
	Expect(err).NotTo(HaveOccurred())
	Expect(ds.AddRow(payload.String("Temperature"), payload.Float(12.5))).To(Succeed())
	return ds
}

var _ = Describe("Codec", func() {
	Context("round trip", func() {
		DescribeTable("preserves every supported metric value",
			func(v payload.Value) {
				in := payload.Payload{
					Timestamp: 1700000000000,
					Seq:       uint64Ptr(7),
					Metrics: []payload.Metric{{
						Name:      "m",
						Alias:     uint64Ptr(3),
						Timestamp: 1700000000001,
						Datatype:  v.Type(),
						Value:     v,
					}},
				}
				out := roundTrip(in)
				Expect(out.Equal(in)).To(BeTrue(), "decoded %+v", out)
				Expect(out.Metrics[0].Value.Equal(v)).To(BeTrue())
			},
			Entry("int8 min", payload.Int8(math.MinInt8)),
			Entry("int8 max", payload.Int8(math.MaxInt8)),
			Entry("int16 negative", payload.Int16(-1234)),
			Entry("int32 min", payload.Int32(math.MinInt32)),
			Entry("int64 min", payload.Int64(math.MinInt64)),
			Entry("uint8 max", payload.UInt8(math.MaxUint8)),
			Entry("uint16 max", payload.UInt16(math.MaxUint16)),
			Entry("uint32 max", payload.UInt32(math.MaxUint32)),
			Entry("uint64 max", payload.UInt64(math.MaxUint64)),
			Entry("float", payload.Float(21.5)),
			Entry("float NaN", payload.Float(float32(math.NaN()))),
			Entry("double", payload.Double(-0.000123)),
			Entry("boolean true", payload.Boolean(true)),
			Entry("boolean false", payload.Boolean(false)),
			Entry("string", payload.String("hello")),
			Entry("empty string", payload.String("")),
			Entry("text", payload.Text("multi\nline")),
			Entry("datetime", payload.DateTime(time.UnixMilli(1700000000123))),
			Entry("uuid", payload.UUID(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))),
			Entry("bytes", payload.Bytes([]byte{0, 1, 2, 255})),
			Entry("file", payload.File([]byte("content"))),
			Entry("null double", payload.Null(payload.TypeDouble)),
			Entry("null dataset", payload.Null(payload.TypeDataSet)),
		)

		It("preserves payload level fields", func() {
			in := payload.Payload{
				Timestamp: 42,
				Seq:       uint64Ptr(255),
				UUID:      "c6d0d2a2",
				Body:      []byte{9, 8, 7},
				Metrics: []payload.Metric{
					{Name: "a", Datatype: payload.TypeBoolean, Value: payload.Boolean(true), IsHistorical: true},
					{Alias: uint64Ptr(12), Datatype: payload.TypeInt32, Value: payload.Int32(-5), IsTransient: true},
				},
			}
			Expect(roundTrip(in).Equal(in)).To(BeTrue())
		})

		It("keeps a missing seq absent", func() {
			in := payload.Payload{
				Timestamp: 1,
				Metrics:   []payload.Metric{{Name: "bdSeq", Datatype: payload.TypeInt64, Value: payload.Int64(3)}},
			}
			out := roundTrip(in)
			Expect(out.Seq).To(BeNil())
			Expect(out.Equal(in)).To(BeTrue())
		})

		It("round trips the Name/Value DataSet exactly", func() {
			ds := temperatureTable()
			in := payload.Payload{
				Seq:     uint64Ptr(0),
				Metrics: []payload.Metric{{Name: "Table", Datatype: payload.TypeDataSet, Value: payload.DataSetOf(ds)}},
			}
			out := roundTrip(in)
			got := out.Metrics[0].Value.DataSet()
			Expect(got.Columns).To(Equal([]string{"Name", "Value"}))
			Expect(got.Types).To(Equal([]payload.DataType{payload.TypeString, payload.TypeFloat}))
			Expect(got.Rows).To(HaveLen(1))
			Expect(got.Rows[0][0].Str()).To(Equal("Temperature"))
			Expect(got.Rows[0][1].Float32()).To(Equal(float32(12.5)))
			Expect(got.Equal(ds)).To(BeTrue())
		})

		It("round trips an empty DataSet", func() {
			ds, err := payload.NewDataSet([]string{"a"}, []payload.DataType{payload.TypeInt64})
			Expect(err).NotTo(HaveOccurred())
			in := payload.Payload{Metrics: []payload.Metric{{Name: "t", Datatype: payload.TypeDataSet, Value: payload.DataSetOf(ds)}}}
			Expect(roundTrip(in).Equal(in)).To(BeTrue())
		})
	})

	Context("encoding", func() {
		It("is deterministic", func() {
			in := payload.Payload{
				Timestamp: 1700000000000,
				Seq:       uint64Ptr(1),
				Metrics: []payload.Metric{
					{Name: "Temp", Datatype: payload.TypeFloat, Value: payload.Float(21.5)},
					{Name: "Table", Datatype: payload.TypeDataSet, Value: payload.DataSetOf(temperatureTable())},
				},
			}
			first, err := payload.Encode(in)
			Expect(err).NotTo(HaveOccurred())
			second, err := payload.Encode(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(Equal(second))
		})

		It("rejects a value that does not match the declared type", func() {
			_, err := payload.Encode(payload.Payload{Metrics: []payload.Metric{
				{Name: "Temp", Datatype: payload.TypeDouble, Value: payload.Float(1)},
			}})
			Expect(err).To(MatchError(payload.ErrEncoding))
		})

		It("rejects metrics without name and alias", func() {
			_, err := payload.Encode(payload.Payload{Metrics: []payload.Metric{
				{Datatype: payload.TypeBoolean, Value: payload.Boolean(true)},
			}})
			Expect(err).To(MatchError(payload.ErrEncoding))
		})

		It("rejects unsupported datatypes", func() {
			_, err := payload.Encode(payload.Payload{Metrics: []payload.Metric{
				{Name: "tpl", Datatype: payload.TypeTemplate, Value: payload.Null(payload.TypeTemplate)},
			}})
			Expect(err).To(MatchError(payload.ErrEncoding))
			Expect(err).To(MatchError(payload.ErrUnknownDataType))
		})

		It("rejects a DataSet whose row arity was broken after construction", func() {
			ds := temperatureTable()
			ds.Rows = append(ds.Rows, payload.Row{payload.String("only one")})
			_, err := payload.Encode(payload.Payload{Metrics: []payload.Metric{
				{Name: "t", Datatype: payload.TypeDataSet, Value: payload.DataSetOf(ds)},
			}})
			Expect(err).To(MatchError(payload.ErrEncoding))
			Expect(err).To(MatchError(payload.ErrRowArity))
		})
	})

	Context("decoding", func() {
		var encoded []byte

		BeforeEach(func() {
			var err error
			encoded, err = payload.Encode(payload.Payload{
				Timestamp: 1700000000000,
				Seq:       uint64Ptr(0),
				Metrics:   []payload.Metric{{Name: "Temperature", Datatype: payload.TypeFloat, Value: payload.Float(20)}},
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails on a stream cut inside the last field", func() {
			_, err := payload.Decode(encoded[:len(encoded)-1])
			Expect(err).To(MatchError(payload.ErrDecoding))
			Expect(err).To(MatchError(payload.ErrTruncated))
		})

		It("fails on a stream cut inside a metric", func() {
			_, err := payload.Decode(encoded[:10])
			Expect(err).To(MatchError(payload.ErrTruncated))
		})

		It("skips unknown fields", func() {
			extended := protowire.AppendTag(append([]byte(nil), encoded...), 99, protowire.VarintType)
			extended = protowire.AppendVarint(extended, 12345)
			extended = protowire.AppendTag(extended, 98, protowire.BytesType)
			extended = protowire.AppendString(extended, "ignored")

			a, err := payload.Decode(encoded)
			Expect(err).NotTo(HaveOccurred())
			b, err := payload.Decode(extended)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Equal(a)).To(BeTrue())
		})

		It("decodes an empty stream as an empty payload", func() {
			p, err := payload.Decode(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Metrics).To(BeEmpty())
			Expect(p.Seq).To(BeNil())
		})

		DescribeTable("rejects unrecognised datatype tags",
			func(tag uint64) {
				_, err := payload.Decode(payloadWithMetric(rawMetric("x", tag, nil)))
				Expect(err).To(MatchError(payload.ErrDecoding))
				Expect(err).To(MatchError(payload.ErrUnknownDataType))
			},
			Entry("template", uint64(payload.TypeTemplate)),
			Entry("property set", uint64(20)),
			Entry("out of range", uint64(999)),
		)

		It("leaves a metric without datatype untyped until the receiver resolves it", func() {
			value := protowire.AppendTag(nil, 14, protowire.VarintType)
			value = protowire.AppendVarint(value, 1)
			p, err := payload.Decode(payloadWithMetric(rawMetric("Valve/Open", 0, value)))
			Expect(err).NotTo(HaveOccurred())

			m := p.Metrics[0]
			Expect(m.Untyped()).To(BeTrue())
			Expect(m.Datatype).To(Equal(payload.TypeUnknown))

			resolved, err := m.WithDataType(payload.TypeBoolean)
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved.Untyped()).To(BeFalse())
			Expect(resolved.Datatype).To(Equal(payload.TypeBoolean))
			Expect(resolved.Value.Equal(payload.Boolean(true))).To(BeTrue())

			_, err = m.WithDataType(payload.TypeDouble)
			Expect(err).To(MatchError(payload.ErrDecoding))
			_, err = m.WithDataType(payload.TypeTemplate)
			Expect(err).To(MatchError(payload.ErrUnknownDataType))
		})

		It("accepts uint32 carried in long_value", func() {
			value := protowire.AppendTag(nil, 11, protowire.VarintType)
			value = protowire.AppendVarint(value, math.MaxUint32)
			p, err := payload.Decode(payloadWithMetric(rawMetric("x", uint64(payload.TypeUInt32), value)))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Metrics[0].Value.Equal(payload.UInt32(math.MaxUint32))).To(BeTrue())

			value = protowire.AppendTag(nil, 11, protowire.VarintType)
			value = protowire.AppendVarint(value, math.MaxUint32+1)
			_, err = payload.Decode(payloadWithMetric(rawMetric("x", uint64(payload.TypeUInt32), value)))
			Expect(err).To(MatchError(payload.ErrDecoding))
		})

		It("rejects a value carried in the wrong field", func() {
			value := protowire.AppendTag(nil, 15, protowire.BytesType)
			value = protowire.AppendString(value, "not a double")
			_, err := payload.Decode(payloadWithMetric(rawMetric("x", uint64(payload.TypeDouble), value)))
			Expect(err).To(MatchError(payload.ErrDecoding))
		})

		It("rejects an int8 metric outside its range", func() {
			value := protowire.AppendTag(nil, 10, protowire.VarintType)
			value = protowire.AppendVarint(value, 300)
			_, err := payload.Decode(payloadWithMetric(rawMetric("x", uint64(payload.TypeInt8), value)))
			Expect(err).To(MatchError(payload.ErrDecoding))
		})

		It("decodes a metric without a value field as the zero value", func() {
			p, err := payload.Decode(payloadWithMetric(rawMetric("x", uint64(payload.TypeInt32), nil)))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Metrics[0].Value.Equal(payload.Int32(0))).To(BeTrue())
		})

		It("rejects a DataSet row whose element count differs from the column count", func() {
			ds := protowire.AppendTag(nil, 1, protowire.VarintType)
			ds = protowire.AppendVarint(ds, 2)
			for _, c := range []string{"Name", "Value"} {
				ds = protowire.AppendTag(ds, 2, protowire.BytesType)
				ds = protowire.AppendString(ds, c)
			}
			for _, t := range []payload.DataType{payload.TypeString, payload.TypeFloat} {
				ds = protowire.AppendTag(ds, 3, protowire.VarintType)
				ds = protowire.AppendVarint(ds, uint64(t))
			}
			element := protowire.AppendTag(nil, 6, protowire.BytesType)
			element = protowire.AppendString(element, "Temperature")
			row := protowire.AppendTag(nil, 1, protowire.BytesType)
			row = protowire.AppendBytes(row, element)
			ds = protowire.AppendTag(ds, 4, protowire.BytesType)
			ds = protowire.AppendBytes(ds, row)

			value := protowire.AppendTag(nil, 17, protowire.BytesType)
			value = protowire.AppendBytes(value, ds)

			_, err := payload.Decode(payloadWithMetric(rawMetric("t", uint64(payload.TypeDataSet), value)))
			Expect(err).To(MatchError(payload.ErrDecoding))
			Expect(err).To(MatchError(payload.ErrRowArity))
		})

		It("accepts packed DataSet column types", func() {
			ds := protowire.AppendTag(nil, 2, protowire.BytesType)
			ds = protowire.AppendString(ds, "n")
			var packed []byte
			packed = protowire.AppendVarint(packed, uint64(payload.TypeInt64))
			ds = protowire.AppendTag(ds, 3, protowire.BytesType)
			ds = protowire.AppendBytes(ds, packed)

			value := protowire.AppendTag(nil, 17, protowire.BytesType)
			value = protowire.AppendBytes(value, ds)

			p, err := payload.Decode(payloadWithMetric(rawMetric("t", uint64(payload.TypeDataSet), value)))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Metrics[0].Value.DataSet().Types).To(Equal([]payload.DataType{payload.TypeInt64}))
		})
	})
})

func rawMetric(name string, datatype uint64, value []byte) []byte {
	m := protowire.AppendTag(nil, 1, protowire.BytesType)
	m = protowire.AppendString(m, name)
	if datatype != 0 {
		m = protowire.AppendTag(m, 4, protowire.VarintType)
		m = protowire.AppendVarint(m, datatype)
	}
	return append(m, value...)
}

func payloadWithMetric(metric []byte) []byte {
	b := protowire.AppendTag(nil, 2, protowire.BytesType)
	return protowire.AppendBytes(b, metric)
}
