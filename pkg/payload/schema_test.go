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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/payload"
)

// sparkplugSchema builds the subset of sparkplug_b.proto the codec maps, so
// the hand-written wire mapping can be checked against the protobuf runtime.
func sparkplugSchema() protoreflect.FileDescriptor {
	GinkgoHelper()

	optional := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum()
	repeated := descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	f := func(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type, label *descriptorpb.FieldDescriptorProto_Label, msg string) *descriptorpb.FieldDescriptorProto {
		fd := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(num),
			Type:   typ.Enum(),
			Label:  label,
		}
		if msg != "" {
			fd.TypeName = proto.String(".sparkplugtest." + msg)
		}
		return fd
	}
	const (
		u32  = descriptorpb.FieldDescriptorProto_TYPE_UINT32
		u64  = descriptorpb.FieldDescriptorProto_TYPE_UINT64
		flt  = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
		dbl  = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
		bln  = descriptorpb.FieldDescriptorProto_TYPE_BOOL
		str  = descriptorpb.FieldDescriptorProto_TYPE_STRING
		byts = descriptorpb.FieldDescriptorProto_TYPE_BYTES
		msg  = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	)

	file := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("sparkplugtest/sparkplug_b.proto"),
		Package: proto.String("sparkplugtest"),
		Syntax:  proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("Payload"),
				Field: []*descriptorpb.FieldDescriptorProto{
					f("timestamp", 1, u64, optional, ""),
					f("metrics", 2, msg, repeated, "Metric"),
					f("seq", 3, u64, optional, ""),
					f("uuid", 4, str, optional, ""),
					f("body", 5, byts, optional, ""),
				},
			},
			{
				Name: proto.String("Metric"),
				Field: []*descriptorpb.FieldDescriptorProto{
					f("name", 1, str, optional, ""),
					f("alias", 2, u64, optional, ""),
					f("timestamp", 3, u64, optional, ""),
					f("datatype", 4, u32, optional, ""),
					f("is_historical", 5, bln, optional, ""),
					f("is_transient", 6, bln, optional, ""),
					f("is_null", 7, bln, optional, ""),
					f("int_value", 10, u32, optional, ""),
					f("long_value", 11, u64, optional, ""),
					f("float_value", 12, flt, optional, ""),
					f("double_value", 13, dbl, optional, ""),
					f("boolean_value", 14, bln, optional, ""),
					f("string_value", 15, str, optional, ""),
					f("bytes_value", 16, byts, optional, ""),
					f("dataset_value", 17, msg, optional, "DataSet"),
				},
			},
			{
				Name: proto.String("DataSet"),
				Field: []*descriptorpb.FieldDescriptorProto{
					f("num_of_columns", 1, u64, optional, ""),
					f("columns", 2, str, repeated, ""),
					f("types", 3, u32, repeated, ""),
					f("rows", 4, msg, repeated, "Row"),
				},
			},
			{
				Name: proto.String("Row"),
				Field: []*descriptorpb.FieldDescriptorProto{
					f("elements", 1, msg, repeated, "DataSetValue"),
				},
			},
			{
				Name: proto.String("DataSetValue"),
				Field: []*descriptorpb.FieldDescriptorProto{
					f("int_value", 1, u32, optional, ""),
					f("long_value", 2, u64, optional, ""),
					f("float_value", 3, flt, optional, ""),
					f("double_value", 4, dbl, optional, ""),
					f("boolean_value", 5, bln, optional, ""),
					f("string_value", 6, str, optional, ""),
				},
			},
		},
	}
	fd, err := protodesc.NewFile(file, nil)
	Expect(err).NotTo(HaveOccurred())
	return fd
}

var _ = Describe("Wire compatibility with sparkplug_b.proto", func() {
	var (
		schema    protoreflect.FileDescriptor
		payloadMD protoreflect.MessageDescriptor
		metricMD  protoreflect.MessageDescriptor
	)

	BeforeEach(func() {
		schema = sparkplugSchema()
		payloadMD = schema.Messages().ByName("Payload")
		metricMD = schema.Messages().ByName("Metric")
	})

	get := func(m protoreflect.Message, name protoreflect.Name) protoreflect.Value {
		return m.Get(m.Descriptor().Fields().ByName(name))
	}

	It("produces bytes the protobuf runtime reads back field by field", func() {
		encoded, err := payload.Encode(payload.Payload{
			Timestamp: 1700000000000,
			Seq:       uint64Ptr(4),
			Metrics: []payload.Metric{
				{Name: "Temp", Alias: uint64Ptr(10), Datatype: payload.TypeFloat, Value: payload.Float(21.5)},
				{Name: "Offset", Datatype: payload.TypeInt16, Value: payload.Int16(-2)},
				{Name: "Table", Datatype: payload.TypeDataSet, Value: payload.DataSetOf(temperatureTable())},
			},
		})
		Expect(err).NotTo(HaveOccurred())

		msg := dynamicpb.NewMessage(payloadMD)
		Expect(proto.Unmarshal(encoded, msg)).To(Succeed())
		Expect(get(msg, "timestamp").Uint()).To(Equal(uint64(1700000000000)))
		Expect(get(msg, "seq").Uint()).To(Equal(uint64(4)))

		metrics := get(msg, "metrics").List()
		Expect(metrics.Len()).To(Equal(3))

		temp := metrics.Get(0).Message()
		Expect(get(temp, "name").String()).To(Equal("Temp"))
		Expect(get(temp, "alias").Uint()).To(Equal(uint64(10)))
		Expect(get(temp, "datatype").Uint()).To(Equal(uint64(payload.TypeFloat)))
		Expect(get(temp, "float_value").Float()).To(Equal(21.5))

		offset := metrics.Get(1).Message()
		Expect(uint32(get(offset, "int_value").Uint())).To(Equal(uint32(0xFFFFFFFE)))

		table := get(metrics.Get(2).Message(), "dataset_value").Message()
		Expect(get(table, "num_of_columns").Uint()).To(Equal(uint64(2)))
		Expect(get(table, "columns").List().Get(1).String()).To(Equal("Value"))
		Expect(get(table, "types").List().Get(0).Uint()).To(Equal(uint64(payload.TypeString)))
		row := get(table, "rows").List().Get(0).Message()
		elements := get(row, "elements").List()
		Expect(get(elements.Get(0).Message(), "string_value").String()).To(Equal("Temperature"))
		Expect(get(elements.Get(1).Message(), "float_value").Float()).To(Equal(12.5))
	})

	It("decodes payloads marshalled by the protobuf runtime", func() {
		metric := dynamicpb.NewMessage(metricMD)
		metric.Set(metricMD.Fields().ByName("name"), protoreflect.ValueOfString("Setpoint"))
		metric.Set(metricMD.Fields().ByName("datatype"), protoreflect.ValueOfUint32(uint32(payload.TypeDouble)))
		metric.Set(metricMD.Fields().ByName("double_value"), protoreflect.ValueOfFloat64(42.25))

		msg := dynamicpb.NewMessage(payloadMD)
		msg.Set(payloadMD.Fields().ByName("timestamp"), protoreflect.ValueOfUint64(99))
		list := msg.Mutable(payloadMD.Fields().ByName("metrics")).List()
		list.Append(protoreflect.ValueOfMessage(metric))

		encoded, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
		Expect(err).NotTo(HaveOccurred())

		decoded, err := payload.Decode(encoded)
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded.Timestamp).To(Equal(uint64(99)))
		Expect(decoded.Seq).To(BeNil())
		Expect(decoded.Metrics).To(HaveLen(1))
		Expect(decoded.Metrics[0].Name).To(Equal("Setpoint"))
		Expect(decoded.Metrics[0].Value.Equal(payload.Double(42.25))).To(BeTrue())
	})
})
