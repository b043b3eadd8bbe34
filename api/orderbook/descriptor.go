package orderbook

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// The descriptors below mirror orderbook.proto.
var (
	File protoreflect.FileDescriptor

	emptyDesc   protoreflect.MessageDescriptor
	summaryDesc protoreflect.MessageDescriptor
	levelDesc   protoreflect.MessageDescriptor

	fdSpread, fdBids, fdAsks           protoreflect.FieldDescriptor
	fdExchange, fdPrice, fdLevelAmount protoreflect.FieldDescriptor
)

func init() {
	fd, err := protodesc.NewFile(fileProto(), new(protoregistry.Files))
	if err != nil {
		panic("orderbook: invalid descriptor: " + err.Error())
	}
	File = fd

	msgs := fd.Messages()
	emptyDesc = msgs.ByName("Empty")
	summaryDesc = msgs.ByName("Summary")
	levelDesc = msgs.ByName("Level")

	fdSpread = summaryDesc.Fields().ByName("spread")
	fdBids = summaryDesc.Fields().ByName("bids")
	fdAsks = summaryDesc.Fields().ByName("asks")
	fdExchange = levelDesc.Fields().ByName("exchange")
	fdPrice = levelDesc.Fields().ByName("price")
	fdLevelAmount = levelDesc.Fields().ByName("amount")
}

func field(name string, number int32, label descriptorpb.FieldDescriptorProto_Label, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  label.Enum(),
		Type:   typ.Enum(),
	}
	if typeName != "" {
		f.TypeName = proto.String(typeName)
	}
	return f
}

func fileProto() *descriptorpb.FileDescriptorProto {
	const (
		optional = descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
		repeated = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
		double   = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
		str      = descriptorpb.FieldDescriptorProto_TYPE_STRING
		message  = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	)

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("orderbook.proto"),
		Package: proto.String("orderbook"),
		Syntax:  proto.String("proto3"),
		Options: &descriptorpb.FileOptions{GoPackage: proto.String("bookstream/api/orderbook")},
		MessageType: []*descriptorpb.DescriptorProto{
			{Name: proto.String("Empty")},
			{
				Name: proto.String("Summary"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("spread", 1, optional, double, ""),
					field("bids", 2, repeated, message, ".orderbook.Level"),
					field("asks", 3, repeated, message, ".orderbook.Level"),
				},
			},
			{
				Name: proto.String("Level"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("exchange", 1, optional, str, ""),
					field("price", 2, optional, double, ""),
					field("amount", 3, optional, double, ""),
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("OrderbookAggregator"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:            proto.String("BookSummary"),
				InputType:       proto.String(".orderbook.Empty"),
				OutputType:      proto.String(".orderbook.Summary"),
				ServerStreaming: proto.Bool(true),
			}},
		}},
	}
}
