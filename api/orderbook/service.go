package orderbook

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	ServiceName           = "orderbook.OrderbookAggregator"
	BookSummaryFullMethod = "/orderbook.OrderbookAggregator/BookSummary"
)

// OrderbookAggregatorServer is implemented by the service front.
type OrderbookAggregatorServer interface {
	BookSummary(*Empty, OrderbookAggregator_BookSummaryServer) error
}

type OrderbookAggregator_BookSummaryServer interface {
	Send(*Summary) error
	grpc.ServerStream
}

func RegisterOrderbookAggregatorServer(s grpc.ServiceRegistrar, srv OrderbookAggregatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func bookSummaryHandler(srv any, stream grpc.ServerStream) error {
	in := dynamicpb.NewMessage(emptyDesc)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OrderbookAggregatorServer).BookSummary(&Empty{}, &bookSummaryServer{stream})
}

type bookSummaryServer struct {
	grpc.ServerStream
}

func (x *bookSummaryServer) Send(m *Summary) error {
	return x.ServerStream.SendMsg(m.message())
}

// ServiceDesc is the grpc.ServiceDesc for OrderbookAggregator.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderbookAggregatorServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "BookSummary",
			Handler:       bookSummaryHandler,
			ServerStreams: true,
		},
	},
	Metadata: "orderbook.proto",
}

type OrderbookAggregatorClient interface {
	BookSummary(ctx context.Context, in *Empty, opts ...grpc.CallOption) (OrderbookAggregator_BookSummaryClient, error)
}

type OrderbookAggregator_BookSummaryClient interface {
	Recv() (*Summary, error)
	grpc.ClientStream
}

type orderbookAggregatorClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderbookAggregatorClient(cc grpc.ClientConnInterface) OrderbookAggregatorClient {
	return &orderbookAggregatorClient{cc}
}

func (c *orderbookAggregatorClient) BookSummary(ctx context.Context, _ *Empty, opts ...grpc.CallOption) (OrderbookAggregator_BookSummaryClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], BookSummaryFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &bookSummaryClient{stream}
	if err := x.ClientStream.SendMsg(dynamicpb.NewMessage(emptyDesc)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type bookSummaryClient struct {
	grpc.ClientStream
}

func (x *bookSummaryClient) Recv() (*Summary, error) {
	m := dynamicpb.NewMessage(summaryDesc)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return summaryFromMessage(m), nil
}
