package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"bookstream/api/orderbook"
	"bookstream/logger"
	"bookstream/models"
)

// Client subscribes to a running OrderbookAggregator.
type Client struct {
	conn *grpc.ClientConn
	api  orderbook.OrderbookAggregatorClient
	log  *logger.Log
}

// Dial creates a client for addr. Without options the connection is
// plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{
		conn: conn,
		api:  orderbook.NewOrderbookAggregatorClient(conn),
		log:  logger.GetLogger(),
	}, nil
}

// Stream calls fn for every summary until ctx ends, the server closes the
// stream or fn returns an error.
func (c *Client) Stream(ctx context.Context, fn func(models.Summary) error) error {
	stream, err := c.api.BookSummary(ctx, &orderbook.Empty{})
	if err != nil {
		return fmt.Errorf("open book summary stream: %w", err)
	}
	c.log.WithComponent("grpc_client").WithField("target", c.conn.Target()).Info("subscribed to book summaries")

	for {
		sum, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("receive summary: %w", err)
		}
		if err := fn(sum.Model()); err != nil {
			return err
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
