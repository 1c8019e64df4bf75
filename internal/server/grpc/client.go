package grpcserver

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a thin typed wrapper over the Struct-based methods.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Call invokes a method by short name.
func (c *Client) Call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Retrieve fetches the recipient's messages. A nil ids means all of them.
func (c *Client) Retrieve(ctx context.Context, recipient string, ids []uuid.UUID, del bool) ([]*structpb.Value, error) {
	in := map[string]any{"recipient": recipient, "delete": del}
	if ids != nil {
		list := make([]any, len(ids))
		for i, id := range ids {
			list[i] = id.String()
		}
		in["ids"] = list
	}
	out, err := c.Call(ctx, MethodRetrieve, in)
	if err != nil {
		return nil, err
	}
	return out.GetFields()["messages"].GetListValue().GetValues(), nil
}

// DeleteByID removes one message by id.
func (c *Client) DeleteByID(ctx context.Context, id uuid.UUID) (bool, error) {
	out, err := c.Call(ctx, MethodDeleteByID, map[string]any{"id": id.String()})
	if err != nil {
		return false, err
	}
	return out.GetFields()["deleted"].GetBoolValue(), nil
}
