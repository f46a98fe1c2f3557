// Package grpc provides a gRPC client for the regionflagz service.
//
// The service exchanges google.protobuf.Struct messages, so no generated
// code is needed on the client side.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	regionflagz "github.com/matt-riley/regionflagz/clients/go"
)

const (
	serviceName      = "regionflagz.v1.TrackerService"
	getValueMethod   = "/" + serviceName + "/GetValue"
	watchValueMethod = "/" + serviceName + "/WatchValue"

	disconnectMessage = "player disconnected"
)

var watchValueStream = grpc.StreamDesc{StreamName: "WatchValue", ServerStreams: true}

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the regionflagz gRPC server, e.g. "localhost:9090".
	Address string
	// Token is the operator bearer token in "id.secret" format. Only needed
	// when the server requires authenticated reads.
	Token string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements regionflagz.ValueReader and regionflagz.Watcher over gRPC.
type Client struct {
	cfg  Config
	conn grpc.ClientConnInterface
	// closer is nil when the connection belongs to the caller.
	closer io.Closer
}

var (
	_ regionflagz.ValueReader = (*Client)(nil)
	_ regionflagz.Watcher     = (*Client)(nil)
)

// NewGRPCClient dials the regionflagz gRPC server and returns a new client.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("regionflagz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn, closer: conn}, nil
}

// NewClientFromConn wraps an existing connection. Close leaves conn open.
func NewClientFromConn(conn grpc.ClientConnInterface, token string) *Client {
	return &Client{cfg: Config{Token: token}, conn: conn}
}

// Close closes the underlying gRPC connection if the client dialed it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	if c.cfg.Token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.Token)
}

// -- wire helpers ------------------------------------------------------------

func valueRequest(player, flag string) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"player": player, "flag": flag})
	if err != nil {
		return nil, fmt.Errorf("regionflagz: encode request: %w", err)
	}
	return req, nil
}

func structToValue(s *structpb.Struct) regionflagz.Value {
	fields := s.GetFields()
	v := regionflagz.Value{
		Player:  fields["player"].GetStringValue(),
		Flag:    fields["flag"].GetStringValue(),
		Type:    fields["type"].GetStringValue(),
		Present: fields["present"].GetBoolValue(),
	}
	if raw, ok := fields["value"]; ok && v.Present {
		v.Value = raw.AsInterface()
	}
	return v
}

// -- ValueReader -------------------------------------------------------------

func (c *Client) GetValue(ctx context.Context, player, flag string) (regionflagz.Value, error) {
	req, err := valueRequest(player, flag)
	if err != nil {
		return regionflagz.Value{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.authCtx(ctx), getValueMethod, req, out); err != nil {
		return regionflagz.Value{}, fmt.Errorf("regionflagz: GetValue: %w", err)
	}
	return structToValue(out), nil
}

// isDisconnect reports whether the server ended a watch because its tracker
// was destroyed.
func isDisconnect(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Unavailable && st.Message() == disconnectMessage
}

// -- Watcher -----------------------------------------------------------------

// Watch opens the WatchValue stream. The first update is the current value.
// When the server ends the stream because the player disconnected, the last
// update carries regionflagz.ErrPlayerDisconnected.
func (c *Client) Watch(ctx context.Context, player, flag string) (<-chan regionflagz.Update, error) {
	req, err := valueRequest(player, flag)
	if err != nil {
		return nil, err
	}
	stream, err := c.conn.NewStream(c.authCtx(ctx), &watchValueStream, watchValueMethod)
	if err != nil {
		return nil, fmt.Errorf("regionflagz: WatchValue: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("regionflagz: WatchValue: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("regionflagz: WatchValue: %w", err)
	}

	ch := make(chan regionflagz.Update, 16)
	go func() {
		defer close(ch)
		for {
			msg := new(structpb.Struct)
			err := stream.RecvMsg(msg)
			var u regionflagz.Update
			switch {
			case err == nil:
				u.Value = structToValue(msg)
			case errors.Is(err, io.EOF), ctx.Err() != nil:
				return
			case isDisconnect(err):
				u.Err = fmt.Errorf("%w: %v", regionflagz.ErrPlayerDisconnected, err)
			default:
				u.Err = fmt.Errorf("regionflagz: WatchValue: %w", err)
			}
			select {
			case ch <- u:
			case <-ctx.Done():
				return
			}
			if u.Err != nil {
				return
			}
		}
	}()
	return ch, nil
}
