// Package api is the daemon's control surface: a gRPC service on the
// session's Unix socket. Messages are protobuf well-known types so no
// generated code is needed on either side.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Control"

// ControlServer is implemented by Control.
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ChatList(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Contacts(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Messages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Signup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Verify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdatePushKey(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// unary builds the method descriptor for one request/response method.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](name string, call func(ControlServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(PReq))
			})
		},
	}
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[emptypb.Empty]("Status", ControlServer.Status),
		unary[emptypb.Empty]("ChatList", ControlServer.ChatList),
		unary[emptypb.Empty]("Contacts", ControlServer.Contacts),
		unary[structpb.Struct]("Messages", ControlServer.Messages),
		unary[structpb.Struct]("FindContact", ControlServer.FindContact),
		unary[structpb.Struct]("Send", ControlServer.Send),
		unary[structpb.Struct]("Signup", ControlServer.Signup),
		unary[structpb.Struct]("Login", ControlServer.Login),
		unary[structpb.Struct]("Verify", ControlServer.Verify),
		unary[structpb.Struct]("UpdateProfile", ControlServer.UpdateProfile),
		unary[structpb.Struct]("UpdatePushKey", ControlServer.UpdatePushKey),
		unary[emptypb.Empty]("Logout", ControlServer.Logout),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(ControlServer).WatchEvents(in, &eventStream{stream})
		},
	}},
	Metadata: "chatsync/v1/control",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// StatusReport is the decoded Status response.
type StatusReport struct {
	Session       string         `json:"session"`
	State         string         `json:"state"`
	StateSinceMs  int64          `json:"stateSinceMs"`
	UptimeMs      int64          `json:"uptimeMs"`
	Authenticated bool           `json:"authenticated"`
	User          *model.Contact `json:"user,omitempty"`
	QueueLen      int            `json:"queueLen"`
	Contacts      int            `json:"contacts"`
}

// Event is one decoded WatchEvents item.
type Event struct {
	ID         string         `json:"eventId"`
	Session    string         `json:"session"`
	Kind       string         `json:"kind"`
	OccurredAt int64          `json:"occurredAtMs"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Client calls the control service of a running daemon.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// callWith sends fields as the request Struct. out nil means an Empty reply.
func (c *Client) callWith(ctx context.Context, method string, fields map[string]any, out any) error {
	in, err := request(fields)
	if err != nil {
		return err
	}
	if out == nil {
		return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, new(emptypb.Empty))
	}
	return c.call(ctx, method, in, out)
}

func (c *Client) call(ctx context.Context, method string, in proto.Message, out any) error {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

func (c *Client) Status(ctx context.Context) (*StatusReport, error) {
	var out StatusReport
	if err := c.call(ctx, "Status", &emptypb.Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ChatList(ctx context.Context) ([]model.Contact, error) {
	var out struct {
		Chats []model.Contact `json:"chats"`
	}
	err := c.call(ctx, "ChatList", &emptypb.Empty{}, &out)
	return out.Chats, err
}

func (c *Client) Contacts(ctx context.Context) ([]model.Contact, error) {
	var out struct {
		Contacts []model.Contact `json:"contacts"`
	}
	err := c.call(ctx, "Contacts", &emptypb.Empty{}, &out)
	return out.Contacts, err
}

// Messages returns the conversation with the contact named by key.
func (c *Client) Messages(ctx context.Context, key string) ([]model.Message, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	err := c.callWith(ctx, "Messages", map[string]any{"contact": key}, &out)
	return out.Messages, err
}

// FindContact returns nil when phone is not registered.
func (c *Client) FindContact(ctx context.Context, phone string) (*model.Contact, error) {
	var out struct {
		Contact *model.Contact `json:"contact"`
	}
	err := c.callWith(ctx, "FindContact", map[string]any{"phone": phone}, &out)
	return out.Contact, err
}

// Send reports whether the message went out directly or was queued.
func (c *Client) Send(ctx context.Context, to, body string, media map[string]string) (*model.Message, bool, error) {
	in := map[string]any{"to": to, "body": body}
	if len(media) > 0 {
		m := make(map[string]any, len(media))
		for k, v := range media {
			m[k] = v
		}
		in["media"] = m
	}
	var out struct {
		Message model.Message `json:"message"`
		Queued  bool          `json:"queued"`
	}
	if err := c.callWith(ctx, "Send", in, &out); err != nil {
		return nil, false, err
	}
	return &out.Message, out.Queued, nil
}

func (c *Client) Signup(ctx context.Context, phone string) (*model.Contact, error) {
	return c.user(ctx, "Signup", map[string]any{"phone": phone})
}

func (c *Client) Login(ctx context.Context, id, phone string) (*model.Contact, error) {
	return c.user(ctx, "Login", map[string]any{"id": id, "phone": phone})
}

func (c *Client) UpdateProfile(ctx context.Context, name, tagline string) (*model.Contact, error) {
	return c.user(ctx, "UpdateProfile", map[string]any{"name": name, "tagline": tagline})
}

func (c *Client) user(ctx context.Context, method string, in map[string]any) (*model.Contact, error) {
	var out struct {
		User model.Contact `json:"user"`
	}
	if err := c.callWith(ctx, method, in, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

func (c *Client) Verify(ctx context.Context, code string) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.callWith(ctx, "Verify", map[string]any{"code": code}, &out)
	return out.OK, err
}

func (c *Client) UpdatePushKey(ctx context.Context, key string) error {
	return c.callWith(ctx, "UpdatePushKey", map[string]any{"key": key}, nil)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/Logout", &emptypb.Empty{}, new(emptypb.Empty))
}

// WatchEvents streams daemon events whose kind starts with namespace
// (empty for all) until ctx ends or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(Event) error) error {
	in, err := request(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	desc := &controlServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return err
		}
		var evt Event
		if err := fromStruct(msg, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

// request builds a request Struct from plain values. It fails on values
// structpb cannot carry, such as strings that are not valid UTF-8.
func request(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}

// toStruct converts any JSON-object-shaped value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
