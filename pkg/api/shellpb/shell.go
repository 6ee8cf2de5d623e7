// Package shellpb defines the Shell stream contract between the host and the
// native WebView shell. Frames are google.protobuf.Struct messages tagged
// with a "type" field, so no generated code is needed.
package shellpb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "miniapp.host.v1.Shell"
	OpenMethod  = "/" + ServiceName + "/Open"

	typeField = "type"
)

// Shell to host frame types.
const (
	TypeHello         = "hello"
	TypeJSCall        = "js_call"
	TypeIntent        = "intent"
	TypeEvalResult    = "eval_result"
	TypePageStarted   = "page_started"
	TypeNavigate      = "navigate"
	TypeDismissed     = "dismissed"
	TypeResumed       = "resumed"
	TypeNativeEvent   = "native_event"
	TypeSensorSample  = "sensor_sample"
	TypeConsentResult = "consent_result"
	TypeHeartbeat     = "heartbeat"
)

// Host to shell frame types.
const (
	TypeHelloAck      = "hello_ack"
	TypeEvaluate      = "evaluate"
	TypeLaunchURL     = "launch_url"
	TypeConsentPrompt = "consent_prompt"
	TypeSensorControl = "sensor_control"
	TypeError         = "error"
)

// Frame is one message on the Shell stream.
type Frame = structpb.Struct

// New builds a frame of type typ. Field values must be accepted by
// structpb.NewValue; use []any rather than typed slices.
func New(typ string, fields map[string]any) (*Frame, error) {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m[typeField] = typ
	f, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build %s frame: %w", typ, err)
	}
	return f, nil
}

// Type returns the frame type, or "" when absent.
func Type(f *Frame) string { return String(f, typeField) }

// String reads key as a string. Numbers and bools are formatted.
func String(f *Frame, key string) string {
	v := f.GetFields()[key]
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	default:
		return ""
	}
}

func Number(f *Frame, key string) float64 {
	return f.GetFields()[key].GetNumberValue()
}

func Bool(f *Frame, key string) bool {
	return f.GetFields()[key].GetBoolValue()
}

// Has reports whether key is present.
func Has(f *Frame, key string) bool {
	_, ok := f.GetFields()[key]
	return ok
}

// Strings reads a list field. Non-string items are rendered as JSON.
func Strings(f *Frame, key string) []string {
	list := f.GetFields()[key].GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			out = append(out, s.StringValue)
			continue
		}
		raw, err := protojson.Marshal(v)
		if err != nil {
			out = append(out, "")
			continue
		}
		out = append(out, string(raw))
	}
	return out
}

// JSON renders key as JSON. An absent key yields nil.
func JSON(f *Frame, key string) (json.RawMessage, error) {
	v, ok := f.GetFields()[key]
	if !ok {
		return nil, nil
	}
	raw, err := protojson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	return raw, nil
}

// Value decodes JSON text into a value suitable for New.
func Value(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode json value: %w", err)
	}
	return v, nil
}

// ShellServer is implemented by the host.
type ShellServer interface {
	Open(ShellOpenServer) error
}

// ShellOpenServer is the host side of one Open stream.
type ShellOpenServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	Context() context.Context
}

type shellOpenServer struct {
	grpc.ServerStream
}

func (s *shellOpenServer) Send(f *Frame) error { return s.ServerStream.SendMsg(f) }

func (s *shellOpenServer) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func openHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ShellServer).Open(&shellOpenServer{stream})
}

// ShellServiceDesc describes the Shell service for grpc.Server.
var ShellServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ShellServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Open",
		Handler:       openHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "miniapp/host/v1/shell.proto",
}

func RegisterShellServer(s grpc.ServiceRegistrar, srv ShellServer) {
	s.RegisterService(&ShellServiceDesc, srv)
}

// ShellOpenClient is the shell side of one Open stream.
type ShellOpenClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	CloseSend() error
	Context() context.Context
}

type shellOpenClient struct {
	grpc.ClientStream
}

func (c *shellOpenClient) Send(f *Frame) error { return c.ClientStream.SendMsg(f) }

func (c *shellOpenClient) Recv() (*Frame, error) {
	f := new(Frame)
	if err := c.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Open starts a Shell stream on cc.
func Open(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ShellOpenClient, error) {
	stream, err := cc.NewStream(ctx, &ShellServiceDesc.Streams[0], OpenMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &shellOpenClient{stream}, nil
}
