// Package triageevent is the hand-written counterpart of a protoc-generated
// proto/alert package. The upstream alert.pb.go is a build
// artifact produced by `make proto` (see generate.go) and was never checked
// in; reproducing protoc-gen-go's wire-format output by hand would mean
// fabricating generated code with no compiler available to verify it, which
// is more fragile than it is worth (see DESIGN.md). Instead this package
// defines the same RPC shape — register once, then stream TriageEvents — as
// plain Go structs carried over gRPC using a JSON codec, so the service
// still rides on google.golang.org/grpc's connection, TLS, and streaming
// machinery without depending on a generator that cannot be run here.
package triageevent

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype passed via grpc.CallContentSubtype on
// every Invoke/NewStream call in this package.
const codecName = "triagejson"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec satisfies encoding.Codec by marshalling the plain Go message
// structs below as JSON instead of the protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CallOptions is the grpc.CallOption every RPC in this package must be
// invoked with, selecting the JSON codec above.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(codecName)}
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// RegisterRequest is sent once per connection; the dashboard answers each
// one with a newly assigned RunID.
type RegisterRequest struct {
	Hostname    string `json:"hostname"`
	OutDir      string `json:"out_dir"`
	MapSize     int    `json:"map_size"`
	CoreVersion string `json:"core_version"`
}

// RegisterResponse carries the RunID the dashboard assigned to this core
// instance; every subsequent TriageEvent is tagged with it.
type RegisterResponse struct {
	RunID string `json:"run_id"`
}

// Kind enumerates the triage outcomes the dashboard cares about.
type Kind string

const (
	KindNewCoverage     Kind = "new_coverage"
	KindCrash           Kind = "crash"
	KindHang            Kind = "hang"
	KindValuationAccept Kind = "valuation_accept"
)

// TriageEvent mirrors the original AgentEvent shape, generalized from
// host-alert fields to save-if-interesting outcomes (spec §4.E/§9).
type TriageEvent struct {
	EventID     string `json:"event_id"`
	RunID       string `json:"run_id"`
	TimestampUs int64  `json:"timestamp_us"`
	Kind        Kind   `json:"kind"`
	Path        string `json:"path"`
	Tag         byte   `json:"tag"`
	NewPath     bool   `json:"new_path"`
	Execs       uint64 `json:"execs"`
	Detail      string `json:"detail,omitempty"`
}

// Ack is the dashboard's per-event response, mirroring ServerCommand.
type Ack struct {
	Type  string `json:"type"` // "ACK" or "ERROR"
	Error string `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Service plumbing
//
// The method names below (Register, StreamEvents) and the serviceName path
// segment stand in for what protoc-gen-go-grpc would have named
// "/triageevent.TriageEventService/Register" etc. from a .proto service
// declaration; they are hand-assigned here for the same effect.
// ---------------------------------------------------------------------------

const (
	serviceName        = "triageevent.TriageEventService"
	methodRegister     = "/" + serviceName + "/Register"
	methodStreamEvents = "/" + serviceName + "/StreamEvents"
)

// TriageEventServiceClient is the hand-written equivalent of a
// protoc-gen-go-grpc client stub for the RPCs this package defines.
type TriageEventServiceClient interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	StreamEvents(ctx context.Context) (TriageEventService_StreamEventsClient, error)
}

// TriageEventService_StreamEventsClient is the bidirectional stream handle
// for StreamEvents, mirroring AlertService_StreamAlertsClient.
type TriageEventService_StreamEventsClient interface {
	Send(*TriageEvent) error
	Recv() (*Ack, error)
	grpc.ClientStream
}

type triageEventServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTriageEventServiceClient wraps an established connection. It is the
// hand-written analogue of a protoc-generated NewTriageEventServiceClient.
func NewTriageEventServiceClient(cc grpc.ClientConnInterface) TriageEventServiceClient {
	return &triageEventServiceClient{cc: cc}
}

func (c *triageEventServiceClient) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	resp := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, methodRegister, req, resp, CallOptions()...); err != nil {
		return nil, fmt.Errorf("triageevent: Register: %w", err)
	}
	return resp, nil
}

func (c *triageEventServiceClient) StreamEvents(ctx context.Context) (TriageEventService_StreamEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &streamEventsDesc, methodStreamEvents, CallOptions()...)
	if err != nil {
		return nil, fmt.Errorf("triageevent: StreamEvents: %w", err)
	}
	return &streamEventsClient{ClientStream: stream}, nil
}

var streamEventsDesc = grpc.StreamDesc{
	StreamName:    "StreamEvents",
	ServerStreams: true,
	ClientStreams: true,
}

type streamEventsClient struct {
	grpc.ClientStream
}

func (x *streamEventsClient) Send(evt *TriageEvent) error {
	return x.ClientStream.SendMsg(evt)
}

func (x *streamEventsClient) Recv() (*Ack, error) {
	ack := new(Ack)
	if err := x.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// ---------------------------------------------------------------------------
// Server side
// ---------------------------------------------------------------------------

// TriageEventServiceServer is implemented by the dashboard-side receiver.
type TriageEventServiceServer interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	StreamEvents(stream TriageEventService_StreamEventsServer) error
}

// TriageEventService_StreamEventsServer is the server-side stream handle.
type TriageEventService_StreamEventsServer interface {
	Send(*Ack) error
	Recv() (*TriageEvent, error)
	grpc.ServerStream
}

type streamEventsServer struct {
	grpc.ServerStream
}

func (x *streamEventsServer) Send(ack *Ack) error {
	return x.ServerStream.SendMsg(ack)
}

func (x *streamEventsServer) Recv() (*TriageEvent, error) {
	evt := new(TriageEvent)
	if err := x.ServerStream.RecvMsg(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(RegisterRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(TriageEventServiceServer).Register(ctx, req)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TriageEventServiceServer).StreamEvents(&streamEventsServer{ServerStream: stream})
}

// ServiceDesc is the hand-written equivalent of the protoc-gen-go-grpc
// _ServiceDesc variable; RegisterTriageEventServiceServer and a real server
// wire it into a *grpc.Server exactly as generated code would.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TriageEventServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				return registerHandler(srv, ctx, dec, interceptor)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterTriageEventServiceServer registers srv on s, mirroring the
// generated RegisterAlertServiceServer helper.
func RegisterTriageEventServiceServer(s grpc.ServiceRegistrar, srv TriageEventServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
