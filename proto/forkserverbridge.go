// Hand-written counterpart to forkserverbridge.pb.go, following the same
// approach as triageevent.go: the forkserver that drives target executions
// lives in its own binary (see SPEC_FULL.md), so the wire contract between
// it and triaged is defined here as plain Go structs over the JSON codec
// registered in triageevent.go, rather than a protoc-generated package.
//
// Two independent, single-method services cover the two directions of the
// bridge:
//
//   - TriageSubmitService is served by triaged. The forkserver calls Submit
//     once per completed execution, handing over everything the
//     save-if-interesting pipeline needs to decide whether to keep it.
//   - TargetReRunService is served by the forkserver. triaged calls ReRun to
//     confirm a candidate hang at the more generous hang_tmout before
//     committing it to queue/ or hangs/ (triage.Target).
package triageevent

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SubmitRequest carries one completed execution's outcome, flattening
// triage.Run's fields (including its embedded Origin/MutatorOp) into a wire
// message so this package need not import internal/triage.
type SubmitRequest struct {
	Mem   []byte `json:"mem"`
	Fault int32  `json:"fault"`

	TraceBits        []byte `json:"trace_bits"`
	TraceTarget      []byte `json:"trace_target,omitempty"`
	TraceFreachables []byte `json:"trace_freachables,omitempty"`
	TraceReachables  []byte `json:"trace_reachables,omitempty"`
	TraceCtx         []byte `json:"trace_ctx,omitempty"`

	KillSignal int32  `json:"kill_signal,omitempty"`
	Execs      uint64 `json:"execs,omitempty"`

	OriginSyncPeer     string `json:"origin_sync_peer,omitempty"`
	OriginSyncCase     int32  `json:"origin_sync_case,omitempty"`
	OriginCurrentEntry int32  `json:"origin_current_entry,omitempty"`
	OriginSpliceWith   int32  `json:"origin_splice_with,omitempty"`
	OriginElapsedMs    uint64 `json:"origin_elapsed_ms,omitempty"`
	OriginTotalExecs   uint64 `json:"origin_total_execs,omitempty"`

	OpStage        string `json:"op_stage,omitempty"`
	OpStageCurByte int32  `json:"op_stage_cur_byte,omitempty"`
	OpPos          int32  `json:"op_pos,omitempty"`
	OpVal          int32  `json:"op_val,omitempty"`
	OpValIsBE      bool   `json:"op_val_is_be,omitempty"`
	OpRep          int32  `json:"op_rep,omitempty"`

	CustomDescribe string `json:"custom_describe,omitempty"`
	FastSchedule   bool   `json:"fast_schedule,omitempty"`
	Directed       bool   `json:"directed,omitempty"`
	HangTmoutMs    int64  `json:"hang_tmout_ms,omitempty"`
}

// SubmitResponse mirrors triage.Result.
type SubmitResponse struct {
	Kept bool   `json:"kept"`
	Path string `json:"path,omitempty"`
}

// ReRunRequest asks the forkserver to re-execute mem under the given
// timeout, mirroring the original's fuzz_run_target(timeout).
type ReRunRequest struct {
	Mem       []byte `json:"mem"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// ReRunResponse carries the fault code observed on the re-run, mirroring
// triage.Fault's int values (FaultOK=0, FaultCrash=1, FaultTmout=2,
// FaultError=3) without this package depending on internal/triage.
type ReRunResponse struct {
	Fault int32 `json:"fault"`
}

// ---------------------------------------------------------------------------
// TriageSubmitService — server: triaged, client: the forkserver.
// ---------------------------------------------------------------------------

const (
	submitServiceName = "forkserverbridge.TriageSubmitService"
	methodSubmit      = "/" + submitServiceName + "/Submit"
)

// TriageSubmitServiceClient is the hand-written stub the forkserver binary
// links against to report a completed execution.
type TriageSubmitServiceClient interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
}

type triageSubmitServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTriageSubmitServiceClient wraps an established connection to triaged's
// submit-listen socket.
func NewTriageSubmitServiceClient(cc grpc.ClientConnInterface) TriageSubmitServiceClient {
	return &triageSubmitServiceClient{cc: cc}
}

func (c *triageSubmitServiceClient) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	resp := new(SubmitResponse)
	if err := c.cc.Invoke(ctx, methodSubmit, req, resp, CallOptions()...); err != nil {
		return nil, fmt.Errorf("forkserverbridge: Submit: %w", err)
	}
	return resp, nil
}

// TriageSubmitServiceServer is implemented by triaged's bridge handler.
type TriageSubmitServiceServer interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(SubmitRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(TriageSubmitServiceServer).Submit(ctx, req)
}

// TriageSubmitServiceDesc is the hand-written equivalent of the
// protoc-gen-go-grpc _ServiceDesc variable for TriageSubmitService.
var TriageSubmitServiceDesc = grpc.ServiceDesc{
	ServiceName: submitServiceName,
	HandlerType: (*TriageSubmitServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Submit",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				return submitHandler(srv, ctx, dec, interceptor)
			},
		},
	},
}

// RegisterTriageSubmitServiceServer registers srv on s.
func RegisterTriageSubmitServiceServer(s grpc.ServiceRegistrar, srv TriageSubmitServiceServer) {
	s.RegisterService(&TriageSubmitServiceDesc, srv)
}

// ---------------------------------------------------------------------------
// TargetReRunService — server: the forkserver, client: triaged.
// ---------------------------------------------------------------------------

const (
	rerunServiceName = "forkserverbridge.TargetReRunService"
	methodReRun      = "/" + rerunServiceName + "/ReRun"
)

// TargetReRunServiceClient is the hand-written stub triaged dials out to
// implement triage.Target against an external forkserver process.
type TargetReRunServiceClient interface {
	ReRun(ctx context.Context, req *ReRunRequest) (*ReRunResponse, error)
}

type targetReRunServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTargetReRunServiceClient wraps an established connection to the
// forkserver's re-run socket.
func NewTargetReRunServiceClient(cc grpc.ClientConnInterface) TargetReRunServiceClient {
	return &targetReRunServiceClient{cc: cc}
}

func (c *targetReRunServiceClient) ReRun(ctx context.Context, req *ReRunRequest) (*ReRunResponse, error) {
	resp := new(ReRunResponse)
	if err := c.cc.Invoke(ctx, methodReRun, req, resp, CallOptions()...); err != nil {
		return nil, fmt.Errorf("forkserverbridge: ReRun: %w", err)
	}
	return resp, nil
}

// TargetReRunServiceServer would be implemented by the forkserver binary;
// declared here only so the wire contract for ReRun lives next to Submit's.
type TargetReRunServiceServer interface {
	ReRun(ctx context.Context, req *ReRunRequest) (*ReRunResponse, error)
}
