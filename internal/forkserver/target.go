package forkserver

import (
	"context"
	"fmt"
	"time"

	"github.com/pacfix/triagecore/internal/triage"
	triageevent "github.com/pacfix/triagecore/proto"
)

// GRPCTarget implements triage.Target by calling out to an external
// forkserver's ReRun RPC over the bridge defined in proto/. It is the
// collaborator saveTimeout uses to confirm a candidate hang at hang_tmout
// before committing it to queue/ or hangs/ (spec §4.E's TMOUT branch).
type GRPCTarget struct {
	client triageevent.TargetReRunServiceClient
}

// NewGRPCTarget wraps an already-dialed connection to the forkserver's
// re-run socket.
func NewGRPCTarget(client triageevent.TargetReRunServiceClient) *GRPCTarget {
	return &GRPCTarget{client: client}
}

// Run satisfies triage.Target.
func (t *GRPCTarget) Run(ctx context.Context, mem []byte, timeout time.Duration) (triage.Fault, error) {
	resp, err := t.client.ReRun(ctx, &triageevent.ReRunRequest{
		Mem:       mem,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return triage.FaultError, fmt.Errorf("forkserver: ReRun: %w", err)
	}
	return triage.Fault(resp.Fault), nil
}
