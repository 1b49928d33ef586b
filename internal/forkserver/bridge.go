// Package forkserver wires the save-if-interesting pipeline to an external
// forkserver process over the hand-written gRPC bridge in proto/ (spec
// §4.E/§9): Bridge is triaged's server half, invoked once per completed
// execution; GRPCTarget is triaged's client half, used by the pipeline's
// hang_tmout re-run step (triage.Target).
package forkserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pacfix/triagecore/internal/fuzzer"
	"github.com/pacfix/triagecore/internal/triage"
	triageevent "github.com/pacfix/triagecore/proto"
)

// Bridge implements triageevent.TriageSubmitServiceServer. Submit is the
// daemon's only entry point into the save-if-interesting pipeline: without
// it nothing ever calls triage.SaveIfInteresting and the events channel
// never receives anything to report.
type Bridge struct {
	fz       *fuzzer.Fuzzer
	target   triage.Target
	cal      triage.Calibrator
	cacher   triage.MemoryCacher
	infoexec triage.InfoExecHook
	audit    triage.Audit
	logger   *slog.Logger
	events   chan<- triageevent.TriageEvent
}

// New constructs a Bridge. target may be nil when no hang_tmout re-run
// collaborator is configured (saveTimeout's nil-Target fallback); cal, cacher,
// and infoexec may likewise be nil.
func New(fz *fuzzer.Fuzzer, target triage.Target, cal triage.Calibrator, cacher triage.MemoryCacher, infoexec triage.InfoExecHook, al triage.Audit, logger *slog.Logger, events chan<- triageevent.TriageEvent) *Bridge {
	return &Bridge{
		fz:       fz,
		target:   target,
		cal:      cal,
		cacher:   cacher,
		infoexec: infoexec,
		audit:    al,
		logger:   logger,
		events:   events,
	}
}

// Submit converts req into a triage.Run, runs it through
// triage.SaveIfInteresting, converts the Result into a TriageEvent pushed
// onto events, and reports the Result back to the caller.
func (b *Bridge) Submit(ctx context.Context, req *triageevent.SubmitRequest) (*triageevent.SubmitResponse, error) {
	run := runFromRequest(req)

	res, err := triage.SaveIfInteresting(ctx, b.fz, b.target, b.cal, b.cacher, b.infoexec, b.audit, b.logger, run)
	if err != nil {
		return nil, fmt.Errorf("forkserver: save-if-interesting: %w", err)
	}

	b.publish(run, res)

	return &triageevent.SubmitResponse{Kept: res.Kept, Path: res.Path}, nil
}

func runFromRequest(req *triageevent.SubmitRequest) triage.Run {
	return triage.Run{
		Mem:              req.Mem,
		Fault:            triage.Fault(req.Fault),
		TraceBits:        req.TraceBits,
		TraceTarget:      req.TraceTarget,
		TraceFreachables: req.TraceFreachables,
		TraceReachables:  req.TraceReachables,
		TraceCtx:         req.TraceCtx,
		KillSignal:       int(req.KillSignal),
		Execs:            req.Execs,
		Origin: triage.Origin{
			SyncPeer:     req.OriginSyncPeer,
			SyncCase:     int(req.OriginSyncCase),
			CurrentEntry: int(req.OriginCurrentEntry),
			SpliceWith:   int(req.OriginSpliceWith),
			ElapsedMs:    req.OriginElapsedMs,
			TotalExecs:   req.OriginTotalExecs,
		},
		Op: triage.MutatorOp{
			Stage:        req.OpStage,
			StageCurByte: int(req.OpStageCurByte),
			Pos:          int(req.OpPos),
			Val:          int(req.OpVal),
			ValIsBE:      req.OpValIsBE,
			Rep:          int(req.OpRep),
		},
		CustomDescribe: req.CustomDescribe,
		FastSchedule:   req.FastSchedule,
		Directed:       req.Directed,
		HangTmout:      time.Duration(req.HangTmoutMs) * time.Millisecond,
	}
}

// publish converts a kept Result into a TriageEvent and forwards it to the
// reporter's drain loop. A full events channel drops the event rather than
// blocking the RPC caller (the forkserver); this mirrors how
// internal/transport.GRPCClient.Send treats a full live channel as a
// recoverable drop, not a fatal error.
func (b *Bridge) publish(run triage.Run, res triage.Result) {
	if b.events == nil || !res.Kept {
		return
	}

	evt := triageevent.TriageEvent{
		TimestampUs: time.Now().UnixMicro(),
		Kind:        eventKind(run),
		Path:        res.Path,
		Execs:       run.Execs,
	}

	select {
	case b.events <- evt:
	default:
		b.logger.Warn("forkserver: events channel full, dropping triage event",
			slog.String("kind", string(evt.Kind)),
			slog.String("path", evt.Path),
		)
	}
}

func eventKind(run triage.Run) triageevent.Kind {
	switch run.Fault {
	case triage.FaultCrash:
		return triageevent.KindCrash
	case triage.FaultTmout:
		return triageevent.KindHang
	default:
		return triageevent.KindNewCoverage
	}
}
