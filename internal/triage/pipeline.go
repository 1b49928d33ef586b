package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pacfix/triagecore/internal/audit"
	"github.com/pacfix/triagecore/internal/bitmap"
	"github.com/pacfix/triagecore/internal/fuzzer"
	"github.com/pacfix/triagecore/internal/novelty"
	"github.com/pacfix/triagecore/internal/queue"
)

// Fault mirrors the main run's fault code (spec §4.E inputs).
type Fault int

const (
	FaultOK Fault = iota
	FaultCrash
	FaultTmout
	FaultError
)

// NFuzzSize is the modulus for the frequency-weighted schedule's saturating
// counter array (spec §4.E step 1).
const NFuzzSize = 1 << 21

// Calibrator is the external collaborator invoked inline by step 5 of the
// save pipeline (spec §9): it re-runs and times a freshly queued testcase.
// An error from Calibrate is fatal.
type Calibrator interface {
	Calibrate(ctx context.Context, path string) error
}

// MemoryCacher optionally caches a queue entry's bytes in memory after
// calibration (spec §4.E step 6, "keeping = 1").
type MemoryCacher interface {
	StoreMem(entryID int64, mem []byte)
}

// InfoExecHook is the best-effort AFL_INFOEXEC collaborator invoked on a
// freshly saved crash.
type InfoExecHook interface {
	Run(ctx context.Context, crashPath string) error
}

// Audit is the tamper-evident audit-log collaborator recorded at each
// terminal save decision (new queue entry, new crash, new hang). It is
// satisfied directly by *audit.Logger; failures are logged and otherwise
// ignored since a missed audit line must never block triage itself.
type Audit interface {
	Append(payload json.RawMessage) (audit.Entry, error)
}

// auditEntry is the payload schema recorded for every save decision: event
// kind, the artifact's path, its novelty tag, whether it opened a new edge,
// and the exec count at the time it was saved.
type auditEntry struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Tag     byte   `json:"tag,omitempty"`
	NewPath bool   `json:"new_path,omitempty"`
	Execs   uint64 `json:"execs,omitempty"`
}

func recordAudit(al Audit, logger *slog.Logger, kind, path string, tag byte, newPath bool, execs uint64) {
	if al == nil {
		return
	}
	payload, err := json.Marshal(auditEntry{Kind: kind, Path: path, Tag: tag, NewPath: newPath, Execs: execs})
	if err != nil {
		logger.Warn("audit: marshal entry failed", "error", err)
		return
	}
	if _, err := al.Append(payload); err != nil {
		logger.Warn("audit: append failed", "kind", kind, "error", err)
	}
}

// Target is the forkserver collaborator consumed by saveTimeout to re-run a
// candidate hang at the more generous hang_tmout before committing it to
// queue/ or hangs/ (spec §4.E's TMOUT branch). It mirrors the original's
// fuzz_run_target(timeout) → fault.
type Target interface {
	Run(ctx context.Context, mem []byte, timeout time.Duration) (Fault, error)
}

// Run is one execution's outcome, as observed by the save pipeline.
type Run struct {
	Mem  []byte
	Fault Fault
	Inc   bool // not read by the pipeline; Scheduler.HasNewPath takes no such argument

	TraceBits       bitmap.Trace
	TraceTarget     []byte
	TraceFreachables []byte
	TraceReachables  []byte
	TraceCtx         []byte
	Classified       bool

	KillSignal int
	Execs      uint64

	Origin         Origin
	Op             MutatorOp
	CustomDescribe string

	// FastSchedule is true when the active scheduler is one of the
	// frequency-weighted schedules (FAST..RARE) and directed mode is off
	// (spec §4.E step 1).
	FastSchedule bool
	Directed     bool

	// HangTmout is the more generous re-run timeout used to confirm a true
	// hang (spec §4.E's TMOUT branch); ignored when Fault != FaultTmout or
	// when no Target is supplied to SaveIfInteresting.
	HangTmout time.Duration
}

// Result is the pipeline's outcome for one Run.
type Result struct {
	Kept bool
	Path string // full path of the persisted artifact, if Kept
}

// SaveIfInteresting is the top-level decision described in spec §4.E. It
// returns Kept=false for every protocol-drop outcome (spec §7); a non-nil
// error is returned only for the fatal conditions that discipline names
// (queue create failure, calibration error) — callers must abort the
// process, not retry.
func SaveIfInteresting(ctx context.Context, f *fuzzer.Fuzzer, target Target, cal Calibrator, cacher MemoryCacher, infoexec InfoExecHook, al Audit, logger *slog.Logger, run Run) (Result, error) {
	if len(run.Mem) == 0 {
		f.Scheduler.RecoverVirgin()
		return Result{}, nil
	}

	switch run.Fault {
	case FaultOK, FaultCrash:
		return saveNormalOrCrash(ctx, f, cal, cacher, infoexec, al, logger, run)
	case FaultTmout:
		return saveTimeout(ctx, f, target, infoexec, al, logger, run)
	default:
		return Result{}, fmt.Errorf("triage: target execution reported a fatal error")
	}
}

func saveNormalOrCrash(ctx context.Context, f *fuzzer.Fuzzer, cal Calibrator, cacher MemoryCacher, infoexec InfoExecHook, al Audit, logger *slog.Logger, run Run) (Result, error) {
	crashMode := run.Fault == FaultCrash

	// Step 1: frequency-weighted schedules track how often each path has
	// been re-selected via a saturating counter keyed by the raw trace's
	// hash, skipped entirely in directed mode.
	var nFuzzHash uint32
	haveNFuzzHash := false
	if run.FastSchedule && !run.Directed {
		nFuzzHash = uint32(hash64(run.TraceBits) % NFuzzSize)
		haveNFuzzHash = true
		f.NFuzz.Increment(nFuzzHash)
	}

	// Step 2: valuation side channel, best-effort.
	isUnique := false
	if f.Valuation != nil && f.Valuation.Enabled() {
		inputPath := filepath.Join(f.OutDir, ".triage_input_tmp")
		if err := os.WriteFile(inputPath, run.Mem, 0o644); err == nil {
			res, ok, err := f.Valuation.Run(ctx, []string{"target"}, inputPath, crashMode)
			if err != nil {
				logger.Warn("valuation run failed", "error", err)
			} else if ok {
				isUnique = true
				seq := f.Counters.Snapshot().TotalCrashes
				kind := "pos"
				if crashMode {
					kind = "neg"
				}
				dest := filepath.Join(f.OutDir, "memory", "input", fmt.Sprintf("%s_%06d_%s", kind, seq, "valuation"))
				if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
					logger.Warn("could not archive valuation side-file", "error", err)
				} else if err := os.Rename(res.SideFile, dest); err != nil {
					logger.Warn("could not archive valuation side-file", "error", err)
				}
			}
		}
	}

	// Step 3: multi-map novelty protocol (spec §4.D), two-pass dry-run then
	// commit so the scheduler can expand the virgin set between passes.
	virgins, clusters := f.Scheduler.Virgins(run.TraceTarget)
	if !novelty.Skim(virgins, run.TraceBits) {
		if crashMode {
			f.Counters.IncrCrashes()
		}
		return Result{}, nil
	}

	if !run.Classified {
		bitmap.Classify(run.TraceBits)
		run.Classified = true
	}

	dryBits := make([]novelty.Level, len(virgins))
	novelty.DiscoverMul(run.TraceBits, virgins, dryBits, false)
	tag := novelty.FoldTag(dryBits)

	newPath := f.Scheduler.HasNewPath(tag, run.TraceFreachables, run.TraceReachables, run.TraceCtx, f.Queue.Count())

	if tag == 0 && !newPath {
		if crashMode {
			f.Counters.IncrCrashes()
		}
		return Result{}, nil
	}

	virgins, clusters = f.Scheduler.SeedVirgins(f.Queue.Count())
	finalBits := make([]novelty.Level, len(virgins))
	novelty.DiscoverMul(run.TraceBits, virgins, finalBits, true)
	tag = novelty.FoldTag(finalBits)

	// Step 4: build the name, persist, and record the queue entry.
	desc := DescribeOp(tag, newPath, run.Origin, run.Op, run.CustomDescribe)
	id := uint64(f.Queue.Count())
	name := QueueName(id, desc)

	if !isUnique {
		if err := persistArtifact(f.OutDir, "queue", name, run.Mem); err != nil {
			return Result{}, fmt.Errorf("triage: persist queue entry: %w", err)
		}
	}

	primary := Primary(tag)
	diversity := Diversity(tag)

	entry := queue.Entry{
		Fname:       name,
		Len:         len(run.Mem),
		PathCksum:   hash64(run.TraceCtx),
		ExecCksum:   hash64(run.TraceBits),
		AFLRunExtra: primary == 0 && (diversity > 0 || newPath),
		HasNewCov:   primary == 2,
	}
	if primary == 2 {
		f.Counters.IncrQueuedWithCov()
	}
	if haveNFuzzHash {
		f.NFuzz.Reset(nFuzzHash)
		entry.NFuzzEntry = 1
	}

	added, err := f.Queue.Add(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("triage: add queue entry: %w", err)
	}
	recordAudit(al, logger, "queue", filepath.Join(f.OutDir, "queue", name), tag, newPath, run.Execs)

	// Step 5: calibration is inline and fatal on error.
	fullPath := filepath.Join(f.OutDir, "queue", name)
	if cal != nil {
		if err := cal.Calibrate(ctx, fullPath); err != nil {
			return Result{}, fmt.Errorf("triage: calibration failed: %w", err)
		}
	}
	if err := f.Queue.MarkTested(ctx, added.ID); err != nil {
		return Result{}, fmt.Errorf("triage: mark tested: %w", err)
	}

	// Step 6: optional in-memory caching.
	if cacher != nil {
		cacher.StoreMem(added.ID, run.Mem)
	}

	_ = clusters
	return Result{Kept: true, Path: fullPath}, nil
}

func saveTimeout(ctx context.Context, f *fuzzer.Fuzzer, target Target, infoexec InfoExecHook, al Audit, logger *slog.Logger, run Run) (Result, error) {
	f.Counters.IncrTmouts()
	if f.savedHangsAtLimit() {
		return Result{}, nil
	}

	if !run.Classified {
		bitmap.Classify(run.TraceBits)
		run.Classified = true
	}
	simplified := make(bitmap.Trace, len(run.TraceBits))
	copy(simplified, run.TraceBits)
	bitmap.Simplify(simplified)

	level, changed := novelty.Discover(simplified, f.VirginTmout)
	if !changed || level == novelty.LevelNone {
		return Result{}, nil
	}

	// Re-run at the more generous hang_tmout to tell a true hang from a
	// merely slow path (spec §4.E's TMOUT branch). A crash on the re-run
	// jumps straight to the crash branch; a clean run means this was never a
	// hang and the candidate is dropped like any other non-novel run.
	if target != nil {
		fault, err := target.Run(ctx, run.Mem, run.HangTmout)
		if err != nil {
			return Result{}, fmt.Errorf("triage: hang_tmout re-run: %w", err)
		}
		switch fault {
		case FaultCrash:
			run.Fault = FaultCrash
			return SaveCrash(ctx, f, infoexec, al, logger, run)
		case FaultTmout:
			// confirmed: still times out at the generous hang_tmout.
		default:
			return Result{}, nil
		}
	}

	if f.KeepTimeouts {
		desc := DescribeOp(FoldTimeout(0, true), false, run.Origin, run.Op, run.CustomDescribe)
		id := uint64(f.Queue.Count())
		name := HangName(id, desc)
		if err := persistArtifact(f.OutDir, "queue", name, run.Mem); err != nil {
			return Result{}, fmt.Errorf("triage: persist timeout-as-queue entry: %w", err)
		}
		if _, err := f.Queue.Add(ctx, queue.Entry{Fname: name, Len: len(run.Mem)}); err != nil {
			return Result{}, fmt.Errorf("triage: add queue entry: %w", err)
		}
		recordAudit(al, logger, "hang-queue", filepath.Join(f.OutDir, "queue", name), 0, false, run.Execs)
		return Result{Kept: true}, nil
	}

	desc := DescribeOp(0, false, run.Origin, run.Op, run.CustomDescribe)
	id := f.IncrSavedHangs()
	name := HangName(id, desc)
	if err := persistArtifact(f.OutDir, "hangs", name, run.Mem); err != nil {
		return Result{}, fmt.Errorf("triage: persist hang: %w", err)
	}
	f.Counters.RecordHang()
	path := filepath.Join(f.OutDir, "hangs", name)
	recordAudit(al, logger, "hang", path, 0, false, run.Execs)
	return Result{Kept: true, Path: path}, nil
}

// SaveCrash implements the crash branch of spec §4.E, split out so callers
// that re-run a timeout at hang_tmout and observe a crash can jump directly
// here without re-entering saveNormalOrCrash's novelty-against-virgin_bits
// path (spec scenario 5).
func SaveCrash(ctx context.Context, f *fuzzer.Fuzzer, infoexec InfoExecHook, al Audit, logger *slog.Logger, run Run) (Result, error) {
	f.Counters.IncrCrashes()
	if f.savedCrashesAtLimit() {
		return Result{}, nil
	}

	if !run.Classified {
		bitmap.Classify(run.TraceBits)
		run.Classified = true
	}
	simplified := make(bitmap.Trace, len(run.TraceBits))
	copy(simplified, run.TraceBits)
	bitmap.Simplify(simplified)

	level, changed := novelty.Discover(simplified, f.VirginCrash)
	if !changed || level == novelty.LevelNone {
		return Result{}, nil
	}

	f.WriteCrashReadmeOnce()

	desc := DescribeOp(0, false, run.Origin, run.Op, run.CustomDescribe)
	id := f.IncrSavedCrashes()
	name := CrashName(id, run.KillSignal, desc)
	if err := persistArtifact(f.OutDir, "crashes", name, run.Mem); err != nil {
		return Result{}, fmt.Errorf("triage: persist crash: %w", err)
	}

	path := filepath.Join(f.OutDir, "crashes", name)
	if infoexec != nil {
		if err := infoexec.Run(ctx, path); err != nil {
			logger.Warn("infoexec hook failed", "error", err)
		}
	}
	f.Counters.RecordCrash(run.Execs)
	recordAudit(al, logger, "crash", path, 0, false, run.Execs)

	return Result{Kept: true, Path: path}, nil
}

func persistArtifact(outDir, subdir, name string, mem []byte) error {
	dir := filepath.Join(outDir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), mem, 0o644)
}

// hash64 stands in for the original's hash64(buf, len, HASH_CONST): no
// third-party hash library appears anywhere in the reference corpus (see
// DESIGN.md), so this falls back to the standard library's FNV-1a.
func hash64(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}
