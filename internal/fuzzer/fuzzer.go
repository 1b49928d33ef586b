// Package fuzzer wires the bitmap, novelty, queue, valuation, and crashdoc
// subsystems into a single Fuzzer context. Spec §9's redesign note retires
// the original's process-global state (the classification tables aside,
// which remain a lazily-initialized package constant in internal/bitmap)
// in favor of one context object owned by the caller and passed explicitly
// wherever the triage pipeline needs it.
package fuzzer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pacfix/triagecore/internal/bitmap"
	"github.com/pacfix/triagecore/internal/crashdoc"
	"github.com/pacfix/triagecore/internal/queue"
	"github.com/pacfix/triagecore/internal/valuation"
)

// Scheduler is the narrow, one-way interface the pipeline consumes from the
// path-scheduling collaborator (spec §6, §9). It never calls back into the
// Fuzzer directly; any queue-entry updates it needs flow back through the
// pipeline's own return values.
type Scheduler interface {
	// Virgins returns the ordered virgin maps and cluster ids relevant to
	// the run's target trace. Index 0 is always the primary cluster.
	Virgins(target []byte) (virgins []bitmap.VirginMap, clusters []uint32)

	// HasNewPath reports whether the run discovered a new path, given the
	// folded novelty tag and the instrumentation's reachability vectors.
	HasNewPath(tag byte, freachables, reachables, ctx []byte, queuedItems int) bool

	// SeedVirgins re-queries the (possibly enlarged) virgin set after a
	// new path has been reported, for the commit pass.
	SeedVirgins(queuedItems int) (virgins []bitmap.VirginMap, clusters []uint32)

	// QueueCycle returns the scheduler's current queue cycle counter.
	QueueCycle() uint32

	// RecoverVirgin is invoked when a zero-length input is dropped
	// (spec §4.E edge case) so the scheduler can roll back any
	// provisional virgin-map state.
	RecoverVirgin()
}

// Counters holds the process-wide statistics the original kept as global
// variables (total_crashes, total_tmouts, queued_with_cov, last_crash_time,
// last_crash_execs, last_hang_time). Supplemented from original_source since
// the distilled spec does not name a home for them explicitly; they are
// exposed read-only to a dashboard in this module (see SPEC_FULL.md).
type Counters struct {
	mu sync.Mutex

	TotalCrashes   uint64
	TotalTmouts    uint64
	QueuedWithCov  uint64
	LastCrashTime  time.Time
	LastCrashExecs uint64
	LastHangTime   time.Time
}

func (c *Counters) IncrCrashes() {
	c.mu.Lock()
	c.TotalCrashes++
	c.mu.Unlock()
}

func (c *Counters) IncrTmouts() {
	c.mu.Lock()
	c.TotalTmouts++
	c.mu.Unlock()
}

func (c *Counters) IncrQueuedWithCov() {
	c.mu.Lock()
	c.QueuedWithCov++
	c.mu.Unlock()
}

func (c *Counters) RecordCrash(execs uint64) {
	c.mu.Lock()
	c.LastCrashTime = time.Now()
	c.LastCrashExecs = execs
	c.mu.Unlock()
}

func (c *Counters) RecordHang() {
	c.mu.Lock()
	c.LastHangTime = time.Now()
	c.mu.Unlock()
}

// Snapshot is a point-in-time read of Counters, safe to hand to the
// dashboard's gRPC streaming layer.
func (c *Counters) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{
		TotalCrashes:   c.TotalCrashes,
		TotalTmouts:    c.TotalTmouts,
		QueuedWithCov:  c.QueuedWithCov,
		LastCrashTime:  c.LastCrashTime,
		LastCrashExecs: c.LastCrashExecs,
		LastHangTime:   c.LastHangTime,
	}
}

// Fuzzer owns every piece of state the triage core needs: the primary and
// auxiliary virgin maps, the queue store, the valuation runner, shared
// counters, and the logger. It is never entered re-entrantly — the triage
// pipeline runs on a single goroutine per spec §5's scheduling model.
type Fuzzer struct {
	logger *slog.Logger

	MapSize int

	VirginBits  bitmap.VirginMap
	VirginTmout bitmap.VirginMap
	VirginCrash bitmap.VirginMap

	Queue      *queue.SQLiteQueue
	NFuzz      *queue.NFuzzCounters
	Valuation  *valuation.Runner
	Counters   *Counters
	Scheduler  Scheduler

	OutDir string

	KeepUniqueHang  uint64
	KeepUniqueCrash uint64
	KeepTimeouts    bool
	NoCrashReadme   bool

	mu           sync.Mutex
	savedHangs   uint64
	savedCrashes uint64
	cmdline      string
	memLimit     uint64

	crashReadmeOnce sync.Once
}

// Option configures a Fuzzer at construction time.
type Option func(*Fuzzer)

// WithKeepUnique sets the KEEP_UNIQUE_HANG / KEEP_UNIQUE_CRASH thresholds.
func WithKeepUnique(hang, crash uint64) Option {
	return func(f *Fuzzer) {
		f.KeepUniqueHang = hang
		f.KeepUniqueCrash = crash
	}
}

// WithKeepTimeouts enables AFL_KEEP_TIMEOUTS behavior: a second timeout
// after hang-tmout re-run is saved to the queue rather than discarded.
func WithKeepTimeouts(keep bool) Option {
	return func(f *Fuzzer) { f.KeepTimeouts = keep }
}

// WithNoCrashReadme suppresses crashes/README.txt creation (AFL_NO_CRASH_README).
func WithNoCrashReadme(suppress bool) Option {
	return func(f *Fuzzer) { f.NoCrashReadme = suppress }
}

// WithCmdline records the original command line used for crashes/README.txt.
func WithCmdline(cmdline string, memLimitBytes uint64) Option {
	return func(f *Fuzzer) {
		f.cmdline = cmdline
		f.memLimit = memLimitBytes
	}
}

// New constructs a Fuzzer over mapSize-byte virgin maps. q, val, and sched
// are required collaborators (the n_fuzz counter table is allocated here);
// pass a stub Scheduler in tests that do not exercise the multi-map path.
func New(mapSize int, outDir string, q *queue.SQLiteQueue, val *valuation.Runner, sched Scheduler, logger *slog.Logger, opts ...Option) *Fuzzer {
	f := &Fuzzer{
		logger:      logger,
		MapSize:     mapSize,
		VirginBits:  bitmap.NewVirginMap(mapSize),
		VirginTmout: bitmap.NewVirginMap(mapSize),
		VirginCrash: bitmap.NewVirginMap(mapSize),
		Queue:       q,
		NFuzz:       queue.NewNFuzzCounters(),
		Valuation:   val,
		Counters:    &Counters{},
		Scheduler:   sched,
		OutDir:      outDir,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WriteCrashReadmeOnce creates crashes/README.txt exactly once per Fuzzer
// lifetime, unless NoCrashReadme is set (spec §4.I).
func (f *Fuzzer) WriteCrashReadmeOnce() {
	if f.NoCrashReadme {
		return
	}
	f.crashReadmeOnce.Do(func() {
		crashdoc.Write(f.OutDir, f.cmdline, f.memLimit)
	})
}

// savedHangsAtLimit reports whether the count of saved hangs has reached
// KeepUniqueHang (spec §4.E TMOUT branch). A zero threshold means no limit.
func (f *Fuzzer) savedHangsAtLimit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.KeepUniqueHang != 0 && f.savedHangs >= f.KeepUniqueHang
}

// savedCrashesAtLimit reports whether the count of saved crashes has
// reached KeepUniqueCrash (spec §4.E CRASH branch).
func (f *Fuzzer) savedCrashesAtLimit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.KeepUniqueCrash != 0 && f.savedCrashes >= f.KeepUniqueCrash
}

// IncrSavedHangs increments and returns the new saved-hangs counter, used
// as the id: sequence number for hang artifacts.
func (f *Fuzzer) IncrSavedHangs() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedHangs++
	return f.savedHangs
}

// IncrSavedCrashes increments and returns the new saved-crashes counter,
// used as the id: sequence number for crash artifacts.
func (f *Fuzzer) IncrSavedCrashes() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedCrashes++
	return f.savedCrashes
}
