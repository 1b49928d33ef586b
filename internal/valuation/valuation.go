// Package valuation implements the value-profiling side channel (spec
// §4.G): it runs a second instrumented binary against the same input under
// a timeout, hashes the side-file it produces, and admits unique hashes to
// a deduplicating store so an external patch-synthesis engine can consume
// them later.
//
// Enabled iff both PACFIX_VAL_EXE and PACFIX_COV_DIR are set in the
// environment; Run returns ok=false without error when either is absent.
//
// A native wait-with-timeout primitive is preferred here over
// setitimer+SIGALRM; this package uses context.Context plus
// exec.CommandContext, whose Cancel hook sends SIGKILL to the child process
// when the timeout expires — the Go-idiomatic equivalent of the original's
// SIGALRM handler sending SIGKILL to child_pid. Processes the child spawns
// are not signalled.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pacfix/triagecore/internal/valuestore"
)

const (
	// MaxHashRead caps how much of a side-file is read for hashing,
	// mirroring the original's 32MB cap on hash_file.
	MaxHashRead = 1 << 25

	defaultTimeout = 10 * time.Second
)

var (
	asanOptions = "ASAN_OPTIONS=abort_on_error=1:halt_on_error=1:detect_leaks=0:symbolize=0:allocator_may_return_null=1"
	msanOptions = "MSAN_OPTIONS=exit_code=86:halt_on_error=1:symbolize=0:msan_track_origins=0"
	ubsanOptions = "UBSAN_OPTIONS=halt_on_error=1:abort_on_error=1:exit_code=54:print_stacktrace=1"
)

// Runner executes the valuation binary and deduplicates its output. A
// Runner owns its own value hashmap; Run guards the hashmap and its sequence
// counters with a mutex, so one Runner may be shared across goroutines.
type Runner struct {
	mu    sync.Mutex
	store *valuestore.Hashmap

	valExe string
	covDir string
	enabled bool

	crashSeq uint64
	posSeq   uint64
}

// New returns a Runner configured from the environment. If PACFIX_VAL_EXE
// or PACFIX_COV_DIR is unset, the returned Runner is disabled: Run always
// returns ok=false, nil.
func New() *Runner {
	valExe, hasExe := os.LookupEnv("PACFIX_VAL_EXE")
	covDir, hasDir := os.LookupEnv("PACFIX_COV_DIR")
	return &Runner{
		store:   valuestore.NewHashmap(1024),
		valExe:  valExe,
		covDir:  covDir,
		enabled: hasExe && hasDir,
	}
}

// Enabled reports whether both required environment variables were present
// at construction time.
func (r *Runner) Enabled() bool {
	return r.enabled
}

// Result is what Run admits on a unique valuation.
type Result struct {
	Hash     uint32
	SideFile string // path to the side-file, still at its original location
}

// Run executes the valuation binary against mem, written to inputPath by
// the caller (mirroring write_to_testcase), and returns the admitted result
// if the produced side-file hashes to a value not yet seen. crashed selects
// the "_noncrash_" vs. plain side-file naming and feeds the sequence
// counter used to build its path.
//
// Run never returns an error for ordinary unavailability (disabled runner,
// fork/exec failure, timeout, missing side-file, duplicate hash) — those are
// all recoverable-silent or protocol-drop outcomes per spec §7; ok is false
// in every such case. The only non-nil error is for an empty argv, which
// callers log and continue past, never abort on.
func (r *Runner) Run(ctx context.Context, argv []string, inputPath string, crashed bool) (Result, bool, error) {
	if !r.enabled {
		return Result{}, false, nil
	}
	if len(argv) == 0 {
		return Result{}, false, errors.New("valuation: empty argv")
	}

	r.mu.Lock()
	var seq uint64
	if crashed {
		r.crashSeq++
		seq = r.crashSeq
	} else {
		r.posSeq++
		seq = r.posSeq
	}
	r.mu.Unlock()

	sideFile := filepath.Join(r.covDir, sideFileName(crashed, seq))
	_ = os.Remove(sideFile) // best-effort: stale file from a previous run

	valArgv := append([]string{r.valExe}, argv[1:]...)
	if err := r.execValuation(ctx, valArgv, inputPath, sideFile); err != nil {
		return Result{}, false, nil // recoverable-silent: fork/exec/timeout failure
	}

	if _, err := os.Stat(sideFile); err != nil {
		return Result{}, false, nil // protocol drop: no side-file produced
	}

	hash, err := hashFile(sideFile)
	if err != nil {
		return Result{}, false, nil
	}

	r.mu.Lock()
	_, dup := r.store.Get(hash)
	if !dup {
		r.store.Insert(hash, nil)
	}
	r.mu.Unlock()

	if dup {
		_ = os.Remove(sideFile)
		return Result{}, false, nil
	}

	return Result{Hash: hash, SideFile: sideFile}, true, nil
}

func sideFileName(crashed bool, seq uint64) string {
	if crashed {
		return fmt.Sprintf("__valuation_file_%d", seq)
	}
	return fmt.Sprintf("__valuation_file_noncrash_%d", seq)
}

// execValuation runs the valuation binary in its own session with a bounded
// timeout; on timeout SIGKILL goes to the child process only.
func (r *Runner) execValuation(ctx context.Context, argv []string, inputPath, sideFile string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = []string{asanOptions, msanOptions, ubsanOptions, "PACFIX_FILENAME=" + sideFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("valuation: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd.Stdout = devNull
	cmd.Stderr = devNull

	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("valuation: open input %q: %w", inputPath, err)
	}
	defer in.Close()
	cmd.Stdin = in

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGKILL)
	}

	return cmd.Run()
}

// hashFile hashes up to MaxHashRead bytes of the file at path with a
// 32-bit FNV-1a digest. No third-party hash library appears anywhere in
// the reference corpus, so this one case falls back to the standard
// library's hash/fnv (see DESIGN.md).
func hashFile(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := fnv.New32a()
	if _, err := io.CopyN(h, f, MaxHashRead); err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return h.Sum32(), nil
}
