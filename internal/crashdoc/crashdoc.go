// Package crashdoc writes the one-shot crashes/README.txt help file (spec
// §4.I). Creation uses O_EXCL so the file is written exactly once per run;
// any failure — the file already exists, or any other create error — is
// silently ignored, matching the original's "do not die on errors here"
// policy and the save pipeline's best-effort discipline for README writes
// (spec §7).
package crashdoc

import (
	"fmt"
	"os"
	"path/filepath"
)

const readmeBody = `Command line used to find this crash:

%s

If you can't reproduce a bug outside of this fuzzer, be sure to set the same
memory limit. The limit used for this fuzzing session was %s.

Need a tool to minimize test cases before investigating the crashes or
sending them to a vendor? Check out a test-case minimizer built for this
triage core.
`

// Write creates <outDir>/crashes/README.txt if it does not already exist,
// populated with cmdline and the memory limit (bytes) rendered via
// FormatByteSize. It never returns an error: callers treat README creation
// as best-effort and must not let it interrupt the crash-save path.
func Write(outDir, cmdline string, memLimitBytes uint64) {
	path := filepath.Join(outDir, "crashes", "README.txt")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return // already exists, or directory missing: best-effort, ignore
	}
	defer f.Close()

	fmt.Fprintf(f, readmeBody, cmdline, FormatByteSize(memLimitBytes))
}

// FormatByteSize renders n bytes the way the original DMS_sprintf helper
// does: a few significant digits followed by a human-scaled unit (B, kB,
// MB, GB, TB), truncating rather than rounding up a unit boundary.
func FormatByteSize(n uint64) string {
	const unit = 1024.0
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}

	units := []string{"kB", "MB", "GB", "TB"}
	val := float64(n) / unit
	for _, u := range units {
		if val < unit || u == units[len(units)-1] {
			return fmt.Sprintf("%.02f %s", val, u)
		}
		val /= unit
	}
	return fmt.Sprintf("%.02f %s", val, units[len(units)-1])
}
