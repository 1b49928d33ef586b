package valuation_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pacfix/triagecore/internal/valuation"
)

// writeScript writes an executable shell script at dir/name and returns its
// path. The valuation binary under test copies its PACFIX_FILENAME input
// straight from stdin, mirroring the side-file contract in spec §4.G.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

func setValEnv(t *testing.T, valExe, covDir string) {
	t.Helper()
	t.Setenv("PACFIX_VAL_EXE", valExe)
	t.Setenv("PACFIX_COV_DIR", covDir)
}

func TestRunDisabledWithoutEnv(t *testing.T) {
	t.Setenv("PACFIX_VAL_EXE", "")
	t.Setenv("PACFIX_COV_DIR", "")
	os.Unsetenv("PACFIX_VAL_EXE")
	os.Unsetenv("PACFIX_COV_DIR")

	r := valuation.New()
	if r.Enabled() {
		t.Fatal("Enabled() = true without PACFIX_VAL_EXE/PACFIX_COV_DIR set")
	}

	res, ok, err := r.Run(context.Background(), []string{"/bin/true"}, "/dev/null", false)
	if err != nil || ok || res != (valuation.Result{}) {
		t.Fatalf("Run() on a disabled runner = %+v, %v, %v; want zero, false, nil", res, ok, err)
	}
}

func TestRunAdmitsUniqueValuation(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "val.sh", `cat > "$PACFIX_FILENAME"`)
	setValEnv(t, script, dir)

	input := filepath.Join(dir, "input")
	if err := os.WriteFile(input, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	r := valuation.New()
	if !r.Enabled() {
		t.Fatal("Enabled() = false with both env vars set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, ok, err := r.Run(ctx, []string{script}, input, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatal("Run() ok = false, want true for a fresh side-file")
	}
	if res.Hash == 0 {
		t.Error("Run() returned zero hash for non-empty side-file")
	}
	if _, err := os.Stat(res.SideFile); err != nil {
		t.Errorf("side-file %s not present after Run(): %v", res.SideFile, err)
	}
}

func TestRunDeduplicatesIdenticalOutput(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "val.sh", `cat > "$PACFIX_FILENAME"`)
	setValEnv(t, script, dir)

	input := filepath.Join(dir, "input")
	if err := os.WriteFile(input, []byte("same bytes"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	r := valuation.New()
	ctx := context.Background()

	_, ok1, err := r.Run(ctx, []string{script}, input, false)
	if err != nil || !ok1 {
		t.Fatalf("first Run() = ok=%v err=%v, want ok=true", ok1, err)
	}

	_, ok2, err := r.Run(ctx, []string{script}, input, false)
	if err != nil {
		t.Fatalf("second Run(): %v", err)
	}
	if ok2 {
		t.Fatal("second Run() admitted a duplicate valuation output")
	}
}

func TestRunNoSideFileProducedIsNotError(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "val.sh", `exit 0`)
	setValEnv(t, script, dir)

	input := filepath.Join(dir, "input")
	if err := os.WriteFile(input, []byte("x"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	r := valuation.New()
	res, ok, err := r.Run(context.Background(), []string{script}, input, false)
	if err != nil {
		t.Fatalf("Run(): %v", err)
	}
	if ok || res != (valuation.Result{}) {
		t.Fatalf("Run() = %+v, %v; want zero result, ok=false when no side-file is produced", res, ok)
	}
}
