package crashdoc_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pacfix/triagecore/internal/crashdoc"
)

func TestWriteCreatesReadmeOnce(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "crashes"), 0o755); err != nil {
		t.Fatalf("mkdir crashes: %v", err)
	}

	crashdoc.Write(dir, "./fuzz_target @@", 50<<20)

	path := filepath.Join(dir, "crashes", "README.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("README.txt not created: %v", err)
	}
	if !strings.Contains(string(data), "./fuzz_target @@") {
		t.Errorf("README.txt missing command line:\n%s", data)
	}
	if !strings.Contains(string(data), "MB") {
		t.Errorf("README.txt missing formatted memory limit:\n%s", data)
	}
}

func TestWriteIsOneShot(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "crashes"), 0o755); err != nil {
		t.Fatalf("mkdir crashes: %v", err)
	}

	crashdoc.Write(dir, "first", 1<<20)
	path := filepath.Join(dir, "crashes", "README.txt")
	first, _ := os.ReadFile(path)

	crashdoc.Write(dir, "second-should-not-appear", 1<<20)
	second, _ := os.ReadFile(path)

	if string(first) != string(second) {
		t.Fatal("second Write() overwrote the existing README.txt")
	}
}

func TestWriteMissingDirIsSilentNoop(t *testing.T) {
	dir := t.TempDir() // no crashes/ subdirectory created
	crashdoc.Write(dir, "cmd", 1024)
	if _, err := os.Stat(filepath.Join(dir, "crashes", "README.txt")); err == nil {
		t.Fatal("README.txt created despite missing parent directory")
	}
}

func TestFormatByteSize(t *testing.T) {
	cases := []struct {
		n    uint64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.50 kB"},
		{50 << 20, "50.00 MB"},
	}
	for _, c := range cases {
		if got := crashdoc.FormatByteSize(c.n); got != c.want {
			t.Errorf("FormatByteSize(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}
