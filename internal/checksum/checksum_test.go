package checksum

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

// sha1("hello world")
const helloSHA1 = "2AAE6C35C94FCFB415DBE95F408B9CE91EE846ED"

func TestSum(t *testing.T) {
	if got := Sum([]byte("hello world")); got != helloSHA1 {
		t.Errorf("Sum() = %s, want %s", got, helloSHA1)
	}
	if got := Sum(nil); got != "DA39A3EE5E6B4B0D3255BFEF95601890AFD80709" {
		t.Errorf("Sum(nil) = %s", got)
	}
}

func TestCalculateMatchesSum(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 20000) // spans several buffers
	got, err := Calculate(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if want := Sum(data); got != want {
		t.Errorf("Calculate() = %s, want %s", got, want)
	}
}

func TestCalculateFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/game/data.bin", []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := CalculateFile(fsys, "/game/data.bin")
	if err != nil {
		t.Fatalf("CalculateFile() error = %v", err)
	}
	if got != helloSHA1 {
		t.Errorf("CalculateFile() = %s, want %s", got, helloSHA1)
	}

	if _, err := CalculateFile(fsys, "/game/missing.bin"); err == nil {
		t.Error("CalculateFile() on missing file should fail")
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, part := range []string{"hello", " ", "world"} {
		if _, err := w.Write([]byte(part)); err != nil {
			t.Fatal(err)
		}
	}

	if buf.String() != "hello world" {
		t.Errorf("forwarded %q", buf.String())
	}
	if w.Checksum() != helloSHA1 {
		t.Errorf("Checksum() = %s", w.Checksum())
	}
	if w.Written() != 11 {
		t.Errorf("Written() = %d, want 11", w.Written())
	}
}

func TestEqualAndValid(t *testing.T) {
	if !Equal(helloSHA1, strings.ToLower(helloSHA1)) {
		t.Error("Equal should ignore case")
	}
	if Equal(helloSHA1, Sum([]byte("other"))) {
		t.Error("Equal on different sums")
	}

	tests := []struct {
		in   string
		want bool
	}{
		{helloSHA1, true},
		{"", false},
		{"aaa", false},
		{strings.Repeat("Z", Size), false},
	}
	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
