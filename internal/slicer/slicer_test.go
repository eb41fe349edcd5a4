package slicer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const samplePython = `import math


def area(radius):
    return math.pi * radius ** 2


@staticmethod
def decorated_helper():
    return 42


class Circle:
    def __init__(self, radius):
        self.radius = radius

    def area(self):
        return area(self.radius)
`

func newTestSlicer(t *testing.T) *Slicer {
	t.Helper()
	s := New()
	t.Cleanup(s.Close)
	return s
}

func TestExtractSymbols(t *testing.T) {
	s := newTestSlicer(t)

	symbols, err := s.ExtractSymbols([]byte(samplePython))
	if err != nil {
		t.Fatal(err)
	}

	byName := make(map[string]Symbol)
	for _, sym := range symbols {
		byName[sym.Name] = sym
	}

	area, ok := byName["area"]
	if !ok || area.Kind != SymbolFunction {
		t.Fatalf("area not extracted: %+v", byName)
	}

	circle, ok := byName["Circle"]
	if !ok || circle.Kind != SymbolClass {
		t.Fatalf("Circle not extracted: %+v", byName)
	}

	decorated, ok := byName["decorated_helper"]
	if !ok {
		t.Fatalf("decorated function not extracted: %+v", byName)
	}
	if decorated.StartLine >= decorated.EndLine {
		t.Fatalf("decorated span wrong: %+v", decorated)
	}
}

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.py")
	if err := os.WriteFile(path, []byte(samplePython), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSliceByName(t *testing.T) {
	s := newTestSlicer(t)
	path := writeSample(t)

	result := s.Slice(SliceRequest{FilePath: path, Target: "Circle"})
	if !result.Found {
		t.Fatalf("slice failed: %s", result.Error)
	}
	if !strings.Contains(result.Source, "class Circle") {
		t.Fatalf("slice = %q", result.Source)
	}
	if strings.Contains(result.Source, "def area(radius)") {
		t.Fatal("slice must not include unrelated symbols")
	}
	if result.SliceBytes != len(result.Source) {
		t.Fatalf("byte accounting wrong: %d vs %d", result.SliceBytes, len(result.Source))
	}
}

func TestSliceByLine(t *testing.T) {
	s := newTestSlicer(t)
	path := writeSample(t)

	result := s.Slice(SliceRequest{FilePath: path, TargetLine: 5})
	if !result.Found || result.Target != "area" {
		t.Fatalf("result = %+v", result)
	}
}

func TestSliceDefaultsToFirstSymbol(t *testing.T) {
	s := newTestSlicer(t)
	path := writeSample(t)

	result := s.Slice(SliceRequest{FilePath: path})
	if !result.Found || result.Target != "area" {
		t.Fatalf("result = %+v", result)
	}
}

func TestSliceUnknownTarget(t *testing.T) {
	s := newTestSlicer(t)
	path := writeSample(t)

	result := s.Slice(SliceRequest{FilePath: path, Target: "nonexistent"})
	if result.Found {
		t.Fatal("unknown target must not be found")
	}
	if result.SymbolCount == 0 {
		t.Fatal("symbol count should still be reported")
	}
}

func TestSliceMissingFile(t *testing.T) {
	s := newTestSlicer(t)

	result := s.Slice(SliceRequest{FilePath: "/nonexistent/file.py", Target: "x"})
	if result.Found || result.Error == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestValidatePython(t *testing.T) {
	s := newTestSlicer(t)

	cases := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"valid", "def f():\n    return 1\n", false},
		{"valid_oneliner", "print(1 + 1)", false},
		{"empty", "", true},
		{"whitespace_only", "   \n\t", true},
		{"unclosed_paren", "print(1 + 1", true},
		{"bad_def", "def broken(:\n    pass", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := s.ValidatePython(tc.code)
			if tc.wantErr && msg == "" {
				t.Fatal("expected a validation error")
			}
			if !tc.wantErr && msg != "" {
				t.Fatalf("unexpected validation error: %s", msg)
			}
		})
	}
}
