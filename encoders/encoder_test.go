package encoders

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func TestGenericEncoder_Substitution(t *testing.T) {
	e := &GenericEncoder{Template: "x=$x y=${y} cost=$$5 ${x}s\n", TargetFilename: "in.txt"}
	out, err := e.Render(types.Params{"x": 1.5, "y": 3})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "x=1.5 y=3 cost=$5 1.5s\n" {
		t.Fatalf("unexpected render: %q", out)
	}
}

func TestGenericEncoder_CustomDelimiter(t *testing.T) {
	e := &GenericEncoder{Template: `{"a": #a, "fee": "##"}`, Delimiter: "#", TargetFilename: "in.json"}
	out, err := e.Render(types.Params{"a": "v"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != `{"a": v, "fee": "#"}` {
		t.Fatalf("unexpected render: %q", out)
	}
}

func TestGenericEncoder_UndeclaredParameter(t *testing.T) {
	e := &GenericEncoder{Template: "$x $missing", TargetFilename: "in.txt"}
	_, err := e.Render(types.Params{"x": 1})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
}

func TestGenericEncoder_InvalidPlaceholder(t *testing.T) {
	e := &GenericEncoder{Template: "price $ 5", TargetFilename: "in.txt"}
	if _, err := e.Render(types.Params{}); !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected ErrEncoding for bare delimiter, got %v", err)
	}
}

func TestGenericEncoder_EncodeIsOverwriteSafe(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "model.template")
	if err := os.WriteFile(tmplPath, []byte("value: $v\n"), 0o644); err != nil {
		t.Fatalf("failed to write template: %v", err)
	}
	e, err := NewGeneric(tmplPath, "", "input/model.yml")
	if err != nil {
		t.Fatalf("NewGeneric failed: %v", err)
	}
	runDir := filepath.Join(dir, "run_1")
	for _, v := range []float64{1, 2} {
		if err := e.Encode(types.Params{"v": v}, runDir); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}
	raw, err := os.ReadFile(filepath.Join(runDir, "input", "model.yml"))
	if err != nil {
		t.Fatalf("failed to read target: %v", err)
	}
	if string(raw) != "value: 2\n" {
		t.Fatalf("unexpected target content: %q", raw)
	}
	entries, _ := os.ReadDir(filepath.Join(runDir, "input"))
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestGeneric_RejectsEscapingTarget(t *testing.T) {
	if _, err := NewGeneric("t", "$", "../out.txt"); err == nil {
		t.Fatalf("expected error for target outside run directory")
	}
}

func TestRegistry_RestoresMultiEncoder(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "static.dat")
	if err := os.WriteFile(src, []byte("static"), 0o644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}
	cp, err := NewCopy(src, "")
	if err != nil {
		t.Fatalf("NewCopy failed: %v", err)
	}
	multi, err := NewMulti(&GenericEncoder{Template: "n=$n", TargetFilename: "in.txt"}, cp)
	if err != nil {
		t.Fatalf("NewMulti failed: %v", err)
	}

	restored, err := NewRegistry().Restore(multi.Descriptor())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if diff := cmp.Diff(multi.Descriptor(), restored.Descriptor()); diff != "" {
		t.Fatalf("descriptor mismatch (-want +got):\n%s", diff)
	}

	runDir := filepath.Join(dir, "run_1")
	if err := restored.Encode(types.Params{"n": 4}, runDir); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for name, want := range map[string]string{"in.txt": "n=4", "static.dat": "static"} {
		raw, err := os.ReadFile(filepath.Join(runDir, name))
		if err != nil {
			t.Fatalf("failed to read %s: %v", name, err)
		}
		if string(raw) != want {
			t.Fatalf("%s: want %q got %q", name, want, raw)
		}
	}
}

func TestRegistry_UnknownEncoder(t *testing.T) {
	if _, err := NewRegistry().Restore(types.Descriptor{"encoder": "nope"}); err == nil {
		t.Fatalf("expected error for unknown encoder")
	}
}
