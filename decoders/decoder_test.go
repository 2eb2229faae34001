package decoders

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func writeOutput(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestSimpleCSV_ScalarAndListColumns(t *testing.T) {
	dir := t.TempDir()
	d, err := NewCSV("output.csv", []string{"te", "label"})
	if err != nil {
		t.Fatalf("NewCSV failed: %v", err)
	}
	if d.SimComplete(dir) {
		t.Fatalf("missing output must not be complete")
	}

	writeOutput(t, dir, "output.csv", "te,label,ignored\n1.5,hot,0\n")
	if !d.SimComplete(dir) {
		t.Fatalf("expected output to be complete")
	}
	rec, err := d.ParseSimOutput(dir)
	if err != nil {
		t.Fatalf("ParseSimOutput failed: %v", err)
	}
	if diff := cmp.Diff(types.Record{"te": 1.5, "label": "hot"}, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	writeOutput(t, dir, "output.csv", "te,label\n1,a\n2,b\n")
	rec, err = d.ParseSimOutput(dir)
	if err != nil {
		t.Fatalf("ParseSimOutput failed: %v", err)
	}
	want := types.Record{"te": []any{1.0, 2.0}, "label": []any{"a", "b"}}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestSimpleCSV_PartialOutputIsPending(t *testing.T) {
	dir := t.TempDir()
	d, _ := NewCSV("output.csv", []string{"te"})
	for _, content := range []string{"", "   \n", "te\n", "te,x\n1,2\n3\n"} {
		writeOutput(t, dir, "output.csv", content)
		if d.SimComplete(dir) {
			t.Fatalf("content %q must not be complete", content)
		}
	}
}

func TestSimpleCSV_MissingColumnIsDecodingError(t *testing.T) {
	dir := t.TempDir()
	d, _ := NewCSV("output.csv", []string{"te", "pressure"})
	writeOutput(t, dir, "output.csv", "te\n1\n")
	if !d.SimComplete(dir) {
		t.Fatalf("expected output to be complete")
	}
	if _, err := d.ParseSimOutput(dir); !errors.Is(err, ErrDecoding) {
		t.Fatalf("expected ErrDecoding, got %v", err)
	}
}

func TestJSONDecoder_DottedPaths(t *testing.T) {
	dir := t.TempDir()
	d, err := NewJSON("out.json", []string{"outlet.temperature", "steps"})
	if err != nil {
		t.Fatalf("NewJSON failed: %v", err)
	}
	writeOutput(t, dir, "out.json", `{"outlet": {"temperature": 351.2`)
	if d.SimComplete(dir) {
		t.Fatalf("truncated json must not be complete")
	}

	writeOutput(t, dir, "out.json", `{"outlet": {"temperature": 351.2}, "steps": [1, 2]}`)
	if !d.SimComplete(dir) {
		t.Fatalf("expected json output to be complete")
	}
	rec, err := d.ParseSimOutput(dir)
	if err != nil {
		t.Fatalf("ParseSimOutput failed: %v", err)
	}
	want := types.Record{"outlet.temperature": 351.2, "steps": []any{1.0, 2.0}}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	writeOutput(t, dir, "out.json", `{"outlet": {}}`)
	if _, err := d.ParseSimOutput(dir); !errors.Is(err, ErrDecoding) {
		t.Fatalf("expected ErrDecoding, got %v", err)
	}
}

func TestYAMLDecoder_NormalizesNumbers(t *testing.T) {
	dir := t.TempDir()
	d, err := NewYAML("out.yml", []string{"result.flux", "result.iterations"})
	if err != nil {
		t.Fatalf("NewYAML failed: %v", err)
	}
	if d.SimComplete(dir) {
		t.Fatalf("missing yaml must not be complete")
	}
	writeOutput(t, dir, "out.yml", "result:\n  flux: 0.25\n  iterations: 12\n")
	rec, err := d.ParseSimOutput(dir)
	if err != nil {
		t.Fatalf("ParseSimOutput failed: %v", err)
	}
	if diff := cmp.Diff(types.Record{"result.flux": 0.25, "result.iterations": 12.0}, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_RestoresFromDescriptor(t *testing.T) {
	r := NewRegistry()
	csvDec, _ := NewCSV("output.csv", []string{"a", "b"})
	jsonDec, _ := NewJSON("out.json", []string{"x.y"})
	yamlDec, _ := NewYAML("out.yml", []string{"z"})
	for _, dec := range []Decoder{csvDec, jsonDec, yamlDec} {
		restored, err := r.Restore(dec.Descriptor())
		if err != nil {
			t.Fatalf("Restore(%s) failed: %v", dec.Name(), err)
		}
		if diff := cmp.Diff(dec.Descriptor(), restored.Descriptor()); diff != "" {
			t.Fatalf("%s descriptor mismatch (-want +got):\n%s", dec.Name(), diff)
		}
		if diff := cmp.Diff(dec.OutputColumns(), restored.OutputColumns()); diff != "" {
			t.Fatalf("%s columns mismatch (-want +got):\n%s", dec.Name(), diff)
		}
	}
	if _, err := r.Restore(types.Descriptor{"decoder": "hdf5"}); err == nil {
		t.Fatalf("expected unknown decoder error")
	}
}

func TestRegistry_ColumnNamesWithCommasSurviveRestore(t *testing.T) {
	r := NewRegistry()
	columns := []string{"flux,inner", "flux,outer", "t"}
	csvDec, _ := NewCSV("output.csv", columns)
	jsonDec, _ := NewJSON("out.json", columns)
	yamlDec, _ := NewYAML("out.yml", columns)
	for _, dec := range []Decoder{csvDec, jsonDec, yamlDec} {
		restored, err := r.Restore(dec.Descriptor())
		if err != nil {
			t.Fatalf("Restore(%s) failed: %v", dec.Name(), err)
		}
		if diff := cmp.Diff(columns, restored.OutputColumns()); diff != "" {
			t.Fatalf("%s columns mismatch (-want +got):\n%s", dec.Name(), diff)
		}
		if restored.OutputFile() != dec.OutputFile() {
			t.Fatalf("%s output file %q, want %q", dec.Name(), restored.OutputFile(), dec.OutputFile())
		}
	}

	empty, _ := NewCSV("output.csv", nil)
	restored, err := r.Restore(empty.Descriptor())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if cols := restored.OutputColumns(); len(cols) != 0 {
		t.Fatalf("expected no columns, got %q", cols)
	}
}
