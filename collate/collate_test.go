package collate

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func entries() []state.CollationEntry {
	return []state.CollationEntry{
		{RunID: 1, EnsembleID: "ensemble_1", Params: types.Params{"x": 1.0}, Result: types.Record{"te": 10.0, "q": 0.5}},
		{RunID: 2, EnsembleID: "ensemble_1", Params: types.Params{"x": 2.0}, Result: types.Record{"te": 20.0, "q": 1.5}},
	}
}

func TestAggregateSamples_WideRows(t *testing.T) {
	d := NewDataset(AggregateSamples{}, []string{"x"}, []string{"te", "q"})
	if err := d.Append(entries()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if diff := cmp.Diff([]string{"run_id", "ensemble_id", "x", "te", "q"}, d.Columns()); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
	want := [][]any{
		{int64(1), "ensemble_1", 1.0, 10.0, 0.5},
		{int64(2), "ensemble_1", 2.0, 20.0, 1.5},
	}
	if diff := cmp.Diff(want, d.Rows()); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	te, ok := d.Column("te")
	if !ok || !cmp.Equal([]any{10.0, 20.0}, te) {
		t.Fatalf("unexpected te column %v", te)
	}
}

func TestAggregateByVariables_LongRows(t *testing.T) {
	d := NewDataset(AggregateByVariables{}, []string{"x"}, nil)
	if err := d.Append(entries()[:1]); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	want := [][]any{
		{int64(1), "ensemble_1", 1.0, "q", 0.5},
		{int64(1), "ensemble_1", 1.0, "te", 10.0},
	}
	if diff := cmp.Diff(want, d.Rows()); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"run_id", "ensemble_id", "x", "Variable", "Value"}, d.Columns()); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
}

func TestDataset_RejectsDuplicateRuns(t *testing.T) {
	d := NewDataset(nil, []string{"x"}, []string{"te"})
	if err := d.Append(entries()[:1]); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := d.Append(entries()); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}
	if d.Len() != 1 {
		t.Fatalf("rejected batch must not be partially applied, got %d rows", d.Len())
	}
	dup := []state.CollationEntry{entries()[1], entries()[1]}
	if err := d.Append(dup); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun for repeated batch entry, got %v", err)
	}
	if diff := cmp.Diff([]int64{1}, d.RunIDs()); diff != "" {
		t.Fatalf("run ids mismatch (-want +got):\n%s", diff)
	}
}

func TestDataset_WriteCSV(t *testing.T) {
	d := NewDataset(AggregateSamples{}, []string{"x"}, []string{"te"})
	if err := d.Append(entries()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	var buf bytes.Buffer
	if err := d.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	want := "run_id,ensemble_id,x,te\n1,ensemble_1,1,10\n2,ensemble_1,2,20\n"
	if buf.String() != want {
		t.Fatalf("unexpected csv:\n%s", buf.String())
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{SamplesName, VariablesName} {
		c, err := ByName(name)
		if err != nil || c.Name() != name {
			t.Fatalf("ByName(%q) = %v, %v", name, c, err)
		}
	}
	if _, err := ByName("pivot"); err == nil {
		t.Fatalf("expected unknown collater error")
	}
}
