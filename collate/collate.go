package collate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/PipeOpsHQ/uq-campaign-go/state"
	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

var ErrDuplicateRun = errors.New("collate: run already in dataset")

const (
	SamplesName   = "aggregate_samples"
	VariablesName = "aggregate_by_variables"
)

// Collater lays collated runs out as table rows.
type Collater interface {
	Name() string
	Columns(params, outputs []string) []string
	Rows(entry state.CollationEntry, params, outputs []string) [][]any
}

func ByName(name string) (Collater, error) {
	switch name {
	case "", SamplesName:
		return AggregateSamples{}, nil
	case VariablesName:
		return AggregateByVariables{}, nil
	default:
		return nil, fmt.Errorf("unknown collater %q", name)
	}
}

// AggregateSamples produces one wide row per run.
type AggregateSamples struct{}

func (AggregateSamples) Name() string { return SamplesName }

func (AggregateSamples) Columns(params, outputs []string) []string {
	cols := []string{"run_id", "ensemble_id"}
	cols = append(cols, params...)
	return append(cols, outputs...)
}

func (AggregateSamples) Rows(entry state.CollationEntry, params, outputs []string) [][]any {
	row := []any{entry.RunID, entry.EnsembleID}
	for _, p := range params {
		row = append(row, entry.Params[p])
	}
	for _, o := range outputs {
		row = append(row, entry.Result[o])
	}
	return [][]any{row}
}

// AggregateByVariables produces one long row per run and output variable.
type AggregateByVariables struct{}

func (AggregateByVariables) Name() string { return VariablesName }

func (AggregateByVariables) Columns(params, _ []string) []string {
	cols := []string{"run_id", "ensemble_id"}
	cols = append(cols, params...)
	return append(cols, "Variable", "Value")
}

func (AggregateByVariables) Rows(entry state.CollationEntry, params, outputs []string) [][]any {
	rows := make([][]any, 0, len(outputs))
	for _, o := range outputs {
		row := []any{entry.RunID, entry.EnsembleID}
		for _, p := range params {
			row = append(row, entry.Params[p])
		}
		rows = append(rows, append(row, o, entry.Result[o]))
	}
	return rows
}

// Dataset is the append-only result table of a campaign.
type Dataset struct {
	mu       sync.RWMutex
	collater Collater
	params   []string
	outputs  []string
	rows     [][]any
	runIDs   map[int64]struct{}
	order    []int64
}

// NewDataset creates an empty table. When outputs is empty the output columns
// are taken from the first appended result, sorted by name.
func NewDataset(collater Collater, params, outputs []string) *Dataset {
	if collater == nil {
		collater = AggregateSamples{}
	}
	return &Dataset{
		collater: collater,
		params:   append([]string(nil), params...),
		outputs:  append([]string(nil), outputs...),
		runIDs:   map[int64]struct{}{},
	}
}

// Append adds a batch of entries. The whole batch is rejected if any run is
// already present or repeated within it.
func (d *Dataset) Append(entries []state.CollationEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := d.runIDs[e.RunID]; ok {
			return fmt.Errorf("%w: run %d", ErrDuplicateRun, e.RunID)
		}
		if _, ok := batch[e.RunID]; ok {
			return fmt.Errorf("%w: run %d repeated in batch", ErrDuplicateRun, e.RunID)
		}
		batch[e.RunID] = struct{}{}
	}
	if len(d.outputs) == 0 && len(entries) > 0 {
		d.outputs = recordKeys(entries[0].Result)
	}
	for _, e := range entries {
		d.rows = append(d.rows, d.collater.Rows(e, d.params, d.outputs)...)
		d.runIDs[e.RunID] = struct{}{}
		d.order = append(d.order, e.RunID)
	}
	return nil
}

// Clone returns an independent copy of the table.
func (d *Dataset) Clone() *Dataset {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := &Dataset{
		collater: d.collater,
		params:   append([]string(nil), d.params...),
		outputs:  append([]string(nil), d.outputs...),
		rows:     make([][]any, len(d.rows)),
		runIDs:   make(map[int64]struct{}, len(d.runIDs)),
		order:    append([]int64(nil), d.order...),
	}
	for i, row := range d.rows {
		out.rows[i] = append([]any(nil), row...)
	}
	for id := range d.runIDs {
		out.runIDs[id] = struct{}{}
	}
	return out
}

func (d *Dataset) Columns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.collater.Columns(d.params, d.outputs)
}

func (d *Dataset) Rows() [][]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([][]any, len(d.rows))
	for i, row := range d.rows {
		out[i] = append([]any(nil), row...)
	}
	return out
}

func (d *Dataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rows)
}

// RunIDs lists collated runs in append order.
func (d *Dataset) RunIDs() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]int64(nil), d.order...)
}

func (d *Dataset) Contains(runID int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.runIDs[runID]
	return ok
}

// Column returns every value of one column, or false if it does not exist.
func (d *Dataset) Column(name string) ([]any, bool) {
	cols := d.Columns()
	idx := -1
	for i, c := range cols {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]any, 0, len(d.rows))
	for _, row := range d.rows {
		out = append(out, row[idx])
	}
	return out, true
}

func (d *Dataset) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(d.Columns()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range d.Rows() {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = cell(v)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case int64:
		return fmt.Sprintf("%d", val)
	case []any:
		return fmt.Sprintf("%v", val)
	default:
		if s, err := types.FormatValue(v); err == nil {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
}

func recordKeys(r types.Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
