package sampling

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

func drawAll(t *testing.T, s Sampler) []types.Params {
	t.Helper()
	var out []types.Params
	for {
		p, err := s.Next()
		if errors.Is(err, ErrExhausted) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, p)
		if len(out) > 100000 {
			t.Fatalf("sampler did not terminate")
		}
	}
}

func newTestSweep(t *testing.T) *Sweep {
	t.Helper()
	def := orderedmap.New[string, []any]()
	def.Set("x", []any{1.0, 2.0})
	def.Set("y", []any{10.0, 20.0})
	s, err := NewSweep(def)
	if err != nil {
		t.Fatalf("NewSweep failed: %v", err)
	}
	return s
}

func TestSweep_ParameterMajorOrder(t *testing.T) {
	s := newTestSweep(t)
	if s.Count() != 4 || !s.IsFinite() {
		t.Fatalf("unexpected count=%d finite=%v", s.Count(), s.IsFinite())
	}
	got := drawAll(t, s)
	want := []types.Params{
		{"x": 1.0, "y": 10.0},
		{"x": 1.0, "y": 20.0},
		{"x": 2.0, "y": 10.0},
		{"x": 2.0, "y": 20.0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sweep order mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Next(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted after last sample, got %v", err)
	}
}

func TestSweep_RestoreContinuesWhereItLeftOff(t *testing.T) {
	full := drawAll(t, newTestSweep(t))

	s := newTestSweep(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Next(); err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	restored, err := NewRegistry().Restore(s.Descriptor())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	rest := drawAll(t, restored)
	if diff := cmp.Diff(full[3:], rest); diff != "" {
		t.Fatalf("restored sweep mismatch (-want +got):\n%s", diff)
	}
}

func TestSweep_RejectsEmptyValues(t *testing.T) {
	def := orderedmap.New[string, []any]()
	def.Set("x", nil)
	if _, err := NewSweep(def); err == nil {
		t.Fatalf("expected error for empty value list")
	}
}

func newVary(pairs ...any) *orderedmap.OrderedMap[string, Distribution] {
	vary := orderedmap.New[string, Distribution]()
	for i := 0; i+1 < len(pairs); i += 2 {
		vary.Set(pairs[i].(string), pairs[i+1].(Distribution))
	}
	return vary
}

func assertClose(t *testing.T, want, got []float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("length mismatch: want %d got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if math.Abs(want[i]-got[i]) > 1e-9*math.Max(1, math.Abs(want[i])) {
			t.Fatalf("value %d: want %.17g got %.17g", i, want[i], got[i])
		}
	}
}

func TestQuadrature_GaussLegendreNodes(t *testing.T) {
	q, err := NewQuadrature(QuadratureConfig{Vary: newVary("x", Uniform(100, 200)), Orders: []int{2}})
	if err != nil {
		t.Fatalf("NewQuadrature failed: %v", err)
	}
	var xs []float64
	for _, node := range q.Nodes() {
		xs = append(xs, node[0])
	}
	assertClose(t, []float64{111.27016653792582, 150, 188.72983346207417}, xs)
	assertClose(t, []float64{5.0 / 18, 8.0 / 18, 5.0 / 18}, q.Weights())

	q, err = NewQuadrature(QuadratureConfig{Vary: newVary("f", Uniform(0.95, 1.05)), Orders: []int{5}})
	if err != nil {
		t.Fatalf("NewQuadrature failed: %v", err)
	}
	xs = xs[:0]
	for _, node := range q.Nodes() {
		xs = append(xs, node[0])
	}
	assertClose(t, []float64{
		0.9533765242898424,
		0.9669395306766867,
		0.98806904069584,
		1.01193095930416,
		1.033060469323313,
		1.046623475710158,
	}, xs)
}

func TestQuadrature_GaussHermiteMoments(t *testing.T) {
	q, err := NewQuadrature(QuadratureConfig{Vary: newVary("z", Normal(1, 2)), Orders: []int{4}})
	if err != nil {
		t.Fatalf("NewQuadrature failed: %v", err)
	}
	var mean, second float64
	for i, node := range q.Nodes() {
		mean += q.Weights()[i] * node[0]
		second += q.Weights()[i] * node[0] * node[0]
	}
	assertClose(t, []float64{1, 5}, []float64{mean, second})
}

func TestQuadrature_TensorGridFirstDimensionSlowest(t *testing.T) {
	q, err := NewQuadrature(QuadratureConfig{
		Vary:   newVary("a", Uniform(-1, 1), "b", Uniform(0, 1)),
		Orders: []int{1, 2},
	})
	if err != nil {
		t.Fatalf("NewQuadrature failed: %v", err)
	}
	if q.Count() != 6 {
		t.Fatalf("expected 6 nodes, got %d", q.Count())
	}
	nodes := q.Nodes()
	if nodes[0][0] != nodes[2][0] || nodes[0][0] == nodes[3][0] {
		t.Fatalf("expected first dimension to vary slowest: %v", nodes)
	}
	var total float64
	for _, w := range q.Weights() {
		total += w
	}
	assertClose(t, []float64{1}, []float64{total})
}

func TestQuadrature_Deterministic(t *testing.T) {
	cfg := func() QuadratureConfig {
		return QuadratureConfig{Vary: newVary("a", Uniform(0, 1), "b", Normal(0, 1)), Orders: []int{3}, Sparse: true}
	}
	q1, err := NewQuadrature(cfg())
	if err != nil {
		t.Fatalf("NewQuadrature failed: %v", err)
	}
	q2, err := NewQuadrature(cfg())
	if err != nil {
		t.Fatalf("NewQuadrature failed: %v", err)
	}
	if diff := cmp.Diff(q1.Nodes(), q2.Nodes()); diff != "" {
		t.Fatalf("nodes differ between identical configurations:\n%s", diff)
	}
	if diff := cmp.Diff(q1.Weights(), q2.Weights()); diff != "" {
		t.Fatalf("weights differ between identical configurations:\n%s", diff)
	}
}

func TestComputeSparseMultiIndex(t *testing.T) {
	want := [][]int{{1, 1}, {1, 2}, {1, 3}, {1, 4}, {2, 1}, {2, 2}, {2, 3}, {3, 1}, {3, 2}, {4, 1}}
	if diff := cmp.Diff(want, ComputeSparseMultiIndex(5, 2)); diff != "" {
		t.Fatalf("multi-index mismatch (-want +got):\n%s", diff)
	}
	if got := ComputeSparseMultiIndex(1, 2); got != nil {
		t.Fatalf("expected no indices below the dimension, got %v", got)
	}
}

func TestQuadrature_SparseGridIntegratesPolynomials(t *testing.T) {
	q, err := NewQuadrature(QuadratureConfig{
		Vary:   newVary("a", Uniform(0, 1), "b", Uniform(0, 1)),
		Rule:   RuleClenshawCurtis,
		Sparse: true,
		Level:  4,
	})
	if err != nil {
		t.Fatalf("NewQuadrature failed: %v", err)
	}
	full, err := NewQuadrature(QuadratureConfig{
		Vary:   newVary("a", Uniform(0, 1), "b", Uniform(0, 1)),
		Rule:   RuleClenshawCurtis,
		Orders: []int{4},
	})
	if err != nil {
		t.Fatalf("NewQuadrature failed: %v", err)
	}
	if q.Count() >= full.Count() {
		t.Fatalf("expected sparse grid smaller than tensor grid, got %d >= %d", q.Count(), full.Count())
	}
	// E[a^2 + a*b] = 1/3 + 1/4 for independent U(0,1).
	var sum float64
	for i, node := range q.Nodes() {
		sum += q.Weights()[i] * (node[0]*node[0] + node[0]*node[1])
	}
	assertClose(t, []float64{1.0/3 + 0.25}, []float64{sum})
}

func TestQuadrature_RestoreContinues(t *testing.T) {
	q, err := NewQuadrature(QuadratureConfig{Vary: newVary("a", Uniform(0, 1), "b", Uniform(2, 3)), Orders: []int{2}})
	if err != nil {
		t.Fatalf("NewQuadrature failed: %v", err)
	}
	full := drawAll(t, q)

	q, _ = NewQuadrature(QuadratureConfig{Vary: newVary("a", Uniform(0, 1), "b", Uniform(2, 3)), Orders: []int{2}})
	for i := 0; i < 4; i++ {
		if _, err := q.Next(); err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	restored, err := NewRegistry().Restore(q.Descriptor())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if diff := cmp.Diff(full[4:], drawAll(t, restored)); diff != "" {
		t.Fatalf("restored quadrature mismatch (-want +got):\n%s", diff)
	}
}

func TestCSV_ReplayAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")
	if err := os.WriteFile(path, []byte("x,label\n1.5,a\n2.5,b\n3.5,c\n"), 0o644); err != nil {
		t.Fatalf("failed to write csv: %v", err)
	}
	s, err := NewCSV(path)
	if err != nil {
		t.Fatalf("NewCSV failed: %v", err)
	}
	if s.Count() != 3 {
		t.Fatalf("expected 3 rows, got %d", s.Count())
	}
	first, err := s.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if diff := cmp.Diff(types.Params{"x": 1.5, "label": "a"}, first); diff != "" {
		t.Fatalf("unexpected first row (-want +got):\n%s", diff)
	}

	restored, err := NewRegistry().Restore(s.Descriptor())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	rest := drawAll(t, restored)
	if len(rest) != 2 || rest[0]["label"] != "b" {
		t.Fatalf("unexpected restored rows: %v", rest)
	}

	if _, err := NewCSV(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func newTestMCMC(t *testing.T) *MCMC {
	t.Helper()
	init := orderedmap.New[string, float64]()
	init.Set("x1", -3)
	init.Set("x2", 2)
	m, err := NewMCMC(init, map[string]float64{"x1": 0.5, "x2": 0.5}, 42)
	if err != nil {
		t.Fatalf("NewMCMC failed: %v", err)
	}
	return m
}

func rosenbrockLogp(p types.Params) float64 {
	x1 := p["x1"].(float64)
	x2 := p["x2"].(float64)
	return -((1-x1)*(1-x1) + 100*(x2-x1*x1)*(x2-x1*x1)) / 20
}

func TestMCMC_FirstDrawIsInitialPoint(t *testing.T) {
	m := newTestMCMC(t)
	if m.IsFinite() || m.Count() != -1 {
		t.Fatalf("mcmc should be infinite")
	}
	p, err := m.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if diff := cmp.Diff(types.Params{"x1": -3.0, "x2": 2.0}, p); diff != "" {
		t.Fatalf("unexpected first draw (-want +got):\n%s", diff)
	}
	if _, err := m.Update(rosenbrockLogp(p)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := m.Update(0); err == nil {
		t.Fatalf("expected error for update without proposal")
	}
}

func TestMCMC_RestoreIsExact(t *testing.T) {
	run := func(m *MCMC, steps int) []types.Params {
		var out []types.Params
		for i := 0; i < steps; i++ {
			p, err := m.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if _, err := m.Update(rosenbrockLogp(p)); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			out = append(out, m.Current())
		}
		return out
	}

	full := run(newTestMCMC(t), 30)

	m := newTestMCMC(t)
	head := run(m, 12)
	restored, err := NewRegistry().Restore(m.Descriptor())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	tail := run(restored.(*MCMC), 18)
	if diff := cmp.Diff(full, append(head, tail...)); diff != "" {
		t.Fatalf("restored chain diverged (-want +got):\n%s", diff)
	}
}

func TestRegistry_UnknownSampler(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Restore(types.Descriptor{"sampler": "nope"}); err == nil {
		t.Fatalf("expected error for unknown sampler")
	}
	if diff := cmp.Diff([]string{SweepName, CSVName, MCMCName, QuadratureName}, r.Names()); diff != "" {
		t.Fatalf("unexpected registry names (-want +got):\n%s", diff)
	}
}

func TestRemaining(t *testing.T) {
	s := newTestSweep(t)
	if _, err := s.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if got := Remaining(s); got != 3 {
		t.Fatalf("expected 3 remaining, got %d", got)
	}
	if got := Remaining(newTestMCMC(t)); got != -1 {
		t.Fatalf("expected -1 for infinite sampler, got %d", got)
	}
}
