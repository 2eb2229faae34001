package sampling

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const QuadratureName = "quadrature"

const (
	RuleGauss          = "gauss"
	RuleClenshawCurtis = "clenshaw_curtis"
)

type Distribution struct {
	Kind  string  `json:"kind"`
	Lower float64 `json:"lower,omitempty"`
	Upper float64 `json:"upper,omitempty"`
	Mu    float64 `json:"mu,omitempty"`
	Sigma float64 `json:"sigma,omitempty"`
}

func Uniform(lower, upper float64) Distribution {
	return Distribution{Kind: "uniform", Lower: lower, Upper: upper}
}

func Normal(mu, sigma float64) Distribution {
	return Distribution{Kind: "normal", Mu: mu, Sigma: sigma}
}

func (d Distribution) validate() error {
	switch d.Kind {
	case "uniform":
		if !(d.Upper > d.Lower) {
			return fmt.Errorf("uniform distribution needs lower < upper, got [%g,%g]", d.Lower, d.Upper)
		}
	case "normal":
		if !(d.Sigma > 0) {
			return fmt.Errorf("normal distribution needs sigma > 0, got %g", d.Sigma)
		}
	default:
		return fmt.Errorf("unsupported distribution %q", d.Kind)
	}
	return nil
}

func (d Distribution) rule(rule string, n int) (Rule1D, error) {
	var (
		ref Rule1D
		err error
	)
	switch {
	case d.Kind == "normal" && rule == RuleGauss:
		ref, err = gaussHermite(n)
	case d.Kind == "normal":
		return Rule1D{}, fmt.Errorf("rule %q is not available for normal distributions", rule)
	case rule == RuleClenshawCurtis:
		ref, err = clenshawCurtis(n)
	default:
		ref, err = gaussLegendre(n)
	}
	if err != nil {
		return Rule1D{}, err
	}
	out := Rule1D{Nodes: make([]float64, n), Weights: append([]float64(nil), ref.Weights...)}
	for i, x := range ref.Nodes {
		if d.Kind == "normal" {
			out.Nodes[i] = d.Mu + d.Sigma*x
		} else {
			out.Nodes[i] = d.Lower + (d.Upper-d.Lower)*(x+1)/2
		}
	}
	return out, nil
}

type QuadratureConfig struct {
	Vary *orderedmap.OrderedMap[string, Distribution]
	// Orders holds the polynomial order per dimension; order p gives p+1
	// nodes. A single entry applies to every dimension.
	Orders []int
	Rule   string
	Sparse bool
	// Level is the Smolyak level for sparse grids. Zero means the maximum
	// order plus the number of dimensions.
	Level int
}

// Quadrature produces the nodes of a tensor or sparse quadrature grid in a
// fixed order. Weights are exposed for the analysis that consumes the runs.
type Quadrature struct {
	cfg     QuadratureConfig
	names   []string
	nodes   [][]float64
	weights []float64
	counter int
}

func NewQuadrature(cfg QuadratureConfig) (*Quadrature, error) {
	if cfg.Vary == nil || cfg.Vary.Len() == 0 {
		return nil, fmt.Errorf("quadrature sampler needs at least one varying parameter")
	}
	cfg.Rule = strings.ToLower(strings.TrimSpace(cfg.Rule))
	if cfg.Rule == "" {
		cfg.Rule = RuleGauss
	}
	if cfg.Rule != RuleGauss && cfg.Rule != RuleClenshawCurtis {
		return nil, fmt.Errorf("unsupported quadrature rule %q", cfg.Rule)
	}

	q := &Quadrature{cfg: cfg}
	dists := make([]Distribution, 0, cfg.Vary.Len())
	for pair := cfg.Vary.Oldest(); pair != nil; pair = pair.Next() {
		if err := pair.Value.validate(); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", pair.Key, err)
		}
		q.names = append(q.names, pair.Key)
		dists = append(dists, pair.Value)
	}
	orders, err := expandOrders(cfg.Orders, len(dists))
	if err != nil {
		return nil, err
	}
	q.cfg.Orders = orders

	if cfg.Sparse {
		level := cfg.Level
		if level == 0 {
			level = maxInt(orders) + len(dists)
		}
		if level < len(dists) {
			return nil, fmt.Errorf("sparse level %d must be at least the number of dimensions %d", level, len(dists))
		}
		q.cfg.Level = level
		q.nodes, q.weights, err = sparseGrid(dists, cfg.Rule, level)
	} else {
		q.nodes, q.weights, err = tensorGrid(dists, cfg.Rule, orders)
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

func RestoreQuadrature(desc types.Descriptor) (*Quadrature, error) {
	vary := orderedmap.New[string, Distribution]()
	if err := json.Unmarshal([]byte(desc.String("vary")), vary); err != nil {
		return nil, fmt.Errorf("failed to decode quadrature vary: %w", err)
	}
	var orders []int
	if raw := desc.String("orders"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &orders); err != nil {
			return nil, fmt.Errorf("failed to decode quadrature orders: %w", err)
		}
	}
	level, _ := desc.Int("level")
	q, err := NewQuadrature(QuadratureConfig{
		Vary:   vary,
		Orders: orders,
		Rule:   desc.String("rule"),
		Sparse: desc.Bool("sparse"),
		Level:  level,
	})
	if err != nil {
		return nil, err
	}
	if counter, ok := desc.Int("counter"); ok {
		if counter < 0 || counter > len(q.nodes) {
			return nil, fmt.Errorf("quadrature counter %d out of range [0,%d]", counter, len(q.nodes))
		}
		q.counter = counter
	}
	return q, nil
}

func (q *Quadrature) Name() string   { return QuadratureName }
func (q *Quadrature) IsFinite() bool { return true }
func (q *Quadrature) Count() int     { return len(q.nodes) }

func (q *Quadrature) Next() (types.Params, error) {
	if q.counter >= len(q.nodes) {
		return nil, ErrExhausted
	}
	node := q.nodes[q.counter]
	params := make(types.Params, len(q.names))
	for i, name := range q.names {
		params[name] = node[i]
	}
	q.counter++
	return params, nil
}

// Nodes returns a copy of the grid, one row per sample in draw order.
func (q *Quadrature) Nodes() [][]float64 {
	out := make([][]float64, len(q.nodes))
	for i, row := range q.nodes {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

func (q *Quadrature) Weights() []float64 {
	return append([]float64(nil), q.weights...)
}

func (q *Quadrature) Descriptor() types.Descriptor {
	vary, _ := json.Marshal(q.cfg.Vary)
	orders, _ := json.Marshal(q.cfg.Orders)
	desc := types.Descriptor{
		"sampler": QuadratureName,
		"vary":    string(vary),
		"orders":  string(orders),
		"rule":    q.cfg.Rule,
		"sparse":  q.cfg.Sparse,
		"counter": q.counter,
	}
	if q.cfg.Sparse {
		desc["level"] = q.cfg.Level
	}
	return desc
}

func expandOrders(orders []int, dims int) ([]int, error) {
	switch len(orders) {
	case 0:
		orders = []int{1}
		fallthrough
	case 1:
		out := make([]int, dims)
		for i := range out {
			out[i] = orders[0]
		}
		orders = out
	case dims:
		orders = append([]int(nil), orders...)
	default:
		return nil, fmt.Errorf("got %d polynomial orders for %d parameters", len(orders), dims)
	}
	for _, p := range orders {
		if p < 0 {
			return nil, fmt.Errorf("polynomial order must be non-negative, got %d", p)
		}
	}
	return orders, nil
}

// tensorGrid builds the full product grid; the first dimension varies
// slowest.
func tensorGrid(dists []Distribution, rule string, orders []int) ([][]float64, []float64, error) {
	rules := make([]Rule1D, len(dists))
	for i, d := range dists {
		r, err := d.rule(rule, orders[i]+1)
		if err != nil {
			return nil, nil, err
		}
		rules[i] = r
	}
	nodes, weights := product(rules)
	return nodes, weights, nil
}

func product(rules []Rule1D) ([][]float64, []float64) {
	nodes := [][]float64{{}}
	weights := []float64{1}
	for _, r := range rules {
		nextNodes := make([][]float64, 0, len(nodes)*len(r.Nodes))
		nextWeights := make([]float64, 0, len(nodes)*len(r.Nodes))
		for i, prefix := range nodes {
			for j, x := range r.Nodes {
				row := make([]float64, len(prefix)+1)
				copy(row, prefix)
				row[len(prefix)] = x
				nextNodes = append(nextNodes, row)
				nextWeights = append(nextWeights, weights[i]*r.Weights[j])
			}
		}
		nodes, weights = nextNodes, nextWeights
	}
	return nodes, weights
}

// sparseGrid applies the Smolyak combination technique. Points shared by
// several component grids are merged in first-seen order and their weights
// summed.
func sparseGrid(dists []Distribution, rule string, level int) ([][]float64, []float64, error) {
	dims := len(dists)
	var (
		nodes   [][]float64
		weights []float64
		seen    = map[string]int{}
	)
	for _, l := range ComputeSparseMultiIndex(level, dims) {
		norm := 0
		for _, li := range l {
			norm += li
		}
		if level-norm > dims-1 {
			continue
		}
		coeff := float64(binomial(dims-1, level-norm))
		if (level-norm)%2 == 1 {
			coeff = -coeff
		}
		rules := make([]Rule1D, dims)
		for i, d := range dists {
			r, err := d.rule(rule, levelPoints(rule, l[i]))
			if err != nil {
				return nil, nil, err
			}
			rules[i] = r
		}
		compNodes, compWeights := product(rules)
		for i, node := range compNodes {
			key := nodeKey(node)
			if idx, ok := seen[key]; ok {
				weights[idx] += coeff * compWeights[i]
				continue
			}
			seen[key] = len(nodes)
			nodes = append(nodes, node)
			weights = append(weights, coeff*compWeights[i])
		}
	}
	return nodes, weights, nil
}

// levelPoints maps a one-dimensional level (starting at 1) to a point count.
// Clenshaw-Curtis uses the nested doubling rule.
func levelPoints(rule string, level int) int {
	if rule == RuleClenshawCurtis {
		if level <= 1 {
			return 1
		}
		return 1<<(level-1) + 1
	}
	return level
}

// ComputeSparseMultiIndex lists every multi-index of the given dimension with
// entries >= 1 and entry sum <= level, in lexicographic order.
func ComputeSparseMultiIndex(level, dims int) [][]int {
	if dims < 1 || level < dims {
		return nil
	}
	var (
		out     [][]int
		current = make([]int, dims)
		walk    func(pos, budget int)
	)
	walk = func(pos, budget int) {
		if pos == dims {
			out = append(out, append([]int(nil), current...))
			return
		}
		// Leave at least one for each remaining position.
		maxHere := budget - (dims - pos - 1)
		for v := 1; v <= maxHere; v++ {
			current[pos] = v
			walk(pos+1, budget-v)
		}
	}
	walk(0, level)
	return out
}

func binomial(n, k int) int {
	if k < 0 || k > n {
		return 0
	}
	out := 1
	for i := 1; i <= k; i++ {
		out = out * (n - k + i) / i
	}
	return out
}

func nodeKey(node []float64) string {
	var b strings.Builder
	for i, x := range node {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%x", math.Float64bits(x))
	}
	return b.String()
}

func maxInt(values []int) int {
	out := 0
	for _, v := range values {
		if v > out {
			out = v
		}
	}
	return out
}
