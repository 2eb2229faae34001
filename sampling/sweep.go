package sampling

import (
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const SweepName = "basic_sweep"

// Sweep iterates the Cartesian product of per-parameter value lists. The
// first declared parameter varies slowest.
type Sweep struct {
	sweep   *orderedmap.OrderedMap[string, []any]
	names   []string
	sizes   []int
	total   int
	counter int
}

func NewSweep(sweep *orderedmap.OrderedMap[string, []any]) (*Sweep, error) {
	if sweep == nil || sweep.Len() == 0 {
		return nil, fmt.Errorf("sweep needs at least one parameter")
	}
	s := &Sweep{sweep: sweep, total: 1}
	for pair := sweep.Oldest(); pair != nil; pair = pair.Next() {
		if len(pair.Value) == 0 {
			return nil, fmt.Errorf("sweep parameter %q has no values", pair.Key)
		}
		s.names = append(s.names, pair.Key)
		s.sizes = append(s.sizes, len(pair.Value))
		s.total *= len(pair.Value)
	}
	return s, nil
}

// RestoreSweep rebuilds a sweep from its descriptor. The "sweep" value is a
// JSON object whose key order is the iteration order.
func RestoreSweep(desc types.Descriptor) (*Sweep, error) {
	raw := desc.String("sweep")
	if raw == "" {
		return nil, fmt.Errorf("sweep descriptor has no sweep definition")
	}
	def := orderedmap.New[string, []any]()
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("failed to decode sweep definition: %w", err)
	}
	s, err := NewSweep(def)
	if err != nil {
		return nil, err
	}
	if counter, ok := desc.Int("counter"); ok {
		if counter < 0 || counter > s.total {
			return nil, fmt.Errorf("sweep counter %d out of range [0,%d]", counter, s.total)
		}
		s.counter = counter
	}
	return s, nil
}

func (s *Sweep) Name() string   { return SweepName }
func (s *Sweep) IsFinite() bool { return true }
func (s *Sweep) Count() int     { return s.total }

func (s *Sweep) Next() (types.Params, error) {
	if s.counter >= s.total {
		return nil, ErrExhausted
	}
	params := s.at(s.counter)
	s.counter++
	return params, nil
}

func (s *Sweep) at(index int) types.Params {
	params := make(types.Params, len(s.names))
	rem := index
	for i := len(s.names) - 1; i >= 0; i-- {
		values, _ := s.sweep.Get(s.names[i])
		params[s.names[i]] = values[rem%s.sizes[i]]
		rem /= s.sizes[i]
	}
	return params
}

func (s *Sweep) Descriptor() types.Descriptor {
	raw, _ := json.Marshal(s.sweep)
	return types.Descriptor{
		"sampler": SweepName,
		"sweep":   string(raw),
		"counter": s.counter,
	}
}
