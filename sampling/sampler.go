package sampling

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

// ErrExhausted is returned by Next once a finite sampler has produced its
// last sample. It is the normal end of a sampling pass.
var ErrExhausted = errors.New("sampling: sampler exhausted")

type Sampler interface {
	Name() string
	Next() (types.Params, error)
	IsFinite() bool
	// Count is the total number of samples, or -1 for infinite samplers.
	Count() int
	// Descriptor captures everything needed to continue from the current
	// position after a restart.
	Descriptor() types.Descriptor
}

// Constructor rebuilds a sampler from its restart descriptor.
type Constructor func(desc types.Descriptor) (Sampler, error)

type Registry struct {
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	r := &Registry{constructors: map[string]Constructor{}}
	r.Register(SweepName, func(desc types.Descriptor) (Sampler, error) { return RestoreSweep(desc) })
	r.Register(QuadratureName, func(desc types.Descriptor) (Sampler, error) { return RestoreQuadrature(desc) })
	r.Register(CSVName, func(desc types.Descriptor) (Sampler, error) { return RestoreCSV(desc) })
	r.Register(MCMCName, func(desc types.Descriptor) (Sampler, error) { return RestoreMCMC(desc) })
	return r
}

func (r *Registry) Register(name string, ctor Constructor) {
	name = strings.TrimSpace(name)
	if name == "" || ctor == nil {
		return
	}
	r.constructors[name] = ctor
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Restore(desc types.Descriptor) (Sampler, error) {
	name := desc.String("sampler")
	if name == "" {
		return nil, fmt.Errorf("sampler descriptor has no sampler name")
	}
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown sampler %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	s, err := ctor(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to restore sampler %q: %w", name, err)
	}
	return s, nil
}

// Remaining reports how many samples are left, or -1 for infinite samplers.
func Remaining(s Sampler) int {
	if !s.IsFinite() {
		return -1
	}
	counter, _ := s.Descriptor().Int("counter")
	left := s.Count() - counter
	if left < 0 {
		return 0
	}
	return left
}
