package sampling

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const MCMCName = "mcmc"

// MCMC is a random-walk Metropolis sampler. Next proposes a point around the
// current state of the chain; Update reports the log target density at the
// last proposal and decides whether the chain moves there. The first draw is
// the initial point itself.
type MCMC struct {
	init     *orderedmap.OrderedMap[string, float64]
	step     map[string]float64
	seed     uint64
	pcg      *rand.PCG
	rng      *rand.Rand
	names    []string
	current  []float64
	logp     float64
	hasLogp  bool
	proposal []float64
	counter  int
	accepted int
}

func NewMCMC(init *orderedmap.OrderedMap[string, float64], step map[string]float64, seed uint64) (*MCMC, error) {
	if init == nil || init.Len() == 0 {
		return nil, fmt.Errorf("mcmc sampler needs an initial point")
	}
	m := &MCMC{init: init, step: map[string]float64{}, seed: seed}
	for pair := init.Oldest(); pair != nil; pair = pair.Next() {
		sigma, ok := step[pair.Key]
		if !ok {
			sigma = 1
		}
		if !(sigma > 0) {
			return nil, fmt.Errorf("mcmc step for %q must be positive, got %g", pair.Key, sigma)
		}
		m.step[pair.Key] = sigma
		m.names = append(m.names, pair.Key)
		m.current = append(m.current, pair.Value)
	}
	m.pcg = rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	m.rng = rand.New(m.pcg)
	return m, nil
}

func RestoreMCMC(desc types.Descriptor) (*MCMC, error) {
	init := orderedmap.New[string, float64]()
	if err := json.Unmarshal([]byte(desc.String("init")), init); err != nil {
		return nil, fmt.Errorf("failed to decode mcmc init: %w", err)
	}
	step := map[string]float64{}
	if raw := desc.String("step"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &step); err != nil {
			return nil, fmt.Errorf("failed to decode mcmc step: %w", err)
		}
	}
	seed, _ := desc.Int("seed")
	m, err := NewMCMC(init, step, uint64(seed))
	if err != nil {
		return nil, err
	}
	if raw := desc.String("rng"); raw != "" {
		state, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode mcmc rng state: %w", err)
		}
		if err := m.pcg.UnmarshalBinary(state); err != nil {
			return nil, fmt.Errorf("failed to restore mcmc rng state: %w", err)
		}
	}
	if raw := desc.String("current"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.current); err != nil {
			return nil, fmt.Errorf("failed to decode mcmc chain state: %w", err)
		}
	}
	if raw := desc.String("proposal"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.proposal); err != nil {
			return nil, fmt.Errorf("failed to decode mcmc proposal: %w", err)
		}
	}
	if len(m.current) != len(m.names) || (m.proposal != nil && len(m.proposal) != len(m.names)) {
		return nil, fmt.Errorf("mcmc descriptor dimensions do not match init point")
	}
	if desc.Bool("has_logp") {
		if v, ok := types.ToFloat(desc["logp"]); ok {
			m.logp = v
			m.hasLogp = true
		}
	}
	m.counter, _ = desc.Int("counter")
	m.accepted, _ = desc.Int("accepted")
	return m, nil
}

func (m *MCMC) Name() string   { return MCMCName }
func (m *MCMC) IsFinite() bool { return false }
func (m *MCMC) Count() int     { return -1 }

func (m *MCMC) Next() (types.Params, error) {
	point := make([]float64, len(m.current))
	if m.counter == 0 {
		copy(point, m.current)
	} else {
		for i, name := range m.names {
			point[i] = m.current[i] + m.step[name]*m.rng.NormFloat64()
		}
	}
	m.proposal = point
	m.counter++
	return m.params(point), nil
}

// Update feeds back the log target density evaluated at the last proposal.
// It reports whether the chain accepted the proposal.
func (m *MCMC) Update(logp float64) (bool, error) {
	if m.proposal == nil {
		return false, fmt.Errorf("mcmc update without a pending proposal")
	}
	accept := !m.hasLogp || math.Log(m.rng.Float64()) < logp-m.logp
	if accept {
		m.current = m.proposal
		m.logp = logp
		m.hasLogp = true
		m.accepted++
	}
	m.proposal = nil
	return accept, nil
}

// Current returns the current state of the chain.
func (m *MCMC) Current() types.Params {
	return m.params(m.current)
}

func (m *MCMC) AcceptanceRate() float64 {
	if m.counter <= 1 || m.accepted == 0 {
		return 0
	}
	return float64(m.accepted-1) / float64(m.counter-1)
}

func (m *MCMC) params(point []float64) types.Params {
	out := make(types.Params, len(point))
	for i, name := range m.names {
		out[name] = point[i]
	}
	return out
}

func (m *MCMC) Descriptor() types.Descriptor {
	init, _ := json.Marshal(m.init)
	step, _ := json.Marshal(m.step)
	current, _ := json.Marshal(m.current)
	rngState, _ := m.pcg.MarshalBinary()
	desc := types.Descriptor{
		"sampler":  MCMCName,
		"init":     string(init),
		"step":     string(step),
		"seed":     int(m.seed),
		"rng":      base64.StdEncoding.EncodeToString(rngState),
		"current":  string(current),
		"has_logp": m.hasLogp,
		"logp":     strconv.FormatFloat(m.logp, 'g', -1, 64),
		"counter":  m.counter,
		"accepted": m.accepted,
	}
	if m.proposal != nil {
		proposal, _ := json.Marshal(m.proposal)
		desc["proposal"] = string(proposal)
	}
	return desc
}
