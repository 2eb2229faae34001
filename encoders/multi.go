package encoders

import (
	"encoding/json"
	"fmt"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

const MultiName = "multi_encoder"

// MultiEncoder runs several encoders against the same run directory, in
// order. The first failure stops the chain.
type MultiEncoder struct {
	Encoders []Encoder
}

func NewMulti(encoders ...Encoder) (*MultiEncoder, error) {
	if len(encoders) == 0 {
		return nil, fmt.Errorf("multi encoder needs at least one encoder")
	}
	return &MultiEncoder{Encoders: encoders}, nil
}

func RestoreMulti(desc types.Descriptor, r *Registry) (*MultiEncoder, error) {
	var children []types.Descriptor
	if err := json.Unmarshal([]byte(desc.String("encoders")), &children); err != nil {
		return nil, fmt.Errorf("failed to decode multi encoder children: %w", err)
	}
	encoders := make([]Encoder, 0, len(children))
	for i, child := range children {
		enc, err := r.Restore(child)
		if err != nil {
			return nil, fmt.Errorf("multi encoder child %d: %w", i, err)
		}
		encoders = append(encoders, enc)
	}
	return NewMulti(encoders...)
}

func (m *MultiEncoder) Name() string { return MultiName }

func (m *MultiEncoder) Encode(params types.Params, dir string) error {
	for _, enc := range m.Encoders {
		if err := enc.Encode(params, dir); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiEncoder) Descriptor() types.Descriptor {
	children := make([]types.Descriptor, 0, len(m.Encoders))
	for _, enc := range m.Encoders {
		children = append(children, enc.Descriptor())
	}
	raw, _ := json.Marshal(children)
	return types.Descriptor{
		"encoder":  MultiName,
		"encoders": string(raw),
	}
}
