package state

import (
	"fmt"
	"time"

	"github.com/PipeOpsHQ/uq-campaign-go/types"
)

type AppRecord struct {
	ID        int64              `json:"id"`
	Name      string             `json:"name"`
	Schema    *types.ParamSchema `json:"schema"`
	Encoder   types.Descriptor   `json:"encoder,omitempty"`
	Decoder   types.Descriptor   `json:"decoder,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

type RunRecord struct {
	ID         int64        `json:"id"`
	Name       string       `json:"name"`
	AppID      int64        `json:"appId"`
	EnsembleID string       `json:"ensembleId"`
	Params     types.Params `json:"params"`
	Status     types.Status `json:"status"`
	RunDir     string       `json:"runDir,omitempty"`
	Result     types.Record `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
	Polls      int          `json:"polls,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

type CollationEntry struct {
	RunID      int64        `json:"runId"`
	AppID      int64        `json:"appId"`
	EnsembleID string       `json:"ensembleId"`
	Params     types.Params `json:"params"`
	Result     types.Record `json:"result"`
	CollatedAt time.Time    `json:"collatedAt"`
}

// DrawMark is a campaign's sampler position and next ensemble number as of
// its last committed draw.
type DrawMark struct {
	Campaign     string           `json:"campaign"`
	Sampler      types.Descriptor `json:"sampler,omitempty"`
	NextEnsemble int              `json:"nextEnsemble"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

func RunName(id int64) string {
	return fmt.Sprintf("run_%d", id)
}
