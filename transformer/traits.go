// Package transformer - Generische Transformer-Engine
// Dieses Modul beschreibt die Architektur-Eigenschaften, über die ein
// Block parametriert wird. Eine Architektur ist eine Kombination aus
// Rotationskonvention, Normierungsart, Residual-Topologie und
// Kopfgruppierung statt einer eigenen Klasse pro Modellfamilie.
package transformer

import "github.com/meshlm/meshlm/ml/nn"

// NormKind selects the normalization layer used throughout a model.
type NormKind int

const (
	NormLayerNorm NormKind = iota
	NormRMSNorm
)

func (k NormKind) String() string {
	switch k {
	case NormLayerNorm:
		return "layernorm"
	case NormRMSNorm:
		return "rmsnorm"
	default:
		return "unknown"
	}
}

// ResidualKind selects how attention and MLP combine with the residual
// stream.
type ResidualKind int

const (
	// ResidualSequential runs attention, adds the residual, then runs
	// the MLP on a second normalization of the sum.
	ResidualSequential ResidualKind = iota
	// ResidualParallel feeds attention and MLP the same normalized
	// input and adds both to the residual at once.
	ResidualParallel
)

func (k ResidualKind) String() string {
	switch k {
	case ResidualSequential:
		return "sequential"
	case ResidualParallel:
		return "parallel"
	default:
		return "unknown"
	}
}

// Traits captures everything that distinguishes one decoder
// architecture from another beyond plain dimensions.
type Traits struct {
	// Rotary is the rotation convention for query/key positions.
	// RotaryNone switches positional information to alibi or learned
	// embeddings.
	Rotary nn.RotaryKind

	// Norm picks LayerNorm or RMSNorm for every normalization site.
	Norm NormKind

	// Residual picks the block topology.
	Residual ResidualKind

	// Alibi adds the head-wise linear distance penalty to the scores.
	Alibi bool

	// LearnedPositions adds a trained position embedding table to the
	// token embeddings (OPT style) instead of rotating queries/keys.
	LearnedPositions bool

	// ParallelNorms gives the parallel topology a second norm: the MLP
	// branch reads its own normalization of the residual stream
	// (GPT-NeoX) instead of sharing the attention branch's.
	ParallelNorms bool

	// FusedQKV projects query, key and value with one matrix and
	// splits the result, instead of three separate projections.
	FusedQKV bool

	// GatedMLP uses the gated two-branch MLP (gate * up -> down)
	// instead of the plain up -> activation -> down form.
	GatedMLP bool

	// ProjectionBias adds bias terms to the attention and MLP
	// projections.
	ProjectionBias bool

	// TiedEmbeddings shares the token embedding table with the output
	// head: the logits projection reads the same tensor the embedding
	// lookup does, so converted or retrained weights can never drift
	// apart.
	TiedEmbeddings bool
}
