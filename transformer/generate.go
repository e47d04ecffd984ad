// Modul: generate.go
// Beschreibung: Greedy-Decoding über den schichtweisen Cache. Der
// Prompt läuft als ein Schritt durch, danach folgt pro Token ein
// Einzelschritt am Cursor.
package transformer

import (
	"fmt"
	"log/slog"

	"github.com/meshlm/meshlm/ml"
)

// Generate runs greedy decoding: the prompt is processed as one cached
// step, then steps further tokens one at a time. It returns the full
// sequences including the prompt. Deterministic for a fixed seed and
// fixed weights.
func (m *Model) Generate(prompt [][]int32, steps int) ([][]int32, error) {
	if len(prompt) == 0 || len(prompt[0]) == 0 {
		return nil, fmt.Errorf("transformer: empty prompt")
	}
	batch, promptLen := len(prompt), len(prompt[0])
	for b, row := range prompt {
		if len(row) != promptLen {
			return nil, fmt.Errorf("transformer: prompt row %d has length %d, want %d", b, len(row), promptLen)
		}
	}
	if promptLen+steps > m.Config.MaxPositions {
		return nil, fmt.Errorf("transformer: prompt %d + steps %d exceeds max positions %d",
			promptLen, steps, m.Config.MaxPositions)
	}

	caches := m.NewCaches()
	seqs := make([][]int32, batch)
	for b := range seqs {
		seqs[b] = append([]int32(nil), prompt[b]...)
	}

	positions := make([][]int32, batch)
	for b := range positions {
		positions[b] = make([]int32, promptLen)
		for i := range positions[b] {
			positions[b][i] = int32(i)
		}
	}

	logits, err := m.Forward(prompt, positions, nil, caches, true)
	if err != nil {
		return nil, err
	}

	// Each generated token runs through the cache as its own decode
	// step, so the cursor ends at promptLen+steps.
	for step := 0; step < steps; step++ {
		next := argmaxLast(logits)
		ids := make([][]int32, batch)
		pos := make([][]int32, batch)
		for b := range seqs {
			seqs[b] = append(seqs[b], next[b])
			ids[b] = []int32{next[b]}
			pos[b] = []int32{int32(len(seqs[b]) - 1)}
		}
		if logits, err = m.Forward(ids, pos, nil, caches, true); err != nil {
			return nil, err
		}
	}

	slog.Debug("generation finished",
		"batch", batch,
		"prompt_len", promptLen,
		"steps", steps,
		"cursor", caches[0].Index())
	return seqs, nil
}

// argmaxLast picks the highest-scoring token of each batch row's final
// position from logits [batch, seq, vocab].
func argmaxLast(logits *ml.Tensor) []int32 {
	batch, seq, vocab := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	data := logits.Floats()
	out := make([]int32, batch)
	for b := 0; b < batch; b++ {
		row := data[(b*seq+seq-1)*vocab : (b*seq+seq)*vocab]
		best := 0
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		out[b] = int32(best)
	}
	return out
}
