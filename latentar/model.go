// Package latentar provides the reference collaborators the trainer binary
// wires together: a frozen latent tokenizer, a small autoregressive model
// over latent tokens, an SGD optimizer, a cosine learning-rate schedule and
// a deterministic synthetic dataset.
//
// These keep the orchestrator end-to-end runnable without external services;
// a real deployment swaps them for its own model/optimizer/dataloader
// factories behind the same interfaces.
package latentar

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
)

// Model is a first-order autoregressive model over latent tokens: a table of
// next-token logits per current token, trained with cross-entropy.
type Model struct {
	vocab  int
	params map[string][]float32
	grads  map[string][]float32
}

const logitsParam = "ar.logits"

// NewModel creates a model for the given latent vocabulary size, with small
// random initial logits.
func NewModel(vocab int, seed int64) *Model {
	rng := rand.New(rand.NewSource(seed))
	logits := make([]float32, vocab*vocab)
	for i := range logits {
		logits[i] = float32(rng.NormFloat64()) * 0.02
	}
	return &Model{
		vocab:  vocab,
		params: map[string][]float32{logitsParam: logits},
		grads:  map[string][]float32{logitsParam: make([]float32, vocab*vocab)},
	}
}

// Vocab returns the latent vocabulary size.
func (m *Model) Vocab() int { return m.vocab }

// Parameters returns the trainable parameters as named float32 slices.
func (m *Model) Parameters() map[string][]float32 { return m.params }

// accumulate adds the cross-entropy loss and gradient for predicting next
// from cur. Gradients sum until zeroGrad.
func (m *Model) accumulate(cur, next int) float64 {
	row := m.params[logitsParam][cur*m.vocab : (cur+1)*m.vocab]
	grad := m.grads[logitsParam][cur*m.vocab : (cur+1)*m.vocab]

	// Softmax with max subtraction for stability.
	maxLogit := row[0]
	for _, v := range row[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - maxLogit))
	}
	logSum := math.Log(sum) + float64(maxLogit)
	for i, v := range row {
		p := math.Exp(float64(v) - logSum)
		grad[i] += float32(p)
	}
	grad[next] -= 1
	return logSum - float64(row[next])
}

// zeroGrad clears the accumulated gradients.
func (m *Model) zeroGrad() {
	for _, g := range m.grads {
		for i := range g {
			g[i] = 0
		}
	}
}

// SaveWeights writes the current parameters to path as the final exported
// model. Callers merge the EMA shadow in first when configured.
func (m *Model) SaveWeights(path string) error {
	data, err := m.StateBytes()
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write model weights %q", path)
}

// StateBytes implements checkpoints.State.
func (m *Model) StateBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.params); err != nil {
		return nil, errors.Wrap(err, "failed to serialize model parameters")
	}
	return buf.Bytes(), nil
}

// SetStateBytes implements checkpoints.State.
func (m *Model) SetStateBytes(data []byte) error {
	var params map[string][]float32
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&params); err != nil {
		return errors.Wrap(err, "failed to deserialize model parameters")
	}
	logits, found := params[logitsParam]
	if !found || len(logits) != m.vocab*m.vocab {
		return errors.Errorf("model state does not match a vocabulary of %d tokens", m.vocab)
	}
	m.params = params
	return nil
}
