package latentar

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"os"

	"github.com/pkg/errors"
)

// Tokenizer is the frozen latent tokenizer: a fixed codebook mapping feature
// vectors to latent token ids. It is never trained here; its weights are
// loaded once at startup and only used for inference-time encoding.
type Tokenizer struct {
	vocab int
	dim   int
	code  []float32 // vocab rows of dim values.
}

// NewTokenizer creates a tokenizer with a deterministic random codebook.
// Used to bootstrap a workspace that has no downloaded weights yet.
func NewTokenizer(vocab, dim int, seed int64) *Tokenizer {
	rng := rand.New(rand.NewSource(seed))
	code := make([]float32, vocab*dim)
	for i := range code {
		code[i] = float32(rng.NormFloat64())
	}
	return &Tokenizer{vocab: vocab, dim: dim, code: code}
}

// Vocab returns the codebook size.
func (t *Tokenizer) Vocab() int { return t.vocab }

// Dim returns the feature dimension of the codebook rows.
func (t *Tokenizer) Dim() int { return t.dim }

// Encode quantizes a feature vector to the nearest codebook row.
func (t *Tokenizer) Encode(features []float32) (int, error) {
	if len(features) != t.dim {
		return 0, errors.Errorf("tokenizer expects %d features, got %d", t.dim, len(features))
	}
	best, bestDist := 0, float32(0)
	for row := 0; row < t.vocab; row++ {
		var dist float32
		for i, f := range features {
			d := t.code[row*t.dim+i] - f
			dist += d * d
		}
		if row == 0 || dist < bestDist {
			best, bestDist = row, dist
		}
	}
	return best, nil
}

// tokenizerWeights is the on-disk form of the codebook.
type tokenizerWeights struct {
	Vocab int
	Dim   int
	Code  []float32
}

// LoadTokenizer reads tokenizer weights from path. strict requires the file
// to carry a complete codebook; a missing or truncated file is an error
// either way, since training against an unintended tokenizer silently
// produces garbage latents.
func LoadTokenizer(path string, strict bool) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer weights %q", path)
	}
	var w tokenizerWeights
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, errors.Wrapf(err, "failed to decode tokenizer weights %q", path)
	}
	if w.Vocab <= 0 || w.Dim <= 0 || (strict && len(w.Code) != w.Vocab*w.Dim) {
		return nil, errors.Errorf("tokenizer weights %q are incomplete: vocab=%d dim=%d values=%d",
			path, w.Vocab, w.Dim, len(w.Code))
	}
	return &Tokenizer{vocab: w.Vocab, dim: w.Dim, code: w.Code}, nil
}

// SaveWeights writes the codebook to path.
func (t *Tokenizer) SaveWeights(path string) error {
	var buf bytes.Buffer
	w := tokenizerWeights{Vocab: t.vocab, Dim: t.dim, Code: t.code}
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return errors.Wrap(err, "failed to encode tokenizer weights")
	}
	return errors.Wrapf(os.WriteFile(path, buf.Bytes(), 0o644), "failed to write tokenizer weights %q", path)
}
