package latentar

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/ali-vilab/alitok/train"
)

// Batch is one micro-batch of (current token, next token) training pairs.
type Batch struct {
	Inputs  []int
	Targets []int
}

// Dataset synthesizes deterministic latent-token pairs: each process draws
// its own rank-sharded stream from a seeded generator, so a run is
// reproducible for a fixed (seed, rank) and workers never see identical
// batches.
type Dataset struct {
	vocab           int
	batchSize       int
	batchesPerEpoch int
	seed            int64
	rank            int

	epoch   int
	yielded int
	rng     *rand.Rand
}

// NewDataset creates the shard for one process. batchesPerEpoch should come
// from the plan's bookkeeping so every worker performs the same number of
// yields per epoch.
func NewDataset(vocab, batchSize, batchesPerEpoch int, seed int64, rank int) (*Dataset, error) {
	if vocab < 2 {
		return nil, errors.Errorf("latent vocabulary must have at least 2 tokens, got %d", vocab)
	}
	if batchSize <= 0 || batchesPerEpoch <= 0 {
		return nil, errors.Errorf("invalid dataset shape: batchSize=%d batchesPerEpoch=%d", batchSize, batchesPerEpoch)
	}
	ds := &Dataset{
		vocab:           vocab,
		batchSize:       batchSize,
		batchesPerEpoch: batchesPerEpoch,
		seed:            seed,
		rank:            rank,
	}
	ds.reseed()
	return ds, nil
}

func (ds *Dataset) reseed() {
	// Epoch and rank both enter the stream seed: resume at an epoch
	// boundary replays that epoch's ordering, and ranks stay disjoint.
	ds.rng = rand.New(rand.NewSource(ds.seed + int64(ds.epoch)*7919 + int64(ds.rank)*104729))
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (train.Batch, error) {
	if ds.yielded >= ds.batchesPerEpoch {
		return nil, io.EOF
	}
	ds.yielded++
	batch := &Batch{
		Inputs:  make([]int, ds.batchSize),
		Targets: make([]int, ds.batchSize),
	}
	for i := 0; i < ds.batchSize; i++ {
		cur := ds.rng.Intn(ds.vocab)
		// A mostly-deterministic successor with occasional noise gives
		// the model a learnable structure.
		next := (cur*7 + 3) % ds.vocab
		if ds.rng.Float64() < 0.1 {
			next = ds.rng.Intn(ds.vocab)
		}
		batch.Inputs[i] = cur
		batch.Targets[i] = next
	}
	return batch, nil
}

// Reset implements train.Dataset, restarting the shard for the next epoch.
func (ds *Dataset) Reset() error {
	ds.epoch++
	ds.yielded = 0
	ds.reseed()
	return nil
}
