package dataloader

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/tsawler/go-landscape/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	// Len returns the total number of samples
	Len() int
	// Get returns a single flattened sample
	Get(idx int) (features []float64, label int, err error)
}

// Classes is implemented by datasets that know their label space.
type Classes interface {
	NumClasses() int
}

// Batch represents a batch of data and labels
type Batch struct {
	Inputs *tensor.Tensor // [batch, features]
	Labels []int
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Labels)
}

// BatchIterator yields batches until io.EOF. Endless iterators never return io.EOF.
type BatchIterator interface {
	Next() (*Batch, error)
}

// DataLoader provides batching, shuffling and rank sharding over a Dataset.
// Iterators are cheap and independent: every call to Iter or Endless starts
// a fresh pass that does not disturb other iterators.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	seed      int64
	rank      int
	world     int
	epoch     int
	streams   int64
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		seed:      seed,
		world:     1,
	}, nil
}

// WithShard restricts the loader to every world-th sample starting at rank.
func (dl *DataLoader) WithShard(rank, world int) (*DataLoader, error) {
	if world < 1 || rank < 0 || rank >= world {
		return nil, fmt.Errorf("invalid shard %d of %d", rank, world)
	}
	if dl.dataset.Len() < world {
		return nil, fmt.Errorf("dataset of %d samples cannot be split across %d workers", dl.dataset.Len(), world)
	}

	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.rank = rank
	dl.world = world
	return dl, nil
}

// SetEpoch changes the shuffle order of subsequent iterators.
func (dl *DataLoader) SetEpoch(epoch int) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.epoch = epoch
}

// Dataset returns the underlying dataset
func (dl *DataLoader) Dataset() Dataset {
	return dl.dataset
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Len returns the number of batches in one pass over this loader's shard
func (dl *DataLoader) Len() int {
	n := len(dl.shardIndices())
	return (n + dl.batchSize - 1) / dl.batchSize
}

// Iter starts a single pass over the shard. Next returns io.EOF at the end.
func (dl *DataLoader) Iter() BatchIterator {
	dl.mutex.Lock()
	seed := dl.seed + int64(dl.epoch)*7919
	dl.mutex.Unlock()
	return dl.newIterator(seed, false)
}

// Endless returns an iterator that restarts with a new shuffle whenever it
// reaches the end of the shard.
func (dl *DataLoader) Endless() BatchIterator {
	stream := atomic.AddInt64(&dl.streams, 1)
	dl.mutex.Lock()
	seed := dl.seed + int64(dl.epoch)*7919 + stream*104729
	dl.mutex.Unlock()
	return dl.newIterator(seed, true)
}

func (dl *DataLoader) shardIndices() []int {
	dl.mutex.Lock()
	rank, world := dl.rank, dl.world
	dl.mutex.Unlock()

	indices := make([]int, 0, dl.dataset.Len()/world+1)
	for i := rank; i < dl.dataset.Len(); i += world {
		indices = append(indices, i)
	}
	return indices
}

func (dl *DataLoader) newIterator(seed int64, endless bool) *Iterator {
	it := &Iterator{
		loader:  dl,
		indices: dl.shardIndices(),
		endless: endless,
		rng:     rand.New(rand.NewSource(seed)),
	}
	it.reshuffle()
	return it
}

// Iterator walks a DataLoader shard. It is not safe for concurrent use.
type Iterator struct {
	loader   *DataLoader
	indices  []int
	position int
	endless  bool
	rng      *rand.Rand
}

func (it *Iterator) reshuffle() {
	if !it.loader.shuffle {
		return
	}
	it.rng.Shuffle(len(it.indices), func(i, j int) {
		it.indices[i], it.indices[j] = it.indices[j], it.indices[i]
	})
}

// Next returns the next batch, or io.EOF when a finite pass is complete
func (it *Iterator) Next() (*Batch, error) {
	if it.position >= len(it.indices) {
		if !it.endless {
			return nil, io.EOF
		}
		it.position = 0
		it.reshuffle()
	}

	batchEnd := it.position + it.loader.batchSize
	if batchEnd > len(it.indices) {
		batchEnd = len(it.indices)
	}
	batchIndices := it.indices[it.position:batchEnd]
	it.position = batchEnd

	batch, err := it.loader.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// loadBatch loads a batch of samples and combines them into a batched tensor
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	first, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %w", indices[0], err)
	}
	featureDim := len(first)

	inputs, err := tensor.Zeros([]int{len(indices), featureDim})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch tensor: %w", err)
	}
	labels := make([]int, len(indices))

	copy(inputs.Data[:featureDim], first)
	labels[0] = firstLabel

	for i := 1; i < len(indices); i++ {
		features, label, err := dl.dataset.Get(indices[i])
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", indices[i], err)
		}
		if len(features) != featureDim {
			return nil, fmt.Errorf("sample %d has %d features, expected %d", indices[i], len(features), featureDim)
		}
		copy(inputs.Data[i*featureDim:(i+1)*featureDim], features)
		labels[i] = label
	}

	return &Batch{Inputs: inputs, Labels: labels}, nil
}

// Drain reads every remaining batch of a finite iterator.
func Drain(it BatchIterator) ([]*Batch, error) {
	var batches []*Batch
	for {
		b, err := it.Next()
		if err == io.EOF {
			return batches, nil
		}
		if err != nil {
			return batches, err
		}
		batches = append(batches, b)
	}
}
