package dataloader

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// InMemory is a dataset whose samples are already decoded into feature vectors.
type InMemory struct {
	features [][]float64
	labels   []int
	classes  int
}

// NewInMemory validates and wraps samples. Labels must lie in [0, classes).
func NewInMemory(features [][]float64, labels []int) (*InMemory, error) {
	if len(features) != len(labels) {
		return nil, fmt.Errorf("features and labels must have same length: %d != %d", len(features), len(labels))
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("no samples provided")
	}

	dim := len(features[0])
	classes := 0
	for i, f := range features {
		if len(f) != dim || dim == 0 {
			return nil, fmt.Errorf("sample %d has %d features, expected %d", i, len(f), dim)
		}
		if labels[i] < 0 {
			return nil, fmt.Errorf("sample %d has negative label %d", i, labels[i])
		}
		if labels[i]+1 > classes {
			classes = labels[i] + 1
		}
	}

	return &InMemory{features: features, labels: labels, classes: classes}, nil
}

// Len returns the number of samples
func (d *InMemory) Len() int {
	return len(d.features)
}

// Get returns the features of sample idx and its label. The slice is shared with the dataset.
func (d *InMemory) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(d.features) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.features))
	}
	return d.features[idx], d.labels[idx], nil
}

// NumClasses returns one more than the largest label
func (d *InMemory) NumClasses() int {
	return d.classes
}

// FeatureDim returns the flattened sample size
func (d *InMemory) FeatureDim() int {
	return len(d.features[0])
}

// SyntheticConfig describes a Gaussian-cluster classification problem.
// CenterSeed fixes the class centres so train and validation splits built
// with different SampleSeeds describe the same task.
type SyntheticConfig struct {
	Samples    int
	Features   int
	Classes    int
	Spread     float64
	CenterSeed int64
	SampleSeed int64
}

// DefaultSyntheticConfig returns a small, quickly separable problem
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Samples:    512,
		Features:   16,
		Classes:    4,
		Spread:     1.0,
		CenterSeed: 1,
		SampleSeed: 2,
	}
}

// Synthetic generates an in-memory dataset from cfg
func Synthetic(cfg SyntheticConfig) (*InMemory, error) {
	if cfg.Samples <= 0 || cfg.Features <= 0 || cfg.Classes < 2 {
		return nil, fmt.Errorf("invalid synthetic config: %+v", cfg)
	}

	centerRNG := rand.New(rand.NewSource(cfg.CenterSeed))
	centers := make([][]float64, cfg.Classes)
	for c := range centers {
		centers[c] = make([]float64, cfg.Features)
		for j := range centers[c] {
			centers[c][j] = centerRNG.NormFloat64() * 3
		}
	}

	rng := rand.New(rand.NewSource(cfg.SampleSeed))
	features := make([][]float64, cfg.Samples)
	labels := make([]int, cfg.Samples)
	for i := range features {
		c := i % cfg.Classes
		features[i] = make([]float64, cfg.Features)
		for j := range features[i] {
			features[i][j] = centers[c][j] + rng.NormFloat64()*cfg.Spread
		}
		labels[i] = c
	}

	return NewInMemory(features, labels)
}

// LoadCSV reads "f1,f2,...,fn,label" rows. A non-numeric first row is treated as a header.
func LoadCSV(path string) (*InMemory, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	var features [][]float64
	var labels []int
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("%s:%d: need at least one feature and a label", path, line)
		}

		row := make([]float64, len(record)-1)
		numeric := true
		for j := range row {
			row[j], err = strconv.ParseFloat(strings.TrimSpace(record[j]), 64)
			if err != nil {
				numeric = false
				break
			}
		}
		if !numeric {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%s:%d: non-numeric feature", path, line)
		}

		label, err := strconv.Atoi(strings.TrimSpace(record[len(record)-1]))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid label: %w", path, line, err)
		}
		features = append(features, row)
		labels = append(labels, label)
	}

	return NewInMemory(features, labels)
}
