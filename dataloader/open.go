package dataloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Split names follow the torchvision ImageFolder convention.
const (
	SplitTrain = "train"
	SplitVal   = "val"
)

// DefaultCacheSamples bounds the decoded images Open keeps per split.
const DefaultCacheSamples = 8192

// Sized is implemented by every dataset Open can return.
type Sized interface {
	Dataset
	Classes
	FeatureDim() int
}

// Open resolves a data location for one split:
//
//	<dir>/<split>/<class>/*.png   image folder
//	<dir>/<split>.csv             feature rows with a trailing label
//	synthetic[:k=v,...]           generated Gaussian clusters
func Open(location, split string, imageSize int) (Sized, error) {
	if strings.HasPrefix(location, "synthetic") {
		cfg, err := parseSynthetic(location)
		if err != nil {
			return nil, err
		}
		if split != SplitTrain {
			cfg.SampleSeed += 1000003
			cfg.Samples = cfg.Samples/4 + 1
		}
		return Synthetic(cfg)
	}

	dir := filepath.Join(location, split)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		ds, err := NewImageFolderDataset(dir, imageSize, nil)
		if err != nil {
			return nil, err
		}
		return ds.WithCache(DefaultCacheSamples), nil
	}

	csvPath := dir + ".csv"
	if _, err := os.Stat(csvPath); err == nil {
		return LoadCSV(csvPath)
	}

	return nil, fmt.Errorf("no %s data under %s (expected %s/ or %s)", split, location, dir, csvPath)
}

// parseSynthetic reads "synthetic:samples=512,features=16,classes=4,spread=1,seed=7"
func parseSynthetic(location string) (SyntheticConfig, error) {
	cfg := DefaultSyntheticConfig()
	_, opts, found := strings.Cut(location, ":")
	if !found || opts == "" {
		return cfg, nil
	}

	for _, kv := range strings.Split(opts, ",") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return cfg, fmt.Errorf("malformed synthetic option %q", kv)
		}
		var err error
		switch strings.TrimSpace(key) {
		case "samples":
			cfg.Samples, err = strconv.Atoi(value)
		case "features":
			cfg.Features, err = strconv.Atoi(value)
		case "classes":
			cfg.Classes, err = strconv.Atoi(value)
		case "spread":
			cfg.Spread, err = strconv.ParseFloat(value, 64)
		case "seed":
			var seed int64
			seed, err = strconv.ParseInt(value, 10, 64)
			cfg.CenterSeed, cfg.SampleSeed = seed, seed+1
		default:
			return cfg, fmt.Errorf("unknown synthetic option %q", key)
		}
		if err != nil {
			return cfg, fmt.Errorf("synthetic option %s: %w", key, err)
		}
	}
	return cfg, nil
}
