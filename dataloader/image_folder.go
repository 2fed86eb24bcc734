package dataloader

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Single-channel normalisation constants (ImageNet RGB statistics averaged).
const (
	grayMean = 0.449
	grayStd  = 0.226
)

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Images are decoded on demand,
// converted to grayscale, resized to size×size and normalised.
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
	size       int
	cache      *SampleCache
}

// NewImageFolderDataset creates a dataset from a directory structure
func NewImageFolderDataset(root string, size int, extensions []string) (*ImageFolderDataset, error) {
	if size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", size)
	}
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png"}
	}

	dataset := &ImageFolderDataset{
		classToIdx: make(map[string]int),
		size:       size,
	}

	classes, err := filepath.Glob(filepath.Join(root, "*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	sort.Strings(classes)

	classIdx := 0
	for _, classPath := range classes {
		info, err := os.Stat(classPath)
		if err != nil || !info.IsDir() {
			continue
		}

		className := filepath.Base(classPath)
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		entries, err := os.ReadDir(classPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read class %s: %w", className, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !hasExtension(entry.Name(), extensions) {
				continue
			}
			dataset.imagePaths = append(dataset.imagePaths, filepath.Join(classPath, entry.Name()))
			dataset.labels = append(dataset.labels, classIdx)
		}

		classIdx++
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}

	return dataset, nil
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// Get decodes the image at idx into a normalised size*size feature vector
func (d *ImageFolderDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(d.imagePaths) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.imagePaths))
	}
	if d.cache != nil {
		if features, label, ok := d.cache.Get(idx); ok {
			return append([]float64(nil), features...), label, nil
		}
	}

	file, err := os.Open(d.imagePaths[idx])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s: %w", d.imagePaths[idx], err)
	}

	features := grayscaleFeatures(img, d.size)
	if d.cache != nil {
		d.cache.Put(idx, append([]float64(nil), features...), d.labels[idx])
	}
	return features, d.labels[idx], nil
}

// WithCache keeps up to maxSamples decoded images in memory.
func (d *ImageFolderDataset) WithCache(maxSamples int) *ImageFolderDataset {
	d.cache = NewSampleCache(maxSamples)
	return d
}

// CacheStats reports the decode cache, if any.
func (d *ImageFolderDataset) CacheStats() (CacheStats, bool) {
	if d.cache == nil {
		return CacheStats{}, false
	}
	return d.cache.Stats(), true
}

// grayscaleFeatures samples img on a size×size grid (nearest neighbour)
func grayscaleFeatures(img image.Image, size int) []float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]float64, size*size)

	for y := 0; y < size; y++ {
		sy := bounds.Min.Y + y*h/size
		for x := 0; x < size; x++ {
			sx := bounds.Min.X + x*w/size
			r, g, b, _ := img.At(sx, sy).RGBA()
			// ITU-R 601 luma on 16-bit channels
			lum := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 65535.0
			out[y*size+x] = (lum - grayMean) / grayStd
		}
	}
	return out
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// FeatureDim returns the flattened sample size
func (d *ImageFolderDataset) FeatureDim() int {
	return d.size * d.size
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	counts := make([]int, len(d.classNames))
	for _, label := range d.labels {
		counts[label]++
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	for i, name := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", name, counts[i]))
	}
	return sb.String()
}
